package torrent

import (
	"encoding/binary"
	"fmt"
)

type peer struct {
	ipAddress string
	port      uint16
}

func (p peer) String() string {
	return fmt.Sprintf("%s:%d", p.ipAddress, p.port)
}

// compactPeerSize is the width of one entry in the compact tracker response
// format: 4 bytes of big-endian IPv4 address followed by a 2-byte port.
const compactPeerSize = 6

func parseCompactPeers(data []byte) ([]peer, error) {
	if len(data)%compactPeerSize != 0 {
		return nil, fmt.Errorf("compact peers value must be a multiple of %d bytes, but received %d", compactPeerSize, len(data))
	}

	numOfPeers := len(data) / compactPeerSize
	peers := make([]peer, numOfPeers)

	for i := 0; i < numOfPeers; i++ {
		entry := data[i*compactPeerSize:]
		ipAddress := fmt.Sprintf("%d.%d.%d.%d", entry[0], entry[1], entry[2], entry[3])
		port := binary.BigEndian.Uint16(entry[4:6])
		peers[i] = peer{ipAddress: ipAddress, port: port}
	}

	return peers, nil
}
