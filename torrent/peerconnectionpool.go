package torrent

import (
	"sync"

	"github.com/squall-bt/squall/utils"
)

// peerConnectionPool tracks the set of live peer connections and the peers
// that recently failed, so announce results do not cause endless redials of
// bad addresses.
type peerConnectionPool struct {
	connections  map[string]*peerConnection
	failingPeers *utils.Set
	mutex        sync.Mutex
}

func newPeerConnectionPool() *peerConnectionPool {
	return &peerConnectionPool{
		connections:  make(map[string]*peerConnection),
		failingPeers: utils.NewSet(),
	}
}

// addConnection registers the connection unless the peer is already
// connected. It reports whether the connection was added.
func (p *peerConnectionPool) addConnection(pc *peerConnection) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	peerAddress := pc.peer.String()

	if _, exists := p.connections[peerAddress]; exists {
		return false
	}

	p.connections[peerAddress] = pc

	return true
}

func (p *peerConnectionPool) closeConnections() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	for _, pc := range p.connections {
		pc.close()
	}

	p.connections = make(map[string]*peerConnection)
}

func (p *peerConnectionPool) hasConnection(peerAddress string) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	_, exists := p.connections[peerAddress]

	return exists
}

func (p *peerConnectionPool) isFailing(peerAddress string) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.failingPeers.Contains(peerAddress)
}

func (p *peerConnectionPool) markFailing(peerAddress string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.failingPeers.Add(peerAddress)
}

func (p *peerConnectionPool) removeConnection(peerAddress string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	delete(p.connections, peerAddress)
}

func (p *peerConnectionPool) size() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return len(p.connections)
}
