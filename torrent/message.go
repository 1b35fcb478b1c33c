package torrent

import (
	"encoding/binary"
	"fmt"
)

type messageId uint8

const (
	chokeMessageId messageId = iota
	unchokeMessageId
	interestedMessageId
	notInterestedMessageId
	haveMessageId
	bitfieldMessageId
	requestMessageId
	pieceMessageId
	cancelMessageId
)

func (id messageId) String() string {
	switch id {
	case chokeMessageId:
		return "choke"
	case unchokeMessageId:
		return "unchoke"
	case interestedMessageId:
		return "interested"
	case notInterestedMessageId:
		return "not interested"
	case haveMessageId:
		return "have"
	case bitfieldMessageId:
		return "bitfield"
	case requestMessageId:
		return "request"
	case pieceMessageId:
		return "piece"
	case cancelMessageId:
		return "cancel"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(id))
	}
}

// message is a single peer wire protocol frame. The zero-length keep-alive
// frame has no message and is handled by the reader directly.
type message struct {
	id      messageId
	payload []byte
}

func newHaveMessage(pieceIndex int) message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(pieceIndex))

	return message{id: haveMessageId, payload: payload}
}

func newRequestMessage(blk block) message {
	payload := make([]byte, 12)

	binary.BigEndian.PutUint32(payload, uint32(blk.pieceIndex))
	binary.BigEndian.PutUint32(payload[4:], uint32(blk.begin))
	binary.BigEndian.PutUint32(payload[8:], uint32(blk.length))

	return message{id: requestMessageId, payload: payload}
}

func newCancelMessage(blk block) message {
	msg := newRequestMessage(blk)
	msg.id = cancelMessageId

	return msg
}

func parseHaveMessage(msg message) (int, error) {
	if msg.id != haveMessageId {
		return 0, fmt.Errorf("expected message id to be '%s', but got '%s'", haveMessageId, msg.id)
	}

	if len(msg.payload) != 4 {
		return 0, fmt.Errorf("expected 'have' payload to contain 4 bytes, but got %d", len(msg.payload))
	}

	return int(binary.BigEndian.Uint32(msg.payload)), nil
}

func parsePieceMessage(msg message) (pieceIndex int, begin int, data []byte, err error) {
	if msg.id != pieceMessageId {
		return 0, 0, nil, fmt.Errorf("expected message id to be '%s', but got '%s'", pieceMessageId, msg.id)
	}

	if len(msg.payload) < 9 {
		return 0, 0, nil, fmt.Errorf("expected 'piece' payload to contain at least 9 bytes, but got %d", len(msg.payload))
	}

	pieceIndex = int(binary.BigEndian.Uint32(msg.payload))
	begin = int(binary.BigEndian.Uint32(msg.payload[4:]))
	data = msg.payload[8:]

	return pieceIndex, begin, data, nil
}
