package torrent

import (
	"context"
	"encoding/binary"
	"net"
	"time"

	"github.com/squall-bt/squall/utils"
)

type messageWriter struct {
	conn     net.Conn
	errCh    chan error
	messages chan message
}

type messageWriterOpts struct {
	conn              net.Conn
	messageBufferSize int
}

const messageWriteTimeout = 10 * time.Second

func newMessageWriter(opts messageWriterOpts) *messageWriter {
	return &messageWriter{
		conn:     opts.conn,
		errCh:    make(chan error, 1),
		messages: make(chan message, opts.messageBufferSize),
	}
}

func (mw *messageWriter) writeMessage(m message) error {
	messageIdLen := 1
	messagePrefixLen := 4
	payloadLen := len(m.payload)

	messageBuffer := make([]byte, messagePrefixLen+messageIdLen+payloadLen)
	binary.BigEndian.PutUint32(messageBuffer, uint32(messageIdLen+payloadLen))

	index := messagePrefixLen
	messageBuffer[index] = byte(m.id)
	copy(messageBuffer[index+1:], m.payload)

	if _, err := utils.ConnWriteFull(mw.conn, messageBuffer, time.Now().Add(messageWriteTimeout)); err != nil {
		return err
	}

	return nil
}

func (mw *messageWriter) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case message, ok := <-mw.messages:
			if !ok {
				return
			}

			if err := mw.writeMessage(message); err != nil {
				select {
				case mw.errCh <- err:
				case <-ctx.Done():
				}

				return
			}
		}
	}
}
