package torrent

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

type messageReader struct {
	conn     net.Conn
	errCh    chan error
	messages chan message
}

type messageReaderOpts struct {
	conn              net.Conn
	messageBufferSize int
}

// maxMessageLength bounds a single frame. The largest expected frame is a
// 'piece' message carrying one block; bitfields of very large torrents also
// stay comfortably below this.
const maxMessageLength = 256 * 1024

func newMessageReader(opts messageReaderOpts) *messageReader {
	return &messageReader{
		conn:     opts.conn,
		errCh:    make(chan error, 1),
		messages: make(chan message, opts.messageBufferSize),
	}
}

func (mr *messageReader) readBuffer(buffer []byte) error {
	_, err := io.ReadFull(mr.conn, buffer)

	if errors.Is(err, io.EOF) {
		return fmt.Errorf("remote peer closed the connection")
	}

	if err != nil {
		return fmt.Errorf("failed to read from connection: %w", err)
	}

	return nil
}

// readMessage reads one length-prefixed frame. A nil message with a nil
// error indicates a keep-alive frame.
func (mr *messageReader) readMessage() (*message, error) {
	messageLengthBuffer := make([]byte, 4)

	if err := mr.readBuffer(messageLengthBuffer); err != nil {
		return nil, err
	}

	messageLength := binary.BigEndian.Uint32(messageLengthBuffer)

	if messageLength == 0 {
		return nil, nil
	}

	if messageLength > maxMessageLength {
		return nil, fmt.Errorf("message length %d exceeds maximum allowed length %d", messageLength, maxMessageLength)
	}

	messageBuffer := make([]byte, messageLength)

	if err := mr.readBuffer(messageBuffer); err != nil {
		return nil, err
	}

	return &message{
		id:      messageId(messageBuffer[0]),
		payload: messageBuffer[1:],
	}, nil
}

func (mr *messageReader) run(ctx context.Context) {
	for {
		message, err := mr.readMessage()

		if err != nil {
			select {
			case mr.errCh <- err:
			case <-ctx.Done():
			}

			return
		}

		// keep-alive frames require no action
		if message == nil {
			continue
		}

		select {
		case mr.messages <- *message:
		case <-ctx.Done():
			return
		}
	}
}
