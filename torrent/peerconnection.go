package torrent

import (
	"bytes"
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/squall-bt/squall/utils"
)

// ErrProtocolViolation marks errors caused by a peer breaking the wire
// protocol. Connections failing with this error are not worth retrying.
var ErrProtocolViolation = errors.New("peer violated the wire protocol")

const (
	protocolIdentifier  = "BitTorrent protocol"
	handshakeMessageLen = 68
	handshakeTimeout    = 10 * time.Second
	dialTimeout         = 5 * time.Second

	// maxPipelinedRequests caps the number of block requests outstanding on
	// a single connection at any time.
	maxPipelinedRequests = 5

	messageBufferSize = 32
)

type peerConnection struct {
	amChoking      bool
	amInterested   bool
	bitfield       []byte
	conn           net.Conn
	infoHash       [sha1.Size]byte
	logger         *slog.Logger
	manager        *pieceManager
	outstanding    int
	peer           peer
	peerChoking    bool
	peerId         [20]byte
	peerInterested bool
	reader         *messageReader
	remotePeerId   [20]byte
	writer         *messageWriter
}

type peerConnectionOpts struct {
	infoHash [sha1.Size]byte
	logger   *slog.Logger
	manager  *pieceManager
	peer     peer
	peerId   [20]byte
}

func newPeerConnection(opts peerConnectionOpts) *peerConnection {
	return &peerConnection{
		amChoking:   true,
		infoHash:    opts.infoHash,
		logger:      opts.logger.With("peer", opts.peer.String()),
		manager:     opts.manager,
		peer:        opts.peer,
		peerChoking: true,
		peerId:      opts.peerId,
	}
}

func (p *peerConnection) sendHandshake() error {
	buffer := make([]byte, handshakeMessageLen)
	index := 0

	buffer[index] = byte(len(protocolIdentifier))
	index += 1

	index += copy(buffer[index:], protocolIdentifier)

	// 8 reserved bytes stay zero since no extensions are advertised
	index += 8

	index += copy(buffer[index:], p.infoHash[:])
	copy(buffer[index:], p.peerId[:])

	if _, err := utils.ConnWriteFull(p.conn, buffer, time.Now().Add(handshakeTimeout)); err != nil {
		return fmt.Errorf("failed to send handshake message: %w", err)
	}

	return nil
}

func (p *peerConnection) receiveHandshake() error {
	buffer := make([]byte, handshakeMessageLen)

	if _, err := utils.ConnReadFull(p.conn, buffer, time.Now().Add(handshakeTimeout)); err != nil {
		return fmt.Errorf("failed to receive handshake message: %w", err)
	}

	if buffer[0] != byte(len(protocolIdentifier)) || string(buffer[1:20]) != protocolIdentifier {
		return fmt.Errorf("%w: handshake does not identify the expected protocol", ErrProtocolViolation)
	}

	if !bytes.Equal(buffer[28:48], p.infoHash[:]) {
		return fmt.Errorf("%w: handshake info hash does not match the requested torrent", ErrProtocolViolation)
	}

	copy(p.remotePeerId[:], buffer[48:])

	return nil
}

// initConnection dials the peer and completes the handshake exchange. The
// reader and writer loops are not started until run is called.
func (p *peerConnection) initConnection() error {
	conn, err := net.DialTimeout("tcp", p.peer.String(), dialTimeout)

	if err != nil {
		return fmt.Errorf("failed to establish connection with peer '%s': %w", p.peer, err)
	}

	p.conn = conn

	if err := p.sendHandshake(); err != nil {
		p.close()
		return err
	}

	if err := p.receiveHandshake(); err != nil {
		p.close()
		return err
	}

	p.reader = newMessageReader(messageReaderOpts{conn: conn, messageBufferSize: messageBufferSize})
	p.writer = newMessageWriter(messageWriterOpts{conn: conn, messageBufferSize: messageBufferSize})

	return nil
}

func (p *peerConnection) close() {
	if p.conn != nil {
		p.conn.Close()
	}
}

func (p *peerConnection) send(ctx context.Context, msg message) error {
	select {
	case p.writer.messages <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *peerConnection) hasPiece(pieceIndex int) bool {
	byteIndex := pieceIndex / 8

	if byteIndex < 0 || byteIndex >= len(p.bitfield) {
		return false
	}

	return p.bitfield[byteIndex]>>(7-pieceIndex%8)&1 == 1
}

func (p *peerConnection) setPiece(pieceIndex int) {
	byteIndex := pieceIndex / 8

	if byteIndex >= len(p.bitfield) {
		grown := make([]byte, byteIndex+1)
		copy(grown, p.bitfield)
		p.bitfield = grown
	}

	p.bitfield[byteIndex] |= 1 << (7 - pieceIndex%8)
}

// fillPipeline tops the connection back up to maxPipelinedRequests
// outstanding block requests. Requests are only issued while the peer has
// us unchoked.
func (p *peerConnection) fillPipeline(ctx context.Context) error {
	if p.peerChoking || p.outstanding >= maxPipelinedRequests {
		return nil
	}

	blocks := p.manager.nextRequests(p.peer.String(), p.hasPiece, maxPipelinedRequests-p.outstanding)

	for _, blk := range blocks {
		if err := p.send(ctx, newRequestMessage(blk)); err != nil {
			return err
		}

		p.outstanding += 1
	}

	return nil
}

func (p *peerConnection) handlePieceMessage(ctx context.Context, msg message) error {
	pieceIndex, begin, data, err := parsePieceMessage(msg)

	if err != nil {
		return fmt.Errorf("%w: %s", ErrProtocolViolation, err)
	}

	if p.outstanding > 0 {
		p.outstanding -= 1
	}

	if err := p.manager.blockReceived(p.peer.String(), pieceIndex, begin, data); err != nil {
		// unsolicited or stale blocks are dropped without tearing down an
		// otherwise healthy connection
		p.logger.Warn("discarding block", "pieceIndex", pieceIndex, "begin", begin, "error", err)
	}

	return p.fillPipeline(ctx)
}

func (p *peerConnection) handleIncomingMessage(ctx context.Context, msg message) error {
	switch msg.id {
	case chokeMessageId:
		p.peerChoking = true
		p.outstanding = 0
		p.manager.releaseOutstanding(p.peer.String())

		return nil

	case unchokeMessageId:
		p.peerChoking = false

		return p.fillPipeline(ctx)

	case interestedMessageId:
		p.peerInterested = true

		return nil

	case notInterestedMessageId:
		p.peerInterested = false

		return nil

	case haveMessageId:
		pieceIndex, err := parseHaveMessage(msg)

		if err != nil {
			return fmt.Errorf("%w: %s", ErrProtocolViolation, err)
		}

		p.setPiece(pieceIndex)

		return p.fillPipeline(ctx)

	case bitfieldMessageId:
		p.bitfield = msg.payload

		return p.fillPipeline(ctx)

	case pieceMessageId:
		return p.handlePieceMessage(ctx, msg)

	case requestMessageId, cancelMessageId:
		// the peer is requesting an upload while it is still choked; drop it
		p.logger.Debug("ignoring message from choked peer", "messageId", msg.id.String())

		return nil

	default:
		return fmt.Errorf("%w: received unexpected message id '%s'", ErrProtocolViolation, msg.id)
	}
}

// run drives the connection until the download completes, the context is
// cancelled, or the connection fails. All connection state is owned by this
// goroutine; the reader and writer only move frames.
func (p *peerConnection) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	defer cancel()
	defer p.close()
	defer p.manager.releaseOutstanding(p.peer.String())

	go p.reader.run(ctx)
	go p.writer.run(ctx)

	if err := p.send(ctx, message{id: interestedMessageId}); err != nil {
		return err
	}

	p.amInterested = true

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-p.manager.done():
			return nil

		case err := <-p.reader.errCh:
			return err

		case err := <-p.writer.errCh:
			return err

		case msg := <-p.reader.messages:
			if err := p.handleIncomingMessage(ctx, msg); err != nil {
				return err
			}
		}
	}
}
