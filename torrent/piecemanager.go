package torrent

import (
	"fmt"
	"log/slog"
	"sync"
)

type pieceStatus int

const (
	pieceMissing pieceStatus = iota
	pieceInFlight
	pieceVerifying
	pieceComplete
)

type pieceRecord struct {
	piece    piece
	status   pieceStatus
	received map[int][]byte
	// requested maps a block offset to the address of the single peer the
	// block is currently requested from.
	requested map[int]string
}

type pieceWriter interface {
	writePiece(pieceIndex int, data []byte) error
}

type progressSnapshot struct {
	bytesDownloaded int
	bytesTotal      int
	bytesUploaded   int
}

func (s progressSnapshot) finished() bool {
	return s.bytesTotal > 0 && s.bytesDownloaded == s.bytesTotal
}

// pieceManager is the single source of truth for piece and block completion
// across every connected peer. All mutation happens through its methods;
// announce loops only ever take read snapshots.
type pieceManager struct {
	bytesDownloaded int
	bytesTotal      int
	bytesUploaded   int
	completed       int
	doneCh          chan struct{}
	logger          *slog.Logger
	mu              sync.RWMutex
	pieces          []*pieceRecord
	writer          pieceWriter
}

func newPieceManager(pieces []piece, totalLength int, writer pieceWriter, logger *slog.Logger) *pieceManager {
	records := make([]*pieceRecord, len(pieces))

	for i, p := range pieces {
		records[i] = &pieceRecord{
			piece:     p,
			status:    pieceMissing,
			received:  map[int][]byte{},
			requested: map[int]string{},
		}
	}

	return &pieceManager{
		bytesTotal: totalLength,
		doneCh:     make(chan struct{}),
		logger:     logger,
		pieces:     records,
		writer:     writer,
	}
}

// nextRequests assigns up to max un-requested blocks to the given peer and
// returns them. Selection order is lowest piece index first, then lowest
// block offset, restricted to pieces the peer advertises. A (piece, block)
// pair is never assigned to two peers at once.
func (m *pieceManager) nextRequests(peerAddress string, hasPiece func(int) bool, max int) []block {
	m.mu.Lock()
	defer m.mu.Unlock()

	assigned := []block{}

	for index, record := range m.pieces {
		if len(assigned) >= max {
			break
		}

		if record.status == pieceComplete || record.status == pieceVerifying {
			continue
		}

		if !hasPiece(index) {
			continue
		}

		for _, blk := range record.piece.blocks() {
			if len(assigned) >= max {
				break
			}

			if _, ok := record.received[blk.begin]; ok {
				continue
			}

			if _, ok := record.requested[blk.begin]; ok {
				continue
			}

			record.requested[blk.begin] = peerAddress
			record.status = pieceInFlight
			assigned = append(assigned, blk)
		}
	}

	return assigned
}

// blockReceived records a delivered block. When the block completes its
// piece, the piece is verified against its declared hash: a match persists
// the piece and counts it towards progress exactly once, a mismatch discards
// every block so the piece is re-requested from scratch.
func (m *pieceManager) blockReceived(peerAddress string, pieceIndex int, begin int, data []byte) error {
	m.mu.Lock()

	if pieceIndex < 0 || pieceIndex >= len(m.pieces) {
		m.mu.Unlock()
		return fmt.Errorf("received block for invalid piece index %d", pieceIndex)
	}

	record := m.pieces[pieceIndex]

	if record.status == pieceComplete || record.status == pieceVerifying {
		m.mu.Unlock()
		return fmt.Errorf("received block for piece %d which is no longer being downloaded", pieceIndex)
	}

	if assignee, ok := record.requested[begin]; !ok || assignee != peerAddress {
		m.mu.Unlock()
		return fmt.Errorf("block (pieceIndex: %d, begin: %d) was not requested from peer %s", pieceIndex, begin, peerAddress)
	}

	expectedLength, err := record.piece.blockLengthAt(begin)

	if err != nil {
		m.mu.Unlock()
		return err
	}

	if len(data) != expectedLength {
		m.mu.Unlock()
		return fmt.Errorf("received block data length (%d) does not match requested length (%d)", len(data), expectedLength)
	}

	delete(record.requested, begin)
	record.received[begin] = data

	if len(record.received) < record.piece.numBlocks() {
		m.mu.Unlock()
		return nil
	}

	record.status = pieceVerifying
	buffer := make([]byte, record.piece.length)

	for blockBegin, blockData := range record.received {
		copy(buffer[blockBegin:], blockData)
	}

	// hashing and persistence happen outside the lock so a slow disk never
	// stalls concurrent block deliveries for other pieces
	m.mu.Unlock()

	if err := record.piece.verify(buffer); err != nil {
		m.logger.Warn("piece failed verification and will be re-requested", "pieceIndex", pieceIndex, "error", err)

		m.mu.Lock()
		record.status = pieceMissing
		record.received = map[int][]byte{}
		m.mu.Unlock()

		return nil
	}

	if err := m.writer.writePiece(pieceIndex, buffer); err != nil {
		m.mu.Lock()
		record.status = pieceMissing
		record.received = map[int][]byte{}
		m.mu.Unlock()

		return fmt.Errorf("failed to persist verified piece at index %d: %w", pieceIndex, err)
	}

	m.mu.Lock()
	record.status = pieceComplete
	record.received = map[int][]byte{}
	m.bytesDownloaded += record.piece.length
	m.completed += 1
	finished := m.completed == len(m.pieces)
	m.mu.Unlock()

	m.logger.Debug("piece verified", "pieceIndex", pieceIndex, "peer", peerAddress)

	if finished {
		close(m.doneCh)
	}

	return nil
}

// releaseOutstanding returns every block assigned to the given peer to the
// un-requested pool, so another peer can pick it up. Pieces left with no
// received and no requested blocks drop back to missing.
func (m *pieceManager) releaseOutstanding(peerAddress string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, record := range m.pieces {
		for begin, assignee := range record.requested {
			if assignee == peerAddress {
				delete(record.requested, begin)
			}
		}

		if record.status == pieceInFlight && len(record.received) == 0 && len(record.requested) == 0 {
			record.status = pieceMissing
		}
	}
}

func (m *pieceManager) snapshot() progressSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return progressSnapshot{
		bytesDownloaded: m.bytesDownloaded,
		bytesTotal:      m.bytesTotal,
		bytesUploaded:   m.bytesUploaded,
	}
}

func (m *pieceManager) finished() bool {
	return m.snapshot().finished()
}

func (m *pieceManager) completedPieces() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.completed
}

// done is closed once every piece has been verified and persisted.
func (m *pieceManager) done() <-chan struct{} {
	return m.doneCh
}
