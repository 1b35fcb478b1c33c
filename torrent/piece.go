package torrent

import (
	"bytes"
	"crypto/sha1"
	"fmt"
)

type block struct {
	begin      int
	data       []byte
	length     int
	pieceIndex int
}

type piece struct {
	hash   [sha1.Size]byte
	index  int
	length int
}

const (
	blockSize = 16384
)

func (p *piece) blocks() []block {
	blocks := []block{}

	numOfFullSizedBlocks := p.length / blockSize

	for i := 0; i < numOfFullSizedBlocks; i++ {
		blocks = append(blocks, block{begin: i * blockSize, length: blockSize, pieceIndex: p.index})
	}

	if lastBlockSize := p.length % blockSize; lastBlockSize != 0 {
		lastBlockBegin := numOfFullSizedBlocks * blockSize
		blocks = append(blocks, block{begin: lastBlockBegin, length: lastBlockSize, pieceIndex: p.index})
	}

	return blocks
}

func (p *piece) numBlocks() int {
	return (p.length + blockSize - 1) / blockSize
}

// blockLengthAt returns the expected length of the block starting at the
// given offset within the piece.
func (p *piece) blockLengthAt(begin int) (int, error) {
	if begin < 0 || begin >= p.length || begin%blockSize != 0 {
		return 0, fmt.Errorf("offset %d is not a valid block boundary for a piece of length %d", begin, p.length)
	}

	if remaining := p.length - begin; remaining < blockSize {
		return remaining, nil
	}

	return blockSize, nil
}

func (p *piece) verify(data []byte) error {
	downloadedPieceHash := sha1.Sum(data)

	if bytes.Equal(downloadedPieceHash[:], p.hash[:]) {
		return nil
	}

	return fmt.Errorf(
		"integrity validation failed for downloaded piece at index '%d': calculated hash '%x' does not match expected hash '%x'",
		p.index,
		downloadedPieceHash,
		p.hash,
	)
}
