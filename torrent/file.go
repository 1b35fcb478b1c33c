package torrent

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

type outputFile struct {
	entry  fileEntry
	handle *os.File
}

// fileSet maps verified pieces onto the torrent's files. A single payload
// piece may span multiple file boundaries in a multi file torrent, so each
// write is split across every file the piece overlaps.
type fileSet struct {
	files       []*outputFile
	pieceLength int
	totalLength int
}

func openOrCreate(fullPath string, length int) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories for \"%s\": %w", fullPath, err)
	}

	fptr, err := os.OpenFile(fullPath, os.O_RDWR, 0644)

	if err == nil {
		return fptr, nil
	}

	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to open file \"%s\": %w", fullPath, err)
	}

	fptr, err = os.Create(fullPath)

	if err != nil {
		return nil, fmt.Errorf("failed to create file \"%s\": %w", fullPath, err)
	}

	if length <= 0 {
		fptr.Close()
		return nil, fmt.Errorf("file must have a positive length, got %d", length)
	}

	// extend the file to its final length up front so pieces can be written
	// at their absolute offsets in any order
	if _, err := fptr.Seek(int64(length-1), 0); err != nil {
		fptr.Close()
		return nil, fmt.Errorf("failed to seek when creating file: %w", err)
	}

	if _, err := fptr.Write([]byte{0}); err != nil {
		fptr.Close()
		return nil, fmt.Errorf("failed to set file length: %w", err)
	}

	if _, err := fptr.Seek(0, 0); err != nil {
		fptr.Close()
		return nil, fmt.Errorf("failed to seek to start: %w", err)
	}

	return fptr, nil
}

// newFileSet opens every file in the torrent under outputDir. Multi file
// torrents are rooted in a directory named after the torrent; a single file
// torrent writes the file directly into outputDir.
func newFileSet(info *torrentInfo, outputDir string) (*fileSet, error) {
	parentDir := outputDir

	if info.multiFile {
		parentDir = filepath.Join(outputDir, info.name)
	}

	set := &fileSet{
		files:       make([]*outputFile, len(info.files)),
		pieceLength: info.pieceLength,
		totalLength: info.length,
	}

	for i, entry := range info.files {
		segments := append([]string{parentDir}, entry.path...)
		fullPath := filepath.Join(segments...)

		handle, err := openOrCreate(fullPath, entry.length)

		if err != nil {
			set.close()
			return nil, err
		}

		set.files[i] = &outputFile{entry: entry, handle: handle}
	}

	return set, nil
}

func (s *fileSet) writePiece(pieceIndex int, data []byte) error {
	pieceStart := pieceIndex * s.pieceLength
	pieceEnd := pieceStart + len(data)

	if pieceEnd > s.totalLength {
		return fmt.Errorf("piece at index %d overflows the declared payload length", pieceIndex)
	}

	for _, f := range s.files {
		fileStart := f.entry.offset
		fileEnd := fileStart + f.entry.length

		overlapStart := max(pieceStart, fileStart)
		overlapEnd := min(pieceEnd, fileEnd)

		if overlapStart >= overlapEnd {
			continue
		}

		chunk := data[overlapStart-pieceStart : overlapEnd-pieceStart]

		if _, err := f.handle.WriteAt(chunk, int64(overlapStart-fileStart)); err != nil {
			return fmt.Errorf("failed to write piece %d: %w", pieceIndex, err)
		}
	}

	return nil
}

func (s *fileSet) close() error {
	var firstErr error

	for _, f := range s.files {
		if f == nil || f.handle == nil {
			continue
		}

		if err := f.handle.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
