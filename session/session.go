package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/squall-bt/squall/torrent"
)

// clientPrefix identifies this client in the Azureus style peer id
// convention: 8 bytes of client and version, 12 random bytes.
const clientPrefix = "-SQ0001-"

type SessionOpts struct {
	Logger       *slog.Logger
	ShowProgress bool
}

type Session struct {
	logger       *slog.Logger
	peerId       [20]byte
	showProgress bool
	torrents     map[string]*torrent.Torrent
}

func generatePeerId() ([20]byte, error) {
	var peerId [20]byte

	index := copy(peerId[:], clientPrefix)

	if _, err := rand.Read(peerId[index:]); err != nil {
		return peerId, fmt.Errorf("failed to generate peer id: %w", err)
	}

	return peerId, nil
}

func NewSession(opts SessionOpts) (*Session, error) {
	peerId, err := generatePeerId()

	if err != nil {
		return nil, err
	}

	logger := opts.Logger

	if logger == nil {
		logger = slog.Default()
	}

	return &Session{
		logger:       logger,
		peerId:       peerId,
		showProgress: opts.ShowProgress,
		torrents:     map[string]*torrent.Torrent{},
	}, nil
}

// AddTorrent parses the given torrent source, starts downloading it, and
// returns the running torrent. Adding a torrent that is already part of the
// session returns the existing instance.
func (s *Session) AddTorrent(src string, outputDir string) (*torrent.Torrent, error) {
	tr, err := torrent.NewTorrent(torrent.NewTorrentOpts{
		Logger:       s.logger,
		OutputDir:    outputDir,
		PeerId:       s.peerId,
		ShowProgress: s.showProgress,
		Src:          src,
	})

	if err != nil {
		return nil, fmt.Errorf("unable to add torrent to session from source %s: %w", src, err)
	}

	infoHash := tr.InfoHash()
	key := hex.EncodeToString(infoHash[:])

	if existing, ok := s.torrents[key]; ok {
		tr.Stop()
		return existing, nil
	}

	if err := tr.Start(); err != nil {
		tr.Stop()
		return nil, fmt.Errorf("unable to start torrent '%s': %w", tr.Name(), err)
	}

	s.torrents[key] = tr

	return tr, nil
}

func (s *Session) Stop() {
	for _, tr := range s.torrents {
		tr.Stop()
	}
}
