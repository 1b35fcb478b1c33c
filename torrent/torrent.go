package torrent

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gosuri/uiprogress"
	"github.com/squall-bt/squall/utils"
)

const (
	listenPort             = 6881
	maxPeerConnections     = 10
	maxConcurrentAnnounces = 5
)

// Torrent drives a single download: it announces to the torrent's trackers,
// maintains peer connections, and funnels every received block through one
// shared piece manager until the payload is complete on disk.
type Torrent struct {
	announceInterval time.Duration
	cancelFunc       context.CancelFunc
	ctx              context.Context
	files            *fileSet
	incomingPeersCh  chan []peer
	logger           *slog.Logger
	manager          *pieceManager
	meta             *metaInfo
	outputDir        string
	peerId           [20]byte
	pool             *peerConnectionPool
	showProgress     bool
	stopOnce         sync.Once
	wg               sync.WaitGroup
}

type NewTorrentOpts struct {
	Logger       *slog.Logger
	OutputDir    string
	PeerId       [20]byte
	ShowProgress bool
	Src          string
}

func readTorrentFile(src string) ([]byte, error) {
	if utils.FileExists(src) {
		fileContent, err := os.ReadFile(src)

		if err != nil {
			return nil, fmt.Errorf("failed to read torrent file '%s': %w", src, err)
		}

		return fileContent, nil
	}

	parsedUrl, err := url.Parse(src)

	if err != nil || (parsedUrl.Scheme != "http" && parsedUrl.Scheme != "https") {
		return nil, fmt.Errorf("torrent src must be a path to a \".torrent\" file or an HTTP URL")
	}

	resp, err := http.DefaultClient.Get(src)

	if err != nil {
		return nil, fmt.Errorf("failed to fetch torrent file: %w", err)
	}

	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("received NON-OK HTTP status code \"%d\"", resp.StatusCode)
	}

	content, err := io.ReadAll(resp.Body)

	if err != nil {
		return nil, fmt.Errorf("failed to read HTTP response body: %w", err)
	}

	return content, nil
}

func NewTorrent(opts NewTorrentOpts) (*Torrent, error) {
	fileContent, err := readTorrentFile(opts.Src)

	if err != nil {
		return nil, err
	}

	meta, err := parseMetainfo(fileContent)

	if err != nil {
		return nil, err
	}

	logger := opts.Logger

	if logger == nil {
		logger = slog.Default()
	}

	logger = logger.With("torrent", meta.info.name)

	outputDir := opts.OutputDir

	if outputDir == "" {
		outputDir = "."
	}

	ctx, cancelFunc := context.WithCancel(context.Background())

	tr := &Torrent{
		announceInterval: defaultAnnounceInterval,
		cancelFunc:       cancelFunc,
		ctx:              ctx,
		incomingPeersCh:  make(chan []peer, 1),
		logger:           logger,
		meta:             meta,
		outputDir:        outputDir,
		peerId:           opts.PeerId,
		pool:             newPeerConnectionPool(),
		showProgress:     opts.ShowProgress,
	}

	tr.manager = newPieceManager(meta.info.pieces, meta.info.length, tr, logger)

	return tr, nil
}

// writePiece persists a verified piece. Output files are opened lazily by
// Start, so pieces can only arrive once the download is running.
func (tr *Torrent) writePiece(pieceIndex int, data []byte) error {
	if tr.files == nil {
		return fmt.Errorf("torrent has not been started")
	}

	return tr.files.writePiece(pieceIndex, data)
}

func (tr *Torrent) Name() string {
	return tr.meta.info.name
}

func (tr *Torrent) InfoHash() [sha1.Size]byte {
	return tr.meta.infoHash
}

// Done is closed once every piece has been verified and written to disk.
func (tr *Torrent) Done() <-chan struct{} {
	return tr.manager.done()
}

// Describe returns a human readable summary of the torrent.
func (tr *Torrent) Describe() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "name: %s\n", tr.meta.info.name)
	fmt.Fprintf(&sb, "info hash: %s\n", hex.EncodeToString(tr.meta.infoHash[:]))
	fmt.Fprintf(&sb, "total size: %d bytes\n", tr.meta.info.length)
	fmt.Fprintf(&sb, "pieces: %d x %d bytes\n", len(tr.meta.info.pieces), tr.meta.info.pieceLength)
	fmt.Fprintf(&sb, "files: %d\n", len(tr.meta.info.files))
	fmt.Fprintf(&sb, "trackers: %s", strings.Join(tr.meta.trackers, ", "))

	if len(tr.meta.webSeeds) > 0 {
		fmt.Fprintf(&sb, "\nweb seeds: %s", strings.Join(tr.meta.webSeeds, ", "))
	}

	if tr.meta.encoding != "" {
		fmt.Fprintf(&sb, "\nencoding: %s", tr.meta.encoding)
	}

	if tr.meta.comment != "" {
		fmt.Fprintf(&sb, "\ncomment: %s", tr.meta.comment)
	}

	if tr.meta.createdBy != "" {
		fmt.Fprintf(&sb, "\ncreated by: %s", tr.meta.createdBy)
	}

	if createdAt := tr.meta.creationDate; createdAt > 0 {
		fmt.Fprintf(&sb, "\ncreation date: %s", time.Unix(int64(createdAt), 0).UTC().Format(time.RFC3339))
	}

	return sb.String()
}

// announceLoop periodically re-announces to a single tracker, feeding every
// returned peer list to the connection handler. The first announce carries
// the "started" event and the loop ends with a best effort "finished"
// announce once the download completes.
func (tr *Torrent) announceLoop(trackerUrl string, sem utils.Semaphore) {
	event := eventStarted

	for {
		sem.Acquire()
		response, err := tr.sendAnnounceRequest(tr.ctx, trackerUrl, event)
		sem.Release()

		interval := tr.announceInterval

		if err != nil {
			// tracker rejections and transport errors alike wait out the
			// interval and announce again
			tr.logger.Warn("announce failed", "tracker", trackerUrl, "error", err)
		} else {
			event = eventNone
			interval = response.interval

			select {
			case tr.incomingPeersCh <- response.peers:
			case <-tr.ctx.Done():
				return
			}
		}

		select {
		case <-tr.ctx.Done():
			return

		case <-tr.manager.done():
			sem.Acquire()

			if _, err := tr.sendAnnounceRequest(tr.ctx, trackerUrl, eventCompleted); err != nil {
				tr.logger.Debug("completion announce failed", "tracker", trackerUrl, "error", err)
			}

			sem.Release()

			return

		case <-time.After(interval):
		}
	}
}

func (tr *Torrent) startAnnouncer() {
	sem := utils.NewSemaphore(maxConcurrentAnnounces)

	for _, trackerUrl := range tr.meta.trackers {
		trackerUrl := trackerUrl

		tr.wg.Add(1)

		go func() {
			defer tr.wg.Done()
			tr.announceLoop(trackerUrl, sem)
		}()
	}
}

func (tr *Torrent) runPeerConnection(pr peer) {
	pc := newPeerConnection(peerConnectionOpts{
		infoHash: tr.meta.infoHash,
		logger:   tr.logger,
		manager:  tr.manager,
		peer:     pr,
		peerId:   tr.peerId,
	})

	if !tr.pool.addConnection(pc) {
		return
	}

	defer tr.pool.removeConnection(pr.String())

	if err := pc.initConnection(); err != nil {
		tr.logger.Debug("failed to connect to peer", "peer", pr.String(), "error", err)
		tr.pool.markFailing(pr.String())

		return
	}

	tr.logger.Debug("connected to peer", "peer", pr.String())

	if err := pc.run(tr.ctx); err != nil {
		tr.logger.Debug("peer connection closed", "peer", pr.String(), "error", err)

		if errors.Is(err, ErrProtocolViolation) {
			tr.pool.markFailing(pr.String())
		}
	}
}

func (tr *Torrent) handleIncomingPeers() {
	for {
		select {
		case <-tr.ctx.Done():
			return

		case peers := <-tr.incomingPeersCh:
			for _, pr := range peers {
				if tr.pool.size() >= maxPeerConnections {
					break
				}

				peerAddress := pr.String()

				if tr.pool.hasConnection(peerAddress) || tr.pool.isFailing(peerAddress) {
					continue
				}

				pr := pr

				tr.wg.Add(1)

				go func() {
					defer tr.wg.Done()
					tr.runPeerConnection(pr)
				}()
			}
		}
	}
}

func (tr *Torrent) trackProgress() {
	uiprogress.Start()

	bar := uiprogress.AddBar(len(tr.meta.info.pieces))
	bar.AppendCompleted()
	bar.AppendFunc(func(b *uiprogress.Bar) string {
		return fmt.Sprintf("pieces: %d/%d", tr.manager.completedPieces(), len(tr.meta.info.pieces))
	})
	bar.AppendFunc(func(b *uiprogress.Bar) string {
		return fmt.Sprintf("peers: %d", tr.pool.size())
	})

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	defer uiprogress.Stop()

	for {
		select {
		case <-tr.ctx.Done():
			return

		case <-tr.manager.done():
			bar.Set(len(tr.meta.info.pieces))
			return

		case <-ticker.C:
			bar.Set(tr.manager.completedPieces())
		}
	}
}

// Start opens the output files and launches the announcer and peer handling
// goroutines. Use Done to wait for completion and Stop to shut down.
func (tr *Torrent) Start() error {
	files, err := newFileSet(tr.meta.info, tr.outputDir)

	if err != nil {
		return err
	}

	tr.files = files

	tr.logger.Info(
		"starting download",
		"infoHash", hex.EncodeToString(tr.meta.infoHash[:]),
		"pieces", len(tr.meta.info.pieces),
		"size", tr.meta.info.length,
		"trackers", len(tr.meta.trackers),
	)

	tr.startAnnouncer()

	tr.wg.Add(1)

	go func() {
		defer tr.wg.Done()
		tr.handleIncomingPeers()
	}()

	if tr.showProgress {
		tr.wg.Add(1)

		go func() {
			defer tr.wg.Done()
			tr.trackProgress()
		}()
	}

	return nil
}

// Stop cancels every goroutine, closes all peer connections, and releases
// the output file handles. It is safe to call more than once.
func (tr *Torrent) Stop() {
	tr.stopOnce.Do(func() {
		tr.cancelFunc()
		tr.pool.closeConnections()

		// no goroutine may touch the output files once they are closed
		tr.wg.Wait()

		if tr.files == nil {
			return
		}

		if err := tr.files.close(); err != nil {
			tr.logger.Warn("failed to close output files", "error", err)
		}
	})
}
