package torrent

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/binary"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/squall-bt/squall/utils"
)

func TestNewTorrentFromFile(t *testing.T) {
	info := fixtureInfo{
		Length:      7,
		Name:        "fixture.bin",
		PieceLength: 4,
		Pieces:      strings.Repeat("a", 40),
	}

	fixture := struct {
		Announce string      `bencode:"announce"`
		Comment  string      `bencode:"comment"`
		Info     fixtureInfo `bencode:"info"`
	}{
		Announce: "http://tracker.example.com/announce",
		Comment:  "torrent fixture",
		Info:     info,
	}

	dir := t.TempDir()
	src := filepath.Join(dir, "fixture.torrent")

	if err := os.WriteFile(src, marshalFixture(t, fixture), 0644); err != nil {
		t.Fatal(err)
	}

	tr, err := NewTorrent(NewTorrentOpts{
		Logger:    discardLogger(),
		OutputDir: dir,
		Src:       src,
	})

	if err != nil {
		t.Fatal(err)
	}

	defer tr.Stop()

	if tr.Name() != "fixture.bin" {
		t.Errorf("expected name \"fixture.bin\" got %q", tr.Name())
	}

	if expected := sha1.Sum(marshalFixture(t, info)); tr.InfoHash() != expected {
		t.Errorf("expected info hash %x got %x", expected, tr.InfoHash())
	}

	description := tr.Describe()

	for _, fragment := range []string{"fixture.bin", "http://tracker.example.com/announce", "comment: torrent fixture", "pieces: 2 x 4 bytes"} {
		if !strings.Contains(description, fragment) {
			t.Errorf("expected description to contain %q:\n%s", fragment, description)
		}
	}
}

// Full download path: the tracker hands out a single fake peer which serves
// every piece, and the finished payload must land on disk byte-identical.
func TestTorrentDownloadEndToEnd(t *testing.T) {
	pieces, payloads := testPieces(t)
	payload := append(append([]byte{}, payloads[0]...), payloads[1]...)

	info := fixtureInfo{
		Length:      len(payload),
		Name:        "e2e.bin",
		PieceLength: len(payloads[0]),
		Pieces:      string(pieces[0].hash[:]) + string(pieces[1].hash[:]),
	}

	infoBytes := marshalFixture(t, info)

	listener, err := net.Listen("tcp", "127.0.0.1:0")

	if err != nil {
		t.Fatal(err)
	}

	defer listener.Close()
	go fakePeer(t, listener, sha1.Sum(infoBytes), payloads)

	peerPort := listener.Addr().(*net.TCPAddr).Port

	tracker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		compact := []byte{127, 0, 0, 1, 0, 0}
		binary.BigEndian.PutUint16(compact[4:], uint16(peerPort))
		w.Write([]byte("d8:intervali1800e5:peers6:" + string(compact) + "e"))
	}))

	defer tracker.Close()

	fixture := struct {
		Announce string      `bencode:"announce"`
		Info     fixtureInfo `bencode:"info"`
	}{Announce: tracker.URL, Info: info}

	dir := t.TempDir()
	src := filepath.Join(dir, "e2e.torrent")

	if err := os.WriteFile(src, marshalFixture(t, fixture), 0644); err != nil {
		t.Fatal(err)
	}

	outputDir := t.TempDir()

	tr, err := NewTorrent(NewTorrentOpts{
		Logger:    discardLogger(),
		OutputDir: outputDir,
		Src:       src,
	})

	if err != nil {
		t.Fatal(err)
	}

	defer tr.Stop()

	if err := tr.Start(); err != nil {
		t.Fatal(err)
	}

	select {
	case <-tr.Done():
	case <-time.After(15 * time.Second):
		t.Fatal("timed out waiting for the download to finish")
	}

	tr.Stop()

	written, err := os.ReadFile(filepath.Join(outputDir, "e2e.bin"))

	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(payload, written) {
		t.Error("output file does not match the torrent payload")
	}
}

// A tracker that answers with a failure reason is retried on the regular
// announce cadence, exactly like one that is unreachable.
func TestAnnounceLoopRetriesAfterTrackerFailure(t *testing.T) {
	var announces atomic.Int32

	tracker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		announces.Add(1)
		w.Write([]byte("d14:failure reason22:torrent not registerede"))
	}))

	defer tracker.Close()

	tr := testTorrent(t)
	tr.announceInterval = 10 * time.Millisecond
	tr.ctx, tr.cancelFunc = context.WithCancel(context.Background())

	defer tr.cancelFunc()

	exited := make(chan struct{})

	go func() {
		tr.announceLoop(tracker.URL, utils.NewSemaphore(1))
		close(exited)
	}()

	deadline := time.After(10 * time.Second)

	for announces.Load() < 3 {
		select {
		case <-exited:
			t.Fatalf("announce loop stopped after %d announces instead of retrying", announces.Load())

		case <-deadline:
			t.Fatalf("expected at least 3 announces, got %d", announces.Load())

		case <-time.After(5 * time.Millisecond):
		}
	}
}

// Stop must not return while background tasks are still running, otherwise an
// in flight piece write could race the output files being closed.
func TestStopWaitsForBackgroundTasks(t *testing.T) {
	tr := testTorrent(t)
	tr.ctx, tr.cancelFunc = context.WithCancel(context.Background())
	tr.pool = newPeerConnectionPool()

	var finished atomic.Bool

	tr.wg.Add(1)

	go func() {
		defer tr.wg.Done()

		<-tr.ctx.Done()
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
	}()

	tr.Stop()

	if !finished.Load() {
		t.Error("Stop returned before its background tasks finished")
	}
}

func TestNewTorrentRejectsMissingSource(t *testing.T) {
	if _, err := NewTorrent(NewTorrentOpts{Src: filepath.Join(t.TempDir(), "missing.torrent")}); err == nil {
		t.Error("expected an error for a source that is neither a file nor a URL")
	}
}
