package torrent

import (
	"bytes"
	"crypto/sha1"
	"reflect"
	"strings"
	"testing"

	jackpal "github.com/jackpal/bencode-go"
)

type fixtureInfo struct {
	Length      int    `bencode:"length"`
	Name        string `bencode:"name"`
	PieceLength int    `bencode:"piece length"`
	Pieces      string `bencode:"pieces"`
}

type fixtureFileEntry struct {
	Length int      `bencode:"length"`
	Path   []string `bencode:"path"`
}

type fixtureMultiFileInfo struct {
	Files       []fixtureFileEntry `bencode:"files"`
	Name        string             `bencode:"name"`
	PieceLength int                `bencode:"piece length"`
	Pieces      string             `bencode:"pieces"`
}

func marshalFixture(t *testing.T, fixture any) []byte {
	t.Helper()

	var buf bytes.Buffer

	if err := jackpal.Marshal(&buf, fixture); err != nil {
		t.Fatal(err)
	}

	return buf.Bytes()
}

func TestParseMetainfoSingleFile(t *testing.T) {
	info := fixtureInfo{
		Length:      7,
		Name:        "fixture.bin",
		PieceLength: 4,
		Pieces:      strings.Repeat("a", 20) + strings.Repeat("b", 20),
	}

	fixture := struct {
		Announce     string      `bencode:"announce"`
		AnnounceList [][]string  `bencode:"announce-list"`
		Comment      string      `bencode:"comment"`
		CreatedBy    string      `bencode:"created by"`
		CreationDate int         `bencode:"creation date"`
		Info         fixtureInfo `bencode:"info"`
		URLList      []string    `bencode:"url-list"`
	}{
		Announce: "http://tracker.example.com/announce",
		AnnounceList: [][]string{
			{"http://tracker.example.com/announce"},
			{"udp://backup.example.com:6969", "http://tracker.example.com/announce"},
		},
		Comment:      "metainfo fixture",
		CreatedBy:    "fixture-tool/1.0",
		CreationDate: 1700000000,
		Info:         info,
		URLList:      []string{"http://seed.example.com/fixture.bin"},
	}

	meta, err := parseMetainfo(marshalFixture(t, fixture))

	if err != nil {
		t.Fatal(err)
	}

	expectedTrackers := []string{
		"http://tracker.example.com/announce",
		"udp://backup.example.com:6969",
	}

	if !reflect.DeepEqual(expectedTrackers, meta.trackers) {
		t.Errorf("expected trackers %v got %v", expectedTrackers, meta.trackers)
	}

	if !reflect.DeepEqual([]string{"http://seed.example.com/fixture.bin"}, meta.webSeeds) {
		t.Errorf("unexpected web seeds %v", meta.webSeeds)
	}

	if meta.comment != "metainfo fixture" || meta.createdBy != "fixture-tool/1.0" || meta.creationDate != 1700000000 {
		t.Errorf("unexpected creation metadata: %+v", meta)
	}

	if meta.info.name != "fixture.bin" || meta.info.length != 7 || meta.info.pieceLength != 4 || meta.info.multiFile {
		t.Errorf("unexpected info: %+v", meta.info)
	}

	if len(meta.info.pieces) != 2 {
		t.Fatalf("expected 2 pieces got %d", len(meta.info.pieces))
	}

	// every piece is piece-length bytes except the last
	if meta.info.pieces[0].length != 4 || meta.info.pieces[1].length != 3 {
		t.Errorf("unexpected piece lengths %d and %d", meta.info.pieces[0].length, meta.info.pieces[1].length)
	}

	var expectedHash [sha1.Size]byte
	copy(expectedHash[:], strings.Repeat("b", 20))

	if meta.info.pieces[1].hash != expectedHash {
		t.Error("piece hash does not match its 20-byte slice of 'pieces'")
	}

	if expected := sha1.Sum(marshalFixture(t, info)); meta.infoHash != expected {
		t.Errorf("expected info hash %x got %x", expected, meta.infoHash)
	}

	// a single file torrent still gets one file entry spanning the payload
	if len(meta.info.files) != 1 || meta.info.files[0].length != 7 || !reflect.DeepEqual([]string{"fixture.bin"}, meta.info.files[0].path) {
		t.Errorf("unexpected files %+v", meta.info.files)
	}
}

func TestParseMetainfoMultiFile(t *testing.T) {
	fixture := struct {
		Announce string               `bencode:"announce"`
		Info     fixtureMultiFileInfo `bencode:"info"`
	}{
		Announce: "http://tracker.example.com/announce",
		Info: fixtureMultiFileInfo{
			Files: []fixtureFileEntry{
				{Length: 5, Path: []string{"docs", "readme.txt"}},
				{Length: 3, Path: []string{"data.bin"}},
			},
			Name:        "fixture-dir",
			PieceLength: 4,
			Pieces:      strings.Repeat("a", 40),
		},
	}

	meta, err := parseMetainfo(marshalFixture(t, fixture))

	if err != nil {
		t.Fatal(err)
	}

	if !meta.info.multiFile {
		t.Error("expected a multi file torrent")
	}

	if meta.info.length != 8 {
		t.Errorf("expected total length 8 got %d", meta.info.length)
	}

	if meta.info.files[0].offset != 0 || meta.info.files[1].offset != 5 {
		t.Errorf("unexpected file offsets %d and %d", meta.info.files[0].offset, meta.info.files[1].offset)
	}

	if !reflect.DeepEqual([]string{"docs", "readme.txt"}, meta.info.files[0].path) {
		t.Errorf("unexpected path %v", meta.info.files[0].path)
	}
}

func TestParseMetainfoErrors(t *testing.T) {
	pieces20 := strings.Repeat("a", 20)
	pieces40 := strings.Repeat("a", 40)

	inputs := map[string]string{
		"not a dictionary": "li1ee",
		"missing announce": "d4:infod6:lengthi4e4:name1:n12:piece lengthi4e6:pieces20:" + pieces20 + "ee",
		"missing info":     "d8:announce3:urle",
		"both length and files": "d8:announce3:url4:infod" +
			"5:filesld6:lengthi4e4:pathl1:aeee" +
			"6:lengthi4e4:name1:n12:piece lengthi4e6:pieces20:" + pieces20 + "ee",
		"neither length nor files": "d8:announce3:url4:infod4:name1:n12:piece lengthi4e6:pieces20:" + pieces20 + "ee",
		"unknown info key":         "d8:announce3:url4:infod3:fooi1e6:lengthi4e4:name1:n12:piece lengthi4e6:pieces20:" + pieces20 + "ee",
		"pieces not a multiple of 20 bytes": "d8:announce3:url4:infod6:lengthi4e4:name1:n12:piece lengthi4e6:pieces19:" +
			strings.Repeat("a", 19) + "ee",
		"length does not match piece count": "d8:announce3:url4:infod6:lengthi4e4:name1:n12:piece lengthi4e6:pieces40:" + pieces40 + "ee",
		"zero length":                       "d8:announce3:url4:infod6:lengthi0e4:name1:n12:piece lengthi4e6:pieces20:" + pieces20 + "ee",
	}

	for name, input := range inputs {
		t.Run(name, func(t *testing.T) {
			if _, err := parseMetainfo([]byte(input)); err == nil {
				t.Error("expected an error")
			}
		})
	}
}
