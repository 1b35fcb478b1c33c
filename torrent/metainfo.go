package torrent

import (
	"crypto/sha1"
	"fmt"
	"reflect"

	"github.com/squall-bt/squall/bencode"
	"github.com/squall-bt/squall/utils"
)

type fileEntry struct {
	length int
	md5sum string

	// byte offset of this file within the concatenated torrent payload
	offset int

	path []string
}

type torrentInfo struct {
	files       []fileEntry
	length      int
	multiFile   bool
	name        string
	pieceLength int
	pieces      []piece
	private     bool
}

type metaInfo struct {
	comment      string
	createdBy    string
	creationDate int
	encoding     string
	info         *torrentInfo
	infoHash     [sha1.Size]byte
	trackers     []string
	webSeeds     []string
}

func parseAnnounceList(list any) ([]string, error) {
	trackers := []string{}
	seen := utils.NewSet()

	announceList, ok := list.([]any)

	if !ok {
		return nil, fmt.Errorf("\"announce-list\" property should be a list, but received '%T'", list)
	}

	for listIndex, tier := range announceList {
		tierList, ok := tier.([]any)

		if !ok {
			return nil, fmt.Errorf("announce list contains an invalid entry at index %d", listIndex)
		}

		for tierIndex, url := range tierList {
			urlStr, ok := url.(string)

			if !ok {
				return nil, fmt.Errorf("announce list entry at index %d contains an invalid entry at index %d", listIndex, tierIndex)
			}

			if seen.Contains(urlStr) {
				continue
			}

			seen.Add(urlStr)
			trackers = append(trackers, urlStr)
		}
	}

	return trackers, nil
}

func parseWebSeeds(value any) ([]string, error) {
	// "url-list" may be a single URL or a list of URLs
	switch v := value.(type) {
	case string:
		return []string{v}, nil

	case []any:
		seeds := make([]string, len(v))

		for index, entry := range v {
			urlStr, ok := entry.(string)

			if !ok {
				return nil, fmt.Errorf("\"url-list\" contains an invalid entry at index %d", index)
			}

			seeds[index] = urlStr
		}

		return seeds, nil

	default:
		return nil, fmt.Errorf("\"url-list\" property should be a string or a list, but received '%T'", value)
	}
}

func parsePieceHashes(piecesValue string) ([]piece, error) {
	piecesLen := len(piecesValue)

	if piecesLen == 0 || piecesLen%sha1.Size != 0 {
		return nil, fmt.Errorf("'pieces' property must be a non-empty multiple of %d bytes, but received %d", sha1.Size, piecesLen)
	}

	numOfPieces := piecesLen / sha1.Size
	pieces := make([]piece, numOfPieces)

	for i := 0; i < numOfPieces; i++ {
		pieces[i].index = i
		copy(pieces[i].hash[:], piecesValue[i*sha1.Size:(i+1)*sha1.Size])
	}

	return pieces, nil
}

// assignPieceLengths distributes the total payload length over the piece
// list. Every piece is exactly piece-length bytes except possibly the last,
// and the declared total must reconcile with the piece count.
func assignPieceLengths(pieces []piece, pieceLength int, totalLength int) error {
	numOfPieces := len(pieces)

	if pieceLength <= 0 {
		return fmt.Errorf("'piece length' must be a positive integer, but received %d", pieceLength)
	}

	if totalLength <= (numOfPieces-1)*pieceLength || totalLength > numOfPieces*pieceLength {
		return fmt.Errorf("declared length %d does not reconcile with %d pieces of %d bytes", totalLength, numOfPieces, pieceLength)
	}

	for i := range pieces {
		pieces[i].length = pieceLength
	}

	pieces[numOfPieces-1].length = totalLength - (numOfPieces-1)*pieceLength

	return nil
}

func parseFilesList(filesValue any) ([]fileEntry, int, error) {
	filesList, ok := filesValue.([]any)

	if !ok {
		return nil, 0, fmt.Errorf("expected 'files' property to be a list, but received '%T'", filesValue)
	}

	if len(filesList) == 0 {
		return nil, 0, fmt.Errorf("'files' property must contain at least one entry")
	}

	files := make([]fileEntry, len(filesList))
	offset := 0

	for i := range filesList {
		entry, ok := filesList[i].(map[string]any)

		if !ok {
			return nil, 0, fmt.Errorf("files list contains an invalid entry at index '%d'", i)
		}

		for key := range entry {
			switch key {
			case "length", "md5sum", "path":
			default:
				return nil, 0, fmt.Errorf("files list entry at index '%d' contains an unexpected '%s' property", i, key)
			}
		}

		length, ok := entry["length"].(int)

		if !ok || length < 0 {
			return nil, 0, fmt.Errorf("files list entry at index '%d' contains an invalid 'length' property", i)
		}

		paths, ok := entry["path"].([]any)

		if !ok || len(paths) == 0 {
			return nil, 0, fmt.Errorf("files list entry at index '%d' contains an invalid 'path' property", i)
		}

		pathList := make([]string, len(paths))

		for index, segment := range paths {
			segmentStr, ok := segment.(string)

			if !ok || segmentStr == "" {
				return nil, 0, fmt.Errorf("files list entry at index '%d' contains an invalid 'path' property", i)
			}

			pathList[index] = segmentStr
		}

		md5sum := ""

		if value, exists := entry["md5sum"]; exists {
			if md5sum, ok = value.(string); !ok {
				return nil, 0, fmt.Errorf("files list entry at index '%d' contains an invalid 'md5sum' property", i)
			}
		}

		files[i] = fileEntry{
			length: length,
			md5sum: md5sum,
			offset: offset,
			path:   pathList,
		}

		offset += length
	}

	return files, offset, nil
}

func parseInfoDict(infoDict map[string]any) (*torrentInfo, error) {
	for key := range infoDict {
		switch key {
		case "files", "length", "md5sum", "name", "piece length", "pieces", "private":
		default:
			return nil, fmt.Errorf("metainfo 'info' dictionary contains an unexpected '%s' property", key)
		}
	}

	for key, value := range map[string]any{"name": "", "piece length": 0, "pieces": ""} {
		if _, exists := infoDict[key]; !exists {
			return nil, fmt.Errorf("metainfo 'info' dictionary is missing required property '%s'", key)
		}

		expectedType := reflect.TypeOf(value)
		receivedType := reflect.TypeOf(infoDict[key])

		if receivedType != expectedType {
			return nil, fmt.Errorf("expected the '%s' property to be of type '%v', but received '%v'", key, expectedType, receivedType)
		}
	}

	pieces, err := parsePieceHashes(infoDict["pieces"].(string))

	if err != nil {
		return nil, err
	}

	info := &torrentInfo{
		name:        infoDict["name"].(string),
		pieceLength: infoDict["piece length"].(int),
		pieces:      pieces,
	}

	if value, exists := infoDict["private"]; exists {
		privateValue, ok := value.(int)

		if !ok {
			return nil, fmt.Errorf("expected the 'private' property to be an integer, but received '%T'", value)
		}

		info.private = privateValue == 1
	}

	_, hasLength := infoDict["length"]
	_, hasFiles := infoDict["files"]

	switch {
	case hasLength && hasFiles:
		return nil, fmt.Errorf("metainfo 'info' dictionary must not contain both a 'length' and a 'files' property")

	case hasFiles:
		files, totalLength, err := parseFilesList(infoDict["files"])

		if err != nil {
			return nil, err
		}

		info.files = files
		info.length = totalLength
		info.multiFile = true

	case hasLength:
		length, ok := infoDict["length"].(int)

		if !ok || length <= 0 {
			return nil, fmt.Errorf("'length' property of metainfo 'info' dictionary must be a positive integer")
		}

		info.files = []fileEntry{{length: length, path: []string{info.name}}}
		info.length = length

	default:
		return nil, fmt.Errorf("metainfo 'info' dictionary must contain a 'files' or 'length' property")
	}

	if err := assignPieceLengths(info.pieces, info.pieceLength, info.length); err != nil {
		return nil, err
	}

	return info, nil
}

func parseMetainfo(data []byte) (*metaInfo, error) {
	decodedValue, _, err := bencode.DecodeValue(data)

	if err != nil {
		return nil, fmt.Errorf("failed to decode metainfo file: %w", err)
	}

	metainfoDict, ok := decodedValue.(map[string]any)

	if !ok {
		return nil, fmt.Errorf("expected metainfo to be a bencoded dictionary, but received '%T'", decodedValue)
	}

	for key, value := range map[string]any{"announce": "", "info": make(map[string]any)} {
		if _, exists := metainfoDict[key]; !exists {
			return nil, fmt.Errorf("metainfo dictionary is missing required property '%s'", key)
		}

		expectedType := reflect.TypeOf(value)
		receivedType := reflect.TypeOf(metainfoDict[key])

		if receivedType != expectedType {
			return nil, fmt.Errorf("expected the '%s' property to be of type '%v', but received '%v'", key, expectedType, receivedType)
		}
	}

	meta := &metaInfo{}

	// the primary announce URL is tried first, followed by the flattened
	// "announce-list" tiers in file order
	meta.trackers = []string{metainfoDict["announce"].(string)}

	if announceList, exists := metainfoDict["announce-list"]; exists {
		flattened, err := parseAnnounceList(announceList)

		if err != nil {
			return nil, fmt.Errorf("failed to parse announce list: %w", err)
		}

		for _, tracker := range flattened {
			if tracker != meta.trackers[0] {
				meta.trackers = append(meta.trackers, tracker)
			}
		}
	}

	if value, exists := metainfoDict["url-list"]; exists {
		if meta.webSeeds, err = parseWebSeeds(value); err != nil {
			return nil, err
		}
	}

	if value, exists := metainfoDict["comment"]; exists {
		if meta.comment, ok = value.(string); !ok {
			return nil, fmt.Errorf("expected the 'comment' property to be a string, but received '%T'", value)
		}
	}

	if value, exists := metainfoDict["created by"]; exists {
		if meta.createdBy, ok = value.(string); !ok {
			return nil, fmt.Errorf("expected the 'created by' property to be a string, but received '%T'", value)
		}
	}

	if value, exists := metainfoDict["creation date"]; exists {
		if meta.creationDate, ok = value.(int); !ok {
			return nil, fmt.Errorf("expected the 'creation date' property to be an integer, but received '%T'", value)
		}
	}

	if value, exists := metainfoDict["encoding"]; exists {
		if meta.encoding, ok = value.(string); !ok {
			return nil, fmt.Errorf("expected the 'encoding' property to be a string, but received '%T'", value)
		}
	}

	if meta.info, err = parseInfoDict(metainfoDict["info"].(map[string]any)); err != nil {
		return nil, err
	}

	// the info hash is derived from the raw bytes of the 'info' value as it
	// appears in the original file, never from a re-encoding of the decoded
	// tree
	rawInfo, err := bencode.RawFieldValue(data, "info")

	if err != nil {
		return nil, fmt.Errorf("failed to locate raw 'info' dictionary bytes: %w", err)
	}

	meta.infoHash = sha1.Sum(rawInfo)

	return meta, nil
}
