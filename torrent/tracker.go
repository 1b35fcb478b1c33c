package torrent

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/squall-bt/squall/bencode"
	"github.com/squall-bt/squall/utils"
)

// TrackerFailure is returned when a tracker replies with a "failure reason"
// dictionary. When this key is present every other key in the response is
// ignored.
type TrackerFailure struct {
	Reason string
}

func (e *TrackerFailure) Error() string {
	return fmt.Sprintf("tracker rejected announce: %s", e.Reason)
}

// announceEvent values match the integer codes used by UDP trackers.
type announceEvent uint32

const (
	eventNone announceEvent = iota
	eventCompleted
	eventStarted
)

func (e announceEvent) String() string {
	switch e {
	case eventCompleted:
		return "finished"
	case eventStarted:
		return "started"
	default:
		return ""
	}
}

type udpTrackerActionId uint32

const (
	connectActionId udpTrackerActionId = iota
	announceActionId
)

const defaultAnnounceInterval = 60 * time.Second

type announceInfo struct {
	Complete       int    `mapstructure:"complete"`
	Incomplete     int    `mapstructure:"incomplete"`
	Interval       int    `mapstructure:"interval"`
	MinInterval    int    `mapstructure:"min interval"`
	TrackerId      string `mapstructure:"tracker id"`
	WarningMessage string `mapstructure:"warning message"`
}

type announceResponse struct {
	interval time.Duration
	peers    []peer
}

// buildAnnounceURL assembles the announce query by hand. The info_hash and
// peer_id values are raw byte strings, so they must be percent escaped byte
// by byte rather than run through url.Values.
func (tr *Torrent) buildAnnounceURL(trackerURL string, event announceEvent) (string, error) {
	parsedURL, err := url.Parse(trackerURL)

	if err != nil {
		return "", fmt.Errorf("failed to parse tracker URL: %w", err)
	}

	snap := tr.manager.snapshot()

	var query strings.Builder

	query.WriteString("info_hash=")
	query.WriteString(utils.URLEncodeBytes(tr.meta.infoHash[:]))
	query.WriteString("&peer_id=")
	query.WriteString(utils.URLEncodeBytes(tr.peerId[:]))
	query.WriteString("&port=")
	query.WriteString(strconv.Itoa(listenPort))
	query.WriteString("&uploaded=")
	query.WriteString(strconv.Itoa(snap.bytesUploaded))

	if snap.bytesDownloaded > 0 {
		query.WriteString("&downloaded=")
		query.WriteString(strconv.Itoa(snap.bytesDownloaded))
	}

	query.WriteString("&left=")
	query.WriteString(strconv.Itoa(snap.bytesTotal - snap.bytesDownloaded))
	query.WriteString("&compact=1")

	if event != eventNone {
		query.WriteString("&event=")
		query.WriteString(event.String())
	}

	if parsedURL.RawQuery == "" {
		parsedURL.RawQuery = query.String()
	} else {
		parsedURL.RawQuery = parsedURL.RawQuery + "&" + query.String()
	}

	return parsedURL.String(), nil
}

func parseDictPeers(peersList []any) ([]peer, error) {
	peersArr := make([]peer, len(peersList))

	for index, entry := range peersList {
		peerDict, ok := entry.(map[string]any)

		if !ok {
			return nil, fmt.Errorf("peers list contains an invalid entry at index '%d'", index)
		}

		ipAddress, ok := peerDict["ip"].(string)

		if !ok {
			return nil, fmt.Errorf("peers list entry at index '%d' contains an invalid 'ip' property", index)
		}

		port, ok := peerDict["port"].(int)

		if !ok || port < 0 || port > math.MaxUint16 {
			return nil, fmt.Errorf("peers list entry at index '%d' contains an invalid 'port' property", index)
		}

		peersArr[index] = peer{ipAddress: ipAddress, port: uint16(port)}
	}

	return peersArr, nil
}

func (tr *Torrent) parseHTTPAnnounceResponse(res []byte) (*announceResponse, error) {
	decodedResponse, _, err := bencode.DecodeValue(res)

	if err != nil {
		return nil, fmt.Errorf("failed to decode tracker response: %w", err)
	}

	dict, ok := decodedResponse.(map[string]any)

	if !ok {
		return nil, fmt.Errorf("expected tracker response to be a bencoded dictionary, but received '%T'", decodedResponse)
	}

	// "failure reason" takes precedence over every other key, including a
	// well formed peers list in the same dictionary.
	if failureMsg, ok := dict["failure reason"].(string); ok {
		return nil, &TrackerFailure{Reason: failureMsg}
	}

	var info announceInfo

	if err := mapstructure.Decode(dict, &info); err != nil {
		return nil, fmt.Errorf("failed to decode tracker response: %w", err)
	}

	if info.WarningMessage != "" {
		tr.logger.Warn("tracker sent a warning", "warning", info.WarningMessage)
	}

	peersValue, exists := dict["peers"]

	if !exists {
		return nil, fmt.Errorf("tracker response does not include a 'peers' key")
	}

	response := &announceResponse{interval: defaultAnnounceInterval}

	if info.Interval > 0 {
		response.interval = time.Duration(info.Interval) * time.Second
	}

	switch peersList := peersValue.(type) {
	case []any:
		if response.peers, err = parseDictPeers(peersList); err != nil {
			return nil, err
		}

	case string:
		if response.peers, err = parseCompactPeers([]byte(peersList)); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("decoded value of 'peers' is invalid. expected a string or a list of dictionaries, but received '%T'", peersValue)
	}

	return response, nil
}

func (tr *Torrent) sendHTTPAnnounceRequest(ctx context.Context, trackerURL string, event announceEvent) (*announceResponse, error) {
	requestURL, err := tr.buildAnnounceURL(trackerURL, event)

	if err != nil {
		return nil, err
	}

	body, err := utils.Retry(utils.RetryOptions[[]byte]{
		Delay:       2 * time.Second,
		MaxAttempts: 2,
		Operation: func() ([]byte, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)

			if err != nil {
				return nil, err
			}

			res, err := http.DefaultClient.Do(req)

			if err != nil {
				return nil, fmt.Errorf("failed to send announce request to tracker: %w", err)
			}

			defer res.Body.Close()

			if res.StatusCode != http.StatusOK {
				return nil, fmt.Errorf("tracker responded with unexpected status code '%d'", res.StatusCode)
			}

			return io.ReadAll(res.Body)
		},
	})

	if err != nil {
		return nil, err
	}

	return tr.parseHTTPAnnounceResponse(body)
}

/*
IPv4 announce response:

	Offset      Size            Name            Value
	0           32-bit integer  action          1 // announce
	4           32-bit integer  transaction_id
	8           32-bit integer  interval
	12          32-bit integer  leechers
	16          32-bit integer  seeders
	20 + 6 * n  32-bit integer  IP address
	24 + 6 * n  16-bit integer  TCP port
	20 + 6 * N
*/
func parseUDPAnnounceResponse(response []byte, transactionId uint32) (*announceResponse, error) {
	minSize := 20

	if receivedSize := len(response); receivedSize < minSize {
		return nil, fmt.Errorf("'announce' response should contain at least %d bytes", minSize)
	}

	if receivedAction := binary.BigEndian.Uint32(response); receivedAction != uint32(announceActionId) {
		return nil, fmt.Errorf("received action value '%d' does not match expected value '%d'", receivedAction, announceActionId)
	}

	if receivedTransactionId := binary.BigEndian.Uint32(response[4:]); receivedTransactionId != transactionId {
		return nil, fmt.Errorf("received transaction_id '%d' does not match expected value '%d'", receivedTransactionId, transactionId)
	}

	peers, err := parseCompactPeers(response[minSize:])

	if err != nil {
		return nil, err
	}

	result := &announceResponse{interval: defaultAnnounceInterval, peers: peers}

	if interval := binary.BigEndian.Uint32(response[8:]); interval > 0 {
		result.interval = time.Duration(interval) * time.Second
	}

	return result, nil
}

/*
Sends an announce request to a UDP tracker.

Announce Request

	Choose a random transaction ID.
	Fill the announce request structure.
	Send the packet.
	IPv4 announce request:

	Offset  Size    Name    Value
	0       64-bit integer  connection_id
	8       32-bit integer  action          1 // announce
	12      32-bit integer  transaction_id
	16      20-byte string  info_hash
	36      20-byte string  peer_id
	56      64-bit integer  downloaded
	64      64-bit integer  left
	72      64-bit integer  uploaded
	80      32-bit integer  event           0 // 0: none; 1: completed; 2: started; 3: stopped
	84      32-bit integer  IP address      0 // default
	88      32-bit integer  key
	92      32-bit integer  num_want        -1 // default
	96      16-bit integer  port
	98
*/
func (tr *Torrent) sendUDPAnnounceRequest(trackerUrl string, event announceEvent) (*announceResponse, error) {
	parsedUrl, err := url.Parse(trackerUrl)

	if err != nil {
		return nil, fmt.Errorf("failed to parse tracker URL: %w", err)
	}

	addr, err := net.ResolveUDPAddr("udp", parsedUrl.Host)

	if err != nil {
		return nil, fmt.Errorf("failed to resolve tracker URL: %w", err)
	}

	conn, err := net.DialTimeout("udp", addr.String(), 5*time.Second)

	if err != nil {
		return nil, fmt.Errorf("failed to initiate connection with tracker: %w", err)
	}

	defer conn.Close()

	transactionId := rand.Uint32()

	connectionId, err := sendUDPConnectRequest(conn, transactionId)

	if err != nil {
		return nil, fmt.Errorf("failed to get list of peers: %w", err)
	}

	snap := tr.manager.snapshot()
	reqBuffer := make([]byte, 98)
	index := 0

	binary.BigEndian.PutUint64(reqBuffer, connectionId)
	index += 8

	binary.BigEndian.PutUint32(reqBuffer[index:], uint32(announceActionId))
	index += 4

	binary.BigEndian.PutUint32(reqBuffer[index:], transactionId)
	index += 4

	index += copy(reqBuffer[index:], tr.meta.infoHash[:])
	index += copy(reqBuffer[index:], tr.peerId[:])

	binary.BigEndian.PutUint64(reqBuffer[index:], uint64(snap.bytesDownloaded))
	index += 8

	binary.BigEndian.PutUint64(reqBuffer[index:], uint64(snap.bytesTotal-snap.bytesDownloaded))
	index += 8

	binary.BigEndian.PutUint64(reqBuffer[index:], uint64(snap.bytesUploaded))
	index += 8

	binary.BigEndian.PutUint32(reqBuffer[index:], uint32(event))
	index += 4

	// IP address (default) followed by key
	binary.BigEndian.PutUint32(reqBuffer[index:], 0)
	index += 4

	binary.BigEndian.PutUint32(reqBuffer[index:], 0)
	index += 4

	numWant := -1
	binary.BigEndian.PutUint32(reqBuffer[index:], uint32(numWant))
	index += 4

	binary.BigEndian.PutUint16(reqBuffer[index:], listenPort)

	attempts := 0

	return utils.Retry(utils.RetryOptions[*announceResponse]{
		Delay:       time.Second,
		MaxAttempts: 3,
		Operation: func() (*announceResponse, error) {
			defer func() {
				attempts += 1
			}()

			if _, err := utils.ConnWriteFull(conn, reqBuffer, time.Now().Add(5*time.Second)); err != nil {
				return nil, fmt.Errorf("failed to send 'announce' request to tracker: %w", err)
			}

			timeout := time.Duration(15*(int(math.Pow(2, float64(attempts))))) * time.Second

			if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
				return nil, fmt.Errorf("failed to receive 'announce' response from tracker: %w", err)
			}

			resBuffer := make([]byte, 4096)
			numRead, err := conn.Read(resBuffer)

			if err != nil {
				return nil, fmt.Errorf("failed to receive 'announce' response from tracker: %w", err)
			}

			return parseUDPAnnounceResponse(resBuffer[:numRead], transactionId)
		},
	})
}

/*
Sends a connect request to a UDP tracker.

Connect request:

	Offset  Size            Name            Value
	0       64-bit integer  protocol_id     0x41727101980 // magic constant
	8       32-bit integer  action          0 // connect
	12      32-bit integer  transaction_id
	16
*/
func sendUDPConnectRequest(conn net.Conn, transactionId uint32) (uint64, error) {
	action := uint32(connectActionId)
	connectRequestSize := 16
	reqBuffer := make([]byte, connectRequestSize)
	resBuffer := make([]byte, connectRequestSize)

	index := 0

	binary.BigEndian.PutUint64(reqBuffer[index:], 0x41727101980)
	index += 8

	binary.BigEndian.PutUint32(reqBuffer[index:], action)
	index += 4

	binary.BigEndian.PutUint32(reqBuffer[index:], transactionId)

	attempts := 0

	return utils.Retry(utils.RetryOptions[uint64]{
		Delay:       time.Second,
		MaxAttempts: 4,
		Operation: func() (uint64, error) {
			defer func() {
				attempts += 1
			}()

			if _, err := utils.ConnWriteFull(conn, reqBuffer, time.Now().Add(5*time.Second)); err != nil {
				return 0, fmt.Errorf("failed to send 'connect' request to tracker: %w", err)
			}

			/*
				If a response is not received after 15 * 2 ^ n seconds,
				the client should retransmit the request, where n starts at 0 and is increased up to 8 (3840 seconds) after every retransmission.
			*/
			timeout := time.Duration(15*(int(math.Pow(2, float64(attempts))))) * time.Second

			if _, err := utils.ConnReadFull(conn, resBuffer, time.Now().Add(timeout)); err != nil {
				return 0, fmt.Errorf("failed to receive 'connect' response from tracker: %w", err)
			}

			if receivedAction := binary.BigEndian.Uint32(resBuffer); receivedAction != action {
				return 0, fmt.Errorf("received action value '%d' does not match expected value '%d'", receivedAction, action)
			}

			if receivedTransactionId := binary.BigEndian.Uint32(resBuffer[4:]); receivedTransactionId != transactionId {
				return 0, fmt.Errorf("received transaction_id '%d' does not match expected value '%d'", receivedTransactionId, transactionId)
			}

			return binary.BigEndian.Uint64(resBuffer[8:]), nil
		},
	})
}

func (tr *Torrent) sendAnnounceRequest(ctx context.Context, trackerUrl string, event announceEvent) (*announceResponse, error) {
	parsedURL, err := url.Parse(trackerUrl)

	if err != nil {
		return nil, fmt.Errorf("failed to parse tracker URL: %w", err)
	}

	switch parsedURL.Scheme {
	case "http", "https":
		return tr.sendHTTPAnnounceRequest(ctx, trackerUrl, event)

	case "udp":
		return tr.sendUDPAnnounceRequest(trackerUrl, event)

	default:
		return nil, fmt.Errorf("tracker URL scheme must be one of 'http', 'https' or 'udp', but received '%s'", parsedURL.Scheme)
	}
}
