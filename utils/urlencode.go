package utils

import "fmt"

// Reports whether a byte may appear literally in a URL query component.
// The safe set is fixed to the RFC 3986 unreserved characters so the
// encoding survives strict percent-decoders used by trackers.
func isURLSafeByte(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z':
		return true
	case c >= 'a' && c <= 'z':
		return true
	case c >= '0' && c <= '9':
		return true
	case c == '-' || c == '.' || c == '_' || c == '~':
		return true
	default:
		return false
	}
}

// URLEncodeBytes percent-encodes a raw byte string for use in a URL query.
// Unlike standard percent-encoding this treats the input as opaque binary:
// every byte outside the safe set becomes a two-hex-digit escape. Info
// hashes and peer ids must be encoded this way because they are not text.
func URLEncodeBytes(data []byte) string {
	buffer := make([]byte, 0, len(data)*3)

	for _, c := range data {
		if isURLSafeByte(c) {
			buffer = append(buffer, c)
		} else {
			buffer = append(buffer, fmt.Sprintf("%%%02X", c)...)
		}
	}

	return string(buffer)
}
