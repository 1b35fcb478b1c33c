package bencode

import (
	"strconv"
	"unicode"
)

// RawFieldValue returns the exact byte span of a top-level dictionary value
// as it appeared in the input. The span is located by structurally scanning
// the input without building a value tree, so the returned bytes are
// guaranteed to be identical to the original encoding. Deriving a torrent's
// info hash depends on this: re-encoding a decoded tree is not provably
// byte-identical to the source.
func RawFieldValue(data []byte, key string) ([]byte, error) {
	if len(data) == 0 {
		return nil, &SyntaxError{Offset: 0, Msg: "input is empty"}
	}

	if data[0] != dictStartDelim {
		return nil, &SyntaxError{Offset: 0, Msg: "input is not a bencoded dictionary"}
	}

	pos := 1

	for pos < len(data) && data[pos] != endDelim {
		entryKey, next, err := scanString(data, pos)

		if err != nil {
			return nil, err
		}

		valueStart := next
		valueEnd, err := scanValue(data, valueStart)

		if err != nil {
			return nil, err
		}

		if entryKey == key {
			return data[valueStart:valueEnd], nil
		}

		pos = valueEnd
	}

	return nil, &SyntaxError{Offset: pos, Msg: "dictionary has no '" + key + "' key"}
}

// scanString reads the byte-string at pos and returns its decoded value and
// the offset of the next element.
func scanString(data []byte, pos int) (string, int, error) {
	start := pos

	for pos < len(data) && unicode.IsDigit(rune(data[pos])) {
		pos += 1
	}

	if pos == start || pos >= len(data) || data[pos] != ':' {
		return "", 0, &SyntaxError{Offset: start, Msg: "expected a byte string"}
	}

	length, err := strconv.Atoi(string(data[start:pos]))

	if err != nil {
		return "", 0, &SyntaxError{Offset: start, Msg: "string length is invalid"}
	}

	pos += 1

	if pos+length > len(data) {
		return "", 0, &SyntaxError{Offset: start, Msg: "string length exceeds remaining input"}
	}

	return string(data[pos : pos+length]), pos + length, nil
}

// scanValue skips over the value starting at pos and returns the offset of
// the byte immediately after it.
func scanValue(data []byte, pos int) (int, error) {
	if pos >= len(data) {
		return 0, &SyntaxError{Offset: pos, Msg: "unexpected end of input"}
	}

	char := data[pos]

	switch {
	case unicode.IsDigit(rune(char)):
		_, next, err := scanString(data, pos)
		return next, err

	case char == integerStartDelim:
		pos += 1

		for pos < len(data) && data[pos] != endDelim {
			pos += 1
		}

		if pos >= len(data) {
			return 0, &SyntaxError{Offset: pos, Msg: "missing end delimiter 'e'"}
		}

		return pos + 1, nil

	case char == listStartDelim, char == dictStartDelim:
		pos += 1

		for pos < len(data) && data[pos] != endDelim {
			var err error
			pos, err = scanValue(data, pos)

			if err != nil {
				return 0, err
			}
		}

		if pos >= len(data) {
			return 0, &SyntaxError{Offset: pos, Msg: "missing end delimiter 'e'"}
		}

		return pos + 1, nil

	default:
		return 0, &SyntaxError{Offset: pos, Msg: "unsupported delimiter '" + string(char) + "'"}
	}
}
