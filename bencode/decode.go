package bencode

import (
	"fmt"
	"strconv"
	"unicode"
)

const (
	dictStartDelim    = 'd'
	integerStartDelim = 'i'
	listStartDelim    = 'l'
	endDelim          = 'e'
)

// SyntaxError reports the first structural violation encountered while
// decoding, along with the byte offset at which it was found.
type SyntaxError struct {
	Offset int
	Msg    string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("bencode: %s at offset %d", e.Msg, e.Offset)
}

type decoder struct {
	data []byte
	pos  int
}

func (d *decoder) errorf(format string, args ...any) error {
	return &SyntaxError{Offset: d.pos, Msg: fmt.Sprintf(format, args...)}
}

func (d *decoder) peek() (byte, error) {
	if d.pos >= len(d.data) {
		return 0, d.errorf("unexpected end of input")
	}

	return d.data[d.pos], nil
}

func (d *decoder) decodeDict() (map[string]any, error) {
	// caller has already checked the start delimiter
	d.pos += 1

	decodedDict := map[string]any{}

	for {
		char, err := d.peek()

		if err != nil {
			return nil, err
		}

		if char == endDelim {
			d.pos += 1
			return decodedDict, nil
		}

		key, err := d.decodeString()

		if err != nil {
			return nil, err
		}

		value, err := d.decodeValue()

		if err != nil {
			return nil, err
		}

		decodedDict[key] = value
	}
}

func (d *decoder) decodeList() ([]any, error) {
	d.pos += 1

	decodedList := []any{}

	for {
		char, err := d.peek()

		if err != nil {
			return nil, err
		}

		if char == endDelim {
			d.pos += 1
			return decodedList, nil
		}

		decodedValue, err := d.decodeValue()

		if err != nil {
			return nil, err
		}

		decodedList = append(decodedList, decodedValue)
	}
}

func (d *decoder) decodeInteger() (int, error) {
	start := d.pos
	d.pos += 1

	digitsStart := d.pos

	for d.pos < len(d.data) && d.data[d.pos] != endDelim {
		d.pos += 1
	}

	if d.pos >= len(d.data) {
		return 0, &SyntaxError{Offset: start, Msg: fmt.Sprintf("missing end delimiter '%c'", endDelim)}
	}

	digits := string(d.data[digitsStart:d.pos])
	d.pos += 1

	if digits == "" || digits == "-" {
		return 0, &SyntaxError{Offset: start, Msg: "integer has no digits"}
	}

	if digits == "-0" || (len(digits) > 1 && digits[0] == '0') || (len(digits) > 2 && digits[0] == '-' && digits[1] == '0') {
		return 0, &SyntaxError{Offset: start, Msg: "invalid leading zero"}
	}

	// strconv.Atoi tolerates an explicit plus sign, bencode does not
	if digits[0] == '+' {
		return 0, &SyntaxError{Offset: start, Msg: "integer has an explicit sign"}
	}

	result, err := strconv.Atoi(digits)

	if err != nil {
		return 0, &SyntaxError{Offset: start, Msg: fmt.Sprintf("invalid integer '%s'", digits)}
	}

	return result, nil
}

func (d *decoder) decodeString() (string, error) {
	start := d.pos

	if char, err := d.peek(); err != nil {
		return "", err
	} else if !unicode.IsDigit(rune(char)) {
		return "", d.errorf("invalid string length prefix '%c'", char)
	}

	for d.pos < len(d.data) && unicode.IsDigit(rune(d.data[d.pos])) {
		d.pos += 1
	}

	if d.pos >= len(d.data) || d.data[d.pos] != ':' {
		return "", &SyntaxError{Offset: start, Msg: "missing colon character in encoded string"}
	}

	length, err := strconv.Atoi(string(d.data[start:d.pos]))

	if err != nil {
		return "", &SyntaxError{Offset: start, Msg: "string length is invalid"}
	}

	d.pos += 1

	if d.pos+length > len(d.data) {
		return "", &SyntaxError{Offset: start, Msg: "string length exceeds remaining input"}
	}

	value := string(d.data[d.pos : d.pos+length])
	d.pos += length

	return value, nil
}

func (d *decoder) decodeValue() (any, error) {
	char, err := d.peek()

	if err != nil {
		return nil, err
	}

	switch {
	case unicode.IsDigit(rune(char)):
		return d.decodeString()

	case char == dictStartDelim:
		return d.decodeDict()

	case char == integerStartDelim:
		return d.decodeInteger()

	case char == listStartDelim:
		return d.decodeList()

	default:
		return nil, d.errorf("unsupported delimiter '%c'", char)
	}
}

// DecodeValue decodes the first bencoded value in the input and returns it
// along with the number of bytes consumed. Byte strings decode to string,
// integers to int, lists to []any and dictionaries to map[string]any.
// Dictionary keys are raw byte strings; no text validation is performed.
func DecodeValue(data []byte) (any, int, error) {
	if len(data) == 0 {
		return nil, 0, &SyntaxError{Offset: 0, Msg: "input is empty"}
	}

	d := &decoder{data: data}
	value, err := d.decodeValue()

	if err != nil {
		return nil, 0, err
	}

	return value, d.pos, nil
}
