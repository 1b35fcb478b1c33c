package utils_test

import (
	"fmt"
	"net/url"
	"strings"
	"testing"

	"github.com/squall-bt/squall/utils"
)

func TestURLEncodeBytes(t *testing.T) {
	inputs := map[string]string{
		"":            "",
		"abcXYZ019":   "abcXYZ019",
		"-._~":        "-._~",
		"a b":         "a%20b",
		"a&b=c":       "a%26b%3Dc",
		"\x00\x01\xff": "%00%01%FF",
	}

	for input, expected := range inputs {
		t.Run(fmt.Sprintf("encode %q", input), func(t *testing.T) {
			if encoded := utils.URLEncodeBytes([]byte(input)); encoded != expected {
				t.Errorf("expected %q got %q", expected, encoded)
			}
		})
	}
}

// A strict percent-decoder must recover the original bytes for any input.
func TestURLEncodeBytesRoundTrip(t *testing.T) {
	allBytes := make([]byte, 256)

	for i := range allBytes {
		allBytes[i] = byte(i)
	}

	encoded := utils.URLEncodeBytes(allBytes)
	decoded, err := url.QueryUnescape(encoded)

	if err != nil {
		t.Fatal(err)
	}

	if decoded != string(allBytes) {
		t.Errorf("round trip did not recover the original bytes")
	}
}

func TestURLEncodeBytesEscapesUnsafeSet(t *testing.T) {
	for i := 0; i < 256; i++ {
		c := byte(i)
		encoded := utils.URLEncodeBytes([]byte{c})

		isSafe := (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || strings.ContainsRune("-._~", rune(c))

		if isSafe && encoded != string(c) {
			t.Errorf("expected safe byte %#x to pass through, got %q", c, encoded)
		}

		if !isSafe && (len(encoded) != 3 || encoded[0] != '%') {
			t.Errorf("expected unsafe byte %#x to produce a two-hex-digit escape, got %q", c, encoded)
		}
	}
}

func TestURLEncodeInfoHashFixture(t *testing.T) {
	infoHash := []byte{
		0x42, 0x52, 0x5b, 0xb6, 0xd3, 0xb0, 0xdc, 0x06, 0xbb, 0x78,
		0xae, 0x54, 0x87, 0x33, 0xe8, 0xfb, 0xb5, 0x54, 0x46, 0xb3,
	}

	expected := "BR%5B%B6%D3%B0%DC%06%BBx%AET%873%E8%FB%B5TF%B3"

	if encoded := utils.URLEncodeBytes(infoHash); encoded != expected {
		t.Errorf("expected %q got %q", expected, encoded)
	}
}
