package bencode

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

func encodeDict(dict map[string]any) (string, error) {
	keys := make([]string, 0, len(dict))

	for key := range dict {
		keys = append(keys, key)
	}

	// canonical bencode orders dictionary keys by raw byte value
	sort.Strings(keys)

	entries := make([]string, 0, len(dict)*2)

	for _, key := range keys {
		bencodedValue, err := EncodeValue(dict[key])

		if err != nil {
			return "", err
		}

		entries = append(entries, encodeString(key), bencodedValue)
	}

	return fmt.Sprintf("%c%s%c", dictStartDelim, strings.Join(entries, ""), endDelim), nil
}

func encodeInteger(num int) string {
	return fmt.Sprintf("%c%s%c", integerStartDelim, strconv.Itoa(num), endDelim)
}

func encodeList(list []any) (string, error) {
	items := make([]string, 0, len(list))

	for _, item := range list {
		bencodedValue, err := EncodeValue(item)

		if err != nil {
			return "", err
		}

		items = append(items, bencodedValue)
	}

	return fmt.Sprintf("%c%s%c", listStartDelim, strings.Join(items, ""), endDelim), nil
}

func encodeString(str string) string {
	return fmt.Sprintf("%d:%s", len(str), str)
}

// EncodeValue encodes a value tree of string, int, []any and map[string]any
// into its bencoded form. Dictionary keys are emitted in sorted byte order.
func EncodeValue(value any) (string, error) {
	switch v := value.(type) {
	case map[string]any:
		return encodeDict(v)

	case []any:
		return encodeList(v)

	case string:
		return encodeString(v), nil

	case int:
		return encodeInteger(v), nil

	default:
		return "", fmt.Errorf("unsupported type %T", value)
	}
}
