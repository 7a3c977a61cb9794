package storage

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// Sentinels tagging values that have no lossless generic text encoding.
const (
	BigIntPrefix = "bigint::"
	BytesPrefix  = "uint8array::"
)

// Serializer converts values to and from the text persisted by a store.
type Serializer interface {
	Serialize(value any) (string, error)
	Deserialize(data string, target any) error
}

// DefaultSerializer encodes *big.Int and []byte with textual sentinels and
// everything else as JSON.
type DefaultSerializer struct{}

// Serialize implements Serializer.
func (DefaultSerializer) Serialize(value any) (string, error) {
	switch v := value.(type) {
	case *big.Int:
		if v == nil {
			return "null", nil
		}
		return BigIntPrefix + v.String(), nil
	case big.Int:
		return BigIntPrefix + v.String(), nil
	case []byte:
		parts := make([]string, len(v))
		for i, b := range v {
			parts[i] = strconv.Itoa(int(b))
		}
		return BytesPrefix + strings.Join(parts, ","), nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("failed to encode value: %w", err)
	}
	return string(data), nil
}

// Deserialize implements Serializer. Sentinel-tagged data decodes into
// *big.Int, **big.Int, *[]byte or *any targets.
func (DefaultSerializer) Deserialize(data string, target any) error {
	switch {
	case strings.HasPrefix(data, BigIntPrefix):
		n, ok := new(big.Int).SetString(strings.TrimPrefix(data, BigIntPrefix), 10)
		if !ok {
			return fmt.Errorf("invalid bigint value %q", data)
		}
		switch t := target.(type) {
		case *big.Int:
			t.Set(n)
		case **big.Int:
			*t = n
		case *any:
			*t = n
		default:
			return fmt.Errorf("cannot decode bigint into %T", target)
		}
		return nil

	case strings.HasPrefix(data, BytesPrefix):
		raw, err := parseByteList(strings.TrimPrefix(data, BytesPrefix))
		if err != nil {
			return err
		}
		switch t := target.(type) {
		case *[]byte:
			*t = raw
		case *any:
			*t = raw
		default:
			return fmt.Errorf("cannot decode bytes into %T", target)
		}
		return nil
	}

	if err := json.Unmarshal([]byte(data), target); err != nil {
		return fmt.Errorf("failed to decode value: %w", err)
	}
	return nil
}

func parseByteList(list string) ([]byte, error) {
	if list == "" {
		return []byte{}, nil
	}

	parts := strings.Split(list, ",")
	raw := make([]byte, len(parts))
	for i, part := range parts {
		b, err := strconv.ParseUint(strings.TrimSpace(part), 10, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid byte %q at index %d: %w", part, i, err)
		}
		raw[i] = byte(b)
	}
	return raw, nil
}
