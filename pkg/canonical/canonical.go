// Package canonical produces a deterministic JSON encoding of tool arguments.
//
// The same canonicaliser backs both cache key derivation and tool-call
// idempotency keys, so the two always agree on what "identical arguments"
// means: object keys sorted, strings trimmed, floats rounded to 9 decimal
// places, and integral floats emitted without a fractional part.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// floatPrecision is the number of decimal places floats are rounded to
// before encoding. Keeps 1.0000000001 and 1.0 from producing distinct keys.
const floatPrecision = 9

// Marshal encodes v into canonical JSON bytes.
// v must be a JSON-compatible tree (the result of json.Unmarshal into any,
// or maps/slices/strings/numbers/bools/nil).
func Marshal(v any) ([]byte, error) {
	var sb strings.Builder
	if err := encode(&sb, v); err != nil {
		return nil, err
	}
	return []byte(sb.String()), nil
}

// MarshalRaw canonicalises an existing JSON document.
func MarshalRaw(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return Marshal(nil)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("canonical: invalid JSON input: %w", err)
	}
	return Marshal(v)
}

// Hash returns the hex SHA-256 of the canonical encoding of v.
func Hash(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

func encode(sb *strings.Builder, v any) error {
	switch t := v.(type) {
	case nil:
		sb.WriteString("null")
	case bool:
		if t {
			sb.WriteString("true")
		} else {
			sb.WriteString("false")
		}
	case string:
		return encodeString(sb, strings.TrimSpace(t))
	case json.Number:
		return encodeNumberString(sb, string(t))
	case float64:
		return encodeFloat(sb, t)
	case float32:
		return encodeFloat(sb, float64(t))
	case int:
		sb.WriteString(strconv.FormatInt(int64(t), 10))
	case int64:
		sb.WriteString(strconv.FormatInt(t, 10))
	case map[string]any:
		return encodeObject(sb, t)
	case []any:
		return encodeArray(sb, t)
	default:
		// Structs and other typed values: round-trip through encoding/json
		// to reduce them to the JSON-compatible tree handled above.
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("canonical: unsupported value %T: %w", t, err)
		}
		var generic any
		if err := json.Unmarshal(b, &generic); err != nil {
			return fmt.Errorf("canonical: re-decode %T: %w", t, err)
		}
		return encode(sb, generic)
	}
	return nil
}

func encodeObject(sb *strings.Builder, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sb.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		if err := encodeString(sb, k); err != nil {
			return err
		}
		sb.WriteByte(':')
		if err := encode(sb, m[k]); err != nil {
			return err
		}
	}
	sb.WriteByte('}')
	return nil
}

func encodeArray(sb *strings.Builder, a []any) error {
	sb.WriteByte('[')
	for i, v := range a {
		if i > 0 {
			sb.WriteByte(',')
		}
		if err := encode(sb, v); err != nil {
			return err
		}
	}
	sb.WriteByte(']')
	return nil
}

func encodeString(sb *strings.Builder, s string) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("canonical: encode string: %w", err)
	}
	sb.Write(b)
	return nil
}

func encodeFloat(sb *strings.Builder, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("canonical: non-finite float %v", f)
	}
	shift := math.Pow10(floatPrecision)
	rounded := math.Round(f*shift) / shift
	if rounded == math.Trunc(rounded) && math.Abs(rounded) < 1e15 {
		sb.WriteString(strconv.FormatInt(int64(rounded), 10))
		return nil
	}
	sb.WriteString(strconv.FormatFloat(rounded, 'g', -1, 64))
	return nil
}

func encodeNumberString(sb *strings.Builder, s string) error {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("canonical: invalid number %q: %w", s, err)
	}
	return encodeFloat(sb, f)
}
