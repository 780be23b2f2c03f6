// Package canonical produces deterministic JSON bytes and content hashes.
// Both fingerprinting (task/event dedup) and the audit hash chain depend on
// the property that logically-equal values always serialize identically,
// regardless of map iteration order.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Marshal returns deterministic JSON bytes for a JSON-like value.
// Object keys are sorted lexicographically; array order is preserved;
// numbers keep their textual representation when decoded with UseNumber.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := write(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func write(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(val.String())
	case string:
		b, _ := json.Marshal(val)
		buf.Write(b)
	case float64:
		b, _ := json.Marshal(val)
		buf.Write(b)
	case int:
		fmt.Fprintf(buf, "%d", val)
	case int64:
		fmt.Fprintf(buf, "%d", val)
	case []string:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, _ := json.Marshal(elem)
			buf.Write(b)
		}
		buf.WriteByte(']')
	case []interface{}:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := write(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]string:
		return writeObject(buf, len(val), sortedKeys(val), func(k string) interface{} { return val[k] })
	case map[string]interface{}:
		return writeObject(buf, len(val), sortedKeys(val), func(k string) interface{} { return val[k] })
	default:
		// Round-trip through encoding/json with UseNumber so arbitrary
		// structs collapse into the map/slice cases above.
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("canonical marshal fallback: %w", err)
		}
		var decoded interface{}
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.UseNumber()
		if err := dec.Decode(&decoded); err != nil {
			return fmt.Errorf("canonical decode fallback: %w", err)
		}
		return write(buf, decoded)
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func writeObject(buf *bytes.Buffer, n int, keys []string, get func(string) interface{}) error {
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		buf.Write(kb)
		buf.WriteByte(':')
		if err := write(buf, get(k)); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

// HashBytes returns the SHA-256 digest of b.
func HashBytes(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}

// HashHex returns the hex-encoded SHA-256 of b.
func HashHex(b []byte) string {
	return hex.EncodeToString(HashBytes(b))
}

// ContentHash canonicalizes v and returns its hex SHA-256. This is the
// fingerprint primitive used for task and event deduplication.
func ContentHash(v interface{}) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashHex(b), nil
}
