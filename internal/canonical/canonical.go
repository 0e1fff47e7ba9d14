// Package canonical produces the deterministic byte encoding of JSON values
// that every signed artifact in the platform is hashed over. The encoding is
// the sole cross-implementation contract: object keys sorted lexicographically
// by their JSON-encoded form, array order preserved, numbers in their shortest
// round-trip form, strings JSON-encoded without HTML escaping.
package canonical

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrInvalidInput is returned for values that have no canonical JSON form,
// such as NaN, infinities, or non-JSON Go types.
var ErrInvalidInput = errors.New("canonical: invalid input")

// MarshalCanonical returns deterministic JSON bytes for an arbitrary JSON-like value.
func MarshalCanonical(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encode(buf *bytes.Buffer, v interface{}) error {
	switch vv := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if vv {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		// Preserve the textual representation the decoder captured.
		buf.WriteString(vv.String())
	case float64:
		if math.IsNaN(vv) || math.IsInf(vv, 0) {
			return fmt.Errorf("%w: non-finite number", ErrInvalidInput)
		}
		b, _ := json.Marshal(vv)
		buf.Write(b)
	case string:
		buf.Write(encodeString(vv))
	case []interface{}:
		buf.WriteByte('[')
		for i, elem := range vv {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(vv))
		for k := range vv {
			keys = append(keys, k)
		}
		// Order is defined over the encoded key bytes, not the raw string:
		// escaping reorders keys holding control characters (`"\n"` encodes
		// starting with 0x5C and lands after `"A"`, not before).
		encoded := make([][]byte, len(keys))
		for i, k := range keys {
			encoded[i] = encodeString(k)
		}
		sort.Sort(&byEncodedKey{keys: keys, encoded: encoded})

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.Write(encoded[i])
			buf.WriteByte(':')
			if err := encode(buf, vv[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		// Structs, typed maps, numeric types other than float64: marshal then
		// re-decode with UseNumber so numbers keep their shortest form.
		b, err := json.Marshal(vv)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		var tmp interface{}
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.UseNumber()
		if err := dec.Decode(&tmp); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return encode(buf, tmp)
	}
	return nil
}

// byEncodedKey sorts object keys by their JSON-encoded bytes, keeping the raw
// keys aligned so values can be looked up after the sort.
type byEncodedKey struct {
	keys    []string
	encoded [][]byte
}

func (s *byEncodedKey) Len() int { return len(s.keys) }

func (s *byEncodedKey) Less(i, j int) bool {
	return bytes.Compare(s.encoded[i], s.encoded[j]) < 0
}

func (s *byEncodedKey) Swap(i, j int) {
	s.keys[i], s.keys[j] = s.keys[j], s.keys[i]
	s.encoded[i], s.encoded[j] = s.encoded[j], s.encoded[i]
}

// encodeString JSON-encodes s without the HTML escaping encoding/json applies
// by default (<, >, & must survive untouched).
func encodeString(s string) []byte {
	var b bytes.Buffer
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)
	out := b.Bytes()
	// Encoder appends a trailing newline.
	return out[:len(out)-1]
}
