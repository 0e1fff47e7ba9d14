package canonical_test

import (
	"encoding/json"
	"io"
	"math"
	"strings"
	"testing"

	"github.com/gowebpki/jcs"

	"github.com/ILLUVRSE/kernel/internal/canonical"
)

func TestCanonicalSortedKeys(t *testing.T) {
	a := map[string]interface{}{
		"b": 2,
		"a": 1,
	}
	b := map[string]interface{}{
		"a": 1,
		"b": 2,
	}

	ca, err := canonical.MarshalCanonical(a)
	if err != nil {
		t.Fatalf("canonical.MarshalCanonical(a) error: %v", err)
	}
	cb, err := canonical.MarshalCanonical(b)
	if err != nil {
		t.Fatalf("canonical.MarshalCanonical(b) error: %v", err)
	}

	if string(ca) != string(cb) {
		t.Fatalf("canonical outputs differ:\nA: %s\nB: %s", ca, cb)
	}

	var tmp interface{}
	if err := json.Unmarshal(ca, &tmp); err != nil {
		t.Fatalf("canonical output is not valid JSON: %v", err)
	}
}

func TestCanonicalGoldenVectors(t *testing.T) {
	cases := []struct {
		name string
		in   interface{}
		want string
	}{
		{"null", nil, `null`},
		{"bools", []interface{}{true, false}, `[true,false]`},
		{"nested", map[string]interface{}{
			"z": []interface{}{json.Number("3"), json.Number("2")},
			"a": map[string]interface{}{"y": nil, "x": "v"},
		}, `{"a":{"x":"v","y":null},"z":[3,2]}`},
		{"no html escaping", map[string]interface{}{"t": "<a & b>"}, `{"t":"<a & b>"}`},
		{"number text preserved", json.Number("123.45"), `123.45`},
		{"unicode", map[string]interface{}{"é": "ü"}, `{"é":"ü"}`},
		{"empty containers", map[string]interface{}{"a": []interface{}{}, "b": map[string]interface{}{}}, `{"a":[],"b":{}}`},
	}
	for _, tc := range cases {
		got, err := canonical.MarshalCanonical(tc.in)
		if err != nil {
			t.Fatalf("%s: error: %v", tc.name, err)
		}
		if string(got) != tc.want {
			t.Fatalf("%s: got %s want %s", tc.name, got, tc.want)
		}
	}
}

// Keys sort by their JSON-encoded bytes, so a key that encoding escapes can
// land after a key it precedes raw: "\n" encodes as `"\n"` (0x5C after the
// quote) and must follow "A".
func TestCanonicalSortsByEncodedKeyForm(t *testing.T) {
	got, err := canonical.MarshalCanonical(map[string]interface{}{
		"\n": json.Number("1"),
		"A":  json.Number("2"),
	})
	if err != nil {
		t.Fatalf("canonical.MarshalCanonical error: %v", err)
	}
	want := `{"A":2,"\n":1}`
	if string(got) != want {
		t.Fatalf("got %s want %s", got, want)
	}
}

// For ASCII-keyed documents our encoding agrees byte-for-byte with RFC 8785
// (JCS); use jcs as an independent oracle. Non-ASCII keys are excluded because
// JCS sorts by UTF-16 code units rather than by the JSON-encoded form.
func TestCanonicalMatchesJCSForASCII(t *testing.T) {
	docs := []string{
		`{"b":1,"a":{"d":[1,2,3],"c":"x"}}`,
		`{"list":[null,true,false,"s"],"n":42}`,
		`{"outer":{"inner":{"k":"<v>&"}}}`,
	}
	for _, doc := range docs {
		var v interface{}
		dec := json.NewDecoder(bytesReader(doc))
		dec.UseNumber()
		if err := dec.Decode(&v); err != nil {
			t.Fatalf("decode %s: %v", doc, err)
		}
		ours, err := canonical.MarshalCanonical(v)
		if err != nil {
			t.Fatalf("canonicalize %s: %v", doc, err)
		}
		theirs, err := jcs.Transform([]byte(doc))
		if err != nil {
			t.Fatalf("jcs transform %s: %v", doc, err)
		}
		if string(ours) != string(theirs) {
			t.Fatalf("divergence from JCS:\nours:   %s\ntheirs: %s", ours, theirs)
		}
	}
}

func TestCanonicalRejectsNonFinite(t *testing.T) {
	for _, bad := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		if _, err := canonical.MarshalCanonical(map[string]interface{}{"n": bad}); err == nil {
			t.Fatalf("expected error for %v", bad)
		}
	}
}

func TestCanonicalDeterministicAcrossDecodes(t *testing.T) {
	doc := `{"x":{"b":2,"a":1},"y":[{"q":true},"s"]}`
	var a, b interface{}
	for _, dst := range []*interface{}{&a, &b} {
		dec := json.NewDecoder(bytesReader(doc))
		dec.UseNumber()
		if err := dec.Decode(dst); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	ca, _ := canonical.MarshalCanonical(a)
	cb, _ := canonical.MarshalCanonical(b)
	if string(ca) != string(cb) {
		t.Fatalf("non-deterministic canonicalization: %s vs %s", ca, cb)
	}
}

func bytesReader(s string) io.Reader { return strings.NewReader(s) }
