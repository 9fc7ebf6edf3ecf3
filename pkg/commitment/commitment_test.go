package commitment

import (
	"bytes"
	"testing"
)

func TestCanonicalizeJSONIsKeyOrderInvariant(t *testing.T) {
	a := []byte(`{"b":1,"a":2,"c":{"z":1,"y":2}}`)
	b := []byte(`{"c":{"y":2,"z":1},"a":2,"b":1}`)

	canonA, err := CanonicalizeJSON(a)
	if err != nil {
		t.Fatalf("canonicalize a: %v", err)
	}
	canonB, err := CanonicalizeJSON(b)
	if err != nil {
		t.Fatalf("canonicalize b: %v", err)
	}
	if !bytes.Equal(canonA, canonB) {
		t.Fatalf("expected key-order-independent inputs to canonicalize identically:\n%s\n%s", canonA, canonB)
	}
}

func TestCanonicalizeJSONPreservesArrayOrder(t *testing.T) {
	raw := []byte(`{"items":[3,1,2]}`)
	canon, err := CanonicalizeJSON(raw)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if string(canon) != `{"items":[3,1,2]}` {
		t.Fatalf("expected array order preserved, got %s", canon)
	}
}

func TestHashConcatIsDeterministic(t *testing.T) {
	h1 := HashConcat([]byte("a"), []byte("b"))
	h2 := HashConcat([]byte("a"), []byte("b"))
	if !bytes.Equal(h1, h2) {
		t.Fatalf("expected identical hashes for identical input")
	}
	h3 := HashConcat([]byte("ab"))
	if !bytes.Equal(h1, h3) {
		t.Fatalf("expected HashConcat to simply concatenate before hashing")
	}
}

func TestMarshalCanonicalMatchesAcrossEquivalentStructures(t *testing.T) {
	v1 := map[string]interface{}{"a": 1, "b": map[string]interface{}{"y": 2, "x": 1}}
	v2 := map[string]interface{}{"b": map[string]interface{}{"x": 1, "y": 2}, "a": 1}

	c1, err := MarshalCanonical(v1)
	if err != nil {
		t.Fatalf("marshal v1: %v", err)
	}
	c2, err := MarshalCanonical(v2)
	if err != nil {
		t.Fatalf("marshal v2: %v", err)
	}
	if !bytes.Equal(c1, c2) {
		t.Fatalf("expected equivalent maps to encode identically, got %s vs %s", c1, c2)
	}
}
