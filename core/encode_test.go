package core_test

import (
	"bytes"
	"testing"

	core "chumstore/core"
)

func personRegistry() *core.RecipeRegistry {
	return core.NewRecipeRegistry(core.InitialRecipes())
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	reg := personRegistry()
	p := core.Person{Email: "a@example.com", Name: "Ada", Keys: core.Sum([]byte("keys"))}
	obj := p.ToObject()

	data, err := core.Encode(reg, obj)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	back, err := core.Decode(reg, data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, err := core.PersonFromObject(back)
	if err != nil {
		t.Fatalf("from object: %v", err)
	}
	if got != p {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, p)
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	reg := personRegistry()
	g := core.Group{Name: "team", Members: []core.Hash{core.Sum([]byte("b")), core.Sum([]byte("a"))}}
	a, err := core.Encode(reg, g.ToObject())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	g2 := core.Group{Name: "team", Members: []core.Hash{core.Sum([]byte("a")), core.Sum([]byte("b"))}}
	b, err := core.Encode(reg, g2.ToObject())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("set-mode sequences with the same members in different input order must encode identically")
	}
}

func TestIDEncodeOmitsNonIDFields(t *testing.T) {
	reg := personRegistry()
	p1 := core.Person{Email: "a@example.com", Name: "Ada", Keys: core.Sum([]byte("one"))}
	p2 := core.Person{Email: "a@example.com", Name: "Changed", Keys: core.Sum([]byte("two"))}

	id1, err := core.IDEncode(reg, p1.ToObject())
	if err != nil {
		t.Fatalf("id encode: %v", err)
	}
	id2, err := core.IDEncode(reg, p2.ToObject())
	if err != nil {
		t.Fatalf("id encode: %v", err)
	}
	if !bytes.Equal(id1, id2) {
		t.Fatalf("two versions of the same person must produce the same ID-hash bytes")
	}
}

func TestDecodeRejectsTruncatedInput(t *testing.T) {
	reg := personRegistry()
	data, err := core.Encode(reg, core.Keys{PublicSigningHex: "ab", PublicEncryptionHex: "cd"}.ToObject())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := core.Decode(reg, data[:len(data)-5]); err == nil {
		t.Fatalf("expected decode of truncated bytes to fail")
	}
}
