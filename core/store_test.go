package core_test

import (
	"context"
	"testing"

	core "chumstore/core"
	"chumstore/internal/testutil"
)

func newTestStore(t *testing.T) *core.Store {
	t.Helper()
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}
	t.Cleanup(func() { sb.Cleanup() })
	store, err := core.NewStore(core.StoreOptions{Directory: sb.Root, HashPrefixChars: 2, CacheSize: 64}, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestStoreBlobWriteIsIdempotentAndContentAddressed(t *testing.T) {
	store := newTestStore(t)
	data := []byte("hello chumstore")

	h1, status1, err := store.WriteBlob(data)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if status1 != core.StatusNew {
		t.Fatalf("expected first write to be new, got %v", status1)
	}
	if h1 != core.Sum(data) {
		t.Fatalf("hash mismatch: got %s want %s", h1.Hex(), core.Sum(data).Hex())
	}

	h2, status2, err := store.WriteBlob(data)
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if h2 != h1 {
		t.Fatalf("rewrite changed hash")
	}
	if status2 != core.StatusExists {
		t.Fatalf("expected second write to report existing, got %v", status2)
	}

	got, err := store.ReadBlob(h1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("read-back mismatch")
	}
}

func TestStoreWriteObjectVerifiesOnRead(t *testing.T) {
	store := newTestStore(t)
	reg := personRegistry()
	obj := core.Keys{PublicSigningHex: "ab", PublicEncryptionHex: "cd"}.ToObject()

	h, _, err := store.WriteObject(context.Background(), reg, obj)
	if err != nil {
		t.Fatalf("write object: %v", err)
	}
	if !store.Exists(h) {
		t.Fatalf("expected object to exist after write")
	}
	back, err := store.ReadObject(reg, h)
	if err != nil {
		t.Fatalf("read object: %v", err)
	}
	if back.Type != obj.Type {
		t.Fatalf("type mismatch: got %s want %s", back.Type, obj.Type)
	}
}

func TestStoreHeadRoundTrip(t *testing.T) {
	store := newTestStore(t)
	idHash := core.Sum([]byte("some-id"))
	nodeHash := core.Sum([]byte("some-node"))

	if _, err := store.ReadHead(idHash); err == nil {
		t.Fatalf("expected missing head to error")
	}
	if err := store.WriteHead(context.Background(), idHash, nodeHash); err != nil {
		t.Fatalf("write head: %v", err)
	}
	got, err := store.ReadHead(idHash)
	if err != nil {
		t.Fatalf("read head: %v", err)
	}
	if got != nodeHash {
		t.Fatalf("head mismatch: got %s want %s", got.Hex(), nodeHash.Hex())
	}
}
