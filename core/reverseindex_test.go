package core_test

import (
	"context"
	"testing"

	core "chumstore/core"
)

func TestReverseIndexTracksUnversionedWritesAutomatically(t *testing.T) {
	store := newTestStore(t)
	reg := personRegistry()
	cfg := core.ReverseMapConfig{
		ObjectTypes: map[string]bool{"Access": true},
		IDTypes:     map[string]bool{"Access": true},
	}
	rindex := core.NewReverseIndex(store, reg, cfg, func() int64 { return 42 })
	_ = rindex

	target := core.Sum([]byte("some-object"))
	grantee := core.Sum([]byte("person-id"))
	access := core.Access{Target: core.Ref{RKind: core.RefObj, Hash: target}, Grantees: []core.Hash{grantee}}

	h, _, err := store.WriteObject(context.Background(), reg, access.ToObject())
	if err != nil {
		t.Fatalf("write access: %v", err)
	}

	entries, err := rindex.Query(target, "Access", false)
	if err != nil {
		t.Fatalf("query by target: %v", err)
	}
	if len(entries) != 1 || entries[0].ReferrerHash != h {
		t.Fatalf("expected one entry referring from %s, got %+v", h.Hex(), entries)
	}

	idEntries, err := rindex.Query(grantee, "Access", true)
	if err != nil {
		t.Fatalf("query by grantee id: %v", err)
	}
	if len(idEntries) != 1 || idEntries[0].ReferrerHash != h {
		t.Fatalf("expected one id-keyed entry for the grantee, got %+v", idEntries)
	}
}

func TestReverseIndexLatestOnlyDedupsByReferrer(t *testing.T) {
	entries := []core.ReverseEntry{
		{ReferrerHash: core.Sum([]byte("r1")), Timestamp: 5},
		{ReferrerHash: core.Sum([]byte("r1")), Timestamp: 9},
		{ReferrerHash: core.Sum([]byte("r2")), Timestamp: 1},
	}
	latest := core.LatestOnly(entries)
	if len(latest) != 2 {
		t.Fatalf("expected two distinct referrers, got %d", len(latest))
	}
	for _, e := range latest {
		if e.ReferrerHash == entries[0].ReferrerHash && e.Timestamp != 9 {
			t.Fatalf("expected latest timestamp 9 for r1, got %d", e.Timestamp)
		}
	}
}

func TestReverseIndexUntrackedTypeIsNotIndexed(t *testing.T) {
	store := newTestStore(t)
	reg := personRegistry()
	cfg := core.ReverseMapConfig{ObjectTypes: map[string]bool{}}
	rindex := core.NewReverseIndex(store, reg, cfg, func() int64 { return 1 })

	target := core.Sum([]byte("untracked-target"))
	access := core.Access{Target: core.Ref{RKind: core.RefObj, Hash: target}, Grantees: nil}
	if _, _, err := store.WriteObject(context.Background(), reg, access.ToObject()); err != nil {
		t.Fatalf("write access: %v", err)
	}

	entries, err := rindex.Query(target, "Access", false)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries for an untracked referring type, got %d", len(entries))
	}
}
