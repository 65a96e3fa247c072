package core_test

import (
	"context"
	"testing"

	core "chumstore/core"
)

func newTestResolver(t *testing.T) (*core.Store, *core.RecipeRegistry, *core.Resolver, *core.VersionTree) {
	t.Helper()
	store := newTestStore(t)
	reg := personRegistry()
	cfg := core.ReverseMapConfig{
		ObjectTypes: map[string]bool{"Access": true},
		IDTypes:     map[string]bool{"Access": true, "IdAccess": true, "Group": true},
	}
	rindex := core.NewReverseIndex(store, reg, cfg, func() int64 { return 1 })
	vt := core.NewVersionTree(store, reg, func() int64 { return 1 })
	vt.SetReverseIndex(rindex)
	return store, reg, core.NewResolver(store, reg, rindex, vt), vt
}

func TestResolverGrantsDirectAccess(t *testing.T) {
	store, reg, resolver, _ := newTestResolver(t)
	person := core.Sum([]byte("person-id"))

	target, _, err := store.WriteObject(context.Background(), reg, core.Keys{PublicSigningHex: "ab"}.ToObject())
	if err != nil {
		t.Fatalf("write target: %v", err)
	}
	access := core.Access{Target: core.Ref{RKind: core.RefObj, Hash: target}, Grantees: []core.Hash{person}}
	if _, _, err := store.WriteObject(context.Background(), reg, access.ToObject()); err != nil {
		t.Fatalf("write access: %v", err)
	}

	acc, err := resolver.AccessibleFrom(person, nil)
	if err != nil {
		t.Fatalf("accessible from: %v", err)
	}
	item, ok := acc[target]
	if !ok {
		t.Fatalf("expected target %s to be accessible, got %+v", target.Hex(), acc)
	}
	if item.Kind != core.KindUnversioned {
		t.Fatalf("expected unversioned kind, got %v", item.Kind)
	}
}

func TestResolverGrantsThroughGroupMembership(t *testing.T) {
	store, reg, resolver, vt := newTestResolver(t)
	person := core.Sum([]byte("person-in-group"))

	group := core.Group{Name: "team", Members: []core.Hash{person}}
	groupIDHash := core.Sum(mustIDEncode(t, reg, group.ToObject()))
	groupData, err := core.Encode(reg, group.ToObject())
	if err != nil {
		t.Fatalf("encode group: %v", err)
	}
	if _, _, err := store.WriteObject(context.Background(), reg, group.ToObject()); err != nil {
		t.Fatalf("write group: %v", err)
	}
	if _, _, err := store.WriteIDObject(context.Background(), reg, group.ToObject()); err != nil {
		t.Fatalf("write group id object: %v", err)
	}
	if _, err := vt.Apply(context.Background(), groupIDHash, core.Sum(groupData), core.Change, nil); err != nil {
		t.Fatalf("apply group version: %v", err)
	}

	target, _, err := store.WriteObject(context.Background(), reg, core.Keys{PublicSigningHex: "cd"}.ToObject())
	if err != nil {
		t.Fatalf("write target: %v", err)
	}
	access := core.Access{Target: core.Ref{RKind: core.RefObj, Hash: target}, Grantees: []core.Hash{groupIDHash}}
	if _, _, err := store.WriteObject(context.Background(), reg, access.ToObject()); err != nil {
		t.Fatalf("write access: %v", err)
	}

	acc, err := resolver.AccessibleFrom(person, nil)
	if err != nil {
		t.Fatalf("accessible from: %v", err)
	}
	if _, ok := acc[target]; !ok {
		t.Fatalf("expected group membership to grant access to %s", target.Hex())
	}
}

func mustIDEncode(t *testing.T, reg *core.RecipeRegistry, obj core.Object) []byte {
	t.Helper()
	data, err := core.IDEncode(reg, obj)
	if err != nil {
		t.Fatalf("id encode: %v", err)
	}
	return data
}
