package core_test

import (
	"context"
	"testing"

	core "chumstore/core"
)

func newTestTree(t *testing.T) (*core.Store, *core.RecipeRegistry, *core.VersionTree) {
	t.Helper()
	store := newTestStore(t)
	reg := personRegistry()
	now := func() int64 { return 1000 }
	return store, reg, core.NewVersionTree(store, reg, now)
}

func writeVersion(t *testing.T, store *core.Store, reg *core.RecipeRegistry, vt *core.VersionTree, idHash core.Hash, obj core.Object) core.MergeResult {
	t.Helper()
	data, err := core.Encode(reg, obj)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	dataHash := core.Sum(data)
	if _, _, err := store.WriteObject(context.Background(), reg, obj); err != nil {
		t.Fatalf("write data object: %v", err)
	}
	result, err := vt.Apply(context.Background(), idHash, dataHash, core.Change, nil)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	return result
}

func TestVersionTreeFirstWriteIsAnEdge(t *testing.T) {
	store, reg, vt := newTestTree(t)
	idHash := core.Sum([]byte("group:team"))

	g := core.Group{Name: "team", Members: []core.Hash{core.Sum([]byte("p1"))}}
	result := writeVersion(t, store, reg, vt, idHash, g.ToObject())

	head, err := store.ReadHead(idHash)
	if err != nil {
		t.Fatalf("read head: %v", err)
	}
	if head != result.NewHead {
		t.Fatalf("head not advanced to the written node")
	}
}

func TestVersionTreeChangeAdvancesHeadLinearly(t *testing.T) {
	store, reg, vt := newTestTree(t)
	idHash := core.Sum([]byte("group:team"))

	g1 := core.Group{Name: "team", Members: []core.Hash{core.Sum([]byte("p1"))}}
	writeVersion(t, store, reg, vt, idHash, g1.ToObject())

	g2 := core.Group{Name: "team", Members: []core.Hash{core.Sum([]byte("p1")), core.Sum([]byte("p2"))}}
	result2 := writeVersion(t, store, reg, vt, idHash, g2.ToObject())

	head, err := store.ReadHead(idHash)
	if err != nil {
		t.Fatalf("read head: %v", err)
	}
	if head != result2.NewHead {
		t.Fatalf("head did not advance to the second change")
	}
}

func TestVersionTreeRewritingSameDataIsANoOp(t *testing.T) {
	store, reg, vt := newTestTree(t)
	idHash := core.Sum([]byte("group:team"))

	g := core.Group{Name: "team", Members: []core.Hash{core.Sum([]byte("p1"))}}
	first := writeVersion(t, store, reg, vt, idHash, g.ToObject())

	second := writeVersion(t, store, reg, vt, idHash, g.ToObject())
	if !second.AlreadyMerged {
		t.Fatalf("expected rewriting identical data to report AlreadyMerged")
	}
	if second.NewHead != first.NewHead {
		t.Fatalf("expected head unchanged, got %s want %s", second.NewHead.Hex(), first.NewHead.Hex())
	}

	head, err := store.ReadHead(idHash)
	if err != nil {
		t.Fatalf("read head: %v", err)
	}
	if head != first.NewHead {
		t.Fatalf("head advanced on a no-op rewrite")
	}
}

func TestVersionTreeMergesConcurrentSetUnionEdits(t *testing.T) {
	store, reg, vt := newTestTree(t)
	idHash := core.Sum([]byte("group:team"))

	base := core.Group{Name: "team", Members: []core.Hash{core.Sum([]byte("p1"))}}
	baseResult := writeVersion(t, store, reg, vt, idHash, base.ToObject())

	// Two branches both start from baseResult's node and diverge.
	branchA := core.Group{Name: "team", Members: []core.Hash{core.Sum([]byte("p1")), core.Sum([]byte("p2"))}}
	dataA, _ := core.Encode(reg, branchA.ToObject())
	hashA := core.Sum(dataA)
	store.WriteObject(context.Background(), reg, branchA.ToObject())
	nodeA := &core.VersionNode{Kind: core.NodeChange, Data: hashA, Depth: 1, Prev: baseResult.NewHead, CreationTime: 1001}

	branchB := core.Group{Name: "team", Members: []core.Hash{core.Sum([]byte("p1")), core.Sum([]byte("p3"))}}
	dataB, _ := core.Encode(reg, branchB.ToObject())
	hashB := core.Sum(dataB)
	store.WriteObject(context.Background(), reg, branchB.ToObject())
	nodeB := &core.VersionNode{Kind: core.NodeChange, Data: hashB, Depth: 1, Prev: baseResult.NewHead, CreationTime: 1002}

	if _, err := vt.Apply(context.Background(), idHash, hashA, core.Change, nodeA); err != nil {
		t.Fatalf("apply A: %v", err)
	}
	result, err := vt.Apply(context.Background(), idHash, hashB, core.MergePolicy, nodeB)
	if err != nil {
		t.Fatalf("apply B: %v", err)
	}

	node, err := store.ReadObject(reg, result.NewHead)
	if err != nil {
		t.Fatalf("read merge node: %v", err)
	}
	if node.Type != "core.VersionNode" {
		t.Fatalf("expected a version node at the new head, got %s", node.Type)
	}
	dataField, ok := node.Value.Get("data")
	if !ok {
		t.Fatalf("merge node missing data field")
	}
	mergedObj, err := store.ReadObject(reg, dataField.(core.Ref).Hash)
	if err != nil {
		t.Fatalf("read merged data: %v", err)
	}
	mergedGroup, err := core.GroupFromObject(mergedObj)
	if err != nil {
		t.Fatalf("decode merged group: %v", err)
	}
	if len(mergedGroup.Members) != 3 {
		t.Fatalf("expected set-union merge to keep p1, p2, and p3, got %v", mergedGroup.Members)
	}
}
