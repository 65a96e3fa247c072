package core

// crdt.go - the recipe-driven conflict-free merge engine. Merge walks two
// versions of the same typed object field by field, dispatching each field
// path to a strategy named in its recipe's CRDTConfig. A field path with no
// configured strategy recurses into nested structure (NotAvailable) and
// falls back to last-writer-wins only once it reaches a genuine leaf.
//
// Grounded on core/bft_simulation.go's strategy-by-parameter dispatch shape
// (there: a named voting strategy picked per round; here: a named merge
// strategy picked per field path) and core/compliance.go's pattern of
// delegating a decision to a named, swappable policy rather than hardcoding
// it inline.

import (
	"fmt"
	"sort"
	"strings"
)

// CRDTStrategy names how two versions of one field path are reconciled.
type CRDTStrategy int

const (
	// StrategyNotAvailable recurses into Object/Map structure and falls back
	// to StrategyLWW at a leaf. It is the default for any path with no
	// explicit CRDTConfig entry.
	StrategyNotAvailable CRDTStrategy = iota
	// StrategyLWW replaces the whole field with whichever side has the
	// later timestamp, ties broken toward the side named b.
	StrategyLWW
	// StrategySetUnion merges two Seq fields (Mode Set or Unordered) by
	// union, deduplicating items by their re-encoded bytes.
	StrategySetUnion
	// StrategyMapUnion merges two Map fields key-wise: keys present on only
	// one side pass through, keys present on both recurse per-key with
	// StrategyLWW at the value leaf.
	StrategyMapUnion
	// StrategyRefMerge merges two Ref fields that point at different
	// version hashes of the same object by resolving and recursively
	// merging the referenced objects, then storing the result and
	// rewriting the field to point at the new hash.
	StrategyRefMerge
)

func (s CRDTStrategy) String() string {
	switch s {
	case StrategyNotAvailable:
		return "not-available"
	case StrategyLWW:
		return "lww"
	case StrategySetUnion:
		return "set-union"
	case StrategyMapUnion:
		return "map-union"
	case StrategyRefMerge:
		return "ref-merge"
	default:
		return "unknown"
	}
}

// ObjectResolver is the store-side collaborator Merge needs when a
// StrategyRefMerge field points two versions at different child objects:
// it must read both children and persist the merged result. core/store.go
// implements this; crdt.go only depends on the interface so the merge
// engine has no knowledge of on-disk layout.
type ObjectResolver interface {
	ResolveObject(h Hash) (Object, error)
	StoreObject(obj Object) (Hash, error)
}

// side pairs a value with the timestamp it was last written at, so leaf
// resolution never needs more than this struct.
type side struct {
	v   Value
	obj Object
	ts  int64
}

// Merge reconciles two versions of the same recipe-typed object. aTime and
// bTime are the Unix-seconds write timestamps recorded on each version's
// Change/Merge node, used to break ties at LWW leaves. The merged object
// has the same Type as a and b (which must match).
func Merge(reg *RecipeRegistry, resolver ObjectResolver, a, b Object, aTime, bTime int64) (Object, error) {
	if a.Type != b.Type {
		return Object{}, wrapKind(KindConflictMerge, fmt.Errorf("merge: type mismatch %q vs %q", a.Type, b.Type))
	}
	recipe, err := reg.mustLookup(a.Type)
	if err != nil {
		return Object{}, err
	}
	merged, err := mergeFields(reg, resolver, recipe, "", a.Value, b.Value, aTime, bTime)
	if err != nil {
		return Object{}, err
	}
	return Object{Type: a.Type, Value: merged}, nil
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

func mergeFields(reg *RecipeRegistry, resolver ObjectResolver, recipe *Recipe, prefix string, a, b ObjectVal, aTime, bTime int64) (ObjectVal, error) {
	order := []string{}
	seen := map[string]bool{}
	for _, f := range a.Fields {
		if !seen[f.Name] {
			seen[f.Name] = true
			order = append(order, f.Name)
		}
	}
	for _, f := range b.Fields {
		if !seen[f.Name] {
			seen[f.Name] = true
			order = append(order, f.Name)
		}
	}

	var out []FieldValue
	for _, name := range order {
		path := joinPath(prefix, name)
		av, aok := a.Get(name)
		bv, bok := b.Get(name)
		switch {
		case aok && !bok:
			out = append(out, FieldValue{Name: name, Value: av})
		case bok && !aok:
			out = append(out, FieldValue{Name: name, Value: bv})
		default:
			strat := recipe.CRDTFor(path)
			mv, err := mergeValue(reg, resolver, recipe, path, strat, av, bv, aTime, bTime)
			if err != nil {
				return ObjectVal{}, err
			}
			out = append(out, FieldValue{Name: name, Value: mv})
		}
	}
	return ObjectVal{Fields: out}, nil
}

func mergeValue(reg *RecipeRegistry, resolver ObjectResolver, recipe *Recipe, path string, strat CRDTStrategy, a, b Value, aTime, bTime int64) (Value, error) {
	switch strat {
	case StrategySetUnion:
		return mergeSetUnion(reg, a, b)
	case StrategyMapUnion:
		return mergeMapUnion(reg, a, b, aTime, bTime)
	case StrategyRefMerge:
		return mergeRef(reg, resolver, a, b, aTime, bTime)
	case StrategyLWW:
		return lww(a, b, aTime, bTime), nil
	default: // StrategyNotAvailable
		aObj, aIsObj := a.(ObjectVal)
		bObj, bIsObj := b.(ObjectVal)
		if aIsObj && bIsObj {
			merged, err := mergeFields(reg, resolver, recipe, path, aObj, bObj, aTime, bTime)
			if err != nil {
				return nil, err
			}
			return merged, nil
		}
		return lww(a, b, aTime, bTime), nil
	}
}

func lww(a, b Value, aTime, bTime int64) Value {
	if bTime >= aTime {
		return b
	}
	return a
}

func encodeKey(v Value) string {
	var b strings.Builder
	_ = encodeValue(nil, &b, v)
	return b.String()
}

func mergeSetUnion(reg *RecipeRegistry, a, b Value) (Value, error) {
	aSeq, aok := a.(Seq)
	bSeq, bok := b.(Seq)
	if !aok || !bok {
		return nil, wrapKind(KindConflictMerge, fmt.Errorf("merge: set-union strategy applied to non-Seq values"))
	}
	mode := aSeq.Mode
	if mode == SeqOrdered {
		mode = SeqSet
	}
	byKey := map[string]Value{}
	var keys []string
	add := func(items []Value) {
		for _, item := range items {
			k := encodeKey(item)
			if _, ok := byKey[k]; !ok {
				byKey[k] = item
				keys = append(keys, k)
			}
		}
	}
	add(aSeq.Items)
	add(bSeq.Items)
	sort.Strings(keys)
	items := make([]Value, 0, len(keys))
	for _, k := range keys {
		items = append(items, byKey[k])
	}
	return Seq{Mode: mode, Items: items}, nil
}

func mergeMapUnion(reg *RecipeRegistry, a, b Value, aTime, bTime int64) (Value, error) {
	aMap, aok := a.(MapVal)
	bMap, bok := b.(MapVal)
	if !aok || !bok {
		return nil, wrapKind(KindConflictMerge, fmt.Errorf("merge: map-union strategy applied to non-Map values"))
	}
	type entry struct {
		key Value
		val Value
	}
	byKey := map[string]entry{}
	var order []string
	for _, e := range aMap.Entries {
		k := encodeKey(e.Key)
		byKey[k] = entry{key: e.Key, val: e.Value}
		order = append(order, k)
	}
	for _, e := range bMap.Entries {
		k := encodeKey(e.Key)
		if existing, ok := byKey[k]; ok {
			byKey[k] = entry{key: e.Key, val: lww(existing.val, e.Value, aTime, bTime)}
			continue
		}
		byKey[k] = entry{key: e.Key, val: e.Value}
		order = append(order, k)
	}
	sort.Strings(order)
	out := make([]MapEntry, 0, len(order))
	written := map[string]bool{}
	for _, k := range order {
		if written[k] {
			continue
		}
		written[k] = true
		e := byKey[k]
		out = append(out, MapEntry{Key: e.key, Value: e.val})
	}
	return MapVal{Entries: out}, nil
}

func mergeRef(reg *RecipeRegistry, resolver ObjectResolver, a, b Value, aTime, bTime int64) (Value, error) {
	aRef, aok := a.(Ref)
	bRef, bok := b.(Ref)
	if !aok || !bok {
		return nil, wrapKind(KindConflictMerge, fmt.Errorf("merge: ref-merge strategy applied to non-Ref values"))
	}
	if aRef.Hash == bRef.Hash {
		return aRef, nil
	}
	if resolver == nil {
		return nil, wrapKind(KindConflictMerge, fmt.Errorf("merge: ref-merge requires an ObjectResolver"))
	}
	aObj, err := resolver.ResolveObject(aRef.Hash)
	if err != nil {
		return nil, err
	}
	bObj, err := resolver.ResolveObject(bRef.Hash)
	if err != nil {
		return nil, err
	}
	merged, err := Merge(reg, resolver, aObj, bObj, aTime, bTime)
	if err != nil {
		return nil, err
	}
	h, err := resolver.StoreObject(merged)
	if err != nil {
		return nil, err
	}
	return Ref{RKind: aRef.RKind, Hash: h}, nil
}
