package core_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	core "chumstore/core"
)

func TestMergeLWWFavorsLaterTimestampAndTiesTowardB(t *testing.T) {
	reg := personRegistry()
	a := core.Person{Email: "ada@example.com", Name: "Ada", Keys: core.Sum([]byte("keys-a"))}.ToObject()
	b := core.Person{Email: "ada@example.com", Name: "Ada Lovelace", Keys: core.Sum([]byte("keys-a"))}.ToObject()

	merged, err := core.Merge(reg, nil, a, b, 5, 9)
	require.NoError(t, err)
	person, err := core.PersonFromObject(merged)
	require.NoError(t, err)
	require.Equal(t, "Ada Lovelace", person.Name, "later write should win")

	// a tie should still favor the side named b.
	merged, err = core.Merge(reg, nil, a, b, 5, 5)
	require.NoError(t, err)
	person, err = core.PersonFromObject(merged)
	require.NoError(t, err)
	require.Equal(t, "Ada Lovelace", person.Name, "a tie should favor b")
}

func TestMergeSetUnionDedupesAcrossOrderAndOverlap(t *testing.T) {
	reg := personRegistry()
	shared := core.Sum([]byte("shared-member"))
	onlyA := core.Sum([]byte("only-a"))
	onlyB := core.Sum([]byte("only-b"))

	a := core.Group{Name: "team", Members: []core.Hash{shared, onlyA}}.ToObject()
	b := core.Group{Name: "team", Members: []core.Hash{onlyB, shared}}.ToObject()

	merged, err := core.Merge(reg, nil, a, b, 1, 2)
	require.NoError(t, err)
	group, err := core.GroupFromObject(merged)
	require.NoError(t, err)
	require.ElementsMatch(t, []core.Hash{shared, onlyA, onlyB}, group.Members)
}

// mapUnionRegistry's recipe exercises StrategyMapUnion, which no shipped recipe currently
// configures; Group and Person only need set-union and LWW respectively.
var mapRecipeTypeName = "MergeTestMap"

func mapUnionRegistry() *core.RecipeRegistry {
	recipe := &core.Recipe{
		TypeName:  mapRecipeTypeName,
		Versioned: false,
		Rules: []core.FieldRule{
			{Name: "scores", Kind: core.KindMap},
		},
		CRDTConfig: map[string]core.CRDTStrategy{
			"scores": core.StrategyMapUnion,
		},
	}
	return core.NewRecipeRegistry(append(core.InitialRecipes(), recipe))
}

func mapObject(entries map[string]int64) core.Object {
	var out []core.MapEntry
	for k, v := range entries {
		out = append(out, core.MapEntry{Key: core.NewString(k), Value: core.NewInt(v)})
	}
	return core.Object{Type: mapRecipeTypeName, Value: core.ObjectVal{Fields: []core.FieldValue{
		{Name: "scores", Value: core.MapVal{Entries: out}},
	}}}
}

func TestMergeMapUnionKeepsDisjointKeysAndLWWsSharedOnes(t *testing.T) {
	reg := mapUnionRegistry()
	a := mapObject(map[string]int64{"alice": 1, "shared": 10})
	b := mapObject(map[string]int64{"bob": 2, "shared": 20})

	merged, err := core.Merge(reg, nil, a, b, 1, 5)
	require.NoError(t, err)

	scores, ok := merged.Value.Get("scores")
	require.True(t, ok)
	entries := scores.(core.MapVal).Entries
	require.Len(t, entries, 3)

	got := map[string]string{}
	for _, e := range entries {
		got[e.Key.(core.Primitive).Text] = e.Value.(core.Primitive).Text
	}
	want := map[string]string{
		"alice":  core.NewInt(1).Text,
		"bob":    core.NewInt(2).Text,
		"shared": core.NewInt(20).Text,
	}
	require.Equal(t, want, got)
}

// refMergeRegistry reuses Person's shape but upgrades its "keys" field from
// LWW to RefMerge so the merge walks into the referenced Keys object
// instead of picking one side outright.
func refMergeRegistry() *core.RecipeRegistry {
	recipe := &core.Recipe{
		TypeName:  "Person",
		Versioned: true,
		Rules: []core.FieldRule{
			{Name: "email", Kind: core.KindPrimitive, IsID: true},
			{Name: "name", Kind: core.KindPrimitive},
			{Name: "keys", Kind: core.KindRef, RefKind: core.RefObj},
		},
		CRDTConfig: map[string]core.CRDTStrategy{
			"name": core.StrategyLWW,
			"keys": core.StrategyRefMerge,
		},
	}
	return core.NewRecipeRegistry(append(core.InitialRecipes(), recipe))
}

func TestMergeRefMergeResolvesAndRestoresMergedChild(t *testing.T) {
	reg := refMergeRegistry()
	store := newTestStore(t)
	resolver := store.BindResolver(reg)

	ctx := context.Background()
	keysA, _, err := store.WriteObject(ctx, reg, core.Keys{PublicSigningHex: "aa", PublicEncryptionHex: "aa"}.ToObject())
	require.NoError(t, err)
	keysB, _, err := store.WriteObject(ctx, reg, core.Keys{PublicSigningHex: "aa", PublicEncryptionHex: "bb"}.ToObject())
	require.NoError(t, err)

	a := core.Person{Email: "ada@example.com", Name: "Ada", Keys: keysA}.ToObject()
	b := core.Person{Email: "ada@example.com", Name: "Ada", Keys: keysB}.ToObject()

	merged, err := core.Merge(reg, resolver, a, b, 1, 2)
	require.NoError(t, err)
	person, err := core.PersonFromObject(merged)
	require.NoError(t, err)
	require.NotEqual(t, keysA, person.Keys, "ref-merge must not keep a's ref")
	require.Equal(t, keysB, person.Keys, "b wins every LWW leaf of the child, so the re-stored child has b's bytes and hash")

	mergedKeysObj, err := store.ReadObject(reg, person.Keys)
	require.NoError(t, err)
	mergedKeys, err := core.KeysFromObject(mergedKeysObj)
	require.NoError(t, err)
	require.Equal(t, "aa", mergedKeys.PublicSigningHex)
	require.Equal(t, "bb", mergedKeys.PublicEncryptionHex, "b's later write should win the LWW leaf inside the merged child")

	// re-merging a ref against itself is a no-op and needs no resolver.
	same, err := core.Merge(reg, nil, a, a, 1, 1)
	require.NoError(t, err)
	samePerson, err := core.PersonFromObject(same)
	require.NoError(t, err)
	require.Equal(t, keysA, samePerson.Keys)
}

func TestMergeRefMergeWithoutResolverFails(t *testing.T) {
	reg := refMergeRegistry()
	a := core.Person{Email: "ada@example.com", Name: "Ada", Keys: core.Sum([]byte("keys-a"))}.ToObject()
	b := core.Person{Email: "ada@example.com", Name: "Ada", Keys: core.Sum([]byte("keys-b"))}.ToObject()

	_, err := core.Merge(reg, nil, a, b, 1, 1)
	require.Error(t, err)
}
