package core

// auth.go - the authorization resolver: walks Access, IdAccess, and Group
// grants reverse-indexed against a person's ID-hash to compute their
// accessible closure. Grounded on core/access_control.go's role/grant
// traversal shape, generalized from a fixed role hierarchy to an
// arbitrary reverse-indexed grant graph.

import "fmt"

// AccessKind tags how an accessible hash should be treated by a caller
// (e.g. by the Chum exporter deciding whether to also walk its history).
type AccessKind string

const (
	KindUnversioned AccessKind = "unversioned"
	KindVersioned   AccessKind = "versioned"
	KindVersionNode AccessKind = "version_node"
	KindIDObject    AccessKind = "id"
)

// AccessibleItem is one hash in a person's accessible closure, with the
// reasons (grantor identities) that caused its inclusion — diagnostics
// only, never consulted for an authorization decision itself.
type AccessibleItem struct {
	Hash    Hash
	Kind    AccessKind
	Reasons []string
}

// CallerPolicy optionally vetoes an otherwise-granted hash, e.g. to filter
// by recipient device capability or export quota.
type CallerPolicy func(hash Hash, kind AccessKind) bool

// Resolver computes accessible closures from the Access/IdAccess/Group
// object graph recorded in a ReverseIndex.
type Resolver struct {
	store  *Store
	reg    *RecipeRegistry
	rindex *ReverseIndex
	vt     *VersionTree
}

// NewResolver builds a Resolver over the given collaborators.
func NewResolver(store *Store, reg *RecipeRegistry, rindex *ReverseIndex, vt *VersionTree) *Resolver {
	return &Resolver{store: store, reg: reg, rindex: rindex, vt: vt}
}

// AccessibleFrom computes the deduplicated accessible set for personIDHash,
// applying policy (if non-nil) to every candidate before it is included.
func (r *Resolver) AccessibleFrom(personIDHash Hash, policy CallerPolicy) (map[Hash]*AccessibleItem, error) {
	acc := map[Hash]*AccessibleItem{}
	visited := map[Hash]bool{}
	if err := r.resolveFor(personIDHash, fmt.Sprintf("person:%s", personIDHash.Hex()), acc, visited, policy); err != nil {
		return nil, err
	}
	return acc, nil
}

func (r *Resolver) include(acc map[Hash]*AccessibleItem, policy CallerPolicy, h Hash, kind AccessKind, reason string) {
	if policy != nil && !policy(h, kind) {
		return
	}
	item, ok := acc[h]
	if !ok {
		acc[h] = &AccessibleItem{Hash: h, Kind: kind, Reasons: []string{reason}}
		return
	}
	for _, existing := range item.Reasons {
		if existing == reason {
			return
		}
	}
	item.Reasons = append(item.Reasons, reason)
}

// resolveFor runs steps 1-3 of the grant walk with accessorIDHash as the
// identity being checked (a person on the first call, a group ID-hash on
// every recursive call triggered by step 3).
func (r *Resolver) resolveFor(accessorIDHash Hash, reason string, acc map[Hash]*AccessibleItem, visited map[Hash]bool, policy CallerPolicy) error {
	if visited[accessorIDHash] {
		return nil
	}
	visited[accessorIDHash] = true

	if err := r.resolveAccessGrants(accessorIDHash, reason, acc, policy); err != nil {
		return err
	}
	if err := r.resolveIDAccessGrants(accessorIDHash, reason, acc, policy); err != nil {
		return err
	}
	groupHashes, err := r.resolveGroupMemberships(accessorIDHash, reason, acc, policy)
	if err != nil {
		return err
	}
	for _, g := range groupHashes {
		if err := r.resolveFor(g, fmt.Sprintf("group:%s", g.Hex()), acc, visited, policy); err != nil {
			return err
		}
	}
	return nil
}

func (r *Resolver) resolveAccessGrants(accessorIDHash Hash, reason string, acc map[Hash]*AccessibleItem, policy CallerPolicy) error {
	entries, err := r.rindex.Query(accessorIDHash, "Access", true)
	if err != nil {
		return err
	}
	for _, e := range LatestOnly(entries) {
		// Access/IdAccess are unversioned: their referrer hash is the
		// grant object's own content address, read directly.
		grant, err := r.store.ReadObject(r.reg, e.ReferrerHash)
		if err != nil {
			continue // a grant that no longer resolves simply contributes nothing
		}
		targetV, ok := grant.Value.Get("target")
		if !ok {
			continue
		}
		target, ok := targetV.(Ref)
		if !ok {
			continue
		}
		kind := KindUnversioned
		if target.RKind == RefId {
			kind = KindVersioned
		}
		r.include(acc, policy, target.Hash, kind, reason)
	}
	return nil
}

func (r *Resolver) resolveIDAccessGrants(accessorIDHash Hash, reason string, acc map[Hash]*AccessibleItem, policy CallerPolicy) error {
	entries, err := r.rindex.Query(accessorIDHash, "IdAccess", true)
	if err != nil {
		return err
	}
	for _, e := range LatestOnly(entries) {
		// Access/IdAccess are unversioned: their referrer hash is the
		// grant object's own content address, read directly.
		grant, err := r.store.ReadObject(r.reg, e.ReferrerHash)
		if err != nil {
			continue
		}
		targetV, ok := grant.Value.Get("target")
		if !ok {
			continue
		}
		target, ok := targetV.(Ref)
		if !ok || target.RKind != RefId {
			continue
		}
		r.include(acc, policy, target.Hash, KindIDObject, reason)

		head, err := r.store.ReadHead(target.Hash)
		if err != nil {
			continue // no version written yet for this identity
		}
		nodes, err := r.vt.ancestors(head)
		if err != nil {
			return err
		}
		for nodeHash := range nodes {
			r.include(acc, policy, nodeHash, KindVersionNode, reason)
		}
	}
	return nil
}

func (r *Resolver) resolveGroupMemberships(accessorIDHash Hash, reason string, acc map[Hash]*AccessibleItem, policy CallerPolicy) ([]Hash, error) {
	entries, err := r.rindex.Query(accessorIDHash, "Group", true)
	if err != nil {
		return nil, err
	}
	var groups []Hash
	for _, e := range LatestOnly(entries) {
		groups = append(groups, e.ReferrerHash)
	}
	return groups, nil
}
