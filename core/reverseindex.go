package core

// reverseindex.go - the append-only reverse-reference log: for every
// target hash, which referring objects (by type) point at it, and when.
// Grounded on core/audit_management.go's append-only event log (one file
// per subject, newline-delimited records, never rewritten in place).

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// RefStatus records the nature of a reverse-index append. Today every
// append is Active; the type exists so a future status (e.g. a field
// explicitly cleared) can be recorded without changing the log format.
type RefStatus string

const RefActive RefStatus = "active"

// ReverseEntry is one line of a reverse-map log: a referrer identity,
// with the timestamp it was recorded at.
type ReverseEntry struct {
	ReferrerHash Hash
	Status       RefStatus
	Timestamp    int64
}

// ReverseMapConfig names which referring types are tracked, separately for
// plain-object references and ID references. Frozen at instance creation;
// ReverseIndex never mutates these sets after construction.
type ReverseMapConfig struct {
	ObjectTypes map[string]bool
	IDTypes     map[string]bool
}

// ReverseIndex maintains rmaps/<target-hash>.<type> and
// rmaps-id/<id-hash>.<type> append logs under a Store's directory.
type ReverseIndex struct {
	dir    string
	cfg    ReverseMapConfig
	now    func() int64
	mu     sync.Mutex
	fileMu map[string]*sync.Mutex
}

// NewReverseIndex builds a ReverseIndex over store's directory and wires
// itself to unversioned object writes automatically. Versioned writes go
// through VersionTree.Apply, which calls Record explicitly with the
// referrer's stable ID-hash rather than a per-version hash, so "latest
// only" projection groups correctly across a referrer's edit history. reg
// is consulted only to keep the automatic hook from firing a second,
// wrongly-keyed Record for a versioned type's raw per-version writes.
func NewReverseIndex(store *Store, reg *RecipeRegistry, cfg ReverseMapConfig, now func() int64) *ReverseIndex {
	ri := &ReverseIndex{dir: store.dir, cfg: cfg, now: now, fileMu: make(map[string]*sync.Mutex)}
	store.OnObjectWritten(func(hash Hash, obj Object) {
		if recipe := reg.Lookup(obj.Type); recipe != nil && recipe.Versioned {
			return
		}
		if cfg.ObjectTypes[obj.Type] || cfg.IDTypes[obj.Type] {
			_ = ri.Record(hash, obj.Type, obj.Value)
		}
	})
	return ri
}

// Record walks body for Ref fields and appends a reverse-index entry for
// each one found, keyed by the referenced hash and referringType. RefObj
// targets go to rmaps/, RefId targets go to rmaps-id/; each is gated by
// the corresponding ObjectTypes/IDTypes membership of referringType.
func (ri *ReverseIndex) Record(referrerHash Hash, referringType string, body Value) error {
	ts := ri.now()
	refs := collectRefs(body)
	for _, ref := range refs {
		var sub string
		switch ref.RKind {
		case RefObj, RefBlob, RefClob:
			if !ri.cfg.ObjectTypes[referringType] {
				continue
			}
			sub = "rmaps"
		case RefId:
			if !ri.cfg.IDTypes[referringType] {
				continue
			}
			sub = "rmaps-id"
		default:
			continue
		}
		if err := ri.append(sub, ref.Hash, referringType, referrerHash, ts); err != nil {
			return err
		}
	}
	return nil
}

func collectRefs(v Value) []Ref {
	var out []Ref
	var walk func(Value)
	walk = func(v Value) {
		switch t := v.(type) {
		case Ref:
			out = append(out, t)
		case Seq:
			for _, it := range t.Items {
				walk(it)
			}
		case MapVal:
			for _, e := range t.Entries {
				walk(e.Key)
				walk(e.Value)
			}
		case ObjectVal:
			for _, f := range t.Fields {
				walk(f.Value)
			}
		}
	}
	walk(v)
	return out
}

func (ri *ReverseIndex) logPath(sub string, target Hash, referringType string) string {
	return filepath.Join(ri.dir, sub, fmt.Sprintf("%s.%s", target.Hex(), referringType))
}

func (ri *ReverseIndex) fileLock(path string) *sync.Mutex {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	m, ok := ri.fileMu[path]
	if !ok {
		m = &sync.Mutex{}
		ri.fileMu[path] = m
	}
	return m
}

func (ri *ReverseIndex) append(sub string, target Hash, referringType string, referrer Hash, ts int64) error {
	path := ri.logPath(sub, target, referringType)
	lock := ri.fileLock(path)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return wrapKind(KindInvalidState, err)
	}
	defer f.Close()
	line := fmt.Sprintf("%s,%s,%d\n", referrer.Hex(), RefActive, ts)
	if _, err := f.WriteString(line); err != nil {
		return wrapKind(KindInvalidState, err)
	}
	return f.Sync()
}

// Query returns every entry ever appended for (target, referringType),
// read from rmaps/ if byID is false, rmaps-id/ otherwise.
func (ri *ReverseIndex) Query(target Hash, referringType string, byID bool) ([]ReverseEntry, error) {
	sub := "rmaps"
	if byID {
		sub = "rmaps-id"
	}
	path := ri.logPath(sub, target, referringType)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, wrapKind(KindInvalidState, err)
	}
	defer f.Close()

	var out []ReverseEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		parts := strings.SplitN(scanner.Text(), ",", 3)
		if len(parts) != 3 {
			continue
		}
		h, err := ParseHash(parts[0])
		if err != nil {
			continue
		}
		ts, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			continue
		}
		out = append(out, ReverseEntry{ReferrerHash: h, Status: RefStatus(parts[1]), Timestamp: ts})
	}
	return out, scanner.Err()
}

// LatestOnly projects entries down to one per distinct ReferrerHash,
// keeping the entry with the greatest Timestamp (used by authorization to
// resolve "latest version per ID-hash of the referrer").
func LatestOnly(entries []ReverseEntry) []ReverseEntry {
	byReferrer := map[Hash]ReverseEntry{}
	var order []Hash
	for _, e := range entries {
		cur, ok := byReferrer[e.ReferrerHash]
		if !ok {
			order = append(order, e.ReferrerHash)
			byReferrer[e.ReferrerHash] = e
			continue
		}
		if e.Timestamp > cur.Timestamp {
			byReferrer[e.ReferrerHash] = e
		}
	}
	out := make([]ReverseEntry, 0, len(order))
	for _, h := range order {
		out = append(out, byReferrer[h])
	}
	return out
}
