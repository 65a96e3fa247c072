package core

// store.go - the on-disk object store: objects/, blobs/, clobs/, vheads/
// under a per-instance directory, each hash-named file satisfying
// sha256(bytes) == name. Grounded on core/storage.go's sharded-directory,
// atomic-rename write path and core/ledger.go's WAL-style
// write-tmp-fsync-rename discipline for head pointers.

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// WriteStatus reports whether writeObject actually wrote bytes or found
// them already present (writeObject is idempotent).
type WriteStatus int

const (
	StatusNew WriteStatus = iota
	StatusExists
)

// StoreOptions configures directory sharding and the in-memory front cache.
type StoreOptions struct {
	Directory       string
	HashPrefixChars int // 0 disables sharding
	CacheSize       int // LRU entries for the object/head front cache; 0 disables it
}

// Store is the content-addressed object store. All methods are safe for
// concurrent use; writes targeting the same ID-hash are serialized through
// locks, writes to unrelated hashes proceed in parallel.
type Store struct {
	dir       string
	prefixLen int
	locks     *KeyedLock
	cache     *lru.Cache[string, []byte]
	log       *zap.Logger

	mu        sync.Mutex
	onObject  []func(hash Hash, obj Object)
	onIDObj   []func(idHash Hash, obj Object)
	onHeadAdv []func(idHash, newHead Hash)
}

// NewStore opens (creating if absent) the directory tree for opts.Directory.
func NewStore(opts StoreOptions, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	for _, sub := range []string{"objects", "blobs", "clobs", "vheads", "rmaps", "rmaps-id"} {
		if err := os.MkdirAll(filepath.Join(opts.Directory, sub), 0o755); err != nil {
			return nil, wrapKind(KindInvalidState, fmt.Errorf("store: mkdir %s: %w", sub, err))
		}
	}
	var cache *lru.Cache[string, []byte]
	if opts.CacheSize > 0 {
		c, err := lru.New[string, []byte](opts.CacheSize)
		if err != nil {
			return nil, wrapKind(KindInvalidState, err)
		}
		cache = c
	}
	return &Store{
		dir:       opts.Directory,
		prefixLen: opts.HashPrefixChars,
		locks:     NewKeyedLock(),
		cache:     cache,
		log:       log.Named("store"),
	}, nil
}

func (s *Store) shardedPath(sub, hex string) string {
	if s.prefixLen <= 0 || s.prefixLen >= len(hex) {
		return filepath.Join(s.dir, sub, hex)
	}
	return filepath.Join(s.dir, sub, hex[:s.prefixLen], hex)
}

func (s *Store) ensureShardDir(sub, hex string) error {
	if s.prefixLen <= 0 || s.prefixLen >= len(hex) {
		return nil
	}
	return os.MkdirAll(filepath.Join(s.dir, sub, hex[:s.prefixLen]), 0o755)
}

func (s *Store) cacheKey(sub, hex string) string { return sub + "/" + hex }

// writeRaw stores bytes at objects|blobs|clobs/<hash>, idempotently.
func (s *Store) writeRaw(sub string, h Hash, data []byte) (WriteStatus, error) {
	hex := h.Hex()
	path := s.shardedPath(sub, hex)
	if _, err := os.Stat(path); err == nil {
		return StatusExists, nil
	}
	if err := s.ensureShardDir(sub, hex); err != nil {
		return 0, wrapKind(KindInvalidState, err)
	}
	if err := atomicWriteFile(path, data); err != nil {
		return 0, wrapKind(KindInvalidState, err)
	}
	if s.cache != nil {
		s.cache.Add(s.cacheKey(sub, hex), data)
	}
	return StatusNew, nil
}

func (s *Store) readRaw(sub string, h Hash) ([]byte, error) {
	hex := h.Hex()
	if s.cache != nil {
		if v, ok := s.cache.Get(s.cacheKey(sub, hex)); ok {
			return v, nil
		}
	}
	data, err := os.ReadFile(s.shardedPath(sub, hex))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, wrapKind(KindNotFound, fmt.Errorf("%s/%s", sub, hex))
		}
		return nil, wrapKind(KindInvalidState, err)
	}
	if s.cache != nil {
		s.cache.Add(s.cacheKey(sub, hex), data)
	}
	return data, nil
}

// WriteObjectBytes stores already-encoded object bytes at
// objects/<sha256(bytes)>, for callers that hold an Encode'd payload (such
// as the importer). Unlike WriteObject it takes no lock and fires no write
// hook.
func (s *Store) WriteObjectBytes(data []byte) (Hash, WriteStatus, error) {
	h := Sum(data)
	status, err := s.writeRaw("objects", h, data)
	if err != nil {
		return Hash{}, 0, err
	}
	return h, status, nil
}

// ReadObjectBytes returns the canonical bytes stored at objects/<h>.
func (s *Store) ReadObjectBytes(h Hash) ([]byte, error) {
	return s.readRaw("objects", h)
}

// Exists reports whether a hash names a file under objects/, blobs/, or
// clobs/ (checked in that order, the order writeObject/writeBlob/writeClob
// populate them).
func (s *Store) Exists(h Hash) bool {
	for _, sub := range []string{"objects", "blobs", "clobs"} {
		if _, err := os.Stat(s.shardedPath(sub, h.Hex())); err == nil {
			return true
		}
	}
	return false
}

// Size returns the byte length of the file named by h, searching objects/,
// blobs/, clobs/ in that order.
func (s *Store) Size(h Hash) (int64, error) {
	for _, sub := range []string{"objects", "blobs", "clobs"} {
		if fi, err := os.Stat(s.shardedPath(sub, h.Hex())); err == nil {
			return fi.Size(), nil
		}
	}
	return 0, wrapKind(KindNotFound, fmt.Errorf("size: %s", h.Hex()))
}

// WriteBlob stores raw binary payload data, addressed by its own hash.
func (s *Store) WriteBlob(data []byte) (Hash, WriteStatus, error) {
	h := Sum(data)
	status, err := s.writeRaw("blobs", h, data)
	return h, status, err
}

// ReadBlob returns the raw bytes stored at blobs/<h>.
func (s *Store) ReadBlob(h Hash) ([]byte, error) { return s.readRaw("blobs", h) }

// WriteClob stores raw text payload data, addressed by its own hash.
func (s *Store) WriteClob(data []byte) (Hash, WriteStatus, error) {
	h := Sum(data)
	status, err := s.writeRaw("clobs", h, data)
	return h, status, err
}

// ReadClob returns the raw bytes stored at clobs/<h>.
func (s *Store) ReadClob(h Hash) ([]byte, error) { return s.readRaw("clobs", h) }

// WriteObject encodes obj per reg and stores it, serialized per the
// object's own resulting hash (which is stable regardless of caller, so
// this mostly protects against two goroutines racing to write the exact
// same bytes rather than protecting unrelated writes).
func (s *Store) WriteObject(ctx context.Context, reg *RecipeRegistry, obj Object) (Hash, WriteStatus, error) {
	data, err := Encode(reg, obj)
	if err != nil {
		return Hash{}, 0, err
	}
	h := Sum(data)
	release, err := s.locks.Lock(ctx, h.Hex())
	if err != nil {
		return Hash{}, 0, err
	}
	defer release()
	status, err := s.writeRaw("objects", h, data)
	if err != nil {
		return Hash{}, 0, err
	}
	if status == StatusNew {
		s.fireOnObject(h, obj)
	}
	return h, status, nil
}

// ReadObject reads and decodes the object stored at hash h.
func (s *Store) ReadObject(reg *RecipeRegistry, h Hash) (Object, error) {
	data, err := s.readRaw("objects", h)
	if err != nil {
		return Object{}, err
	}
	obj, err := Decode(reg, data)
	if err != nil {
		return Object{}, err
	}
	if got := Sum(data); got != h {
		return Object{}, wrapKind(KindHashMismatch, fmt.Errorf("readObject: stored bytes hash to %s, filename is %s", got.Hex(), h.Hex()))
	}
	return obj, nil
}

// boundResolver closes over a Store and RecipeRegistry pair so the CRDT
// engine's ObjectResolver interface doesn't need to carry a registry
// parameter through every call.
type boundResolver struct {
	store *Store
	reg   *RecipeRegistry
}

func (b *boundResolver) ResolveObject(h Hash) (Object, error) { return b.store.ReadObject(b.reg, h) }
func (b *boundResolver) StoreObject(obj Object) (Hash, error) {
	h, _, err := b.store.WriteObject(context.Background(), b.reg, obj)
	return h, err
}

// BindResolver returns the ObjectResolver the CRDT engine should use for
// merges against this store under reg.
func (s *Store) BindResolver(reg *RecipeRegistry) ObjectResolver {
	return &boundResolver{store: s, reg: reg}
}

// WriteIDObject stores obj's ID-projection, keyed by its own ID-hash. This
// is how a versioned object's identity-defining fields get addressed
// independent of any particular version.
func (s *Store) WriteIDObject(ctx context.Context, reg *RecipeRegistry, obj Object) (Hash, WriteStatus, error) {
	data, err := IDEncode(reg, obj)
	if err != nil {
		return Hash{}, 0, err
	}
	h := Sum(data)
	release, err := s.locks.Lock(ctx, h.Hex())
	if err != nil {
		return Hash{}, 0, err
	}
	defer release()
	status, err := s.writeRaw("objects", h, data)
	if err != nil {
		return Hash{}, 0, err
	}
	if status == StatusNew {
		s.fireOnIDObject(h, obj)
	}
	return h, status, nil
}

// ReadIDObject reads and decodes an ID-projection object.
func (s *Store) ReadIDObject(reg *RecipeRegistry, h Hash) (Object, error) {
	data, err := s.readRaw("objects", h)
	if err != nil {
		return Object{}, err
	}
	return DecodeIDObject(reg, data)
}

// WriteHead atomically advances the head pointer for idHash to node,
// serialized per idHash so two concurrent advances on the same ID never
// interleave.
func (s *Store) WriteHead(ctx context.Context, idHash, node Hash) error {
	release, err := s.locks.Lock(ctx, "head:"+idHash.Hex())
	if err != nil {
		return err
	}
	defer release()
	path := filepath.Join(s.dir, "vheads", idHash.Hex())
	if err := atomicWriteFile(path, []byte(node.Hex())); err != nil {
		return wrapKind(KindInvalidState, err)
	}
	if s.cache != nil {
		s.cache.Add("vheads/"+idHash.Hex(), []byte(node.Hex()))
	}
	s.fireOnHeadAdvanced(idHash, node)
	return nil
}

// ReadHead returns the current head node hash for idHash, or ErrNotFound
// if idHash has never had a version written.
func (s *Store) ReadHead(idHash Hash) (Hash, error) {
	if s.cache != nil {
		if v, ok := s.cache.Get("vheads/" + idHash.Hex()); ok {
			return ParseHash(string(v))
		}
	}
	data, err := os.ReadFile(filepath.Join(s.dir, "vheads", idHash.Hex()))
	if err != nil {
		if os.IsNotExist(err) {
			return Hash{}, wrapKind(KindNotFound, fmt.Errorf("vheads/%s", idHash.Hex()))
		}
		return Hash{}, wrapKind(KindInvalidState, err)
	}
	return ParseHash(string(data))
}

// atomicWriteFile writes data to path via write-tmp, fsync, rename, so a
// reader never observes a partial file and a crash mid-write leaves the
// previous contents (or nothing) rather than a torn one.
func atomicWriteFile(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// OnObjectWritten registers a callback invoked after a new (non-duplicate)
// object is written, used by the reverse-index layer and live-mode export.
func (s *Store) OnObjectWritten(fn func(hash Hash, obj Object)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onObject = append(s.onObject, fn)
}

// OnIDObjectWritten registers a callback invoked after a new ID-object is
// written.
func (s *Store) OnIDObjectWritten(fn func(idHash Hash, obj Object)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onIDObj = append(s.onIDObj, fn)
}

// OnHeadAdvanced registers a callback invoked after a head pointer moves.
func (s *Store) OnHeadAdvanced(fn func(idHash, newHead Hash)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onHeadAdv = append(s.onHeadAdv, fn)
}

func (s *Store) fireOnObject(hash Hash, obj Object) {
	s.mu.Lock()
	cbs := append([]func(Hash, Object){}, s.onObject...)
	s.mu.Unlock()
	for _, cb := range cbs {
		cb(hash, obj)
	}
}

func (s *Store) fireOnIDObject(hash Hash, obj Object) {
	s.mu.Lock()
	cbs := append([]func(Hash, Object){}, s.onIDObj...)
	s.mu.Unlock()
	for _, cb := range cbs {
		cb(hash, obj)
	}
}

func (s *Store) fireOnHeadAdvanced(idHash, newHead Hash) {
	s.mu.Lock()
	cbs := append([]func(Hash, Hash){}, s.onHeadAdv...)
	s.mu.Unlock()
	for _, cb := range cbs {
		cb(idHash, newHead)
	}
}
