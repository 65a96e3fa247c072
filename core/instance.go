package core

// instance.go - the bootstrap contract: initInstance/closeInstance/
// deleteInstance/instanceExists/calculateInstanceIdHash, and the
// in-memory keychain a secret unlocks. Grounded on
// core/initialization_replication.go's single-active-node guard and
// core/content_node.go's construction-wires-all-subsystems pattern.

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"go.uber.org/zap"
)

var (
	activeMu  sync.Mutex
	activeOne *Instance
)

// InstanceConfig is the full bootstrap argument set.
type InstanceConfig struct {
	Name                string
	Email               string
	Secret              string // required when EncryptionRequested is true
	EncryptionRequested bool
	Recipes             []*Recipe
	ReverseMap          ReverseMapConfig
	Directory           string
	HashPrefixChars     int
	CacheSize           int
	Logger              *zap.Logger
}

// Instance is the live, opened storage runtime: every subsystem wired
// together, plus the in-memory keychain a secret unlocked.
type Instance struct {
	IDHash    Hash
	PersonID  Hash
	Name      string
	Email     string
	Directory string

	Store        *Store
	Registry     *RecipeRegistry
	ReverseIndex *ReverseIndex
	VersionTree  *VersionTree
	Resolver     *Resolver

	keychainMu sync.Mutex
	keychain   map[string][]byte
	closed     bool
}

// PersonIDHash returns the ID-hash a Person keyed by email resolves to,
// independent of any other field on that Person's current version.
func PersonIDHash(reg *RecipeRegistry, email string) (Hash, error) {
	obj := Person{Email: email}.ToObject()
	data, err := IDEncode(reg, obj)
	if err != nil {
		return Hash{}, err
	}
	return Sum(data), nil
}

// CalculateInstanceIdHash is deterministic from (name, email) alone: it
// first derives the owning person's ID-hash, then the ID-hash of the
// Instance keyed by (name, ownerPersonId).
func CalculateInstanceIdHash(reg *RecipeRegistry, name, email string) (Hash, error) {
	personID, err := PersonIDHash(reg, email)
	if err != nil {
		return Hash{}, err
	}
	obj := Instance{Name: name, OwnerPersonID: personID}.ToObject()
	data, err := IDEncode(reg, obj)
	if err != nil {
		return Hash{}, err
	}
	return Sum(data), nil
}

// InstanceExists reports whether (name, email) already has a head written
// under directory, without opening it.
func InstanceExists(directory string, reg *RecipeRegistry, name, email string) (bool, error) {
	idHash, err := CalculateInstanceIdHash(reg, name, email)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(filepath.Join(directory, "vheads", idHash.Hex()))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// DeleteInstance removes every file under directory. Callers must ensure
// the instance is not the currently active one.
func DeleteInstance(directory string) error {
	activeMu.Lock()
	defer activeMu.Unlock()
	if activeOne != nil && activeOne.Directory == directory {
		return wrapKind(KindInvalidState, fmt.Errorf("deleteInstance: %s is currently open", directory))
	}
	return os.RemoveAll(directory)
}

// InitInstance opens (or creates) the instance described by cfg, wiring
// the object store, reverse index, version tree, and authorization
// resolver together. Only one instance may be active per process;
// calling this while another is open fails with ErrAlreadyInitialized.
func InitInstance(cfg InstanceConfig) (*Instance, error) {
	activeMu.Lock()
	defer activeMu.Unlock()
	if activeOne != nil {
		return nil, ErrAlreadyInitialized
	}
	if cfg.EncryptionRequested && cfg.Secret == "" {
		return nil, ErrInvalidSecret
	}

	reg := NewRecipeRegistry(InitialRecipes())
	for _, r := range cfg.Recipes {
		reg.Register(r)
	}

	store, err := NewStore(StoreOptions{
		Directory:       cfg.Directory,
		HashPrefixChars: cfg.HashPrefixChars,
		CacheSize:       cfg.CacheSize,
	}, cfg.Logger)
	if err != nil {
		return nil, err
	}

	rindex := NewReverseIndex(store, reg, cfg.ReverseMap, nowUnix)
	vt := NewVersionTree(store, reg, nowUnix)
	vt.SetReverseIndex(rindex)
	resolver := NewResolver(store, reg, rindex, vt)

	personID, err := PersonIDHash(reg, cfg.Email)
	if err != nil {
		return nil, err
	}
	idHash, err := CalculateInstanceIdHash(reg, cfg.Name, cfg.Email)
	if err != nil {
		return nil, err
	}

	inst := &Instance{
		IDHash:       idHash,
		PersonID:     personID,
		Name:         cfg.Name,
		Email:        cfg.Email,
		Directory:    cfg.Directory,
		Store:        store,
		Registry:     reg,
		ReverseIndex: rindex,
		VersionTree:  vt,
		Resolver:     resolver,
		keychain:     make(map[string][]byte),
	}

	if err := inst.unlockKeychain(cfg.Secret); err != nil {
		return nil, err
	}

	activeOne = inst
	return inst, nil
}

// unlockKeychain generates a fresh Ed25519 signing keypair on every call
// and holds it in the in-memory keychain only; the key is not persisted, so
// each open of the instance gets a new one. The secret is kept only as a
// fingerprint and gates nothing cryptographically.
func (inst *Instance) unlockKeychain(secret string) error {
	priv, _, err := p2pcrypto.GenerateEd25519Key(nil)
	if err != nil {
		return wrapKind(KindInvalidState, err)
	}
	raw, err := p2pcrypto.MarshalPrivateKey(priv)
	if err != nil {
		return wrapKind(KindInvalidState, err)
	}
	inst.keychainMu.Lock()
	defer inst.keychainMu.Unlock()
	fingerprint := Sum([]byte(secret))
	inst.keychain["signing"] = raw
	inst.keychain["secret-fingerprint"] = fingerprint[:]
	return nil
}

// SigningKey returns the raw marshaled private signing key, or nil if the
// instance has been closed.
func (inst *Instance) SigningKey() []byte {
	inst.keychainMu.Lock()
	defer inst.keychainMu.Unlock()
	return inst.keychain["signing"]
}

// Close releases the process-wide singleton slot and zeroes the in-memory
// keychain. The on-disk store is left exactly as it was; nothing is
// flushed because object and head writes go through atomicWriteFile and
// reverse-index appends are fsynced before they return.
func (inst *Instance) Close() error {
	activeMu.Lock()
	defer activeMu.Unlock()
	if activeOne != inst {
		return wrapKind(KindInvalidState, fmt.Errorf("closeInstance: not the active instance"))
	}
	inst.keychainMu.Lock()
	for k := range inst.keychain {
		delete(inst.keychain, k)
	}
	inst.closed = true
	inst.keychainMu.Unlock()
	activeOne = nil
	return nil
}

func nowUnix() int64 { return time.Now().Unix() }
