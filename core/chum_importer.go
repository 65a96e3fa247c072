package core

// chum_importer.go - the receiving half of a Chum session: answers offers
// with need/not-need, verifies arriving bodies hash to what was
// advertised, and persists them, running the version tree's MERGE policy
// for versioned data once both a data object and its version node (or the
// drain signal, for an Edge-wrap fallback) are in hand. Grounded on
// core/initialization_replication.go's receive-validate-persist loop.

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ImporterConfig configures one Importer instance for one remote peer.
type ImporterConfig struct {
	Channel  MessageChannel
	Store    *Store
	Registry *RecipeRegistry
	Tree     *VersionTree
	Counts   *TransferCounts
	Log      *zap.Logger
}

// Importer receives and persists one remote peer's offered closure.
type Importer struct {
	cfg ImporterConfig

	mu            sync.Mutex
	pendingData   map[Hash]Object      // versioned data objects awaiting their version node
	pendingNodes  map[Hash]VersionNode // version nodes awaiting their data object, keyed by node.Data
	requestedSet  map[Hash]bool        // hashes we sent `need` for and are still awaiting a body
	initialWanted int                  // size of the initial `need` set, for onFirstSync
	errs          []string

	firstSyncOnce sync.Once
	firstSyncCh   chan struct{}
}

// NewImporter builds an Importer for cfg.
func NewImporter(cfg ImporterConfig) *Importer {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	return &Importer{
		cfg:          cfg,
		pendingData:  make(map[Hash]Object),
		pendingNodes: make(map[Hash]VersionNode),
		requestedSet: make(map[Hash]bool),
		firstSyncCh:  make(chan struct{}),
	}
}

// Errors returns the accumulated per-item error log.
func (im *Importer) Errors() []string {
	im.mu.Lock()
	defer im.mu.Unlock()
	return append([]string{}, im.errs...)
}

func (im *Importer) logErr(format string, args ...any) {
	im.mu.Lock()
	im.errs = append(im.errs, fmt.Sprintf(format, args...))
	im.mu.Unlock()
}

// OnFirstSync is closed once the importer has resolved every hash it
// requested during the initial offer burst.
func (im *Importer) OnFirstSync() <-chan struct{} { return im.firstSyncCh }

// Handle processes one inbound message addressed to the importer role
// (offer, body, done).
func (im *Importer) Handle(ctx context.Context, m Message) error {
	switch m.Kind {
	case MsgOffer:
		return im.handleOffer(ctx, m)
	case MsgBody:
		return im.handleBody(ctx, m)
	case MsgDone:
		return im.handleDone(ctx)
	case MsgError:
		im.logErr("peer reported error for %s: %s", m.Hash.Hex(), m.ErrorText)
	}
	return nil
}

func (im *Importer) handleOffer(ctx context.Context, m Message) error {
	if im.cfg.Store.Exists(m.Hash) {
		return im.cfg.Channel.Send(ctx, Message{RequestID: m.RequestID, Kind: MsgNotNeed, Hash: m.Hash})
	}
	im.mu.Lock()
	im.requestedSet[m.Hash] = true
	im.mu.Unlock()
	return im.cfg.Channel.Send(ctx, Message{RequestID: m.RequestID, Kind: MsgNeed, Hash: m.Hash})
}

func (im *Importer) handleBody(ctx context.Context, m Message) error {
	if got := Sum(m.Bytes); got != m.Hash {
		im.logErr("hash mismatch: advertised %s, got %s", m.Hash.Hex(), got.Hex())
		return im.ack(ctx, m.Hash)
	}

	switch m.RefKind {
	case RefBlob:
		if _, _, err := im.cfg.Store.WriteBlob(m.Bytes); err != nil {
			im.logErr("write blob %s: %v", m.Hash.Hex(), err)
		}
		im.cfg.Counts.addReceived(RefBlob)
	case RefClob:
		if _, _, err := im.cfg.Store.WriteClob(m.Bytes); err != nil {
			im.logErr("write clob %s: %v", m.Hash.Hex(), err)
		}
		im.cfg.Counts.addReceived(RefClob)
	case RefId:
		if _, _, err := im.cfg.Store.WriteObjectBytes(m.Bytes); err != nil {
			im.logErr("write id-object %s: %v", m.Hash.Hex(), err)
		}
		im.cfg.Counts.addReceived(RefId)
	case RefObj:
		if err := im.handleObjectBody(ctx, m.Bytes); err != nil {
			im.logErr("persist object %s: %v", m.Hash.Hex(), err)
		}
		im.cfg.Counts.addReceived(RefObj)
	}

	im.mu.Lock()
	delete(im.requestedSet, m.Hash)
	remaining := len(im.requestedSet)
	im.mu.Unlock()
	if remaining == 0 {
		im.firstSyncOnce.Do(func() { close(im.firstSyncCh) })
	}
	return im.ack(ctx, m.Hash)
}

func (im *Importer) ack(ctx context.Context, h Hash) error {
	return im.cfg.Channel.Send(ctx, Message{RequestID: h.Hex(), Kind: MsgAck, Hash: h})
}

func (im *Importer) handleObjectBody(ctx context.Context, data []byte) error {
	if _, _, err := im.cfg.Store.WriteObjectBytes(data); err != nil {
		return err
	}
	obj, err := Decode(im.cfg.Registry, data)
	if err != nil {
		return err
	}

	if obj.Type == versionNodeRecipe.TypeName {
		node, err := nodeFromObject(obj)
		if err != nil {
			return err
		}
		return im.pairNode(ctx, node)
	}

	recipe := im.cfg.Registry.Lookup(obj.Type)
	if recipe == nil || !recipe.Versioned {
		return nil // unversioned: writeObject above already persisted it
	}
	return im.pairData(ctx, obj)
}

// pairData and pairNode implement the "data object and its version node
// may arrive in either order" matching described in handleObjectBody's
// caller: whichever arrives second triggers the merge.
func (im *Importer) pairData(ctx context.Context, obj Object) error {
	data, err := Encode(im.cfg.Registry, obj)
	if err != nil {
		return err
	}
	dataHash := Sum(data)

	im.mu.Lock()
	node, ok := im.pendingNodes[dataHash]
	if ok {
		delete(im.pendingNodes, dataHash)
	} else {
		im.pendingData[dataHash] = obj
	}
	im.mu.Unlock()

	if ok {
		return im.mergeVersioned(ctx, obj, dataHash, &node)
	}
	return nil
}

func (im *Importer) pairNode(ctx context.Context, node VersionNode) error {
	im.mu.Lock()
	obj, ok := im.pendingData[node.Data]
	if ok {
		delete(im.pendingData, node.Data)
	} else {
		im.pendingNodes[node.Data] = node
	}
	im.mu.Unlock()

	if ok {
		return im.mergeVersioned(ctx, obj, node.Data, &node)
	}
	return nil
}

func (im *Importer) mergeVersioned(ctx context.Context, obj Object, dataHash Hash, node *VersionNode) error {
	idData, err := IDEncode(im.cfg.Registry, obj)
	if err != nil {
		return err
	}
	idHash := Sum(idData)
	if _, _, err := im.cfg.Store.WriteIDObject(ctx, im.cfg.Registry, obj); err != nil {
		return err
	}
	_, err = im.cfg.Tree.Apply(ctx, idHash, dataHash, MergePolicy, node)
	return err
}

// handleDone flushes any data objects that never got a matching version
// node this session, reconstructing an Edge per the spec's fallback.
func (im *Importer) handleDone(ctx context.Context) error {
	im.mu.Lock()
	leftover := im.pendingData
	im.pendingData = make(map[Hash]Object)
	im.mu.Unlock()

	for dataHash, obj := range leftover {
		if err := im.mergeVersioned(ctx, obj, dataHash, nil); err != nil {
			im.logErr("edge-wrap fallback merge: %v", err)
		}
	}
	// The peer sends done once it has nothing further to offer, including
	// the case where it never offered anything at all; either way this
	// importer's first sync is now complete.
	im.firstSyncOnce.Do(func() { close(im.firstSyncCh) })
	return nil
}
