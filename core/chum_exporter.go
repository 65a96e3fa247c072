package core

// chum_exporter.go - serves the accessible closure to one connected peer:
// offers every hash the remote person can see, answers need/not-need with
// bodies, and in live mode keeps streaming as new hashes become
// accessible. Grounded on core/replication.go's push-on-write streaming
// loop and core/distributed_network_coordination.go's accessible-set
// recomputation on membership change.

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TransferCounts accumulates the eight Chum transfer buckets for one
// session, from this side's perspective (Sent = this instance served a
// body, Received = this instance persisted one). ChumSession maps
// Sent/Received onto the record's AtoB/BtoA buckets once both peers'
// identities are known.
type TransferCounts struct {
	mu       sync.Mutex
	Sent     bucketCounts
	Received bucketCounts
}

type bucketCounts struct {
	Objects, IDObjects, Blob, Clob uint64
}

func (t *TransferCounts) addSent(kind ReferenceKind) { t.add(&t.Sent, kind) }
func (t *TransferCounts) addReceived(kind ReferenceKind) { t.add(&t.Received, kind) }

func (t *TransferCounts) add(b *bucketCounts, kind ReferenceKind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch kind {
	case RefObj:
		b.Objects++
	case RefId:
		b.IDObjects++
	case RefBlob:
		b.Blob++
	case RefClob:
		b.Clob++
	}
}

func (t *TransferCounts) snapshot() (bucketCounts, bucketCounts) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Sent, t.Received
}

// ExporterConfig configures one Exporter instance for one remote peer.
type ExporterConfig struct {
	Channel           MessageChannel
	Store             *Store
	Registry          *RecipeRegistry
	Resolver          *Resolver
	RemotePersonID    Hash
	Policy            CallerPolicy
	Live              bool
	ReconcileInterval time.Duration
	Counts            *TransferCounts
	Log               *zap.Logger
}

// Exporter serves one remote peer's accessible closure over a channel.
type Exporter struct {
	cfg ExporterConfig

	mu      sync.Mutex
	offered map[Hash]ReferenceKind // hash -> wire kind, sent but not yet resolved
	acked   map[Hash]bool

	fullSyncOnce sync.Once
	fullSyncCh   chan struct{}
	errs         []string
}

// NewExporter builds an Exporter for cfg.
func NewExporter(cfg ExporterConfig) *Exporter {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 5 * time.Second
	}
	return &Exporter{
		cfg:        cfg,
		offered:    make(map[Hash]ReferenceKind),
		acked:      make(map[Hash]bool),
		fullSyncCh: make(chan struct{}),
	}
}

// Errors returns the accumulated per-item error log.
func (e *Exporter) Errors() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string{}, e.errs...)
}

func (e *Exporter) logErr(format string, args ...any) {
	e.mu.Lock()
	e.errs = append(e.errs, fmt.Sprintf(format, args...))
	e.mu.Unlock()
}

// FullSyncReached is closed the moment the initial closure has drained and
// every sent hash has been acknowledged.
func (e *Exporter) FullSyncReached() <-chan struct{} { return e.fullSyncCh }

// Run drives the export loop until ctx is cancelled (live mode) or the
// initial closure has fully drained (one-shot mode).
func (e *Exporter) Run(ctx context.Context) error {
	if err := e.offerClosure(ctx); err != nil {
		return err
	}

	if !e.cfg.Live {
		e.checkFullSync()
		return nil
	}

	unsub := e.subscribeLive(ctx)
	defer unsub()

	ticker := time.NewTicker(e.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.offerClosure(ctx); err != nil {
				e.logErr("reconcile offer: %v", err)
			}
		}
	}
}

func (e *Exporter) subscribeLive(ctx context.Context) func() {
	var stopped bool
	var mu sync.Mutex
	stop := func() {
		mu.Lock()
		stopped = true
		mu.Unlock()
	}
	notify := func(h Hash, rk ReferenceKind) {
		mu.Lock()
		if stopped {
			mu.Unlock()
			return
		}
		mu.Unlock()
		e.offerIfAccessible(ctx, h, rk)
	}
	e.cfg.Store.OnObjectWritten(func(hash Hash, obj Object) { notify(hash, RefObj) })
	e.cfg.Store.OnIDObjectWritten(func(hash Hash, obj Object) { notify(hash, RefId) })
	return stop
}

func (e *Exporter) offerIfAccessible(ctx context.Context, h Hash, rk ReferenceKind) {
	acc, err := e.cfg.Resolver.AccessibleFrom(e.cfg.RemotePersonID, e.cfg.Policy)
	if err != nil {
		e.logErr("live accessibility check: %v", err)
		return
	}
	if _, ok := acc[h]; !ok {
		return
	}
	if err := e.offer(ctx, h, rk); err != nil {
		e.logErr("live offer %s: %v", h.Hex(), err)
	}
}

// offerClosure computes the accessible closure and offers every hash not
// already offered this session.
func (e *Exporter) offerClosure(ctx context.Context) error {
	acc, err := e.cfg.Resolver.AccessibleFrom(e.cfg.RemotePersonID, e.cfg.Policy)
	if err != nil {
		return err
	}
	expanded, err := expandClosure(e.cfg.Store, e.cfg.Registry, acc)
	if err != nil {
		return err
	}
	for h, rk := range expanded {
		e.mu.Lock()
		_, already := e.offered[h]
		e.mu.Unlock()
		if already {
			continue
		}
		if err := e.offer(ctx, h, rk); err != nil {
			e.logErr("offer %s: %v", h.Hex(), err)
		}
	}
	return nil
}

func (e *Exporter) offer(ctx context.Context, h Hash, rk ReferenceKind) error {
	e.mu.Lock()
	e.offered[h] = rk
	e.mu.Unlock()
	return e.cfg.Channel.Send(ctx, Message{RequestID: h.Hex(), Kind: MsgOffer, Hash: h, RefKind: rk})
}

// Handle processes one inbound message addressed to the exporter role
// (need, not-need, ack).
func (e *Exporter) Handle(ctx context.Context, m Message) error {
	switch m.Kind {
	case MsgNeed:
		return e.serveBody(ctx, m.Hash)
	case MsgNotNeed:
		e.mu.Lock()
		e.acked[m.Hash] = true
		e.mu.Unlock()
		e.checkFullSync()
	case MsgAck:
		e.mu.Lock()
		e.acked[m.Hash] = true
		e.mu.Unlock()
		e.checkFullSync()
	}
	return nil
}

func (e *Exporter) serveBody(ctx context.Context, h Hash) error {
	e.mu.Lock()
	rk := e.offered[h]
	e.mu.Unlock()

	var data []byte
	var err error
	switch rk {
	case RefObj:
		data, err = e.cfg.Store.ReadObjectBytes(h)
	case RefId:
		data, err = e.cfg.Store.ReadObjectBytes(h) // id-objects live under objects/ too
	case RefBlob:
		data, err = e.cfg.Store.ReadBlob(h)
	case RefClob:
		data, err = e.cfg.Store.ReadClob(h)
	}
	if err != nil {
		return e.cfg.Channel.Send(ctx, Message{RequestID: h.Hex(), Kind: MsgError, Hash: h, ErrorKind: KindNotFound, ErrorText: err.Error()})
	}
	e.cfg.Counts.addSent(rk)
	return e.cfg.Channel.Send(ctx, Message{RequestID: h.Hex(), Kind: MsgBody, Hash: h, RefKind: rk, Bytes: data})
}

func (e *Exporter) checkFullSync() {
	e.mu.Lock()
	done := len(e.acked) >= len(e.offered)
	for h := range e.offered {
		if !e.acked[h] {
			done = false
			break
		}
	}
	e.mu.Unlock()
	if done {
		e.fullSyncOnce.Do(func() { close(e.fullSyncCh) })
	}
}

// expandClosure walks every accessible hash's own reference fields,
// following referenceToObj/Id/Blob/Clob edges so the export includes
// everything an accessible object needs to be usable, not just the
// grant-reachable roots themselves.
func expandClosure(store *Store, reg *RecipeRegistry, acc map[Hash]*AccessibleItem) (map[Hash]ReferenceKind, error) {
	out := make(map[Hash]ReferenceKind, len(acc))
	queue := make([]Hash, 0, len(acc))
	for h, item := range acc {
		rk := RefObj
		if item.Kind == KindIDObject {
			rk = RefId
		}
		out[h] = rk
		queue = append(queue, h)
	}
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		rk := out[h]
		if rk != RefObj {
			continue // only plain objects carry further structured references to walk
		}
		data, err := store.ReadObjectBytes(h)
		if err != nil {
			continue
		}
		obj, err := Decode(reg, data)
		if err != nil {
			continue
		}
		for _, ref := range collectRefs(obj.Value) {
			if _, seen := out[ref.Hash]; seen {
				continue
			}
			out[ref.Hash] = ref.RKind
			queue = append(queue, ref.Hash)
		}
	}
	return out, nil
}
