package core

// chum_session.go - orchestrates one Chum pairing end to end: exchanges a
// handshake, runs the exporter and importer roles concurrently over one
// channel, and writes the audit Chum record both peers compute to the
// same hash. Grounded on core/initialization_replication.go's
// session-scoped bootstrap-then-stream shape.

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SessionConfig configures one Chum pairing between the local instance and
// one remote peer reached over channel.
type SessionConfig struct {
	Channel MessageChannel

	Local  *Instance
	Remote struct {
		PersonID     Hash
		InstanceName string
	}

	Policy            CallerPolicy
	Live              bool
	ReconcileInterval time.Duration
	Log               *zap.Logger

	// Health, if non-nil, receives the completed session's transfer
	// counts and errors.
	Health *HealthLogger
}

// Session runs both Chum roles over one channel and, on completion,
// records the transfer in a ChumRecord.
type Session struct {
	cfg      SessionConfig
	exporter *Exporter
	importer *Importer
	counts   *TransferCounts
}

// NewSession builds a Session from cfg. The exporter serves cfg.Local's
// accessible closure as seen by cfg.Remote.PersonID; the importer persists
// whatever the remote side offers in return.
func NewSession(cfg SessionConfig) *Session {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	counts := &TransferCounts{}
	exp := NewExporter(ExporterConfig{
		Channel:           cfg.Channel,
		Store:             cfg.Local.Store,
		Registry:          cfg.Local.Registry,
		Resolver:          cfg.Local.Resolver,
		RemotePersonID:    cfg.Remote.PersonID,
		Policy:            cfg.Policy,
		Live:              cfg.Live,
		ReconcileInterval: cfg.ReconcileInterval,
		Counts:            counts,
		Log:               cfg.Log,
	})
	imp := NewImporter(ImporterConfig{
		Channel:  cfg.Channel,
		Store:    cfg.Local.Store,
		Registry: cfg.Local.Registry,
		Tree:     cfg.Local.VersionTree,
		Counts:   counts,
		Log:      cfg.Log,
	})
	return &Session{cfg: cfg, exporter: exp, importer: imp, counts: counts}
}

// PerformHandshake exchanges a MsgHandshake frame over ch carrying each
// side's person ID-hash and returns the remote's. It is symmetric: the
// side that dialed and the side that accepted call it identically, since
// which end speaks first doesn't matter once both sends happen
// concurrently with the blocking receive. Callers use the returned hash
// to fill in SessionConfig.Remote.PersonID before constructing a Session,
// since the exporter needs it to compute the accessible closure it will
// serve.
func PerformHandshake(ctx context.Context, ch MessageChannel, localPersonID Hash) (Hash, error) {
	errCh := make(chan error, 1)
	go func() {
		errCh <- ch.Send(ctx, Message{
			RequestID: uuid.NewString(),
			Kind:      MsgHandshake,
			PersonID:  localPersonID,
			Timestamp: time.Now().Unix(),
		})
	}()
	m, err := ch.Recv(ctx)
	if sendErr := <-errCh; sendErr != nil {
		return Hash{}, sendErr
	}
	if err != nil {
		return Hash{}, err
	}
	if m.Kind != MsgHandshake {
		return Hash{}, wrapKind(KindDecode, fmt.Errorf("expected handshake, got %s", m.Kind))
	}
	return m.PersonID, nil
}

// Run drives the exporter and importer concurrently, routing every
// inbound message to whichever role it belongs to, until ctx is
// cancelled (live mode) or both roles report full sync (one-shot mode).
// It always writes a ChumRecord before returning, even when the sync
// itself failed partway. Callers must have already resolved
// cfg.Remote.PersonID, typically via PerformHandshake.
func (s *Session) Run(ctx context.Context) (*ChumRecord, error) {
	start := time.Now()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	var exportErr, recvLoopErr error

	wg.Add(1)
	go func() {
		defer wg.Done()
		exportErr = s.exporter.Run(runCtx)
	}()

	done := make(chan struct{})
	if !s.cfg.Live {
		go func() {
			select {
			case <-s.exporter.FullSyncReached():
			case <-runCtx.Done():
			}
			select {
			case <-s.importer.OnFirstSync():
			case <-runCtx.Done():
			}
			close(done)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			m, err := s.cfg.Channel.Recv(runCtx)
			if err != nil {
				if runCtx.Err() == nil {
					recvLoopErr = err
				}
				return
			}
			switch m.Kind {
			case MsgNeed, MsgNotNeed, MsgAck:
				if err := s.exporter.Handle(runCtx, m); err != nil {
					s.cfg.Log.Warn("exporter handle", zap.Error(err))
				}
			case MsgOffer, MsgBody, MsgDone:
				if err := s.importer.Handle(runCtx, m); err != nil {
					s.cfg.Log.Warn("importer handle", zap.Error(err))
				}
			case MsgError:
				s.exporter.Handle(runCtx, m)
				s.importer.Handle(runCtx, m)
			}
		}
	}()

	if s.cfg.Live {
		<-runCtx.Done()
	} else {
		select {
		case <-done:
			// Signal the remote side we've offered everything we have.
			s.cfg.Channel.Send(runCtx, Message{RequestID: uuid.NewString(), Kind: MsgDone})
		case <-runCtx.Done():
		}
	}
	cancel()
	// The inbound-read goroutine above blocks in Channel.Recv regardless
	// of runCtx, since a MessageChannel implementation isn't required to
	// honor context cancellation on a call already in flight. Closing the
	// channel unblocks it with a connection-closed error.
	s.cfg.Channel.Close()
	wg.Wait()

	record := s.buildRecord()
	if s.cfg.Health != nil {
		s.cfg.Health.RecordChumRecord(record, time.Since(start))
	}
	if err := s.persistRecord(ctx, record); err != nil {
		return record, err
	}
	if exportErr != nil {
		return record, exportErr
	}
	if recvLoopErr != nil && ctx.Err() == nil {
		return record, recvLoopErr
	}
	return record, nil
}

// buildRecord maps this side's Sent/Received counters onto the record's
// AtoB/BtoA buckets, ordering the two instance names/person IDs so both
// peers compute the exact same ChumRecord regardless of which one
// initiated the session.
func (s *Session) buildRecord() *ChumRecord {
	sent, received := s.counts.snapshot()

	localName, remoteName := s.cfg.Local.Name, s.cfg.Remote.InstanceName
	localID, remoteID := s.cfg.Local.PersonID, s.cfg.Remote.PersonID

	localIsA := localID.Hex() < remoteID.Hex()

	rec := &ChumRecord{
		Counts: make(map[TransferBucket]uint64, len(AllBuckets)),
	}
	if localIsA {
		rec.Name = "chum:" + localID.Hex() + ":" + remoteID.Hex()
		rec.InstanceAName, rec.InstanceBName = localName, remoteName
		rec.PersonAID, rec.PersonBID = localID, remoteID
		rec.Counts[BucketAtoBObjects] = sent.Objects
		rec.Counts[BucketAtoBIdObjects] = sent.IDObjects
		rec.Counts[BucketAtoBBlob] = sent.Blob
		rec.Counts[BucketAtoBClob] = sent.Clob
		rec.Counts[BucketBtoAObjects] = received.Objects
		rec.Counts[BucketBtoAIdObjects] = received.IDObjects
		rec.Counts[BucketBtoABlob] = received.Blob
		rec.Counts[BucketBtoAClob] = received.Clob
	} else {
		rec.Name = "chum:" + remoteID.Hex() + ":" + localID.Hex()
		rec.InstanceAName, rec.InstanceBName = remoteName, localName
		rec.PersonAID, rec.PersonBID = remoteID, localID
		rec.Counts[BucketBtoAObjects] = sent.Objects
		rec.Counts[BucketBtoAIdObjects] = sent.IDObjects
		rec.Counts[BucketBtoABlob] = sent.Blob
		rec.Counts[BucketBtoAClob] = sent.Clob
		rec.Counts[BucketAtoBObjects] = received.Objects
		rec.Counts[BucketAtoBIdObjects] = received.IDObjects
		rec.Counts[BucketAtoBBlob] = received.Blob
		rec.Counts[BucketAtoBClob] = received.Clob
	}

	rec.Errors = append(rec.Errors, s.exporter.Errors()...)
	rec.Errors = append(rec.Errors, s.importer.Errors()...)
	return rec
}

// persistRecord writes rec as a new version under its ID-hash, merging
// with any existing version via the local instance's version tree (the
// remote side will independently write the same content, so the stores
// converge to an identical head without either side needing the other's
// write to land first).
func (s *Session) persistRecord(ctx context.Context, rec *ChumRecord) error {
	inst := s.cfg.Local
	obj := rec.ToObject()

	idData, err := IDEncode(inst.Registry, obj)
	if err != nil {
		return err
	}
	idHash := Sum(idData)

	data, err := Encode(inst.Registry, obj)
	if err != nil {
		return err
	}
	dataHash := Sum(data)

	if _, _, err := inst.Store.WriteIDObject(ctx, inst.Registry, obj); err != nil {
		return err
	}
	if _, _, err := inst.Store.WriteObject(ctx, inst.Registry, obj); err != nil {
		return err
	}
	_, err = inst.VersionTree.Apply(ctx, idHash, dataHash, MergePolicy, nil)
	return err
}
