package core

// network.go - the single full-duplex ordered message channel the Chum
// protocol runs over, plus the libp2p transport that opens one. Grounded
// on core/network.go's host/stream wiring and core/connection_pool.go's
// per-peer connection bookkeeping, narrowed from a general gossip network
// down to exactly the "one reliable channel per pairing" the protocol
// needs.

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"go.uber.org/zap"
)

// ProtocolID is the libp2p stream protocol the Chum channel runs over.
const ProtocolID = protocol.ID("/chumstore/chum/1.0.0")

// MessageKind tags one of the wire message shapes the protocol exchanges
// over a channel: the seven sync messages plus the opening handshake.
type MessageKind string

const (
	MsgOffer    MessageKind = "offer"
	MsgNeed     MessageKind = "need"
	MsgNotNeed  MessageKind = "not-need"
	MsgBody     MessageKind = "body"
	MsgDone     MessageKind = "done"
	MsgAck      MessageKind = "ack"
	MsgError    MessageKind = "error"
	MsgHandshake MessageKind = "handshake"
)

// Message is one frame of the Chum wire protocol. Which fields are
// meaningful depends on Kind; unused fields are left zero.
type Message struct {
	RequestID    string
	Kind         MessageKind
	Hash         Hash
	RefKind      ReferenceKind
	Bytes        []byte
	Timestamp    int64
	ErrorKind    ErrKind
	ErrorText    string
	PersonID     Hash // handshake only
	SinceSeconds int64 // handshake only: requested-since timestamp
}

var chumMessageRecipe = &Recipe{
	TypeName:  "core.ChumMessage",
	Versioned: false,
	Rules: []FieldRule{
		{Name: "requestId", Kind: KindPrimitive},
		{Name: "kind", Kind: KindPrimitive},
		{Name: "hash", Kind: KindPrimitive, Optional: true},
		{Name: "refKind", Kind: KindPrimitive, Optional: true},
		{Name: "bytes", Kind: KindPrimitive, Optional: true},
		{Name: "timestamp", Kind: KindPrimitive, Optional: true},
		{Name: "errorKind", Kind: KindPrimitive, Optional: true},
		{Name: "errorText", Kind: KindPrimitive, Optional: true},
		{Name: "personId", Kind: KindPrimitive, Optional: true},
		{Name: "sinceSeconds", Kind: KindPrimitive, Optional: true},
	},
}

func (m Message) toObject() Object {
	fields := []FieldValue{
		{Name: "requestId", Value: NewString(m.RequestID)},
		{Name: "kind", Value: NewString(string(m.Kind))},
	}
	if m.Hash != (Hash{}) {
		fields = append(fields, FieldValue{Name: "hash", Value: NewString(m.Hash.Hex())})
	}
	if m.RefKind != "" {
		fields = append(fields, FieldValue{Name: "refKind", Value: NewString(string(m.RefKind))})
	}
	if len(m.Bytes) > 0 {
		fields = append(fields, FieldValue{Name: "bytes", Value: NewBytesHex(fmt.Sprintf("%x", m.Bytes))})
	}
	if m.Timestamp != 0 {
		fields = append(fields, FieldValue{Name: "timestamp", Value: NewInt(m.Timestamp)})
	}
	if m.Kind == MsgError {
		fields = append(fields, FieldValue{Name: "errorKind", Value: NewInt(int64(m.ErrorKind))})
		fields = append(fields, FieldValue{Name: "errorText", Value: NewString(m.ErrorText)})
	}
	if m.Kind == MsgHandshake {
		fields = append(fields, FieldValue{Name: "personId", Value: NewString(m.PersonID.Hex())})
		fields = append(fields, FieldValue{Name: "sinceSeconds", Value: NewInt(m.SinceSeconds)})
	}
	return Object{Type: chumMessageRecipe.TypeName, Value: ObjectVal{Fields: fields}}
}

func messageFromObject(obj Object) (Message, error) {
	var m Message
	reqID, _ := obj.Value.Get("requestId")
	kind, _ := obj.Value.Get("kind")
	m.RequestID = reqID.(Primitive).Text
	m.Kind = MessageKind(kind.(Primitive).Text)
	if v, ok := obj.Value.Get("hash"); ok {
		h, err := ParseHash(v.(Primitive).Text)
		if err != nil {
			return Message{}, wrapKind(KindDecode, err)
		}
		m.Hash = h
	}
	if v, ok := obj.Value.Get("refKind"); ok {
		m.RefKind = ReferenceKind(v.(Primitive).Text)
	}
	if v, ok := obj.Value.Get("bytes"); ok {
		var b []byte
		if _, err := fmt.Sscanf(v.(Primitive).Text, "%x", &b); err != nil {
			return Message{}, wrapKind(KindDecode, err)
		}
		m.Bytes = b
	}
	if v, ok := obj.Value.Get("timestamp"); ok {
		fmt.Sscanf(v.(Primitive).Text, "%d", &m.Timestamp)
	}
	if v, ok := obj.Value.Get("errorKind"); ok {
		var k int
		fmt.Sscanf(v.(Primitive).Text, "%d", &k)
		m.ErrorKind = ErrKind(k)
	}
	if v, ok := obj.Value.Get("errorText"); ok {
		m.ErrorText = v.(Primitive).Text
	}
	if v, ok := obj.Value.Get("personId"); ok {
		h, err := ParseHash(v.(Primitive).Text)
		if err == nil {
			m.PersonID = h
		}
	}
	if v, ok := obj.Value.Get("sinceSeconds"); ok {
		fmt.Sscanf(v.(Primitive).Text, "%d", &m.SinceSeconds)
	}
	return m, nil
}

// MessageChannel is one full-duplex ordered message channel. Both the
// libp2p-backed transport and the in-process net.Pipe transport used by
// tests implement it identically.
type MessageChannel interface {
	Send(ctx context.Context, m Message) error
	Recv(ctx context.Context) (Message, error)
	Close() error
}

// streamChannel implements MessageChannel over any io.ReadWriteCloser by
// framing each message as canonical-encoded bytes with a 4-byte
// big-endian length prefix.
type streamChannel struct {
	rw  io.ReadWriteCloser
	reg *RecipeRegistry
	mu  sync.Mutex
}

// NewStreamChannel wraps rw as a MessageChannel. reg must have
// core.ChumMessage registered (NewMessageRegistry does this).
func NewStreamChannel(rw io.ReadWriteCloser, reg *RecipeRegistry) MessageChannel {
	return &streamChannel{rw: rw, reg: reg}
}

// NewMessageRegistry returns a registry with core.ChumMessage registered,
// for callers that don't already have an instance-wide registry handy
// (e.g. a bare transport test).
func NewMessageRegistry() *RecipeRegistry {
	return NewRecipeRegistry([]*Recipe{chumMessageRecipe})
}

func (c *streamChannel) Send(ctx context.Context, m Message) error {
	data, err := Encode(c.reg, m.toObject())
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := c.rw.Write(hdr[:]); err != nil {
		return wrapKind(KindConnectionClosed, err)
	}
	if _, err := c.rw.Write(data); err != nil {
		return wrapKind(KindConnectionClosed, err)
	}
	return nil
}

func (c *streamChannel) Recv(ctx context.Context) (Message, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(c.rw, hdr[:]); err != nil {
		return Message{}, wrapKind(KindConnectionClosed, err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.rw, buf); err != nil {
		return Message{}, wrapKind(KindConnectionClosed, err)
	}
	obj, err := Decode(c.reg, buf)
	if err != nil {
		return Message{}, err
	}
	return messageFromObject(obj)
}

func (c *streamChannel) Close() error { return c.rw.Close() }

// Transport opens and accepts libp2p streams on ProtocolID and exposes a
// pubsub topic per instance ID-hash for live-mode "something changed"
// announcements (the announcement itself carries no payload; recipients
// react by reconciling over their already-open channel).
type Transport struct {
	host host.Host
	ps   *pubsub.PubSub
	reg  *RecipeRegistry
	log  *zap.Logger
}

// NewTransport starts a libp2p host listening on listenAddr, joins mDNS
// discovery under discoveryTag, and starts a gossipsub router.
func NewTransport(ctx context.Context, listenAddr, discoveryTag string, reg *RecipeRegistry, log *zap.Logger) (*Transport, error) {
	if log == nil {
		log = zap.NewNop()
	}
	h, err := libp2p.New(libp2p.ListenAddrStrings(listenAddr))
	if err != nil {
		return nil, wrapKind(KindInvalidState, err)
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, wrapKind(KindInvalidState, err)
	}
	t := &Transport{host: h, ps: ps, reg: reg, log: log.Named("network")}

	notifee := &mdnsNotifee{host: h, log: t.log}
	svc := mdns.NewMdnsService(h, discoveryTag, notifee)
	if err := svc.Start(); err != nil {
		t.log.Warn("mdns discovery unavailable", zap.Error(err))
	}
	return t, nil
}

type mdnsNotifee struct {
	host host.Host
	log  *zap.Logger
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := n.host.Connect(ctx, pi); err != nil {
		n.log.Debug("mdns peer connect failed", zap.String("peer", pi.ID.String()), zap.Error(err))
	}
}

// ListenForChum registers handler to be invoked for every inbound Chum
// stream opened by a peer.
func (t *Transport) ListenForChum(handler func(peer.ID, MessageChannel)) {
	t.host.SetStreamHandler(ProtocolID, func(s network.Stream) {
		handler(s.Conn().RemotePeer(), NewStreamChannel(s, t.reg))
	})
}

// OpenChum dials p and opens a Chum stream.
func (t *Transport) OpenChum(ctx context.Context, p peer.ID) (MessageChannel, error) {
	s, err := t.host.NewStream(ctx, p, ProtocolID)
	if err != nil {
		return nil, wrapKind(KindConnectionClosed, err)
	}
	return NewStreamChannel(s, t.reg), nil
}

// AnnounceTopic returns the gossipsub topic name used for live-mode change
// announcements scoped to instanceIDHash.
func AnnounceTopic(instanceIDHash Hash) string {
	return "chumstore/live/" + instanceIDHash.Hex()
}

// Announce publishes an empty "something changed" message on the topic for
// instanceIDHash. Subscribers react by reconciling over their own already
// open Chum channel, never by reading the announcement payload.
func (t *Transport) Announce(ctx context.Context, instanceIDHash Hash) error {
	topic, err := t.ps.Join(AnnounceTopic(instanceIDHash))
	if err != nil {
		return wrapKind(KindInvalidState, err)
	}
	defer topic.Close()
	return topic.Publish(ctx, []byte("changed"))
}

// Subscribe returns a channel that receives one signal per Announce call
// observed for instanceIDHash's topic, until ctx is done.
func (t *Transport) Subscribe(ctx context.Context, instanceIDHash Hash) (<-chan struct{}, error) {
	topic, err := t.ps.Join(AnnounceTopic(instanceIDHash))
	if err != nil {
		return nil, wrapKind(KindInvalidState, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		topic.Close()
		return nil, wrapKind(KindInvalidState, err)
	}
	out := make(chan struct{}, 1)
	go func() {
		defer topic.Close()
		defer sub.Cancel()
		for {
			if _, err := sub.Next(ctx); err != nil {
				return
			}
			select {
			case out <- struct{}{}:
			default:
			}
		}
	}()
	return out, nil
}

// Close shuts down the libp2p host.
func (t *Transport) Close() error { return t.host.Close() }
