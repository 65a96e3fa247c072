package core_test

import (
	"context"
	"net"
	"testing"
	"time"

	core "chumstore/core"
	"chumstore/internal/testutil"
)

// pipeInstance builds a fully-wired Instance by hand, bypassing
// InitInstance's process-wide singleton guard so a single test can run
// two peers concurrently in one process.
func pipeInstance(t *testing.T, name, email string) *core.Instance {
	t.Helper()
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}
	t.Cleanup(func() { sb.Cleanup() })

	reg := core.NewRecipeRegistry(core.InitialRecipes())
	store, err := core.NewStore(core.StoreOptions{Directory: sb.Root, HashPrefixChars: 2, CacheSize: 64}, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	cfg := core.ReverseMapConfig{
		ObjectTypes: map[string]bool{"Access": true},
		IDTypes:     map[string]bool{"Access": true, "IdAccess": true, "Group": true},
	}
	rindex := core.NewReverseIndex(store, reg, cfg, func() int64 { return time.Now().Unix() })
	vt := core.NewVersionTree(store, reg, func() int64 { return time.Now().Unix() })
	vt.SetReverseIndex(rindex)
	resolver := core.NewResolver(store, reg, rindex, vt)

	personID, err := core.PersonIDHash(reg, email)
	if err != nil {
		t.Fatalf("person id hash: %v", err)
	}
	idHash, err := core.CalculateInstanceIdHash(reg, name, email)
	if err != nil {
		t.Fatalf("instance id hash: %v", err)
	}

	return &core.Instance{
		IDHash:       idHash,
		PersonID:     personID,
		Name:         name,
		Email:        email,
		Directory:    sb.Root,
		Store:        store,
		Registry:     reg,
		ReverseIndex: rindex,
		VersionTree:  vt,
		Resolver:     resolver,
	}
}

// TestSessionSyncsAnAccessibleTarget pairs two in-process instances over
// an in-memory net.Pipe channel (no libp2p sockets), grants the remote
// peer access to one object on the local side, and checks it lands in
// the remote store after one one-shot Chum session.
func TestSessionSyncsAnAccessibleTarget(t *testing.T) {
	a := pipeInstance(t, "instance-a", "a@example.com")
	b := pipeInstance(t, "instance-b", "b@example.com")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	target, _, err := a.Store.WriteObject(ctx, a.Registry, core.Keys{PublicSigningHex: "ab"}.ToObject())
	if err != nil {
		t.Fatalf("write target: %v", err)
	}
	access := core.Access{Target: core.Ref{RKind: core.RefObj, Hash: target}, Grantees: []core.Hash{b.PersonID}}
	if _, _, err := a.Store.WriteObject(ctx, a.Registry, access.ToObject()); err != nil {
		t.Fatalf("write access grant: %v", err)
	}

	connA, connB := net.Pipe()
	msgReg := core.NewMessageRegistry()
	chanA := core.NewStreamChannel(connA, msgReg)
	chanB := core.NewStreamChannel(connB, msgReg)

	type handshakeResult struct {
		remote core.Hash
		err    error
	}
	hsA := make(chan handshakeResult, 1)
	hsB := make(chan handshakeResult, 1)
	go func() {
		remote, err := core.PerformHandshake(ctx, chanA, a.PersonID)
		hsA <- handshakeResult{remote, err}
	}()
	go func() {
		remote, err := core.PerformHandshake(ctx, chanB, b.PersonID)
		hsB <- handshakeResult{remote, err}
	}()
	resA := <-hsA
	resB := <-hsB
	if resA.err != nil {
		t.Fatalf("handshake a: %v", resA.err)
	}
	if resB.err != nil {
		t.Fatalf("handshake b: %v", resB.err)
	}
	if resA.remote != b.PersonID {
		t.Fatalf("a resolved wrong remote identity: got %s want %s", resA.remote.Hex(), b.PersonID.Hex())
	}
	if resB.remote != a.PersonID {
		t.Fatalf("b resolved wrong remote identity: got %s want %s", resB.remote.Hex(), a.PersonID.Hex())
	}

	cfgA := core.SessionConfig{Channel: chanA, Local: a}
	cfgA.Remote.PersonID = resA.remote
	cfgA.Remote.InstanceName = b.Name
	cfgB := core.SessionConfig{Channel: chanB, Local: b}
	cfgB.Remote.PersonID = resB.remote
	cfgB.Remote.InstanceName = a.Name

	sessA := core.NewSession(cfgA)
	sessB := core.NewSession(cfgB)

	type runResult struct {
		rec *core.ChumRecord
		err error
	}
	runA := make(chan runResult, 1)
	runB := make(chan runResult, 1)
	go func() {
		rec, err := sessA.Run(ctx)
		runA <- runResult{rec, err}
	}()
	go func() {
		rec, err := sessB.Run(ctx)
		runB <- runResult{rec, err}
	}()
	resultA := <-runA
	resultB := <-runB
	if resultA.err != nil {
		t.Fatalf("session a run: %v", resultA.err)
	}
	if resultB.err != nil {
		t.Fatalf("session b run: %v", resultB.err)
	}

	if !b.Store.Exists(target) {
		t.Fatalf("expected instance b to have imported the accessible target %s", target.Hex())
	}
	if resultA.rec.Name != resultB.rec.Name {
		t.Fatalf("both peers should agree on the record name")
	}
}
