package core

// bridge.go - seams for collaborators this module documents but does not
// implement: the local filesystem integration, the pairing UI, an HTTP
// gateway, and a relay to an external communications server. Grounded on
// core/initialization_replication.go's ConsensusStarter — a one-line
// interface that names a seam without building what's behind it.

import "context"

// FilesystemBridge watches a local directory tree and mirrors files in
// and out of the object store. No implementation ships in this module;
// a caller supplies one to connect a real filesystem.
type FilesystemBridge interface {
	Sync(ctx context.Context, root string) error
}

// PairingUI presents a pairing code or QR flow to a human and returns the
// remote peer's address once they've confirmed it out of band.
type PairingUI interface {
	RequestPairing(ctx context.Context) (peerAddr string, err error)
}

// RESTGateway fronts an Instance with an HTTP API for clients that can't
// speak the Chum wire protocol directly.
type RESTGateway interface {
	Serve(ctx context.Context, addr string, inst *Instance) error
}

// CommServerRelay forwards pairing invitations and Chum session traffic
// through a third-party relay when direct/mDNS connectivity isn't
// available between two instances.
type CommServerRelay interface {
	Relay(ctx context.Context, local MessageChannel, remoteAddr string) error
}
