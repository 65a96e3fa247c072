package core

// hash.go - cryptographic addressing.
//
// Every stored object is addressed by the SHA-256 digest of its canonical
// encoding. ID-objects and full objects share the digest alphabet but are
// type-disjoint by construction: the ID-encoding wraps its payload in a
// distinct outer frame (see encode.go), so no ID-hash can ever collide with
// a version hash computed over the same bytes.

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// Hash is a raw SHA-256 digest. The zero Hash never names a real object.
type Hash [sha256.Size]byte

// Hex renders the hash as lowercase hex, the literal filename used under
// objects/, blobs/, clobs/ and vheads/.
func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) String() string { return h.Hex() }

// IsZero reports whether h is the zero hash (used as a "no head yet" sentinel).
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// ParseHash decodes a hex string produced by Hash.Hex back into a Hash.
func ParseHash(s string) (Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, err
	}
	if len(b) != sha256.Size {
		return Hash{}, errors.New("hash: wrong length")
	}
	var h Hash
	copy(h[:], b)
	return h, nil
}

// Sum computes the canonical address of data: SHA-256 over the exact bytes
// handed to it. Callers pass canonical-encoded object bytes, ID-encoded
// bytes, or raw blob/clob bytes — Sum itself is agnostic to which.
func Sum(data []byte) Hash {
	return Hash(sha256.Sum256(data))
}

// CID renders h as a CIDv1 raw-multihash string for logs and metrics. This
// is purely a diagnostic alias: the on-disk filename and every protocol
// message always use Hash.Hex(), never this form, so a stored object's
// bytes always re-hash to its own filename regardless of multibase choice.
func (h Hash) CID() string {
	digest, err := mh.Encode(h[:], mh.SHA2_256)
	if err != nil {
		// mh.Encode only fails for unsupported codes; SHA2_256 is always
		// supported, so this path is unreachable in practice.
		return h.Hex()
	}
	c := cid.NewCidV1(cid.Raw, digest)
	return c.String()
}
