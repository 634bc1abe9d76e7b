package meshcore

import (
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	uuid "github.com/satori/go.uuid"
)

// NidSize is the fixed wire size of a Nid, in bytes.
const NidSize = 16

// Nid is a 128-bit device identifier. It is compared in constant time and
// formatted as a UUID string for diagnostics and logs.
type Nid [NidSize]byte

// ZeroNid is the all-zero identifier, available as a "not yet assigned"
// sentinel; IsZero compares against it.
var ZeroNid Nid

// NidFromBytes copies b into a Nid. b must be exactly NidSize bytes.
func NidFromBytes(b []byte) (nid Nid, err error) {
	if len(b) != NidSize {
		return nid, fmt.Errorf("meshcore: nid must be %d bytes, got %d", NidSize, len(b))
	}
	copy(nid[:], b)
	return nid, nil
}

// NewNid generates a random Nid using a UUIDv4 for entropy, matching the
// "formatted as a UUID" convention devices use in logs and certificates.
func NewNid() (nid Nid) {
	u := uuid.NewV4()
	copy(nid[:], u.Bytes())
	return nid
}

// Bytes returns the raw 16-byte identifier.
func (n Nid) Bytes() []byte {
	out := make([]byte, NidSize)
	copy(out, n[:])
	return out
}

// String renders the Nid in canonical UUID form (e.g.
// "550e8400-e29b-41d4-a716-446655440000").
func (n Nid) String() string {
	u, err := uuid.FromBytes(n[:])
	if err != nil {
		// Not all 16-byte strings are valid UUID encodings to the satori
		// package's liking (it never actually rejects any), so this path
		// is unreachable in practice; fall back to hex just in case.
		return hex.EncodeToString(n[:])
	}
	return u.String()
}

// ParseNid parses a UUID-formatted string back into a Nid.
func ParseNid(s string) (nid Nid, err error) {
	u, err := uuid.FromString(s)
	if err != nil {
		return nid, fmt.Errorf("meshcore: invalid nid %q: %w", s, err)
	}
	copy(nid[:], u.Bytes())
	return nid, nil
}

// IsZero reports whether n is the zero Nid.
func (n Nid) IsZero() bool {
	return n.Equal(ZeroNid)
}

// Equal compares two Nids in constant time.
func (n Nid) Equal(other Nid) bool {
	return subtle.ConstantTimeCompare(n[:], other[:]) == 1
}
