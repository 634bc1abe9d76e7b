package meshcore

import (
	"crypto/rand"

	"github.com/keybase/saltpack/encoding/basex"
)

// RandNBytes returns n cryptographically random bytes, panicking if the OS
// CSPRNG fails (treated as unrecoverable, matching the teacher's
// RandNBytes).
func RandNBytes(n int) (b []byte) {
	b = make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}

// RandNBase62 returns a base62-encoded random identifier of at least n
// source bytes, used for diagnostic/correlation IDs attached to auth
// sessions in logs. Grounded on the teacher's RandNBase62 helper, which
// leans on the same saltpack basex encoder.
func RandNBase62(n int) (s string) {
	return basex.Base62StdEncoding.EncodeToString(RandNBytes(n))
}
