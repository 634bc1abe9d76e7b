package meshcore

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/hkdf"
)

// HMACKeySize is the required size of an HMAC-SHA256 key.
const HMACKeySize = 32

// DefaultHeartbeatHMACKey is the fixed, out-of-band-distributed key used to
// MAC the single-hop heartbeat packet wrapping a signed HeartbeatPayload.
// This mirrors the original reference implementation's shared constant;
// it authenticates the hop, not the heartbeat's claim of liveness, which
// is covered separately by the embedded ECDSA signature.
var DefaultHeartbeatHMACKey = []byte("IoT_Network_Shared_Secret_Key_32")

// CalculateHMAC returns HMAC-SHA256(key, data).
func CalculateHMAC(data, key []byte) (mac []byte) {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// VerifyHMAC reports whether mac is the correct HMAC-SHA256(key, data),
// comparing in constant time.
func VerifyHMAC(data, mac, key []byte) bool {
	expected := CalculateHMAC(data, key)
	return hmac.Equal(expected, mac)
}

// HeartbeatSignatureSize is the fixed width of a raw r‖s P-521 ECDSA
// signature (2 * 66 bytes). See the open-question note in SPEC_FULL.md:
// a real signature cannot fit in 64 bytes, so the wire format uses this
// width rather than truncate one.
const HeartbeatSignatureSize = 132

const p521FieldBytes = 66

// SignP521 signs digest-independent message bytes with priv under SHA-256
// (the hash spec.md directs be used uniformly regardless of curve), and
// returns a fixed-width 132-byte r‖s encoding.
func SignP521(priv *ecdsa.PrivateKey, message []byte) (sig []byte, err error) {
	h := sha256.Sum256(message)
	r, s, err := ecdsa.Sign(rand.Reader, priv, h[:])
	if err != nil {
		return nil, fmt.Errorf("meshcore: ecdsa sign: %w", err)
	}
	sig = make([]byte, HeartbeatSignatureSize)
	r.FillBytes(sig[:p521FieldBytes])
	s.FillBytes(sig[p521FieldBytes:])
	return sig, nil
}

// VerifyP521 verifies a fixed-width 132-byte r‖s signature produced by
// SignP521.
func VerifyP521(pub *ecdsa.PublicKey, message, sig []byte) bool {
	if len(sig) != HeartbeatSignatureSize {
		return false
	}
	r := new(big.Int).SetBytes(sig[:p521FieldBytes])
	s := new(big.Int).SetBytes(sig[p521FieldBytes:])
	h := sha256.Sum256(message)
	return ecdsa.Verify(pub, h[:], r, s)
}

// GenerateP521Key creates a new ECDSA private key on the P-521 curve, used
// by the test CA in internal/devtools/ca and by test fixtures.
func GenerateP521Key() (priv *ecdsa.PrivateKey, err error) {
	return ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
}

// ECDHKeyPair is a per-session ephemeral Diffie-Hellman key pair used
// during the AUTH handshake's parallel key-agreement step.
type ECDHKeyPair struct {
	Private *ecdh.PrivateKey
}

// GenerateECDHKeyPair creates a fresh ephemeral P-521 ECDH key pair.
func GenerateECDHKeyPair() (kp ECDHKeyPair, err error) {
	priv, err := ecdh.P521().GenerateKey(rand.Reader)
	if err != nil {
		return kp, fmt.Errorf("meshcore: ecdh keygen: %w", err)
	}
	return ECDHKeyPair{Private: priv}, nil
}

// PublicBytes returns the uncompressed public key encoding to place on the
// wire.
func (kp ECDHKeyPair) PublicBytes() []byte {
	return kp.Private.PublicKey().Bytes()
}

// sessionKeyInfo is the HKDF info string both peers use when deriving a
// port's session key, so the label is bound into the derivation.
var sessionKeyInfo = []byte("IoT Network Session Key")

// DeriveSessionKey computes the shared ECDH secret against a peer's public
// key bytes, then stretches it with HKDF-SHA256 (no salt) into a single
// 32-byte symmetric key both peers will arrive at identically, since ECDH
// is commutative and the info string is fixed. This is the per-port
// session key handed to the Router once the owning AuthFsm reaches
// AUTHENTICATED.
func DeriveSessionKey(kp ECDHKeyPair, peerPublic []byte) (key []byte, err error) {
	peerKey, err := ecdh.P521().NewPublicKey(peerPublic)
	if err != nil {
		return nil, fmt.Errorf("meshcore: invalid peer ecdh public key: %w", err)
	}
	secret, err := kp.Private.ECDH(peerKey)
	if err != nil {
		return nil, fmt.Errorf("meshcore: ecdh exchange: %w", err)
	}

	r := hkdf.New(sha256.New, secret, nil, sessionKeyInfo)
	key = make([]byte, HMACKeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("meshcore: hkdf expand: %w", err)
	}
	return key, nil
}
