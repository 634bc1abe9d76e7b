package meshcore

import (
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"
)

// HeartbeatPayloadSize is the total size of a HeartbeatPayload on the
// wire: sink Nid (16) + timestamp (8) + signature (HeartbeatSignatureSize,
// 132). A P-521 ECDSA signature cannot fit in 64 bytes, so the full
// fixed-width raw r‖s encoding is carried instead of a truncated one.
const HeartbeatPayloadSize = NidSize + 8 + HeartbeatSignatureSize

// HeartbeatPayload is the signed liveness claim a Sink broadcasts.
type HeartbeatPayload struct {
	SinkNid   Nid
	Timestamp time.Time
	Signature []byte
}

// signedBytes returns the bytes the ECDSA signature covers: SinkNid
// followed by the timestamp, encoded as a big-endian IEEE-754 double of
// seconds since the Unix epoch (matching the original's struct layout).
func (h HeartbeatPayload) signedBytes() []byte {
	buf := make([]byte, NidSize+8)
	copy(buf, h.SinkNid[:])
	binary.BigEndian.PutUint64(buf[NidSize:], math.Float64bits(h.Timestamp.UTC().Sub(time.Unix(0, 0).UTC()).Seconds()))
	return buf
}

// NewSignedHeartbeat builds and signs a HeartbeatPayload for now under the
// Sink's private key.
func NewSignedHeartbeat(sinkNid Nid, now time.Time, sinkKey *ecdsa.PrivateKey) (h HeartbeatPayload, err error) {
	h = HeartbeatPayload{SinkNid: sinkNid, Timestamp: now}
	sig, err := SignP521(sinkKey, h.signedBytes())
	if err != nil {
		return h, err
	}
	h.Signature = sig
	return h, nil
}

// Encode serializes the payload to its fixed-width wire form.
func (h HeartbeatPayload) Encode() []byte {
	out := make([]byte, 0, HeartbeatPayloadSize)
	out = append(out, h.signedBytes()...)
	out = append(out, h.Signature...)
	return out
}

// DecodeHeartbeatPayload parses a wire-format HeartbeatPayload.
func DecodeHeartbeatPayload(data []byte) (h HeartbeatPayload, err error) {
	if len(data) != HeartbeatPayloadSize {
		return h, fmt.Errorf("meshcore: heartbeat payload must be %d bytes, got %d", HeartbeatPayloadSize, len(data))
	}
	copy(h.SinkNid[:], data[:NidSize])
	seconds := math.Float64frombits(binary.BigEndian.Uint64(data[NidSize : NidSize+8]))
	h.Timestamp = time.Unix(0, 0).UTC().Add(time.Duration(seconds * float64(time.Second)))
	h.Signature = append([]byte(nil), data[NidSize+8:]...)
	return h, nil
}

// Verify checks the embedded ECDSA signature against the Sink's public
// key.
func (h HeartbeatPayload) Verify(sinkPub *ecdsa.PublicKey) bool {
	return VerifyP521(sinkPub, h.signedBytes(), h.Signature)
}

// Age returns how long ago the heartbeat was stamped, relative to now.
func (h HeartbeatPayload) Age(now time.Time) time.Duration {
	return now.Sub(h.Timestamp)
}

// HeartbeatMonitor tracks the most recently seen heartbeat on a Node's
// uplink and detects when it has gone stale. Safe for concurrent use.
type HeartbeatMonitor struct {
	timeout time.Duration

	mu   sync.Mutex
	last *HeartbeatPayload
}

// NewHeartbeatMonitor creates a monitor that considers the uplink dead
// once timeout has passed since the last valid heartbeat.
func NewHeartbeatMonitor(timeout time.Duration) *HeartbeatMonitor {
	return &HeartbeatMonitor{timeout: timeout}
}

// OnReceived records a newly verified heartbeat.
func (m *HeartbeatMonitor) OnReceived(h HeartbeatPayload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copyH := h
	m.last = &copyH
}

// CheckTimeout reports whether the uplink should be considered dead as of
// now: the last recorded heartbeat is older than the configured timeout.
// It reports false until a first heartbeat has been recorded.
func (m *HeartbeatMonitor) CheckTimeout(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return false
	}
	return m.last.Age(now) > m.timeout
}

// Last returns the most recently recorded heartbeat, if any.
func (m *HeartbeatMonitor) Last() (h HeartbeatPayload, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return h, false
	}
	return *m.last, true
}
