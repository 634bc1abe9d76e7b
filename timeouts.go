package meshcore

import "time"

// Timeouts collects the tunable time constants governing liveness and
// handshake behavior. Zero-value-free: always construct via
// DefaultTimeouts and override individual fields.
type Timeouts struct {
	// HeartbeatInterval is how often a Sink broadcasts a signed heartbeat.
	HeartbeatInterval time.Duration
	// HeartbeatMissedLimit is how many consecutive missed intervals a Node
	// tolerates before declaring its uplink dead.
	HeartbeatMissedLimit int
	// AuthHandshake bounds the whole mutual-authentication exchange.
	AuthHandshake time.Duration
	// ReassemblyIdle is how long a partial fragment reassembly may sit
	// without a new fragment before it is discarded.
	ReassemblyIdle time.Duration
	// ForwardingEntryTTL is how long a learned route is trusted without a
	// refreshing packet.
	ForwardingEntryTTL time.Duration
}

// HeartbeatTimeout returns the duration of silence that constitutes a
// missed uplink: HeartbeatMissedLimit whole intervals (3 x 5s = 15s by
// default), not an extra grace interval beyond that.
func (t Timeouts) HeartbeatTimeout() time.Duration {
	return t.HeartbeatInterval * time.Duration(t.HeartbeatMissedLimit)
}

// DefaultTimeouts returns the constants named in the open-question
// decisions: a 5s heartbeat interval with a 3-beat miss tolerance (15s
// effective timeout), a 10s auth handshake budget, a 5s fragment
// reassembly idle window, and a 300s forwarding-table entry TTL.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		HeartbeatInterval:    5 * time.Second,
		HeartbeatMissedLimit: 3,
		AuthHandshake:        10 * time.Second,
		ReassemblyIdle:       5 * time.Second,
		ForwardingEntryTTL:   300 * time.Second,
	}
}
