package meshcore

import (
	"github.com/op/go-logging"
)

// LocalDeliverer receives packets addressed to this device.
type LocalDeliverer interface {
	Deliver(p Packet, inPort PortId)
}

// Router is the learning-switch forwarding engine every device runs: one
// instance per process, fed packets from every port's ingress task and
// consulting the device's own ForwardingTable, ReplayWindow, and
// LinkSupervisor to decide whether to deliver locally or forward, always
// re-MACing for the outbound port before sending.
type Router struct {
	self  Nid
	links *LinkSupervisor
	table *ForwardingTable
	replay *ReplayWindow
	local LocalDeliverer
	sends PortSender
	metrics *Metrics
	log   *logging.Logger

	nextSequence      uint32
	sequenceExhausted bool
}

// NewRouter creates a Router for the device identified by self.
func NewRouter(self Nid, links *LinkSupervisor, table *ForwardingTable, replay *ReplayWindow, local LocalDeliverer, sends PortSender, metrics *Metrics, log *logging.Logger) *Router {
	return &Router{
		self:    self,
		links:   links,
		table:   table,
		replay:  replay,
		local:   local,
		sends:   sends,
		metrics: metrics,
		log:     log,
	}
}

// inboundMACKey returns the key HandleInbound verifies inPort's traffic
// under: heartbeats always use the fixed default key (their authenticity
// comes from the embedded ECDSA signature, not the per-hop MAC), every
// other message type uses the port's session key.
func (r *Router) inboundMACKey(msgType MsgType, inPort PortId) (key []byte, ok bool) {
	if msgType == MsgHeartbeat {
		return DefaultHeartbeatHMACKey, true
	}
	return r.links.SessionKey(inPort)
}

// HandleInbound processes one packet that arrived on inPort: verifying its
// MAC, checking for replay, learning the source route, and then either
// delivering it locally or forwarding it on toward the learned route for
// its destination. Heartbeats are special-cased: they are always
// delivered locally to refresh the receiver's own liveness timer, and are
// additionally re-broadcast to every downlink when their TTL allows,
// since a heartbeat is the one message type every device in the subtree
// must see. It returns the DropReason if the packet was discarded, or
// DropNone if it was handled.
func (r *Router) HandleInbound(raw []byte, inPort PortId) DropReason {
	p, err := DecodePacket(raw)
	if err != nil {
		r.drop(DropMalformed, inPort, err)
		return DropMalformed
	}

	key, ok := r.inboundMACKey(p.Type, inPort)
	if !ok {
		r.drop(DropUnknownSource, inPort, ErrNoRoute)
		return DropUnknownSource
	}
	if !p.VerifyMAC(key) {
		r.drop(DropBadMAC, inPort, nil)
		return DropBadMAC
	}

	if !r.replay.CheckAndUpdate(p.Source, p.Sequence) {
		r.drop(DropReplay, inPort, nil)
		return DropReplay
	}

	r.table.LearnWithHop(p.Source, inPort, hopsTraveled(p.TTL))

	if p.Type == MsgHeartbeat {
		r.local.Deliver(p, inPort)
		if r.metrics != nil {
			r.metrics.PacketsDelivered.Inc()
		}
		if p.TTL > 1 {
			r.broadcastHeartbeat(p, inPort)
		}
		return DropNone
	}

	if p.Destination.Equal(r.self) {
		r.local.Deliver(p, inPort)
		if r.metrics != nil {
			r.metrics.PacketsDelivered.Inc()
		}
		return DropNone
	}

	if !p.DecrementTTL() {
		r.drop(DropTTLExpired, inPort, nil)
		return DropTTLExpired
	}

	outPort, ok := r.table.Lookup(p.Destination)
	if !ok {
		r.drop(DropNoRoute, inPort, ErrNoRoute)
		return DropNoRoute
	}
	if outPort == inPort {
		r.drop(DropReflection, inPort, nil)
		return DropReflection
	}

	if err := r.forward(p, outPort); err != nil {
		r.log.Warningf("forwarding to %s via %s: %v", p.Destination, outPort, err)
	}
	return DropNone
}

// broadcastHeartbeat re-notifies a received heartbeat to every downlink
// except the one it arrived on, decrementing TTL once and re-MACing under
// each downlink's own session key. This is the system's only broadcast.
func (r *Router) broadcastHeartbeat(p Packet, inPort PortId) {
	out := p
	out.DecrementTTL()
	for _, port := range r.links.Downlinks() {
		if port == inPort {
			continue
		}
		key, ok := r.links.SessionKey(port)
		if !ok {
			continue
		}
		fanout := out
		fanout.CalculateAndSetMAC(key)
		if r.metrics != nil {
			r.metrics.PacketsRouted.Inc()
		}
		if err := r.sends.Send(port, fanout.Encode()); err != nil {
			r.log.Warningf("broadcasting heartbeat on %s: %v", port, err)
		}
	}
}

func (r *Router) forward(p Packet, outPort PortId) error {
	outKey, ok := r.links.SessionKey(outPort)
	if !ok {
		return ErrNoRoute
	}
	p.CalculateAndSetMAC(outKey)
	if r.metrics != nil {
		r.metrics.PacketsRouted.Inc()
	}
	return r.sends.Send(outPort, p.Encode())
}

// SendLocal originates a new packet at this device, addressed to
// destination: it resolves the outbound port from the forwarding table,
// failing with ErrNoRoute if destination has never been observed, and
// assigns the next outbound sequence number. It returns
// ErrSequenceExhausted if the 32-bit counter has been exhausted: treated
// as fatal for the current session rather than silently wrapping.
func (r *Router) SendLocal(destination Nid, msgType MsgType, payload []byte) error {
	outPort, ok := r.table.Lookup(destination)
	if !ok {
		if r.metrics != nil {
			r.metrics.RecordDrop(DropNoRoute)
		}
		return ErrNoRoute
	}
	key, ok := r.links.SessionKey(outPort)
	if !ok {
		return ErrNoRoute
	}

	if r.sequenceExhausted {
		return ErrSequenceExhausted
	}
	seq := r.nextSequence
	if seq == ^uint32(0) {
		r.sequenceExhausted = true
	} else {
		r.nextSequence++
	}

	p := NewPacket(r.self, destination, msgType, seq, DefaultTTL, payload)
	p.CalculateAndSetMAC(key)
	if r.metrics != nil {
		r.metrics.PacketsRouted.Inc()
	}
	return r.sends.Send(outPort, p.Encode())
}

// hopsTraveled derives how many hops a packet has already crossed from its
// remaining TTL, since every forwarder decrements TTL by exactly one.
// Packets with a non-default starting TTL (there are none in this module
// today) would under-report; this is a diagnostic value, never consulted
// for routing decisions.
func hopsTraveled(remainingTTL uint8) uint8 {
	if remainingTTL >= DefaultTTL {
		return 0
	}
	return DefaultTTL - remainingTTL
}

// NeighborSnapshot encodes this device's known downstream neighbors for the
// Neighbor Table GATT characteristic: a one-byte count followed by that
// many (Nid, hop count) rows. It reports data only — the characteristic
// plumbing itself lives in the transport collaborator
// (internal/transport/ble.Peripheral.NeighborSnapshotFunc).
func (r *Router) NeighborSnapshot() []byte {
	entries := r.table.Entries()
	if len(entries) > 0xFF {
		entries = entries[:0xFF]
	}
	out := make([]byte, 1, 1+len(entries)*(NidSize+1))
	out[0] = byte(len(entries))
	for _, e := range entries {
		out = append(out, e.Nid.Bytes()...)
		out = append(out, e.Hops)
	}
	return out
}

func (r *Router) drop(reason DropReason, port PortId, err error) {
	if r.metrics != nil {
		r.metrics.RecordDrop(reason)
	}
	if err != nil {
		r.log.Debugf("dropped packet on %s: %s: %v", port, reason, err)
	} else {
		r.log.Debugf("dropped packet on %s: %s", port, reason)
	}
}
