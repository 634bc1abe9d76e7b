package meshcore

import (
	"sync"
	"time"

	"github.com/op/go-logging"
)

// UplinkState is the lifecycle of a Node's single uplink slot.
type UplinkState int

const (
	UplinkIdle UplinkState = iota
	UplinkConnecting
	UplinkAuthenticating
	UplinkAttached
)

func (s UplinkState) String() string {
	switch s {
	case UplinkConnecting:
		return "Connecting"
	case UplinkAuthenticating:
		return "Authenticating"
	case UplinkAttached:
		return "Attached"
	default:
		return "Idle"
	}
}

// ScanResult is one advertisement observed while scanning for a parent:
// the device-info manufacturer-data fields plus the signal strength the
// transport measured it at.
type ScanResult struct {
	PeerID    string // transport-level handle (BLE address or similar)
	Role      Role
	HopCount  uint8 // as advertised: 0..254, or UnreachableHopCount (255) for a Sink
	RSSI      int
}

// parentSortKey maps an advertised hop count to a comparable int, folding
// the 255 "Sink/unknown" sentinel down below every real hop count so a
// Sink is always preferred over any Node, matching spec.md §4.8's "Sink
// counts as 0" rule.
func parentSortKey(advertised uint8) int {
	if advertised == UnreachableHopCount {
		return -1
	}
	return int(advertised)
}

// ChooseParent picks the best candidate among scan results: smallest
// effective hop count first, breaking ties by the strongest RSSI. It
// returns ok=false if candidates is empty.
func ChooseParent(candidates []ScanResult) (best ScanResult, ok bool) {
	if len(candidates) == 0 {
		return best, false
	}
	best = candidates[0]
	for _, c := range candidates[1:] {
		if parentSortKey(c.HopCount) < parentSortKey(best.HopCount) {
			best = c
			continue
		}
		if parentSortKey(c.HopCount) == parentSortKey(best.HopCount) && c.RSSI > best.RSSI {
			best = c
		}
	}
	return best, true
}

// ownHopCount computes the hop count this device should advertise once
// attached to a parent advertising parentHop. It returns
// ErrHopCountTooHigh if attaching would require advertising past
// MaxHopCount.
func ownHopCount(parentHop uint8) (uint8, error) {
	if parentHop == UnreachableHopCount {
		return SinkHopCount, nil
	}
	if parentHop >= MaxHopCount {
		return 0, ErrHopCountTooHigh
	}
	return parentHop + 1, nil
}

// DeviceStateMachine drives a Node's uplink slot through
// Idle → Connecting → Authenticating → Attached, choosing a parent during
// scanning and reacting to heartbeat timeout or transport loss by
// returning to Idle (with cascading disconnect of any downlinks, handled
// by LinkSupervisor).
type DeviceStateMachine struct {
	certs     *CertStore
	links     *LinkSupervisor
	heartbeat *HeartbeatMonitor
	timeouts  Timeouts
	log       *logging.Logger

	mu         sync.Mutex
	state      UplinkState
	uplinkPort PortId
	hopCount   uint8
	sinkPub    []byte // reserved for callers that want to cache the Sink's cert separately

	authenticating map[PortId]*AuthFsm
}

// NewDeviceStateMachine creates a DeviceStateMachine for a Node. Sinks
// don't run one: they have no uplink slot.
func NewDeviceStateMachine(certs *CertStore, links *LinkSupervisor, timeouts Timeouts, log *logging.Logger) *DeviceStateMachine {
	return &DeviceStateMachine{
		certs:          certs,
		links:          links,
		heartbeat:      NewHeartbeatMonitor(timeouts.HeartbeatTimeout()),
		timeouts:       timeouts,
		log:            log,
		state:          UplinkIdle,
		hopCount:       UnreachableHopCount,
		authenticating: make(map[PortId]*AuthFsm),
	}
}

// State returns the uplink slot's current state.
func (d *DeviceStateMachine) State() UplinkState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// AdvertisedHopCount returns the hop count this device should put in its
// own device-info advertisement right now.
func (d *DeviceStateMachine) AdvertisedHopCount() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hopCount
}

// BeginConnecting transitions Idle → Connecting for the chosen parent,
// opening port as the uplink slot.
func (d *DeviceStateMachine) BeginConnecting(port PortId) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = UplinkConnecting
	d.uplinkPort = port
	d.links.Opening(port, true)
}

// BeginAuthenticating transitions Connecting → Authenticating, starting
// port's AuthFsm and returning the CERT_OFFER message to send.
func (d *DeviceStateMachine) BeginAuthenticating(port PortId, parentHop uint8) (AuthMessage, error) {
	fsm, err := NewAuthFsm(d.certs)
	if err != nil {
		return AuthMessage{}, err
	}
	d.log.Infof("uplink %s auth[%s] starting handshake", port, fsm.SessionID())

	d.mu.Lock()
	d.state = UplinkAuthenticating
	d.authenticating[port] = fsm
	d.mu.Unlock()

	return fsm.Start(), nil
}

// HandleAuthMessage feeds an inbound AUTH message to port's in-progress
// AuthFsm. On completion it either transitions to Attached (and records
// the hop count derived from parentHop) or falls back to Idle.
func (d *DeviceStateMachine) HandleAuthMessage(port PortId, parentHop uint8, msg AuthMessage) (reply *AuthMessage, attached bool, err error) {
	d.mu.Lock()
	fsm, ok := d.authenticating[port]
	d.mu.Unlock()
	if !ok {
		return nil, false, ErrAuthAborted
	}

	reply, done, herr := fsm.HandleMessage(msg)
	if !done {
		return reply, false, herr
	}

	d.mu.Lock()
	delete(d.authenticating, port)
	d.mu.Unlock()

	if fsm.State() != AuthAuthenticated {
		d.log.Warningf("uplink %s auth[%s] failed: %v", port, fsm.SessionID(), herr)
		d.toIdle(port)
		return reply, false, herr
	}

	hop, err := ownHopCount(parentHop)
	if err != nil {
		d.log.Warningf("uplink %s auth[%s] refusing parent at hop %d: %v", port, fsm.SessionID(), parentHop, err)
		d.toIdle(port)
		return reply, false, err
	}

	d.links.Authenticated(port, fsm.PeerNid(), fsm.PeerRole(), fsm.SessionKey())

	d.mu.Lock()
	d.state = UplinkAttached
	d.hopCount = hop
	d.mu.Unlock()

	d.log.Infof("uplink %s auth[%s] attached to %s hop_count=%d", port, fsm.SessionID(), fsm.PeerNid(), hop)
	return reply, true, nil
}

// OnHeartbeat feeds a verified heartbeat to the liveness monitor.
func (d *DeviceStateMachine) OnHeartbeat(h HeartbeatPayload) {
	d.heartbeat.OnReceived(h)
}

// CheckLiveness reports whether the uplink has timed out as of now, and if
// so tears it down (which cascades to every downlink via LinkSupervisor)
// and returns to Idle.
func (d *DeviceStateMachine) CheckLiveness(now time.Time) (timedOut bool) {
	d.mu.Lock()
	attached := d.state == UplinkAttached
	port := d.uplinkPort
	d.mu.Unlock()
	if !attached {
		return false
	}
	if !d.heartbeat.CheckTimeout(now) {
		return false
	}
	d.log.Warningf("uplink %s heartbeat timeout", port)
	d.toIdle(port)
	return true
}

// TransportDown reports that the transport collaborator lost the
// connection underlying the uplink slot, independent of heartbeat
// timeout (e.g. a BLE disconnect event).
func (d *DeviceStateMachine) TransportDown(port PortId) {
	d.toIdle(port)
}

func (d *DeviceStateMachine) toIdle(port PortId) {
	d.links.Close(port)
	d.mu.Lock()
	d.state = UplinkIdle
	d.hopCount = UnreachableHopCount
	delete(d.authenticating, port)
	d.mu.Unlock()
}
