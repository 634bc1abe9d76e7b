package meshcore

import (
	"sync"

	"golang.org/x/sync/errgroup"
)

// PortSender is how the Router hands bytes to the transport collaborator
// for one port. Implementations fragment as
// necessary and deliver over the matching BLE characteristic.
type PortSender interface {
	Send(port PortId, data []byte) error
}

// LinkState is the lifecycle state of one port.
type LinkState int

const (
	LinkDown LinkState = iota
	LinkAuthenticating
	LinkUp
)

type linkEntry struct {
	state      LinkState
	sessionKey []byte
	peerNid    Nid
	peerRole   Role
	isUplink   bool
}

// LinkSupervisor tracks every port a device currently has open — its
// single uplink, if any, and any number of downlinks — along with each
// port's session key once authenticated. It owns the cascading-disconnect
// behavior: when the uplink drops, every downlink is torn down and the
// forwarding table is cleared, since none of the routes it held are
// reachable anymore.
type LinkSupervisor struct {
	table *ForwardingTable
	sends PortSender

	mu    sync.Mutex
	links map[PortId]*linkEntry

	onDownlinkClosed func(port PortId)
}

// NewLinkSupervisor creates a LinkSupervisor that evicts routes from table
// as links close. sends is stored but not used: Close sends no teardown
// notices.
func NewLinkSupervisor(table *ForwardingTable, sends PortSender) *LinkSupervisor {
	return &LinkSupervisor{
		table: table,
		sends: sends,
		links: make(map[PortId]*linkEntry),
	}
}

// OnDownlinkClosed registers a callback invoked whenever a downlink port
// is torn down, individually or as part of a cascade, so the transport
// collaborator can drop the underlying BLE connection.
func (s *LinkSupervisor) OnDownlinkClosed(fn func(port PortId)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDownlinkClosed = fn
}

// Opening registers a newly connected port as authenticating, before its
// AuthFsm has completed.
func (s *LinkSupervisor) Opening(port PortId, isUplink bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[port] = &linkEntry{state: LinkAuthenticating, isUplink: isUplink}
}

// Authenticated marks port as up with the given peer identity and session
// key, making it eligible to carry DATA traffic.
func (s *LinkSupervisor) Authenticated(port PortId, peerNid Nid, peerRole Role, sessionKey []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.links[port]
	if !ok {
		e = &linkEntry{}
		s.links[port] = e
	}
	e.state = LinkUp
	e.peerNid = peerNid
	e.peerRole = peerRole
	e.sessionKey = sessionKey
}

// SessionKey returns the session key for an authenticated port.
func (s *LinkSupervisor) SessionKey(port PortId) (key []byte, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, exists := s.links[port]
	if !exists || e.state != LinkUp {
		return nil, false
	}
	return e.sessionKey, true
}

// IsUp reports whether port is currently authenticated and usable.
func (s *LinkSupervisor) IsUp(port PortId) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.links[port]
	return ok && e.state == LinkUp
}

// Close tears down port: it forgets the link, evicts every route the
// forwarding table learned through it, and — if port was the uplink —
// cascades by closing every downlink, since the whole downstream subtree
// just lost its path to the Sink.
func (s *LinkSupervisor) Close(port PortId) {
	s.mu.Lock()
	entry, ok := s.links[port]
	if !ok {
		s.mu.Unlock()
		return
	}
	wasUplink := entry.isUplink
	delete(s.links, port)

	var cascade []PortId
	if wasUplink {
		for p, e := range s.links {
			if !e.isUplink {
				cascade = append(cascade, p)
			}
		}
		for _, p := range cascade {
			delete(s.links, p)
		}
	}
	callback := s.onDownlinkClosed
	s.mu.Unlock()

	s.table.RemoveByPort(port)
	if callback != nil && !wasUplink {
		callback(port)
	}

	// Cascading teardown fans out independently across every downlink in
	// the lost subtree; none of these transport calls depend on another,
	// so they run concurrently rather than serializing the disconnect.
	var g errgroup.Group
	for _, p := range cascade {
		p := p
		g.Go(func() error {
			s.table.RemoveByPort(p)
			if callback != nil {
				callback(p)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Downlinks returns the currently open (authenticating or up) downlink
// ports, used to re-broadcast heartbeats.
func (s *LinkSupervisor) Downlinks() (ports []PortId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p, e := range s.links {
		if !e.isUplink {
			ports = append(ports, p)
		}
	}
	return ports
}

// Uplink returns the current uplink port, if any.
func (s *LinkSupervisor) Uplink() (port PortId, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p, e := range s.links {
		if e.isUplink {
			return p, true
		}
	}
	return "", false
}
