package meshcore

import (
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// PortId identifies one BLE link a device maintains: either "uplink" (the
// single link toward the Sink) or a downlink keyed by the connected
// peer's connection handle. The transport collaborator assigns these; the
// core only ever compares them for equality.
type PortId string

// UplinkPort is the well-known PortId for a device's single uplink.
const UplinkPort PortId = "uplink"

// ForwardingEntry is a learned route: which port traffic from Nid last
// arrived on, how many times it's been used since, and how many hops away
// Nid was when the route was last refreshed (0 if never reported by
// LearnWithHop).
type ForwardingEntry struct {
	Nid  Nid
	Port PortId
	Hits uint64
	Hops uint8
}

// ForwardingTable is a learning-switch routing table: Nid -> PortId,
// refreshed on every inbound packet and expired after a TTL of inactivity.
// Safe for concurrent use.
type ForwardingTable struct {
	cache *ttlcache.Cache[Nid, PortId]

	mu   sync.Mutex
	hits map[Nid]uint64
	hops map[Nid]uint8
}

// NewForwardingTable creates a ForwardingTable whose entries expire after
// ttl of no refreshing lookup or learn call.
func NewForwardingTable(ttl time.Duration) *ForwardingTable {
	cache := ttlcache.New[Nid, PortId](
		ttlcache.WithTTL[Nid, PortId](ttl),
	)
	go cache.Start()
	return &ForwardingTable{cache: cache, hits: make(map[Nid]uint64), hops: make(map[Nid]uint8)}
}

// Close stops the table's background expiry goroutine.
func (t *ForwardingTable) Close() {
	t.cache.Stop()
}

// Learn records (or refreshes) that nid is reachable via port. The hop
// count for the entry is left unset; see LearnWithHop.
func (t *ForwardingTable) Learn(nid Nid, port PortId) {
	t.LearnWithHop(nid, port, 0)
}

// LearnWithHop records (or refreshes) that nid is reachable via port,
// hops hops away, for the neighbor-table reporting NeighborSnapshot feeds.
func (t *ForwardingTable) LearnWithHop(nid Nid, port PortId, hops uint8) {
	t.cache.Set(nid, port, ttlcache.DefaultTTL)
	t.mu.Lock()
	t.hops[nid] = hops
	t.mu.Unlock()
}

// Lookup returns the port to use for nid, refreshing its TTL and bumping
// its hit counter, or ok=false if there is no current route.
func (t *ForwardingTable) Lookup(nid Nid) (port PortId, ok bool) {
	item := t.cache.Get(nid)
	if item == nil {
		return "", false
	}
	t.mu.Lock()
	t.hits[nid]++
	t.mu.Unlock()
	return item.Value(), true
}

// Remove deletes the entry for nid, reporting whether one existed.
func (t *ForwardingTable) Remove(nid Nid) bool {
	existed := t.cache.Get(nid) != nil
	t.cache.Delete(nid)
	t.mu.Lock()
	delete(t.hits, nid)
	delete(t.hops, nid)
	t.mu.Unlock()
	return existed
}

// RemoveByPort deletes every entry routed through port, used when that
// link goes down, and reports how many entries were removed.
func (t *ForwardingTable) RemoveByPort(port PortId) (removed int) {
	var toRemove []Nid
	t.cache.Range(func(item *ttlcache.Item[Nid, PortId]) bool {
		if item.Value() == port {
			toRemove = append(toRemove, item.Key())
		}
		return true
	})
	for _, nid := range toRemove {
		t.Remove(nid)
	}
	return len(toRemove)
}

// Size returns the number of live entries.
func (t *ForwardingTable) Size() int {
	return t.cache.Len()
}

// Entries returns a snapshot of every live entry, including each one's hit
// count, for diagnostics.
func (t *ForwardingTable) Entries() []ForwardingEntry {
	var out []ForwardingEntry
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache.Range(func(item *ttlcache.Item[Nid, PortId]) bool {
		out = append(out, ForwardingEntry{
			Nid:  item.Key(),
			Port: item.Value(),
			Hits: t.hits[item.Key()],
			Hops: t.hops[item.Key()],
		})
		return true
	})
	return out
}
