package meshcore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestForwardingTableLearnAndLookup(t *testing.T) {
	table := NewForwardingTable(time.Minute)
	defer table.Close()

	nid := NewNid()
	table.Learn(nid, "uplink")

	port, ok := table.Lookup(nid)
	require.True(t, ok)
	require.Equal(t, PortId("uplink"), port)
}

func TestForwardingTableUnknownDestination(t *testing.T) {
	table := NewForwardingTable(time.Minute)
	defer table.Close()

	_, ok := table.Lookup(NewNid())
	require.False(t, ok)
}

func TestForwardingTableRemoveByPort(t *testing.T) {
	table := NewForwardingTable(time.Minute)
	defer table.Close()

	a, b, c := NewNid(), NewNid(), NewNid()
	table.Learn(a, "downlink-1")
	table.Learn(b, "downlink-1")
	table.Learn(c, "uplink")

	removed := table.RemoveByPort("downlink-1")
	require.Equal(t, 2, removed)

	_, ok := table.Lookup(a)
	require.False(t, ok)
	_, ok = table.Lookup(b)
	require.False(t, ok)
	_, ok = table.Lookup(c)
	require.True(t, ok)
}

func TestForwardingTableEntryExpires(t *testing.T) {
	table := NewForwardingTable(20 * time.Millisecond)
	defer table.Close()

	nid := NewNid()
	table.Learn(nid, "uplink")
	time.Sleep(100 * time.Millisecond)

	_, ok := table.Lookup(nid)
	require.False(t, ok)
}

func TestForwardingTableHitsTracked(t *testing.T) {
	table := NewForwardingTable(time.Minute)
	defer table.Close()

	nid := NewNid()
	table.Learn(nid, "uplink")
	table.Lookup(nid)
	table.Lookup(nid)

	entries := table.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, uint64(2), entries[0].Hits)
}

func TestForwardingTableLearnWithHopTracksHopCount(t *testing.T) {
	table := NewForwardingTable(time.Minute)
	defer table.Close()

	nid := NewNid()
	table.LearnWithHop(nid, "downlink-1", 3)

	entries := table.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, uint8(3), entries[0].Hops)
}

func TestForwardingTablePlainLearnLeavesHopUnset(t *testing.T) {
	table := NewForwardingTable(time.Minute)
	defer table.Close()

	nid := NewNid()
	table.Learn(nid, "uplink")

	entries := table.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, uint8(0), entries[0].Hops)
}
