package meshcore_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/blemesh/meshcore"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestTable(t *testing.T) *meshcore.ForwardingTable {
	t.Helper()
	table := meshcore.NewForwardingTable(time.Minute)
	t.Cleanup(table.Close)
	return table
}

func TestLinkSupervisorAuthenticatedTracksSessionKey(t *testing.T) {
	table := newTestTable(t)
	links := meshcore.NewLinkSupervisor(table, nil)

	links.Opening("uplink", true)
	require.False(t, links.IsUp("uplink"))

	key := meshcore.RandNBytes(32)
	links.Authenticated("uplink", meshcore.NewNid(), meshcore.RoleSink, key)
	require.True(t, links.IsUp("uplink"))

	got, ok := links.SessionKey("uplink")
	require.True(t, ok)
	require.Equal(t, key, got)
}

func TestLinkSupervisorCascadingDisconnect(t *testing.T) {
	table := newTestTable(t)
	links := meshcore.NewLinkSupervisor(table, nil)

	links.Opening("uplink", true)
	links.Authenticated("uplink", meshcore.NewNid(), meshcore.RoleSink, meshcore.RandNBytes(32))

	links.Opening("downlink-1", false)
	links.Authenticated("downlink-1", meshcore.NewNid(), meshcore.RoleNode, meshcore.RandNBytes(32))
	links.Opening("downlink-2", false)
	links.Authenticated("downlink-2", meshcore.NewNid(), meshcore.RoleNode, meshcore.RandNBytes(32))

	var closed []meshcore.PortId
	links.OnDownlinkClosed(func(port meshcore.PortId) { closed = append(closed, port) })

	links.Close("uplink")

	require.False(t, links.IsUp("uplink"))
	require.False(t, links.IsUp("downlink-1"))
	require.False(t, links.IsUp("downlink-2"))
	require.ElementsMatch(t, []meshcore.PortId{"downlink-1", "downlink-2"}, closed)
}

func TestLinkSupervisorCloseDownlinkDoesNotCascade(t *testing.T) {
	table := newTestTable(t)
	links := meshcore.NewLinkSupervisor(table, nil)

	links.Opening("uplink", true)
	links.Authenticated("uplink", meshcore.NewNid(), meshcore.RoleSink, meshcore.RandNBytes(32))
	links.Opening("downlink-1", false)
	links.Authenticated("downlink-1", meshcore.NewNid(), meshcore.RoleNode, meshcore.RandNBytes(32))

	links.Close("downlink-1")

	require.True(t, links.IsUp("uplink"))
	require.False(t, links.IsUp("downlink-1"))
}

func TestLinkSupervisorCloseEvictsForwardingEntries(t *testing.T) {
	table := newTestTable(t)
	links := meshcore.NewLinkSupervisor(table, nil)

	links.Opening("downlink-1", false)
	nid := meshcore.NewNid()
	table.Learn(nid, "downlink-1")

	links.Close("downlink-1")

	_, ok := table.Lookup(nid)
	require.False(t, ok)
}

func TestLinkSupervisorDownlinksAndUplink(t *testing.T) {
	table := newTestTable(t)
	links := meshcore.NewLinkSupervisor(table, nil)

	links.Opening("uplink", true)
	links.Opening("downlink-1", false)
	links.Opening("downlink-2", false)

	port, ok := links.Uplink()
	require.True(t, ok)
	require.Equal(t, meshcore.PortId("uplink"), port)

	require.ElementsMatch(t, []meshcore.PortId{"downlink-1", "downlink-2"}, links.Downlinks())
}
