package meshcore_test

import (
	"testing"
	"time"

	"github.com/op/go-logging"
	"github.com/stretchr/testify/require"

	"github.com/blemesh/meshcore"
)

// recordingSender captures every (port, bytes) pair handed to Send, used
// to assert what the router emitted without a real transport.
type recordingSender struct {
	sent []sentPacket
}

type sentPacket struct {
	port meshcore.PortId
	data []byte
}

func (s *recordingSender) Send(port meshcore.PortId, data []byte) error {
	s.sent = append(s.sent, sentPacket{port: port, data: append([]byte(nil), data...)})
	return nil
}

// collectingDeliverer records every packet delivered to the local
// application handler.
type collectingDeliverer struct {
	delivered []meshcore.Packet
}

func (d *collectingDeliverer) Deliver(p meshcore.Packet, inPort meshcore.PortId) {
	d.delivered = append(d.delivered, p)
}

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	return meshcore.SetupLogging("meshcore-test", logging.CRITICAL, false)
}

func newTestRouter(t *testing.T) (*meshcore.Router, *meshcore.LinkSupervisor, *meshcore.ForwardingTable, *recordingSender, *collectingDeliverer, meshcore.Nid) {
	t.Helper()
	table := newTestTable(t)
	self := meshcore.NewNid()
	sender := &recordingSender{}
	links := meshcore.NewLinkSupervisor(table, sender)
	replay := meshcore.NewReplayWindow(meshcore.DefaultReplayWindowSize)
	deliverer := &collectingDeliverer{}
	router := meshcore.NewRouter(self, links, table, replay, deliverer, sender, nil, testLogger(t))
	return router, links, table, sender, deliverer, self
}

// TestRouterTwoHopForward mirrors the spec's two-hop delivery scenario:
// B originates a DATA packet toward S; A, sitting between them, must
// decrement TTL and re-MAC under its own uplink's session key rather
// than forwarding B's MAC unchanged.
func TestRouterTwoHopForward(t *testing.T) {
	router, links, table, sender, _, self := newTestRouter(t) // router models "A"
	sink := meshcore.NewNid()
	nodeB := meshcore.NewNid()

	uplinkKey := meshcore.RandNBytes(32)
	downlinkKey := meshcore.RandNBytes(32)
	links.Opening("uplink", true)
	links.Authenticated("uplink", sink, meshcore.RoleSink, uplinkKey)
	links.Opening("downlink-B", false)
	links.Authenticated("downlink-B", nodeB, meshcore.RoleNode, downlinkKey)
	// A has already learned S's route from earlier traffic on its uplink.
	table.Learn(sink, "uplink")

	p := meshcore.NewPacket(nodeB, sink, meshcore.MsgData, 7, 8, []byte("hello"))
	p.CalculateAndSetMAC(downlinkKey)

	reason := router.HandleInbound(p.Encode(), "downlink-B")
	require.Equal(t, meshcore.DropNone, reason)

	require.Len(t, sender.sent, 1)
	require.Equal(t, meshcore.PortId("uplink"), sender.sent[0].port)

	forwarded, err := meshcore.DecodePacket(sender.sent[0].data)
	require.NoError(t, err)
	require.True(t, forwarded.Source.Equal(nodeB))
	require.True(t, forwarded.Destination.Equal(sink))
	require.Equal(t, uint8(7), forwarded.TTL)
	require.Equal(t, uint32(7), forwarded.Sequence)
	require.True(t, forwarded.VerifyMAC(uplinkKey))
	require.False(t, forwarded.VerifyMAC(downlinkKey))

	_ = self
}

func TestRouterDeliversLocalDestination(t *testing.T) {
	router, links, _, _, deliverer, self := newTestRouter(t)
	peer := meshcore.NewNid()
	key := meshcore.RandNBytes(32)
	links.Opening("downlink-1", false)
	links.Authenticated("downlink-1", peer, meshcore.RoleNode, key)

	p := meshcore.NewPacket(peer, self, meshcore.MsgData, 1, 8, []byte("x"))
	p.CalculateAndSetMAC(key)

	reason := router.HandleInbound(p.Encode(), "downlink-1")
	require.Equal(t, meshcore.DropNone, reason)
	require.Len(t, deliverer.delivered, 1)
}

func TestRouterRejectsReplay(t *testing.T) {
	router, links, _, _, _, self := newTestRouter(t)
	peer := meshcore.NewNid()
	key := meshcore.RandNBytes(32)
	links.Opening("downlink-1", false)
	links.Authenticated("downlink-1", peer, meshcore.RoleNode, key)

	p := meshcore.NewPacket(peer, self, meshcore.MsgData, 100, 8, []byte("x"))
	p.CalculateAndSetMAC(key)

	require.Equal(t, meshcore.DropNone, router.HandleInbound(p.Encode(), "downlink-1"))
	require.Equal(t, meshcore.DropReplay, router.HandleInbound(p.Encode(), "downlink-1"))
}

func TestRouterDropsBadMAC(t *testing.T) {
	router, links, _, _, _, self := newTestRouter(t)
	peer := meshcore.NewNid()
	key := meshcore.RandNBytes(32)
	links.Opening("downlink-1", false)
	links.Authenticated("downlink-1", peer, meshcore.RoleNode, key)

	p := meshcore.NewPacket(peer, self, meshcore.MsgData, 1, 8, []byte("x"))
	p.CalculateAndSetMAC(meshcore.RandNBytes(32)) // wrong key

	require.Equal(t, meshcore.DropBadMAC, router.HandleInbound(p.Encode(), "downlink-1"))
}

func TestRouterDropsUnauthenticatedPort(t *testing.T) {
	router, _, _, _, _, self := newTestRouter(t)
	peer := meshcore.NewNid()

	p := meshcore.NewPacket(peer, self, meshcore.MsgData, 1, 8, []byte("x"))
	p.CalculateAndSetMAC(meshcore.RandNBytes(32))

	require.Equal(t, meshcore.DropUnknownSource, router.HandleInbound(p.Encode(), "downlink-1"))
}

func TestRouterTTLExpiredNotForwarded(t *testing.T) {
	router, links, _, _, _, _ := newTestRouter(t)
	peer := meshcore.NewNid()
	other := meshcore.NewNid()
	key := meshcore.RandNBytes(32)
	links.Opening("downlink-1", false)
	links.Authenticated("downlink-1", peer, meshcore.RoleNode, key)

	p := meshcore.NewPacket(peer, other, meshcore.MsgData, 1, 1, []byte("x"))
	p.CalculateAndSetMAC(key)

	require.Equal(t, meshcore.DropTTLExpired, router.HandleInbound(p.Encode(), "downlink-1"))
}

func TestRouterUnknownRouteDropped(t *testing.T) {
	router, links, _, _, _, _ := newTestRouter(t)
	peer := meshcore.NewNid()
	destination := meshcore.NewNid()
	key := meshcore.RandNBytes(32)
	links.Opening("downlink-1", false)
	links.Authenticated("downlink-1", peer, meshcore.RoleNode, key)

	p := meshcore.NewPacket(peer, destination, meshcore.MsgData, 1, 8, []byte("x"))
	p.CalculateAndSetMAC(key)

	require.Equal(t, meshcore.DropNoRoute, router.HandleInbound(p.Encode(), "downlink-1"))
}

func TestRouterReflectionBlocked(t *testing.T) {
	router, links, table, _, _, _ := newTestRouter(t)
	peer := meshcore.NewNid()
	destination := meshcore.NewNid()
	key := meshcore.RandNBytes(32)
	links.Opening("downlink-1", false)
	links.Authenticated("downlink-1", peer, meshcore.RoleNode, key)
	// destination is only reachable back out the same port it arrived on.
	table.Learn(destination, "downlink-1")

	p := meshcore.NewPacket(peer, destination, meshcore.MsgData, 1, 8, []byte("x"))
	p.CalculateAndSetMAC(key)

	require.Equal(t, meshcore.DropReflection, router.HandleInbound(p.Encode(), "downlink-1"))
}

func TestRouterSendLocalFailsWithoutRoute(t *testing.T) {
	router, _, _, _, _, _ := newTestRouter(t)
	err := router.SendLocal(meshcore.NewNid(), meshcore.MsgData, []byte("x"))
	require.ErrorIs(t, err, meshcore.ErrNoRoute)
}

func TestRouterSendLocalUsesLearnedRoute(t *testing.T) {
	router, links, table, sender, _, self := newTestRouter(t)
	destination := meshcore.NewNid()
	key := meshcore.RandNBytes(32)
	links.Opening("uplink", true)
	links.Authenticated("uplink", destination, meshcore.RoleSink, key)
	table.Learn(destination, "uplink")

	err := router.SendLocal(destination, meshcore.MsgData, []byte("hi"))
	require.NoError(t, err)
	require.Len(t, sender.sent, 1)

	p, err := meshcore.DecodePacket(sender.sent[0].data)
	require.NoError(t, err)
	require.True(t, p.Source.Equal(self))
	require.Equal(t, uint8(meshcore.DefaultTTL), p.TTL)
	require.True(t, p.VerifyMAC(key))
}

// TestRouterHeartbeatBroadcastsToDownlinks exercises the one broadcast in
// the system: a heartbeat arriving on the uplink is delivered locally and
// re-notified to every other downlink, TTL decremented, re-MACed under
// each downlink's own session key, and never bounced back out the port it
// arrived on.
func TestRouterHeartbeatBroadcastsToDownlinks(t *testing.T) {
	router, links, _, sender, deliverer, self := newTestRouter(t)
	sink := meshcore.NewNid()
	links.Opening("uplink", true)
	links.Authenticated("uplink", sink, meshcore.RoleSink, meshcore.RandNBytes(32))

	keyC1 := meshcore.RandNBytes(32)
	keyC2 := meshcore.RandNBytes(32)
	links.Opening("child-1", false)
	links.Authenticated("child-1", meshcore.NewNid(), meshcore.RoleNode, keyC1)
	links.Opening("child-2", false)
	links.Authenticated("child-2", meshcore.NewNid(), meshcore.RoleNode, keyC2)

	sinkKey, err := meshcore.GenerateP521Key()
	require.NoError(t, err)
	h, err := meshcore.NewSignedHeartbeat(sink, time.Now(), sinkKey)
	require.NoError(t, err)
	p := meshcore.NewPacket(sink, sink, meshcore.MsgHeartbeat, 1, 4, h.Encode())
	p.CalculateAndSetMAC(meshcore.DefaultHeartbeatHMACKey)

	reason := router.HandleInbound(p.Encode(), "uplink")
	require.Equal(t, meshcore.DropNone, reason)
	require.Len(t, deliverer.delivered, 1)

	require.Len(t, sender.sent, 2)
	seenPorts := map[meshcore.PortId]bool{}
	for _, s := range sender.sent {
		seenPorts[s.port] = true
		fwd, err := meshcore.DecodePacket(s.data)
		require.NoError(t, err)
		require.Equal(t, uint8(3), fwd.TTL)
	}
	require.True(t, seenPorts["child-1"])
	require.True(t, seenPorts["child-2"])
	_ = self
}

// TestRouterNeighborSnapshotEncodesLearnedHops exercises the data the
// transport collaborator's Neighbor Table characteristic serves: a count
// byte followed by (Nid, hop) rows for every route this device has
// learned, derived from how far a packet's TTL has fallen from the default.
func TestRouterNeighborSnapshotEncodesLearnedHops(t *testing.T) {
	router, links, _, _, _, _ := newTestRouter(t)
	peer := meshcore.NewNid()
	key := meshcore.RandNBytes(32)
	links.Opening("downlink-1", false)
	links.Authenticated("downlink-1", peer, meshcore.RoleNode, key)

	farSource := meshcore.NewNid()
	p := meshcore.NewPacket(farSource, meshcore.NewNid(), meshcore.MsgData, 1, meshcore.DefaultTTL-2, []byte("x"))
	p.CalculateAndSetMAC(key)
	require.Equal(t, meshcore.DropNoRoute, router.HandleInbound(p.Encode(), "downlink-1"))

	snapshot := router.NeighborSnapshot()
	require.Equal(t, byte(1), snapshot[0])
	gotNid, err := meshcore.NidFromBytes(snapshot[1 : 1+meshcore.NidSize])
	require.NoError(t, err)
	require.True(t, gotNid.Equal(farSource))
	require.Equal(t, byte(2), snapshot[1+meshcore.NidSize])
}
