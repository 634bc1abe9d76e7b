package meshcore_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blemesh/meshcore"
	"github.com/blemesh/meshcore/internal/devtools/ca"
)

func TestChooseParentPrefersLowestHopCount(t *testing.T) {
	candidates := []meshcore.ScanResult{
		{PeerID: "far", HopCount: 3, RSSI: -40},
		{PeerID: "near", HopCount: 1, RSSI: -80},
	}
	best, ok := meshcore.ChooseParent(candidates)
	require.True(t, ok)
	require.Equal(t, "near", best.PeerID)
}

func TestChooseParentPrefersSinkSentinelOverAnyHopCount(t *testing.T) {
	candidates := []meshcore.ScanResult{
		{PeerID: "node-hop0", HopCount: 0, RSSI: -40},
		{PeerID: "the-sink", HopCount: meshcore.UnreachableHopCount, RSSI: -90},
	}
	best, ok := meshcore.ChooseParent(candidates)
	require.True(t, ok)
	require.Equal(t, "the-sink", best.PeerID)
}

func TestChooseParentBreaksTiesByRSSI(t *testing.T) {
	candidates := []meshcore.ScanResult{
		{PeerID: "weak", HopCount: 2, RSSI: -90},
		{PeerID: "strong", HopCount: 2, RSSI: -30},
	}
	best, ok := meshcore.ChooseParent(candidates)
	require.True(t, ok)
	require.Equal(t, "strong", best.PeerID)
}

func TestChooseParentEmpty(t *testing.T) {
	_, ok := meshcore.ChooseParent(nil)
	require.False(t, ok)
}

// TestDeviceStateMachineFullAttachFlow drives a Node's DeviceStateMachine
// through Idle -> Connecting -> Authenticating -> Attached against a bare
// AuthFsm standing in for the parent's side of the link, mirroring the
// six-message handshake in auth_test.go.
func TestDeviceStateMachineFullAttachFlow(t *testing.T) {
	authority, err := ca.NewAuthority()
	require.NoError(t, err)
	nodeCerts := issueCertStore(t, authority, meshcore.RoleNode)
	parentCerts := issueCertStore(t, authority, meshcore.RoleSink)

	table := newTestTable(t)
	links := meshcore.NewLinkSupervisor(table, nil)
	dsm := meshcore.NewDeviceStateMachine(nodeCerts, links, meshcore.DefaultTimeouts(), testLogger(t))

	require.Equal(t, meshcore.UplinkIdle, dsm.State())

	dsm.BeginConnecting("uplink")
	require.Equal(t, meshcore.UplinkConnecting, dsm.State())

	nodeOffer, err := dsm.BeginAuthenticating("uplink", meshcore.UnreachableHopCount)
	require.NoError(t, err)
	require.Equal(t, meshcore.UplinkAuthenticating, dsm.State())
	require.Equal(t, meshcore.AuthCertOffer, nodeOffer.Type)

	parentFsm, err := meshcore.NewAuthFsm(parentCerts)
	require.NoError(t, err)
	parentOffer := parentFsm.Start()

	challengeFromParent, done, err := parentFsm.HandleMessage(nodeOffer)
	require.NoError(t, err)
	require.False(t, done)
	require.Equal(t, meshcore.AuthChallenge, challengeFromParent.Type)

	challengeFromNode, attached, err := dsm.HandleAuthMessage("uplink", meshcore.UnreachableHopCount, parentOffer)
	require.NoError(t, err)
	require.False(t, attached)
	require.Equal(t, meshcore.AuthChallenge, challengeFromNode.Type)

	responseFromParent, done, err := parentFsm.HandleMessage(*challengeFromNode)
	require.NoError(t, err)
	require.False(t, done)
	require.Equal(t, meshcore.AuthResponse, responseFromParent.Type)

	responseFromNode, attached, err := dsm.HandleAuthMessage("uplink", meshcore.UnreachableHopCount, *challengeFromParent)
	require.NoError(t, err)
	require.False(t, attached)
	require.Equal(t, meshcore.AuthResponse, responseFromNode.Type)

	successFromParent, done, err := parentFsm.HandleMessage(*responseFromNode)
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, meshcore.AuthSuccess, successFromParent.Type)
	require.Equal(t, meshcore.AuthAuthenticated, parentFsm.State())

	finalReply, attached, err := dsm.HandleAuthMessage("uplink", meshcore.UnreachableHopCount, *responseFromParent)
	require.NoError(t, err)
	require.True(t, attached)
	require.Equal(t, meshcore.AuthSuccess, finalReply.Type)

	require.Equal(t, meshcore.UplinkAttached, dsm.State())
	require.Equal(t, uint8(meshcore.SinkHopCount), dsm.AdvertisedHopCount())
	require.True(t, links.IsUp("uplink"))

	key, ok := links.SessionKey("uplink")
	require.True(t, ok)
	require.Equal(t, parentFsm.SessionKey(), key)
}

// TestDeviceStateMachineAuthFailureReturnsToIdle mirrors the
// Authenticating -> Idle transition on a FAILED handshake: a peer
// certificate from an unrelated CA must not attach the uplink.
func TestDeviceStateMachineAuthFailureReturnsToIdle(t *testing.T) {
	authorityReal, err := ca.NewAuthority()
	require.NoError(t, err)
	authorityRogue, err := ca.NewAuthority()
	require.NoError(t, err)

	nodeCerts := issueCertStore(t, authorityReal, meshcore.RoleNode)
	impostorCerts := issueCertStore(t, authorityRogue, meshcore.RoleSink)

	table := newTestTable(t)
	links := meshcore.NewLinkSupervisor(table, nil)
	dsm := meshcore.NewDeviceStateMachine(nodeCerts, links, meshcore.DefaultTimeouts(), testLogger(t))

	dsm.BeginConnecting("uplink")
	_, err = dsm.BeginAuthenticating("uplink", meshcore.UnreachableHopCount)
	require.NoError(t, err)

	impostorFsm, err := meshcore.NewAuthFsm(impostorCerts)
	require.NoError(t, err)
	impostorOffer := impostorFsm.Start()

	reply, attached, err := dsm.HandleAuthMessage("uplink", meshcore.UnreachableHopCount, impostorOffer)
	require.Error(t, err)
	require.False(t, attached)
	require.Equal(t, meshcore.AuthFailed, reply.Type)
	require.Equal(t, meshcore.UplinkIdle, dsm.State())
	require.False(t, links.IsUp("uplink"))
}

func TestDeviceStateMachineCheckLivenessIgnoresNonAttached(t *testing.T) {
	table := newTestTable(t)
	links := meshcore.NewLinkSupervisor(table, nil)
	authority, err := ca.NewAuthority()
	require.NoError(t, err)
	nodeCerts := issueCertStore(t, authority, meshcore.RoleNode)

	timeouts := meshcore.Timeouts{HeartbeatInterval: time.Second, HeartbeatMissedLimit: 3}
	dsm := meshcore.NewDeviceStateMachine(nodeCerts, links, timeouts, testLogger(t))

	// Never attached: liveness checks are a no-op regardless of elapsed time.
	require.False(t, dsm.CheckLiveness(time.Now().Add(time.Hour)))
}
