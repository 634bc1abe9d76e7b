// Command meshd runs one mesh device: it loads its provisioned identity,
// brings up the BLE transport, and drives authentication, routing, and
// liveness for as long as the process lives.
package main

import (
	"context"
	"fmt"
	stdlog "log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/op/go-logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli"

	"github.com/blemesh/meshcore"
	"github.com/blemesh/meshcore/internal/transport/ble"
)

// uplinkPort is the fixed PortId a Node's single uplink slot is tracked
// under; downlink ports are keyed by the BLE connection address the
// peripheral side hands back on subscribe.
const uplinkPort meshcore.PortId = "uplink"

func main() {
	app := cli.NewApp()
	app.Name = "meshd"
	app.Usage = "run a mesh network device"
	app.Version = meshcore.Version.String()
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config", Value: "/etc/meshcore/meshd.yaml", Usage: "path to device config"},
		cli.StringFlag{Name: "metrics-addr", Value: ":9273", Usage: "address to serve /metrics on"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		stdlog.Fatalf("meshd: %v", err)
	}
}

func run(c *cli.Context) error {
	log := meshcore.SetupLogging("meshd", logging.INFO, true)

	cfg, err := meshcore.LoadConfig(c.String("config"))
	if err != nil {
		return err
	}

	certs, err := meshcore.LoadCertStore(cfg.CertPath, cfg.KeyPath, cfg.CACertPath)
	if err != nil {
		return err
	}
	log.Infof("loaded identity nid=%s role=%s", certs.Nid(), certs.Role())

	reg := prometheus.NewRegistry()
	metrics := meshcore.NewMetrics(reg)
	go serveMetrics(c.String("metrics-addr"), reg, log)

	timeouts := meshcore.Timeouts{
		HeartbeatInterval:    cfg.HeartbeatInterval,
		HeartbeatMissedLimit: cfg.HeartbeatMissedLimit,
		AuthHandshake:        cfg.AuthHandshakeTimeout,
		ReassemblyIdle:       meshcore.DefaultTimeouts().ReassemblyIdle,
		ForwardingEntryTTL:   cfg.ForwardingTableTTL,
	}

	table := meshcore.NewForwardingTable(cfg.ForwardingTableTTL)
	defer table.Close()
	replay := meshcore.NewReplayWindow(cfg.ReplayWindowSize)

	d := &device{
		certs:        certs,
		cfg:          cfg,
		table:        table,
		replay:       replay,
		metrics:      metrics,
		log:          log,
		timeouts:     timeouts,
		dataReasm:    map[meshcore.PortId]*meshcore.Reassembler{},
		authReasm:    map[meshcore.PortId]*meshcore.Reassembler{},
		downlinkAuth: map[meshcore.PortId]*meshcore.AuthFsm{},
	}
	links := meshcore.NewLinkSupervisor(table, d)
	router := meshcore.NewRouter(certs.Nid(), links, table, replay, d, d, metrics, log)
	d.links = links
	d.router = router
	ble.NeighborSnapshotFunc = router.NeighborSnapshot

	d.startDownlinkPeripheral()

	if certs.Role() == meshcore.RoleSink {
		runSink(d)
		return nil
	}

	d.dsm = meshcore.NewDeviceStateMachine(certs, links, timeouts, log)
	runNode(d)
	return nil
}

// device wires a CertStore, Router, and LinkSupervisor to the BLE
// transport collaborator: it is the PortSender every outbound packet goes
// through and the LocalDeliverer every locally addressed packet lands on,
// fragmenting and reassembling across whichever of the uplink Central or
// the downlink-accepting Peripheral a port resolves to.
type device struct {
	certs    *meshcore.CertStore
	cfg      meshcore.Config
	table    *meshcore.ForwardingTable
	replay   *meshcore.ReplayWindow
	links    *meshcore.LinkSupervisor
	router   *meshcore.Router
	metrics  *meshcore.Metrics
	log      *logging.Logger
	timeouts meshcore.Timeouts
	dsm      *meshcore.DeviceStateMachine // nil for a Sink; a Sink has no uplink slot.

	mu           sync.Mutex
	central      *ble.Central
	peripheral   *ble.Peripheral
	dataReasm    map[meshcore.PortId]*meshcore.Reassembler
	authReasm    map[meshcore.PortId]*meshcore.Reassembler
	downlinkAuth map[meshcore.PortId]*meshcore.AuthFsm
}

func (d *device) setCentral(c *ble.Central) {
	d.mu.Lock()
	d.central = c
	d.mu.Unlock()
}

func (d *device) getCentral() *ble.Central {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.central
}

// Send implements meshcore.PortSender: it fragments data for the BLE MTU
// and writes each fragment out the uplink Central (the single port named
// uplinkPort) or the accepting Peripheral's Notify path for any downlink.
func (d *device) Send(port meshcore.PortId, data []byte) error {
	frags, err := meshcore.FragmentMessage(data)
	if err != nil {
		return fmt.Errorf("meshd: fragmenting outbound message for %s: %w", port, err)
	}
	if port == uplinkPort {
		central := d.getCentral()
		if central == nil {
			return fmt.Errorf("meshd: no uplink connected")
		}
		for _, f := range frags {
			if err := central.SendData(f.Encode()); err != nil {
				return err
			}
		}
		return nil
	}
	p := d.peripheralOrNil()
	if p == nil {
		return fmt.Errorf("meshd: no peripheral running")
	}
	for _, f := range frags {
		p.Notify(string(port), f.Encode())
	}
	return nil
}

func (d *device) peripheralOrNil() *ble.Peripheral {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peripheral
}

// Deliver implements meshcore.LocalDeliverer. A delivered heartbeat also
// feeds the Node's uplink liveness monitor; it's a no-op on a Sink, which
// has no DeviceStateMachine.
func (d *device) Deliver(p meshcore.Packet, inPort meshcore.PortId) {
	d.log.Infof("delivered %s packet from %s (%d bytes) via %s", p.Type, p.Source, len(p.Payload), inPort)
	if p.Type != meshcore.MsgHeartbeat || d.dsm == nil {
		return
	}
	h, err := meshcore.DecodeHeartbeatPayload(p.Payload)
	if err != nil {
		d.log.Warningf("decoding heartbeat from %s: %v", p.Source, err)
		return
	}
	d.dsm.OnHeartbeat(h)
}

// startDownlinkPeripheral brings up the GATT server every device runs
// regardless of role, since a Node may have children of its own.
func (d *device) startDownlinkPeripheral() {
	name := d.cfg.DeviceName
	if name == "" {
		name = "mesh-" + d.certs.Nid().String()
	}
	p, err := ble.NewPeripheral(name, d.cfg.ServiceUUID, d.onPeripheralData, d.onPeripheralAuth)
	if err != nil {
		d.log.Fatalf("creating peripheral: %v", err)
	}
	p.OnSubscribe(d.onDownlinkConnected)
	p.OnUnsubscribe(d.onDownlinkDisconnected)
	d.mu.Lock()
	d.peripheral = p
	d.mu.Unlock()
	go p.Run()
}

func (d *device) onDownlinkConnected(connAddr string) {
	d.links.Opening(meshcore.PortId(connAddr), false)
	d.log.Infof("downlink %s connected", connAddr)
}

func (d *device) onDownlinkDisconnected(connAddr string) {
	port := meshcore.PortId(connAddr)
	d.mu.Lock()
	delete(d.dataReasm, port)
	delete(d.authReasm, port)
	delete(d.downlinkAuth, port)
	d.mu.Unlock()
	d.links.Close(port)
	d.log.Infof("downlink %s disconnected", connAddr)
}

// onPeripheralData reassembles fragments written to the Network Packet
// characteristic by a connected child and hands the complete message to
// the router once reassembled.
func (d *device) onPeripheralData(connAddr string, raw []byte) {
	port := meshcore.PortId(connAddr)
	frag, err := meshcore.DecodeFragment(raw)
	if err != nil {
		d.log.Warningf("downlink %s sent malformed fragment: %v", port, err)
		return
	}

	d.mu.Lock()
	r, ok := d.dataReasm[port]
	if !ok {
		r = meshcore.NewReassembler(d.timeouts.ReassemblyIdle)
		d.dataReasm[port] = r
	}
	d.mu.Unlock()

	msg, done, err := r.Add(frag, time.Now())
	if err != nil {
		d.log.Warningf("downlink %s reassembly: %v", port, err)
		return
	}
	if !done {
		return
	}
	d.router.HandleInbound(msg, port)
}

// onPeripheralAuth reassembles fragments written to the Authentication
// characteristic and drives the server side of that child's handshake,
// lazily starting an AuthFsm on its first CERT_OFFER.
func (d *device) onPeripheralAuth(connAddr string, raw []byte) {
	port := meshcore.PortId(connAddr)
	frag, err := meshcore.DecodeFragment(raw)
	if err != nil {
		d.log.Warningf("downlink %s auth fragment decode: %v", port, err)
		return
	}

	d.mu.Lock()
	r, ok := d.authReasm[port]
	if !ok {
		r = meshcore.NewReassembler(d.timeouts.ReassemblyIdle)
		d.authReasm[port] = r
	}
	d.mu.Unlock()

	msg, done, err := r.Add(frag, time.Now())
	if err != nil {
		d.log.Warningf("downlink %s auth reassembly: %v", port, err)
		return
	}
	if !done {
		return
	}
	am, err := meshcore.DecodeAuthMessage(msg)
	if err != nil {
		d.log.Warningf("downlink %s auth decode: %v", port, err)
		return
	}

	d.mu.Lock()
	fsm, ok := d.downlinkAuth[port]
	if !ok {
		fsm, err = meshcore.NewAuthFsm(d.certs)
		if err != nil {
			d.mu.Unlock()
			d.log.Errorf("creating auth fsm for downlink %s: %v", port, err)
			return
		}
		d.downlinkAuth[port] = fsm
		d.log.Infof("downlink %s auth[%s] starting handshake", port, fsm.SessionID())
	}
	d.mu.Unlock()

	reply, done, herr := fsm.HandleMessage(am)
	if reply != nil {
		d.sendAuthReply(connAddr, *reply)
	}
	if !done {
		return
	}

	d.mu.Lock()
	delete(d.downlinkAuth, port)
	d.mu.Unlock()

	if fsm.State() != meshcore.AuthAuthenticated {
		d.log.Warningf("downlink %s auth[%s] failed: %v", port, fsm.SessionID(), herr)
		d.links.Close(port)
		return
	}
	d.links.Authenticated(port, fsm.PeerNid(), fsm.PeerRole(), fsm.SessionKey())
	d.log.Infof("downlink %s auth[%s] attached peer=%s", port, fsm.SessionID(), fsm.PeerNid())
}

func (d *device) sendAuthReply(connAddr string, msg meshcore.AuthMessage) {
	frags, err := meshcore.FragmentMessage(msg.Encode())
	if err != nil {
		d.log.Warningf("fragmenting auth reply to %s: %v", connAddr, err)
		return
	}
	p := d.peripheralOrNil()
	if p == nil {
		return
	}
	for _, f := range frags {
		p.NotifyAuth(connAddr, f.Encode())
	}
}

// runSink periodically signs and broadcasts a liveness heartbeat to every
// connected downlink over the Network Packet characteristic's notify path.
func runSink(d *device) {
	ticker := time.NewTicker(d.timeouts.HeartbeatInterval)
	defer ticker.Stop()

	var seq uint32
	for range ticker.C {
		h, err := meshcore.NewSignedHeartbeat(d.certs.Nid(), time.Now(), d.certs.PrivateKey())
		if err != nil {
			d.log.Errorf("signing heartbeat: %v", err)
			continue
		}
		p := meshcore.NewPacket(d.certs.Nid(), d.certs.Nid(), meshcore.MsgHeartbeat, seq, meshcore.DefaultTTL, h.Encode())
		seq++
		p.CalculateAndSetMAC(meshcore.DefaultHeartbeatHMACKey)

		frags, err := meshcore.FragmentMessage(p.Encode())
		if err != nil {
			d.log.Errorf("fragmenting heartbeat: %v", err)
			continue
		}
		peripheral := d.peripheralOrNil()
		if peripheral == nil {
			continue
		}
		for _, f := range frags {
			peripheral.Broadcast(f.Encode())
		}
		d.log.Debugf("broadcast heartbeat size=%d fragments=%d", p.Size(), len(frags))
	}
}

// runNode drives the uplink slot through repeated
// scan -> connect -> authenticate -> attach cycles, reconnecting whenever
// the liveness loop reports the uplink has gone down.
func runNode(d *device) {
	for {
		if !attachUplink(d) {
			time.Sleep(time.Second)
			continue
		}
		watchLiveness(d)
	}
}

// attachUplink scans for a parent, dials the best candidate, and drives
// the mutual-authentication handshake to completion. It reports whether
// the uplink ended up Attached.
func attachUplink(d *device) bool {
	scanCtx, cancel := context.WithTimeout(context.Background(), d.cfg.ScanDuration)
	defer cancel()

	var mu sync.Mutex
	var candidates []meshcore.ScanResult
	seen := map[string]int{}
	err := ble.Scan(scanCtx, d.cfg.ScanDuration, func(a ble.Advertisement) {
		mu.Lock()
		defer mu.Unlock()
		result := meshcore.ScanResult{PeerID: a.PeerID, HopCount: a.HopCount, RSSI: a.RSSI}
		if a.IsSink {
			result.HopCount = meshcore.UnreachableHopCount
		}
		if idx, ok := seen[a.PeerID]; ok {
			candidates[idx] = result
			return
		}
		seen[a.PeerID] = len(candidates)
		candidates = append(candidates, result)
	})
	if err != nil {
		d.log.Warningf("scan failed: %v", err)
		return false
	}

	best, ok := meshcore.ChooseParent(candidates)
	if !ok {
		d.log.Debugf("no parent candidates found")
		return false
	}

	dialCtx, dialCancel := context.WithTimeout(context.Background(), d.timeouts.AuthHandshake)
	defer dialCancel()
	central, err := ble.Dial(dialCtx, best.PeerID, d.cfg.ServiceUUID)
	if err != nil {
		d.log.Warningf("dial %s: %v", best.PeerID, err)
		return false
	}

	d.dsm.BeginConnecting(uplinkPort)
	d.setCentral(central)

	if !authenticateUplink(d, central, best) {
		central.Close()
		d.setCentral(nil)
		d.dsm.TransportDown(uplinkPort)
		return false
	}
	return true
}

// authenticateUplink subscribes to the parent's notifications, drives the
// AuthFsm from the child side, and blocks until attached or the handshake
// times out or fails.
func authenticateUplink(d *device, central *ble.Central, parent meshcore.ScanResult) bool {
	authCh := make(chan meshcore.AuthMessage, 8)

	var reasmMu sync.Mutex
	dataReasm := meshcore.NewReassembler(d.timeouts.ReassemblyIdle)
	authReasm := meshcore.NewReassembler(d.timeouts.ReassemblyIdle)

	onData := func(raw []byte) {
		frag, err := meshcore.DecodeFragment(raw)
		if err != nil {
			d.log.Warningf("uplink fragment decode: %v", err)
			return
		}
		reasmMu.Lock()
		msg, done, err := dataReasm.Add(frag, time.Now())
		reasmMu.Unlock()
		if err != nil {
			d.log.Warningf("uplink reassembly: %v", err)
			return
		}
		if !done {
			return
		}
		d.router.HandleInbound(msg, uplinkPort)
	}
	onAuth := func(raw []byte) {
		frag, err := meshcore.DecodeFragment(raw)
		if err != nil {
			d.log.Warningf("uplink auth fragment decode: %v", err)
			return
		}
		reasmMu.Lock()
		msg, done, err := authReasm.Add(frag, time.Now())
		reasmMu.Unlock()
		if err != nil {
			d.log.Warningf("uplink auth reassembly: %v", err)
			return
		}
		if !done {
			return
		}
		am, err := meshcore.DecodeAuthMessage(msg)
		if err != nil {
			d.log.Warningf("uplink auth decode: %v", err)
			return
		}
		authCh <- am
	}

	if err := central.Subscribe(onData, onAuth); err != nil {
		d.log.Warningf("subscribing to %s: %v", parent.PeerID, err)
		return false
	}

	offer, err := d.dsm.BeginAuthenticating(uplinkPort, parent.HopCount)
	if err != nil {
		d.log.Warningf("starting handshake with %s: %v", parent.PeerID, err)
		return false
	}
	if err := sendAuthFrames(central, offer); err != nil {
		d.log.Warningf("sending CERT_OFFER to %s: %v", parent.PeerID, err)
		return false
	}

	deadline := time.NewTimer(d.timeouts.AuthHandshake)
	defer deadline.Stop()
	for {
		select {
		case am := <-authCh:
			reply, attached, herr := d.dsm.HandleAuthMessage(uplinkPort, parent.HopCount, am)
			if reply != nil {
				if serr := sendAuthFrames(central, *reply); serr != nil {
					d.log.Warningf("sending auth reply to %s: %v", parent.PeerID, serr)
				}
			}
			if attached {
				d.log.Infof("attached to parent %s hop_count=%d", parent.PeerID, d.dsm.AdvertisedHopCount())
				return true
			}
			if herr != nil {
				return false
			}
		case <-deadline.C:
			d.log.Warningf("handshake with %s timed out", parent.PeerID)
			return false
		}
	}
}

func sendAuthFrames(central *ble.Central, msg meshcore.AuthMessage) error {
	frags, err := meshcore.FragmentMessage(msg.Encode())
	if err != nil {
		return err
	}
	for _, f := range frags {
		if err := central.SendAuth(f.Encode()); err != nil {
			return err
		}
	}
	return nil
}

// watchLiveness polls the uplink's heartbeat timeout once attached,
// returning as soon as the uplink is no longer Attached so runNode can
// scan for a new parent.
func watchLiveness(d *device) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if d.dsm.CheckLiveness(time.Now()) {
			d.setCentral(nil)
			return
		}
		if d.dsm.State() != meshcore.UplinkAttached {
			return
		}
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, log *logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	log.Infof("serving metrics on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Errorf("metrics server: %v", err)
	}
}
