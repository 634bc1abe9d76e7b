// Package ble adapts meshcore's abstract port model onto
// github.com/currantlabs/ble GATT characteristics. It is a thin
// collaborator: the core never imports it directly, and it never decodes
// a mesh Packet — it only moves bytes between a BLE characteristic and
// the fragmentation-aware channels the core reads and writes.
package ble

import (
	"log"
	"sync"
	"time"

	"github.com/currantlabs/ble"
	"github.com/currantlabs/ble/examples/lib/gatt"
)

// DefaultServiceUUID identifies the mesh GATT service every device
// advertises and every Central looks up after dialing.
const DefaultServiceUUID = "B4E5A000-9C2D-4F3E-8A1B-6D7C2E9F3A01"

// NetworkPacketCharUUID carries fragmented mesh Packet bytes, including
// Sink-originated heartbeats delivered as notifications.
var NetworkPacketCharUUID = ble.MustParse("B4E5A001-9C2D-4F3E-8A1B-6D7C2E9F3A01")

// AuthenticationCharUUID carries fragmented AuthMessage bytes for the
// control-plane handshake.
var AuthenticationCharUUID = ble.MustParse("B4E5A002-9C2D-4F3E-8A1B-6D7C2E9F3A01")

// NeighborTableCharUUID exposes a read/notify snapshot of the device's
// current neighbor table for scanner-side parent selection diagnostics.
var NeighborTableCharUUID = ble.MustParse("B4E5A003-9C2D-4F3E-8A1B-6D7C2E9F3A01")

// Peripheral is the GATT server side of a device: it accepts downlink
// connections from children and exposes the three mesh characteristics.
// Structurally this is the teacher's BluetoothPeripheral generalized from
// one fixed characteristic to the mesh's three, and from a single global
// write/read channel pair to one pair of channels per connected peer
// (since a mesh device may have many simultaneous downlinks, where the
// teacher's SSH-agent peripheral only ever served one).
type Peripheral struct {
	sync.Mutex

	deviceName string
	uuid       ble.UUID
	service    *ble.Service

	// onData/onAuth are invoked with the remote connection's address and
	// the bytes written to the respective characteristic.
	onData func(connAddr string, data []byte)
	onAuth func(connAddr string, data []byte)
	// onSubscribe/onUnsubscribe track downlink connect/disconnect, feeding
	// LinkSupervisor.Opening / Close via the daemon's glue code.
	onSubscribe   func(connAddr string)
	onUnsubscribe func(connAddr string)

	// notifiers holds one outbound queue per (peer, characteristic): the
	// Network Packet and Authentication characteristics notify
	// independently, since a parent's AUTH_CHALLENGE/AUTH_SUCCESS replies
	// to a connecting child must not be interleaved with DATA/HEARTBEAT
	// traffic on the same connection.
	notifiers map[string]*connNotifiers
}

type connNotifiers struct {
	data chan []byte
	auth chan []byte
	refs int
}

// NewPeripheral builds a Peripheral advertising serviceUUID under
// deviceName, wiring the Network Packet and Authentication characteristics
// to onData/onAuth.
func NewPeripheral(deviceName, serviceUUID string, onData, onAuth func(connAddr string, data []byte)) (p *Peripheral, err error) {
	uuid, err := ble.Parse(serviceUUID)
	if err != nil {
		return nil, err
	}
	p = &Peripheral{
		deviceName: deviceName,
		uuid:       uuid,
		notifiers:  map[string]*connNotifiers{},
		onData:     onData,
		onAuth:     onAuth,
	}

	service := ble.NewService(uuid)

	dataChar := ble.NewCharacteristic(NetworkPacketCharUUID)
	dataChar.HandleWrite(ble.WriteHandlerFunc(p.writeHandler(onData)))
	dataChar.HandleNotify(ble.NotifyHandlerFunc(p.notifyHandlerFor(func(cn *connNotifiers) chan []byte { return cn.data })))
	service.AddCharacteristic(dataChar)

	authChar := ble.NewCharacteristic(AuthenticationCharUUID)
	authChar.HandleWrite(ble.WriteHandlerFunc(p.writeHandler(onAuth)))
	authChar.HandleNotify(ble.NotifyHandlerFunc(p.notifyHandlerFor(func(cn *connNotifiers) chan []byte { return cn.auth })))
	service.AddCharacteristic(authChar)

	neighborChar := ble.NewCharacteristic(NeighborTableCharUUID)
	neighborChar.HandleRead(ble.ReadHandlerFunc(p.readNeighborTable))
	service.AddCharacteristic(neighborChar)

	p.service = service
	return p, nil
}

// OnSubscribe/OnUnsubscribe register downlink-connect and
// downlink-disconnect callbacks.
func (p *Peripheral) OnSubscribe(fn func(connAddr string))   { p.onSubscribe = fn }
func (p *Peripheral) OnUnsubscribe(fn func(connAddr string)) { p.onUnsubscribe = fn }

// NeighborSnapshotFunc supplies the bytes to answer a Neighbor Table read.
// Registered separately since it depends on the router's live state.
var NeighborSnapshotFunc func() []byte

func (p *Peripheral) readNeighborTable(req ble.Request, rsp ble.ResponseWriter) {
	if NeighborSnapshotFunc == nil {
		return
	}
	rsp.Write(NeighborSnapshotFunc())
}

func (p *Peripheral) writeHandler(onWrite func(connAddr string, data []byte)) ble.WriteHandlerFunc {
	return func(req ble.Request, rsp ble.ResponseWriter) {
		addr := req.Conn().RemoteAddr().String()
		data := req.Data()
		if onWrite != nil {
			onWrite(addr, data)
		}
	}
}

// subscribe returns the (data, auth) queue pair for connAddr, creating it
// on the connection's first subscribe and bumping its characteristic
// refcount. first reports whether this was the connection's first
// subscription across both characteristics, which is when onSubscribe
// should fire.
func (p *Peripheral) subscribe(connAddr string) (cn *connNotifiers, first bool) {
	p.Lock()
	defer p.Unlock()
	cn, ok := p.notifiers[connAddr]
	if !ok {
		cn = &connNotifiers{data: make(chan []byte, 64), auth: make(chan []byte, 64)}
		p.notifiers[connAddr] = cn
	}
	cn.refs++
	return cn, cn.refs == 1
}

// unsubscribe drops one characteristic's hold on connAddr's queues,
// reporting last=true once both the data and auth characteristics have
// unsubscribed, which is when onUnsubscribe should fire.
func (p *Peripheral) unsubscribe(connAddr string) (last bool) {
	p.Lock()
	defer p.Unlock()
	cn, ok := p.notifiers[connAddr]
	if !ok {
		return true
	}
	cn.refs--
	if cn.refs <= 0 {
		delete(p.notifiers, connAddr)
		return true
	}
	return false
}

// notifyHandlerFor returns the ble.NotifyHandlerFunc body for one
// characteristic, selecting which of a peer's two queues (data or auth)
// it drains via selectCh. A child normally subscribes to both
// characteristics back to back, so onSubscribe/onUnsubscribe are
// refcounted across the pair and fire once per connection, not once per
// characteristic.
func (p *Peripheral) notifyHandlerFor(selectCh func(*connNotifiers) chan []byte) func(req ble.Request, n ble.Notifier) {
	return func(req ble.Request, n ble.Notifier) {
		addr := req.Conn().RemoteAddr().String()
		cn, first := p.subscribe(addr)
		ch := selectCh(cn)
		if first && p.onSubscribe != nil {
			p.onSubscribe(addr)
		}

		defer func() {
			last := p.unsubscribe(addr)
			if last && p.onUnsubscribe != nil {
				p.onUnsubscribe(addr)
			}
		}()

		for {
			select {
			case <-n.Context().Done():
				return
			case msg := <-ch:
				if _, err := n.Write(msg); err != nil {
					log.Printf("ble: notify write to %s failed: %v", addr, err)
					return
				}
			}
		}
	}
}

// Notify sends data as a notification on the Network Packet characteristic
// to the downlink identified by connAddr. It silently drops the write if
// that peer hasn't subscribed (e.g. mid-handshake).
func (p *Peripheral) Notify(connAddr string, data []byte) {
	p.Lock()
	cn, ok := p.notifiers[connAddr]
	p.Unlock()
	if !ok {
		return
	}
	select {
	case cn.data <- data:
	default:
		log.Printf("ble: data notify queue full for %s, dropping", connAddr)
	}
}

// NotifyAuth sends data as a notification on the Authentication
// characteristic to connAddr, used for a parent's AUTH_CHALLENGE,
// AUTH_SUCCESS, and AUTH_FAILED replies during a child's handshake.
func (p *Peripheral) NotifyAuth(connAddr string, data []byte) {
	p.Lock()
	cn, ok := p.notifiers[connAddr]
	p.Unlock()
	if !ok {
		return
	}
	select {
	case cn.auth <- data:
	default:
		log.Printf("ble: auth notify queue full for %s, dropping", connAddr)
	}
}

// Broadcast sends data as a notification on the Network Packet
// characteristic to every currently subscribed downlink, used for
// Sink-originated heartbeats.
func (p *Peripheral) Broadcast(data []byte) {
	p.Lock()
	targets := make([]chan []byte, 0, len(p.notifiers))
	for _, cn := range p.notifiers {
		targets = append(targets, cn.data)
	}
	p.Unlock()
	for _, ch := range targets {
		select {
		case ch <- data:
		default:
		}
	}
}

// Run advertises the peripheral's service, restarting on failure with a
// backoff, the way the teacher's bluetoothMain loop does.
func (p *Peripheral) Run() {
	for {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("ble: recovered from peripheral panic: %v", r)
				}
			}()
			gatt.Reset()
			if err := gatt.AddService(p.service); err != nil {
				log.Printf("ble: can't add service: %s", err)
				gatt.RemoveAllServices()
				<-time.After(10 * time.Second)
				return
			}
			if err := gatt.AdvertiseNameAndServices(p.deviceName, p.service.UUID); err != nil {
				log.Printf("ble: can't advertise: %s", err)
				gatt.RemoveAllServices()
				<-time.After(10 * time.Second)
				return
			}
			log.Printf("ble: advertising as %s", p.deviceName)
			select {}
		}()
	}
}
