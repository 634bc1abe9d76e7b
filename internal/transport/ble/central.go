package ble

import (
	"context"
	"time"

	"github.com/currantlabs/ble"
)

// deviceInfoManufacturerID is a placeholder company identifier under which
// the role/hop_count advertisement bytes are carried in manufacturer data.
const deviceInfoManufacturerID = 0xFFFF

// Advertisement is the unauthenticated device-info payload a scanner reads
// out of one manufacturer-data entry: role(1) ‖ hop_count(1).
type Advertisement struct {
	PeerID   string
	IsSink   bool
	HopCount uint8
	RSSI     int
}

// ParseDeviceInfo extracts an Advertisement from a scanned ble.Advertisement,
// returning ok=false if it carries no recognizable device-info manufacturer
// data.
func ParseDeviceInfo(a ble.Advertisement) (info Advertisement, ok bool) {
	md := a.ManufacturerData()
	if len(md) < 4 {
		return info, false
	}
	// md[0:2] is the company ID, little-endian, as BLE encodes it.
	companyID := uint16(md[0]) | uint16(md[1])<<8
	if companyID != deviceInfoManufacturerID {
		return info, false
	}
	return Advertisement{
		PeerID:   a.Addr().String(),
		IsSink:   md[2] == 0,
		HopCount: md[3],
		RSSI:     a.RSSI(),
	}, true
}

// EncodeDeviceInfo builds the manufacturer-data bytes for a device-info
// advertisement: a 2-byte company ID followed by role(1) and hop_count(1).
func EncodeDeviceInfo(isSink bool, hopCount uint8) []byte {
	role := byte(1)
	if isSink {
		role = 0
	}
	return []byte{
		byte(deviceInfoManufacturerID & 0xff),
		byte(deviceInfoManufacturerID >> 8),
		role,
		hopCount,
	}
}

// Scan collects device-info advertisements for duration, invoking onFound
// for each one seen (possibly more than once per peer; callers dedupe by
// PeerID and keep the most recent).
func Scan(ctx context.Context, duration time.Duration, onFound func(Advertisement)) error {
	scanCtx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	return ble.Scan(scanCtx, true, func(a ble.Advertisement) {
		if info, ok := ParseDeviceInfo(a); ok {
			onFound(info)
		}
	}, nil)
}

// Central is the GATT client side of a device's uplink: it connects to
// the chosen parent and exchanges bytes over the Network Packet and
// Authentication characteristics.
type Central struct {
	client ble.Client

	dataChar *ble.Characteristic
	authChar *ble.Characteristic
}

// Dial connects to peerID and discovers the mesh service's characteristics.
func Dial(ctx context.Context, peerID string, serviceUUID string) (c *Central, err error) {
	client, err := ble.Dial(ctx, ble.NewAddr(peerID))
	if err != nil {
		return nil, err
	}
	uuid, err := ble.Parse(serviceUUID)
	if err != nil {
		return nil, err
	}
	profile, err := client.DiscoverProfile(true)
	if err != nil {
		return nil, err
	}
	c = &Central{client: client}
	for _, s := range profile.Services {
		if !s.UUID.Equal(uuid) {
			continue
		}
		for _, ch := range s.Characteristics {
			switch {
			case ch.UUID.Equal(NetworkPacketCharUUID):
				c.dataChar = ch
			case ch.UUID.Equal(AuthenticationCharUUID):
				c.authChar = ch
			}
		}
	}
	return c, nil
}

// SendData writes data (already fragmented) to the parent's Network Packet
// characteristic without waiting for a response, matching BLE's
// write-without-response semantics for steady-state data traffic.
func (c *Central) SendData(data []byte) error {
	return c.client.WriteCharacteristic(c.dataChar, data, true)
}

// SendAuth writes data to the parent's Authentication characteristic with
// a response, since handshake messages must not be silently dropped.
func (c *Central) SendAuth(data []byte) error {
	return c.client.WriteCharacteristic(c.authChar, data, false)
}

// Subscribe registers onData/onAuth to be called with notification bytes
// from the parent.
func (c *Central) Subscribe(onData, onAuth func([]byte)) error {
	if err := c.client.Subscribe(c.dataChar, false, func(b []byte) { onData(b) }); err != nil {
		return err
	}
	return c.client.Subscribe(c.authChar, false, func(b []byte) { onAuth(b) })
}

// Close disconnects from the parent.
func (c *Central) Close() error {
	return c.client.CancelConnection()
}
