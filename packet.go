package meshcore

import (
	"encoding/binary"
	"fmt"
)

// MsgType identifies the kind of payload a Packet carries.
type MsgType uint8

const (
	MsgData        MsgType = 0x01
	MsgHeartbeat   MsgType = 0x02
	MsgControl     MsgType = 0x03
	MsgAuthRequest MsgType = 0x04
)

func (t MsgType) String() string {
	switch t {
	case MsgData:
		return "data"
	case MsgHeartbeat:
		return "heartbeat"
	case MsgControl:
		return "control"
	case MsgAuthRequest:
		return "auth_request"
	default:
		return fmt.Sprintf("msgtype(%d)", uint8(t))
	}
}

const (
	macSize = 32
	// HeaderSize is the fixed on-wire header size: source(16) + dest(16) +
	// msg_type(1) + ttl(1) + sequence(4) + mac(32).
	HeaderSize = 2*NidSize + 1 + 1 + 4 + macSize

	// DefaultTTL is used for locally originated packets unless overridden.
	DefaultTTL = 8
)

// Packet is a single mesh-network message: a fixed header plus an opaque
// payload. The MAC covers the header (excluding the mac field itself) and
// the payload, and is recomputed at every hop under that hop's outbound
// link key.
type Packet struct {
	Source      Nid
	Destination Nid
	Type        MsgType
	TTL         uint8
	Sequence    uint32
	MAC         [macSize]byte
	Payload     []byte
}

// NewPacket builds a Packet with the given fields and a zeroed MAC; callers
// must call CalculateAndSetMAC before sending it.
func NewPacket(source, destination Nid, msgType MsgType, sequence uint32, ttl uint8, payload []byte) Packet {
	return Packet{
		Source:      source,
		Destination: destination,
		Type:        msgType,
		TTL:         ttl,
		Sequence:    sequence,
		Payload:     payload,
	}
}

// headerForMAC returns the header bytes the MAC is computed over: every
// header field except the MAC field itself.
func (p *Packet) headerForMAC() []byte {
	buf := make([]byte, 0, HeaderSize-macSize)
	buf = append(buf, p.Source[:]...)
	buf = append(buf, p.Destination[:]...)
	buf = append(buf, byte(p.Type), p.TTL)
	var seq [4]byte
	binary.BigEndian.PutUint32(seq[:], p.Sequence)
	buf = append(buf, seq[:]...)
	return buf
}

// macInput returns the bytes a MAC is calculated or verified over: the
// MAC-excluded header followed by the payload.
func (p *Packet) macInput() []byte {
	return append(p.headerForMAC(), p.Payload...)
}

// CalculateAndSetMAC computes HMAC-SHA256 over the packet (excluding the
// MAC field) under key and stores the result in p.MAC.
func (p *Packet) CalculateAndSetMAC(key []byte) {
	copy(p.MAC[:], CalculateHMAC(p.macInput(), key))
}

// VerifyMAC reports whether p.MAC matches HMAC-SHA256(key, header||payload)
// in constant time.
func (p *Packet) VerifyMAC(key []byte) bool {
	return VerifyHMAC(p.macInput(), p.MAC[:], key)
}

// DecrementTTL decrements the TTL by one and reports whether the packet
// remains forwardable (TTL > 0 after the decrement). It reports false
// without modifying TTL if TTL is already zero.
func (p *Packet) DecrementTTL() bool {
	if p.TTL == 0 {
		return false
	}
	p.TTL--
	return p.TTL > 0
}

// Size returns the total wire size of the packet.
func (p *Packet) Size() int {
	return HeaderSize + len(p.Payload)
}

// Encode serializes the packet to its wire form.
func (p *Packet) Encode() []byte {
	out := make([]byte, 0, p.Size())
	out = append(out, p.headerForMAC()...)
	out = append(out, p.MAC[:]...)
	out = append(out, p.Payload...)
	return out
}

// DecodePacket parses a wire-format packet. It returns ErrPacketTooShort if
// data is shorter than HeaderSize.
func DecodePacket(data []byte) (p Packet, err error) {
	if len(data) < HeaderSize {
		return p, ErrPacketTooShort
	}
	off := 0
	p.Source, _ = NidFromBytes(data[off : off+NidSize])
	off += NidSize
	p.Destination, _ = NidFromBytes(data[off : off+NidSize])
	off += NidSize
	p.Type = MsgType(data[off])
	off++
	p.TTL = data[off]
	off++
	p.Sequence = binary.BigEndian.Uint32(data[off : off+4])
	off += 4
	copy(p.MAC[:], data[off:off+macSize])
	off += macSize
	p.Payload = append([]byte(nil), data[off:]...)
	return p, nil
}
