package meshcore

import (
	"fmt"
	"time"
)

// FragmentPayloadSize is the maximum number of message bytes carried in a
// single BLE-MTU-sized fragment.
const FragmentPayloadSize = 180

const (
	flagFirst byte = 0x01
	flagLast  byte = 0x02
)

// fragmentFramingSize is the per-fragment overhead: flags(1) + seq(1) +
// total(1).
const fragmentFramingSize = 3

// maxFragmentTotal bounds how many fragments a single message may be split
// into, since total is a single byte.
const maxFragmentTotal = 255

// MaxFragmentableSize is the largest message Fragment will accept.
const MaxFragmentableSize = maxFragmentTotal * FragmentPayloadSize

// Fragment is one chunk of a larger message, framed for a small-MTU BLE
// characteristic write/notify.
type Fragment struct {
	First bool
	Last  bool
	Seq   uint8
	Total uint8
	Data  []byte
}

// Encode serializes the fragment to wire bytes.
func (f Fragment) Encode() []byte {
	var flags byte
	if f.First {
		flags |= flagFirst
	}
	if f.Last {
		flags |= flagLast
	}
	out := make([]byte, fragmentFramingSize, fragmentFramingSize+len(f.Data))
	out[0] = flags
	out[1] = f.Seq
	out[2] = f.Total
	return append(out, f.Data...)
}

// DecodeFragment parses a single wire-format fragment.
func DecodeFragment(data []byte) (f Fragment, err error) {
	if len(data) < fragmentFramingSize {
		return f, ErrFragmentTooShort
	}
	flags := data[0]
	f.First = flags&flagFirst != 0
	f.Last = flags&flagLast != 0
	f.Seq = data[1]
	f.Total = data[2]
	f.Data = append([]byte(nil), data[fragmentFramingSize:]...)
	return f, nil
}

// FragmentMessage splits msg into a sequence of Fragments no larger than
// FragmentPayloadSize each. It returns ErrPayloadTooLarge if msg would
// require more than 255 fragments.
func FragmentMessage(msg []byte) (frags []Fragment, err error) {
	if len(msg) == 0 {
		return []Fragment{{First: true, Last: true, Seq: 0, Total: 1, Data: nil}}, nil
	}
	total := (len(msg) + FragmentPayloadSize - 1) / FragmentPayloadSize
	if total > maxFragmentTotal {
		return nil, ErrPayloadTooLarge
	}
	frags = make([]Fragment, 0, total)
	for i := 0; i < total; i++ {
		start := i * FragmentPayloadSize
		end := start + FragmentPayloadSize
		if end > len(msg) {
			end = len(msg)
		}
		frags = append(frags, Fragment{
			First: i == 0,
			Last:  i == total-1,
			Seq:   uint8(i),
			Total: uint8(total),
			Data:  msg[start:end],
		})
	}
	return frags, nil
}

// Reassembler accumulates fragments for a single in-flight message on one
// link. It is not safe for concurrent use; callers hold one per link and
// serialize access to it (matching the one-task-per-link concurrency
// model).
type Reassembler struct {
	idleTimeout time.Duration

	total    int
	received int
	parts    [][]byte
	lastSeen time.Time
	active   bool
}

// NewReassembler creates a Reassembler that discards a partial message
// after idleTimeout of silence.
func NewReassembler(idleTimeout time.Duration) *Reassembler {
	return &Reassembler{idleTimeout: idleTimeout}
}

// Add feeds one fragment into the reassembler. When the fragment completes
// a message, it returns the reassembled bytes and done=true. If the
// reassembler had a stale partial message in progress (idle longer than
// idleTimeout) when f arrives, that partial message is discarded first and
// reassembly restarts from f.
func (r *Reassembler) Add(f Fragment, now time.Time) (msg []byte, done bool, err error) {
	if r.active && r.idleTimeout > 0 && now.Sub(r.lastSeen) > r.idleTimeout {
		r.reset()
	}

	// A fragment arriving while idle opens a new slot vector whether or not
	// it is the FIRST, so fragments delivered out of order still reassemble.
	// A FIRST fragment arriving mid-message restarts reassembly unless it
	// fills the still-empty first slot of a message of the same total.
	if !r.active || (f.First && (int(f.Total) != r.total || r.parts[0] != nil)) {
		r.reset()
		r.active = true
		r.total = int(f.Total)
		r.parts = make([][]byte, r.total)
	}
	if int(f.Total) != r.total {
		err = fmt.Errorf("meshcore: fragment total changed mid-message (%d != %d)", f.Total, r.total)
		r.reset()
		return nil, false, err
	}
	if int(f.Seq) >= r.total {
		err = fmt.Errorf("meshcore: fragment seq=%d out of range for total=%d", f.Seq, r.total)
		r.reset()
		return nil, false, err
	}

	if r.parts[f.Seq] == nil {
		r.received++
	}
	r.parts[f.Seq] = f.Data
	r.lastSeen = now

	if f.Last && r.received != r.total {
		return nil, false, fmt.Errorf("meshcore: LAST fragment arrived with only %d/%d received", r.received, r.total)
	}
	if r.received < r.total {
		return nil, false, nil
	}

	out := make([]byte, 0)
	for _, p := range r.parts {
		out = append(out, p...)
	}
	r.reset()
	return out, true, nil
}

// Expired reports whether a partial reassembly has sat idle past the
// timeout as of now, so a caller can proactively clear it and log
// ErrReassemblyTimeout without waiting for the next fragment.
func (r *Reassembler) Expired(now time.Time) bool {
	return r.active && r.idleTimeout > 0 && now.Sub(r.lastSeen) > r.idleTimeout
}

func (r *Reassembler) reset() {
	r.active = false
	r.total = 0
	r.received = 0
	r.parts = nil
}
