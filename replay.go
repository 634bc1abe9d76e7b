package meshcore

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultReplayWindowSize is the width of the acceptance window: a sequence
// number at or below the highest seen minus this value is rejected as too
// old (out-of-order delivery tolerance).
const DefaultReplayWindowSize = 100

// maxTrackedSources bounds how many distinct source Nids ReplayWindow
// tracks at once; the bound is generous relative to any realistic tree
// size and exists so a flood of spoofed source Nids can't grow tracking
// state without limit.
const maxTrackedSources = 4096

type sourceTracking struct {
	mu        sync.Mutex
	highest   uint32
	seenSeqs  map[uint32]struct{}
}

// ReplayWindow detects duplicate and stale-sequence packets per source
// Nid, tolerating reordering within a trailing window. Safe for concurrent
// use.
type ReplayWindow struct {
	windowSize uint32
	sources    *lru.Cache[Nid, *sourceTracking]
}

// NewReplayWindow creates a ReplayWindow accepting sequence numbers within
// windowSize of the highest seen per source.
func NewReplayWindow(windowSize int) *ReplayWindow {
	cache, err := lru.New[Nid, *sourceTracking](maxTrackedSources)
	if err != nil {
		// Only returns an error for a non-positive size, which never
		// happens with the constant above.
		panic(err)
	}
	return &ReplayWindow{windowSize: uint32(windowSize), sources: cache}
}

// CheckAndUpdate reports whether sequence is acceptable (not a duplicate,
// not older than the trailing window) for source, recording it if so.
func (w *ReplayWindow) CheckAndUpdate(source Nid, sequence uint32) bool {
	tracking, ok := w.sources.Get(source)
	if !ok {
		tracking = &sourceTracking{
			highest:  sequence,
			seenSeqs: map[uint32]struct{}{sequence: {}},
		}
		w.sources.Add(source, tracking)
		return true
	}

	tracking.mu.Lock()
	defer tracking.mu.Unlock()

	if _, seen := tracking.seenSeqs[sequence]; seen {
		return false
	}

	if sequence+w.windowSize <= tracking.highest {
		// sequence <= highest - windowSize, computed without underflow.
		return false
	}

	tracking.seenSeqs[sequence] = struct{}{}

	if sequence > tracking.highest {
		tracking.highest = sequence
		minValid := uint32(0)
		if tracking.highest > w.windowSize {
			minValid = tracking.highest - w.windowSize
		}
		for seq := range tracking.seenSeqs {
			if seq <= minValid {
				delete(tracking.seenSeqs, seq)
			}
		}
	}

	return true
}

// ResetSource discards tracking for source, so a peer starting a fresh
// sequence counter isn't treated as replaying. LinkSupervisor.Close does
// not call it.
func (w *ReplayWindow) ResetSource(source Nid) {
	w.sources.Remove(source)
}
