// Package ring provides a bounded, discard-on-overflow sample queue used to
// decouple a producer tick (decode/PLC) from a consumer tick (the audio
// output device) without ever blocking either side.
//
// Grounded directly on the teacher's CaptureOut/PlaybackIn channel pattern
// in client/audio.go: a buffered channel plus a non-blocking select/default
// send, with an atomic counter tracking how many frames were dropped.
package ring

import "sync/atomic"

// Ring is a fixed-capacity queue of fixed-size sample frames. Producers
// never block: a full ring silently discards the newest frame and counts
// the drop. Safe for concurrent use by one producer and one consumer.
type Ring struct {
	ch      chan []int16
	dropped atomic.Uint64
}

// New creates a Ring holding up to capacity frames.
func New(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{ch: make(chan []int16, capacity)}
}

// Write enqueues samples, returning false (and counting a drop) if the ring
// is full. Never blocks.
func (r *Ring) Write(samples []int16) bool {
	select {
	case r.ch <- samples:
		return true
	default:
		r.dropped.Add(1)
		return false
	}
}

// Read pulls the next buffered frame, or (nil, false) if empty. Never blocks.
func (r *Ring) Read() ([]int16, bool) {
	select {
	case s := <-r.ch:
		return s, true
	default:
		return nil, false
	}
}

// Dropped returns the cumulative number of frames discarded due to overflow.
func (r *Ring) Dropped() uint64 {
	return r.dropped.Load()
}

// Len reports the number of frames currently queued.
func (r *Ring) Len() int {
	return len(r.ch)
}

// Clear drains all buffered frames without counting them as drops (used on
// visibility loss / disconnect to avoid stale audio).
func (r *Ring) Clear() {
	for {
		select {
		case <-r.ch:
		default:
			return
		}
	}
}
