// Package jitter implements the adaptive jitter buffer that sits between a
// remote talker's incoming sequenced voice frames and the decode/PLC stage.
//
// It reorders frames by sequence id, rejects duplicates and late arrivals,
// adapts its target delay to observed jitter, and exposes a single get()
// poll that yields exactly one of Packet/Lost/Wait per call. Grounded on
// the shape of the teacher's client/internal/jitter ring buffer (per-sender
// priming, stale-frame eviction, PLC-via-nil-signal) and its sibling
// client/internal/adapt package (EWMA smoothing, asymmetric ramp), but
// reworked into the single-stream, sequence-precise state machine the
// specification requires: exact duplicate/late/overflow accounting,
// wraparound-safe ordering via internal/seqnum, and an explicit counted
// branch for the "stale relative to nextExpected" case the original left
// silent.
package jitter

import (
	"math"
	"sync"

	"voicecraft/internal/seqnum"
)

// Outcome is the result kind returned by Get.
type Outcome int

const (
	// Wait means no frame is ready yet; call again next tick.
	Wait Outcome = iota
	// Packet means a frame is ready for decode.
	Packet
	// Lost means the expected sequence failed to arrive in time; the
	// caller should invoke PLC for exactly one frame.
	Lost
)

func (o Outcome) String() string {
	switch o {
	case Packet:
		return "Packet"
	case Lost:
		return "Lost"
	default:
		return "Wait"
	}
}

// Result is the outcome of one Get() call.
type Result struct {
	Outcome Outcome
	Seq     seqnum.ID // valid for Packet and Lost
	Payload []byte    // valid for Packet only
}

// Stats counts buffer events for telemetry, never propagated as errors.
type Stats struct {
	Received         uint64
	Duplicate        uint64
	Late             uint64
	BufferOverflow   uint64
	Lost             uint64
	OutOfOrderPlayed uint64
}

// Config configures buffer sizing and adaptation.
type Config struct {
	// MinBufferMs is the floor for the adaptive delay; must be >= FrameSizeMs.
	MinBufferMs float64
	// MaxBufferMs is the ceiling for the adaptive delay; must be >= 2*MinBufferMs.
	MaxBufferMs float64
	// FrameSizeMs is the nominal duration of one frame (e.g. 20 for Opus).
	FrameSizeMs float64
}

type bufferedFrame struct {
	seq                seqnum.ID
	payload            []byte
	arrivalMonotonicMs int64
}

// Buffer is a single remote talker's adaptive jitter buffer. It MUST be
// accessed by at most one network-thread writer (Add) and one audio-tick
// reader (Get) at a time; the mutex is held only across add/get bodies,
// never across codec calls or I/O.
type Buffer struct {
	mu sync.Mutex

	cfg        Config
	maxPackets int

	// frames is ordered newest-first (index 0), oldest-last.
	frames []bufferedFrame

	hasLastPlayed bool
	lastPlayed    seqnum.ID

	hasNextExpected bool
	nextExpected    seqnum.ID

	haveLastArrival        bool
	lastArrivalMonotonicMs int64

	haveAvgJitter bool
	avgJitterMs   float64

	targetDelayMs   float64
	adaptiveDelayMs float64

	stats Stats
}

// New constructs a Buffer from cfg. targetDelayMs and adaptiveDelayMs start
// at MinBufferMs so the "minBufferMs <= adaptiveDelayMs <= maxBufferMs"
// invariant holds from the very first call.
func New(cfg Config) *Buffer {
	maxPackets := int(math.Ceil(cfg.MaxBufferMs/cfg.FrameSizeMs)) + 2
	return &Buffer{
		cfg:             cfg,
		maxPackets:      maxPackets,
		targetDelayMs:   cfg.MinBufferMs,
		adaptiveDelayMs: cfg.MinBufferMs,
	}
}

// Add inserts a newly arrived frame. nowMs is the caller's monotonic clock
// in milliseconds. Duplicate, Late, and buffer-overflow rejections are
// silent (statistical only); see Stats.
func (b *Buffer) Add(seq seqnum.ID, payload []byte, nowMs int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stats.Received++

	if b.haveLastArrival {
		delta := float64(nowMs - b.lastArrivalMonotonicMs)
		sample := math.Abs(delta - b.cfg.FrameSizeMs)
		if !b.haveAvgJitter {
			b.avgJitterMs = sample
			b.haveAvgJitter = true
		} else {
			b.avgJitterMs += (sample - b.avgJitterMs) / 8
		}
	}
	b.lastArrivalMonotonicMs = nowMs
	b.haveLastArrival = true

	b.adaptDelay(b.avgJitterMs)

	if b.hasLastPlayed && !seqnum.IsNewer(seq, b.lastPlayed) {
		b.stats.Duplicate++
		return
	}
	if b.hasNextExpected && !seqnum.IsNewer(seq, b.nextExpected) &&
		seqnum.Distance(seq, b.nextExpected) > uint16(b.maxPackets) {
		b.stats.Late++
		return
	}

	b.insert(seq, payload, nowMs)
}

// insert places seq into frames in newest-first order, rejecting an exact
// duplicate and evicting the oldest frame (counted as Late) on overflow.
func (b *Buffer) insert(seq seqnum.ID, payload []byte, arrivalMs int64) {
	for _, f := range b.frames {
		if f.seq == seq {
			b.stats.Duplicate++
			return
		}
	}

	idx := len(b.frames)
	for i, f := range b.frames {
		if seqnum.IsNewer(seq, f.seq) {
			idx = i
			break
		}
	}

	nf := bufferedFrame{seq: seq, payload: payload, arrivalMonotonicMs: arrivalMs}
	b.frames = append(b.frames, bufferedFrame{})
	copy(b.frames[idx+1:], b.frames[idx:])
	b.frames[idx] = nf

	if len(b.frames) > b.maxPackets {
		b.frames = b.frames[:len(b.frames)-1]
		b.stats.Late++
		b.stats.BufferOverflow++
	}
}

// adaptDelay implements the asymmetric ramp: target delay grows by a full
// frame size the instant jitter demands more room, but shrinks by only 1 ms
// per sample, then both are folded into adaptiveDelayMs via an 8-sample EWMA.
func (b *Buffer) adaptDelay(avgJitterMs float64) {
	targetPackets := math.Max(2, math.Ceil(avgJitterMs*2/b.cfg.FrameSizeMs))
	newTargetMs := clamp(targetPackets*b.cfg.FrameSizeMs, b.cfg.MinBufferMs, b.cfg.MaxBufferMs)

	switch {
	case newTargetMs > b.targetDelayMs:
		b.targetDelayMs = clamp(b.targetDelayMs+b.cfg.FrameSizeMs, b.cfg.MinBufferMs, b.cfg.MaxBufferMs)
	case newTargetMs < b.targetDelayMs:
		b.targetDelayMs = clamp(b.targetDelayMs-1, b.cfg.MinBufferMs, b.cfg.MaxBufferMs)
	}

	b.adaptiveDelayMs = clamp((7*b.adaptiveDelayMs+b.targetDelayMs)/8, b.cfg.MinBufferMs, b.cfg.MaxBufferMs)
}

// Get polls the buffer for the current tick's output. nowMs is the
// caller's monotonic clock in milliseconds.
func (b *Buffer) Get(nowMs int64) Result {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.frames) == 0 {
		return Result{Outcome: Wait}
	}

	oldestIdx := len(b.frames) - 1
	oldest := b.frames[oldestIdx]

	if !b.hasNextExpected {
		bufferedMs := float64(len(b.frames)) * b.cfg.FrameSizeMs
		if bufferedMs < b.adaptiveDelayMs {
			return Result{Outcome: Wait}
		}
		return b.emit(oldestIdx, oldest)
	}

	switch {
	case oldest.seq == b.nextExpected:
		return b.emit(oldestIdx, oldest)

	case seqnum.IsNewer(oldest.seq, b.nextExpected):
		if nowMs-oldest.arrivalMonotonicMs >= int64(b.adaptiveDelayMs) {
			lostSeq := b.nextExpected
			b.stats.Lost++
			b.lastPlayed = lostSeq
			b.hasLastPlayed = true
			b.nextExpected = seqnum.Add(b.nextExpected, 1)
			return Result{Outcome: Lost, Seq: lostSeq}
		}
		return Result{Outcome: Wait}

	default:
		// Stale relative to nextExpected: the add-time guards should have
		// rejected this as Late already. Emit it rather than stall, and
		// count the branch explicitly instead of staying silent about it.
		b.stats.OutOfOrderPlayed++
		return b.emit(oldestIdx, oldest)
	}
}

// emit pops the frame at idx (the current oldest) and advances playback state.
func (b *Buffer) emit(idx int, f bufferedFrame) Result {
	b.frames = b.frames[:idx]
	b.lastPlayed = f.seq
	b.hasLastPlayed = true
	b.nextExpected = seqnum.Add(f.seq, 1)
	b.hasNextExpected = true
	return Result{Outcome: Packet, Seq: f.seq, Payload: f.payload}
}

// Stats returns a copy of the accumulated counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// AdaptiveDelayMs returns the current smoothed target delay, in milliseconds.
func (b *Buffer) AdaptiveDelayMs() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.adaptiveDelayMs
}

// Len returns the number of frames currently buffered.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

// Reset clears all buffered frames and playback state (e.g. on visibility
// loss), leaving stats and adaptation state intact.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = nil
	b.hasLastPlayed = false
	b.hasNextExpected = false
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
