// Package talker implements the per-remote-speaker pipeline (spec.md C6,
// "RemoteTalkerPipeline"): on a fixed-cadence tick, pull one outcome from
// the speaker's adaptive jitter buffer, decode or conceal it, and push the
// result into a discard-on-overflow output ring.
//
// Grounded on the teacher's client/audio.go playbackLoop (per-sender decode
// loop, FEC/PLC fallback chain, additive mix into the output buffer) and
// its discard-on-overflow channel sends, reworked from "one shared loop
// over all senders" into "one pipeline per RemoteTalker" so visibility
// changes and speaking-state edges are tracked per talker as spec.md's
// RemoteTalker state requires.
package talker

import (
	"voicecraft/internal/codec"
	"voicecraft/internal/jitter"
	"voicecraft/internal/ring"
	"voicecraft/internal/seqnum"
)

// Config holds the fixed-cadence pipeline parameters.
type Config struct {
	FrameSamples       int
	SilenceThresholdMs int64
}

// Talker is one remote speaker's jitter-buffer-to-output-ring pipeline.
// Created on entity-created, destroyed on entity-destroyed; its buffer and
// ring are cleared whenever Visible transitions to false.
type Talker struct {
	TalkerID int64

	cfg    Config
	buffer *jitter.Buffer
	decoder codec.Decoder
	output  *ring.Ring

	haveLastArrival   bool
	lastArrivalWallMs int64

	speaking  bool
	userMuted bool
	volume    float64
	visible   bool
}

// New constructs a Talker. The buffer, decoder, and output ring are owned
// by the talker for its lifetime.
func New(talkerID int64, cfg Config, buffer *jitter.Buffer, decoder codec.Decoder, output *ring.Ring) *Talker {
	return &Talker{
		TalkerID: talkerID,
		cfg:      cfg,
		buffer:   buffer,
		decoder:  decoder,
		output:   output,
		volume:   1.0,
		visible:  true,
	}
}

// AddFrame feeds a newly arrived, already-decrypted voice frame into the
// jitter buffer. Ignored while not visible.
func (t *Talker) AddFrame(seq seqnum.ID, payload []byte, nowMonotonicMs int64) {
	if !t.visible {
		return
	}
	t.buffer.Add(seq, payload, nowMonotonicMs)
}

// Tick runs one fixed-cadence step of the pipeline: query the jitter
// buffer, decode/conceal, and push into the output ring. nowMonotonicMs
// drives jitter-buffer timing; nowWallMs drives the silence threshold.
func (t *Talker) Tick(nowMonotonicMs, nowWallMs int64) {
	if !t.visible {
		return
	}

	out := make([]int16, t.cfg.FrameSamples)

	switch r := t.buffer.Get(nowMonotonicMs); r.Outcome {
	case jitter.Packet:
		n, err := t.decoder.Decode(r.Payload, out)
		if err != nil {
			return
		}
		t.output.Write(out[:n])
		t.haveLastArrival = true
		t.lastArrivalWallMs = nowWallMs
		t.speaking = true

	case jitter.Lost:
		n, err := t.decoder.ConcealOne(out)
		if err != nil {
			return
		}
		t.output.Write(out[:n])

	case jitter.Wait:
		if t.haveLastArrival && nowWallMs-t.lastArrivalWallMs < t.cfg.SilenceThresholdMs {
			// Still within the recent-speech window: smooth the transient
			// with one concealment frame rather than cutting to silence.
			if n, err := t.decoder.ConcealOne(out); err == nil {
				t.output.Write(out[:n])
			}
			return
		}
		t.speaking = false
	}
}

// SetVisible transitions visibility. Going false clears the jitter buffer
// and output ring so a speaker re-entering range never plays stale audio.
func (t *Talker) SetVisible(visible bool) {
	t.visible = visible
	if !visible {
		t.buffer.Reset()
		t.output.Clear()
		t.speaking = false
		t.haveLastArrival = false
	}
}

// Visible reports the current visibility state.
func (t *Talker) Visible() bool { return t.visible }

// Speaking reports whether this talker is currently considered to be
// producing audible voice (above-threshold arrivals within the silence
// window).
func (t *Talker) Speaking() bool { return t.speaking }

// SetMuted sets the local (listener-side) mute flag for this talker.
func (t *Talker) SetMuted(muted bool) { t.userMuted = muted }

// Muted reports the local mute flag.
func (t *Talker) Muted() bool { return t.userMuted }

// SetVolume sets the per-talker volume multiplier (0.0-2.0 by convention).
func (t *Talker) SetVolume(v float64) { t.volume = v }

// Volume returns the per-talker volume multiplier.
func (t *Talker) Volume() float64 { return t.volume }
