// Package codec wraps the Opus encoder/decoder behind the narrow interfaces
// the transport core actually needs: encode, decode, and "conceal one
// frame" for packet-loss concealment. Grounded on the teacher's
// client/audio.go opusEncoder/opusDecoder test seams (small interfaces over
// gopkg.in/hraban/opus.v2, so audio.go itself never imports opus directly
// in a way that blocks substituting a fake in tests).
package codec

import "gopkg.in/hraban/opus.v2"

const (
	// SampleRate is the PCM sample rate used throughout the voice path.
	SampleRate = 48000
	// Channels is fixed to mono voice.
	Channels = 1
	// FrameSamples is 20 ms of audio at SampleRate (one Opus frame).
	FrameSamples = 960
)

// Encoder turns PCM samples into an Opus payload.
type Encoder interface {
	Encode(pcm []int16, out []byte) (int, error)
	SetBitrate(bitrateBps int) error
	SetInBandFEC(on bool) error
	SetPacketLossPerc(pct int) error
}

// Decoder turns an Opus payload back into PCM, and can conceal a single
// missing frame from codec-internal state when no payload arrived.
type Decoder interface {
	// Decode writes n decoded samples into out given an Opus payload.
	Decode(payload []byte, out []int16) (n int, err error)
	// ConcealOne synthesizes one frame's worth of samples in place of a
	// frame that never arrived, per the PLC contract in spec.md §9: "the
	// decoder exposes a conceal-one-frame call that takes the output
	// sample buffer and nominal frame size."
	ConcealOne(out []int16) (n int, err error)
}

// opusEncoder adapts *opus.Encoder to the Encoder interface.
type opusEncoder struct {
	enc *opus.Encoder
}

// NewEncoder constructs a VoIP-tuned Opus encoder with in-band FEC enabled.
func NewEncoder(bitrateBps int) (Encoder, error) {
	enc, err := opus.NewEncoder(SampleRate, Channels, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	if err := enc.SetBitrate(bitrateBps); err != nil {
		return nil, err
	}
	if err := enc.SetInBandFEC(true); err != nil {
		return nil, err
	}
	return &opusEncoder{enc: enc}, nil
}

func (e *opusEncoder) Encode(pcm []int16, out []byte) (int, error) {
	return e.enc.Encode(pcm, out)
}

func (e *opusEncoder) SetBitrate(bitrateBps int) error { return e.enc.SetBitrate(bitrateBps) }
func (e *opusEncoder) SetInBandFEC(on bool) error       { return e.enc.SetInBandFEC(on) }
func (e *opusEncoder) SetPacketLossPerc(pct int) error  { return e.enc.SetPacketLossPerc(pct) }

// opusDecoder adapts *opus.Decoder to the Decoder interface. ConcealOne
// calls Opus's native PLC path by decoding a nil payload, which the
// library documents as "generate a packet loss concealment frame".
type opusDecoder struct {
	dec *opus.Decoder
}

// NewDecoder constructs an Opus decoder for one remote talker's stream.
func NewDecoder() (Decoder, error) {
	dec, err := opus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return nil, err
	}
	return &opusDecoder{dec: dec}, nil
}

func (d *opusDecoder) Decode(payload []byte, out []int16) (int, error) {
	return d.dec.Decode(payload, out)
}

func (d *opusDecoder) ConcealOne(out []int16) (int, error) {
	return d.dec.Decode(nil, out)
}
