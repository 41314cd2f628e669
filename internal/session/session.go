// Package session implements the client SessionEndpoint: handshake,
// request/response correlation, the ~15ms network tick, and local audio
// encode/send plus remote audio decode/mix.
//
// Grounded on the teacher's client/transport.go wholesale — Connect's
// dial-then-handshake shape, pingLoop's RTT sampling, readControl's
// dispatch-by-type loop, SendAudio's sequence-stamped datagram send,
// StartReceiving's per-sender speaking-state bookkeeping — generalized to
// dispatch through internal/wire packet types instead of the teacher's
// flat JSON ControlMsg, and to require the internal/security handshake
// before any audio or control flows.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"voicecraft/internal/codec"
	"voicecraft/internal/jitter"
	"voicecraft/internal/netstats"
	"voicecraft/internal/ring"
	"voicecraft/internal/security"
	"voicecraft/internal/seqnum"
	"voicecraft/internal/talker"
	"voicecraft/internal/wire"
)

// Errors returned by Connect and the request/response registry.
var (
	ErrHandshakeTimeout   = errors.New("session: handshake timed out")
	ErrDuplicateRequestID = errors.New("session: duplicate request id registration")
	ErrRequestTimeout     = errors.New("session: request timed out")
	ErrNotConnected       = errors.New("session: not connected")
	ErrWrongResponseType  = errors.New("session: unexpected response type")
)

// Rejected is returned by Connect when the server denies a LoginRequest.
type Rejected struct{ Reason string }

func (r Rejected) Error() string { return fmt.Sprintf("session: login rejected: %s", r.Reason) }

// Peer is the minimal transport surface SessionEndpoint needs: an
// unreliable datagram path for voice and a reliable, length-framed control
// stream for requests/responses/events. internal/transport.Conn satisfies
// this; tests supply an in-memory fake.
type Peer interface {
	SendDatagram([]byte) error
	SendControl([]byte) error
	ReceiveControl() ([]byte, error)
	ReceiveDatagram(ctx context.Context) ([]byte, error)
	Close() error
}

// Config tunes handshake/request timeouts and the tick cadence.
type Config struct {
	VersionMajor, VersionMinor, VersionBuild uint16
	HandshakeTimeout                         time.Duration
	RequestTimeout                           time.Duration
	TickInterval                             time.Duration
	SilenceThresholdMs                       int64
	Sensitivity                              float64 // peak threshold in [0,1) to count as "speaking"
	TalkerJitter                             jitter.Config
	TalkerFrameSamples                       int
	EncoderBitrateBps                        int
}

// DefaultConfig returns the spec's nominal tuning (15ms tick, 20ms frames).
func DefaultConfig() Config {
	return Config{
		VersionMajor: 1, VersionMinor: 0, VersionBuild: 0,
		HandshakeTimeout:    5 * time.Second,
		RequestTimeout:      5 * time.Second,
		TickInterval:        15 * time.Millisecond,
		SilenceThresholdMs:  300,
		Sensitivity:         0.02,
		TalkerJitter:        jitter.Config{MinBufferMs: 40, MaxBufferMs: 240, FrameSizeMs: 20},
		TalkerFrameSamples:  codec.FrameSamples,
		EncoderBitrateBps:   32000,
	}
}

type pendingResult struct {
	typ wire.PacketType
	msg any
	err error
}

// remoteTalker pairs a talker pipeline with the output ring ReadAudio mixes
// from directly (Talker has no public accessor for it, since only the
// pipeline itself writes to it).
type remoteTalker struct {
	t   *talker.Talker
	out *ring.Ring
}

// Endpoint is the client SessionEndpoint (C7). Zero value is not usable;
// construct with Connect.
type Endpoint struct {
	cfg  Config
	conn Peer
	sec  *security.Session
	enc  codec.Encoder
	stat *netstats.Stats

	localEntityID int32
	outSeq        uint16

	reqMu   sync.Mutex
	pending map[[16]byte]chan pendingResult

	talkMu  sync.Mutex
	talkers map[int32]*remoteTalker

	speakMu              sync.Mutex
	speaking             bool
	lastAboveThresholdMs int64

	posMu       sync.Mutex
	hasPosition bool
	position    [3]float32
	hasRotation bool
	rotation    [2]float32

	pingMu       sync.Mutex
	lastPongWall int64
}

func newRequestID() [16]byte {
	id := uuid.New()
	var out [16]byte
	copy(out[:], id[:])
	return out
}

// Connect performs the C3 ECDH handshake over conn's control stream: it
// sends LoginRequest carrying the local ECDH public key, awaits
// AcceptResponse or DenyResponse, and completes the handshake. Fails with
// ErrHandshakeTimeout or Rejected{reason}.
func Connect(ctx context.Context, conn Peer, username string, cfg Config) (*Endpoint, error) {
	sec, err := security.NewSession()
	if err != nil {
		return nil, fmt.Errorf("session: new security session: %w", err)
	}
	enc, err := codec.NewEncoder(cfg.EncoderBitrateBps)
	if err != nil {
		return nil, fmt.Errorf("session: new encoder: %w", err)
	}

	e := &Endpoint{
		cfg:     cfg,
		conn:    conn,
		sec:     sec,
		enc:     enc,
		stat:    netstats.New(),
		pending: make(map[[16]byte]chan pendingResult),
		talkers: make(map[int32]*remoteTalker),
	}

	rid := newRequestID()
	login := wire.LoginRequest{
		RequestID:    rid,
		Username:     username,
		PublicKey:    sec.LocalPublicKey(),
		VersionMajor: cfg.VersionMajor,
		VersionMinor: cfg.VersionMinor,
		VersionBuild: cfg.VersionBuild,
	}

	ch, err := e.registerRequest(rid)
	if err != nil {
		return nil, err
	}

	if err := conn.SendControl(login.Encode()); err != nil {
		e.cancelRequest(rid)
		return nil, fmt.Errorf("session: send login: %w", err)
	}

	// The handshake response must be pulled off the wire by someone; since
	// tick() isn't running yet, read directly here until the registered
	// request resolves or the handshake times out.
	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	deadline := time.Now().Add(timeout)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			e.cancelRequest(rid)
			return nil, ErrHandshakeTimeout
		}

		readCtx, cancel := context.WithTimeout(ctx, remaining)
		frame, err := readControlWithTimeout(readCtx, conn)
		cancel()
		if err != nil {
			e.cancelRequest(rid)
			return nil, ErrHandshakeTimeout
		}

		resolved, err := e.dispatchControl(frame)
		if err != nil {
			continue // malformed frame during handshake: ignore and keep waiting
		}
		if !resolved {
			continue
		}

		select {
		case res := <-ch:
			switch res.typ {
			case wire.PacketAcceptResponse:
				accept := res.msg.(wire.AcceptResponse)
				if err := sec.CompleteHandshake(accept.PublicKey); err != nil {
					return nil, fmt.Errorf("session: complete handshake: %w", err)
				}
				e.localEntityID = accept.EntityID
				e.pingMu.Lock()
				e.lastPongWall = time.Now().UnixMilli()
				e.pingMu.Unlock()
				return e, nil
			case wire.PacketDenyResponse:
				deny := res.msg.(wire.DenyResponse)
				return nil, Rejected{Reason: deny.Reason}
			default:
				return nil, ErrWrongResponseType
			}
		default:
			// Some other request resolved (shouldn't happen pre-handshake);
			// keep waiting for ours.
		}
	}
}

// readControlWithTimeout adapts Peer.ReceiveControl (blocking, no context)
// to a context-bounded read by running it in a goroutine. The goroutine
// leaks past a timeout only until the underlying read unblocks (e.g. on
// Close), matching the teacher's own best-effort stream teardown on
// disconnect.
func readControlWithTimeout(ctx context.Context, conn Peer) ([]byte, error) {
	type result struct {
		frame []byte
		err   error
	}
	resCh := make(chan result, 1)
	go func() {
		frame, err := conn.ReceiveControl()
		resCh <- result{frame, err}
	}()
	select {
	case r := <-resCh:
		return r.frame, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// registerRequest installs a waiter channel for rid. Returns
// ErrDuplicateRequestID if rid is already pending.
func (e *Endpoint) registerRequest(rid [16]byte) (chan pendingResult, error) {
	e.reqMu.Lock()
	defer e.reqMu.Unlock()
	if _, exists := e.pending[rid]; exists {
		return nil, ErrDuplicateRequestID
	}
	ch := make(chan pendingResult, 1)
	e.pending[rid] = ch
	return ch, nil
}

// cancelRequest removes a pending registration without resolving it (used
// on timeout or when giving up on a response).
func (e *Endpoint) cancelRequest(rid [16]byte) {
	e.reqMu.Lock()
	delete(e.pending, rid)
	e.reqMu.Unlock()
}

// resolveRequest delivers res to the waiter registered under rid, if any.
// Returns false if no registration exists (unsolicited or already-expired
// response).
func (e *Endpoint) resolveRequest(rid [16]byte, res pendingResult) bool {
	e.reqMu.Lock()
	ch, ok := e.pending[rid]
	if ok {
		delete(e.pending, rid)
	}
	e.reqMu.Unlock()
	if !ok {
		return false
	}
	ch <- res
	return true
}

// Info sends an InfoRequest and awaits the matching InfoResponse,
// correlated by RequestID. A background ControlLoop (or the caller's own
// read loop) must be draining the control stream for the response to ever
// reach the registry.
func (e *Endpoint) Info(ctx context.Context) (wire.InfoResponse, error) {
	rid := newRequestID()
	ch, err := e.registerRequest(rid)
	if err != nil {
		return wire.InfoResponse{}, err
	}

	req := wire.InfoRequest{RequestID: rid}
	if err := e.conn.SendControl(req.Encode()); err != nil {
		e.cancelRequest(rid)
		return wire.InfoResponse{}, err
	}

	timeout := e.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.err != nil {
			return wire.InfoResponse{}, res.err
		}
		if res.typ != wire.PacketInfoResponse {
			return wire.InfoResponse{}, ErrWrongResponseType
		}
		return res.msg.(wire.InfoResponse), nil
	case <-timer.C:
		e.cancelRequest(rid)
		return wire.InfoResponse{}, ErrRequestTimeout
	case <-ctx.Done():
		e.cancelRequest(rid)
		return wire.InfoResponse{}, ctx.Err()
	}
}

// EntityID returns the locally assigned entity id granted by AcceptResponse.
func (e *Endpoint) EntityID() int32 { return e.localEntityID }

// NetworkStats returns a snapshot of the connection's RTT/loss/jitter stats.
func (e *Endpoint) NetworkStats() netstats.Snapshot { return e.stat.Snapshot() }

// SetPosition updates the local peer's spatial position, included on the
// next write_audio emission.
func (e *Endpoint) SetPosition(pos [3]float32) {
	e.posMu.Lock()
	e.hasPosition = true
	e.position = pos
	e.posMu.Unlock()
}

// SetRotation updates the local peer's spatial rotation.
func (e *Endpoint) SetRotation(rot [2]float32) {
	e.posMu.Lock()
	e.hasRotation = true
	e.rotation = rot
	e.posMu.Unlock()
}

// Speaking reports the local peer's current speaking-state edge.
func (e *Endpoint) Speaking() bool {
	e.speakMu.Lock()
	defer e.speakMu.Unlock()
	return e.speaking
}

// peakAbs returns the maximum absolute sample value normalized to [0,1).
func peakAbs(pcm []int16) float64 {
	var peak int16
	for _, s := range pcm {
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}
	return float64(peak) / 32768.0
}

// WriteAudio measures pcm's peak level; if it meets Sensitivity, it marks
// the local peer active, encodes the frame, and sends it as AdvancedAudio
// with the current position/rotation (if known) via unreliable-sequenced
// delivery (a plain datagram; ordering/dedup on the receive side is the
// remote's jitter buffer's job).
func (e *Endpoint) WriteAudio(pcm []int16, nowWallMs int64) error {
	peak := peakAbs(pcm)
	active := peak >= e.cfg.Sensitivity

	e.speakMu.Lock()
	if active {
		e.lastAboveThresholdMs = nowWallMs
		e.speaking = true
	}
	e.speakMu.Unlock()

	if !active {
		return nil
	}

	out := make([]byte, wire.MaxEncodedBytes)
	n, err := e.enc.Encode(pcm, out)
	if err != nil {
		return fmt.Errorf("session: encode: %w", err)
	}

	e.posMu.Lock()
	hasPos, pos, hasRot, rot := e.hasPosition, e.position, e.hasRotation, e.rotation
	e.posMu.Unlock()

	e.outSeq++
	msg := wire.AdvancedAudio{
		EntityID:    e.localEntityID,
		Timestamp:   e.outSeq,
		Loudness:    float32(peak),
		HasPosition: hasPos,
		Position:    pos,
		HasRotation: hasRot,
		Rotation:    rot,
		OpusPayload: out[:n],
	}
	plaintext, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("session: frame advanced audio: %w", err)
	}

	iv, ciphertext, tag, err := e.sec.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("session: encrypt: %w", err)
	}
	env := wire.EncryptedEnvelope{IV: iv, Ciphertext: ciphertext, Tag: [16]byte{}}
	copy(env.Tag[:], tag)
	frame := env.Encode()

	e.stat.RecordPacketSent(len(frame))
	return e.conn.SendDatagram(frame)
}

// ReadAudio pulls one tick's worth of samples from every remote talker's
// output ring and additively mixes them into out, clamped to int16 range.
// Silent talkers (nothing written this tick) simply contribute nothing.
func (e *Endpoint) ReadAudio(out []int16) {
	for i := range out {
		out[i] = 0
	}

	e.talkMu.Lock()
	talkers := make([]*remoteTalker, 0, len(e.talkers))
	for _, rt := range e.talkers {
		talkers = append(talkers, rt)
	}
	e.talkMu.Unlock()

	var mix []int32
	for _, rt := range talkers {
		if rt.t.Muted() {
			continue
		}
		samples, ok := rt.out.Read()
		if !ok {
			continue
		}
		if mix == nil {
			mix = make([]int32, len(out))
		}
		vol := rt.t.Volume()
		for i := 0; i < len(samples) && i < len(mix); i++ {
			mix[i] += int32(float64(samples[i]) * vol)
		}
	}
	if mix == nil {
		return
	}
	for i := range out {
		v := mix[i]
		switch {
		case v > 32767:
			v = 32767
		case v < -32768:
			v = -32768
		}
		out[i] = int16(v)
	}
}

// noopDecoder is the fallback codec.Decoder used when opus decoder
// construction fails; it always reports zero samples decoded.
type noopDecoder struct{}

func (noopDecoder) Decode([]byte, []int16) (int, error) { return 0, errNoopDecoder }
func (noopDecoder) ConcealOne([]int16) (int, error)     { return 0, errNoopDecoder }

var errNoopDecoder = errors.New("session: decoder unavailable")

// talkerFor returns (creating if needed) the remote-talker pipeline for
// entityID.
func (e *Endpoint) talkerFor(entityID int32) *remoteTalker {
	e.talkMu.Lock()
	defer e.talkMu.Unlock()
	if rt, ok := e.talkers[entityID]; ok {
		return rt
	}
	buf := jitter.New(e.cfg.TalkerJitter)
	var dec codec.Decoder
	dec, err := codec.NewDecoder()
	if err != nil {
		// A decoder failure here means the opus library itself is broken
		// (same fixed sample rate/channel count every call); there's no
		// sensible per-talker fallback, so this talker just never produces
		// samples rather than risk a nil-interface call in Tick.
		dec = noopDecoder{}
	}
	out := ring.New(8)
	t := talker.New(int64(entityID), talker.Config{
		FrameSamples:       e.cfg.TalkerFrameSamples,
		SilenceThresholdMs: e.cfg.SilenceThresholdMs,
	}, buf, dec, out)
	rt := &remoteTalker{t: t, out: out}
	e.talkers[entityID] = rt
	return rt
}

// removeTalker drops a talker entirely (entity destroyed).
func (e *Endpoint) removeTalker(entityID int32) {
	e.talkMu.Lock()
	delete(e.talkers, entityID)
	e.talkMu.Unlock()
}

// SetTalkerVisible toggles whether a remote talker's audio is accepted;
// going invisible clears its buffer and output ring per spec.md §4.6.
func (e *Endpoint) SetTalkerVisible(entityID int32, visible bool) {
	rt := e.talkerFor(entityID)
	rt.t.SetVisible(visible)
}

// TickTalkers advances every remote talker's pipeline by one frame. Called
// once per FrameSizeMs by the audio-tick task (spec.md §5's second actor),
// independent from Tick's network poll.
func (e *Endpoint) TickTalkers(nowMonotonicMs, nowWallMs int64) {
	e.talkMu.Lock()
	talkers := make([]*remoteTalker, 0, len(e.talkers))
	for _, rt := range e.talkers {
		talkers = append(talkers, rt)
	}
	e.talkMu.Unlock()

	for _, rt := range talkers {
		rt.t.Tick(nowMonotonicMs, nowWallMs)
	}
}

// Tick updates local speaking-state edges and the bandwidth counters. Call
// roughly every TickInterval. It does not read the network: the control
// stream is drained by ControlLoop, and audio datagrams are drained
// separately via DrainDatagrams, since they
// come from ReceiveDatagram (no single "non-blocking check" primitive on a
// QUIC datagram path — callers run DrainDatagrams in its own goroutine).
func (e *Endpoint) Tick(nowWallMs int64) {
	e.speakMu.Lock()
	if e.speaking && nowWallMs-e.lastAboveThresholdMs > e.cfg.SilenceThresholdMs {
		e.speaking = false
	}
	e.speakMu.Unlock()

	e.stat.UpdateBandwidth(nowWallMs)
}

// pongTimeout bounds how long PingLoop waits without a successful
// round-trip before giving up and disconnecting, mirroring the teacher's
// pingLoop pong-deadline check.
const pongTimeout = 10 * time.Second

// PingLoop periodically issues an InfoRequest (the wire catalogue's
// Unconnected "info probe" per spec.md §6) and times its round trip,
// feeding the result into NetworkStats' RTT EWMA — this stands in for the
// teacher's bespoke ping/pong ControlMsg, since this protocol has no
// dedicated ping packet type. Runs until ctx is cancelled; if no
// InfoResponse arrives within pongTimeout of the last success, it closes
// the session and returns.
func (e *Endpoint) PingLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.pingMu.Lock()
	e.lastPongWall = time.Now().UnixMilli()
	e.pingMu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			if _, err := e.Info(ctx); err != nil {
				e.pingMu.Lock()
				lastPong := e.lastPongWall
				e.pingMu.Unlock()
				if time.Since(time.UnixMilli(lastPong)) > pongTimeout {
					_ = e.Close()
					return
				}
				continue
			}

			rttMs := float64(time.Since(start).Milliseconds())
			e.stat.RecordRTT(rttMs)
			e.pingMu.Lock()
			e.lastPongWall = time.Now().UnixMilli()
			e.pingMu.Unlock()
		}
	}
}

// DrainDatagrams runs the datagram receive loop until ctx is cancelled or
// conn.Close is called, dispatching each inbound voice frame to its
// remote-talker pipeline. Intended to run in its own goroutine, mirroring
// the teacher's StartReceiving background pump.
func (e *Endpoint) DrainDatagrams(ctx context.Context) {
	for {
		data, err := e.conn.ReceiveDatagram(ctx)
		if err != nil {
			return
		}
		e.handleDatagram(data)
	}
}

func (e *Endpoint) handleDatagram(data []byte) {
	typ, msg, err := wire.Decode(data, true)
	if err != nil {
		return
	}

	nowMs := time.Now().UnixMilli()

	if typ == wire.PacketEncryptedEnvelope {
		env := msg.(wire.EncryptedEnvelope)
		plaintext, err := e.sec.Decrypt(env.IV, env.Ciphertext, env.Tag[:])
		if err != nil {
			return
		}
		typ, msg, err = wire.Decode(plaintext, false)
		if err != nil {
			return
		}
	}

	e.stat.RecordPacketReceived(len(data), nowMs, nowMs)

	switch typ {
	case wire.PacketAdvancedAudio:
		aa := msg.(wire.AdvancedAudio)
		rt := e.talkerFor(aa.EntityID)
		rt.t.AddFrame(seqnum.ID(aa.Timestamp), aa.OpusPayload, nowMs)
	case wire.PacketAudio:
		a := msg.(wire.Audio)
		// Plain Audio carries no entity id on the wire; the relay only
		// ever forwards AdvancedAudio to clients (spec.md §4.8), so a bare
		// Audio datagram here has no addressable talker and is dropped.
		_ = a
	}
}

// dispatchControl reads one length-framed control message already pulled
// off the wire, resolves any matching pending request, applies built-in
// entity-visibility side effects (clearing a talker's buffer), and reports
// whether the frame corresponded to a request/response pair.
func (e *Endpoint) dispatchControl(frame []byte) (resolved bool, err error) {
	typ, msg, err := wire.Decode(frame, true)
	if err != nil {
		return false, err
	}

	switch typ {
	case wire.PacketAcceptResponse:
		accept := msg.(wire.AcceptResponse)
		return e.resolveRequest(accept.RequestID, pendingResult{typ: typ, msg: msg}), nil
	case wire.PacketDenyResponse:
		deny := msg.(wire.DenyResponse)
		return e.resolveRequest(deny.RequestID, pendingResult{typ: typ, msg: msg}), nil
	case wire.PacketInfoResponse:
		info := msg.(wire.InfoResponse)
		return e.resolveRequest(info.RequestID, pendingResult{typ: typ, msg: msg}), nil
	case wire.PacketEntityDestroyed:
		destroyed := msg.(wire.EntityDestroyed)
		e.removeTalker(destroyed.EntityID)
		return false, nil
	case wire.PacketSetEntityVisibility:
		vis := msg.(wire.SetEntityVisibility)
		e.SetTalkerVisible(vis.EntityID, vis.Visible)
		return false, nil
	default:
		return false, nil
	}
}

// ControlLoop runs dispatchControl over every frame read from the control
// stream until ctx is cancelled or the stream closes. Intended to run in
// its own goroutine once Connect has returned, mirroring the teacher's
// readControl.
func (e *Endpoint) ControlLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		frame, err := readControlWithTimeout(ctx, e.conn)
		if err != nil {
			return
		}
		_, _ = e.dispatchControl(frame)
	}
}

// Close cancels every pending request/response waiter with ErrNotConnected,
// tears down the transport, and zeroizes the security session.
func (e *Endpoint) Close() error {
	e.reqMu.Lock()
	for rid, ch := range e.pending {
		ch <- pendingResult{err: ErrNotConnected}
		delete(e.pending, rid)
	}
	e.reqMu.Unlock()

	e.sec.Close()
	return e.conn.Close()
}
