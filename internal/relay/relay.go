// Package relay implements the RelayServer described in spec.md §4.8: a
// bounded-capacity peer accept loop, a per-peer ECDH/AEAD handshake, and
// visibility-gated fan-out of audio and control traffic.
//
// Grounded on server/client.go's handleClient (join/accept/deny flow,
// the sendHealth circuit breaker, readDatagrams' sender-id re-stamping) and
// server/room.go's Broadcast (snapshot-under-lock-then-send-without-lock
// fan-out). The teacher's room has no concept of visibility beyond channel
// membership; this package takes visibility as an external collaborator
// (VisibilitySource) per SPEC_FULL.md §4.9 rather than computing it itself.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"voicecraft/internal/entity"
	"voicecraft/internal/events"
	"voicecraft/internal/security"
	"voicecraft/internal/wire"
)

// Circuit breaker constants, grounded on server/client.go's sendHealth.
const (
	circuitBreakerThreshold     uint32 = 50
	circuitBreakerProbeInterval uint32 = 25
)

var (
	// ErrServerFull is returned (and sent to the peer as a DenyResponse)
	// when the configured MaxClients is already reached.
	ErrServerFull = errors.New("relay: server full")
	// ErrVersionMismatch is returned when a LoginRequest's version fields
	// don't match the server's.
	ErrVersionMismatch = errors.New("relay: incompatible client version")
	// ErrBadLogin is returned when the first control frame isn't a
	// LoginRequest, or the handshake fails.
	ErrBadLogin = errors.New("relay: malformed login")
	// ErrBanned is returned when the connecting public key is on the
	// server's ban list.
	ErrBanned = errors.New("relay: public key banned")
)

// Peer is the relay's transport surface for one connected session,
// satisfied by *internal/transport.Conn; tests supply an in-memory double.
type Peer interface {
	SendDatagram([]byte) error
	SendControl([]byte) error
	ReceiveControl() ([]byte, error)
	ReceiveDatagram(ctx context.Context) ([]byte, error)
	Close() error
}

// VisibilitySource is the external collaborator spec.md §4.8 calls for:
// the relay only consults it when deciding fan-out, never computes
// visibility itself. DefaultVisibility below is the trivial "everyone sees
// everyone" implementation used when no spatial visibility system is wired
// in; a real deployment supplies its own (distance, line-of-sight, channel
// membership...).
type VisibilitySource interface {
	// VisibleTo returns the set of entity ids from can currently see.
	VisibleTo(from entity.ID) []entity.ID
}

// DefaultVisibility treats every connected peer as mutually visible.
type DefaultVisibility struct {
	srv *Server
}

// NewDefaultVisibility builds a VisibilitySource backed by srv's live peer
// set, so every peer is visible to every other peer.
func NewDefaultVisibility(srv *Server) *DefaultVisibility {
	return &DefaultVisibility{srv: srv}
}

func (v *DefaultVisibility) VisibleTo(from entity.ID) []entity.ID {
	v.srv.mu.RLock()
	defer v.srv.mu.RUnlock()
	out := make([]entity.ID, 0, len(v.srv.peers))
	for id := range v.srv.peers {
		if id == from {
			continue
		}
		out = append(out, id)
	}
	return out
}

// sendHealth is a per-peer circuit breaker for fan-out sends, generalized
// from server/client.go's sendHealth beyond just voice datagrams.
type sendHealth struct {
	failures atomic.Uint32
	skips    atomic.Uint32
}

func (h *sendHealth) shouldSkip() bool {
	if h.failures.Load() < circuitBreakerThreshold {
		return false
	}
	s := h.skips.Add(1)
	return s%circuitBreakerProbeInterval != 0
}

func (h *sendHealth) recordFailure() { h.failures.Add(1) }

func (h *sendHealth) recordSuccess() {
	h.failures.Store(0)
	h.skips.Store(0)
}

// peerState is the relay's bookkeeping for one connected client, keyed by
// its arena entity.ID.
type peerState struct {
	conn   Peer
	sec    *security.Session
	health sendHealth

	mu       sync.Mutex
	username string
	muted    bool
	deafened bool
}

// BanChecker is consulted during login before the handshake completes;
// wired to internal/store.Store in production (pubkey bans keyed by the
// Z85-encoded ECDH public key). Nil means no bans are enforced.
type BanChecker interface {
	IsPubkeyBanned(pubkey string) (banned bool, reason string, err error)
}

// Config tunes one RelayServer instance.
type Config struct {
	MaxClients   int
	VersionMajor uint16
	VersionMinor uint16
	ServerName   string
	Motd         string
	Bans         BanChecker
}

// Server is the C8 RelayServer: an accept loop plus the audio/control
// fan-out logic. One Server instance corresponds to one voice room.
type Server struct {
	visibility VisibilitySource
	events     *events.Queue

	cfgMu sync.RWMutex
	cfg   Config

	mu    sync.RWMutex
	ents  *entity.Arena
	peers map[entity.ID]*peerState
}

// New constructs a Server. If vis is nil, a DefaultVisibility backed by
// this server is used.
func New(cfg Config, vis VisibilitySource) *Server {
	s := &Server{
		cfg:    cfg,
		ents:   entity.New(),
		peers:  make(map[entity.ID]*peerState),
		events: events.NewQueue(256),
	}
	if vis == nil {
		vis = NewDefaultVisibility(s)
	}
	s.visibility = vis
	return s
}

// ClientCount returns the number of currently connected peers.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// Config returns the server's current tunables. Safe for concurrent use
// with SetConfig.
func (s *Server) Config() Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// SetConfig replaces the server's tunables, e.g. after an internal/httpapi
// ServerProperties reload. Takes effect for the next login; connected peers
// are unaffected.
func (s *Server) SetConfig(cfg Config) {
	s.cfgMu.Lock()
	s.cfg = cfg
	s.cfgMu.Unlock()
}

// Events returns the server's fan-out event queue, drained by the caller's
// tick loop to decide what to broadcast (e.g. over the HTTP API or logs).
func (s *Server) Events() *events.Queue {
	return s.events
}

func wireID(id entity.ID) int32 {
	return int32(id.Index())
}

// Accept runs one peer's full lifecycle: the login handshake, then control
// and datagram read loops, until the peer disconnects or ctx is canceled.
// Mirrors server/client.go's handleClient, generalized to this protocol's
// ECDH login instead of a flat username-only join.
func (s *Server) Accept(ctx context.Context, conn Peer) error {
	id, ps, err := s.login(conn)
	if err != nil {
		return err
	}

	defer s.disconnect(id)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.readDatagrams(ctx, id, ps)

	for {
		frame, err := conn.ReceiveControl()
		if err != nil {
			return nil
		}
		if err := s.dispatchControl(id, ps, frame); err != nil {
			if errors.Is(err, errPeerLoggedOut) {
				return nil
			}
			log.Printf("relay: peer %d control error: %v", wireID(id), err)
		}
	}
}

// login performs the handshake described in spec.md §4.8's Login flow:
// decode the LoginRequest, check version majors/minors, complete the ECDH
// handshake, and reply with AcceptResponse or DenyResponse.
func (s *Server) login(conn Peer) (entity.ID, *peerState, error) {
	frame, err := conn.ReceiveControl()
	if err != nil {
		return 0, nil, fmt.Errorf("relay: read login: %w", err)
	}
	_, msg, err := wire.Decode(frame, false)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrBadLogin, err)
	}
	login, ok := msg.(wire.LoginRequest)
	if !ok {
		return 0, nil, fmt.Errorf("%w: expected login", ErrBadLogin)
	}

	deny := func(reason string, cause error) (entity.ID, *peerState, error) {
		resp := wire.DenyResponse{RequestID: login.RequestID, Reason: reason}
		_ = conn.SendControl(resp.Encode())
		return 0, nil, cause
	}

	cfg := s.Config()
	if login.VersionMajor != cfg.VersionMajor || login.VersionMinor != cfg.VersionMinor {
		return deny("VoiceCraft.DisconnectReason.IncompatibleVersion", ErrVersionMismatch)
	}
	if cfg.MaxClients > 0 && s.ClientCount() >= cfg.MaxClients {
		return deny("VoiceCraft.DisconnectReason.ServerFull", ErrServerFull)
	}
	if cfg.Bans != nil {
		if banned, reason, err := cfg.Bans.IsPubkeyBanned(wire.EncodeZ85(login.PublicKey)); err != nil {
			return deny("VoiceCraft.DisconnectReason.InternalError", fmt.Errorf("relay: check ban: %w", err))
		} else if banned {
			return deny("VoiceCraft.DisconnectReason.Banned: "+reason, ErrBanned)
		}
	}

	sec, err := security.NewSession()
	if err != nil {
		return deny("VoiceCraft.DisconnectReason.InternalError", fmt.Errorf("relay: new session: %w", err))
	}
	if err := sec.CompleteHandshake(login.PublicKey); err != nil {
		return deny("VoiceCraft.DisconnectReason.BadHandshake", fmt.Errorf("%w: %v", ErrBadLogin, err))
	}

	ps := &peerState{conn: conn, sec: sec, username: login.Username}

	s.mu.Lock()
	id := s.ents.Insert(ps)
	s.peers[id] = ps
	s.mu.Unlock()

	accept := wire.AcceptResponse{
		RequestID: login.RequestID,
		PublicKey: sec.LocalPublicKey(),
		EntityID:  wireID(id),
	}
	if err := conn.SendControl(accept.Encode()); err != nil {
		s.disconnect(id)
		return 0, nil, fmt.Errorf("relay: send accept: %w", err)
	}

	s.broadcastExcept(id, wire.EntityCreated{EntityID: wireID(id), Name: login.Username}.Encode())
	s.events.Push(events.Event{Kind: events.EntityCreated, EntityID: int64(wireID(id)), Name: login.Username}) //nolint:errcheck // best-effort fan-out queue

	return id, ps, nil
}

// disconnect removes id from the peer set and notifies the rest of the
// room, mirroring handleClient's deferred RemoveClient/BroadcastControl.
func (s *Server) disconnect(id entity.ID) {
	s.mu.Lock()
	ps, ok := s.peers[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.peers, id)
	_ = s.ents.Remove(id)
	s.mu.Unlock()

	ps.sec.Close()
	_ = ps.conn.Close()

	s.broadcastExcept(id, wire.EntityDestroyed{EntityID: wireID(id)}.Encode())
	s.events.Push(events.Event{Kind: events.EntityDestroyed, EntityID: int64(wireID(id))}) //nolint:errcheck // best-effort fan-out queue
}

// readDatagrams pumps one peer's inbound voice datagrams, decrypts them,
// re-stamps the sender's entity id to prevent spoofing, and relays to the
// peer's visible set. Mirrors server/client.go's readDatagrams.
func (s *Server) readDatagrams(ctx context.Context, id entity.ID, ps *peerState) {
	for {
		data, err := ps.conn.ReceiveDatagram(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("relay: peer %d datagram read error: %v", wireID(id), err)
			}
			return
		}
		if err := s.relayAudio(id, ps, data); err != nil {
			log.Printf("relay: peer %d audio relay error: %v", wireID(id), err)
		}
	}
}

// relayAudio implements spec.md §4.8's Audio relay: decrypt the envelope,
// re-stamp entityId = P.id, and send with Sequenced delivery to every
// entity in P's visible set that is not deafened and is a network entity
// (i.e. every other connected peer; this relay has no notion of local-only
// entities).
func (s *Server) relayAudio(id entity.ID, ps *peerState, data []byte) error {
	_, env, err := wire.Decode(data, true)
	if err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	envelope, ok := env.(wire.EncryptedEnvelope)
	if !ok {
		return fmt.Errorf("expected encrypted envelope")
	}
	plaintext, err := ps.sec.Decrypt(envelope.IV, envelope.Ciphertext, envelope.Tag[:])
	if err != nil {
		return fmt.Errorf("decrypt: %w", err)
	}
	_, msg, err := wire.Decode(plaintext, false)
	if err != nil {
		return fmt.Errorf("decode audio: %w", err)
	}
	audio, ok := msg.(wire.AdvancedAudio)
	if !ok {
		return fmt.Errorf("expected advanced audio")
	}
	audio.EntityID = wireID(id)
	plaintext, err = audio.Encode()
	if err != nil {
		return fmt.Errorf("re-encode audio: %w", err)
	}

	for _, targetID := range s.visibility.VisibleTo(id) {
		s.mu.RLock()
		target, ok := s.peers[targetID]
		s.mu.RUnlock()
		if !ok {
			continue
		}
		target.mu.Lock()
		deafened := target.deafened
		target.mu.Unlock()
		if deafened {
			continue
		}
		s.sendDatagram(targetID, target, plaintext)
	}
	return nil
}

// sendDatagram AEAD-encrypts plaintext under target's session and sends it,
// respecting target's circuit breaker (server/client.go's sendHealth).
func (s *Server) sendDatagram(targetID entity.ID, target *peerState, plaintext []byte) {
	if target.health.shouldSkip() {
		return
	}
	iv, ciphertext, tag, err := target.sec.Encrypt(plaintext)
	if err != nil {
		target.health.recordFailure()
		return
	}
	env := wire.EncryptedEnvelope{IV: iv}
	copy(env.Tag[:], tag)
	env.Ciphertext = ciphertext
	if err := target.conn.SendDatagram(env.Encode()); err != nil {
		target.health.recordFailure()
		return
	}
	target.health.recordSuccess()
}

// dispatchControl decodes one control frame from peer id and applies
// spec.md §4.8's Control relay rule: identity-level properties (mute,
// deafen, name) fan out to every peer; spatial properties (visibility,
// position/rotation updates) fan out only to the sender's visible set.
// All control relay uses ReliableOrdered delivery (the control stream).
func (s *Server) dispatchControl(id entity.ID, ps *peerState, frame []byte) error {
	_, msg, err := wire.Decode(frame, false)
	if err != nil {
		return fmt.Errorf("decode control: %w", err)
	}

	switch m := msg.(type) {
	case wire.InfoRequest:
		cfg := s.Config()
		resp := wire.InfoResponse{
			RequestID:      m.RequestID,
			ServerName:     cfg.ServerName,
			Motd:           cfg.Motd,
			MaxClients:     uint16(cfg.MaxClients),
			CurrentClients: uint16(s.ClientCount()),
		}
		if err := ps.conn.SendControl(resp.Encode()); err != nil {
			return fmt.Errorf("send info response: %w", err)
		}

	case wire.SetMute:
		ps.mu.Lock()
		ps.muted = m.Muted
		ps.mu.Unlock()
		s.broadcastExcept(id, m.Encode())
		s.events.Push(events.Event{Kind: events.MuteChanged, EntityID: int64(wireID(id)), Muted: m.Muted}) //nolint:errcheck

	case wire.SetDeafen:
		ps.mu.Lock()
		ps.deafened = m.Deafened
		ps.mu.Unlock()
		s.broadcastExcept(id, m.Encode())
		s.events.Push(events.Event{Kind: events.DeafenChanged, EntityID: int64(wireID(id)), Deafened: m.Deafened}) //nolint:errcheck

	case wire.SetName:
		ps.mu.Lock()
		ps.username = m.Name
		ps.mu.Unlock()
		s.broadcastExcept(id, m.Encode())
		s.events.Push(events.Event{Kind: events.NameChanged, EntityID: int64(wireID(id)), Name: m.Name}) //nolint:errcheck

	case wire.SetEntityVisibility, wire.EntityUpdated:
		s.relayToVisible(id, frame)

	case wire.LogoutRequest:
		return errPeerLoggedOut

	default:
		return fmt.Errorf("unexpected control message %T", m)
	}
	return nil
}

var errPeerLoggedOut = errors.New("relay: peer logged out")

// relayToVisible forwards frame, unmodified, to every entity currently
// visible to id. Used for spatial control properties that should not be
// broadcast beyond the sender's own visible set.
func (s *Server) relayToVisible(id entity.ID, frame []byte) {
	for _, targetID := range s.visibility.VisibleTo(id) {
		s.mu.RLock()
		target, ok := s.peers[targetID]
		s.mu.RUnlock()
		if !ok {
			continue
		}
		if target.health.shouldSkip() {
			continue
		}
		if err := target.conn.SendControl(frame); err != nil {
			target.health.recordFailure()
			continue
		}
		target.health.recordSuccess()
	}
}

// broadcastExcept sends frame over the control stream to every connected
// peer other than except. Snapshots the peer set under RLock then sends
// without holding it, per server/room.go's Broadcast pattern.
func (s *Server) broadcastExcept(except entity.ID, frame []byte) {
	s.mu.RLock()
	targets := make([]*peerState, 0, len(s.peers))
	for id, ps := range s.peers {
		if id == except {
			continue
		}
		targets = append(targets, ps)
	}
	s.mu.RUnlock()

	for _, ps := range targets {
		if ps.health.shouldSkip() {
			continue
		}
		if err := ps.conn.SendControl(frame); err != nil {
			ps.health.recordFailure()
			continue
		}
		ps.health.recordSuccess()
	}
}
