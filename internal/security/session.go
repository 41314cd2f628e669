// Package security implements the ECDH handshake and AEAD channel that
// protect every voice/control frame once a session is established.
//
// The handshake shape (ephemeral ECDH, orientation-independent transcript
// hash, HKDF-Expand into a send/recv key pair, deterministic role
// assignment by comparing public keys) follows the ECDH+HKDF+AEAD idiom
// used by noise-protocol-style handshakes rather than anything in the
// teacher repo, which terminates its own transport security at the QUIC/TLS
// layer and never implements an application-level AEAD session.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Errors returned by the handshake and AEAD operations (spec.md §7
// "Security" taxonomy).
var (
	ErrInvalidRemoteKey    = errors.New("security: invalid remote public key")
	ErrAuthenticationFail  = errors.New("security: AEAD authentication failed")
	ErrInvalidNonce        = errors.New("security: nonce prefix mismatch")
	ErrReplayDetected      = errors.New("security: replay detected")
	ErrReplayOutsideWindow = errors.New("security: replay outside window")
	ErrHandshakeIncomplete = errors.New("security: handshake incomplete")
)

const (
	keyLen         = 32 // AES-256 key
	noncePrefixLen = 4
	nonceLen       = 12 // noncePrefix(4) || counter(8)
	counterLen     = 8
	replayWindow   = 64 // bits
)

var hkdfInfoLabel = []byte("voicecraft-voice-session-v1")
var transcriptLabel = []byte("voicecraft-handshake-transcript-v1")

// derivedKeys is the raw HKDF-Expand output, split into two symmetric keys
// and two nonce prefixes before role assignment picks which pair is used
// for sending vs receiving.
type derivedKeys struct {
	key0, key1               [keyLen]byte
	noncePrefix0, noncePrefix1 [noncePrefixLen]byte
}

// Session holds one peer's ECDH handshake and AEAD channel state. Zero
// value is not usable; construct with NewSession.
type Session struct {
	curve      ecdh.Curve
	localPriv  *ecdh.PrivateKey
	localPub   []byte // raw X||Y encoding
	remotePub  []byte

	sendAEAD cipher.AEAD
	recvAEAD cipher.AEAD

	sendNoncePrefix [noncePrefixLen]byte
	recvNoncePrefix [noncePrefixLen]byte

	sendCounter uint64

	recvMaxCounter uint64
	recvWindow     uint64
	recvHasAny     bool

	established bool
}

// NewSession generates a fresh ephemeral P-256 keypair. Call
// CompleteHandshake once the peer's public key arrives.
func NewSession() (*Session, error) {
	curve := ecdh.P256()
	priv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("security: generate key: %w", err)
	}
	return &Session{
		curve:     curve,
		localPriv: priv,
		localPub:  priv.PublicKey().Bytes(),
	}, nil
}

// LocalPublicKey returns this side's raw ECDH public key (X||Y encoding),
// to be sent to the peer in a LoginRequest/AcceptResponse.
func (s *Session) LocalPublicKey() []byte {
	return append([]byte(nil), s.localPub...)
}

// lexLess reports whether a sorts strictly before b lexicographically.
func lexLess(a, b []byte) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

// CompleteHandshake derives the shared AEAD channel from the peer's raw
// ECDH public key. Once established, a further call with the same remote
// key is a no-op returning nil, and a call with a different key fails with
// ErrInvalidRemoteKey (rekey is not supported — construct a fresh Session
// to rekey).
func (s *Session) CompleteHandshake(remotePub []byte) error {
	if s.established {
		if !lexLess(remotePub, s.remotePub) && !lexLess(s.remotePub, remotePub) {
			return nil
		}
		return fmt.Errorf("%w: session already established with another key", ErrInvalidRemoteKey)
	}

	peerKey, err := s.curve.NewPublicKey(remotePub)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRemoteKey, err)
	}

	shared, err := s.localPriv.ECDH(peerKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRemoteKey, err)
	}
	defer zero(shared)

	// Orientation-independent transcript: both sides hash the same bytes
	// regardless of which one computed them, by sorting the two public
	// keys before concatenating.
	lo, hi := s.localPub, remotePub
	if lexLess(hi, lo) {
		lo, hi = hi, lo
	}
	transcript := sha256.New()
	transcript.Write(transcriptLabel)
	transcript.Write(lo)
	transcript.Write(hi)
	salt := transcript.Sum(nil)

	extractor := hkdf.New(sha256.New, shared, salt, hkdfInfoLabel)
	var dk derivedKeys
	prk := make([]byte, 2*keyLen+2*noncePrefixLen)
	if _, err := io.ReadFull(extractor, prk); err != nil {
		return fmt.Errorf("security: hkdf expand: %w", err)
	}
	defer zero(prk)

	copy(dk.key0[:], prk[0:32])
	copy(dk.key1[:], prk[32:64])
	copy(dk.noncePrefix0[:], prk[64:68])
	copy(dk.noncePrefix1[:], prk[68:72])

	// Deterministic, role-free assignment: the side with the
	// lexicographically smaller public key sends with (key0, prefix0) and
	// receives with (key1, prefix1); the other side mirrors.
	var sendKey, recvKey [keyLen]byte
	if lexLess(s.localPub, remotePub) {
		sendKey, s.sendNoncePrefix = dk.key0, dk.noncePrefix0
		recvKey, s.recvNoncePrefix = dk.key1, dk.noncePrefix1
	} else {
		sendKey, s.sendNoncePrefix = dk.key1, dk.noncePrefix1
		recvKey, s.recvNoncePrefix = dk.key0, dk.noncePrefix0
	}

	sendBlock, err := aes.NewCipher(sendKey[:])
	if err != nil {
		return err
	}
	s.sendAEAD, err = cipher.NewGCM(sendBlock)
	if err != nil {
		return err
	}
	recvBlock, err := aes.NewCipher(recvKey[:])
	if err != nil {
		return err
	}
	s.recvAEAD, err = cipher.NewGCM(recvBlock)
	if err != nil {
		return err
	}

	zero(sendKey[:])
	zero(recvKey[:])
	zero(dk.key0[:])
	zero(dk.key1[:])

	s.remotePub = append([]byte(nil), remotePub...)
	s.established = true

	// The ECDH private key has served its purpose; drop the reference so
	// the key material (held inside the stdlib type) is eligible for GC.
	// crypto/ecdh does not expose raw bytes to zero directly.
	s.localPriv = nil

	return nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// nonce builds the 12-byte per-packet nonce: prefix(4) || counter(8, BE).
func nonce(prefix [noncePrefixLen]byte, counter uint64) [nonceLen]byte {
	var n [nonceLen]byte
	copy(n[0:noncePrefixLen], prefix[:])
	binary.BigEndian.PutUint64(n[noncePrefixLen:], counter)
	return n
}

// Encrypt seals plaintext under the next sender nonce. Returns the 12-byte
// IV/nonce, the ciphertext (Seal output minus the trailing tag), and the
// 16-byte GCM tag separately, matching EncryptedEnvelope's wire layout.
func (s *Session) Encrypt(plaintext []byte) (iv [12]byte, ciphertext, tag []byte, err error) {
	if !s.established {
		return iv, nil, nil, ErrHandshakeIncomplete
	}
	s.sendCounter++
	n := nonce(s.sendNoncePrefix, s.sendCounter)
	iv = n

	sealed := s.sendAEAD.Seal(nil, n[:], plaintext, nil)
	tagStart := len(sealed) - s.sendAEAD.Overhead()
	ciphertext = sealed[:tagStart]
	tag = sealed[tagStart:]
	return iv, ciphertext, tag, nil
}

// Decrypt opens a received envelope: it validates the nonce prefix, runs
// AEAD verify+decrypt, and only then checks and updates the replay window,
// so a forged packet never marks a counter as seen.
func (s *Session) Decrypt(iv [12]byte, ciphertext, tag []byte) ([]byte, error) {
	if !s.established {
		return nil, ErrHandshakeIncomplete
	}
	var gotPrefix [noncePrefixLen]byte
	copy(gotPrefix[:], iv[:noncePrefixLen])
	if gotPrefix != s.recvNoncePrefix {
		return nil, ErrInvalidNonce
	}
	counter := binary.BigEndian.Uint64(iv[noncePrefixLen:])

	sealed := append(append([]byte(nil), ciphertext...), tag...)
	plaintext, err := s.recvAEAD.Open(nil, iv[:], sealed, nil)
	if err != nil {
		return nil, ErrAuthenticationFail
	}

	if err := s.checkAndMarkReplay(counter); err != nil {
		return nil, err
	}
	return plaintext, nil
}

// checkAndMarkReplay implements the sliding 64-bit replay bitmap described
// in spec.md §4.3: counters at or below (max-64) are rejected as outside
// the window; counters already marked are rejected as replays; otherwise
// the window advances (if counter is new-max) or the corresponding bit is
// set in place.
func (s *Session) checkAndMarkReplay(counter uint64) error {
	if !s.recvHasAny {
		s.recvHasAny = true
		s.recvMaxCounter = counter
		s.recvWindow = 1
		return nil
	}

	if counter > s.recvMaxCounter {
		shift := counter - s.recvMaxCounter
		if shift >= replayWindow {
			s.recvWindow = 0
		} else {
			s.recvWindow <<= shift
		}
		s.recvWindow |= 1
		s.recvMaxCounter = counter
		return nil
	}

	age := s.recvMaxCounter - counter
	if age >= replayWindow {
		return ErrReplayOutsideWindow
	}
	bit := uint64(1) << age
	if s.recvWindow&bit != 0 {
		return ErrReplayDetected
	}
	s.recvWindow |= bit
	return nil
}

// Close zeroizes all retained key material. Safe to call multiple times.
func (s *Session) Close() {
	s.sendAEAD = nil
	s.recvAEAD = nil
	for i := range s.sendNoncePrefix {
		s.sendNoncePrefix[i] = 0
	}
	for i := range s.recvNoncePrefix {
		s.recvNoncePrefix[i] = 0
	}
	s.localPriv = nil
	s.established = false
}

// Established reports whether CompleteHandshake has succeeded.
func (s *Session) Established() bool { return s.established }
