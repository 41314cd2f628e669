// Package wire implements the voice-core wire protocol: a one-byte packet
// type tag followed by a big-endian-encoded body whose string and byte
// fields are uint16-length-prefixed. A frame carries no overall length;
// WriteStreamFrame adds one when frames travel on the control stream.
//
// Byte order and string-length conventions are fixed here (big-endian,
// uint16-length-prefixed strings) the way the teacher's
// client/transport.go MarshalDatagram/ParseDatagram fixes its own
// big-endian datagram header — the exact layout is part of the wire
// contract and must never change without a version bump.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// MaxEncodedBytes bounds the size of an encoded-audio (opus) payload.
// Chosen generously above RFC 6716's 1275-byte max Opus packet to leave
// headroom for future higher-bitrate profiles.
const MaxEncodedBytes = 1400

// MaxStringLength bounds any length-prefixed string field (usernames,
// channel/server names, deny reasons).
const MaxStringLength = 512

// Errors returned by Decode / per-type decoders.
var (
	ErrMalformedFrame   = errors.New("wire: malformed frame")
	ErrUnknownType      = errors.New("wire: unknown packet type")
	ErrOversizedPayload = errors.New("wire: payload exceeds MaxEncodedBytes")
)

// PacketType tags the first byte of every frame. Values are externalized
// and must stay stable across client/server builds: requests first, then
// responses, then events, per the wire contract.
type PacketType byte

const (
	// Requests
	PacketInfoRequest PacketType = iota + 1
	PacketLoginRequest
	PacketLogoutRequest
	PacketSetMute
	PacketSetDeafen
	PacketSetName
	PacketSetTitle
	PacketSetDescription
	PacketSetEntityVisibility

	// Responses
	PacketInfoResponse
	PacketAcceptResponse
	PacketDenyResponse

	// Audio / security
	PacketAudio
	PacketAdvancedAudio
	PacketEncryptedEnvelope

	// Entity lifecycle/state events
	PacketEntityCreated
	PacketEntityDestroyed
	PacketEntityUpdated
)

// AdvancedAudio flag bits.
const (
	FlagHasPosition byte = 1 << 0
	FlagHasRotation byte = 1 << 1
)

// Frame encodes typ and body into a single wire frame: type_byte || body.
func Frame(typ PacketType, body []byte) []byte {
	out := make([]byte, 1+len(body))
	out[0] = byte(typ)
	copy(out[1:], body)
	return out
}

// SplitFrame separates the type byte from the body. Fails with
// ErrMalformedFrame on an empty frame.
func SplitFrame(data []byte) (PacketType, []byte, error) {
	if len(data) < 1 {
		return 0, nil, ErrMalformedFrame
	}
	return PacketType(data[0]), data[1:], nil
}

func writeString(buf *bytes.Buffer, s string) error {
	if len(s) > MaxStringLength {
		return fmt.Errorf("%w: string length %d exceeds %d", ErrMalformedFrame, len(s), MaxStringLength)
	}
	if err := binary.Write(buf, binary.BigEndian, uint16(len(s))); err != nil {
		return err
	}
	buf.WriteString(s)
	return nil
}

func readString(r *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", ErrMalformedFrame
	}
	if int(n) > MaxStringLength || r.Len() < int(n) {
		return "", ErrMalformedFrame
	}
	buf := make([]byte, n)
	if _, err := r.Read(buf); err != nil {
		return "", ErrMalformedFrame
	}
	return string(buf), nil
}

func writeBytes(buf *bytes.Buffer, b []byte) error {
	if err := binary.Write(buf, binary.BigEndian, uint16(len(b))); err != nil {
		return err
	}
	buf.Write(b)
	return nil
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, ErrMalformedFrame
	}
	if r.Len() < int(n) {
		return nil, ErrMalformedFrame
	}
	buf := make([]byte, n)
	if _, err := r.Read(buf); err != nil {
		return nil, ErrMalformedFrame
	}
	return buf, nil
}

// --- InfoRequest / InfoResponse ---

// InfoRequest carries a caller-chosen RequestID that the matching
// InfoResponse echoes back, so a session's request/response registry can
// correlate the reply without relying on connection-level ordering (the
// control stream can carry other traffic between the two).
type InfoRequest struct {
	RequestID [16]byte
}

func (m InfoRequest) Encode() []byte { return Frame(PacketInfoRequest, m.RequestID[:]) }

func DecodeInfoRequest(body []byte) (InfoRequest, error) {
	var m InfoRequest
	if len(body) < 16 {
		return m, ErrMalformedFrame
	}
	copy(m.RequestID[:], body[0:16])
	return m, nil
}

type InfoResponse struct {
	RequestID      [16]byte
	ServerName     string
	Motd           string
	MaxClients     uint16
	CurrentClients uint16
}

func (m InfoResponse) Encode() []byte {
	var buf bytes.Buffer
	buf.Write(m.RequestID[:])
	_ = writeString(&buf, m.ServerName)
	_ = writeString(&buf, m.Motd)
	_ = binary.Write(&buf, binary.BigEndian, m.MaxClients)
	_ = binary.Write(&buf, binary.BigEndian, m.CurrentClients)
	return Frame(PacketInfoResponse, buf.Bytes())
}

func DecodeInfoResponse(body []byte) (InfoResponse, error) {
	if len(body) < 16 {
		return InfoResponse{}, ErrMalformedFrame
	}
	var m InfoResponse
	copy(m.RequestID[:], body[0:16])
	r := bytes.NewReader(body[16:])
	var err error
	if m.ServerName, err = readString(r); err != nil {
		return m, err
	}
	if m.Motd, err = readString(r); err != nil {
		return m, err
	}
	if err := binary.Read(r, binary.BigEndian, &m.MaxClients); err != nil {
		return m, ErrMalformedFrame
	}
	if err := binary.Read(r, binary.BigEndian, &m.CurrentClients); err != nil {
		return m, ErrMalformedFrame
	}
	return m, nil
}

// --- LoginRequest / AcceptResponse / DenyResponse ---

// LoginRequest carries the joining peer's ephemeral ECDH public key (raw
// X||Y point encoding), client version for negotiation, and a RequestID
// that the matching AcceptResponse/DenyResponse echoes back.
type LoginRequest struct {
	RequestID    [16]byte
	Username     string
	PublicKey    []byte
	VersionMajor uint16
	VersionMinor uint16
	VersionBuild uint16
}

func (m LoginRequest) Encode() []byte {
	var buf bytes.Buffer
	buf.Write(m.RequestID[:])
	_ = writeString(&buf, m.Username)
	_ = writeBytes(&buf, m.PublicKey)
	_ = binary.Write(&buf, binary.BigEndian, m.VersionMajor)
	_ = binary.Write(&buf, binary.BigEndian, m.VersionMinor)
	_ = binary.Write(&buf, binary.BigEndian, m.VersionBuild)
	return Frame(PacketLoginRequest, buf.Bytes())
}

func DecodeLoginRequest(body []byte) (LoginRequest, error) {
	if len(body) < 16 {
		return LoginRequest{}, ErrMalformedFrame
	}
	var m LoginRequest
	copy(m.RequestID[:], body[0:16])
	r := bytes.NewReader(body[16:])
	var err error
	if m.Username, err = readString(r); err != nil {
		return m, err
	}
	if m.PublicKey, err = readBytes(r); err != nil {
		return m, err
	}
	if err := binary.Read(r, binary.BigEndian, &m.VersionMajor); err != nil {
		return m, ErrMalformedFrame
	}
	if err := binary.Read(r, binary.BigEndian, &m.VersionMinor); err != nil {
		return m, ErrMalformedFrame
	}
	if err := binary.Read(r, binary.BigEndian, &m.VersionBuild); err != nil {
		return m, ErrMalformedFrame
	}
	return m, nil
}

// AcceptResponse carries the server's ephemeral ECDH public key, completing
// the handshake, plus the peer's assigned entity id. RequestID echoes the
// LoginRequest that produced it.
type AcceptResponse struct {
	RequestID [16]byte
	PublicKey []byte
	EntityID  int32
}

func (m AcceptResponse) Encode() []byte {
	var buf bytes.Buffer
	buf.Write(m.RequestID[:])
	_ = writeBytes(&buf, m.PublicKey)
	_ = binary.Write(&buf, binary.BigEndian, m.EntityID)
	return Frame(PacketAcceptResponse, buf.Bytes())
}

func DecodeAcceptResponse(body []byte) (AcceptResponse, error) {
	if len(body) < 16 {
		return AcceptResponse{}, ErrMalformedFrame
	}
	var m AcceptResponse
	copy(m.RequestID[:], body[0:16])
	r := bytes.NewReader(body[16:])
	var err error
	if m.PublicKey, err = readBytes(r); err != nil {
		return m, err
	}
	if err := binary.Read(r, binary.BigEndian, &m.EntityID); err != nil {
		return m, ErrMalformedFrame
	}
	return m, nil
}

// DenyResponse rejects the LoginRequest identified by RequestID with Reason.
type DenyResponse struct {
	RequestID [16]byte
	Reason    string
}

func (m DenyResponse) Encode() []byte {
	var buf bytes.Buffer
	buf.Write(m.RequestID[:])
	_ = writeString(&buf, m.Reason)
	return Frame(PacketDenyResponse, buf.Bytes())
}

func DecodeDenyResponse(body []byte) (DenyResponse, error) {
	if len(body) < 16 {
		return DenyResponse{}, ErrMalformedFrame
	}
	var m DenyResponse
	copy(m.RequestID[:], body[0:16])
	r := bytes.NewReader(body[16:])
	var err error
	if m.Reason, err = readString(r); err != nil {
		return m, err
	}
	return m, nil
}

type LogoutRequest struct{}

func (LogoutRequest) Encode() []byte { return Frame(PacketLogoutRequest, nil) }

// --- SetMute / SetDeafen / SetName / SetTitle / SetDescription ---

type SetMute struct{ Muted bool }

func (m SetMute) Encode() []byte {
	b := byte(0)
	if m.Muted {
		b = 1
	}
	return Frame(PacketSetMute, []byte{b})
}

func DecodeSetMute(body []byte) (SetMute, error) {
	if len(body) < 1 {
		return SetMute{}, ErrMalformedFrame
	}
	return SetMute{Muted: body[0] != 0}, nil
}

type SetDeafen struct{ Deafened bool }

func (m SetDeafen) Encode() []byte {
	b := byte(0)
	if m.Deafened {
		b = 1
	}
	return Frame(PacketSetDeafen, []byte{b})
}

func DecodeSetDeafen(body []byte) (SetDeafen, error) {
	if len(body) < 1 {
		return SetDeafen{}, ErrMalformedFrame
	}
	return SetDeafen{Deafened: body[0] != 0}, nil
}

type SetName struct{ Name string }

func (m SetName) Encode() []byte {
	var buf bytes.Buffer
	_ = writeString(&buf, m.Name)
	return Frame(PacketSetName, buf.Bytes())
}

func DecodeSetName(body []byte) (SetName, error) {
	r := bytes.NewReader(body)
	name, err := readString(r)
	return SetName{Name: name}, err
}

type SetTitle struct{ Title string }

func (m SetTitle) Encode() []byte {
	var buf bytes.Buffer
	_ = writeString(&buf, m.Title)
	return Frame(PacketSetTitle, buf.Bytes())
}

func DecodeSetTitle(body []byte) (SetTitle, error) {
	r := bytes.NewReader(body)
	title, err := readString(r)
	return SetTitle{Title: title}, err
}

type SetDescription struct{ Description string }

func (m SetDescription) Encode() []byte {
	var buf bytes.Buffer
	_ = writeString(&buf, m.Description)
	return Frame(PacketSetDescription, buf.Bytes())
}

func DecodeSetDescription(body []byte) (SetDescription, error) {
	r := bytes.NewReader(body)
	desc, err := readString(r)
	return SetDescription{Description: desc}, err
}

type SetEntityVisibility struct {
	EntityID int32
	Visible  bool
}

func (m SetEntityVisibility) Encode() []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, m.EntityID)
	b := byte(0)
	if m.Visible {
		b = 1
	}
	buf.WriteByte(b)
	return Frame(PacketSetEntityVisibility, buf.Bytes())
}

func DecodeSetEntityVisibility(body []byte) (SetEntityVisibility, error) {
	r := bytes.NewReader(body)
	var m SetEntityVisibility
	if err := binary.Read(r, binary.BigEndian, &m.EntityID); err != nil {
		return m, ErrMalformedFrame
	}
	b, err := r.ReadByte()
	if err != nil {
		return m, ErrMalformedFrame
	}
	m.Visible = b != 0
	return m, nil
}

// --- Audio / AdvancedAudio ---

type Audio struct {
	SequenceID uint16
	Payload    []byte
}

func (m Audio) Encode() ([]byte, error) {
	if len(m.Payload) > MaxEncodedBytes {
		return nil, ErrOversizedPayload
	}
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, m.SequenceID)
	buf.Write(m.Payload)
	return Frame(PacketAudio, buf.Bytes()), nil
}

func DecodeAudio(body []byte) (Audio, error) {
	if len(body) < 2 {
		return Audio{}, ErrMalformedFrame
	}
	seq := binary.BigEndian.Uint16(body[0:2])
	payload := body[2:]
	if len(payload) > MaxEncodedBytes {
		return Audio{}, ErrOversizedPayload
	}
	return Audio{SequenceID: seq, Payload: payload}, nil
}

// AdvancedAudio carries spatial metadata alongside the opus payload.
type AdvancedAudio struct {
	EntityID    int32
	Timestamp   uint16
	Loudness    float32
	HasPosition bool
	Position    [3]float32
	HasRotation bool
	Rotation    [2]float32
	OpusPayload []byte
}

func (m AdvancedAudio) Encode() ([]byte, error) {
	if len(m.OpusPayload) > MaxEncodedBytes {
		return nil, ErrOversizedPayload
	}
	var flags byte
	if m.HasPosition {
		flags |= FlagHasPosition
	}
	if m.HasRotation {
		flags |= FlagHasRotation
	}

	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, m.EntityID)
	_ = binary.Write(&buf, binary.BigEndian, m.Timestamp)
	_ = binary.Write(&buf, binary.BigEndian, math.Float32bits(m.Loudness))
	buf.WriteByte(flags)
	if m.HasPosition {
		for _, v := range m.Position {
			_ = binary.Write(&buf, binary.BigEndian, math.Float32bits(v))
		}
	}
	if m.HasRotation {
		for _, v := range m.Rotation {
			_ = binary.Write(&buf, binary.BigEndian, math.Float32bits(v))
		}
	}
	buf.Write(m.OpusPayload)
	return Frame(PacketAdvancedAudio, buf.Bytes()), nil
}

func DecodeAdvancedAudio(body []byte) (AdvancedAudio, error) {
	r := bytes.NewReader(body)
	var m AdvancedAudio

	if err := binary.Read(r, binary.BigEndian, &m.EntityID); err != nil {
		return m, ErrMalformedFrame
	}
	if err := binary.Read(r, binary.BigEndian, &m.Timestamp); err != nil {
		return m, ErrMalformedFrame
	}
	var loudBits uint32
	if err := binary.Read(r, binary.BigEndian, &loudBits); err != nil {
		return m, ErrMalformedFrame
	}
	m.Loudness = math.Float32frombits(loudBits)
	flags, err := r.ReadByte()
	if err != nil {
		return m, ErrMalformedFrame
	}
	m.HasPosition = flags&FlagHasPosition != 0
	m.HasRotation = flags&FlagHasRotation != 0

	if m.HasPosition {
		for i := range m.Position {
			var bits uint32
			if err := binary.Read(r, binary.BigEndian, &bits); err != nil {
				return m, ErrMalformedFrame
			}
			m.Position[i] = math.Float32frombits(bits)
		}
	}
	if m.HasRotation {
		for i := range m.Rotation {
			var bits uint32
			if err := binary.Read(r, binary.BigEndian, &bits); err != nil {
				return m, ErrMalformedFrame
			}
			m.Rotation[i] = math.Float32frombits(bits)
		}
	}

	payload := make([]byte, r.Len())
	if _, err := r.Read(payload); err != nil && r.Len() > 0 {
		return m, ErrMalformedFrame
	}
	if len(payload) > MaxEncodedBytes {
		return m, ErrOversizedPayload
	}
	m.OpusPayload = payload
	return m, nil
}

// --- EncryptedEnvelope ---

type EncryptedEnvelope struct {
	IV         [12]byte
	Tag        [16]byte
	Ciphertext []byte
}

func (m EncryptedEnvelope) Encode() []byte {
	var buf bytes.Buffer
	buf.Write(m.IV[:])
	buf.Write(m.Tag[:])
	buf.Write(m.Ciphertext)
	return Frame(PacketEncryptedEnvelope, buf.Bytes())
}

func DecodeEncryptedEnvelope(body []byte) (EncryptedEnvelope, error) {
	if len(body) < 12+16 {
		return EncryptedEnvelope{}, ErrMalformedFrame
	}
	var m EncryptedEnvelope
	copy(m.IV[:], body[0:12])
	copy(m.Tag[:], body[12:28])
	m.Ciphertext = body[28:]
	return m, nil
}

// --- Entity lifecycle/state events ---

type EntityCreated struct {
	EntityID int32
	Name     string
}

func (m EntityCreated) Encode() []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, m.EntityID)
	_ = writeString(&buf, m.Name)
	return Frame(PacketEntityCreated, buf.Bytes())
}

func DecodeEntityCreated(body []byte) (EntityCreated, error) {
	r := bytes.NewReader(body)
	var m EntityCreated
	if err := binary.Read(r, binary.BigEndian, &m.EntityID); err != nil {
		return m, ErrMalformedFrame
	}
	var err error
	m.Name, err = readString(r)
	return m, err
}

type EntityDestroyed struct {
	EntityID int32
}

func (m EntityDestroyed) Encode() []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, m.EntityID)
	return Frame(PacketEntityDestroyed, buf.Bytes())
}

func DecodeEntityDestroyed(body []byte) (EntityDestroyed, error) {
	r := bytes.NewReader(body)
	var m EntityDestroyed
	if err := binary.Read(r, binary.BigEndian, &m.EntityID); err != nil {
		return m, ErrMalformedFrame
	}
	return m, nil
}

type EntityUpdated struct {
	EntityID int32
	Position [3]float32
	Rotation [2]float32
}

func (m EntityUpdated) Encode() []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, m.EntityID)
	for _, v := range m.Position {
		_ = binary.Write(&buf, binary.BigEndian, math.Float32bits(v))
	}
	for _, v := range m.Rotation {
		_ = binary.Write(&buf, binary.BigEndian, math.Float32bits(v))
	}
	return Frame(PacketEntityUpdated, buf.Bytes())
}

func DecodeEntityUpdated(body []byte) (EntityUpdated, error) {
	r := bytes.NewReader(body)
	var m EntityUpdated
	if err := binary.Read(r, binary.BigEndian, &m.EntityID); err != nil {
		return m, ErrMalformedFrame
	}
	for i := range m.Position {
		var bits uint32
		if err := binary.Read(r, binary.BigEndian, &bits); err != nil {
			return m, ErrMalformedFrame
		}
		m.Position[i] = math.Float32frombits(bits)
	}
	for i := range m.Rotation {
		var bits uint32
		if err := binary.Read(r, binary.BigEndian, &bits); err != nil {
			return m, ErrMalformedFrame
		}
		m.Rotation[i] = math.Float32frombits(bits)
	}
	return m, nil
}

// Decode dispatches on the leading type byte and returns the decoded
// message value (one of the Packet* structs above) as an any, along with
// the resolved PacketType. Unknown type bytes fail with ErrUnknownType.
//
// A decrypted EncryptedEnvelope body must not itself start with
// PacketEncryptedEnvelope — nested envelopes are forbidden and fail with
// ErrMalformedFrame; callers decrypting an envelope's plaintext should
// pass allowEnvelope=false.
func Decode(data []byte, allowEnvelope bool) (PacketType, any, error) {
	typ, body, err := SplitFrame(data)
	if err != nil {
		return 0, nil, err
	}

	switch typ {
	case PacketInfoRequest:
		m, err := DecodeInfoRequest(body)
		return typ, m, err
	case PacketInfoResponse:
		m, err := DecodeInfoResponse(body)
		return typ, m, err
	case PacketLoginRequest:
		m, err := DecodeLoginRequest(body)
		return typ, m, err
	case PacketLogoutRequest:
		return typ, LogoutRequest{}, nil
	case PacketAcceptResponse:
		m, err := DecodeAcceptResponse(body)
		return typ, m, err
	case PacketDenyResponse:
		m, err := DecodeDenyResponse(body)
		return typ, m, err
	case PacketSetMute:
		m, err := DecodeSetMute(body)
		return typ, m, err
	case PacketSetDeafen:
		m, err := DecodeSetDeafen(body)
		return typ, m, err
	case PacketSetName:
		m, err := DecodeSetName(body)
		return typ, m, err
	case PacketSetTitle:
		m, err := DecodeSetTitle(body)
		return typ, m, err
	case PacketSetDescription:
		m, err := DecodeSetDescription(body)
		return typ, m, err
	case PacketSetEntityVisibility:
		m, err := DecodeSetEntityVisibility(body)
		return typ, m, err
	case PacketAudio:
		m, err := DecodeAudio(body)
		return typ, m, err
	case PacketAdvancedAudio:
		m, err := DecodeAdvancedAudio(body)
		return typ, m, err
	case PacketEncryptedEnvelope:
		if !allowEnvelope {
			return 0, nil, fmt.Errorf("%w: nested encrypted envelope", ErrMalformedFrame)
		}
		m, err := DecodeEncryptedEnvelope(body)
		return typ, m, err
	case PacketEntityCreated:
		m, err := DecodeEntityCreated(body)
		return typ, m, err
	case PacketEntityDestroyed:
		m, err := DecodeEntityDestroyed(body)
		return typ, m, err
	case PacketEntityUpdated:
		m, err := DecodeEntityUpdated(body)
		return typ, m, err
	default:
		return 0, nil, ErrUnknownType
	}
}
