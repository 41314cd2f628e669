package wire

import (
	"bytes"
	"errors"
	"testing"
)

func TestInfoRequestRoundTrip(t *testing.T) {
	data := InfoRequest{}.Encode()
	typ, decoded, err := Decode(data, true)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if typ != PacketInfoRequest {
		t.Fatalf("type = %v, want PacketInfoRequest", typ)
	}
	if _, ok := decoded.(InfoRequest); !ok {
		t.Fatalf("decoded type = %T, want InfoRequest", decoded)
	}
}

func TestInfoResponseRoundTrip(t *testing.T) {
	want := InfoResponse{ServerName: "bken voice", Motd: "hello", MaxClients: 100, CurrentClients: 3}
	typ, decoded, err := Decode(want.Encode(), true)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if typ != PacketInfoResponse {
		t.Fatalf("type = %v", typ)
	}
	got := decoded.(InfoResponse)
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestLoginRequestRoundTrip(t *testing.T) {
	want := LoginRequest{
		Username:     "alice",
		PublicKey:    []byte{1, 2, 3, 4, 5},
		VersionMajor: 2, VersionMinor: 1, VersionBuild: 7,
	}
	typ, decoded, err := Decode(want.Encode(), true)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if typ != PacketLoginRequest {
		t.Fatalf("type = %v", typ)
	}
	got := decoded.(LoginRequest)
	if got.Username != want.Username || !bytes.Equal(got.PublicKey, want.PublicKey) ||
		got.VersionMajor != want.VersionMajor || got.VersionMinor != want.VersionMinor || got.VersionBuild != want.VersionBuild {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestAcceptResponseRoundTrip(t *testing.T) {
	want := AcceptResponse{PublicKey: []byte{9, 9, 9}, EntityID: 42}
	typ, decoded, err := Decode(want.Encode(), true)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if typ != PacketAcceptResponse {
		t.Fatalf("type = %v", typ)
	}
	got := decoded.(AcceptResponse)
	if !bytes.Equal(got.PublicKey, want.PublicKey) || got.EntityID != want.EntityID {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestDenyResponseRoundTrip(t *testing.T) {
	want := DenyResponse{Reason: "VoiceCraft.DisconnectReason.IncompatibleVersion"}
	typ, decoded, err := Decode(want.Encode(), true)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if typ != PacketDenyResponse {
		t.Fatalf("type = %v", typ)
	}
	if decoded.(DenyResponse) != want {
		t.Fatalf("got %+v, want %+v", decoded, want)
	}
}

func TestRequestIDEchoedThroughWire(t *testing.T) {
	var rid [16]byte
	for i := range rid {
		rid[i] = byte(i + 1)
	}

	info := InfoRequest{RequestID: rid}
	_, decoded, err := Decode(info.Encode(), true)
	if err != nil || decoded.(InfoRequest).RequestID != rid {
		t.Fatalf("InfoRequest RequestID not preserved: %v %+v", err, decoded)
	}

	login := LoginRequest{RequestID: rid, Username: "alice"}
	_, decoded, err = Decode(login.Encode(), true)
	if err != nil || decoded.(LoginRequest).RequestID != rid {
		t.Fatalf("LoginRequest RequestID not preserved: %v %+v", err, decoded)
	}

	accept := AcceptResponse{RequestID: rid, EntityID: 1}
	_, decoded, err = Decode(accept.Encode(), true)
	if err != nil || decoded.(AcceptResponse).RequestID != rid {
		t.Fatalf("AcceptResponse RequestID not preserved: %v %+v", err, decoded)
	}

	deny := DenyResponse{RequestID: rid, Reason: "no"}
	_, decoded, err = Decode(deny.Encode(), true)
	if err != nil || decoded.(DenyResponse).RequestID != rid {
		t.Fatalf("DenyResponse RequestID not preserved: %v %+v", err, decoded)
	}
}

func TestSetMuteDeafenRoundTrip(t *testing.T) {
	for _, b := range []bool{true, false} {
		_, d, err := Decode(SetMute{Muted: b}.Encode(), true)
		if err != nil || d.(SetMute).Muted != b {
			t.Fatalf("SetMute(%v): %v %+v", b, err, d)
		}
		_, d2, err := Decode(SetDeafen{Deafened: b}.Encode(), true)
		if err != nil || d2.(SetDeafen).Deafened != b {
			t.Fatalf("SetDeafen(%v): %v %+v", b, err, d2)
		}
	}
}

func TestSetEntityVisibilityRoundTrip(t *testing.T) {
	want := SetEntityVisibility{EntityID: -7, Visible: true}
	_, decoded, err := Decode(want.Encode(), true)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.(SetEntityVisibility) != want {
		t.Fatalf("got %+v, want %+v", decoded, want)
	}
}

func TestAudioRoundTrip(t *testing.T) {
	want := Audio{SequenceID: 1234, Payload: []byte{0xDE, 0xAD, 0xBE, 0xEF}}
	frame, err := want.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	_, decoded, err := Decode(frame, true)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got := decoded.(Audio)
	if got.SequenceID != want.SequenceID || !bytes.Equal(got.Payload, want.Payload) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestAudioOversized(t *testing.T) {
	_, err := Audio{Payload: make([]byte, MaxEncodedBytes+1)}.Encode()
	if !errors.Is(err, ErrOversizedPayload) {
		t.Fatalf("err = %v, want ErrOversizedPayload", err)
	}
}

func TestAdvancedAudioRoundTripFull(t *testing.T) {
	want := AdvancedAudio{
		EntityID: 99, Timestamp: 555, Loudness: 0.75,
		HasPosition: true, Position: [3]float32{1, 2, 3},
		HasRotation: true, Rotation: [2]float32{0.5, -0.5},
		OpusPayload: []byte{1, 2, 3, 4},
	}
	frame, err := want.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	_, decoded, err := Decode(frame, true)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got := decoded.(AdvancedAudio)
	if got.EntityID != want.EntityID || got.Timestamp != want.Timestamp || got.Loudness != want.Loudness ||
		got.HasPosition != want.HasPosition || got.Position != want.Position ||
		got.HasRotation != want.HasRotation || got.Rotation != want.Rotation ||
		!bytes.Equal(got.OpusPayload, want.OpusPayload) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestAdvancedAudioRoundTripNoSpatial(t *testing.T) {
	want := AdvancedAudio{EntityID: 1, Timestamp: 1, OpusPayload: []byte{0xAA}}
	frame, err := want.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	_, decoded, err := Decode(frame, true)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got := decoded.(AdvancedAudio)
	if got.HasPosition || got.HasRotation {
		t.Fatalf("expected no spatial flags, got %+v", got)
	}
	if !bytes.Equal(got.OpusPayload, want.OpusPayload) {
		t.Fatalf("payload mismatch: got %v want %v", got.OpusPayload, want.OpusPayload)
	}
}

func TestEncryptedEnvelopeRoundTrip(t *testing.T) {
	want := EncryptedEnvelope{Ciphertext: []byte("secret")}
	for i := range want.IV {
		want.IV[i] = byte(i)
	}
	for i := range want.Tag {
		want.Tag[i] = byte(i + 1)
	}
	_, decoded, err := Decode(want.Encode(), true)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got := decoded.(EncryptedEnvelope)
	if got.IV != want.IV || got.Tag != want.Tag || !bytes.Equal(got.Ciphertext, want.Ciphertext) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestNestedEnvelopeForbidden(t *testing.T) {
	inner := EncryptedEnvelope{Ciphertext: []byte("x")}.Encode()
	outer := EncryptedEnvelope{Ciphertext: inner}.Encode()

	// Decrypting the outer envelope yields `inner` as plaintext; the
	// decoder must refuse to decode it as another envelope.
	_, _, err := Decode(inner, false)
	if !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("err = %v, want ErrMalformedFrame", err)
	}
	_ = outer
}

func TestEntityLifecycleRoundTrip(t *testing.T) {
	created := EntityCreated{EntityID: 5, Name: "bob"}
	_, decoded, err := Decode(created.Encode(), true)
	if err != nil || decoded.(EntityCreated) != created {
		t.Fatalf("EntityCreated: %v %+v", err, decoded)
	}

	destroyed := EntityDestroyed{EntityID: 5}
	_, decoded, err = Decode(destroyed.Encode(), true)
	if err != nil || decoded.(EntityDestroyed) != destroyed {
		t.Fatalf("EntityDestroyed: %v %+v", err, decoded)
	}

	updated := EntityUpdated{EntityID: 5, Position: [3]float32{1, 2, 3}, Rotation: [2]float32{4, 5}}
	_, decoded, err = Decode(updated.Encode(), true)
	if err != nil || decoded.(EntityUpdated) != updated {
		t.Fatalf("EntityUpdated: %v %+v", err, decoded)
	}
}

func TestUnknownType(t *testing.T) {
	_, _, err := Decode([]byte{0xFF}, true)
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("err = %v, want ErrUnknownType", err)
	}
}

func TestMalformedEmptyFrame(t *testing.T) {
	_, _, err := Decode(nil, true)
	if !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("err = %v, want ErrMalformedFrame", err)
	}
}

func TestZ85RoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		{1},
		{1, 2},
		{1, 2, 3},
		{1, 2, 3, 4},
		[]byte("hello world, this is a longer byte string to Z85-encode"),
		make([]byte, 65), // P-256 raw point length
	}
	for _, c := range cases {
		enc := EncodeZ85(c)
		dec, err := DecodeZ85(enc)
		if err != nil {
			t.Fatalf("decode(%q): %v", enc, err)
		}
		if !bytes.Equal(dec, c) && !(len(dec) == 0 && len(c) == 0) {
			t.Fatalf("round-trip mismatch: got %v, want %v", dec, c)
		}
	}
}

func TestZ85InvalidCharacter(t *testing.T) {
	_, err := DecodeZ85("0\x00\x00\x00\x00\x00")
	if err == nil {
		t.Fatal("expected error for invalid character")
	}
}
