// Package transport provides the delivery-class abstraction and thin
// QUIC/WebTransport dial/listen helpers used by the client SessionEndpoint
// and the server RelayServer.
//
// Grounded on the teacher's client/transport.go (webtransport.Dialer with
// EnableDatagrams, a reliable control stream opened alongside the
// datagram-carrying session) and server/client.go +
// server/room.go's DatagramSender test seam (a narrow interface over
// *webtransport.Session so tests can inject a mock sender instead of
// dialing a real QUIC listener).
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net/http"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/webtransport-go"

	"voicecraft/internal/wire"
)

// DeliveryClass selects how a frame should be carried across the wire.
type DeliveryClass int

const (
	// Unreliable: fire-and-forget datagram, no ordering guarantee.
	Unreliable DeliveryClass = iota
	// Sequenced: unreliable, but a receiver drops anything older than the
	// most recently delivered frame (handled by the jitter buffer / wire
	// sequence arithmetic on the receive side, not by the transport).
	Sequenced
	// ReliableOrdered: carried on the session's ordered control stream.
	ReliableOrdered
	// Unconnected: sent without an established session (e.g. InfoRequest
	// probes before login).
	Unconnected
)

func (c DeliveryClass) String() string {
	switch c {
	case Sequenced:
		return "Sequenced"
	case ReliableOrdered:
		return "ReliableOrdered"
	case Unconnected:
		return "Unconnected"
	default:
		return "Unreliable"
	}
}

// Sender is the minimal interface a relay/session needs to fan data out,
// narrow enough for tests to supply a mock (per server/room.go's
// DatagramSender pattern).
type Sender interface {
	SendDatagram([]byte) error
	SendControl([]byte) error
}

// Conn wraps one peer's WebTransport session: an unreliable datagram path
// (voice) and a reliable ordered stream (control/handshake). Control
// messages are length-prefixed with internal/wire's stream framing, since a
// single webtransport.Stream has no message boundaries of its own.
type Conn struct {
	sess       *webtransport.Session
	ctrl       *webtransport.Stream
	ctrlReader *bufio.Reader
}

// SendDatagram sends an unreliable, unordered datagram.
func (c *Conn) SendDatagram(b []byte) error {
	return c.sess.SendDatagram(b)
}

// SendControl writes one length-prefixed frame to the reliable ordered
// control stream.
func (c *Conn) SendControl(frame []byte) error {
	return wire.WriteStreamFrame(c.ctrl, frame)
}

// ReceiveControl reads the next length-prefixed frame from the control
// stream, blocking until one arrives.
func (c *Conn) ReceiveControl() ([]byte, error) {
	return wire.ReadStreamFrame(c.ctrlReader)
}

// ReceiveDatagram blocks until the next inbound datagram or ctx is done.
func (c *Conn) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	return c.sess.ReceiveDatagram(ctx)
}

// Close tears down the session.
func (c *Conn) Close() error {
	return c.sess.CloseWithError(0, "closed")
}

// DialConfig configures an outbound client connection.
type DialConfig struct {
	// InsecureSkipVerify mirrors the teacher's client, which trusts a
	// self-signed relay certificate rather than a public CA chain.
	InsecureSkipVerify bool
}

// Dial opens a WebTransport session plus its reliable control stream to
// addr (e.g. "voice.example.com:4433").
func Dial(ctx context.Context, addr string, cfg DialConfig) (*Conn, error) {
	d := webtransport.Dialer{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}, //nolint:gosec
		QUICConfig: &quic.Config{
			EnableDatagrams:                  true,
			EnableStreamResetPartialDelivery: true,
		},
	}
	_, sess, err := d.Dial(ctx, "https://"+addr, http.Header{})
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	stream, err := sess.OpenStream()
	if err != nil {
		sess.CloseWithError(0, "failed to open control stream")
		return nil, fmt.Errorf("transport: open control stream: %w", err)
	}
	return &Conn{sess: sess, ctrl: stream, ctrlReader: bufio.NewReader(stream)}, nil
}

// Accept wraps a server-side accepted session once its control stream has
// been accepted by the caller (the relay decides when to read the first
// stream, since it needs that stream open before trusting any datagram).
func Accept(sess *webtransport.Session, ctrl *webtransport.Stream) *Conn {
	return &Conn{sess: sess, ctrl: ctrl, ctrlReader: bufio.NewReader(ctrl)}
}
