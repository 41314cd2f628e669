package main

import (
	"context"
	"crypto/tls"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"

	"voicecraft/internal/relay"
	"voicecraft/internal/transport"
	"voicecraft/internal/wire"
)

// runRelayListener serves the WebTransport/QUIC endpoint voice sessions
// connect to: each accepted session's control stream becomes a
// transport.Conn handed to rm.Accept, which runs that peer's full login and
// relay lifecycle. Mirrors server/server.go's ListenAndServeTLS shutdown
// shape, generalized from stdlib http.Server to webtransport.Server.
func runRelayListener(ctx context.Context, addr string, tlsConfig *tls.Config, rm *relay.Server) error {
	mux := http.NewServeMux()
	wt := &webtransport.Server{
		H3: http3.Server{
			Addr:      addr,
			TLSConfig: tlsConfig,
			Handler:   mux,
		},
		CheckOrigin: func(*http.Request) bool { return true },
	}

	mux.HandleFunc("/voice", func(w http.ResponseWriter, r *http.Request) {
		sess, err := wt.Upgrade(w, r)
		if err != nil {
			log.Printf("[relay] upgrade: %v", err)
			return
		}
		go acceptSession(ctx, rm, sess)
	})

	go func() {
		<-ctx.Done()
		if err := wt.Close(); err != nil {
			log.Printf("[relay] shutdown: %v", err)
		}
	}()

	log.Printf("[relay] listening on %s", addr)
	err := wt.H3.ListenAndServe()
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// acceptSession waits for the peer's control stream (opened right after the
// WebTransport handshake, before any login frame) and hands the resulting
// transport.Conn to the relay.
func acceptSession(ctx context.Context, rm *relay.Server, sess *webtransport.Session) {
	streamCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	ctrl, err := sess.AcceptStream(streamCtx)
	if err != nil {
		log.Printf("[relay] accept control stream: %v", err)
		_ = sess.CloseWithError(0, "no control stream")
		return
	}

	conn := transport.Accept(sess, ctrl)
	if err := rm.Accept(ctx, conn); err != nil {
		log.Printf("[relay] session error: %v", err)
	}
}

// runInfoProbeListener serves the Unconnected delivery class described in
// internal/transport: a client can ask "what server is this" without
// completing the ECDH login handshake, over a plain WebSocket upgrade
// rather than the QUIC session. Mirrors server/server.go's /ws upgrade, but
// replies with a single InfoResponse frame instead of joining a room.
func runInfoProbeListener(ctx context.Context, addr string, tlsConfig *tls.Config, rm *relay.Server) error {
	mux := http.NewServeMux()
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[info-probe] upgrade: %v", err)
			return
		}
		defer conn.Close()

		cfg := rm.Config()
		resp := wire.InfoResponse{
			ServerName:     cfg.ServerName,
			Motd:           cfg.Motd,
			MaxClients:     uint16(cfg.MaxClients),
			CurrentClients: uint16(rm.ClientCount()),
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, resp.Encode()); err != nil {
			log.Printf("[info-probe] write: %v", err)
		}
	})

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Printf("[info-probe] shutdown: %v", err)
		}
	}()

	log.Printf("[info-probe] listening on %s", addr)
	err := httpSrv.ListenAndServeTLS("", "")
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
