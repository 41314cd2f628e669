// Command server runs the voicecraft relay: the WebTransport/QUIC voice
// session listener (internal/relay), a REST control surface
// (internal/httpapi), and a WebSocket info-probe fallback, all backed by a
// SQLite store (internal/store) for ServerProperties and ban/audit state.
//
// Adapted from server/main.go: same flag-based CLI wiring straight into
// component setters, the same CLI-subcommand-before-flag-parsing dispatch,
// self-signed TLS certificate generation, and periodic maintenance tickers.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"time"

	"voicecraft/internal/httpapi"
	"voicecraft/internal/relay"
	"voicecraft/internal/store"
)

var Version = "0.1.0-dev"

func main() {
	if len(os.Args) > 1 {
		if RunCLI(os.Args[1:], "voicecraft.db") {
			return
		}
	}

	addr := flag.String("addr", ":4433", "QUIC/WebTransport voice listen address")
	apiAddr := flag.String("api-addr", ":8080", "REST API listen address (empty to disable)")
	wsAddr := flag.String("ws-addr", ":8081", "WebSocket info-probe listen address (empty to disable)")
	dbPath := flag.String("db", "voicecraft.db", "SQLite database path")
	maxClients := flag.Int("max-clients", 64, "maximum concurrent clients (0 = unlimited)")
	versionMajor := flag.Int("version-major", 1, "protocol version major accepted from clients")
	versionMinor := flag.Int("version-minor", 0, "protocol version minor accepted from clients")
	serverName := flag.String("server-name", "voicecraft server", "server name advertised in InfoResponse")
	certValidity := flag.Duration("cert-validity", 24*time.Hour, "self-signed TLS certificate validity")
	flag.Parse()

	st, err := store.New(*dbPath)
	if err != nil {
		log.Fatalf("[store] %v", err)
	}
	defer st.Close()

	props, err := st.GetServerProperties(store.ServerProperties{
		MaxClients:      uint16(*maxClients),
		PositioningType: "server",
		Language:        "en",
	})
	if err != nil {
		log.Fatalf("[store] load server properties: %v", err)
	}

	rm := relay.New(relay.Config{
		MaxClients:   int(props.MaxClients),
		VersionMajor: uint16(*versionMajor),
		VersionMinor: uint16(*versionMinor),
		ServerName:   *serverName,
		Motd:         props.Motd,
		Bans:         st,
	}, nil)

	tlsHostname := ""
	if host, _, err := net.SplitHostPort(*addr); err == nil && host != "" {
		tlsHostname = host
	}
	tlsConfig, fingerprint, err := generateTLSConfig(*certValidity, tlsHostname)
	if err != nil {
		log.Fatalf("[server] %v", err)
	}
	log.Printf("[server] TLS certificate fingerprint: %s", fingerprint)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("[server] shutting down...")
		cancel()
	}()

	if *apiAddr != "" {
		api := httpapi.New(rm, st)
		go func() {
			if err := api.Run(ctx, *apiAddr); err != nil {
				log.Printf("[api] %v", err)
			}
		}()
		log.Printf("[api] listening on %s", *apiAddr)
	}

	if *wsAddr != "" {
		go func() {
			if err := runInfoProbeListener(ctx, *wsAddr, tlsConfig, rm); err != nil {
				log.Printf("[info-probe] %v", err)
			}
		}()
	}

	// Periodically purge expired bans, mirroring server/main.go's
	// mute-expiry/ban-purge ticker.
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := st.PurgeExpiredBans(); err != nil {
					log.Printf("[store] purge expired bans: %v", err)
				} else if n > 0 {
					log.Printf("[store] purged %d expired ban(s)", n)
				}
			}
		}
	}()

	if err := runRelayListener(ctx, *addr, tlsConfig, rm); err != nil {
		log.Fatalf("[relay] %v", err)
	}
}
