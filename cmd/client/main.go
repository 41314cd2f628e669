// Command client is a headless voicecraft voice client: it dials a relay,
// completes the login handshake, and pumps captured/played audio through
// PortAudio devices until interrupted.
//
// The teacher's client is a Wails desktop app (client/main.go, client/app.go)
// wrapping this same transport/audio core in a GUI shell. That GUI layer is
// explicitly out of scope (SPEC_FULL.md's dropped-deps ledger drops
// wailsapp/wails: the spec's core is a CLI/service, not a desktop app) —
// this command exercises the same internal/session and PortAudio plumbing
// without it.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/gordonklaus/portaudio"

	"voicecraft/internal/config"
	"voicecraft/internal/jitter"
	"voicecraft/internal/session"
	"voicecraft/internal/transport"
)

func main() {
	cfg := config.Load()

	addr := flag.String("addr", firstServerAddr(cfg), "relay address (host:port)")
	username := flag.String("username", cfg.Username, "display name presented at login")
	inputDevice := flag.Int("input-device", cfg.InputDeviceID, "capture device index (-1 = system default)")
	outputDevice := flag.Int("output-device", cfg.OutputDeviceID, "playback device index (-1 = system default)")
	insecure := flag.Bool("insecure-skip-verify", true, "skip TLS certificate verification (self-signed relay certs)")
	flag.Parse()

	if *addr == "" {
		log.Fatal("[client] no relay address given (use -addr or configure a server in ~/.config/voicecraft)")
	}

	if err := portaudio.Initialize(); err != nil {
		log.Fatalf("[client] portaudio init: %v", err)
	}
	defer portaudio.Terminate()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("[client] disconnecting...")
		cancel()
	}()

	conn, err := transport.Dial(ctx, *addr, transport.DialConfig{InsecureSkipVerify: *insecure})
	if err != nil {
		log.Fatalf("[client] dial %s: %v", *addr, err)
	}

	sessCfg := session.DefaultConfig()
	sessCfg.TalkerJitter = jitter.Config{
		MinBufferMs: cfg.JitterMinBufferMs,
		MaxBufferMs: cfg.JitterMaxBufferMs,
		FrameSizeMs: 20,
	}
	sessCfg.Sensitivity = cfg.Sensitivity
	sessCfg.EncoderBitrateBps = cfg.EncoderBitrateBps

	ep, err := session.Connect(ctx, conn, *username, sessCfg)
	if err != nil {
		log.Fatalf("[client] connect: %v", err)
	}
	log.Printf("[client] connected to %s as %q, entity id %d", *addr, *username, ep.EntityID())
	defer ep.Close()

	go ep.ControlLoop(ctx)
	go ep.PingLoop(ctx, 5*time.Second)
	go ep.DrainDatagrams(ctx)
	go runTickLoop(ctx, ep, sessCfg.TickInterval)

	ae, err := startAudioEngine(ep, *inputDevice, *outputDevice)
	if err != nil {
		log.Fatalf("[client] audio: %v", err)
	}
	defer ae.Close()

	info, err := ep.Info(ctx)
	if err != nil {
		log.Printf("[client] info request: %v", err)
	} else {
		log.Printf("[client] server %q: %s (%d/%d clients)", info.ServerName, info.Motd, info.CurrentClients, info.MaxClients)
	}

	cfg.Username = *username
	cfg.InputDeviceID = *inputDevice
	cfg.OutputDeviceID = *outputDevice
	if err := config.Save(cfg); err != nil {
		log.Printf("[client] save config: %v", err)
	}

	<-ctx.Done()
}

// runTickLoop calls the endpoint's Tick (speaking state, bandwidth) every
// interval and advances the remote talker pipelines once per 20 ms frame
// (the FrameSizeMs set in main) until ctx is canceled, mirroring the
// teacher's own fixed-rate playback/tick timers.
func runTickLoop(ctx context.Context, ep *session.Endpoint, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	frameTicker := time.NewTicker(20 * time.Millisecond)
	defer frameTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ep.Tick(time.Now().UnixMilli())
		case <-frameTicker.C:
			now := time.Now()
			ep.TickTalkers(now.UnixMilli(), now.UnixMilli())
		}
	}
}

func firstServerAddr(cfg config.Config) string {
	if len(cfg.Servers) == 0 {
		return ""
	}
	return cfg.Servers[0].Addr
}
