package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"voicecraft/internal/config"
)

func TestDefault(t *testing.T) {
	cfg := config.Default()
	if cfg.Volume != 1.0 {
		t.Errorf("expected volume 1.0, got %v", cfg.Volume)
	}
	if cfg.InputDeviceID != -1 || cfg.OutputDeviceID != -1 {
		t.Error("expected device IDs to default to -1")
	}
	if len(cfg.Servers) == 0 {
		t.Error("expected at least one default server")
	}
	if cfg.JitterMinBufferMs != 40 || cfg.JitterMaxBufferMs != 240 {
		t.Errorf("unexpected jitter defaults: min=%v max=%v", cfg.JitterMinBufferMs, cfg.JitterMaxBufferMs)
	}
	if cfg.Sensitivity != 0.02 {
		t.Errorf("expected sensitivity 0.02, got %v", cfg.Sensitivity)
	}
	if cfg.EncoderBitrateBps != 32000 {
		t.Errorf("expected bitrate 32000, got %v", cfg.EncoderBitrateBps)
	}
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	cfg := config.Config{
		Username:          "alice",
		InputDeviceID:     2,
		OutputDeviceID:    3,
		Volume:            0.75,
		JitterMinBufferMs: 60,
		JitterMaxBufferMs: 300,
		Sensitivity:       0.05,
		EncoderBitrateBps: 48000,
		Servers: []config.ServerEntry{
			{Name: "Home", Addr: "192.168.1.10:4433"},
		},
	}

	if err := config.Save(cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded := config.Load()
	if loaded.Username != cfg.Username {
		t.Errorf("username: want %q got %q", cfg.Username, loaded.Username)
	}
	if loaded.InputDeviceID != cfg.InputDeviceID {
		t.Errorf("input device: want %d got %d", cfg.InputDeviceID, loaded.InputDeviceID)
	}
	if loaded.Volume != cfg.Volume {
		t.Errorf("volume: want %v got %v", cfg.Volume, loaded.Volume)
	}
	if loaded.JitterMinBufferMs != cfg.JitterMinBufferMs || loaded.JitterMaxBufferMs != cfg.JitterMaxBufferMs {
		t.Errorf("jitter bounds: want [%v,%v] got [%v,%v]",
			cfg.JitterMinBufferMs, cfg.JitterMaxBufferMs, loaded.JitterMinBufferMs, loaded.JitterMaxBufferMs)
	}
	if loaded.Sensitivity != cfg.Sensitivity {
		t.Errorf("sensitivity: want %v got %v", cfg.Sensitivity, loaded.Sensitivity)
	}
	if loaded.EncoderBitrateBps != cfg.EncoderBitrateBps {
		t.Errorf("bitrate: want %v got %v", cfg.EncoderBitrateBps, loaded.EncoderBitrateBps)
	}
	if len(loaded.Servers) != 1 || loaded.Servers[0].Addr != "192.168.1.10:4433" {
		t.Errorf("servers: unexpected value %+v", loaded.Servers)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg := config.Load()
	if cfg.EncoderBitrateBps == 0 {
		t.Error("expected non-zero bitrate from defaults")
	}
}

func TestLoadCorruptFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	path := filepath.Join(dir, "voicecraft", "config.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("not json {{{"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := config.Load()
	if cfg.Sensitivity != 0.02 {
		t.Errorf("expected default sensitivity on corrupt file, got %v", cfg.Sensitivity)
	}
}

func TestSaveCreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	if err := config.Save(config.Default()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	path := filepath.Join(dir, "voicecraft", "config.json")
	if _, err := os.Stat(path); err != nil {
		t.Errorf("config file not created: %v", err)
	}
}
