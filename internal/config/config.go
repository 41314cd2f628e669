// Package config manages persistent user preferences for the voicecraft
// client. Settings are stored as indented JSON at
// os.UserConfigDir()/voicecraft/config.json.
//
// Adapted from client/internal/config/config.go: same Default/Load/Save/Path
// shape, with the chat client's UI/channel fields dropped in favor of the
// voice-session tuning spec.md's client exposes as user preferences (jitter
// buffer floor/ceiling, speaking-detection sensitivity, Opus bitrate).
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Config holds all persistent user preferences.
type Config struct {
	Username       string        `json:"username"`
	InputDeviceID  int           `json:"input_device_id"`
	OutputDeviceID int           `json:"output_device_id"`
	Volume         float64       `json:"volume"`
	Servers        []ServerEntry `json:"servers"`

	// JitterMinBufferMs/JitterMaxBufferMs bound the adaptive jitter buffer
	// (internal/jitter.Config's MinBufferMs/MaxBufferMs).
	JitterMinBufferMs float64 `json:"jitter_min_buffer_ms"`
	JitterMaxBufferMs float64 `json:"jitter_max_buffer_ms"`

	// Sensitivity is the peak-amplitude threshold in [0,1) above which a
	// locally captured frame counts as speech (internal/session.Config's
	// Sensitivity).
	Sensitivity float64 `json:"sensitivity"`

	// EncoderBitrateBps is the Opus encoder target bitrate.
	EncoderBitrateBps int `json:"encoder_bitrate_bps"`
}

// ServerEntry is a saved server shown in the server browser.
type ServerEntry struct {
	Name string `json:"name"`
	Addr string `json:"addr"`
}

// Default returns a Config populated with sensible defaults, matching
// internal/session.DefaultConfig's nominal tuning.
func Default() Config {
	return Config{
		Volume:            1.0,
		InputDeviceID:     -1,
		OutputDeviceID:    -1,
		JitterMinBufferMs: 40,
		JitterMaxBufferMs: 240,
		Sensitivity:       0.02,
		EncoderBitrateBps: 32000,
		Servers: []ServerEntry{
			{Name: "Local Dev", Addr: "localhost:4433"},
		},
	}
}

// Path returns the absolute path to the config file.
func Path() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "voicecraft", "config.json"), nil
}

// Load reads the config file and returns it. If the file is missing or
// unreadable, the default config is returned, never an error.
func Load() Config {
	path, err := Path()
	if err != nil {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Default()
	}
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Default()
	}
	return cfg
}

// Save writes cfg to disk, creating the directory if needed.
func Save(cfg Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
