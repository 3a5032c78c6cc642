package config

import (
	"io"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil, io.Discard)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 3000 {
		t.Errorf("Port = %d, want 3000", cfg.Port)
	}
	if cfg.Workers != 1 {
		t.Errorf("Workers = %d, want 1", cfg.Workers)
	}
	if cfg.Threads < 1 {
		t.Errorf("Threads = %d, want >= 1", cfg.Threads)
	}
	if len(cfg.Listeners) != 1 {
		t.Fatalf("Listeners = %d, want 1 default", len(cfg.Listeners))
	}
	if cfg.Listeners[0].Scheme != "http" || cfg.Listeners[0].Port != 3000 {
		t.Errorf("default listener = %+v", cfg.Listeners[0])
	}
}

func TestLoadFlagsOverride(t *testing.T) {
	cfg, err := Load([]string{
		"-p", "4000",
		"-t", "8",
		"-www", "/srv/public",
		"-k", "10s",
		"-v",
		"-V",
		"-scrt", "topsecret",
	}, io.Discard)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 4000 {
		t.Errorf("Port = %d, want 4000", cfg.Port)
	}
	if cfg.Threads != 8 {
		t.Errorf("Threads = %d, want 8", cfg.Threads)
	}
	if cfg.PublicFolder != "/srv/public" {
		t.Errorf("PublicFolder = %q", cfg.PublicFolder)
	}
	if cfg.KeepAliveTimeout != 10*time.Second {
		t.Errorf("KeepAliveTimeout = %v", cfg.KeepAliveTimeout)
	}
	if !cfg.LogRequests {
		t.Error("LogRequests not set by -v")
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug after -V", cfg.LogLevel)
	}
	if cfg.Secret != "topsecret" {
		t.Errorf("Secret = %q", cfg.Secret)
	}
}

func TestLoadBindURL(t *testing.T) {
	cfg, err := Load([]string{"-b", "wss://0.0.0.0:9000"}, io.Discard)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Listeners) != 1 {
		t.Fatalf("Listeners = %d, want 1", len(cfg.Listeners))
	}
	l := cfg.Listeners[0]
	if l.Scheme != "wss" || l.Port != 9000 || !l.TLS {
		t.Errorf("listener = %+v", l)
	}
}

func TestNegativeWorkersMeansNCPUPlus(t *testing.T) {
	cfg, err := Load([]string{"-w", "-1"}, io.Discard)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workers < 1 {
		t.Errorf("Workers = %d, want >= 1", cfg.Workers)
	}
}

func TestValidateRejectsBadThresholds(t *testing.T) {
	cfg, err := Load(nil, io.Discard)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.CPUPauseThreshold = 50
	cfg.CPURejectThreshold = 80
	if err := cfg.Validate(); err == nil {
		t.Error("Validate accepted pause threshold below reject threshold")
	}
}
