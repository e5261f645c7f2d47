package config

import (
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load("", Options{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StripingThreshold != 512*1024 {
		t.Fatalf("StripingThreshold = %d, want %d", cfg.StripingThreshold, 512*1024)
	}
	if cfg.ConnectTimeout != 30*time.Second {
		t.Fatalf("ConnectTimeout = %v, want 30s", cfg.ConnectTimeout)
	}
	if cfg.NumControlRails != 1 {
		t.Fatalf("NumControlRails = %d, want 1", cfg.NumControlRails)
	}
	if cfg.ErrHandlingMode != "none" {
		t.Fatalf("ErrHandlingMode = %q, want none", cfg.ErrHandlingMode)
	}
}

func TestLoadEnvOverridesDefault(t *testing.T) {
	t.Setenv("NIXL_NUM_WORKERS", "4")
	t.Setenv("NIXL_LOG_LEVEL", "debug")

	cfg, err := Load("", Options{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.NumWorkers != 4 {
		t.Fatalf("NumWorkers = %d, want 4 from NIXL_NUM_WORKERS", cfg.NumWorkers)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q, want debug from NIXL_LOG_LEVEL", cfg.LogLevel)
	}
}

func TestLoadOptionsOverrideEverything(t *testing.T) {
	t.Setenv("NIXL_NUM_WORKERS", "4")

	cfg, err := Load("", Options{NumWorkers: 8, StripingThreshold: 1024})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.NumWorkers != 8 {
		t.Fatalf("NumWorkers = %d, want 8 (Options beats env)", cfg.NumWorkers)
	}
	if cfg.StripingThreshold != 1024 {
		t.Fatalf("StripingThreshold = %d, want 1024", cfg.StripingThreshold)
	}
}
