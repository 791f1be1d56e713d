package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestEnsureCreatesDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg, created, err := Ensure(path)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("expected a fresh config file")
	}
	if cfg.Network.ListenPort != 9444 || cfg.Profile.Username != "anonymous" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}

	// Second call loads what the first one wrote.
	again, created, err := Ensure(path)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("config file should already exist")
	}
	if !reflect.DeepEqual(again, cfg) {
		t.Fatalf("reload mismatch: %+v vs %+v", again, cfg)
	}
}

func TestLoadFillsMissingFieldsFromDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"profile":{"username":"alice"}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Profile.Username != "alice" {
		t.Fatalf("username = %q", cfg.Profile.Username)
	}
	if cfg.Network.ListenPort != 9444 || cfg.Presence.StaleSec != 120 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty username", func(c *Config) { c.Profile.Username = " " }},
		{"port out of range", func(c *Config) { c.Network.ListenPort = 70000 }},
		{"sweep not under stale", func(c *Config) { c.Presence.SweepSec = c.Presence.StaleSec }},
		{"bad static peer", func(c *Config) { c.Network.StaticPeers = []string{"not-an-addr"} }},
		{"mdns off without peers", func(c *Config) { c.Network.MdnsDisabled = true }},
		{"empty data dir", func(c *Config) { c.Storage.DataDir = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
