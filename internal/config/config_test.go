package config

import (
	"errors"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const baseYAML = `
instance: pbx1
log_level: debug
asterisk:
  pbx1:
    host: 10.0.0.5
    username: connector
    secret: base-secret
    idle_timeout: 2m
  pbx2:
    host: 10.0.0.6
storage:
  pbx1:
    redis: redis://localhost:6379/2
    stream: calls
`

const profileYAML = `
asterisk:
  pbx1:
    secret: prod-secret
    action_timeout: 0s
storage:
  pbx1:
    channel_ttl: 24h
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestLoadFileWithProfile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", baseYAML)
	writeFile(t, dir, "config-prod.yaml", profileYAML)

	cfg := Config{Profile: "prod"}
	cfg.SetDefaults()
	if err := cfg.LoadFile(path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Instance != "pbx1" || cfg.LogLevel != "debug" {
		t.Fatalf("top level = %q %q", cfg.Instance, cfg.LogLevel)
	}
	inst, err := cfg.Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	a := inst.Asterisk
	if a.Host != "10.0.0.5" || a.Username != "connector" || a.Secret != "prod-secret" {
		t.Fatalf("asterisk = %+v", a)
	}
	if a.IdleTimeout != 2*time.Minute {
		t.Fatalf("IdleTimeout = %v; want 2m from base file", a.IdleTimeout)
	}
	if a.ActionTimeout == nil || *a.ActionTimeout != 0 {
		t.Fatalf("ActionTimeout = %v; want explicit 0", a.ActionTimeout)
	}
	s := inst.Storage
	if s.Redis != "redis://localhost:6379/2" || s.ChannelTTL != 24*time.Hour || s.BridgeTTL != time.Hour {
		t.Fatalf("storage = %+v", s)
	}
	if s.Stream != "calls" || s.Group != "pbx1" || s.Consumer != "pbx1" {
		t.Fatalf("stream names = %q %q %q", s.Stream, s.Group, s.Consumer)
	}
}

func TestLoadFileMissingProfileIgnored(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", baseYAML)
	cfg := Config{Profile: "staging"}
	if err := cfg.LoadFile(path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Asterisk["pbx1"].Secret != "base-secret" {
		t.Fatalf("secret = %q", cfg.Asterisk["pbx1"].Secret)
	}
}

func TestLoadFileNotExist(t *testing.T) {
	var cfg Config
	err := cfg.LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v; want ErrNotExist", err)
	}
}

func TestResolveDefaults(t *testing.T) {
	cfg := Config{Instance: "pbx2", Asterisk: map[string]Asterisk{"pbx2": {Host: "pbx.local"}}}
	inst, err := cfg.Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	a := inst.Asterisk
	if a.Port != 5038 || a.ConnectTimeout != 10*time.Second || a.IdleTimeout != 600*time.Second ||
		a.ReconnectInterval != time.Second || a.KeepaliveInterval != 30*time.Second ||
		*a.ActionTimeout != 30*time.Second || a.Workers != 100 || a.EventMask != "all" {
		t.Fatalf("defaults = %+v", a)
	}
	if inst.Storage.MaxLen != 100000 || inst.Storage.Batch != 10 || inst.Storage.Stream != "pbx2" {
		t.Fatalf("storage defaults = %+v", inst.Storage)
	}
}

func TestResolveSingleInstance(t *testing.T) {
	cfg := Config{Asterisk: map[string]Asterisk{"only": {Host: "h"}}}
	inst, err := cfg.Resolve()
	if err != nil || inst.Name != "only" {
		t.Fatalf("Resolve = %+v, %v", inst, err)
	}
}

func TestResolveErrors(t *testing.T) {
	cfg := Config{Instance: "nope", Asterisk: map[string]Asterisk{"pbx1": {Host: "h"}}}
	if _, err := cfg.Resolve(); !errors.Is(err, ErrUnknownInstance) {
		t.Fatalf("err = %v; want ErrUnknownInstance", err)
	}
	cfg = Config{Instance: "pbx1", Asterisk: map[string]Asterisk{"pbx1": {}}}
	if _, err := cfg.Resolve(); !errors.Is(err, ErrMissingHost) {
		t.Fatalf("err = %v; want ErrMissingHost", err)
	}
}

func TestResolveEnvOverrides(t *testing.T) {
	t.Setenv("AMI_HOST", "override.local")
	t.Setenv("AMI_PORT", "15038")
	t.Setenv("AMI_USERNAME", "envuser")
	t.Setenv("AMI_SECRET", "envsecret")
	t.Setenv("REDIS_ADDR", "localhost:6380")

	var cfg Config
	inst, err := cfg.Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	a := inst.Asterisk
	if a.Host != "override.local" || a.Port != 15038 || a.Username != "envuser" || a.Secret != "envsecret" {
		t.Fatalf("asterisk = %+v", a)
	}
	if inst.Storage.Redis != "localhost:6380" {
		t.Fatalf("redis = %q", inst.Storage.Redis)
	}
}

func TestBindFlagSet(t *testing.T) {
	t.Setenv("CONNECTOR_INSTANCE", "pbx9")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")

	var cfg Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg.BindFlagSet(fs)
	if cfg.Instance != "pbx9" || len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if err := fs.Parse([]string{"-instance", "pbx3", "-profile", "prod", "-status-addr", ""}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Instance != "pbx3" || cfg.Profile != "prod" || cfg.StatusAddr != "" {
		t.Fatalf("flags not applied: %+v", cfg)
	}
}

func TestProfilePath(t *testing.T) {
	if got := ProfilePath("/etc/amilink/config.yaml", "prod"); got != "/etc/amilink/config-prod.yaml" {
		t.Fatalf("ProfilePath = %q", got)
	}
}

func TestResolveConfigPath(t *testing.T) {
	tests := []struct {
		goos, home, programData, want string
	}{
		{"linux", "/home/u", "", "/etc/amilink/config.yaml"},
		{"darwin", "/Users/u", "", "/Users/u/Library/Application Support/amilink/config.yaml"},
		{"windows", "", "C:\\ProgramData", "C:/ProgramData/amilink/config.yaml"},
		{"windows", "", "", "C:/ProgramData/amilink/config.yaml"},
	}
	for _, tt := range tests {
		got := strings.ReplaceAll(ResolveConfigPath(tt.goos, tt.home, tt.programData, "config.yaml"), "\\", "/")
		if got != tt.want {
			t.Fatalf("%s: got %q want %q", tt.goos, got, tt.want)
		}
	}
}
