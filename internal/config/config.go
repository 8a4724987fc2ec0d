// Package config loads the connector configuration from a YAML file, an
// optional profile overlay, environment variables and command line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	ErrUnknownInstance = errors.New("config: unknown instance")
	ErrMissingHost     = errors.New("config: asterisk host is required")
)

// Asterisk is the manager connection of one instance.
type Asterisk struct {
	Host              string         `yaml:"host"`
	Port              int            `yaml:"port"`
	Username          string         `yaml:"username"`
	Secret            string         `yaml:"secret"`
	ConnectTimeout    time.Duration  `yaml:"connect_timeout"`
	IdleTimeout       time.Duration  `yaml:"idle_timeout"`
	ReconnectInterval time.Duration  `yaml:"reconnect_interval"`
	WriteTimeout      time.Duration  `yaml:"write_timeout"`
	KeepaliveInterval time.Duration  `yaml:"keepalive_interval"`
	ActionTimeout     *time.Duration `yaml:"action_timeout"`
	Workers           int            `yaml:"workers"`
	EventMask         string         `yaml:"event_mask"`
}

// Storage is the Redis side of one instance: the event history and the work
// queue stream.
type Storage struct {
	Redis      string        `yaml:"redis"`
	ChannelTTL time.Duration `yaml:"channel_ttl"`
	BridgeTTL  time.Duration `yaml:"bridge_ttl"`
	Stream     string        `yaml:"stream"`
	Group      string        `yaml:"group"`
	Consumer   string        `yaml:"consumer"`
	MaxLen     int64         `yaml:"max_len"`
	Batch      int64         `yaml:"batch"`
}

// Config is the whole file plus the process level settings.
type Config struct {
	Instance       string              `yaml:"instance"`
	LogLevel       string              `yaml:"log_level"`
	StatusAddr     string              `yaml:"status_addr"`
	AllowedOrigins []string            `yaml:"allowed_origins"`
	Asterisk       map[string]Asterisk `yaml:"asterisk"`
	Storage        map[string]Storage  `yaml:"storage"`

	ConfigFile string `yaml:"-"`
	Profile    string `yaml:"-"`
}

// Instance is the resolved configuration of the selected instance.
type Instance struct {
	Name     string
	Asterisk Asterisk
	Storage  Storage
}

// SetDefaults initializes c with built-in defaults.
func (c *Config) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.StatusAddr == "" {
		c.StatusAddr = ":9090"
	}
	if c.ConfigFile == "" {
		c.ConfigFile = DefaultConfigPath("config.yaml")
	}
}

// ApplyEnv overlays environment variables onto the current config values.
func (c *Config) ApplyEnv() {
	if v := getEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := getEnv("CONFIG_PROFILE", ""); v != "" {
		c.Profile = v
	}
	if v := getEnv("CONNECTOR_INSTANCE", ""); v != "" {
		c.Instance = v
	}
	if v := getEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := getEnv("STATUS_ADDR", ""); v != "" {
		c.StatusAddr = v
	}
	if v := getEnv("ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = splitComma(v)
	}
}

// BindFlags populates the struct with defaults and environment variables and
// binds command line flags so main can call flag.Parse().
func (c *Config) BindFlags() {
	c.BindFlagSet(flag.CommandLine)
}

// BindFlagSet is BindFlags on an explicit flag set.
func (c *Config) BindFlagSet(fs *flag.FlagSet) {
	c.SetDefaults()
	c.ApplyEnv()

	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "connector config file path")
	fs.StringVar(&c.Profile, "profile", c.Profile, "config profile; <config>-<profile>.yaml is merged over the base file")
	fs.StringVar(&c.Instance, "instance", c.Instance, "asterisk instance to connect to, as named in the config file")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.StringVar(&c.StatusAddr, "status-addr", c.StatusAddr, "listen address of the status and metrics endpoint; empty to disable")
	fs.Func("allowed-origins", "comma separated list of allowed CORS origins", func(v string) error {
		c.AllowedOrigins = splitComma(v)
		return nil
	})
}

// LoadFile reads the YAML file at path and, when a profile is set, deep
// merges the profile file over it. Settings present in the file replace the
// current values.
func (c *Config) LoadFile(path string) error {
	tree, err := readTree(path)
	if err != nil {
		return err
	}
	if c.Profile != "" {
		overlay, err := readTree(ProfilePath(path, c.Profile))
		switch {
		case err == nil:
			merge(tree, overlay)
		case !errors.Is(err, os.ErrNotExist):
			return err
		}
	}

	b, err := yaml.Marshal(tree)
	if err != nil {
		return fmt.Errorf("config: %s: %w", path, err)
	}
	var f Config
	if err := yaml.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("config: %s: %w", path, err)
	}

	c.Asterisk = f.Asterisk
	c.Storage = f.Storage
	if f.Instance != "" {
		c.Instance = f.Instance
	}
	if f.LogLevel != "" {
		c.LogLevel = f.LogLevel
	}
	if f.StatusAddr != "" {
		c.StatusAddr = f.StatusAddr
	}
	if len(f.AllowedOrigins) > 0 {
		c.AllowedOrigins = f.AllowedOrigins
	}
	return nil
}

// ProfilePath returns <dir>/<base>-<profile><ext> for path.
func ProfilePath(path, profile string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "-" + profile + ext
}

func readTree(path string) (map[string]any, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	tree := map[string]any{}
	if err := yaml.Unmarshal(b, &tree); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return tree, nil
}

// merge copies src into dst, descending into mappings present on both sides.
func merge(dst, src map[string]any) {
	for k, sv := range src {
		if sm, ok := sv.(map[string]any); ok {
			if dm, ok := dst[k].(map[string]any); ok {
				merge(dm, sm)
				continue
			}
		}
		dst[k] = sv
	}
}

// Resolve selects the configured instance, applies per-instance defaults
// and the AMI_* and REDIS_ADDR environment overrides, and validates it.
func (c *Config) Resolve() (Instance, error) {
	name := c.Instance
	if name == "" && len(c.Asterisk) == 1 {
		for k := range c.Asterisk {
			name = k
		}
	}
	ast, ok := c.Asterisk[name]
	if !ok && len(c.Asterisk) != 0 {
		return Instance{}, fmt.Errorf("%w: %q", ErrUnknownInstance, name)
	}
	st := c.Storage[name]

	if v := getEnv("AMI_HOST", ""); v != "" {
		ast.Host = v
	}
	if v := getEnv("AMI_PORT", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			ast.Port = n
		}
	}
	if v := getEnv("AMI_USERNAME", ""); v != "" {
		ast.Username = v
	}
	if v := getEnv("AMI_SECRET", ""); v != "" {
		ast.Secret = v
	}
	if v := getEnv("REDIS_ADDR", ""); v != "" {
		st.Redis = v
	}

	ast.setDefaults()
	st.setDefaults(name)
	if ast.Host == "" {
		return Instance{}, fmt.Errorf("%w (instance %q)", ErrMissingHost, name)
	}
	return Instance{Name: name, Asterisk: ast, Storage: st}, nil
}

func (a *Asterisk) setDefaults() {
	if a.Port == 0 {
		a.Port = 5038
	}
	if a.ConnectTimeout == 0 {
		a.ConnectTimeout = 10 * time.Second
	}
	if a.IdleTimeout == 0 {
		a.IdleTimeout = 600 * time.Second
	}
	if a.ReconnectInterval == 0 {
		a.ReconnectInterval = time.Second
	}
	if a.KeepaliveInterval == 0 {
		a.KeepaliveInterval = 30 * time.Second
	}
	if a.ActionTimeout == nil {
		d := 30 * time.Second
		a.ActionTimeout = &d
	}
	if a.Workers == 0 {
		a.Workers = 100
	}
	if a.EventMask == "" {
		a.EventMask = "all"
	}
}

func (s *Storage) setDefaults(instance string) {
	if s.ChannelTTL == 0 {
		s.ChannelTTL = time.Hour
	}
	if s.BridgeTTL == 0 {
		s.BridgeTTL = time.Hour
	}
	if s.Stream == "" {
		s.Stream = instance
	}
	if s.Group == "" {
		s.Group = instance
	}
	if s.Consumer == "" {
		s.Consumer = instance
	}
	if s.MaxLen == 0 {
		s.MaxLen = 100000
	}
	if s.Batch == 0 {
		s.Batch = 10
	}
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func splitComma(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}
