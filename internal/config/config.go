package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

const (
	ModeBasic = "basic"
	ModeFull  = "full"
)

type AppConfig struct {
	// Peer address to dial as joiner. Host ignores it.
	PeerAddr   string `yaml:"peer_addr"`
	ListenAddr string `yaml:"listen_addr"`
	Port       int    `yaml:"port"`
	Transport  string `yaml:"transport"`

	Name string `yaml:"name"`
	// Side the host plays; the joiner takes the other one.
	Side string `yaml:"side"`
	Mode string `yaml:"mode"`

	ReadTimeout        time.Duration `yaml:"read_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	MaxIdleTimeouts    int           `yaml:"max_idle_timeouts"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	DialRetries        int           `yaml:"dial_retries"`
	DialBackoff        time.Duration `yaml:"dial_backoff"`
	NegotiationTimeout time.Duration `yaml:"negotiation_timeout"`

	ChatRate  float64 `yaml:"chat_rate"`
	ChatBurst int     `yaml:"chat_burst"`
	SyncRate  float64 `yaml:"sync_rate"`
	SyncBurst int     `yaml:"sync_burst"`

	RedisURL    string `yaml:"redis_url"`
	DatabaseURL string `yaml:"database_url"`
	StatusAddr  string `yaml:"status_addr"`
	MessagesDir string `yaml:"messages_dir"`
}

func Defaults() *AppConfig {
	return &AppConfig{
		Port:               5050,
		Transport:          "tcp",
		Name:               "player",
		Side:               "white",
		Mode:               ModeBasic,
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       5 * time.Second,
		MaxIdleTimeouts:    6,
		HeartbeatInterval:  5 * time.Second,
		DialRetries:        5,
		DialBackoff:        2 * time.Second,
		NegotiationTimeout: 30 * time.Second,
		ChatRate:           2,
		ChatBurst:          5,
		SyncRate:           1,
		SyncBurst:          3,
	}
}

// Load reads defaults, then the YAML file named by NETPLAY_CONFIG, then NETPLAY_* variables.
func Load() (*AppConfig, error) {
	cfg := Defaults()
	if path := strings.TrimSpace(os.Getenv("NETPLAY_CONFIG")); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	// an empty file decodes as io.EOF
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *AppConfig) applyEnv() error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("NETPLAY_PEER_ADDR", &c.PeerAddr)
	str("NETPLAY_LISTEN_ADDR", &c.ListenAddr)
	num("NETPLAY_PORT", &c.Port)
	str("NETPLAY_TRANSPORT", &c.Transport)
	str("NETPLAY_NAME", &c.Name)
	str("NETPLAY_SIDE", &c.Side)
	str("NETPLAY_MODE", &c.Mode)

	dur("NETPLAY_READ_TIMEOUT", &c.ReadTimeout)
	dur("NETPLAY_WRITE_TIMEOUT", &c.WriteTimeout)
	num("NETPLAY_MAX_IDLE_TIMEOUTS", &c.MaxIdleTimeouts)
	dur("NETPLAY_HEARTBEAT_INTERVAL", &c.HeartbeatInterval)
	num("NETPLAY_DIAL_RETRIES", &c.DialRetries)
	dur("NETPLAY_DIAL_BACKOFF", &c.DialBackoff)
	dur("NETPLAY_NEGOTIATION_TIMEOUT", &c.NegotiationTimeout)

	float("NETPLAY_CHAT_RATE", &c.ChatRate)
	num("NETPLAY_CHAT_BURST", &c.ChatBurst)
	float("NETPLAY_SYNC_RATE", &c.SyncRate)
	num("NETPLAY_SYNC_BURST", &c.SyncBurst)

	str("NETPLAY_REDIS_URL", &c.RedisURL)
	str("NETPLAY_DATABASE_URL", &c.DatabaseURL)
	str("NETPLAY_STATUS_ADDR", &c.StatusAddr)
	str("NETPLAY_MESSAGES_DIR", &c.MessagesDir)

	// shared names used by the rest of the deployment
	if c.RedisURL == "" {
		c.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	}
	if c.DatabaseURL == "" {
		c.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	}
	return errors.Join(errs...)
}

func (c *AppConfig) Validate() error {
	var errs []error
	c.Transport = strings.ToLower(strings.TrimSpace(c.Transport))
	if c.Transport != "tcp" && c.Transport != "ws" {
		errs = append(errs, fmt.Errorf("transport must be tcp or ws, got %q", c.Transport))
	}
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	if c.Mode != ModeBasic && c.Mode != ModeFull {
		errs = append(errs, fmt.Errorf("mode must be basic or full, got %q", c.Mode))
	}
	switch strings.ToLower(strings.TrimSpace(c.Side)) {
	case "white", "w", "black", "b":
	default:
		errs = append(errs, fmt.Errorf("side must be white or black, got %q", c.Side))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port out of range: %d", c.Port))
	}
	if c.ReadTimeout <= 0 || c.WriteTimeout <= 0 {
		errs = append(errs, errors.New("read and write timeouts must be positive"))
	}
	if c.MaxIdleTimeouts <= 0 {
		errs = append(errs, errors.New("max_idle_timeouts must be positive"))
	}
	if c.DialRetries <= 0 || c.DialBackoff < 0 {
		errs = append(errs, errors.New("dial_retries must be positive and dial_backoff not negative"))
	}
	if c.NegotiationTimeout <= 0 {
		errs = append(errs, errors.New("negotiation_timeout must be positive"))
	}
	if c.ChatRate <= 0 || c.SyncRate <= 0 || c.ChatBurst <= 0 || c.SyncBurst <= 0 {
		errs = append(errs, errors.New("rate limits must be positive"))
	}
	return errors.Join(errs...)
}
