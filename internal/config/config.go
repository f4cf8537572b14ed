package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"orderbook-dashboard/internal/feed"
)

type Config struct {
	Port        int    `yaml:"port"`
	LogLevel    string `yaml:"log_level"`
	WebDir      string `yaml:"web_dir"`
	HighlightMS int    `yaml:"highlight_ms"`
	Feed        Feed   `yaml:"feed"`
}

type Feed struct {
	URL                  string `yaml:"url"`
	Exchange             string `yaml:"exchange"`
	Symbol               string `yaml:"symbol"`
	Precision            string `yaml:"precision"`
	Frequency            string `yaml:"frequency"`
	MaxEntries           int    `yaml:"max_entries"`
	AutoReconnect        bool   `yaml:"auto_reconnect"`
	ReconnectIntervalMS  int    `yaml:"reconnect_interval_ms"`
	MaxReconnectAttempts int    `yaml:"max_reconnect_attempts"`
	SettleDelayMS        int    `yaml:"settle_delay_ms"`
	HandshakeTimeoutMS   int    `yaml:"handshake_timeout_ms"`
	ReadTimeoutMS        int    `yaml:"read_timeout_ms"`
}

func defaults() Config {
	return Config{
		Port:        8086,
		LogLevel:    "info",
		WebDir:      "./web",
		HighlightMS: 100,
		Feed: Feed{
			URL:                  feed.DefaultURL,
			Exchange:             "bitfinex",
			Symbol:               "tBTCUSD",
			Precision:            "P0",
			Frequency:            "F0",
			MaxEntries:           25,
			AutoReconnect:        true,
			ReconnectIntervalMS:  1000,
			MaxReconnectAttempts: feed.DefaultMaxReconnectAttempts,
			SettleDelayMS:        1000,
			HandshakeTimeoutMS:   15000,
			ReadTimeoutMS:        60000,
		},
	}
}

// Load reads path over the defaults. A missing file is not an error: the
// defaults are returned with os.ErrNotExist wrapped so the caller can log it.
func Load(path string) (Config, error) {
	cfg := defaults()
	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		applyEnv(&cfg)
		if verr := cfg.validate(); verr != nil {
			return cfg, verr
		}
		return cfg, fmt.Errorf("read %s: %w", path, err)
	case err != nil:
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	applyEnv(&cfg)
	return cfg, cfg.validate()
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("ORDERBOOK_SYMBOL"); v != "" {
		cfg.Feed.Symbol = v
	}
	if v := os.Getenv("ORDERBOOK_FEED_URL"); v != "" {
		cfg.Feed.URL = v
	}
	if v := os.Getenv("ORDERBOOK_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ORDERBOOK_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
}

func (cfg *Config) validate() error {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return errors.New("invalid port")
	}
	if cfg.HighlightMS < 0 {
		return errors.New("highlight_ms must be >=0")
	}
	f := &cfg.Feed
	f.Symbol = strings.TrimSpace(f.Symbol)
	if f.Symbol == "" {
		return errors.New("feed.symbol required")
	}
	if !strings.HasPrefix(f.URL, "ws://") && !strings.HasPrefix(f.URL, "wss://") {
		return fmt.Errorf("feed.url must be a ws:// or wss:// URL, got %q", f.URL)
	}
	f.Precision = strings.ToUpper(f.Precision)
	switch f.Precision {
	case "P0", "P1", "P2", "P3", "P4", "R0":
	default:
		return fmt.Errorf("feed.precision %q must be one of P0..P4, R0", f.Precision)
	}
	f.Frequency = strings.ToUpper(f.Frequency)
	if f.Frequency != "F0" && f.Frequency != "F1" {
		return fmt.Errorf("feed.frequency %q must be F0 or F1", f.Frequency)
	}
	if f.MaxEntries < 1 || f.MaxEntries > 250 {
		return errors.New("feed.max_entries must be between 1 and 250")
	}
	if f.ReconnectIntervalMS < 1 {
		return errors.New("feed.reconnect_interval_ms must be >=1")
	}
	if f.MaxReconnectAttempts < 1 {
		return errors.New("feed.max_reconnect_attempts must be >=1")
	}
	return nil
}

// FeedConfig converts the yaml section into the manager's settings.
func (cfg Config) FeedConfig() feed.Config {
	f := cfg.Feed
	return feed.Config{
		URL:                  f.URL,
		Symbol:               f.Symbol,
		Precision:            f.Precision,
		Frequency:            f.Frequency,
		MaxEntries:           f.MaxEntries,
		AutoReconnect:        f.AutoReconnect,
		ReconnectInterval:    ms(f.ReconnectIntervalMS),
		MaxReconnectAttempts: f.MaxReconnectAttempts,
		SettleDelay:          ms(f.SettleDelayMS),
		HandshakeTimeout:     ms(f.HandshakeTimeoutMS),
		ReadTimeout:          ms(f.ReadTimeoutMS),
	}
}

func (cfg Config) Highlight() time.Duration { return ms(cfg.HighlightMS) }

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func NewLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	h := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(h)
}
