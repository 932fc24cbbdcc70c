// Package config loads the scanmeet server configuration from environment
// variables with flag overrides, and builds the process logger.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envListenAddr      = "SCANMEET_LISTEN_ADDR"
	envAllowedOrigins  = "ALLOWED_ORIGINS"
	envMode            = "SCANMEET_MODE"
	envLogFormat       = "SCANMEET_LOG_FORMAT"
	envLogLevel        = "SCANMEET_LOG_LEVEL"
	envShutdownTimeout = "SCANMEET_SHUTDOWN_TIMEOUT"

	envSweepInterval  = "SWEEP_INTERVAL"
	envParticipantTTL = "PARTICIPANT_TTL"
	envEmptyRoomTTL   = "EMPTY_ROOM_TTL"

	envMaxMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envMaxMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
)

const (
	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdownTimeout = 15 * time.Second

	// Sweep cadence and TTLs for abandoned participants and the empty-room
	// backstop.
	DefaultSweepInterval  = 2 * time.Minute
	DefaultParticipantTTL = 5 * time.Minute
	DefaultEmptyRoomTTL   = time.Hour

	DefaultMaxMessageBytes      = int64(64 * 1024)
	DefaultMaxMessagesPerSecond = 50
	DefaultWSIdleTimeout        = 60 * time.Second
	DefaultWSPingInterval       = 20 * time.Second
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr      string
	AllowedOrigins  []string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	SweepInterval  time.Duration
	ParticipantTTL time.Duration
	EmptyRoomTTL   time.Duration

	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	WSIdleTimeout        time.Duration
	WSPingInterval       time.Duration
}

// Load reads configuration from the process environment, then applies flag
// overrides from args.
func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	mode, err := parseMode(envOrDefault(lookup, envMode, string(ModeDev)))
	if err != nil {
		return Config{}, err
	}

	defaultFormat := LogFormatText
	if mode == ModeProd {
		defaultFormat = LogFormatJSON
	}
	format, err := parseLogFormat(envOrDefault(lookup, envLogFormat, string(defaultFormat)))
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(envOrDefault(lookup, envLogLevel, "info"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:     envOrDefault(lookup, envListenAddr, DefaultListenAddr),
		AllowedOrigins: splitCommaList(envOrDefault(lookup, envAllowedOrigins, "")),
		Mode:           mode,
		LogFormat:      format,
		LogLevel:       level,
	}

	durations := []struct {
		dst      *time.Duration
		key      string
		fallback time.Duration
	}{
		{&cfg.ShutdownTimeout, envShutdownTimeout, DefaultShutdownTimeout},
		{&cfg.SweepInterval, envSweepInterval, DefaultSweepInterval},
		{&cfg.ParticipantTTL, envParticipantTTL, DefaultParticipantTTL},
		{&cfg.EmptyRoomTTL, envEmptyRoomTTL, DefaultEmptyRoomTTL},
		{&cfg.WSIdleTimeout, envWSIdleTimeout, DefaultWSIdleTimeout},
		{&cfg.WSPingInterval, envWSPingInterval, DefaultWSPingInterval},
	}
	for _, d := range durations {
		v, err := envDurationOrDefault(lookup, d.key, d.fallback)
		if err != nil {
			return Config{}, err
		}
		*d.dst = v
	}

	maxBytes, err := envIntOrDefault(lookup, envMaxMessageBytes, int(DefaultMaxMessageBytes))
	if err != nil {
		return Config{}, err
	}
	cfg.MaxMessageBytes = int64(maxBytes)
	cfg.MaxMessagesPerSecond, err = envIntOrDefault(lookup, envMaxMessagesPerSecond, DefaultMaxMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("scanmeet-server", flag.ContinueOnError)
	fs.StringVar(&cfg.ListenAddr, "listen-addr", cfg.ListenAddr, "TCP address for HTTP/websocket listener")
	origins := fs.String("allowed-origins", "", "comma-separated Origin allow-list (overrides ALLOWED_ORIGINS)")
	fs.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "interval between stale participant sweeps")
	fs.DurationVar(&cfg.ParticipantTTL, "participant-ttl", cfg.ParticipantTTL, "heartbeat age after which a participant is purged")
	fs.DurationVar(&cfg.EmptyRoomTTL, "empty-room-ttl", cfg.EmptyRoomTTL, "age after which an empty room is purged")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if *origins != "" {
		cfg.AllowedOrigins = splitCommaList(*origins)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("%s must be positive", envMaxMessageBytes)
	}
	if c.MaxMessagesPerSecond <= 0 {
		return fmt.Errorf("%s must be positive", envMaxMessagesPerSecond)
	}
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{envSweepInterval, c.SweepInterval},
		{envParticipantTTL, c.ParticipantTTL},
		{envEmptyRoomTTL, c.EmptyRoomTTL},
		{envWSIdleTimeout, c.WSIdleTimeout},
		{envWSPingInterval, c.WSPingInterval},
	} {
		if d.v <= 0 {
			return fmt.Errorf("%s must be positive", d.name)
		}
	}
	if c.WSPingInterval >= c.WSIdleTimeout {
		return fmt.Errorf("%s must be shorter than %s", envWSPingInterval, envWSIdleTimeout)
	}
	return nil
}

// NewLogger builds the process logger from the configured format and level.
func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}
	return slog.New(handler), nil
}

func parseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeDev:
		return ModeDev, nil
	case ModeProd:
		return ModeProd, nil
	}
	return "", fmt.Errorf("invalid %s %q (want dev or prod)", envMode, s)
}

func parseLogFormat(s string) (LogFormat, error) {
	switch LogFormat(strings.ToLower(strings.TrimSpace(s))) {
	case LogFormatText:
		return LogFormatText, nil
	case LogFormatJSON:
		return LogFormatJSON, nil
	}
	return "", fmt.Errorf("invalid %s %q (want text or json)", envLogFormat, s)
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("invalid %s %q", envLogLevel, s)
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func splitCommaList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
