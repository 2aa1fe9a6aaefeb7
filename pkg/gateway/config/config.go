package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr string

	// Session lifecycle.
	SessionTTL        time.Duration
	SweepInterval     time.Duration
	RoomAddressPrefix string

	// Assistant quota: answered turns per session.
	AssistantTurnLimit int

	// SSE
	SSEPingInterval time.Duration

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                envOr("DECISRA_ADDR", ":8090"),
		SessionTTL:          envDurationOr("DECISRA_SESSION_TTL", time.Hour),
		SweepInterval:       envDurationOr("DECISRA_SWEEP_INTERVAL", time.Minute),
		RoomAddressPrefix:   envOr("DECISRA_ROOM_PREFIX", "room://"),
		AssistantTurnLimit:  envIntOr("DECISRA_AI_TURN_LIMIT", 10),
		SSEPingInterval:     envDurationOr("DECISRA_SSE_PING_INTERVAL", 15*time.Second),
		CORSAllowedOrigins:  make(map[string]struct{}),
		ReadHeaderTimeout:   envDurationOr("DECISRA_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod: envDurationOr("DECISRA_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	for _, origin := range splitCSV(os.Getenv("DECISRA_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if cfg.SessionTTL <= 0 {
		return Config{}, fmt.Errorf("DECISRA_SESSION_TTL must be > 0")
	}
	if cfg.SweepInterval <= 0 {
		return Config{}, fmt.Errorf("DECISRA_SWEEP_INTERVAL must be > 0")
	}
	if cfg.AssistantTurnLimit <= 0 {
		return Config{}, fmt.Errorf("DECISRA_AI_TURN_LIMIT must be > 0")
	}
	if cfg.SSEPingInterval <= 0 {
		return Config{}, fmt.Errorf("DECISRA_SSE_PING_INTERVAL must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("DECISRA_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOr(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
