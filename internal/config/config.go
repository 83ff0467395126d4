package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr          string
	CertFile      string
	KeyFile       string
	ClientCAFile  string
	AsyncSimulate bool
	PollInterval  time.Duration
	PollTimeout   time.Duration
	KeyPassphrase string
	AuditBuffer   int
}

func Load() Config {
	return Config{
		Addr:          envOr("PKSIGN_ADDR", ":11111"),
		CertFile:      envOr("PKSIGN_CERT", "certs/server-ecc.pem"),
		KeyFile:       envOr("PKSIGN_KEY", "certs/ecc-key.pem"),
		ClientCAFile:  os.Getenv("PKSIGN_CLIENT_CA"),
		AsyncSimulate: envBool("PKSIGN_ASYNC_SIM", true),
		PollInterval:  envDuration("PKSIGN_POLL_INTERVAL", 10*time.Millisecond),
		PollTimeout:   envDuration("PKSIGN_POLL_TIMEOUT", 10*time.Second),
		KeyPassphrase: os.Getenv("PKSIGN_KEY_PASSPHRASE"),
		AuditBuffer:   envInt("PKSIGN_AUDIT_BUFFER", 1024),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
