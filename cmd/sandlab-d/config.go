package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultAddr     = "127.0.0.1:8390"
	defaultLeaseTTL = 30 * time.Second
)

type Config struct {
	DBPath   string
	Addr     string
	RedisURL string
	LeaseTTL time.Duration

	// Tokens maps sha256 API token hashes to caller identities, parsed
	// from "identity=tokenhash" pairs. Raw tokens never appear in config.
	Tokens map[string]string

	TLSCertFile string
	TLSKeyFile  string
}

func LoadConfig(args []string) (Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return Config{}, fmt.Errorf("failed to get cwd: %w", err)
	}

	defaultDBPath := filepath.Join(cwd, "sandlab.db")

	dbPath := envOrDefault("SANDLAB_DB_PATH", defaultDBPath)
	addr := addrFromEnv(defaultAddr)
	redisURL := os.Getenv("SANDLAB_REDIS_URL")
	tokens := os.Getenv("SANDLAB_TOKENS")
	leaseTTL := defaultLeaseTTL
	if ttlEnv := os.Getenv("SANDLAB_LEASE_TTL"); ttlEnv != "" {
		parsed, err := time.ParseDuration(ttlEnv)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SANDLAB_LEASE_TTL: %w", err)
		}
		leaseTTL = parsed
	}

	flagSet := flag.NewFlagSet("sandlab-d", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagDB := flagSet.String("db", dbPath, "path to SQLite database")
	flagAddr := flagSet.String("addr", addr, "HTTP listen address")
	flagRedis := flagSet.String("redis", redisURL, "Redis URL for shared partition leases (empty = SQLite leases)")
	flagTokens := flagSet.String("tokens", tokens, "API tokens as comma-separated identity=sha256hash pairs")
	flagLeaseTTL := flagSet.String("lease-ttl", leaseTTL.String(), "partition lease TTL")
	flagTLSCert := flagSet.String("tls-cert", os.Getenv("SANDLAB_TLS_CERT"), "TLS certificate file")
	flagTLSKey := flagSet.String("tls-key", os.Getenv("SANDLAB_TLS_KEY"), "TLS key file")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			flagSet.SetOutput(os.Stdout)
			flagSet.PrintDefaults()
			return Config{}, err
		}
		return Config{}, err
	}

	ttlParsed, err := time.ParseDuration(*flagLeaseTTL)
	if err != nil {
		return Config{}, fmt.Errorf("invalid lease ttl: %w", err)
	}

	parsedTokens, err := parseTokens(*flagTokens)
	if err != nil {
		return Config{}, err
	}

	config := Config{
		DBPath:      resolvePath(*flagDB, cwd),
		Addr:        strings.TrimSpace(*flagAddr),
		RedisURL:    strings.TrimSpace(*flagRedis),
		LeaseTTL:    ttlParsed,
		Tokens:      parsedTokens,
		TLSCertFile: strings.TrimSpace(*flagTLSCert),
		TLSKeyFile:  strings.TrimSpace(*flagTLSKey),
	}

	if config.Addr == "" {
		return Config{}, errors.New("addr cannot be empty")
	}
	if (config.TLSCertFile == "") != (config.TLSKeyFile == "") {
		return Config{}, errors.New("tls-cert and tls-key must be set together")
	}

	return config, nil
}

// parseTokens parses "identity=sha256hash" pairs into a hash-to-identity
// map, which is the lookup direction auth needs.
func parseTokens(s string) (map[string]string, error) {
	tokens := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid token pair %q (want identity=sha256hash)", pair)
		}
		hash := strings.ToLower(strings.TrimSpace(parts[1]))
		if len(hash) != 64 {
			return nil, fmt.Errorf("token hash for %q is not a sha256 hex digest", parts[0])
		}
		tokens[hash] = strings.TrimSpace(parts[0])
	}
	return tokens, nil
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func addrFromEnv(fallback string) string {
	if value := os.Getenv("SANDLAB_ADDR"); value != "" {
		return value
	}
	if port := os.Getenv("SANDLAB_PORT"); port != "" {
		return fmt.Sprintf("127.0.0.1:%s", port)
	}
	return fallback
}

func resolvePath(path string, cwd string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return trimmed
	}
	if filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Join(cwd, trimmed)
}
