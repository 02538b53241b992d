package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port              string
	Env               string
	LogLevel          string
	DatabaseURL       string
	DBMaxConns        int32
	DBMinConns        int32
	DBMaxConnLifetime time.Duration

	ChainRPCURL     string
	ChainRPCTimeout time.Duration
	LoanSchema      string
	ChainStartBlock uint64

	FetchMaxBatchIDs      int
	EventFetchConcurrency int
	EventFetchRPS         float64
	EventPollInterval     time.Duration
	ReloadInterval        time.Duration
	ReloadRPS             float64
	ScopeIdleTTL          time.Duration

	// WatchPools are subscribed at startup, pool-wide.
	WatchPools []string
}

func Load() Config {
	return Config{
		Port:              getEnv("PORT", "8090"),
		Env:               getEnv("APP_ENV", "local"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		DatabaseURL:       getEnv("DATABASE_URL", ""),
		DBMaxConns:        getEnvInt32("DB_MAX_CONNS", 10),
		DBMinConns:        getEnvInt32("DB_MIN_CONNS", 1),
		DBMaxConnLifetime: getEnvDuration("DB_MAX_CONN_LIFETIME", 30*time.Minute),

		ChainRPCURL:     getEnv("CHAIN_RPC_URL", "http://localhost:8545"),
		ChainRPCTimeout: getEnvDuration("CHAIN_RPC_TIMEOUT", 20*time.Second),
		LoanSchema:      getEnv("LOAN_SCHEMA", "request"),
		ChainStartBlock: getEnvUint64("CHAIN_START_BLOCK", 0),

		FetchMaxBatchIDs:      int(getEnvInt32("FETCH_MAX_BATCH_IDS", 200)),
		EventFetchConcurrency: int(getEnvInt32("EVENT_FETCH_CONCURRENCY", 8)),
		EventFetchRPS:         getEnvFloat("EVENT_FETCH_RPS", 0),
		EventPollInterval:     getEnvDuration("EVENT_POLL_INTERVAL", 2*time.Second),
		ReloadInterval:        getEnvDuration("RELOAD_INTERVAL", 0),
		ReloadRPS:             getEnvFloat("RELOAD_RPS", 1),
		ScopeIdleTTL:          getEnvDuration("SCOPE_IDLE_TTL", 15*time.Minute),

		WatchPools: getEnvList("WATCH_POOLS"),
	}
}

func (c Config) Addr() string {
	return fmt.Sprintf(":%s", c.Port)
}

// ArchiveEnabled reports whether snapshots are persisted to postgres.
func (c Config) ArchiveEnabled() bool {
	return strings.TrimSpace(c.DatabaseURL) != ""
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt32(key string, fallback int32) int32 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		var out int32
		_, err := fmt.Sscanf(v, "%d", &out)
		if err == nil {
			return out
		}
	}
	return fallback
}

func getEnvUint64(key string, fallback uint64) uint64 {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
		if err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return fallback
}

func getEnvList(key string) []string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	out := make([]string, 0)
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
