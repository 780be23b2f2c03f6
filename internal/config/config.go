// Package config provides the environment-backed configuration loader used
// by the service bootstrap, plus the YAML governance-policy file.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the runtime configuration for the gatekeeper service.
type Config struct {
	ListenAddr string // GATEKEEPER_ADDR (default :8070)

	// Decision log persistence. DatabaseURL selects Postgres, DecisionDir
	// the file-backed store, and neither means in-memory; Kafka/S3 settings
	// are only used with Postgres.
	DatabaseURL  string   // DATABASE_URL
	DecisionDir  string   // GATEKEEPER_DECISION_DIR
	KafkaBrokers []string // GATEKEEPER_KAFKA_BROKERS (csv)
	KafkaTopic   string   // GATEKEEPER_KAFKA_TOPIC
	S3Bucket     string   // GATEKEEPER_S3_BUCKET
	S3Prefix     string   // GATEKEEPER_S3_PREFIX

	// AuthSecret enables bearer-JWT auth when non-empty.
	AuthSecret string // GATEKEEPER_AUTH_SECRET

	// PolicyFile points at the YAML governance policy (budget limits,
	// event rate limits). Empty means no pre-provisioned allocations.
	PolicyFile string // GATEKEEPER_POLICY_FILE

	// Arbitrator.
	DedupWindow      time.Duration // GATEKEEPER_DEDUP_WINDOW_SECONDS
	MaxTasksPerActor int           // GATEKEEPER_MAX_TASKS_PER_ACTOR
	LoopDetection    bool          // GATEKEEPER_LOOP_DETECTION
	LoopThreshold    int           // GATEKEEPER_LOOP_THRESHOLD

	// Budget engine.
	AllowImplicitAllocation bool          // GATEKEEPER_ALLOW_IMPLICIT_ALLOCATION
	ReservationTTL          time.Duration // GATEKEEPER_RESERVATION_TTL_SECONDS

	// Circuit breaker.
	FailureThreshold int           // GATEKEEPER_CIRCUIT_FAILURE_THRESHOLD
	SuccessThreshold int           // GATEKEEPER_CIRCUIT_SUCCESS_THRESHOLD
	CircuitWindow    time.Duration // GATEKEEPER_CIRCUIT_WINDOW_SECONDS
	CircuitCooldown  time.Duration // GATEKEEPER_CIRCUIT_COOLDOWN_SECONDS

	// Chain tracker.
	MaxChainDepth int           // GATEKEEPER_MAX_CHAIN_DEPTH
	MaxChains     int           // GATEKEEPER_MAX_CHAINS
	MaxChainAge   time.Duration // GATEKEEPER_MAX_CHAIN_AGE_SECONDS

	// Event dampener.
	EventDedupWindow   time.Duration // GATEKEEPER_EVENT_DEDUP_WINDOW_SECONDS
	EventWindow        time.Duration // GATEKEEPER_EVENT_WINDOW_SECONDS
	EventRateLimit     int           // GATEKEEPER_EVENT_RATE_LIMIT
	CascadeThreshold   int           // GATEKEEPER_CASCADE_THRESHOLD
	CascadeFanoutRatio float64       // GATEKEEPER_CASCADE_FANOUT_RATIO

	// Housekeeping.
	SweepInterval time.Duration // GATEKEEPER_SWEEP_INTERVAL_SECONDS
	RecordMaxAge  time.Duration // GATEKEEPER_RECORD_MAX_AGE_SECONDS
}

// LoadFromEnv reads configuration from environment variables, applying the
// platform defaults for anything unset.
func LoadFromEnv() *Config {
	return &Config{
		ListenAddr:   getEnv("GATEKEEPER_ADDR", ":8070"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		DecisionDir:  os.Getenv("GATEKEEPER_DECISION_DIR"),
		KafkaBrokers: parseCSV(os.Getenv("GATEKEEPER_KAFKA_BROKERS")),
		KafkaTopic:   getEnv("GATEKEEPER_KAFKA_TOPIC", "gatekeeper.decisions"),
		S3Bucket:     os.Getenv("GATEKEEPER_S3_BUCKET"),
		S3Prefix:     os.Getenv("GATEKEEPER_S3_PREFIX"),
		AuthSecret:   os.Getenv("GATEKEEPER_AUTH_SECRET"),
		PolicyFile:   os.Getenv("GATEKEEPER_POLICY_FILE"),

		DedupWindow:      getSeconds("GATEKEEPER_DEDUP_WINDOW_SECONDS", 300),
		MaxTasksPerActor: getInt("GATEKEEPER_MAX_TASKS_PER_ACTOR", 25),
		LoopDetection:    getBool("GATEKEEPER_LOOP_DETECTION", true),
		LoopThreshold:    getInt("GATEKEEPER_LOOP_THRESHOLD", 10),

		AllowImplicitAllocation: getBool("GATEKEEPER_ALLOW_IMPLICIT_ALLOCATION", false),
		ReservationTTL:          getSeconds("GATEKEEPER_RESERVATION_TTL_SECONDS", 600),

		FailureThreshold: getInt("GATEKEEPER_CIRCUIT_FAILURE_THRESHOLD", 5),
		SuccessThreshold: getInt("GATEKEEPER_CIRCUIT_SUCCESS_THRESHOLD", 2),
		CircuitWindow:    getSeconds("GATEKEEPER_CIRCUIT_WINDOW_SECONDS", 60),
		CircuitCooldown:  getSeconds("GATEKEEPER_CIRCUIT_COOLDOWN_SECONDS", 30),

		MaxChainDepth: getInt("GATEKEEPER_MAX_CHAIN_DEPTH", 20),
		MaxChains:     getInt("GATEKEEPER_MAX_CHAINS", 10000),
		MaxChainAge:   getSeconds("GATEKEEPER_MAX_CHAIN_AGE_SECONDS", 1800),

		EventDedupWindow:   getSeconds("GATEKEEPER_EVENT_DEDUP_WINDOW_SECONDS", 30),
		EventWindow:        getSeconds("GATEKEEPER_EVENT_WINDOW_SECONDS", 60),
		EventRateLimit:     getInt("GATEKEEPER_EVENT_RATE_LIMIT", 100),
		CascadeThreshold:   getInt("GATEKEEPER_CASCADE_THRESHOLD", 50),
		CascadeFanoutRatio: getFloat("GATEKEEPER_CASCADE_FANOUT_RATIO", 0.8),

		SweepInterval: getSeconds("GATEKEEPER_SWEEP_INTERVAL_SECONDS", 60),
		RecordMaxAge:  getSeconds("GATEKEEPER_RECORD_MAX_AGE_SECONDS", 3600),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getSeconds(key string, fallback int) time.Duration {
	return time.Duration(getInt(key, fallback)) * time.Second
}

func parseCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
