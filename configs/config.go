// Package config centralizes every environment-driven setting the agent
// needs to wire its collaborators together, in the same env-var-with-
// fallback style as the teacher's config.LoadConfig.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	minChannelTimeout     = 30 * time.Second
	maxChannelTimeout     = 300 * time.Second
	defaultChannelTimeout = 30 * time.Second
)

// Config is every setting cmd/agent needs to construct the dispatch core
// and its collaborators.
type Config struct {
	// Orchestration client
	OrchestrationPool    string
	OrchestrationTimeout time.Duration

	// IPC
	ChannelTimeout time.Duration
	WorkerBinDir   string

	// Postgres audit ledger
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// Redis job source
	RedisAddr     string
	RedisGroup    string
	RedisConsumer string

	// etcd liveness registry
	EtcdEndpoints []string
	AgentID       string
	RegistryTTL   int

	// S3-compatible crash stdio archive
	S3Bucket      string
	S3Prefix      string
	S3Region      string
	S3Endpoint    string
	LocalCacheDir string
	LocalLogDir   string

	// Telemetry
	TelemetryEndpoint string
	TelemetryEnabled  bool

	// Operator surface
	HealthzAddr string
}

// Load reads configuration from the environment, applying the same
// fallback-then-default pattern throughout.
func Load() *Config {
	return &Config{
		OrchestrationPool:    getEnv("FORGEAGENT_POOL", "default"),
		OrchestrationTimeout: getEnvAsDuration("FORGEAGENT_ORCHESTRATION_TIMEOUT", 60*time.Second),

		ChannelTimeout: clampChannelTimeout(getEnvAsDuration("VSTS_AGENT_CHANNEL_TIMEOUT", defaultChannelTimeout)),
		WorkerBinDir:   getEnv("AGENT_WORKER_BIN_DIR", "."),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "forgeagent"),
		DBPassword: getEnv("DB_PASSWORD", "password"),
		DBName:     getEnv("DB_NAME", "forgeagent"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisGroup:    getEnv("REDIS_CONSUMER_GROUP", "dispatch-agents"),
		RedisConsumer: getEnv("REDIS_CONSUMER_NAME", hostnameOr("agent-1")),

		EtcdEndpoints: strings.Split(getEnv("ETCD_ENDPOINTS", "localhost:2379"), ","),
		AgentID:       getEnv("AGENT_ID", hostnameOr("agent-1")),
		RegistryTTL:   getEnvAsInt("REGISTRY_TTL_SECONDS", 15),

		S3Bucket:      getEnv("S3_BUCKET", ""),
		S3Prefix:      getEnv("S3_PREFIX", "crash-logs/"),
		S3Region:      getEnv("S3_REGION", "us-east-1"),
		S3Endpoint:    getEnv("S3_ENDPOINT", ""),
		LocalCacheDir: getEnv("S3_LOCAL_CACHE_DIR", ""),
		LocalLogDir:   getEnv("LOCAL_LOG_DIR", "/var/lib/forgeagent/crash-logs"),

		TelemetryEndpoint: getEnv("TELEMETRY_ENDPOINT", "localhost:4318"),
		TelemetryEnabled:  getEnvAsBool("TELEMETRY_ENABLED", true),

		HealthzAddr: getEnv("HEALTHZ_ADDR", ":8089"),
	}
}

// clampChannelTimeout mirrors the VSTS_AGENT_CHANNEL_TIMEOUT override's
// [30s, 300s] clamp: anything below 30s clamps up to 30s and anything above
// 300s clamps down to 300s (so 5s becomes 30s and 1000s becomes 300s).
func clampChannelTimeout(d time.Duration) time.Duration {
	if d < minChannelTimeout {
		return minChannelTimeout
	}
	if d > maxChannelTimeout {
		return maxChannelTimeout
	}
	return d
}

func hostnameOr(fallback string) string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return fallback
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return fallback
}

// getEnvAsDuration parses every key the same way: a plain integer is a
// count of seconds (the convention VSTS_AGENT_CHANNEL_TIMEOUT uses), and
// anything else is parsed as a Go duration string ("30s", "2m").
func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr, exists := os.LookupEnv(key)
	if !exists || valueStr == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	return fallback
}
