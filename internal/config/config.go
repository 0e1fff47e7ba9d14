// Package config provides the environment-backed configuration loader used by
// the kernel bootstrap. The configuration is loaded once per process; tests
// reset the cache with Reset().
package config

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Config holds the runtime configuration for the kernel process.
type Config struct {
	// Network and storage bindings.
	ListenAddr  string // PORT or LISTEN_ADDR (default :8080)
	DatabaseURL string // DATABASE_URL

	// TLS server material (optional; plaintext when unset).
	TLSCertFile     string // KERNEL_TLS_CERT
	TLSKeyFile      string // KERNEL_TLS_KEY
	TLSClientCAFile string // KERNEL_TLS_CLIENT_CA — client CA bundle for mTLS

	// Authentication.
	RequireMTLS  bool   // REQUIRE_MTLS
	DevAuth      bool   // KERNEL_DEV_AUTH — grants a SuperAdmin dev principal; local use only
	OIDCIssuer   string // OIDC_ISSUER
	OIDCAudience string // OIDC_AUDIENCE
	JWKSURL      string // OIDC_JWKS_URL

	// Audit streaming.
	AuditArchiveDir string   // AUDIT_ARCHIVE_DIR — file-backed dev store when DATABASE_URL unset
	S3Bucket        string   // AUDIT_S3_BUCKET
	S3Prefix        string   // AUDIT_S3_PREFIX
	KafkaBrokers    []string // KAFKA_BROKERS (comma-separated)
	KafkaTopic      string   // KAFKA_AUDIT_TOPIC (default kernel.audit)
	StreamBatchSize int      // AUDIT_STREAM_BATCH (default 10)
	StreamPollMS    int      // AUDIT_STREAM_POLL_MS (default 3000)

	// Upgrade quorum.
	UpgradeApproverIDs       []string // UPGRADE_APPROVER_IDS (comma-separated)
	UpgradeRequiredApprovals int      // UPGRADE_REQUIRED_APPROVALS

	// Idempotency.
	IdempotencyBodyLimit int           // IDEMPOTENCY_RESPONSE_BODY_LIMIT (default 1 MiB)
	IdempotencyTTL       time.Duration // IDEMPOTENCY_TTL_HOURS (default 24h)

	// Passthrough targets.
	ReasoningGraphURL string // REASONING_GRAPH_URL

	// Signer public keys trusted for verification, beyond the process signer.
	KeyRegistryFile string // KERNEL_KEY_REGISTRY
}

var (
	mu     sync.Mutex
	cached *Config
)

// Load returns the process configuration, reading the environment on first
// call and caching the result.
func Load() *Config {
	mu.Lock()
	defer mu.Unlock()
	if cached == nil {
		cached = loadFromEnv()
	}
	return cached
}

// Reset clears the cached configuration so the next Load re-reads the
// environment. Intended for tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	cached = nil
}

func loadFromEnv() *Config {
	cfg := &Config{
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		TLSCertFile:       os.Getenv("KERNEL_TLS_CERT"),
		TLSKeyFile:        os.Getenv("KERNEL_TLS_KEY"),
		TLSClientCAFile:   os.Getenv("KERNEL_TLS_CLIENT_CA"),
		OIDCIssuer:        os.Getenv("OIDC_ISSUER"),
		OIDCAudience:      os.Getenv("OIDC_AUDIENCE"),
		JWKSURL:           os.Getenv("OIDC_JWKS_URL"),
		AuditArchiveDir:   os.Getenv("AUDIT_ARCHIVE_DIR"),
		S3Bucket:          os.Getenv("AUDIT_S3_BUCKET"),
		S3Prefix:          os.Getenv("AUDIT_S3_PREFIX"),
		KafkaTopic:        os.Getenv("KAFKA_AUDIT_TOPIC"),
		ReasoningGraphURL: os.Getenv("REASONING_GRAPH_URL"),
		KeyRegistryFile:   os.Getenv("KERNEL_KEY_REGISTRY"),
	}

	cfg.ListenAddr = os.Getenv("LISTEN_ADDR")
	if cfg.ListenAddr == "" {
		if port := os.Getenv("PORT"); port != "" {
			cfg.ListenAddr = ":" + port
		} else {
			cfg.ListenAddr = ":8080"
		}
	}

	if cfg.AuditArchiveDir == "" {
		cfg.AuditArchiveDir = "./audit-archive"
	}
	if cfg.KafkaTopic == "" {
		cfg.KafkaTopic = "kernel.audit"
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.KafkaBrokers = splitCSV(v)
	}

	cfg.RequireMTLS = envBool("REQUIRE_MTLS")
	cfg.DevAuth = envBool("KERNEL_DEV_AUTH")

	cfg.StreamBatchSize = envInt("AUDIT_STREAM_BATCH", 10)
	cfg.StreamPollMS = envInt("AUDIT_STREAM_POLL_MS", 3000)

	cfg.UpgradeApproverIDs = splitCSV(os.Getenv("UPGRADE_APPROVER_IDS"))
	cfg.UpgradeRequiredApprovals = envInt("UPGRADE_REQUIRED_APPROVALS", 0)

	cfg.IdempotencyBodyLimit = envInt("IDEMPOTENCY_RESPONSE_BODY_LIMIT", 1<<20)
	cfg.IdempotencyTTL = time.Duration(envInt("IDEMPOTENCY_TTL_HOURS", 24)) * time.Hour

	return cfg
}

func envBool(name string) bool {
	v := os.Getenv(name)
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
