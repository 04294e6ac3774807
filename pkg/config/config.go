// Package config loads the fabric's environment-sourced configuration
// snapshot at process startup (spec §6 configuration table), following the
// teacher's Load() pattern: read once, return an immutable value, no
// implicit re-read.
package config

import (
	"encoding/base64"
	"encoding/hex"
	"os"
	"strconv"
	"time"

	"github.com/aegisfabric/governance/pkg/crypto"
)

// Config holds server configuration.
type Config struct {
	Port          string
	LogLevel      string
	DatabaseURL   string
	LLMServiceURL string
	ShadowMode    bool

	// AI_ENABLED / AI_PHASE (spec §4.A, consumed by pkg/phase via its own
	// env read — carried here too so admin/status surfaces can report it
	// without constructing a second Gate).
	AIEnabled bool
	AIPhase   string

	// Inference endpoint (spec §6).
	ModelProvider       string
	ModelID             string
	ModelBaseURL        string
	ModelTimeoutSeconds int

	// Rate limiter defaults (spec §4.D / §6).
	RateLimitPerMinute        int
	RateLimitPerUserPerMinute int

	// EncryptionKey is the resolved 32-byte ApprovalToken HMAC secret,
	// decoded from AI_ENCRYPTION_KEY as hex, then base64, then — if
	// neither decodes to exactly 32 bytes — run through PBKDF2 as a
	// passphrase (spec §6: "32-byte key (hex/base64 or derived via
	// PBKDF2)").
	EncryptionKey []byte

	// TenantStrictMode mirrors TENANT_STRICT_MODE (spec §4.B).
	TenantStrictMode bool

	// Optional outbound signing (spec §6); unset unless both are present.
	DKIMPrivateKey string
	DKIMSelector   string

	// AuditSQLitePath, when set, durably persists the hash-chained audit
	// log to an embedded SQLite file (spec §4.H "optional embedded
	// persistence"), in addition to the in-memory AuditStore that remains
	// the sole source of chain truth for the process lifetime. Empty
	// means in-memory only.
	AuditSQLitePath string
}

// Load loads configuration from environment variables.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		// Default to local generic postgres
		dbURL = "postgres://helm@localhost:5433/helm?sslmode=disable"
	}

	llmURL := os.Getenv("LLM_SERVICE_URL")
	if llmURL == "" {
		// Default to LM Studio Local
		llmURL = "http://host.docker.internal:1234/v1/chat/completions"
	}

	shadowMode := os.Getenv("SHADOW_MODE") == "true"

	return &Config{
		Port:          port,
		LogLevel:      logLevel,
		DatabaseURL:   dbURL,
		LLMServiceURL: llmURL,
		ShadowMode:    shadowMode,

		AIEnabled: os.Getenv("AI_ENABLED") != "false",
		AIPhase:   envOrDefault("AI_PHASE", "ReadOnly"),

		ModelProvider:       os.Getenv("AI_MODEL_PROVIDER"),
		ModelID:             os.Getenv("AI_MODEL_ID"),
		ModelBaseURL:        os.Getenv("AI_MODEL_BASE_URL"),
		ModelTimeoutSeconds: envInt("AI_MODEL_TIMEOUT_SECONDS", 30),

		RateLimitPerMinute:        envInt("AI_RATE_LIMIT_PER_MINUTE", 60),
		RateLimitPerUserPerMinute: envInt("AI_RATE_LIMIT_PER_USER_PER_MINUTE", 20),

		EncryptionKey: resolveEncryptionKey(os.Getenv("AI_ENCRYPTION_KEY")),

		TenantStrictMode: os.Getenv("TENANT_STRICT_MODE") == "true",

		DKIMPrivateKey: os.Getenv("DKIM_PRIVATE_KEY"),
		DKIMSelector:   os.Getenv("DKIM_SELECTOR"),

		AuditSQLitePath: os.Getenv("AUDIT_SQLITE_PATH"),
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
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

// encryptionSaltEpoch is a fixed, non-secret salt for the PBKDF2
// passphrase path. It only needs to be stable across process restarts so
// the same passphrase always derives the same key; it carries no
// confidentiality requirement of its own (the passphrase does).
var encryptionSaltEpoch = []byte("aegisfabric-governance-ai-encryption-key-v1")

// resolveEncryptionKey implements spec §6's three accepted forms: hex,
// base64, or a passphrase derived via PBKDF2 when neither decodes to
// exactly 32 bytes.
func resolveEncryptionKey(raw string) []byte {
	if raw == "" {
		return nil
	}
	if b, err := hex.DecodeString(raw); err == nil && len(b) == 32 {
		return b
	}
	if b, err := base64.StdEncoding.DecodeString(raw); err == nil && len(b) == 32 {
		return b
	}
	return crypto.DeriveKey(raw, encryptionSaltEpoch)
}

// ModelTimeout returns ModelTimeoutSeconds as a time.Duration.
func (c *Config) ModelTimeout() time.Duration {
	return time.Duration(c.ModelTimeoutSeconds) * time.Second
}
