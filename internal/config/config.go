// Package config provides a minimal environment-backed configuration loader
// used only by cmd/ to bootstrap backend selection, the Kafka publisher,
// the closure signer, and auth. Core library packages never read the
// environment directly; they take explicit constructor arguments.
package config

import (
	"os"
	"strconv"
	"strings"
)

// Backend names accepted by OBJECTSTORE_BACKEND.
const (
	BackendS3       = "s3"
	BackendPostgres = "postgres"
	BackendBolt     = "bolt"
)

// Config holds the runtime configuration used by cmd/eventstored.
type Config struct {
	ListenAddr string // LISTEN_ADDR (default :8080)

	ObjectStoreBackend string // OBJECTSTORE_BACKEND (default "bolt")

	S3Bucket   string // S3_BUCKET
	S3Region   string // S3_REGION
	S3Endpoint string // S3_ENDPOINT (optional, for S3-compatible stores)

	PostgresDSN string // POSTGRES_DSN

	BoltPath string // BOLT_PATH (default ./eventstore.bolt)

	KafkaEnabled bool     // KAFKA_ENABLED
	KafkaBrokers []string // KAFKA_BROKERS (comma-separated)
	KafkaTopic   string   // KAFKA_TOPIC

	RequireKMS     bool   // REQUIRE_KMS
	KMSEndpoint    string // KMS_ENDPOINT
	LocalSignerID  string // LOCAL_SIGNER_ID (fallback signer)

	AuthEnabled bool   // AUTH_ENABLED
	AuthSecret  string // AUTH_SECRET
	AuthIssuer  string // AUTH_ISSUER

	TLSCertPath     string // TLS_CERT_PATH
	TLSKeyPath      string // TLS_KEY_PATH
	TLSClientCAPath string // TLS_CLIENT_CA_PATH
	RequireMTLS     bool   // REQUIRE_MTLS
}

// LoadFromEnv reads config values from environment variables and returns a
// Config with sane defaults for anything unset.
func LoadFromEnv() *Config {
	cfg := &Config{
		ListenAddr:         os.Getenv("LISTEN_ADDR"),
		ObjectStoreBackend: os.Getenv("OBJECTSTORE_BACKEND"),

		S3Bucket:   os.Getenv("S3_BUCKET"),
		S3Region:   os.Getenv("S3_REGION"),
		S3Endpoint: os.Getenv("S3_ENDPOINT"),

		PostgresDSN: os.Getenv("POSTGRES_DSN"),

		BoltPath: os.Getenv("BOLT_PATH"),

		KafkaTopic: os.Getenv("KAFKA_TOPIC"),

		KMSEndpoint:   os.Getenv("KMS_ENDPOINT"),
		LocalSignerID: os.Getenv("LOCAL_SIGNER_ID"),

		AuthSecret: os.Getenv("AUTH_SECRET"),
		AuthIssuer: os.Getenv("AUTH_ISSUER"),

		TLSCertPath:     os.Getenv("TLS_CERT_PATH"),
		TLSKeyPath:      os.Getenv("TLS_KEY_PATH"),
		TLSClientCAPath: os.Getenv("TLS_CLIENT_CA_PATH"),
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.ObjectStoreBackend == "" {
		cfg.ObjectStoreBackend = BackendBolt
	}
	if cfg.BoltPath == "" {
		cfg.BoltPath = "./eventstore.bolt"
	}
	if cfg.LocalSignerID == "" {
		cfg.LocalSignerID = "local-signer-1"
	}
	if cfg.KafkaTopic == "" {
		cfg.KafkaTopic = "storeruntime.appended-events"
	}

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}

	cfg.KafkaEnabled = parseBool("KAFKA_ENABLED", false)
	cfg.RequireKMS = parseBool("REQUIRE_KMS", false)
	cfg.AuthEnabled = parseBool("AUTH_ENABLED", false)
	cfg.RequireMTLS = parseBool("REQUIRE_MTLS", false)

	return cfg
}

func parseBool(env string, def bool) bool {
	v := os.Getenv(env)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
