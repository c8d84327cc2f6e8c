package config_test

import (
	"testing"

	"github.com/eventkeep/storeruntime/internal/config"
)

func TestLoadFromEnvDefaults(t *testing.T) {
	cfg := config.LoadFromEnv()
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("expected default listen addr :8080, got %q", cfg.ListenAddr)
	}
	if cfg.ObjectStoreBackend != config.BackendBolt {
		t.Fatalf("expected default backend %q, got %q", config.BackendBolt, cfg.ObjectStoreBackend)
	}
	if cfg.KafkaEnabled {
		t.Fatalf("expected kafka disabled by default")
	}
	if cfg.AuthEnabled {
		t.Fatalf("expected auth disabled by default")
	}
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("OBJECTSTORE_BACKEND", "s3")
	t.Setenv("S3_BUCKET", "my-bucket")
	t.Setenv("KAFKA_ENABLED", "true")
	t.Setenv("KAFKA_BROKERS", "broker-1:9092, broker-2:9092")
	t.Setenv("AUTH_ENABLED", "1")
	t.Setenv("AUTH_SECRET", "shh")

	cfg := config.LoadFromEnv()
	if cfg.ObjectStoreBackend != "s3" {
		t.Fatalf("expected s3 backend, got %q", cfg.ObjectStoreBackend)
	}
	if cfg.S3Bucket != "my-bucket" {
		t.Fatalf("expected my-bucket, got %q", cfg.S3Bucket)
	}
	if !cfg.KafkaEnabled {
		t.Fatalf("expected kafka enabled")
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[0] != "broker-1:9092" || cfg.KafkaBrokers[1] != "broker-2:9092" {
		t.Fatalf("expected trimmed broker list, got %v", cfg.KafkaBrokers)
	}
	if !cfg.AuthEnabled {
		t.Fatalf("expected auth enabled")
	}
	if cfg.AuthSecret != "shh" {
		t.Fatalf("expected auth secret, got %q", cfg.AuthSecret)
	}
}

func TestParseBoolFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("REQUIRE_KMS", "not-a-bool")
	cfg := config.LoadFromEnv()
	if cfg.RequireKMS {
		t.Fatalf("expected invalid REQUIRE_KMS value to fall back to default false")
	}
}
