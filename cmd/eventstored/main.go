// Command eventstored runs the demo/admin HTTP surface over the event
// storage runtime: append/read streams, tag lookup, and triggering live
// migrations. It is a thin bootstrap — all real behavior lives in the
// internal packages it wires together.
package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	_ "github.com/lib/pq"

	awsConfig "github.com/aws/aws-sdk-go-v2/config"

	"github.com/eventkeep/storeruntime/internal/auth"
	"github.com/eventkeep/storeruntime/internal/config"
	"github.com/eventkeep/storeruntime/internal/eventstore"
	"github.com/eventkeep/storeruntime/internal/httpapi"
	"github.com/eventkeep/storeruntime/internal/keys"
	"github.com/eventkeep/storeruntime/internal/migration"
	"github.com/eventkeep/storeruntime/internal/objectstore"
	"github.com/eventkeep/storeruntime/internal/registry"
	"github.com/eventkeep/storeruntime/internal/signer"
	"github.com/eventkeep/storeruntime/internal/snapshot"
	tlsutil "github.com/eventkeep/storeruntime/internal/tls"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	cfg := config.LoadFromEnv()

	store, closeStore := mustOpenBackend(cfg)
	defer closeStore()

	reg := registry.New(store, "objects")
	events := eventstore.New(store)
	snapshots := snapshot.New(store, "snapshots")

	if cfg.KafkaEnabled {
		pub, err := eventstore.NewKafkaPublisher(eventstore.KafkaPublisherConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			log.Fatalf("failed to initialize kafka publisher: %v", err)
		}
		events.SetPublisher(pub)
		defer pub.Close()
		log.Printf("kafka publisher configured (brokers=%v topic=%s)", cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	engine := migration.New(events, reg)
	closureSigner := mustSigner(cfg)

	signerRegistry := keys.NewRegistry()
	registerSignerPublicKey(signerRegistry, closureSigner)

	r := chi.NewRouter()

	if cfg.AuthEnabled {
		if cfg.AuthSecret == "" {
			log.Fatalf("AUTH_ENABLED=true but AUTH_SECRET not configured")
		}
		verifier := auth.NewVerifier([]byte(cfg.AuthSecret), cfg.AuthIssuer)
		r.Use(verifier.Middleware)
		log.Printf("bearer-token auth enabled (issuer=%q)", cfg.AuthIssuer)
	}

	httpapi.RegisterRoutes(&httpapi.Deps{
		Objects:    store,
		Events:     events,
		Registry:   reg,
		Snapshots:  snapshots,
		Migration:  engine,
		Signer:     closureSigner,
		SignerKeys: signerRegistry,
	}, r)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if cfg.TLSCertPath != "" && cfg.TLSKeyPath != "" {
		tlsCfg, err := tlsutil.NewTLSConfigFromFiles(cfg.TLSCertPath, cfg.TLSKeyPath, cfg.TLSClientCAPath, cfg.RequireMTLS)
		if err != nil {
			log.Fatalf("failed to initialize TLS config: %v", err)
		}
		srv.TLSConfig = tlsCfg
		go func() {
			log.Printf("starting eventstored (TLS) on %s", cfg.ListenAddr)
			if err := srv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				log.Fatalf("server failed: %v", err)
			}
		}()
	} else {
		go func() {
			log.Printf("starting eventstored on %s", cfg.ListenAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("server failed: %v", err)
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Println("shutting down eventstored...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("shutdown error: %v", err)
	}
	log.Println("eventstored stopped")
}

// mustOpenBackend selects and opens the configured object-store backend.
// The returned closer is a no-op for backends with nothing to release.
func mustOpenBackend(cfg *config.Config) (objectstore.Store, func()) {
	switch cfg.ObjectStoreBackend {
	case config.BackendS3:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		var optFns []func(*awsConfig.LoadOptions) error
		if cfg.S3Region != "" {
			optFns = append(optFns, awsConfig.WithRegion(cfg.S3Region))
		}
		st, err := objectstore.NewS3Store(ctx, optFns...)
		if err != nil {
			log.Fatalf("failed to initialize s3 store: %v", err)
		}
		log.Printf("object store backend: s3 (bucket=%s region=%s)", cfg.S3Bucket, cfg.S3Region)
		return st, func() {}

	case config.BackendPostgres:
		if cfg.PostgresDSN == "" {
			log.Fatalf("OBJECTSTORE_BACKEND=postgres but POSTGRES_DSN not configured")
		}
		db, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("failed to open postgres: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			log.Fatalf("failed to ping postgres: %v", err)
		}
		st, err := objectstore.NewPostgresStore(db)
		if err != nil {
			log.Fatalf("failed to initialize postgres store: %v", err)
		}
		log.Println("object store backend: postgres")
		return st, func() { _ = db.Close() }

	default:
		st, err := objectstore.NewBoltStore(cfg.BoltPath)
		if err != nil {
			log.Fatalf("failed to initialize bolt store: %v", err)
		}
		log.Printf("object store backend: bolt (path=%s)", cfg.BoltPath)
		return st, func() { _ = st.Close() }
	}
}

// mustSigner selects a closure signer for live migrations: a KMS-backed
// signer in production, falling back to a local Ed25519 signer for dev.
func mustSigner(cfg *config.Config) signer.Signer {
	if cfg.RequireKMS {
		if cfg.KMSEndpoint == "" {
			log.Fatalf("REQUIRE_KMS=true but KMS_ENDPOINT not configured")
		}
		s, err := signer.NewKMSSigner(cfg.KMSEndpoint, cfg.RequireKMS)
		if err != nil {
			log.Fatalf("failed to initialize KMS signer: %v", err)
		}
		return s
	}
	if cfg.KMSEndpoint != "" {
		if s, err := signer.NewKMSSigner(cfg.KMSEndpoint, cfg.RequireKMS); err == nil {
			log.Printf("KMS signer configured (endpoint=%s)", cfg.KMSEndpoint)
			return s
		}
		log.Printf("KMS signer not available; falling back to local signer (dev only)")
	}
	return signer.NewLocalSigner(cfg.LocalSignerID)
}

// registerSignerPublicKey publishes the closure signer's public key under
// /signers so that VerifyMigrationClosure callers elsewhere can fetch the
// key out-of-band instead of having it baked into their own config. A probe
// signature is used only to learn the signer's id; no signing state changes
// as a result.
func registerSignerPublicKey(reg *keys.Registry, s signer.Signer) {
	pub := s.PublicKey()
	if pub == nil {
		return
	}
	_, signerID, err := s.Sign([]byte("storeruntime:signer-registration-probe"))
	if err != nil {
		log.Printf("could not determine signer id for key registration: %v", err)
		return
	}
	reg.AddSigner(signerID, pub, signer.Algorithm)
	reg.SetActive(signerID)
}
