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

	"github.com/ILLUVRSE/kernel/internal/audit"
	"github.com/ILLUVRSE/kernel/internal/auth"
	"github.com/ILLUVRSE/kernel/internal/config"
	"github.com/ILLUVRSE/kernel/internal/handlers"
	"github.com/ILLUVRSE/kernel/internal/idempotency"
	"github.com/ILLUVRSE/kernel/internal/keys"
	"github.com/ILLUVRSE/kernel/internal/signing"
	tlsutil "github.com/ILLUVRSE/kernel/internal/tls"
	"github.com/ILLUVRSE/kernel/internal/upgrade"
)

const jwksCacheTTL = 5 * time.Minute

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg := config.Load()

	// Database (optional; file-backed stores serve dev mode without it).
	var db *sql.DB
	if cfg.DatabaseURL != "" {
		var err error
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("open postgres: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := db.PingContext(ctx); err != nil {
			cancel()
			log.Fatalf("ping postgres: %v", err)
		}
		cancel()
		log.Println("connected to postgres")
	}

	signer, err := signing.NewFromEnv()
	if err != nil {
		log.Fatalf("initialize signer: %v", err)
	}

	var store audit.Store
	if db != nil {
		store = audit.NewPGStore(db)
	} else {
		store = audit.NewFileStore(cfg.AuditArchiveDir)
		log.Printf("no postgres configured; using file store at %s", cfg.AuditArchiveDir)
	}

	// Key registry: trusted verification keys from file plus the process
	// signer's own key so auditors can discover it.
	reg := keys.NewRegistry()
	if cfg.KeyRegistryFile != "" {
		loaded, err := keys.LoadRegistryFile(cfg.KeyRegistryFile)
		if err != nil {
			log.Fatalf("load key registry %s: %v", cfg.KeyRegistryFile, err)
		}
		reg = loaded
	}
	registerProcessSigner(reg, signer, db)

	var upgrades *upgrade.Engine
	if len(cfg.UpgradeApproverIDs) > 0 {
		var ustore upgrade.Store
		if db != nil {
			ustore = upgrade.NewPGStore(db)
		} else {
			log.Fatalf("upgrade quorum requires DATABASE_URL")
		}
		upgrades, err = upgrade.NewEngine(ustore, store, signer, reg, cfg.UpgradeApproverIDs, cfg.UpgradeRequiredApprovals)
		if err != nil {
			log.Fatalf("initialize upgrade engine: %v", err)
		}
		log.Printf("upgrade quorum enabled (approvers=%d required=%d)", len(cfg.UpgradeApproverIDs), cfg.UpgradeRequiredApprovals)
	}

	var idem *idempotency.PGStore
	if db != nil {
		idem = idempotency.NewPGStore(db, cfg.IdempotencyTTL)
		go purgeIdempotencyKeys(idem)
	}

	streamerCancel := startStreamer(cfg, db, store)

	r := chi.NewRouter()
	r.Use(auth.NewMiddleware(cfg))

	var jwks *auth.JWKSCache
	if cfg.JWKSURL != "" {
		jwks = auth.NewJWKSCache(cfg.JWKSURL, jwksCacheTTL)
		r.Use(auth.OIDCMiddleware(jwks, cfg.OIDCIssuer, cfg.OIDCAudience))
		log.Printf("OIDC middleware configured (jwks=%s issuer=%s audience=%s)", cfg.JWKSURL, cfg.OIDCIssuer, cfg.OIDCAudience)
	} else if !cfg.DevAuth {
		log.Println("OIDC_JWKS_URL not configured; bearer tokens will not grant roles")
	}

	handlers.RegisterRoutes(handlers.Deps{
		Cfg:      cfg,
		DB:       db,
		Signer:   signer,
		Store:    store,
		Registry: reg,
		Upgrades: upgrades,
		Idem:     idem,
		JWKS:     jwks,
	}, r)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		tlsCfg, err := tlsutil.NewTLSConfigFromFiles(cfg.TLSCertFile, cfg.TLSKeyFile, cfg.TLSClientCAFile, cfg.RequireMTLS)
		if err != nil {
			log.Fatalf("initialize TLS config: %v", err)
		}
		srv.TLSConfig = tlsCfg
		go func() {
			log.Printf("starting kernel server (TLS) on %s", cfg.ListenAddr)
			if err := srv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				log.Fatalf("server failed: %v", err)
			}
		}()
	} else {
		if cfg.RequireMTLS {
			log.Fatalf("REQUIRE_MTLS set but KERNEL_TLS_CERT/KERNEL_TLS_KEY missing")
		}
		go func() {
			log.Printf("starting kernel server on %s", cfg.ListenAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("server failed: %v", err)
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Println("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}

	if streamerCancel != nil {
		streamerCancel()
		time.Sleep(5 * time.Second) // drain grace
	}
	if db != nil {
		_ = db.Close()
	}
	log.Println("server stopped")
}

// registerProcessSigner publishes the signer's verification key to the
// in-memory registry and, when a database is available, the signers table.
func registerProcessSigner(reg *keys.Registry, signer signing.Signer, db *sql.DB) {
	pk, ok := signer.(signing.PublicKeyer)
	if !ok || len(pk.PublicKey()) == 0 {
		log.Println("signer does not expose a public key; offline verification needs an external registry")
		return
	}
	ids, ok := signer.(interface{ SignerID() string })
	if !ok || ids.SignerID() == "" {
		return
	}
	reg.AddSigner(ids.SignerID(), pk.PublicKey(), "Ed25519")
	log.Printf("registered signer %s in key registry", ids.SignerID())

	if db != nil {
		ks, err := keys.NewStore(db)
		if err != nil {
			log.Printf("signers table unavailable: %v", err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ks.AddSigner(ctx, ids.SignerID(), pk.PublicKey(), "Ed25519"); err != nil {
			log.Printf("persist signer key: %v", err)
		}
	}
}

// startStreamer launches the durable audit streaming pipeline when Postgres,
// Kafka, and S3 are all configured. Returns a cancel func or nil.
func startStreamer(cfg *config.Config, db *sql.DB, store audit.Store) context.CancelFunc {
	if db == nil {
		log.Println("audit streamer disabled (requires postgres)")
		return nil
	}
	if len(cfg.KafkaBrokers) == 0 || cfg.S3Bucket == "" {
		log.Println("audit streamer not started: KAFKA_BROKERS and AUDIT_S3_BUCKET must be set")
		return nil
	}
	pgStore, ok := store.(*audit.PGStore)
	if !ok {
		return nil
	}

	producer, err := audit.NewKafkaProducer(audit.KafkaProducerConfig{
		Brokers: cfg.KafkaBrokers,
		Topic:   cfg.KafkaTopic,
	})
	if err != nil {
		log.Fatalf("initialize kafka producer: %v", err)
	}
	log.Printf("kafka producer initialized (brokers=%v topic=%s)", cfg.KafkaBrokers, cfg.KafkaTopic)

	archiver, err := audit.NewS3Archiver(context.Background(), cfg.S3Bucket, cfg.S3Prefix)
	if err != nil {
		log.Fatalf("initialize s3 archiver: %v", err)
	}
	log.Printf("s3 archiver initialized (bucket=%s prefix=%s)", cfg.S3Bucket, cfg.S3Prefix)

	streamer := audit.NewStreamer(pgStore, producer, archiver, audit.StreamerConfig{
		BatchSize:    cfg.StreamBatchSize,
		PollInterval: time.Duration(cfg.StreamPollMS) * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		// Run closes the producer on shutdown.
		if err := streamer.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("[audit.streamer] exited with error: %v", err)
		}
		log.Println("[audit.streamer] stopped")
	}()
	log.Printf("audit streamer started (batch=%d poll=%dms)", cfg.StreamBatchSize, cfg.StreamPollMS)
	return cancel
}

// purgeIdempotencyKeys deletes expired idempotency records on a slow cadence.
func purgeIdempotencyKeys(store *idempotency.PGStore) {
	t := time.NewTicker(time.Hour)
	defer t.Stop()
	for range t.C {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		n, err := store.PurgeExpired(ctx)
		cancel()
		if err != nil {
			log.Printf("[idempotency] purge failed: %v", err)
			continue
		}
		if n > 0 {
			log.Printf("[idempotency] purged %d expired keys", n)
		}
	}
}
