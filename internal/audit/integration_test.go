package audit

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"os"
	"strings"
	"testing"
	"time"

	_ "github.com/lib/pq"

	"github.com/ILLUVRSE/kernel/internal/keys"
	"github.com/ILLUVRSE/kernel/internal/signing"
)

// Gated on environment variables so it only runs with real Postgres, Kafka,
// and S3 available:
//
//	TEST_DATABASE_URL  -> postgres connection string
//	TEST_KAFKA_BROKERS -> comma-separated brokers (host:port)
//	TEST_KAFKA_TOPIC   -> topic to produce to (must exist)
//	TEST_S3_BUCKET     -> writable S3 bucket
//	TEST_S3_PREFIX     -> optional key prefix
func TestIntegration_DurablePipeline(t *testing.T) {
	dbURL := strings.TrimSpace(os.Getenv("TEST_DATABASE_URL"))
	kafkaBrokers := strings.TrimSpace(os.Getenv("TEST_KAFKA_BROKERS"))
	kafkaTopic := strings.TrimSpace(os.Getenv("TEST_KAFKA_TOPIC"))
	s3Bucket := strings.TrimSpace(os.Getenv("TEST_S3_BUCKET"))
	s3Prefix := strings.TrimSpace(os.Getenv("TEST_S3_PREFIX"))

	if dbURL == "" || kafkaBrokers == "" || kafkaTopic == "" || s3Bucket == "" {
		t.Skip("integration test skipped; set TEST_DATABASE_URL, TEST_KAFKA_BROKERS, TEST_KAFKA_TOPIC, TEST_S3_BUCKET to run")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("ping postgres: %v", err)
	}

	// Apply the schema (idempotent). Path is relative to this package.
	b, err := os.ReadFile("../../migrations/schema.sql")
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}
	if _, err := db.ExecContext(ctx, string(b)); err != nil {
		t.Fatalf("apply schema: %v", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := signing.NewLocalEd25519(base64.StdEncoding.EncodeToString(priv.Seed()))
	if err != nil {
		t.Fatalf("local signer: %v", err)
	}

	store := NewPGStore(db)

	brokers := strings.Split(kafkaBrokers, ",")
	for i := range brokers {
		brokers[i] = strings.TrimSpace(brokers[i])
	}
	producer, err := NewKafkaProducer(KafkaProducerConfig{
		Brokers: brokers,
		Topic:   kafkaTopic,
	})
	if err != nil {
		t.Fatalf("NewKafkaProducer: %v", err)
	}
	defer func() { _ = producer.Close() }()

	archiver, err := NewS3Archiver(ctx, s3Bucket, s3Prefix)
	if err != nil {
		t.Fatalf("NewS3Archiver: %v", err)
	}

	streamer := NewStreamer(store, producer, archiver, StreamerConfig{
		BatchSize:      1,
		PollInterval:   time.Second,
		MaxConcurrency: 1,
	})

	ev := &AuditEvent{
		EventType: "integration.test.event",
		Payload:   map[string]interface{}{"hello": "integration"},
		Ts:        time.Now().UTC(),
	}
	if err := store.AppendAuditEvent(ctx, ev, signer); err != nil {
		t.Fatalf("AppendAuditEvent: %v", err)
	}

	// Drive produce -> archive -> mark directly for a deterministic flow.
	procCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	if err := streamer.processEvent(procCtx, ev); err != nil {
		t.Fatalf("processEvent: %v", err)
	}

	var (
		s3Key        sql.NullString
		s3ArchivedAt sql.NullTime
		streamStatus sql.NullString
	)
	row := db.QueryRowContext(ctx, `SELECT s3_object_key, s3_archived_at, stream_status FROM audit_events WHERE id=$1`, ev.ID)
	if err := row.Scan(&s3Key, &s3ArchivedAt, &streamStatus); err != nil {
		t.Fatalf("query audit_events: %v", err)
	}
	if !s3Key.Valid || s3Key.String == "" {
		t.Fatalf("expected s3_object_key to be set")
	}
	if !s3ArchivedAt.Valid {
		t.Fatalf("expected s3_archived_at to be set")
	}
	if streamStatus.String != StreamComplete {
		t.Fatalf("stream_status = %q, want %q", streamStatus.String, StreamComplete)
	}

	// The persisted chain must verify offline against the signer's key.
	reg := keys.NewRegistry()
	reg.AddSigner(signer.SignerID(), pub, "Ed25519")
	if err := VerifyChain(ctx, db, reg); err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}

	t.Logf("integration success: id=%s s3_key=%s archived_at=%v", ev.ID, s3Key.String, s3ArchivedAt.Time)
}
