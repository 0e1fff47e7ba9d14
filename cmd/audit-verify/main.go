// Command audit-verify replays the audit chain offline and exits non-zero on
// the first broken invariant: a non-linear chain, a hash mismatch, or a
// signature that does not verify against the key registry.
//
// Usage:
//
//	audit-verify -database-url postgres://... -registry keys.json [-limit N]
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/ILLUVRSE/kernel/internal/audit"
	"github.com/ILLUVRSE/kernel/internal/keys"
)

func main() {
	var (
		databaseURL  = flag.String("database-url", os.Getenv("DATABASE_URL"), "Postgres connection string")
		registryPath = flag.String("registry", os.Getenv("KERNEL_KEY_REGISTRY"), "path to signer public key registry JSON")
		limit        = flag.Int("limit", 0, "verify at most N events (0 = all)")
	)
	flag.Parse()

	if *databaseURL == "" {
		fatal("database-url is required (flag or DATABASE_URL)")
	}
	if *registryPath == "" {
		fatal("registry is required (flag or KERNEL_KEY_REGISTRY)")
	}

	reg, err := keys.LoadRegistryFile(*registryPath)
	if err != nil {
		fatal("load registry: %v", err)
	}

	db, err := sql.Open("postgres", *databaseURL)
	if err != nil {
		fatal("open postgres: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	start := time.Now()
	if err := audit.VerifyChainLimit(ctx, db, reg, *limit); err != nil {
		fatal("chain verification FAILED: %v", err)
	}

	count, headHash, err := chainHead(ctx, db)
	if err != nil {
		fatal("read chain head: %v", err)
	}
	fmt.Printf("chain OK: %d events verified in %s\n", count, time.Since(start).Round(time.Millisecond))
	if headHash != "" {
		fmt.Printf("head hash: %s\n", headHash)
	}
}

func chainHead(ctx context.Context, db *sql.DB) (int64, string, error) {
	var count int64
	if err := db.QueryRowContext(ctx, `SELECT count(*) FROM audit_events`).Scan(&count); err != nil {
		return 0, "", err
	}
	var head string
	err := db.QueryRowContext(ctx, `SELECT hash FROM audit_events ORDER BY ts DESC LIMIT 1`).Scan(&head)
	if err == sql.ErrNoRows {
		return count, "", nil
	}
	if err != nil {
		return 0, "", err
	}
	return count, head, nil
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
