package audit

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ILLUVRSE/kernel/internal/canonical"
	"github.com/ILLUVRSE/kernel/internal/signing"
)

// FileStore is a file-backed store for local development and tests. Events are
// written as JSON files and a head.hash file tracks the chain tail. A mutex
// serializes appends in place of the row lock the Postgres store uses.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore returns a FileStore rooted at dir, creating it if needed.
func NewFileStore(dir string) *FileStore {
	_ = os.MkdirAll(dir, 0o755)
	return &FileStore{dir: dir}
}

func (f *FileStore) Ping(ctx context.Context) error { return nil }

func (f *FileStore) InsertManifestSignature(ctx context.Context, ms *ManifestSignature) error {
	if ms.ID == "" {
		ms.ID = NewUUID()
	}
	if ms.Ts.IsZero() {
		ms.Ts = time.Now().UTC()
	}
	b, _ := json.MarshalIndent(ms, "", "  ")
	path := filepath.Join(f.dir, fmt.Sprintf("manifest_signature_%s.json", ms.ID))
	return os.WriteFile(path, b, 0o644)
}

// ListManifestSignatures scans the archive directory for signatures of the
// given manifest and returns them ordered by ts.
func (f *FileStore) ListManifestSignatures(ctx context.Context, manifestID string) ([]ManifestSignature, error) {
	matches, err := filepath.Glob(filepath.Join(f.dir, "manifest_signature_*.json"))
	if err != nil {
		return nil, err
	}
	out := make([]ManifestSignature, 0)
	for _, path := range matches {
		b, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var ms ManifestSignature
		if err := json.Unmarshal(b, &ms); err != nil {
			continue
		}
		if ms.ManifestID == manifestID {
			out = append(out, ms)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Ts.Before(out[j-1].Ts); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}

// AppendAuditEvent chains the event onto the current head, signs the digest,
// and persists the event file and the new head.hash.
func (f *FileStore) AppendAuditEvent(ctx context.Context, ev *AuditEvent, s signing.Signer) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	canon, err := canonical.MarshalCanonical(ev.Payload)
	if err != nil {
		return fmt.Errorf("canonicalize payload: %w", err)
	}

	prev := f.readHead()
	digest, err := ChainDigest(canon, prev)
	if err != nil {
		return fmt.Errorf("decode prevHash: %w", err)
	}

	sigB64, signerID, err := s.Sign(digest)
	if err != nil {
		return fmt.Errorf("sign hash: %w", err)
	}

	if ev.ID == "" {
		ev.ID = NewUUID()
	}
	ev.PrevHash = prev
	ev.Hash = hex.EncodeToString(digest)
	ev.Signature = sigB64
	ev.SignerID = signerID
	if ev.Ts.IsZero() {
		ev.Ts = time.Now().UTC()
	}
	ev.StreamStatus = StreamPending

	b, _ := json.MarshalIndent(ev, "", "  ")
	path := filepath.Join(f.dir, fmt.Sprintf("audit_%s.json", ev.ID))
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write audit file: %w", err)
	}

	if err := os.WriteFile(filepath.Join(f.dir, "head.hash"), []byte(ev.Hash), 0o644); err != nil {
		return fmt.Errorf("write head.hash: %w", err)
	}
	return nil
}

func (f *FileStore) readHead() string {
	b, err := os.ReadFile(filepath.Join(f.dir, "head.hash"))
	if err != nil {
		return ""
	}
	return string(b)
}

func (f *FileStore) GetAuditEvent(ctx context.Context, id string) (*AuditEvent, error) {
	path := filepath.Join(f.dir, fmt.Sprintf("audit_%s.json", id))
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var ev AuditEvent
	if err := json.Unmarshal(b, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}
