// Package archive provides long-term retention for frozen evidence
// packages. Blobs are content-addressed by SHA-256 so an archived
// package can always be verified against the hash recorded in the
// evidence chain.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Blob is the contract for content-addressed evidence storage.
type Blob interface {
	// Put persists data and returns its content hash ("sha256:..").
	Put(ctx context.Context, data []byte) (string, error)
	// Get retrieves data by its content hash.
	Get(ctx context.Context, ref string) ([]byte, error)
	// Exists checks whether a blob is present.
	Exists(ctx context.Context, ref string) (bool, error)
	// Delete removes a blob. Archived evidence under legal hold must
	// not be deleted; callers enforce that.
	Delete(ctx context.Context, ref string) error
}

func parseRef(ref string) (string, error) {
	if len(ref) < 7 || ref[:7] != "sha256:" {
		return "", fmt.Errorf("invalid blob ref: %s", ref)
	}
	raw := ref[7:]
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("invalid blob ref hex: %w", err)
	}
	return raw, nil
}

func contentRef(data []byte) (string, string) {
	sum := sha256.Sum256(data)
	raw := hex.EncodeToString(sum[:])
	return "sha256:" + raw, raw
}

// FileBlob is a filesystem-backed Blob for single-node deployments.
type FileBlob struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileBlob creates a blob store rooted at baseDir.
func NewFileBlob(baseDir string) (*FileBlob, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to ensure archive dir: %w", err)
	}
	return &FileBlob{baseDir: baseDir}, nil
}

func (b *FileBlob) Put(ctx context.Context, data []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ref, raw := contentRef(data)
	path := filepath.Join(b.baseDir, raw+".blob")

	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}

	// write to temp, then rename
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return "", fmt.Errorf("failed to commit blob: %w", err)
	}
	return ref, nil
}

func (b *FileBlob) Get(ctx context.Context, ref string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	raw, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(b.baseDir, raw+".blob"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("blob not found: %s", ref)
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	return io.ReadAll(f)
}

func (b *FileBlob) Exists(ctx context.Context, ref string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	raw, err := parseRef(ref)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(filepath.Join(b.baseDir, raw+".blob"))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (b *FileBlob) Delete(ctx context.Context, ref string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	raw, err := parseRef(ref)
	if err != nil {
		return err
	}
	err = os.Remove(filepath.Join(b.baseDir, raw+".blob"))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}
