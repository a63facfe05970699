package fauxnet

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/rs/xid"
)

// Artifact is a saved email body or FTP upload. Its identifier is
// generated, never derived from attacker-supplied strings, so untrusted
// input can never influence a filesystem path.
type Artifact struct {
	ID   string
	Path string
	Size int64
}

// ArtifactStore persists captured payloads under opaque names while
// enforcing a per-file cap and a cumulative storage budget for the
// artifact class. Safe for concurrent use.
type ArtifactStore struct {
	dir          string
	ext          string
	maxFileBytes int64
	remaining    atomic.Int64
}

// NewArtifactStore creates the directory if needed and returns a store
// with budgetBytes of headroom.
func NewArtifactStore(dir, ext string, maxFileBytes, budgetBytes int64) (*ArtifactStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating artifact directory: %w", err)
	}
	s := &ArtifactStore{
		dir:          dir,
		ext:          ext,
		maxFileBytes: maxFileBytes,
	}
	s.remaining.Store(budgetBytes)
	return s, nil
}

// Save writes data as a new artifact. The write is all-or-nothing: if
// the per-file cap or the remaining budget would be exceeded, nothing is
// written and ErrArtifactTooLarge or ErrStorageBudget is returned.
func (s *ArtifactStore) Save(data []byte) (*Artifact, error) {
	size := int64(len(data))
	if s.maxFileBytes > 0 && size > s.maxFileBytes {
		return nil, ErrArtifactTooLarge
	}
	if !s.reserve(size) {
		return nil, ErrStorageBudget
	}

	id := xid.New().String()
	path := filepath.Join(s.dir, id+s.ext)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		s.remaining.Add(size) // refund on failure
		return nil, fmt.Errorf("writing artifact: %w", err)
	}
	return &Artifact{ID: id, Path: path, Size: size}, nil
}

// reserve atomically claims size bytes of budget. Compare-and-swap keeps
// concurrent writers from collectively exceeding the cap.
func (s *ArtifactStore) reserve(size int64) bool {
	for {
		rem := s.remaining.Load()
		if rem < size {
			return false
		}
		if s.remaining.CompareAndSwap(rem, rem-size) {
			return true
		}
	}
}

// Remaining reports the unclaimed budget in bytes.
func (s *ArtifactStore) Remaining() int64 {
	return s.remaining.Load()
}

// MaxFileBytes reports the per-file cap, 0 meaning unlimited.
func (s *ArtifactStore) MaxFileBytes() int64 {
	return s.maxFileBytes
}
