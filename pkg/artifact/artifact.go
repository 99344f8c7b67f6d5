package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Ref is an opaque reference to a stored artifact.
type Ref string

// Store persists model artifacts. Implementations are external collaborators;
// callers retry transient failures at this boundary, not inside state machines.
type Store interface {
	Store(ctx context.Context, data []byte) (Ref, error)
	Fetch(ctx context.Context, ref Ref) ([]byte, error)
}

// FSStore is a filesystem-backed artifact store. Initialization is deferred:
// the base directory is created on first use, not at construction, mirroring
// the lazy-connect behavior of remote artifact services.
type FSStore struct {
	baseDir string

	connectOnce sync.Once
	connectErr  error
}

// NewFSStore creates a store rooted at baseDir. No I/O happens here.
func NewFSStore(baseDir string) *FSStore {
	return &FSStore{baseDir: baseDir}
}

// connect creates the directory tree on first use.
func (s *FSStore) connect() error {
	s.connectOnce.Do(func() {
		if err := os.MkdirAll(s.baseDir, 0755); err != nil {
			s.connectErr = fmt.Errorf("failed to create artifact dir %s: %w", s.baseDir, err)
			return
		}
		log.Debug().Str("dir", s.baseDir).Msg("artifact store connected")
	})
	return s.connectErr
}

// Store writes data under a fresh id and returns its reference.
func (s *FSStore) Store(ctx context.Context, data []byte) (Ref, error) {
	if err := s.connect(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	id := uuid.New().String()
	path := filepath.Join(s.baseDir, id)

	// Write to a temp file first so a crash never leaves a partial artifact
	// behind a valid ref.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to commit artifact: %w", err)
	}

	return Ref("fs://" + id), nil
}

// Fetch reads the artifact bytes for ref.
func (s *FSStore) Fetch(ctx context.Context, ref Ref) ([]byte, error) {
	if err := s.connect(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id, ok := parseRef(ref)
	if !ok {
		return nil, fmt.Errorf("malformed artifact ref %q", ref)
	}

	data, err := os.ReadFile(filepath.Join(s.baseDir, id))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch artifact %s: %w", ref, err)
	}
	return data, nil
}

func parseRef(ref Ref) (string, bool) {
	const prefix = "fs://"
	s := string(ref)
	if len(s) <= len(prefix) || s[:len(prefix)] != prefix {
		return "", false
	}
	id := s[len(prefix):]
	// Reject path traversal in refs
	if filepath.Base(id) != id {
		return "", false
	}
	return id, true
}
