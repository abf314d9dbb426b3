package store

import (
	"fmt"
	"os"

	"github.com/gofrs/flock"
)

// lockTag serializes mutation of one tag across processes via an advisory
// lock on refs/<tag>.lock. The store itself performs no finer-grained
// locking: two processes mutating different tags in the same namespace may
// still race on shared blobs, which mirrors the caller-coordinated model
// this store is designed for.
func (s *Store) lockTag(tag string) (*flock.Flock, error) {
	if err := os.MkdirAll(s.RefsDirectory(), 0o755); err != nil {
		return nil, fmt.Errorf("create refs directory: %w", err)
	}
	l := flock.New(s.tagLockPath(tag))
	if err := l.Lock(); err != nil {
		return nil, fmt.Errorf("acquire lock for tag %q: %w", tag, err)
	}
	return l, nil
}

func (s *Store) unlockTag(l *flock.Flock) {
	if err := l.Unlock(); err != nil {
		s.log.WithError(err).Warn("failed to release tag lock")
	}
}
