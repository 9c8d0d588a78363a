package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// lock spin quantum for the local disk store.
const lockPoll = time.Millisecond

// LocalStore implements Store over a directory of files, one file per key.
// Writers take a coarse lock by creating `<path>.lock` and spinning until it
// disappears. Intended for single-host runs and tests only.
type LocalStore struct {
	dir string
}

var _ Store = (*LocalStore)(nil)

// NewLocalStore creates the directory if needed and returns the store.
func NewLocalStore(dir string) (*LocalStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, err
	}
	return &LocalStore{dir: abs}, nil
}

// Dir returns the backing directory.
func (s *LocalStore) Dir() string { return s.dir }

func (s *LocalStore) path(key string) string {
	return filepath.Join(s.dir, key)
}

func (s *LocalStore) Put(_ context.Context, key string, value []byte) error {
	path := s.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	s.acquireLock(path)
	defer s.releaseLock(path)
	return os.WriteFile(path, value, 0644)
}

func (s *LocalStore) Get(_ context.Context, key string) ([]byte, error) {
	path := s.path(key)
	if _, err := os.Stat(path); err != nil {
		return nil, ErrNotFound
	}
	s.waitLock(path)
	value, err := os.ReadFile(path)
	if err != nil {
		return nil, ErrNotFound
	}
	return value, nil
}

func (s *LocalStore) GetWait(ctx context.Context, key string, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		value, err := s.Get(ctx, key)
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if timeout <= 0 || time.Now().After(deadline) {
			return nil, ErrNotFound
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPoll):
		}
	}
}

func (s *LocalStore) Extract(ctx context.Context, key string) ([]byte, error) {
	value, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := s.Delete(ctx, key); err != nil {
		return nil, err
	}
	return value, nil
}

func (s *LocalStore) Delete(_ context.Context, key string) error {
	path := s.path(key)
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	s.acquireLock(path)
	defer s.releaseLock(path)
	return os.Remove(path)
}

func (s *LocalStore) Keys(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.Walk(s.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || strings.HasSuffix(path, ".lock") {
			return err
		}
		rel, err := filepath.Rel(s.dir, path)
		if err != nil {
			return err
		}
		if strings.HasPrefix(rel, prefix) {
			keys = append(keys, rel)
		}
		return nil
	})
	return keys, err
}

func (s *LocalStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	keys, err := s.Keys(ctx, prefix)
	if err != nil {
		return 0, err
	}
	for _, key := range keys {
		if err := s.Delete(ctx, key); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}

func (s *LocalStore) Clear(ctx context.Context) error {
	_, err := s.DeletePrefix(ctx, "")
	return err
}

func (s *LocalStore) Close() error { return nil }

func (s *LocalStore) acquireLock(path string) {
	lock := path + ".lock"
	_ = os.MkdirAll(filepath.Dir(lock), 0755)
	for {
		f, err := os.OpenFile(lock, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			_ = f.Close()
			return
		}
		time.Sleep(lockPoll)
	}
}

func (s *LocalStore) releaseLock(path string) {
	_ = os.Remove(path + ".lock")
}

func (s *LocalStore) waitLock(path string) {
	lock := path + ".lock"
	for {
		if _, err := os.Stat(lock); err != nil {
			return
		}
		time.Sleep(lockPoll)
	}
}
