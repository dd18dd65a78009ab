package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

// DefaultDirName is the subdirectory within the cache dir.
const DefaultDirName = "state"

// LockTimeout is the maximum time to wait for acquiring the file lock.
// If exceeded, operations proceed without locking (fail-open) so that a
// crashed process holding the lock never wedges the others.
const LockTimeout = 100 * time.Millisecond

// FileStore keeps one file per key in a directory shared by every crmsync
// process. Writes are atomic (temp file + rename) and serialized with a
// fail-open advisory lock; readers never block.
type FileStore struct {
	dir string
}

// NewFileStore creates a file-backed store rooted at dir.
// If dir is empty, it uses the default location (~/.cache/crmsync/state/).
func NewFileStore(dir string) *FileStore {
	if dir == "" {
		dir = DefaultStateDir()
	}
	return &FileStore{dir: dir}
}

// DefaultStateDir returns the default shared state directory.
// Uses platform-specific cache directories with proper fallbacks.
func DefaultStateDir() string {
	if cacheDir := os.Getenv("XDG_CACHE_HOME"); cacheDir != "" {
		return filepath.Join(cacheDir, "crmsync", DefaultDirName)
	}
	if cacheDir, err := os.UserCacheDir(); err == nil && cacheDir != "" {
		return filepath.Join(cacheDir, "crmsync", DefaultDirName)
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".cache", "crmsync", DefaultDirName)
	}
	return filepath.Join(os.TempDir(), "crmsync", DefaultDirName)
}

// Dir returns the state directory path.
func (s *FileStore) Dir() string {
	return s.dir
}

// Path returns the file path holding key.
func (s *FileStore) Path(key string) string {
	return filepath.Join(s.dir, fileName(key))
}

func (s *FileStore) lockPath() string {
	return filepath.Join(s.dir, ".lock")
}

// fileName maps a key onto a safe file name.
func fileName(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name := strings.TrimLeft(b.String(), ".")
	if name == "" {
		name = "_"
	}
	return name
}

// isStateFile reports whether name is a key file rather than a lock or temp file.
func isStateFile(name string) bool {
	return name != "" && !strings.HasPrefix(name, ".") && !strings.HasSuffix(name, ".tmp")
}

type fileLock struct {
	flock *flock.Flock
}

// acquireLock obtains an exclusive lock on the state directory.
//
// Fail-open: returns nil (with no error) if the lock cannot be acquired within
// LockTimeout. Concurrent writers are tolerated by design; the lock only keeps
// the common case tidy.
func (s *FileStore) acquireLock() (*fileLock, error) {
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return nil, err
	}

	fl := flock.New(s.lockPath())

	ctx, cancel := context.WithTimeout(context.Background(), LockTimeout)
	defer cancel()

	locked, err := fl.TryLockContext(ctx, 10*time.Millisecond)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, err
	}
	if !locked {
		return nil, nil
	}
	return &fileLock{flock: fl}, nil
}

func (fl *fileLock) release() error {
	if fl == nil || fl.flock == nil {
		return nil
	}
	return fl.flock.Unlock()
}

// Get reads the value stored under key.
func (s *FileStore) Get(key string) ([]byte, error) {
	data, err := os.ReadFile(s.Path(key)) //nolint:gosec // G304: path is built from the state dir and a sanitized key
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// Set writes value under key atomically.
func (s *FileStore) Set(key string, value []byte) error {
	lock, err := s.acquireLock()
	if err != nil {
		return err
	}
	if lock != nil {
		defer func() { _ = lock.release() }()
	}

	// Unique temp name (PID + timestamp) so fail-open writers never collide.
	dest := s.Path(key)
	tmpPath := fmt.Sprintf("%s.%d.%d.tmp", dest, os.Getpid(), time.Now().UnixNano())
	if err := os.WriteFile(tmpPath, value, 0600); err != nil {
		return err
	}

	// Windows: rename fails when destination exists.
	if runtime.GOOS == "windows" {
		_ = os.Remove(dest)
	}

	if err := os.Rename(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

// Delete removes key.
func (s *FileStore) Delete(key string) error {
	lock, err := s.acquireLock()
	if err != nil {
		return err
	}
	if lock != nil {
		defer func() { _ = lock.release() }()
	}

	err = os.Remove(s.Path(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Exists returns true if key has a value.
func (s *FileStore) Exists(key string) bool {
	_, err := os.Stat(s.Path(key))
	return err == nil
}
