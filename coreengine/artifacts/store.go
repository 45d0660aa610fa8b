// Package artifacts persists generated images on the local filesystem.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FilePrefix and FileExt frame every artifact name: quadro_20260102_150405.png.
const (
	FilePrefix = "quadro_"
	FileExt    = ".png"
	timeLayout = "20060102_150405"
	maxSuffix  = 100
)

// FileStore writes each artifact once under a timestamp-derived name.
type FileStore struct {
	dir   string
	clock func() time.Time
}

// Option configures a FileStore.
type Option func(*FileStore)

// WithClock overrides the timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(s *FileStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewFileStore creates a store rooted at dir. The directory is created on first save.
func NewFileStore(dir string, opts ...Option) *FileStore {
	s := &FileStore{dir: dir, clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dir returns the output directory.
func (s *FileStore) Dir() string { return s.dir }

// Save writes data to a new file and returns its path. Existing files are
// never overwritten; a same-second collision gets a numeric suffix.
func (s *FileStore) Save(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	stamp := s.clock().Format(timeLayout)
	for i := 0; i < maxSuffix; i++ {
		name := FilePrefix + stamp + FileExt
		if i > 0 {
			name = fmt.Sprintf("%s%s_%d%s", FilePrefix, stamp, i, FileExt)
		}
		path := filepath.Join(s.dir, name)

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create artifact: %w", err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			os.Remove(path)
			return "", fmt.Errorf("write artifact: %w", err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("close artifact: %w", err)
		}
		return path, nil
	}
	return "", fmt.Errorf("no free artifact name for %s after %d attempts", stamp, maxSuffix)
}
