package artifacts

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() func() time.Time {
	return func() time.Time { return time.Date(2026, 2, 4, 10, 30, 5, 0, time.UTC) }
}

func TestFileStoreSave(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "generated_images")
	store := NewFileStore(dir, WithClock(fixedClock()))

	path, err := store.Save(context.Background(), []byte("png-bytes"))

	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "quadro_20260204_103005.png"), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), data)
}

func TestFileStoreNeverOverwrites(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir, WithClock(fixedClock()))

	first, err := store.Save(context.Background(), []byte("one"))
	require.NoError(t, err)
	second, err := store.Save(context.Background(), []byte("two"))
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Equal(t, filepath.Join(dir, "quadro_20260204_103005_1.png"), second)

	data, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), data)
}

func TestFileStoreCancelledContext(t *testing.T) {
	store := NewFileStore(t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Save(ctx, []byte("x"))
	assert.ErrorIs(t, err, context.Canceled)
}
