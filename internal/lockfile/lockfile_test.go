package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireWritesPID(t *testing.T) {
	dir := t.TempDir()

	l, err := Acquire(dir, nil)
	require.NoError(t, err)
	defer l.Release()

	assert.Equal(t, filepath.Join(dir, FileName), l.Path())
	content, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("pid=%d\n", os.Getpid()), string(content))
}

func TestAcquireConflict(t *testing.T) {
	dir := t.TempDir()

	first, err := Acquire(dir, nil)
	require.NoError(t, err)
	defer first.Release()

	second, err := Acquire(dir, nil)
	if err == nil {
		second.Release()
		t.Fatal("second Acquire on a held directory should fail")
	}

	var lockErr *LockError
	require.True(t, errors.As(err, &lockErr), "got %T", err)
	assert.ErrorIs(t, err, ErrHeld)
	assert.Contains(t, err.Error(), dir)
	assert.Contains(t, lockErr.Holder, fmt.Sprintf("pid %d", os.Getpid()))

	// The failed attempt must not clobber the holder's pid.
	content, err := os.ReadFile(first.Path())
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("pid=%d\n", os.Getpid()), string(content))
}

func TestReleaseRemovesFileAndIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	l, err := Acquire(dir, nil)
	require.NoError(t, err)

	require.NoError(t, l.Release())
	_, err = os.Stat(filepath.Join(dir, FileName))
	assert.True(t, os.IsNotExist(err))

	assert.NoError(t, l.Release())
}

func TestReacquireAfterRelease(t *testing.T) {
	dir := t.TempDir()
	first, err := Acquire(dir, nil)
	require.NoError(t, err)
	require.NoError(t, first.Release())

	second, err := Acquire(dir, nil)
	require.NoError(t, err)
	defer second.Release()
}

func TestAcquireCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")

	l, err := Acquire(dir, nil)
	require.NoError(t, err)
	defer l.Release()

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestParsePID(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
	}{
		{"valid pid", "pid=12345\n", 12345},
		{"pid with extra content", "pid=67890\nother=info", 67890},
		{"pid after other line", "host=a\npid=42\n", 42},
		{"no pid", "other=info", 0},
		{"empty content", "", 0},
		{"invalid pid", "pid=abc", 0},
		{"no equals", "pid12345", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parsePID(tt.content))
		})
	}
}

func TestProcessAlive(t *testing.T) {
	assert.True(t, processAlive(os.Getpid()))
}
