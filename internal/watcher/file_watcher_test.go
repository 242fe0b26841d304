package watcher

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/assessment"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestFileWatcher_DebouncesWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "assessment.yaml")
	require.NoError(t, os.WriteFile(path, []byte("unique_screens: 1\n"), 0o644))

	var calls int32
	fw, err := NewFileWatcher(path, func(_ context.Context, p string) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}, testLogger())
	require.NoError(t, err)
	fw.SetDebounce(100 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, fw.Start(ctx))
	defer fw.Stop()

	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(path, []byte("unique_screens: 2\n"), 0o644))
	}
	// 同目录下的其他文件不触发
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1\n"), 0o644))

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&calls) >= 1 }, 3*time.Second, 20*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestReloadWatcher_ReloadsAssessmentConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "assessment.yaml")
	require.NoError(t, os.WriteFile(path, []byte("unique_screens: 3\n"), 0o644))

	mgr, err := assessment.NewCredentialManager(path, testLogger())
	require.NoError(t, err)
	require.Equal(t, 3, mgr.Config().UniqueScreens)

	fw, err := NewReloadWatcher(path, mgr, testLogger())
	require.NoError(t, err)
	fw.SetDebounce(50 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, fw.Start(ctx))
	defer fw.Stop()

	updated := "unique_screens: 7\napp_notes:\n  - app_name: Calm\n    notes: PIN is 4321\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	assert.Eventually(t, func() bool { return mgr.Config().UniqueScreens == 7 }, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, "PIN is 4321", mgr.AppNotes("Calm"))
}

func TestNewFileWatcher_MissingFile(t *testing.T) {
	_, err := NewFileWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil, testLogger())
	assert.Error(t, err)
}

func TestFileWatcher_StopIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.yaml")
	require.NoError(t, os.WriteFile(path, []byte("task: x\n"), 0o644))
	fw, err := NewFileWatcher(path, func(context.Context, string) error { return nil }, testLogger())
	require.NoError(t, err)
	assert.Equal(t, path, fw.Path())
	assert.NoError(t, fw.Stop())
	assert.NoError(t, fw.Stop())
}
