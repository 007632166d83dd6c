package catalog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/taskforge/pkg/rbac"
)

// countingTarget counts how many syncs reached the engine
type countingTarget struct {
	syncs atomic.Int32
}

func (c *countingTarget) RegisterPermissions(_ context.Context, perms []rbac.Permission) (int, error) {
	c.syncs.Add(1)
	return 0, nil
}

func (c *countingTarget) CreateSystemTemplate(_ context.Context, in rbac.SystemTemplateInput) (*rbac.RoleTemplate, rbac.UpsertOutcome, error) {
	return &rbac.RoleTemplate{Name: in.Name}, rbac.OutcomeUnchanged, nil
}

func TestWatcher(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	writeCatalog(t, path, testCatalog)

	target := &countingTarget{}
	syncer := NewSyncer(NewFileSource(path), target, WithLogger(quietLogger()))

	w, err := NewWatcher(path, syncer, 50*time.Millisecond, quietLogger())
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// a burst of writes collapses into one sync
	edited := strings.Replace(testCatalog, "level: 10", "level: 11", 1)
	for i := 0; i < 3; i++ {
		writeCatalog(t, path, edited)
	}
	assert.Eventually(t, func() bool { return target.syncs.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	// rewriting the same content is skipped by checksum
	writeCatalog(t, path, edited)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1), target.syncs.Load())

	// other files in the directory are ignored
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1), target.syncs.Load())

	// replacing the file by rename is noticed
	tmp := filepath.Join(dir, "catalog.yaml.tmp")
	writeCatalog(t, tmp, strings.Replace(testCatalog, "level: 10", "level: 12", 1))
	require.NoError(t, os.Rename(tmp, path))
	assert.Eventually(t, func() bool { return target.syncs.Load() == 2 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestNewWatcher_MissingDirectory(t *testing.T) {
	syncer := NewSyncer(NewFileSource("x"), &countingTarget{}, WithLogger(quietLogger()))
	_, err := NewWatcher(filepath.Join(t.TempDir(), "missing", "catalog.yaml"), syncer, 0, nil)
	assert.Error(t, err)
}
