package logging

import (
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iinaplus/bridge/backend/config"
)

func TestManagerRotatesDaily(t *testing.T) {
	dir := t.TempDir()
	day := time.Date(2026, 3, 1, 23, 59, 0, 0, time.Local)
	manager := &Manager{now: func() time.Time { return day }}
	t.Cleanup(func() { _ = manager.Close() })

	require.NoError(t, manager.Update(config.Config{DataDir: dir, EnableDebugLogs: true}))
	assert.Equal(t, filepath.Join(dir, "log", "iinaplus-20260301.log"), manager.FilePath())

	require.NoError(t, manager.Rotate())
	assert.Equal(t, filepath.Join(dir, "log", "iinaplus-20260301.log"), manager.FilePath())

	day = day.Add(2 * time.Minute)
	require.NoError(t, manager.Rotate())
	assert.Equal(t, filepath.Join(dir, "log", "iinaplus-20260302.log"), manager.FilePath())
	assert.FileExists(t, manager.FilePath())

	require.NoError(t, manager.Update(config.Config{DataDir: dir}))
	assert.Empty(t, manager.FilePath())
}

func TestManagerTail(t *testing.T) {
	dir := t.TempDir()
	manager := &Manager{now: time.Now}
	t.Cleanup(func() { _ = manager.Close() })

	lines, err := manager.Tail(5)
	require.NoError(t, err)
	assert.Nil(t, lines)

	require.NoError(t, manager.Update(config.Config{DataDir: dir, EnableDebugLogs: true}))
	log.Printf("[test] first")
	log.Printf("[test] second")
	lines, err = manager.Tail(2)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "[test] first")
	assert.Contains(t, lines[1], "[test] second")
}
