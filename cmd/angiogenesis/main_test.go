package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/angiogenesis/internal/persistence"
)

const smallRun = `
run:
  seed: 11
  workers: 1
  report_every: 0
  checkpoint_every: 2
domain:
  min: [0, 0, 0]
  max: [40, 40, 40]
  voxel_size: 5
trunk:
  start: [5, 5, 20]
  segments: 6
tumour:
  position: [20, 30, 20]
logging:
  level: error
  format: text
`

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(smallRun), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func lastTick(t *testing.T, dbPath string) string {
	t.Helper()
	db, err := persistence.Open(dbPath)
	require.NoError(t, err)
	defer db.Close()
	tick, err := db.GetMeta("last_tick")
	require.NoError(t, err)
	return tick
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "angiogenesis version "+version)
}

func TestConfigCmd(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, "config", "--config", writeConfig(t, dir))
	require.NoError(t, err)
	assert.Contains(t, out, "voxel_size: 5")
	assert.Contains(t, out, "segments: 6")

	out, err = execute(t, "config", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"voxel_size": 7`)
}

func TestConfigCmdRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("domain:\n  voxel_size: 0\n"), 0o644))
	_, err := execute(t, "config", "--config", path)
	assert.ErrorContains(t, err, "invalid configuration")
}

func TestRunResumesFromDatabase(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)
	dbPath := filepath.Join(dir, "data", "run.db")

	_, err := execute(t, "run", "--config", cfgPath, "--db", dbPath, "--steps", "4")
	require.NoError(t, err)
	assert.Equal(t, "4", lastTick(t, dbPath))

	_, err = execute(t, "run", "--config", cfgPath, "--db", dbPath, "--steps", "3")
	require.NoError(t, err)
	assert.Equal(t, "7", lastTick(t, dbPath))

	_, err = execute(t, "run", "--config", cfgPath, "--db", dbPath, "--steps", "2", "--fresh")
	require.NoError(t, err)
	assert.Equal(t, "2", lastTick(t, dbPath))
}

func TestRunRejectsBadFlags(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, "run", "--config", writeConfig(t, dir), "--db", filepath.Join(dir, "x.db"), "--log-level", "loud")
	assert.ErrorContains(t, err, "invalid log level")
}

func TestRunWithoutDatabase(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)
	t.Chdir(dir)

	_, err := execute(t, "run", "--config", cfgPath, "--db", "", "--steps", "3")
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "only the config file is written")
	assert.Equal(t, "run.yaml", entries[0].Name())
}
