package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	require.NoError(t, run(args, &out))
	return out.String()
}

func TestCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")

	runCLI(t, "--path", path, "put", "b", "two", "--version", "2")
	runCLI(t, "--path", path, "put", "a", "one")
	runCLI(t, "--path", path, "put", "c", "three")

	assert.Equal(t, "b\ttwo\t2\n", runCLI(t, "--path", path, "get", "b"))
	assert.Equal(t, "a\tone\nb\ttwo\nc\tthree\n", runCLI(t, "--path", path, "range"))
	assert.Equal(t, "c\tthree\nb\ttwo\n", runCLI(t, "--path", path, "range", "--reverse", "--limit", "2"))
	assert.Equal(t, "b\ttwo\n", runCLI(t, "--path", path, "range", "--start", "b", "--end", "c"))

	runCLI(t, "--path", path, "remove", "b")
	var out bytes.Buffer
	assert.Error(t, run([]string{"--path", path, "get", "b"}, &out))
}

func TestConfigFile(t *testing.T) {
	dir := t.TempDir()
	config := filepath.Join(dir, "txkv.json")
	require.NoError(t, os.WriteFile(config,
		[]byte(`{"path": "`+filepath.Join(dir, "db")+`", "engine": "leveldb"}`), 0o600))

	runCLI(t, "--config", config, "--store", "notes", "put", "k", "v")
	assert.Equal(t, "k\tv\t0\n", runCLI(t, "--config", config, "--store", "notes", "get", "k"))

	out := runCLI(t, "--config", config, "bench", "--writers", "2", "--ops", "50")
	assert.Contains(t, out, "100 writes")
}

func TestUsageErrors(t *testing.T) {
	var out bytes.Buffer
	assert.Error(t, run([]string{"get", "k"}, &out), "missing path")
	assert.Error(t, run([]string{"--path", t.TempDir(), "--engine", "lmdb", "get", "k"}, &out))
	assert.Error(t, run([]string{"--path", t.TempDir(), "frobnicate"}, &out))
}
