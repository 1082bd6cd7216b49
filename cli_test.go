package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	jsonOutput = false
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	err := rootCmd.Execute()
	return out.String(), err
}

func writeCLIConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "spamxpert.yaml")
	cfg := "database:\n  driver: sqlite\n  dsn: " + filepath.Join(dir, "logs.db") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path
}

func TestCLIConfigSetAndShow(t *testing.T) {
	path := writeCLIConfig(t)

	out, err := runCLI(t, "--config", path, "config", "set", "honeypot_count", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "honeypot_count = 5")

	out, err = runCLI(t, "--config", path, "config", "show")
	require.NoError(t, err)
	var o Options
	require.NoError(t, json.Unmarshal([]byte(out), &o))
	assert.Equal(t, 5, o.HoneypotCount)

	_, err = runCLI(t, "--config", path, "config", "set", "honeypot_count", "9")
	assert.ErrorIs(t, err, ErrInvalidSetting)
}

func TestCLILogs(t *testing.T) {
	path := writeCLIConfig(t)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	ctx := context.Background()
	store, attempts, err := openAttempts(ctx, cfg, NewSettings(cfg.Options, ""), nil)
	require.NoError(t, err)
	require.NoError(t, attempts.Record(ctx, Attempt{FormType: "wp_login", IP: "203.0.113.1", Reason: ReasonTooFast, Score: 90}))
	require.NoError(t, attempts.Record(ctx, Attempt{FormType: "wp_comments", IP: "203.0.113.2", Reason: ReasonHoneypotFilled, Score: 100}))
	require.NoError(t, store.Close())

	out, err := runCLI(t, "--config", path, "logs", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "too_fast_submission")
	assert.Contains(t, out, "page 1 of 1 (2 entries)")

	out, err = runCLI(t, "--config", path, "--json", "logs", "stats")
	require.NoError(t, err)
	var st LogStats
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, 2, st.Total)

	out, err = runCLI(t, "--config", path, "logs", "export")
	require.NoError(t, err)
	assert.Equal(t, 3, len(strings.Split(strings.TrimSpace(out), "\n")))

	_, err = runCLI(t, "--config", path, "logs", "delete", "x")
	assert.Error(t, err)

	out, err = runCLI(t, "--config", path, "logs", "clear")
	require.NoError(t, err)
	assert.Contains(t, out, "deleted 2 entries")
}
