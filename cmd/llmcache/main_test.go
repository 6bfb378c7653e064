package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/llmcache/pkg/cache/cachetest"
	"github.com/pario-ai/llmcache/pkg/cache/sqlite"
	"github.com/pario-ai/llmcache/pkg/fingerprint"
	"github.com/pario-ai/llmcache/pkg/models"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestFingerprintCommand(t *testing.T) {
	body := `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}],"user":"u1"}`
	want, err := fingerprint.New(nil).Fingerprint(models.Scope(models.EndpointChatCompletions, "openai"), []byte(body))
	require.NoError(t, err)

	out, err := run(t, body, "fingerprint")
	require.NoError(t, err)
	assert.Equal(t, string(want)+"\n", out)

	path := filepath.Join(t.TempDir(), "req.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	out, err = run(t, "", "fingerprint", path)
	require.NoError(t, err)
	assert.Equal(t, string(want)+"\n", out)

	out, err = run(t, body, "fingerprint", "--provider", "other")
	require.NoError(t, err)
	assert.NotEqual(t, string(want)+"\n", out)
}

func TestFingerprintCommandCanonical(t *testing.T) {
	out, err := run(t, `{"stream":false, "model":"m","user":"x"}`, "fingerprint", "--canonical")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.NotContains(t, lines[0], "user")
	assert.Contains(t, lines[0], `"model":"m"`)
}

func TestFingerprintCommandRejects(t *testing.T) {
	_, err := run(t, `{"model":"m"}`, "fingerprint", "--endpoint", "embeddings")
	assert.Error(t, err)

	_, err = run(t, `not json`, "fingerprint")
	assert.Error(t, err)
}

func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "cache.db")
	cfgPath := filepath.Join(dir, "llmcache.yaml")
	cfg := "cache:\n  backend: sqlite\n  db_path: " + dbPath + "\n" +
		"providers:\n  - name: openai\n    url: http://127.0.0.1:1\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o600))
	return cfgPath, dbPath
}

func TestCacheCommands(t *testing.T) {
	cfgPath, dbPath := writeConfig(t)

	s, err := sqlite.New(dbPath)
	require.NoError(t, err)
	atomic := cachetest.AtomicEntry(cachetest.KeyOf("a"), `{"id":"1"}`)
	chunked := cachetest.ChunkedEntry(cachetest.KeyOf("b"), "data: x\n\n", "data: [DONE]\n\n")
	require.NoError(t, s.Insert(context.Background(), atomic))
	require.NoError(t, s.Insert(context.Background(), chunked))
	require.NoError(t, s.Close())

	out, err := run(t, "", "cache", "stats", "-c", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Entries: 2")
	assert.Contains(t, out, "Chunked: 1")

	out, err = run(t, "", "cache", "show", string(chunked.Key), "-c", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "chunked")
	assert.Contains(t, out, "--- chunk 1\ndata: [DONE]")

	out, err = run(t, "", "cache", "show", string(chunked.Key), "--raw", "-c", cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "data: x\n\ndata: [DONE]\n\n", out)

	_, err = run(t, "", "cache", "show", "nothex", "-c", cfgPath)
	assert.Error(t, err)

	out, err = run(t, "", "cache", "clear", "-c", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Cleared 2")

	_, err = run(t, "", "cache", "show", string(atomic.Key), "-c", cfgPath)
	assert.Error(t, err)
}

func TestLoadConfigExplicitMissingFile(t *testing.T) {
	_, err := run(t, "", "cache", "stats", "-c", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
