package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/anchorflow/pkg/types"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd("1.2.3")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestNewRootCmd(t *testing.T) {
	cmd := NewRootCmd("1.0.0")
	assert.Equal(t, "anchorflow", cmd.Use)
	assert.Equal(t, "1.0.0", cmd.Version)
	assert.NotNil(t, cmd.PersistentFlags().Lookup("config"))

	names := make([]string, 0)
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"serve", "replay", "version"})
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "anchorflow 1.2.3\n", out)
}

func writeReplayFile(t *testing.T, pairs int) string {
	t.Helper()
	base := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	var b strings.Builder
	b.WriteString("events:\n")
	for i := 0; i < pairs; i++ {
		at := base.Add(time.Duration(i) * time.Hour)
		fmt.Fprintf(&b, "  - {id: email-%d, timestamp: \"%s\", event_type: communication, stream_id: email, content: {subject: status}}\n",
			i, at.Format(time.RFC3339))
		fmt.Fprintf(&b, "  - {id: doc-%d, timestamp: \"%s\", event_type: storage, stream_id: document, content: {file_path: /notes.md}}\n",
			i, at.Add(5*time.Minute).Format(time.RFC3339))
	}
	path := filepath.Join(t.TempDir(), "events.yaml")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o600))
	return path
}

func TestReplayCmd(t *testing.T) {
	path := writeReplayFile(t, 5)

	out, err := execute(t, "replay", path, "--dsn", ":memory:", "--json", "--log-level", "error")
	require.NoError(t, err, out)

	var s ReplaySummary
	require.NoError(t, json.Unmarshal([]byte(out), &s))
	assert.Equal(t, 10, s.Events)
	assert.Equal(t, int64(10), s.Processed)
	assert.Zero(t, s.Failed)
	assert.Positive(t, s.ByPattern[types.PatternSequential])
	assert.Positive(t, s.Anchors)
}

func TestReplayCmd_TextSummary(t *testing.T) {
	path := writeReplayFile(t, 3)

	out, err := execute(t, "replay", path, "--dsn", ":memory:", "--log-level", "error")
	require.NoError(t, err, out)
	assert.Contains(t, out, "events:       6")
	assert.Contains(t, out, "processed:    6 (failed 0)")
}

func TestReplayCmd_Errors(t *testing.T) {
	_, err := execute(t, "replay")
	assert.Error(t, err, "file argument is required")

	_, err = execute(t, "replay", filepath.Join(t.TempDir(), "missing.yaml"), "--dsn", ":memory:")
	assert.Error(t, err)

	cfgPath := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("storage:\n  driver: oracle\n"), 0o600))
	_, err = execute(t, "replay", writeReplayFile(t, 1), "--config", cfgPath)
	assert.ErrorContains(t, err, "load config")
}
