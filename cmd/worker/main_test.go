package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/context-engine/backend/internal/ingestion"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestWorkerEmitsParseableChunks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.txt")
	require.NoError(t, os.WriteFile(path, []byte("Revenue grew.\n\nCosts fell sharply."), 0o644))

	out, err := execute(t, "--document-path", path, "--document-id", "d1", "--max-chars", "20")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)

	var events []ingestion.Event
	for _, line := range lines {
		ev, err := ingestion.ParseEvent([]byte(line))
		require.NoError(t, err)
		events = append(events, ev)
	}
	assert.Equal(t, "Revenue grew.", events[0].Content)
	assert.Equal(t, 0, events[0].Index)
	assert.Equal(t, "Costs fell sharply.", events[1].Content)
	assert.Equal(t, 1, events[1].Index)
}

func TestWorkerRequiresDocumentPath(t *testing.T) {
	_, err := execute(t)
	assert.Error(t, err)
}

func TestWorkerRejectsBadMaxChars(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	_, err := execute(t, "--document-path", path, "--max-chars", "0")
	assert.ErrorContains(t, err, "max-chars")
}

func TestWorkerUnsupportedFile(t *testing.T) {
	_, err := execute(t, "--document-path", "/tmp/archive.zip")
	assert.Error(t, err)
}

func TestReportFailureIsAnErrorEvent(t *testing.T) {
	var buf bytes.Buffer
	reportFailure(&buf, errors.New("cannot open file"))

	ev, err := ingestion.ParseEvent(bytes.TrimSpace(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, ingestion.EventError, ev.Type)
	assert.Equal(t, "cannot open file", ev.Message)
}
