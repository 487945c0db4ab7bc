package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestJSONLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&Config{Level: InfoLevel, Format: "json", Output: &buf}).
		WithFields(map[string]interface{}{"worker_id": "w-1"})

	l.Debug("hidden")
	l.Info("Batch finished", "job_id", "abc", "sent", 20)
	l.Error(errors.New("smtp down"), "Send failed")

	got := lines(t, &buf)
	require.Len(t, got, 2)
	assert.Equal(t, "Batch finished", got[0]["message"])
	assert.Equal(t, "abc", got[0]["job_id"])
	assert.Equal(t, float64(20), got[0]["sent"])
	assert.Equal(t, "w-1", got[0]["worker_id"])
	assert.Equal(t, "error", got[1]["level"])
	assert.Equal(t, "smtp down", got[1]["error"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, WarnLevel, ParseLevel(" warn "))
	assert.Equal(t, InfoLevel, ParseLevel(""))
	assert.Equal(t, InfoLevel, ParseLevel("loud"))
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broadcast.log")
	var buf bytes.Buffer
	l := NewLogger(&Config{
		Level:  InfoLevel,
		Format: "json",
		Output: &buf,
		File:   &FileConfig{Path: path, MaxSizeMB: 1},
	})
	l.Info("Job completed")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Job completed")
	assert.Contains(t, buf.String(), "Job completed")
}

func TestNopDiscards(t *testing.T) {
	assert.NotPanics(t, func() {
		Nop().Info("ignored", "k", "v")
	})
}
