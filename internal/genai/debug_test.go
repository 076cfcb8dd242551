package genai

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func debugClient(chat chatService, enabled bool, stateDir string) *Client {
	return &Client{chat: chat, model: "analysis-model", debugMode: enabled, stateDir: stateDir}
}

// readDebugRecords decodes every file under <stateDir>/debug.
func readDebugRecords(t *testing.T, stateDir string) []map[string]any {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(stateDir, "debug"))
	require.NoError(t, err)
	var out []map[string]any
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(stateDir, "debug", e.Name()))
		require.NoError(t, err)
		var rec map[string]any
		require.NoError(t, json.Unmarshal(data, &rec), e.Name())
		out = append(out, rec)
	}
	return out
}

func TestDebugModeRecordsAnalysisCall(t *testing.T) {
	dir := t.TempDir()
	client := debugClient(&mockChatService{resp: reply(`{"riskLevel":"LOW"}`)}, true, dir)

	_, err := client.GenerateJSON(context.Background(), "You are a care assistant", "weight 82kg")
	require.NoError(t, err)

	recs := readDebugRecords(t, dir)
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, "GenerateJSON", rec["method"])
	assert.Equal(t, "analysis-model", rec["model"])
	for _, field := range []string{"timestamp", "request", "response"} {
		assert.Contains(t, rec, field)
	}
	assert.NotContains(t, rec, "error")
}

func TestDebugModeRecordsFailedCall(t *testing.T) {
	dir := t.TempDir()
	client := debugClient(&mockChatService{err: errors.New("rate limited")}, true, dir)

	_, err := client.GeneratePrompt(context.Background(), "sys", "usr")
	require.Error(t, err)

	recs := readDebugRecords(t, dir)
	require.Len(t, recs, 1)
	assert.Equal(t, "rate limited", recs[0]["error"])
	assert.NotContains(t, recs[0], "response")
}

func TestDebugModeOffWritesNothing(t *testing.T) {
	dir := t.TempDir()
	client := debugClient(&mockChatService{resp: reply("ok")}, false, dir)

	_, err := client.GeneratePrompt(context.Background(), "sys", "usr")
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "debug"))
	assert.True(t, os.IsNotExist(err), "debug directory should not exist")
}
