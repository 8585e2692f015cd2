package runner

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa-io/osa/internal/domain"
)

func newTestWorkspace(t *testing.T) *Workspace {
	t.Helper()

	ws, err := NewWorkspace(t.TempDir())
	require.NoError(t, err)

	return ws
}

func writeOutput(t *testing.T, ws *Workspace, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(ws.OutDir(), name), []byte(content), 0o640))
}

func TestWorkspace_Layout(t *testing.T) {
	ws := newTestWorkspace(t)

	for _, dir := range []string{ws.InDir(), ws.OutDir(), ws.InFilesDir()} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestWorkspace_WriteInputs(t *testing.T) {
	ws := newTestWorkspace(t)

	require.NoError(t, ws.WriteRecord(json.RawMessage(`{"title":"lysozyme"}`)))
	require.NoError(t, ws.WriteConfig(map[string]any{"threshold": 0.8}))

	record, err := os.ReadFile(filepath.Join(ws.InDir(), "record.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"lysozyme"}`, string(record))

	cfg, err := os.ReadFile(filepath.Join(ws.InDir(), "config.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"threshold":0.8}`, string(cfg))

	// Nil config writes no file.
	other := newTestWorkspace(t)
	require.NoError(t, other.WriteConfig(nil))
	_, err = os.Stat(filepath.Join(other.InDir(), "config.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestWorkspace_ReadProgress(t *testing.T) {
	ws := newTestWorkspace(t)

	writeOutput(t, ws, "progress.jsonl",
		`{"status":"running","step":"parse"}
not json at all
{"no_status":"here"}

{"status":"rejected","message":"missing coordinates"}
`)

	entries, err := ws.ReadProgress()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "parse", entries[0].Step)
	assert.Equal(t, "missing coordinates", entries[1].Message)
}

func TestWorkspace_ReadProgress_Missing(t *testing.T) {
	entries, err := newTestWorkspace(t).ReadProgress()
	require.NoError(t, err)
	assert.Nil(t, entries)
}

func TestWorkspace_ReadFeatures(t *testing.T) {
	t.Run("list", func(t *testing.T) {
		ws := newTestWorkspace(t)
		writeOutput(t, ws, "features.json", `[{"pocket_count":3},{"pocket_count":1}]`)

		rows, found, err := ws.ReadFeatures()
		require.NoError(t, err)
		assert.True(t, found)
		require.Len(t, rows, 2)
		assert.Equal(t, float64(3), rows[0]["pocket_count"])
	})

	t.Run("single object wrapped", func(t *testing.T) {
		ws := newTestWorkspace(t)
		writeOutput(t, ws, "features.json", `{"pocket_count":3}`)

		rows, found, err := ws.ReadFeatures()
		require.NoError(t, err)
		assert.True(t, found)
		require.Len(t, rows, 1)
	})

	t.Run("missing", func(t *testing.T) {
		rows, found, err := newTestWorkspace(t).ReadFeatures()
		require.NoError(t, err)
		assert.False(t, found)
		assert.Nil(t, rows)
	})

	t.Run("invalid", func(t *testing.T) {
		ws := newTestWorkspace(t)
		writeOutput(t, ws, "features.json", `{"broken`)

		_, _, err := ws.ReadFeatures()
		assert.ErrorIs(t, err, domain.ErrValidation)
	})
}

func TestWorkspace_ReadRecords(t *testing.T) {
	ws := newTestWorkspace(t)

	writeOutput(t, ws, "records.jsonl",
		`{"id":"r1"}
{"id":"r2"}
`)

	records, err := ws.ReadRecords()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.JSONEq(t, `{"id":"r2"}`, string(records[1]))
}

func TestWorkspace_ReadRecords_InvalidLine(t *testing.T) {
	ws := newTestWorkspace(t)
	writeOutput(t, ws, "records.jsonl", "{\"id\":\"r1\"}\nbroken line\n")

	_, err := ws.ReadRecords()
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestWorkspace_ReadSession(t *testing.T) {
	ws := newTestWorkspace(t)

	session, err := ws.ReadSession()
	require.NoError(t, err)
	assert.Nil(t, session)

	writeOutput(t, ws, "session.json", `{"cursor":"2026-01-01"}`)

	session, err = ws.ReadSession()
	require.NoError(t, err)
	assert.JSONEq(t, `{"cursor":"2026-01-01"}`, string(session))

	writeOutput(t, ws, "session.json", `not json`)

	_, err = ws.ReadSession()
	assert.ErrorIs(t, err, domain.ErrValidation)
}
