package service

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedExport(t *testing.T, env *testEnv) {
	t.Helper()
	run := env.createRun(t, "e1", "r1")
	require.NoError(t, env.logs.AppendLogs(env.ctx, run.ID, []LogInput{
		{Number: 1, Type: "trial", Values: map[string]any{"rt": 350, "key": "f"}},
		{Number: 2, Type: "trial", Values: map[string]any{"rt": 412.5, "tags": []string{"a"}}},
	}))
}

func TestExport_CSV(t *testing.T) {
	env := newTestEnv(t)
	seedExport(t, env)

	var buf bytes.Buffer
	require.NoError(t, env.svc.Exporter.Export(env.ctx, &buf, FormatCSV, LogFilter{}))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"experiment", "run", "run_status", "log_number", "log_type", "key", "rt", "tags"},
		{"e1", "r1", "running", "1", "trial", "f", "350", ""},
		{"e1", "r1", "running", "2", "trial", "", "412.5", `["a"]`},
	}, records)
}

func TestExport_JSON(t *testing.T) {
	env := newTestEnv(t)
	seedExport(t, env)

	var buf bytes.Buffer
	require.NoError(t, env.svc.Exporter.Export(env.ctx, &buf, FormatJSON, LogFilter{}))

	var records []LogRecord
	require.NoError(t, json.Unmarshal(buf.Bytes(), &records))
	require.Len(t, records, 2)
	assert.Equal(t, 2, records[1].Number)
	assert.JSONEq(t, `412.5`, string(records[1].Values["rt"]))
}

func TestExport_EmptyAndUnknownFormat(t *testing.T) {
	env := newTestEnv(t)

	var buf bytes.Buffer
	require.NoError(t, env.svc.Exporter.Export(env.ctx, &buf, FormatJSON, LogFilter{}))
	assert.Equal(t, "[]\n", buf.String())

	assert.Error(t, env.svc.Exporter.Export(env.ctx, &buf, "xml", LogFilter{}))
}
