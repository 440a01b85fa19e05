package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/funnel/internal/store"
	"github.com/rendis/funnel/pkg/schema"
)

const greetYAML = `
name: greet
stages:
  - name: hello
    actions:
      - send: {text: "Hi {{ contact }}"}
    next:
      - end: COMPLETED
`

// execute runs the CLI with a throwaway settings file and database.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", filepath.Join(t.TempDir(), "none.json")}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func testDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "funnel.db")
	t.Setenv("FUNNEL_DB_PATH", path)
	return path
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()

	out, err := execute(t, "validate", writeFile(t, dir, "greet.yaml", greetYAML))
	require.NoError(t, err)
	assert.Contains(t, out, "greet.yaml: ok")

	broken := writeFile(t, dir, "broken.yaml", `
name: broken
stages:
  - name: a
    next:
      - when: 'reply =='
        stage: nowhere
`)
	out, err = execute(t, "validate", broken)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation) || schema.IsCode(err, schema.ErrCodeExpression))
	assert.Contains(t, out, "error")

	out, err = execute(t, "--format", "json", "validate", broken)
	require.Error(t, err)
	var report validateReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.False(t, report.Valid)
	assert.NotEmpty(t, report.Errors)
}

func TestValidateCommand_Routes(t *testing.T) {
	dir := t.TempDir()
	good := writeFile(t, dir, "routes.yaml", "rules:\n  - name: all\n    script: {name: greet}\n")
	out, err := execute(t, "validate", "--routes", good)
	require.NoError(t, err)
	assert.Contains(t, out, "ok")

	bad := writeFile(t, dir, "bad.yaml", "rules:\n  - name: all\n")
	_, err = execute(t, "validate", "--routes", bad)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfiguration))
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, "--format", "xml", "validate", "x.yaml")
	assert.ErrorContains(t, err, "invalid format")
}

func TestSecretCommands(t *testing.T) {
	testDB(t)

	_, err := execute(t, "secret", "set", "crm_token", "s3cr3t")
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfiguration), "no passphrase configured")

	t.Setenv("FUNNEL_SAFEVAR_PASSPHRASE", "correct horse")
	t.Setenv("FUNNEL_SAFEVAR_SALT", "battery staple")

	out, err := execute(t, "secret", "set", "crm_token", "s3cr3t")
	require.NoError(t, err)
	assert.Contains(t, out, "stored crm_token")

	out, err = execute(t, "--format", "json", "secret", "list")
	require.NoError(t, err)
	var names []string
	require.NoError(t, json.Unmarshal([]byte(out), &names))
	assert.Equal(t, []string{"crm_token"}, names)
}

func seedConversation(t *testing.T, dbPath string) {
	t.Helper()
	ctx := context.Background()
	st, err := openStore(ctx, Config{DBPath: dbPath})
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.CreateConversation(ctx, &store.Conversation{
		ID: "conv-1", AutomationID: "auto-1", Contact: "+5491100000000",
		Script: schema.ScriptRef{Name: "greet"}, Status: schema.StatusExecuting, CurrentStage: "hello", StageRun: 1,
	}))
	require.NoError(t, st.AppendPath(ctx, &store.PathRecord{ConversationID: "conv-1", StageName: schema.StageStart}))
	require.NoError(t, st.AppendPath(ctx, &store.PathRecord{ConversationID: "conv-1", StageName: "hello"}))
	_, err = st.AddTag(ctx, "conv-1", "vip")
	require.NoError(t, err)
	require.NoError(t, st.RecordExecution(ctx, &store.ExecutionEntry{
		Coordinate: store.Coordinate{ScriptID: "conv-1", AutomationID: "auto-1", Run: 1, Sequence: 1},
		StageName:  "hello", FuncName: "send_message", DurationMs: 3,
	}))
	require.NoError(t, st.RecordExecution(ctx, &store.ExecutionEntry{
		Coordinate: store.Coordinate{ScriptID: "conv-1", AutomationID: "auto-1", Run: 1, Sequence: 2},
		StageName:  "hello", FuncName: "crm_sync", Error: "crm unavailable",
	}))
	require.NoError(t, st.AppendScriptLog(ctx, &store.ScriptLog{ScriptID: "conv-1", AutomationID: "auto-1", Level: store.LogError, Text: "crm down"}))
	require.NoError(t, st.AppendScriptLog(ctx, &store.ScriptLog{ScriptID: "conv-1", AutomationID: "auto-1", Level: store.LogInfo, Text: "greeted"}))
}

func TestStatusCommand(t *testing.T) {
	seedConversation(t, testDB(t))

	out, err := execute(t, "status", "conv-1")
	require.NoError(t, err)
	assert.Contains(t, out, "EXECUTING")
	assert.Contains(t, out, "_start > hello")
	assert.Contains(t, out, "vip")

	out, err = execute(t, "--format", "json", "status", "conv-1")
	require.NoError(t, err)
	var got struct {
		Conversation store.Conversation `json:"conversation"`
		Path         []string           `json:"path"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "hello", got.Conversation.CurrentStage)
	assert.Equal(t, []string{schema.StageStart, "hello"}, got.Path)

	_, err = execute(t, "status", "missing")
	assert.Error(t, err)
}

func TestExecutionsCommand(t *testing.T) {
	seedConversation(t, testDB(t))

	out, err := execute(t, "executions", "conv-1")
	require.NoError(t, err)
	assert.Contains(t, out, "send_message")
	assert.Contains(t, out, "crm_sync")

	out, err = execute(t, "--format", "json", "executions", "--failed", "conv-1")
	require.NoError(t, err)
	var entries []store.ExecutionEntry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "crm unavailable", entries[0].Error)
}

func TestLogsCommand(t *testing.T) {
	seedConversation(t, testDB(t))

	out, err := execute(t, "logs", "conv-1")
	require.NoError(t, err)
	assert.Contains(t, out, "ERROR crm down")
	assert.Contains(t, out, "greeted")

	out, err = execute(t, "logs", "--level", "error", "conv-1")
	require.NoError(t, err)
	assert.Contains(t, out, "crm down")
	assert.NotContains(t, out, "greeted")
}

func TestServeRequiresAutomation(t *testing.T) {
	testDB(t)
	t.Setenv("FUNNEL_AUTOMATION_ID", "")
	_, err := execute(t, "serve")
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfiguration))
}

func TestDiagramCommand(t *testing.T) {
	dbPath := testDB(t)
	seedConversation(t, dbPath)
	file := writeFile(t, t.TempDir(), "greet.yaml", greetYAML)

	out, err := execute(t, "diagram", file)
	require.NoError(t, err)
	assert.Contains(t, out, "[hello]")
	assert.Contains(t, out, "--> END COMPLETED")

	out, err = execute(t, "diagram", "--render", "mermaid", "--conversation", "conv-1", file)
	require.NoError(t, err)
	assert.Regexp(t, `hello[\[{].*:::current`, out)

	_, err = execute(t, "diagram", "--render", "gif", file)
	assert.ErrorContains(t, err, "invalid render")
}
