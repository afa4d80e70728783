package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupEnv(t *testing.T) {
	t.Helper()
	t.Setenv("STORAGE_DIR", t.TempDir())
	t.Setenv("STORAGE_IN_MEMORY", "false")
	t.Setenv("REMOTE_BACKEND", "none")
	t.Setenv("SESSION_TOKEN", "")
	t.Setenv("JWT_SECRET", "")
	t.Setenv("CURRICULUM_PATH", "")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("LOG_FORMAT", "text")
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func mustExecute(t *testing.T, args ...string) string {
	t.Helper()
	out, err := execute(t, args...)
	require.NoError(t, err, strings.Join(args, " "))
	return out
}

func status(t *testing.T) statusView {
	t.Helper()
	var v statusView
	require.NoError(t, json.Unmarshal([]byte(mustExecute(t, "status", "--json")), &v))
	return v
}

func TestTopicSet_PersistsAcrossRuns(t *testing.T) {
	setupEnv(t)

	out := mustExecute(t, "topic", "set", "arrays", "in-progress")
	assert.Contains(t, out, "arrays: in-progress (+5 XP, total 5)")

	out = mustExecute(t, "topic", "set", "arrays", "complete")
	assert.Contains(t, out, "total 75")

	v := status(t)
	assert.Equal(t, "anonymous", v.User)
	assert.Equal(t, 75, v.Level.TotalXP)
	assert.Equal(t, 1, v.Completed)
	assert.Contains(t, v.Achievements, "first-complete")
	assert.Nil(t, v.Sync)
}

func TestTopicSet_Rejects(t *testing.T) {
	setupEnv(t)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"bad status", []string{"topic", "set", "arrays", "done"}, "invalid topic status"},
		{"unknown topic", []string{"topic", "set", "quantum", "complete"}, "topic not found"},
		{"missing args", []string{"topic", "set", "arrays"}, "accepts 2 arg(s)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	assert.Equal(t, 0, status(t).Level.TotalXP)
}

func TestNote(t *testing.T) {
	setupEnv(t)

	out := mustExecute(t, "note", "arrays", "two", "passes", "beat", "one")
	assert.Contains(t, out, "note saved for arrays")

	v := status(t)
	assert.Equal(t, 1, v.Streak, "a note counts as activity")
	assert.False(t, v.LastActive.IsZero())

	_, err := execute(t, "note", "arrays", "   ")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "note is empty")
}

func TestPlanAndTasks(t *testing.T) {
	setupEnv(t)

	out := mustExecute(t, "plan", "list")
	assert.Contains(t, out, "no tasks")

	out = mustExecute(t, "plan", "generate", "--start", "2026-03-02")
	assert.Contains(t, out, "generated 64 tasks from 2026-03-02")

	out = mustExecute(t, "task", "toggle", "2026-03-02-learn-arrays")
	assert.Contains(t, out, "2026-03-02-learn-arrays: done")

	out = mustExecute(t, "plan", "list")
	var toggled string
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "2026-03-02-learn-arrays") {
			toggled = line
		}
	}
	assert.True(t, strings.HasPrefix(toggled, "[x]"), toggled)

	v := status(t)
	assert.Equal(t, 1, v.Plan.Done)
	assert.Equal(t, 64, v.Plan.Total)

	_, err := execute(t, "task", "toggle", "2026-03-02-learn-nothing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task not found")

	_, err = execute(t, "plan", "generate", "--start", "03/02/2026")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--start")
}

func TestReset(t *testing.T) {
	setupEnv(t)
	mustExecute(t, "topic", "set", "arrays", "complete")

	_, err := execute(t, "reset")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--yes")
	assert.Positive(t, status(t).Level.TotalXP)

	out := mustExecute(t, "reset", "--yes")
	assert.Contains(t, out, "local data of anonymous reset")

	v := status(t)
	assert.Equal(t, 0, v.Level.TotalXP)
	assert.Empty(t, v.Achievements)
}

func TestToken_IssueAndSignIn(t *testing.T) {
	setupEnv(t)

	_, err := execute(t, "token", "issue", "ada")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")

	t.Setenv("JWT_SECRET", "cli-test-secret-0123456789")
	token := strings.TrimSpace(mustExecute(t, "token", "issue", "ada"))
	require.NotEmpty(t, token)

	mustExecute(t, "topic", "set", "arrays", "in-progress")

	t.Setenv("SESSION_TOKEN", token)
	v := status(t)
	assert.Equal(t, "ada", v.User)
	assert.Equal(t, 0, v.Level.TotalXP, "signed-in user has a separate namespace")

	t.Setenv("SESSION_TOKEN", "not-a-token")
	_, err = execute(t, "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SESSION_TOKEN")
}

func TestSync_RequiresRemote(t *testing.T) {
	setupEnv(t)

	_, err := execute(t, "sync")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REMOTE_BACKEND")
}

func TestMigrate_RequiresPostgres(t *testing.T) {
	setupEnv(t)

	_, err := execute(t, "migrate", "--status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REMOTE_BACKEND=postgres")
}

func TestConfigErrorsSurface(t *testing.T) {
	setupEnv(t)
	t.Setenv("APP_TIMEZONE", "Mars/Olympus")

	_, err := execute(t, "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "APP_TIMEZONE")
}
