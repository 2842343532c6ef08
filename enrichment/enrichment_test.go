package enrichment

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/badibam/assistant-sub001/core"
)

func writeDefs(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoader_LoadAndExecute(t *testing.T) {
	dir := t.TempDir()
	writeDefs(t, dir, "tracking.yaml", `
- name: recent_entries
  kind: data
  resource: tracker
  operation: recent
  params:
    limit: 10
- name: rotate_log
  kind: action
  resource: journal
  operation: rotate
`)

	l := NewLoader(dir)
	res, err := l.LoadAndExecute(context.Background(), core.PromptContext{
		SessionID:   "s1",
		SessionType: core.SessionChat,
	})
	require.NoError(t, err)

	require.Len(t, res.DataCommands, 1)
	assert.Equal(t, "tracker", res.DataCommands[0].Resource)
	assert.Equal(t, "recent", res.DataCommands[0].Operation)
	assert.Equal(t, 10, res.DataCommands[0].Params["limit"])

	require.Len(t, res.ActionCommands, 1)
	assert.Equal(t, "journal.rotate", res.ActionCommands[0].String())
}

func TestLoader_SessionTypeFilter(t *testing.T) {
	dir := t.TempDir()
	writeDefs(t, dir, "defs.yaml", `
- name: automation_only
  kind: data
  resource: tracker
  operation: summary
  session_types: [automation]
`)

	l := NewLoader(dir)

	res, err := l.LoadAndExecute(context.Background(), core.PromptContext{SessionType: core.SessionChat})
	require.NoError(t, err)
	assert.Empty(t, res.DataCommands)

	res, err = l.LoadAndExecute(context.Background(), core.PromptContext{SessionType: core.SessionAutomation})
	require.NoError(t, err)
	assert.Len(t, res.DataCommands, 1)
}

func TestLoader_InvalidDefinition(t *testing.T) {
	dir := t.TempDir()
	writeDefs(t, dir, "bad.yaml", `
- name: broken
  kind: mutation
  resource: tracker
  operation: x
`)

	_, err := NewLoader(dir).LoadAndExecute(context.Background(), core.PromptContext{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kind must be data or action")
}

func TestLoader_MissingDirIsEmpty(t *testing.T) {
	l := NewLoader(filepath.Join(t.TempDir(), "nope"))
	res, err := l.LoadAndExecute(context.Background(), core.PromptContext{})
	require.NoError(t, err)
	assert.Empty(t, res.DataCommands)
	assert.Empty(t, res.ActionCommands)
}

func TestLoader_CacheAndInvalidate(t *testing.T) {
	dir := t.TempDir()
	writeDefs(t, dir, "defs.yaml", `
- name: one
  kind: data
  resource: tracker
  operation: recent
`)

	l := NewLoader(dir, func(o *Options) { o.CacheTTL = time.Hour })
	res, err := l.LoadAndExecute(context.Background(), core.PromptContext{})
	require.NoError(t, err)
	require.Len(t, res.DataCommands, 1)

	// New file is invisible until the cache is dropped.
	writeDefs(t, dir, "more.yaml", `
- name: two
  kind: data
  resource: tracker
  operation: stats
`)
	res, err = l.LoadAndExecute(context.Background(), core.PromptContext{})
	require.NoError(t, err)
	assert.Len(t, res.DataCommands, 1)

	l.Invalidate()
	res, err = l.LoadAndExecute(context.Background(), core.PromptContext{})
	require.NoError(t, err)
	assert.Len(t, res.DataCommands, 2)
}

func TestLoader_TemplatedParams(t *testing.T) {
	dir := t.TempDir()
	writeDefs(t, dir, "defs.yaml", `
- name: session_scoped
  kind: data
  resource: tracker
  operation: recent
  params:
    scope: "{{.session_type}}"
    limit: 5
`)

	res, err := NewLoader(dir).LoadAndExecute(context.Background(), core.PromptContext{
		SessionID:   "s1",
		SessionType: core.SessionAutomation,
	})
	require.NoError(t, err)
	require.Len(t, res.DataCommands, 1)
	assert.Equal(t, "AUTOMATION", res.DataCommands[0].Params["scope"])
	assert.Equal(t, 5, res.DataCommands[0].Params["limit"])
}
