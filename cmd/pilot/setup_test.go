package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildEngineDefaults(t *testing.T) {
	ws := t.TempDir()

	eng, err := buildEngine(ws)
	require.NoError(t, err)
	defer eng.Close()

	assert.Equal(t, ws, eng.cfg.Workspace)
	assert.Equal(t, 25, eng.cfg.Executor.MaxSteps)
	assert.Equal(t, filepath.Join(ws, ".pilot", "pilot.db"), eng.store.Path())

	for _, name := range []string{
		"read_file", "write_file", "edit_file", "list_files",
		"search_code", "search_codebase", "run_command",
	} {
		assert.True(t, eng.registry.Has(name), "tool %s not registered", name)
	}

	defs := eng.invoker.Definitions(eng.cfg.Tools.AllowList)
	assert.Len(t, defs, len(eng.cfg.Tools.AllowList))
}

func TestBuildEngineConfigFile(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(ws, ".pilot"), 0o755))
	yaml := []byte(`
llm:
  model: test-model
  base_url: http://localhost:9999/v1
executor:
  max_steps: 7
  turn_budget: 2m
tools:
  allow_list: [read_file, list_files]
retrieval:
  top_k: 3
`)
	require.NoError(t, os.WriteFile(filepath.Join(ws, ".pilot", "config.yaml"), yaml, 0o644))

	eng, err := buildEngine(ws)
	require.NoError(t, err)
	defer eng.Close()

	assert.Equal(t, 7, eng.cfg.Executor.MaxSteps)
	assert.Equal(t, "test-model", eng.cfg.LLM.Model)
	assert.Equal(t, []string{"read_file", "list_files"}, eng.cfg.Tools.AllowList)

	// Tools outside the allow-list stay registered but are not exposed.
	defs := eng.invoker.Definitions(eng.registry.Names())
	assert.Len(t, defs, 2)
	assert.True(t, eng.registry.Has("run_command"))
}

func TestBuildEngineInvalidConfig(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(ws, ".pilot"), 0o755))
	yaml := []byte("executor:\n  max_steps: 0\n")
	require.NoError(t, os.WriteFile(filepath.Join(ws, ".pilot", "config.yaml"), yaml, 0o644))

	_, err := buildEngine(ws)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_steps")
}
