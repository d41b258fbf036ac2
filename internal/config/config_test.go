package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Missing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), FileName))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	content := `workspaceRoot: /src
catalog: etc/modules.yaml
skipBuild: true
timeout: 30m
properties:
  REVERT_ARTIFACT_VERSION: always
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/src", cfg.WorkspaceRoot)
	assert.Equal(t, ".modver", cfg.StateDir)
	assert.Equal(t, "etc/modules.yaml", cfg.Catalog)
	assert.True(t, cfg.SkipBuild)
	assert.Equal(t, 30*time.Minute, cfg.Timeout)
	assert.Equal(t, "always", cfg.Properties["REVERT_ARTIFACT_VERSION"])
	assert.Equal(t, filepath.Join(".modver", "mirrors"), cfg.MirrorDir())
}

func TestLoad_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte("skipBuild: [\n"), 0644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("MODVER_STATE", "/var/lib/modver")
	t.Setenv("MODVER_SKIP_BUILD", "true")
	t.Setenv("MODVER_DEBUG", "not-a-bool")
	t.Setenv("MODVER_TIMEOUT", "1h")

	cfg := Default()
	cfg.Debug = true
	cfg.ApplyEnv()
	assert.Equal(t, "/var/lib/modver", cfg.StateDir)
	assert.True(t, cfg.SkipBuild)
	assert.True(t, cfg.Debug)
	assert.Equal(t, time.Hour, cfg.Timeout)
	assert.Equal(t, "workspaces", cfg.WorkspaceRoot)
}

func TestResolve(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("catalog: from-file.yaml\n"), 0644))
	t.Setenv("MODVER_CONFIG", path)
	t.Setenv("MODVER_WORKSPACES", "/ws")

	cfg, err := Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "from-file.yaml", cfg.Catalog)
	assert.Equal(t, "/ws", cfg.WorkspaceRoot)
}
