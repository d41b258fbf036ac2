package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modver/internal/build"
	"modver/internal/capability"
	"modver/internal/manifest"
	"modver/internal/model"
)

const sampleCatalog = `
defaults:
  build: [make, test]
  buildTimeout: 10m
  policy:
    increment: patch
modules:
  - path: Libs/Core
    url: /srv/git/core.git
    mapping:
      - type: D
        pattern: 'release/(.+)'
        artifact: '$1-SNAPSHOT'
  - path: "Apps/**"
    url: "https://git.example.com/{path}.git"
    artifact: false
    build: []
  - path: "Libs/*"
    url: "https://git.example.com/libs/{name}.git"
`

func newCatalog(t *testing.T, deps Deps) *Catalog {
	t.Helper()
	f, err := Parse([]byte(sampleCatalog))
	require.NoError(t, err)
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	deps.Log = log
	deps.MirrorRoot = t.TempDir()
	c, err := New(f, deps)
	require.NoError(t, err)
	return c
}

func TestLookup(t *testing.T) {
	c := newCatalog(t, Deps{})
	tests := []struct {
		path string
		want string
	}{
		{"Libs/Core", "Libs/Core"},
		{"Libs/Util", "Libs/*"},
		{"Apps/Shop/Web", "Apps/**"},
		{"Tools/Lint", ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			e, ok := c.Lookup(model.NodePath(tt.path))
			if tt.want == "" {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			assert.Equal(t, tt.want, e.Path)
		})
	}
}

func TestModule(t *testing.T) {
	c := newCatalog(t, Deps{})
	ctx := context.Background()

	core, err := c.Module(ctx, "Libs/Core")
	require.NoError(t, err)
	assert.Equal(t, model.NodePath("Libs/Core"), core.NodePath)
	require.NotNil(t, core.Artifact)
	require.NotNil(t, core.Build)
	assert.Equal(t, "10m0s", core.Build.(*build.Runner).Timeout.String())
	mapped, err := core.Artifact.MapVersion(model.NewDynamic("release/2.1"))
	require.NoError(t, err)
	assert.Equal(t, "2.1-SNAPSHOT", mapped)

	again, err := c.Module(ctx, "Libs/Core")
	require.NoError(t, err)
	assert.Same(t, core, again)

	app, err := c.Module(ctx, "Apps/Shop")
	require.NoError(t, err)
	assert.Nil(t, app.Artifact)
	assert.Nil(t, app.Build)

	v, err := app.Policy.NextStaticVersion(ctx, capability.VersionContext{StaticVersions: []model.Version{model.NewStatic("1.0.0")}})
	require.NoError(t, err)
	assert.Equal(t, model.NewStatic("1.0.1"), v)

	_, err = c.Module(ctx, "Tools/Lint")
	assert.ErrorIs(t, err, capability.ErrNotFound)
}

func TestModule_DynamicVersionOverride(t *testing.T) {
	c := newCatalog(t, Deps{DynamicVersion: "feature/login"})
	core, err := c.Module(context.Background(), "Libs/Core")
	require.NoError(t, err)

	mv := model.ModuleVersion{NodePath: "Libs/Core", Version: model.NewStatic("1.0.0")}
	next, base, err := core.Policy.NextDynamicVersion(context.Background(), capability.VersionContext{ModuleVersion: mv})
	require.NoError(t, err)
	assert.Equal(t, model.NewDynamic("feature/login"), next)
	assert.Equal(t, mv.Version, base)
}

func TestParse_Invalid(t *testing.T) {
	tests := map[string]string{
		"missing url":     "modules:\n  - path: Libs/Core\n",
		"bad pattern":     "modules:\n  - path: \"Libs/[\"\n    url: x\n",
		"not yaml":        "modules: [",
		"bad mapping key": "modules:\n  - path: A\n    url: x\n    mapping: 3\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(content))
			assert.Error(t, err)
		})
	}
}

func TestModule_InvalidSettings(t *testing.T) {
	f, err := Parse([]byte("modules:\n  - path: A\n    url: x\n    buildTimeout: soon\n    build: [make]\n"))
	require.NoError(t, err)
	c, err := New(f, Deps{MirrorRoot: t.TempDir()})
	require.NoError(t, err)
	_, err = c.Module(context.Background(), "A")
	assert.Error(t, err)
}

func TestCachedReferences(t *testing.T) {
	c := newCatalog(t, Deps{})
	core, err := c.Module(context.Background(), "Libs/Core")
	require.NoError(t, err)

	dir := t.TempDir()
	content := "references:\n  - module: Libs/Util\n    version: D/main\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, manifest.FileName), []byte(content), 0644))

	first, err := core.References.References(dir)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, 1, c.cache.Len())

	// Callers may not corrupt the cached copy.
	first[0].ModuleVersion.Version = model.NewStatic("9.9")
	second, err := core.References.References(dir)
	require.NoError(t, err)
	assert.Equal(t, "Libs/Util@D/main", second[0].ModuleVersion.String())

	changed, err := core.References.UpdateReferenceVersion(dir, second[0], model.NewStatic("1.0"))
	require.NoError(t, err)
	assert.True(t, changed)
	third, err := core.References.References(dir)
	require.NoError(t, err)
	assert.Equal(t, "Libs/Util@S/1.0", third[0].ModuleVersion.String())
	assert.Equal(t, 2, c.cache.Len())

	none, err := core.References.References(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, none)
}
