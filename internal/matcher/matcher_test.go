package matcher

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modver/internal/model"
)

// path builds a reference path from "Node@D/main" strings.
func path(t *testing.T, mvs ...string) *model.ReferencePath {
	t.Helper()
	p := model.NewReferencePath()
	for _, s := range mvs {
		mv, err := model.ParseModuleVersion(s)
		require.NoError(t, err)
		p.Push(model.NewModuleReference(mv))
	}
	return p
}

func samplePaths(t *testing.T) []*model.ReferencePath {
	return []*model.ReferencePath{
		path(t, "Apps/Web@D/main"),
		path(t, "Apps/Web@D/main", "Libs/Core@D/main"),
		path(t, "Apps/Web@D/main", "Libs/Core@D/main", "Libs/Util@S/1.0"),
		path(t, "Apps/Web@D/main", "Libs/Net@D/develop"),
		path(t, "Apps/Web@D/main", "Libs/Net@D/develop", "Libs/Core@D/main", "Libs/Util@S/1.0"),
	}
}

func TestNodePathGlob(t *testing.T) {
	tests := []struct {
		name string
		glob *NodePathGlob
		path []string
		want bool
	}{
		{name: "exact", glob: &NodePathGlob{Include: []string{"Libs/Core"}}, path: []string{"Apps/Web@D/main", "Libs/Core@D/main"}, want: true},
		{name: "wildcard", glob: &NodePathGlob{Include: []string{"Libs/*"}}, path: []string{"Apps/Web@D/main", "Libs/Net@D/develop"}, want: true},
		{name: "doublestar", glob: &NodePathGlob{Include: []string{"**/Util"}}, path: []string{"Libs/Util@S/1.0"}, want: true},
		{name: "excluded", glob: &NodePathGlob{Include: []string{"Libs/*"}, Exclude: []string{"Libs/Net"}}, path: []string{"Libs/Net@D/develop"}, want: false},
		{name: "no include matches all", glob: &NodePathGlob{Exclude: []string{"Libs/Net"}}, path: []string{"Apps/Web@D/main"}, want: true},
		{name: "version pattern", glob: &NodePathGlob{Include: []string{"Libs/*@D/*"}}, path: []string{"Libs/Util@S/1.0"}, want: false},
		{name: "version pattern match", glob: &NodePathGlob{Include: []string{"Libs/*@S/*"}}, path: []string{"Libs/Util@S/1.0"}, want: true},
		{name: "other module", glob: &NodePathGlob{Include: []string{"Libs/Core"}}, path: []string{"Apps/Web@D/main"}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.glob.Matches(path(t, tt.path...)))
		})
	}
}

func TestDepth(t *testing.T) {
	root := RootOnly()
	assert.True(t, root.Matches(path(t, "A@D/main")))
	assert.False(t, root.Matches(path(t, "A@D/main", "B@D/main")))
	assert.False(t, root.CanMatchChildren(path(t, "A@D/main")))

	d := &Depth{Min: 2}
	assert.False(t, d.Matches(path(t, "A@D/main")))
	assert.True(t, d.CanMatchChildren(path(t, "A@D/main")))
	assert.True(t, d.Matches(path(t, "A@D/main", "B@D/main", "C@D/main")))
}

func TestCombinators(t *testing.T) {
	p := path(t, "A@D/main", "B@D/main")
	glob := &NodePathGlob{Include: []string{"B"}}

	assert.True(t, And{glob, &Depth{Max: 2}}.Matches(p))
	assert.False(t, And{glob, RootOnly()}.Matches(p))
	assert.True(t, Or{None(), glob}.Matches(p))
	assert.False(t, Not{M: glob}.Matches(p))
	assert.True(t, Not{M: None()}.CanMatchChildren(p))
	assert.False(t, None().CanMatchChildren(p))
}

func TestMatchersAreMonotonic(t *testing.T) {
	matchers := map[string]Matcher{
		"all":       All(),
		"none":      None(),
		"root only": RootOnly(),
		"glob":      &NodePathGlob{Include: []string{"Libs/**"}},
		"depth":     &Depth{Min: 2, Max: 3},
		"and":       And{&NodePathGlob{Include: []string{"Libs/Core"}}, &Depth{Max: 2}},
		"or":        Or{RootOnly(), &NodePathGlob{Include: []string{"Libs/Util"}}},
		"not":       Not{M: RootOnly()},
	}
	for name, m := range matchers {
		t.Run(name, func(t *testing.T) {
			assert.NoError(t, Check(m, samplePaths(t)))
		})
	}
}

type eager struct{}

func (eager) Matches(p *model.ReferencePath) bool          { return p.Len() == 2 }
func (eager) CanMatchChildren(*model.ReferencePath) bool { return false }

func TestCheckDetectsPruningMatcher(t *testing.T) {
	assert.Error(t, Check(eager{}, samplePaths(t)))
}

func TestParseRules(t *testing.T) {
	m, err := ParseRules([]byte(`
matchers:
  - include: ["Libs/*"]
    exclude: ["Libs/Net"]
  - maxDepth: 1
`))
	require.NoError(t, err)
	assert.True(t, m.Matches(path(t, "Apps/Web@D/main")))
	assert.True(t, m.Matches(path(t, "Apps/Web@D/main", "Libs/Core@D/main")))
	assert.False(t, m.Matches(path(t, "Apps/Web@D/main", "Libs/Net@D/develop")))

	empty, err := ParseRules([]byte("matchers: []"))
	require.NoError(t, err)
	assert.False(t, empty.Matches(path(t, "Apps/Web@D/main")))
}

func TestParseRulesInvalid(t *testing.T) {
	_, err := ParseRules([]byte(`matchers: [{include: ["Libs/[a"]}]`))
	assert.Error(t, err)
	_, err = ParseRules([]byte(`matchers: [{minDepth: 3, maxDepth: 1}]`))
	assert.Error(t, err)
	_, err = ParseRules([]byte(`matchers: {`))
	assert.Error(t, err)
}

func TestLoadRules(t *testing.T) {
	file := filepath.Join(t.TempDir(), "matchers.yaml")
	require.NoError(t, os.WriteFile(file, []byte("matchers:\n  - include: [\"**\"]\n"), 0644))
	m, err := LoadRules(file)
	require.NoError(t, err)
	assert.True(t, m.Matches(path(t, "Apps/Web@D/main")))

	_, err = LoadRules(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
