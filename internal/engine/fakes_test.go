package engine

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"modver/internal/capability"
	"modver/internal/model"
)

// tree is the content of one version: an artifact version and references.
type tree struct {
	artifact string
	refs     []*model.Reference
}

func (t *tree) clone() *tree {
	c := &tree{artifact: t.artifact}
	for _, r := range t.refs {
		cp := *r
		if r.ModuleVersion != nil {
			mv := *r.ModuleVersion
			cp.ModuleVersion = &mv
		}
		c.refs = append(c.refs, &cp)
	}
	return c
}

type workdir struct {
	mv   model.ModuleVersion
	tree *tree
}

type fakeCommit struct {
	version model.Version
	message string
	attrs   map[string]string
	tree    *tree
}

// fakeModule implements every per-module capability over in-memory trees.
type fakeModule struct {
	w        *world
	np       model.NodePath
	versions map[model.Version]*tree
	commits  []fakeCommit
	created  []model.Version
	merges   []model.Version

	unsynced     bool
	buildFails   bool
	checkoutErr  error
	builds       int
	nextStatic   model.Version
	nextDynamic  model.Version
	base         model.Version
	selected     model.Version
	diverging    []capability.Commit
	mergeOutcome capability.MergeOutcome
}

func (m *fakeModule) CheckoutForInspection(_ context.Context, v model.Version) (string, func(), error) {
	t, ok := m.versions[v]
	if !ok {
		return "", nil, fmt.Errorf("%s: %w", v, capability.ErrNotFound)
	}
	path := fmt.Sprintf("inspect/%s@%s", m.np, v)
	m.w.dirs[path] = &workdir{mv: model.ModuleVersion{NodePath: m.np, Version: v}, tree: t.clone()}
	return path, func() { delete(m.w.dirs, path) }, nil
}

func (m *fakeModule) Checkout(_ context.Context, v model.Version, path string) error {
	if m.checkoutErr != nil {
		return m.checkoutErr
	}
	t, ok := m.versions[v]
	if !ok {
		return fmt.Errorf("%s: %w", v, capability.ErrNotFound)
	}
	d := m.w.dir(path)
	d.mv.Version = v
	d.tree = t.clone()
	return nil
}

func (m *fakeModule) IsSynchronized(context.Context, string, capability.SyncScope) (bool, error) {
	return !m.unsynced, nil
}

func (m *fakeModule) CurrentVersion(_ context.Context, path string) (model.Version, error) {
	return m.w.dir(path).mv.Version, nil
}

func (m *fakeModule) CreateVersion(_ context.Context, path string, v model.Version, switchTo bool, _ map[string]string) error {
	d := m.w.dir(path)
	m.versions[v] = d.tree.clone()
	m.created = append(m.created, v)
	m.w.writes++
	if switchTo {
		d.mv.Version = v
	}
	return nil
}

func (m *fakeModule) Commit(_ context.Context, path, message string, attrs map[string]string) error {
	d := m.w.dir(path)
	m.versions[d.mv.Version] = d.tree.clone()
	m.commits = append(m.commits, fakeCommit{version: d.mv.Version, message: message, attrs: attrs, tree: d.tree.clone()})
	m.w.writes++
	return nil
}

func (m *fakeModule) Merge(_ context.Context, _ string, src model.Version, _ []string) (capability.MergeOutcome, error) {
	m.merges = append(m.merges, src)
	m.w.writes++
	return m.mergeOutcome, nil
}

func (m *fakeModule) DivergingCommits(context.Context, model.Version, model.Version) ([]capability.Commit, error) {
	return m.diverging, nil
}

func (m *fakeModule) VersionExists(_ context.Context, v model.Version) (bool, error) {
	_, ok := m.versions[v]
	return ok, nil
}

func (m *fakeModule) Versions(_ context.Context, typ model.VersionType) ([]model.Version, error) {
	var out []model.Version
	for v := range m.versions {
		if v.Type == typ {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Value < out[k].Value })
	return out, nil
}

func (m *fakeModule) References(path string) ([]*model.Reference, error) {
	return m.w.dir(path).tree.clone().refs, nil
}

func (m *fakeModule) UpdateReferenceVersion(path string, ref *model.Reference, v model.Version) (bool, error) {
	t := m.w.dir(path).tree
	for i, r := range t.refs {
		if !r.EqualsIgnoringVersion(ref) {
			continue
		}
		if r.ModuleVersion.Version == v {
			return false, nil
		}
		t.refs[i] = r.WithVersion(v)
		return true, nil
	}
	return false, fmt.Errorf("reference %s: %w", ref, capability.ErrNotFound)
}

func (m *fakeModule) ArtifactVersion(path string) (string, error) {
	return m.w.dir(path).tree.artifact, nil
}

func (m *fakeModule) SetArtifactVersion(path, version string) (bool, error) {
	t := m.w.dir(path).tree
	if t.artifact == version {
		return false, nil
	}
	t.artifact = version
	return true, nil
}

func (m *fakeModule) MapVersion(v model.Version) (string, error) {
	if v.IsStatic() {
		return v.Value, nil
	}
	return v.Value + "-SNAPSHOT", nil
}

func (m *fakeModule) Build(_ context.Context, _ string, bc capability.BuildContext, log io.Writer) (bool, error) {
	m.builds++
	fmt.Fprintf(log, "building %s\n", bc.ModuleVersion)
	return !m.buildFails, nil
}

func (m *fakeModule) NextStaticVersion(_ context.Context, vc capability.VersionContext) (model.Version, error) {
	if !m.nextStatic.IsZero() {
		return m.nextStatic, nil
	}
	return model.NewStatic(strings.TrimSuffix(vc.ArtifactVersion, "-SNAPSHOT")), nil
}

func (m *fakeModule) NextDynamicVersion(_ context.Context, vc capability.VersionContext) (model.Version, model.Version, error) {
	return m.nextDynamic, m.base, nil
}

func (m *fakeModule) SelectStaticVersion(_ context.Context, vc capability.VersionContext) (model.Version, bool, error) {
	return m.selected, !m.selected.IsZero(), nil
}

// world is the catalog and the workspace allocator of a test.
type world struct {
	t        *testing.T
	modules  map[model.NodePath]*fakeModule
	dirs     map[string]*workdir
	writes   int
	acquired int
	removed  []string
}

func newWorld(t *testing.T) *world {
	return &world{
		t:       t,
		modules: make(map[model.NodePath]*fakeModule),
		dirs:    make(map[string]*workdir),
	}
}

// add declares module np with version v holding artifact and refs.
func (w *world) add(np string, v model.Version, artifact string, refs ...*model.Reference) *fakeModule {
	m, ok := w.modules[model.NodePath(np)]
	if !ok {
		m = &fakeModule{w: w, np: model.NodePath(np), versions: make(map[model.Version]*tree)}
		w.modules[model.NodePath(np)] = m
	}
	m.versions[v] = &tree{artifact: artifact, refs: refs}
	return m
}

func (w *world) dir(path string) *workdir {
	d, ok := w.dirs[path]
	require.True(w.t, ok, "unknown workspace %s", path)
	return d
}

func (w *world) Module(_ context.Context, np model.NodePath) (*capability.Module, error) {
	m, ok := w.modules[np]
	if !ok {
		return nil, fmt.Errorf("module %s: %w", np, capability.ErrNotFound)
	}
	return &capability.Module{NodePath: np, SCM: m, References: m, Artifact: m, Build: m, Policy: m}, nil
}

func operatorPath(np model.NodePath) string {
	return "op/" + string(np)
}

func (w *world) Acquire(_ context.Context, mv model.ModuleVersion, mode capability.WorkspaceMode) (string, error) {
	w.acquired++
	path := operatorPath(mv.NodePath)
	if _, ok := w.dirs[path]; !ok {
		w.dirs[path] = &workdir{mv: mv, tree: &tree{}}
	}
	return path, nil
}

func (w *world) Release(string) {}

func (w *world) Exists(mv model.ModuleVersion) bool {
	d, ok := w.dirs[operatorPath(mv.NodePath)]
	return ok && d.mv == mv
}

func (w *world) Conflict(mv model.ModuleVersion) *model.ModuleVersion {
	d, ok := w.dirs[operatorPath(mv.NodePath)]
	if !ok || d.mv == mv {
		return nil
	}
	other := d.mv
	return &other
}

func (w *world) Remove(path string) error {
	delete(w.dirs, path)
	w.removed = append(w.removed, path)
	return nil
}

func (w *world) Reassign(path string, mv model.ModuleVersion) error {
	w.dir(path).mv = mv
	return nil
}

// operator answers confirmations from a script, then with Yes.
type operator struct {
	script  []capability.Decision
	prompts []string
	keys    []string
	informs []string
	answer  string
	asked   int
}

func (o *operator) Confirm(key, prompt string) capability.Decision {
	o.prompts = append(o.prompts, prompt)
	o.keys = append(o.keys, key)
	if len(o.script) == 0 {
		return capability.Yes
	}
	d := o.script[0]
	o.script = o.script[1:]
	return d
}

func (o *operator) Inform(format string, args ...interface{}) {
	o.informs = append(o.informs, fmt.Sprintf(format, args...))
}

func (o *operator) Ask(prompt, def string) (string, error) {
	o.asked++
	return o.answer, nil
}

func (o *operator) Indent() func() { return func() {} }

func (o *operator) informed(substr string) bool {
	for _, s := range o.informs {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}

type props map[string]map[string]string

func (p props) Get(scope, key string) (string, bool) {
	v, ok := p[scope][key]
	return v, ok
}

func (p props) Set(scope, key, value string) error {
	if p[scope] == nil {
		p[scope] = make(map[string]string)
	}
	p[scope][key] = value
	return nil
}

type recorder struct {
	actions []Action
}

func (r *recorder) RecordAction(a Action) error {
	r.actions = append(r.actions, a)
	return nil
}

type fixture struct {
	world    *world
	operator *operator
	props    props
	recorder *recorder
	engine   *Engine
}

func newFixture(t *testing.T) *fixture {
	log := logrus.New()
	log.SetOutput(io.Discard)
	f := &fixture{
		world:    newWorld(t),
		operator: &operator{},
		props:    props{},
		recorder: &recorder{},
	}
	e, err := New(Config{
		Catalog:    f.world,
		Workspaces: f.world,
		Operator:   f.operator,
		Properties: f.props,
		Recorder:   f.recorder,
		Log:        log,
	})
	require.NoError(t, err)
	f.engine = e
	return f
}

func dyn(v string) model.Version { return model.NewDynamic(v) }

func stat(v string) model.Version { return model.NewStatic(v) }

func at(np string, v model.Version) model.ModuleVersion {
	return model.ModuleVersion{NodePath: model.NodePath(np), Version: v}
}

func refTo(np string, v model.Version) *model.Reference {
	return model.NewModuleReference(at(np, v))
}
