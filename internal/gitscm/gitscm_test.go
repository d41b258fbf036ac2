package gitscm

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modver/internal/capability"
	"modver/internal/model"
)

// upstream is a bare repository fed from a seed working copy.
type upstream struct {
	t    *testing.T
	bare string
	seed *git.Repository
	dir  string
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	root := t.TempDir()
	bare := filepath.Join(root, "remote.git")
	_, err := git.PlainInitWithOptions(bare, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.Main},
		Bare:        true,
	})
	require.NoError(t, err)

	dir := filepath.Join(root, "seed")
	seed, err := git.PlainInitWithOptions(dir, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.Main},
	})
	require.NoError(t, err)
	_, err = seed.CreateRemote(&config.RemoteConfig{Name: "origin", URLs: []string{bare}})
	require.NoError(t, err)
	return &upstream{t: t, bare: bare, seed: seed, dir: dir}
}

func (u *upstream) commit(files map[string]string, message string) plumbing.Hash {
	u.t.Helper()
	wt, err := u.seed.Worktree()
	require.NoError(u.t, err)
	for name, content := range files {
		path := filepath.Join(u.dir, name)
		require.NoError(u.t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(u.t, os.WriteFile(path, []byte(content), 0644))
	}
	require.NoError(u.t, wt.AddWithOptions(&git.AddOptions{All: true}))
	h, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(u.t, err)
	return h
}

func (u *upstream) tag(name string, h plumbing.Hash) {
	u.t.Helper()
	_, err := u.seed.CreateTag(name, h, nil)
	require.NoError(u.t, err)
}

func (u *upstream) checkout(branch string, create bool) {
	u.t.Helper()
	wt, err := u.seed.Worktree()
	require.NoError(u.t, err)
	require.NoError(u.t, wt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(branch),
		Create: create,
	}))
}

func (u *upstream) push() {
	u.t.Helper()
	err := u.seed.Push(&git.PushOptions{
		RemoteName: "origin",
		RefSpecs:   []config.RefSpec{"+refs/heads/*:refs/heads/*", "+refs/tags/*:refs/tags/*"},
	})
	if err != git.NoErrAlreadyUpToDate {
		require.NoError(u.t, err)
	}
}

// scratch hands out directories under a temp dir.
type scratch struct {
	dir  string
	held map[string]int
}

func (s *scratch) Acquire(_ context.Context, mv model.ModuleVersion, _ capability.WorkspaceMode) (string, error) {
	path := filepath.Join(s.dir, filepath.FromSlash(mv.String()))
	s.held[path]++
	return path, nil
}

func (s *scratch) Release(path string) {
	s.held[path]--
}

func newRepo(t *testing.T, u *upstream) (*Repo, *scratch) {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	s := &scratch{dir: t.TempDir(), held: make(map[string]int)}
	return New(Config{
		NodePath:  "Libs/Core",
		URL:       u.bare,
		MirrorDir: filepath.Join(t.TempDir(), "mirror.git"),
		Scratch:   s,
		Log:       log,
	}), s
}

// sample publishes main with a tagged first commit and a version change
// after it.
func sample(t *testing.T) *upstream {
	u := newUpstream(t)
	first := u.commit(map[string]string{"module.yaml": "artifact:\n  version: \"1.0\"\n"}, "Initial import")
	u.tag("1.0", first)
	u.commit(map[string]string{"module.yaml": "artifact:\n  version: 1.1-SNAPSHOT\n"},
		withTrailers("Set artifact version.", map[string]string{capability.AttrVersionChange: "true"}))
	u.push()
	return u
}

func TestVersions(t *testing.T) {
	r, _ := newRepo(t, sample(t))
	ctx := context.Background()

	dyn, err := r.Versions(ctx, model.Dynamic)
	require.NoError(t, err)
	assert.Equal(t, []model.Version{model.NewDynamic("main")}, dyn)

	stat, err := r.Versions(ctx, model.Static)
	require.NoError(t, err)
	assert.Equal(t, []model.Version{model.NewStatic("1.0")}, stat)

	ok, err := r.VersionExists(ctx, model.NewStatic("1.0"))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = r.VersionExists(ctx, model.NewDynamic("feature"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheckoutForInspection(t *testing.T) {
	r, s := newRepo(t, sample(t))
	ctx := context.Background()

	path, release, err := r.CheckoutForInspection(ctx, model.NewStatic("1.0"))
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(path, "module.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"1.0"`)
	release()
	assert.Equal(t, 0, s.held[path])

	path, release, err = r.CheckoutForInspection(ctx, model.NewDynamic("main"))
	require.NoError(t, err)
	defer release()
	data, err = os.ReadFile(filepath.Join(path, "module.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "1.1-SNAPSHOT")

	_, _, err = r.CheckoutForInspection(ctx, model.NewStatic("9.9"))
	assert.ErrorIs(t, err, capability.ErrNotFound)
}

func TestCheckoutCommitAndSync(t *testing.T) {
	r, _ := newRepo(t, sample(t))
	ctx := context.Background()
	ws := filepath.Join(t.TempDir(), "core")

	require.NoError(t, r.Checkout(ctx, model.NewDynamic("main"), ws))
	v, err := r.CurrentVersion(ctx, ws)
	require.NoError(t, err)
	assert.Equal(t, model.NewDynamic("main"), v)

	synced, err := r.IsSynchronized(ctx, ws, capability.SyncAll)
	require.NoError(t, err)
	assert.True(t, synced)

	require.NoError(t, os.WriteFile(filepath.Join(ws, "module.yaml"), []byte("artifact:\n  version: \"1.1\"\n"), 0644))
	synced, err = r.IsSynchronized(ctx, ws, capability.SyncLocal)
	require.NoError(t, err)
	assert.False(t, synced)

	require.NoError(t, r.Commit(ctx, ws, "Set artifact version to 1.1.", map[string]string{capability.AttrVersionChange: "true"}))
	synced, err = r.IsSynchronized(ctx, ws, capability.SyncAll)
	require.NoError(t, err)
	assert.True(t, synced)

	commits, err := r.DivergingCommits(ctx, model.NewDynamic("main"), model.NewStatic("1.0"))
	require.NoError(t, err)
	require.Len(t, commits, 2)
	assert.Equal(t, "true", commits[0].Attrs[capability.AttrVersionChange])
	assert.Contains(t, commits[0].Message, "Set artifact version to 1.1.")
}

func TestCreateVersion(t *testing.T) {
	r, _ := newRepo(t, sample(t))
	ctx := context.Background()
	ws := filepath.Join(t.TempDir(), "core")
	require.NoError(t, r.Checkout(ctx, model.NewDynamic("main"), ws))

	require.NoError(t, r.CreateVersion(ctx, ws, model.NewStatic("1.1"), false, map[string]string{capability.AttrVersionChange: "true"}))
	ok, err := r.VersionExists(ctx, model.NewStatic("1.1"))
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, r.CreateVersion(ctx, ws, model.NewDynamic("feature"), true, map[string]string{capability.AttrBaseVersion: "D/main"}))
	v, err := r.CurrentVersion(ctx, ws)
	require.NoError(t, err)
	assert.Equal(t, model.NewDynamic("feature"), v)

	dyn, err := r.Versions(ctx, model.Dynamic)
	require.NoError(t, err)
	assert.Equal(t, []model.Version{model.NewDynamic("feature"), model.NewDynamic("main")}, dyn)

	// Switching an existing workspace back and forth.
	require.NoError(t, r.Checkout(ctx, model.NewStatic("1.0"), ws))
	v, err = r.CurrentVersion(ctx, ws)
	require.NoError(t, err)
	assert.Equal(t, model.NewStatic("1.0"), v)
	require.NoError(t, r.Checkout(ctx, model.NewDynamic("main"), ws))
}

func TestCommit_UpdateNeeded(t *testing.T) {
	r, _ := newRepo(t, sample(t))
	ctx := context.Background()
	ws1 := filepath.Join(t.TempDir(), "one")
	ws2 := filepath.Join(t.TempDir(), "two")
	require.NoError(t, r.Checkout(ctx, model.NewDynamic("main"), ws1))
	require.NoError(t, r.Checkout(ctx, model.NewDynamic("main"), ws2))

	require.NoError(t, os.WriteFile(filepath.Join(ws1, "a.txt"), []byte("a"), 0644))
	require.NoError(t, r.Commit(ctx, ws1, "Add a.", nil))

	require.NoError(t, os.WriteFile(filepath.Join(ws2, "b.txt"), []byte("b"), 0644))
	err := r.Commit(ctx, ws2, "Add b.", nil)
	assert.ErrorIs(t, err, capability.ErrUpdateNeeded)
}

func TestMerge(t *testing.T) {
	u := sample(t)
	u.checkout("feature", true)
	u.commit(map[string]string{"feature.txt": "x"}, "Add feature.")
	u.push()

	r, _ := newRepo(t, u)
	ctx := context.Background()
	ws := filepath.Join(t.TempDir(), "core")
	require.NoError(t, r.Checkout(ctx, model.NewDynamic("main"), ws))

	outcome, err := r.Merge(ctx, ws, model.NewStatic("1.0"), nil)
	require.NoError(t, err)
	assert.Equal(t, capability.NothingToMerge, outcome)

	outcome, err = r.Merge(ctx, ws, model.NewDynamic("feature"), nil)
	require.NoError(t, err)
	assert.Equal(t, capability.Merged, outcome)
	_, err = os.Stat(filepath.Join(ws, "feature.txt"))
	assert.NoError(t, err)

	outcome, err = r.Merge(ctx, ws, model.NewDynamic("feature"), nil)
	require.NoError(t, err)
	assert.Equal(t, capability.NothingToMerge, outcome)
}

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git CLI not available")
	}
}

// remoteHead returns the commit of branch in the upstream repository.
func (u *upstream) remoteHead(branch string) *object.Commit {
	u.t.Helper()
	repo, err := git.PlainOpen(u.bare)
	require.NoError(u.t, err)
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	require.NoError(u.t, err)
	c, err := repo.CommitObject(ref.Hash())
	require.NoError(u.t, err)
	return c
}

func TestMerge_Diverged(t *testing.T) {
	requireGit(t)
	u := sample(t)
	u.checkout("feature", true)
	feature := u.commit(map[string]string{"feature.txt": "x"}, "Add feature.")
	u.checkout("main", false)
	u.commit(map[string]string{"main.txt": "y"}, "Add main.")
	u.push()

	r, _ := newRepo(t, u)
	ctx := context.Background()
	ws := filepath.Join(t.TempDir(), "core")
	require.NoError(t, r.Checkout(ctx, model.NewDynamic("main"), ws))

	outcome, err := r.Merge(ctx, ws, model.NewDynamic("feature"), nil)
	require.NoError(t, err)
	assert.Equal(t, capability.Merged, outcome)
	for _, name := range []string{"feature.txt", "main.txt"} {
		_, err = os.Stat(filepath.Join(ws, name))
		assert.NoError(t, err, name)
	}

	head := u.remoteHead("main")
	require.Equal(t, 2, head.NumParents())
	assert.Equal(t, feature, head.ParentHashes[1])

	outcome, err = r.Merge(ctx, ws, model.NewDynamic("feature"), nil)
	require.NoError(t, err)
	assert.Equal(t, capability.NothingToMerge, outcome)
}

func TestMerge_Conflicts(t *testing.T) {
	requireGit(t)
	u := sample(t)
	u.checkout("feature", true)
	u.commit(map[string]string{"shared.txt": "feature\n"}, "Edit shared on feature.")
	u.checkout("main", false)
	mainHead := u.commit(map[string]string{"shared.txt": "main\n"}, "Edit shared on main.")
	u.push()

	r, _ := newRepo(t, u)
	ctx := context.Background()
	ws := filepath.Join(t.TempDir(), "core")
	require.NoError(t, r.Checkout(ctx, model.NewDynamic("main"), ws))

	outcome, err := r.Merge(ctx, ws, model.NewDynamic("feature"), nil)
	require.NoError(t, err)
	assert.Equal(t, capability.Conflicts, outcome)

	data, err := os.ReadFile(filepath.Join(ws, "shared.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "<<<<<<<")
	assert.Equal(t, mainHead, u.remoteHead("main").Hash)
}

func TestMerge_ExcludedCommits(t *testing.T) {
	requireGit(t)
	u := sample(t)
	u.checkout("feature", true)
	bump := u.commit(map[string]string{"module.yaml": "artifact:\n  version: 2.0-SNAPSHOT\n"},
		withTrailers("Set artifact version.", map[string]string{capability.AttrVersionChange: "true"}))
	u.commit(map[string]string{"feature.txt": "x"}, "Add feature.")
	u.checkout("main", false)
	u.commit(map[string]string{"main.txt": "y"}, "Add main.")
	u.push()

	r, _ := newRepo(t, u)
	ctx := context.Background()
	ws := filepath.Join(t.TempDir(), "core")
	require.NoError(t, r.Checkout(ctx, model.NewDynamic("main"), ws))

	outcome, err := r.Merge(ctx, ws, model.NewDynamic("feature"), []string{bump.String()})
	require.NoError(t, err)
	assert.Equal(t, capability.Merged, outcome)

	_, err = os.Stat(filepath.Join(ws, "feature.txt"))
	assert.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(ws, "module.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "1.1-SNAPSHOT")

	// feature is recorded as merged.
	outcome, err = r.Merge(ctx, ws, model.NewDynamic("feature"), nil)
	require.NoError(t, err)
	assert.Equal(t, capability.NothingToMerge, outcome)

	diverging, err := r.DivergingCommits(ctx, model.NewDynamic("feature"), model.NewDynamic("main"))
	require.NoError(t, err)
	assert.Empty(t, diverging)
}

func TestTrailers(t *testing.T) {
	msg := withTrailers("Update reference.\n", map[string]string{
		capability.AttrReferenceVersionChange: "true",
		capability.AttrBaseVersion:            "D/main",
	})
	assert.Equal(t, "Update reference.\n\nmodver-base-version: D/main\nmodver-reference-version-change: true\n", msg)
	assert.Equal(t, map[string]string{
		capability.AttrReferenceVersionChange: "true",
		capability.AttrBaseVersion:            "D/main",
	}, parseTrailers(msg))

	assert.Empty(t, parseTrailers("Fix: the build"))
	assert.Equal(t, "Plain.\n", withTrailers("Plain.", nil))
}
