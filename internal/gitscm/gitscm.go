// Package gitscm implements version control for one module on a Git
// repository using go-git. Branches are dynamic versions and tags are
// static versions. Commit attributes travel as message trailers.
package gitscm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/sirupsen/logrus"

	"modver/internal/capability"
	"modver/internal/model"
)

const (
	remoteName = "origin"
	// markerFile records the commit materialized in an inspection checkout.
	markerFile = ".modver-commit"
)

// Scratch hands out read-only scratch directories.
type Scratch interface {
	Acquire(ctx context.Context, mv model.ModuleVersion, mode capability.WorkspaceMode) (string, error)
	Release(path string)
}

// Config configures a Repo.
type Config struct {
	NodePath model.NodePath
	// URL of the module's repository. Operator workspaces are clones of it.
	URL string
	// MirrorDir holds a bare mirror of URL used for queries.
	MirrorDir string
	Scratch   Scratch
	// AuthorName and AuthorEmail sign commits and tags.
	AuthorName  string
	AuthorEmail string
	Log         logrus.FieldLogger
}

// Repo implements capability.SourceControl.
type Repo struct {
	cfg Config
	log logrus.FieldLogger

	mu     sync.Mutex
	mirror *git.Repository
	fresh  bool
}

// New creates a Repo. The mirror is cloned lazily.
func New(cfg Config) *Repo {
	if cfg.AuthorName == "" {
		cfg.AuthorName = "modver"
	}
	if cfg.AuthorEmail == "" {
		cfg.AuthorEmail = "modver@localhost"
	}
	log := cfg.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Repo{cfg: cfg, log: log.WithField("module", string(cfg.NodePath))}
}

func (r *Repo) signature() *object.Signature {
	return &object.Signature{Name: r.cfg.AuthorName, Email: r.cfg.AuthorEmail, When: time.Now()}
}

// refName returns the reference naming v.
func refName(v model.Version) plumbing.ReferenceName {
	if v.IsStatic() {
		return plumbing.NewTagReferenceName(v.Value)
	}
	return plumbing.NewBranchReferenceName(v.Value)
}

// queryRepo returns the mirror, cloning or refreshing it once per
// invalidation.
func (r *Repo) queryRepo(ctx context.Context) (*git.Repository, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.mirror == nil {
		repo, err := git.PlainOpen(r.cfg.MirrorDir)
		if errors.Is(err, git.ErrRepositoryNotExists) {
			if err := os.MkdirAll(filepath.Dir(r.cfg.MirrorDir), 0755); err != nil {
				return nil, fmt.Errorf("creating mirror directory: %w", err)
			}
			r.log.Debugf("cloning mirror of %s", r.cfg.URL)
			repo, err = git.PlainCloneContext(ctx, r.cfg.MirrorDir, true, &git.CloneOptions{
				URL:    r.cfg.URL,
				Mirror: true,
			})
			if err != nil {
				return nil, fmt.Errorf("cloning mirror of %s: %w", r.cfg.URL, err)
			}
			r.fresh = true
		} else if err != nil {
			return nil, fmt.Errorf("opening mirror: %w", err)
		}
		r.mirror = repo
	}

	if !r.fresh {
		err := r.mirror.FetchContext(ctx, &git.FetchOptions{
			RemoteName: remoteName,
			RefSpecs: []config.RefSpec{
				"+refs/heads/*:refs/heads/*",
				"+refs/tags/*:refs/tags/*",
			},
			Tags:  git.AllTags,
			Force: true,
		})
		if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
			return nil, fmt.Errorf("refreshing mirror of %s: %w", r.cfg.URL, err)
		}
		r.fresh = true
	}
	return r.mirror, nil
}

// invalidate forces the next query to refresh the mirror.
func (r *Repo) invalidate() {
	r.mu.Lock()
	r.fresh = false
	r.mu.Unlock()
}

// resolve returns the commit v points at in repo.
func resolve(repo *git.Repository, name plumbing.ReferenceName) (*object.Commit, error) {
	ref, err := repo.Reference(name, true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, fmt.Errorf("%s: %w", name.Short(), capability.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", name, err)
	}
	return commitOf(repo, ref.Hash())
}

// commitOf peels annotated tags.
func commitOf(repo *git.Repository, h plumbing.Hash) (*object.Commit, error) {
	if tag, err := repo.TagObject(h); err == nil {
		c, err := tag.Commit()
		if err != nil {
			return nil, fmt.Errorf("peeling tag %s: %w", tag.Name, err)
		}
		return c, nil
	}
	c, err := repo.CommitObject(h)
	if err != nil {
		return nil, fmt.Errorf("getting commit %s: %w", h, err)
	}
	return c, nil
}

// VersionExists reports whether the branch or tag for v exists.
func (r *Repo) VersionExists(ctx context.Context, v model.Version) (bool, error) {
	repo, err := r.queryRepo(ctx)
	if err != nil {
		return false, err
	}
	_, err = repo.Reference(refName(v), false)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("looking up %s: %w", v, err)
	}
	return true, nil
}

// Versions lists the branches or tags of the repository.
func (r *Repo) Versions(ctx context.Context, typ model.VersionType) ([]model.Version, error) {
	repo, err := r.queryRepo(ctx)
	if err != nil {
		return nil, err
	}
	var iter storer.ReferenceIter
	if typ == model.Static {
		iter, err = repo.Tags()
	} else {
		iter, err = repo.Branches()
	}
	if err != nil {
		return nil, fmt.Errorf("listing references: %w", err)
	}
	var out []model.Version
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		out = append(out, model.Version{Type: typ, Value: ref.Name().Short()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Value < out[j].Value })
	return out, nil
}

// CheckoutForInspection materializes the tree of v in a scratch directory.
// Directories already holding the same commit are reused.
func (r *Repo) CheckoutForInspection(ctx context.Context, v model.Version) (string, func(), error) {
	repo, err := r.queryRepo(ctx)
	if err != nil {
		return "", nil, err
	}
	commit, err := resolve(repo, refName(v))
	if err != nil {
		return "", nil, err
	}

	mv := model.ModuleVersion{NodePath: r.cfg.NodePath, Version: v}
	path, err := r.cfg.Scratch.Acquire(ctx, mv, capability.ModeSystem)
	if err != nil {
		return "", nil, err
	}
	release := func() { r.cfg.Scratch.Release(path) }

	marker := filepath.Join(path, markerFile)
	if data, err := os.ReadFile(marker); err == nil && string(data) == commit.Hash.String() {
		return path, release, nil
	}
	if err := materialize(commit, path); err != nil {
		release()
		return "", nil, fmt.Errorf("materializing %s: %w", mv, err)
	}
	if err := os.WriteFile(marker, []byte(commit.Hash.String()), 0644); err != nil {
		release()
		return "", nil, err
	}
	return path, release, nil
}

// materialize writes the tree of commit to dir, replacing its content.
func materialize(commit *object.Commit, dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tree, err := commit.Tree()
	if err != nil {
		return fmt.Errorf("getting tree: %w", err)
	}
	return tree.Files().ForEach(func(f *object.File) error {
		content, err := f.Contents()
		if err != nil {
			return fmt.Errorf("reading file %s: %w", f.Name, err)
		}
		target := filepath.Join(dir, filepath.FromSlash(f.Name))
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		mode, err := f.Mode.ToOSFileMode()
		if err != nil || !mode.IsRegular() {
			mode = 0644
		}
		return os.WriteFile(target, []byte(content), mode.Perm())
	})
}

// Checkout makes path a workspace of v, cloning when path holds no
// repository.
func (r *Repo) Checkout(ctx context.Context, v model.Version, path string) error {
	repo, err := git.PlainOpen(path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		r.log.Debugf("cloning %s into %s at %s", r.cfg.URL, path, v)
		_, err := git.PlainCloneContext(ctx, path, false, &git.CloneOptions{
			URL:           r.cfg.URL,
			RemoteName:    remoteName,
			ReferenceName: refName(v),
		})
		if err != nil {
			return fmt.Errorf("cloning %s: %w", r.cfg.URL, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening workspace %s: %w", path, err)
	}

	if err := fetch(ctx, repo); err != nil {
		return err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("getting worktree: %w", err)
	}
	if v.IsStatic() {
		commit, err := resolve(repo, refName(v))
		if err != nil {
			return err
		}
		return wt.Checkout(&git.CheckoutOptions{Hash: commit.Hash})
	}

	branch := plumbing.NewBranchReferenceName(v.Value)
	if _, err := repo.Reference(branch, false); err == nil {
		return wt.Checkout(&git.CheckoutOptions{Branch: branch})
	}
	remote, err := resolve(repo, plumbing.NewRemoteReferenceName(remoteName, v.Value))
	if err != nil {
		return err
	}
	if err := wt.Checkout(&git.CheckoutOptions{Branch: branch, Hash: remote.Hash, Create: true}); err != nil {
		return fmt.Errorf("creating branch %s: %w", v.Value, err)
	}
	return track(repo, v.Value)
}

// fetch updates the remote-tracking references of a workspace.
func fetch(ctx context.Context, repo *git.Repository) error {
	if _, err := repo.Remote(remoteName); errors.Is(err, git.ErrRemoteNotFound) {
		return nil
	}
	err := repo.FetchContext(ctx, &git.FetchOptions{RemoteName: remoteName, Tags: git.AllTags, Force: true})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("fetching: %w", err)
	}
	return nil
}

func track(repo *git.Repository, branch string) error {
	err := repo.CreateBranch(&config.Branch{
		Name:   branch,
		Remote: remoteName,
		Merge:  plumbing.NewBranchReferenceName(branch),
	})
	if err != nil && !errors.Is(err, git.ErrBranchExists) {
		return fmt.Errorf("configuring branch %s: %w", branch, err)
	}
	return nil
}

// CurrentVersion returns the branch checked out in path, or the tag of a
// detached HEAD.
func (r *Repo) CurrentVersion(ctx context.Context, path string) (model.Version, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return model.Version{}, fmt.Errorf("opening workspace %s: %w", path, err)
	}
	head, err := repo.Head()
	if err != nil {
		return model.Version{}, fmt.Errorf("reading HEAD: %w", err)
	}
	if head.Name().IsBranch() {
		return model.NewDynamic(head.Name().Short()), nil
	}

	tags, err := repo.Tags()
	if err != nil {
		return model.Version{}, fmt.Errorf("listing tags: %w", err)
	}
	var found model.Version
	err = tags.ForEach(func(ref *plumbing.Reference) error {
		c, err := commitOf(repo, ref.Hash())
		if err == nil && c.Hash == head.Hash() {
			found = model.NewStatic(ref.Name().Short())
			return storer.ErrStop
		}
		return nil
	})
	if err != nil {
		return model.Version{}, err
	}
	if found.IsZero() {
		return model.Version{}, fmt.Errorf("HEAD of %s is neither a branch nor a tag", path)
	}
	return found, nil
}

// IsSynchronized checks for local changes and for commits not matching
// the remote branch.
func (r *Repo) IsSynchronized(ctx context.Context, path string, scope capability.SyncScope) (bool, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return false, fmt.Errorf("opening workspace %s: %w", path, err)
	}

	if scope&capability.SyncLocal != 0 {
		wt, err := repo.Worktree()
		if err != nil {
			return false, fmt.Errorf("getting worktree: %w", err)
		}
		status, err := wt.Status()
		if err != nil {
			return false, fmt.Errorf("getting status: %w", err)
		}
		if !status.IsClean() {
			r.log.Debugf("workspace %s has local changes", path)
			return false, nil
		}
	}

	if scope&capability.SyncRemote != 0 {
		if _, err := repo.Remote(remoteName); errors.Is(err, git.ErrRemoteNotFound) {
			return true, nil
		}
		if err := fetch(ctx, repo); err != nil {
			return false, err
		}
		head, err := repo.Head()
		if err != nil {
			return false, fmt.Errorf("reading HEAD: %w", err)
		}
		if !head.Name().IsBranch() {
			return true, nil
		}
		remote, err := repo.Reference(plumbing.NewRemoteReferenceName(remoteName, head.Name().Short()), true)
		if err != nil {
			r.log.Debugf("branch %s has no remote counterpart", head.Name().Short())
			return false, nil
		}
		if remote.Hash() != head.Hash() {
			r.log.Debugf("branch %s differs from %s", head.Name().Short(), remoteName)
			return false, nil
		}
	}
	return true, nil
}

// CreateVersion creates a branch or an annotated tag at HEAD and publishes
// it. Attributes go to the tag message or the branch description.
func (r *Repo) CreateVersion(ctx context.Context, path string, v model.Version, switchTo bool, attrs map[string]string) error {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return fmt.Errorf("opening workspace %s: %w", path, err)
	}
	head, err := repo.Head()
	if err != nil {
		return fmt.Errorf("reading HEAD: %w", err)
	}
	name := refName(v)

	if v.IsStatic() {
		_, err := repo.CreateTag(v.Value, head.Hash(), &git.CreateTagOptions{
			Tagger:  r.signature(),
			Message: withTrailers("Version "+v.Value, attrs),
		})
		if err != nil {
			return fmt.Errorf("creating tag %s: %w", v.Value, err)
		}
	} else {
		if err := repo.Storer.SetReference(plumbing.NewHashReference(name, head.Hash())); err != nil {
			return fmt.Errorf("creating branch %s: %w", v.Value, err)
		}
		err := repo.CreateBranch(&config.Branch{
			Name:        v.Value,
			Remote:      remoteName,
			Merge:       name,
			Description: strings.TrimSpace(withTrailers("", attrs)),
		})
		if err != nil && !errors.Is(err, git.ErrBranchExists) {
			return fmt.Errorf("configuring branch %s: %w", v.Value, err)
		}
	}

	if err := r.push(ctx, repo, name); err != nil {
		return err
	}

	if switchTo {
		wt, err := repo.Worktree()
		if err != nil {
			return fmt.Errorf("getting worktree: %w", err)
		}
		opts := &git.CheckoutOptions{Branch: name}
		if v.IsStatic() {
			opts = &git.CheckoutOptions{Hash: head.Hash()}
		}
		if err := wt.Checkout(opts); err != nil {
			return fmt.Errorf("switching to %s: %w", v, err)
		}
	}
	return nil
}

// Commit commits every change in the workspace and pushes the branch.
func (r *Repo) Commit(ctx context.Context, path, message string, attrs map[string]string) error {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return fmt.Errorf("opening workspace %s: %w", path, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("getting worktree: %w", err)
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return fmt.Errorf("staging changes: %w", err)
	}
	hash, err := wt.Commit(withTrailers(message, attrs), &git.CommitOptions{Author: r.signature()})
	if err != nil {
		return fmt.Errorf("committing: %w", err)
	}
	r.log.Debugf("committed %s in %s", hash, path)

	head, err := repo.Head()
	if err != nil {
		return fmt.Errorf("reading HEAD: %w", err)
	}
	return r.push(ctx, repo, head.Name())
}

// push publishes name when the workspace has a remote.
func (r *Repo) push(ctx context.Context, repo *git.Repository, name plumbing.ReferenceName) error {
	if _, err := repo.Remote(remoteName); errors.Is(err, git.ErrRemoteNotFound) {
		return nil
	}
	err := repo.PushContext(ctx, &git.PushOptions{
		RemoteName: remoteName,
		RefSpecs:   []config.RefSpec{config.RefSpec(string(name) + ":" + string(name))},
	})
	switch {
	case err == nil:
		r.invalidate()
		return nil
	case errors.Is(err, git.NoErrAlreadyUpToDate):
		return nil
	case errors.Is(err, git.ErrNonFastForwardUpdate), errors.Is(err, git.ErrForceNeeded),
		strings.Contains(err.Error(), "non-fast-forward"):
		return fmt.Errorf("pushing %s: %w", name.Short(), capability.ErrUpdateNeeded)
	default:
		return fmt.Errorf("pushing %s: %w", name.Short(), err)
	}
}

// Merge merges src into the branch checked out in path and pushes the
// result. A fast-forward is done in place. Diverged histories get a merge
// commit. With excluded commits, the other commits of src are cherry-picked
// and src is then recorded as merged with the "ours" strategy. Conflicts are
// left in the workspace for the operator to resolve.
func (r *Repo) Merge(ctx context.Context, path string, src model.Version, excluded []string) (capability.MergeOutcome, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return capability.NothingToMerge, fmt.Errorf("opening workspace %s: %w", path, err)
	}
	if err := fetch(ctx, repo); err != nil {
		return capability.NothingToMerge, err
	}
	head, err := repo.Head()
	if err != nil {
		return capability.NothingToMerge, fmt.Errorf("reading HEAD: %w", err)
	}
	headCommit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return capability.NothingToMerge, fmt.Errorf("getting HEAD commit: %w", err)
	}

	srcName := refName(src)
	if src.IsDynamic() {
		if _, err := repo.Remote(remoteName); err == nil {
			srcName = plumbing.NewRemoteReferenceName(remoteName, src.Value)
		}
	}
	srcCommit, err := resolve(repo, srcName)
	if err != nil {
		return capability.NothingToMerge, err
	}

	if srcCommit.Hash == headCommit.Hash {
		return capability.NothingToMerge, nil
	}
	if merged, err := srcCommit.IsAncestor(headCommit); err != nil {
		return capability.NothingToMerge, fmt.Errorf("comparing histories: %w", err)
	} else if merged {
		return capability.NothingToMerge, nil
	}

	var outcome capability.MergeOutcome
	if len(excluded) > 0 {
		outcome, err = r.mergeExcluding(ctx, path, src, srcCommit.Hash, excluded)
	} else {
		outcome, err = r.mergeAll(ctx, repo, path, src, headCommit, srcCommit)
	}
	if err != nil || outcome != capability.Merged {
		return outcome, err
	}

	// The CLI wrote objects behind go-git's back.
	if repo, err = git.PlainOpen(path); err != nil {
		return capability.Merged, fmt.Errorf("reopening workspace %s: %w", path, err)
	}
	if err := r.push(ctx, repo, head.Name()); err != nil {
		return capability.Merged, err
	}
	return capability.Merged, nil
}

func (r *Repo) mergeAll(ctx context.Context, repo *git.Repository, path string, src model.Version, headCommit, srcCommit *object.Commit) (capability.MergeOutcome, error) {
	ff, err := headCommit.IsAncestor(srcCommit)
	if err != nil {
		return capability.NothingToMerge, fmt.Errorf("comparing histories: %w", err)
	}
	if ff {
		wt, err := repo.Worktree()
		if err != nil {
			return capability.NothingToMerge, fmt.Errorf("getting worktree: %w", err)
		}
		if err := wt.Reset(&git.ResetOptions{Commit: srcCommit.Hash, Mode: git.HardReset}); err != nil {
			return capability.NothingToMerge, fmt.Errorf("fast-forwarding to %s: %w", src, err)
		}
		return capability.Merged, nil
	}

	msg := fmt.Sprintf("Merge %s.", src)
	if _, err := r.runGit(ctx, path, "merge", "--no-ff", "--no-edit", "-m", msg, srcCommit.Hash.String()); err != nil {
		return r.conflictsOr(ctx, path, err)
	}
	return capability.Merged, nil
}

// mergeExcluding applies the commits of src missing from HEAD, oldest first,
// except the excluded ones.
func (r *Repo) mergeExcluding(ctx context.Context, path string, src model.Version, srcHash plumbing.Hash, excluded []string) (capability.MergeOutcome, error) {
	skip := make(map[string]bool, len(excluded))
	for _, id := range excluded {
		skip[id] = true
	}
	out, err := r.runGit(ctx, path, "rev-list", "--reverse", "--topo-order", "--no-merges", "HEAD.."+srcHash.String())
	if err != nil {
		return capability.NothingToMerge, err
	}
	var picks []string
	for _, id := range lines(out) {
		if !skip[id] {
			picks = append(picks, id)
		}
	}
	r.log.Debugf("merging %s: %d commits applied, %d excluded", src, len(picks), len(excluded))

	if len(picks) > 0 {
		args := append([]string{"cherry-pick", "--keep-redundant-commits"}, picks...)
		if _, err := r.runGit(ctx, path, args...); err != nil {
			return r.conflictsOr(ctx, path, err)
		}
	}
	msg := fmt.Sprintf("Merge %s without excluded commits.", src)
	if _, err := r.runGit(ctx, path, "merge", "-s", "ours", "--no-edit", "-m", msg, srcHash.String()); err != nil {
		return capability.NothingToMerge, err
	}
	return capability.Merged, nil
}

// conflictsOr reports Conflicts when the failed command left unmerged paths
// in the workspace, and cause otherwise.
func (r *Repo) conflictsOr(ctx context.Context, path string, cause error) (capability.MergeOutcome, error) {
	files, err := r.unmerged(ctx, path)
	if err == nil && len(files) > 0 {
		r.log.Infof("conflicts in %s: %s", path, strings.Join(files, ", "))
		return capability.Conflicts, nil
	}
	return capability.NothingToMerge, cause
}

// DivergingCommits returns the commits reachable from src and not from
// dst, newest first.
func (r *Repo) DivergingCommits(ctx context.Context, src, dst model.Version) ([]capability.Commit, error) {
	repo, err := r.queryRepo(ctx)
	if err != nil {
		return nil, err
	}
	srcCommit, err := resolve(repo, refName(src))
	if err != nil {
		return nil, err
	}
	dstCommit, err := resolve(repo, refName(dst))
	if err != nil {
		return nil, err
	}

	reachable := make(map[plumbing.Hash]bool)
	dstLog, err := repo.Log(&git.LogOptions{From: dstCommit.Hash})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", dst, err)
	}
	err = dstLog.ForEach(func(c *object.Commit) error {
		reachable[c.Hash] = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	tags, err := tagsByCommit(repo)
	if err != nil {
		return nil, err
	}

	var out []capability.Commit
	srcLog, err := repo.Log(&git.LogOptions{From: srcCommit.Hash})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", src, err)
	}
	err = srcLog.ForEach(func(c *object.Commit) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if reachable[c.Hash] {
			return nil
		}
		out = append(out, capability.Commit{
			ID:             c.Hash.String(),
			Message:        c.Message,
			Attrs:          parseTrailers(c.Message),
			StaticVersions: tags[c.Hash],
		})
		return nil
	})
	return out, err
}

// tagsByCommit maps commits to the static versions pointing at them.
func tagsByCommit(repo *git.Repository) (map[plumbing.Hash][]model.Version, error) {
	iter, err := repo.Tags()
	if err != nil {
		return nil, fmt.Errorf("listing tags: %w", err)
	}
	out := make(map[plumbing.Hash][]model.Version)
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		c, err := commitOf(repo, ref.Hash())
		if err != nil {
			return nil
		}
		out[c.Hash] = append(out[c.Hash], model.NewStatic(ref.Name().Short()))
		return nil
	})
	return out, err
}
