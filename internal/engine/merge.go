package engine

import (
	"context"
	"fmt"
	"strings"

	"modver/internal/capability"
	"modver/internal/matcher"
	"modver/internal/model"
)

// MergeJob configures Merge.
type MergeJob struct {
	Roots   []model.ModuleVersion
	Matcher matcher.Matcher
	// Destination applies to every matched module. When nil it is taken
	// from the MERGE_DESTINATION property or asked.
	Destination *model.Version
	// ExcludeVersionChanges leaves out commits that only change the
	// artifact version.
	ExcludeVersionChanges bool
}

// Merge merges each matched static version reachable from the roots into a
// dynamic destination version of the same module.
func (e *Engine) Merge(ctx context.Context, job MergeJob) (*Report, error) {
	if err := validateRoots(job.Roots, job.Matcher); err != nil {
		return nil, err
	}
	if job.Destination != nil && !job.Destination.IsDynamic() {
		return nil, fmt.Errorf("merge destination %s is not a dynamic version", job.Destination)
	}
	r := e.newRun(ctx, JobMerge, ReentryOnce)
	defer r.cancel()

	j := &mergeJob{
		run:         r,
		opts:        job,
		registry:    NewRegistry[model.ModuleVersion](),
		conflicting: make(map[model.ModuleVersion]bool),
	}
	err := r.runRoots(job.Roots, j.visit)
	rep := r.report()
	rep.Transitions = j.registry.Transitions()
	return rep, err
}

type mergeJob struct {
	*run
	opts     MergeJob
	registry *Registry[model.ModuleVersion]
	// conflicting holds destinations left with conflicts; nothing else is
	// merged into them in this run.
	conflicting map[model.ModuleVersion]bool
}

// visit merges matched nodes and always continues into the children.
func (j *mergeJob) visit(ref *model.Reference) (Result, error) {
	return j.withRef(ref, func(mv model.ModuleVersion) (Result, error) {
		mod, err := j.module(mv.NodePath)
		if err != nil || mod == nil {
			return unchanged(), err
		}

		if j.opts.Matcher.Matches(j.path) {
			if _, ok := j.registry.Lookup(mv); !ok {
				if !mv.Version.IsStatic() {
					j.nodeLog(mv).Debug("not a static version, not merged")
				} else if err := j.nodeErr(mv, j.merge(mod, mv)); err != nil {
					return unchanged(), err
				}
				if j.aborted() {
					return unchanged(), nil
				}
			}
		}

		if !j.opts.Matcher.CanMatchChildren(j.path) || !j.enter(mv) {
			return unchanged(), nil
		}
		refs, err := j.references(mod, mv.Version)
		if err != nil {
			return unchanged(), err
		}
		for _, child := range refs {
			if _, err := j.visit(child); err != nil {
				return unchanged(), err
			}
			if j.aborted() {
				break
			}
		}
		return unchanged(), nil
	})
}

func (j *mergeJob) merge(mod *capability.Module, src model.ModuleVersion) error {
	dest, ok, err := j.destination(src)
	if err != nil || !ok {
		return err
	}
	if !dest.IsDynamic() {
		return capability.NewUserError(src, "merge destination %s is not a dynamic version", dest)
	}
	destMV := src.WithVersion(dest)
	if j.conflicting[destMV] {
		j.e.operator.Inform("Skipping merge of %s: %s has unresolved conflicts.", src, destMV)
		return nil
	}

	commits, err := mod.SCM.DivergingCommits(j.ctx, src.Version, dest)
	if err != nil {
		return fmt.Errorf("listing commits of %s missing from %s: %w", src, dest, err)
	}
	var excluded []string
	remaining := 0
	for _, c := range commits {
		if j.opts.ExcludeVersionChanges && c.Attrs[capability.AttrVersionChange] == "true" {
			excluded = append(excluded, c.ID)
			continue
		}
		remaining++
	}
	if remaining == 0 {
		j.e.operator.Inform("Nothing to merge from %s into %s.", src, dest)
		j.registry.Record(src, dest)
		return nil
	}

	ws := j.e.workspaces
	transient := !ws.Exists(destMV)
	path, release, err := j.operatorWorkspace(mod, destMV)
	if err != nil {
		return err
	}
	outcome := capability.NothingToMerge
	defer func() {
		release()
		if transient && outcome != capability.Conflicts {
			if err := ws.Remove(path); err != nil {
				j.nodeLog(destMV).Warnf("removing transient workspace %s: %v", path, err)
			}
		}
	}()

	if !j.confirm(src.NodePath, "merge", "Merge %s into %s (%d commits)?", src, dest, remaining).Accepted() {
		return nil
	}
	outcome, err = mod.SCM.Merge(j.ctx, path, src.Version, excluded)
	if err != nil {
		return fmt.Errorf("merging %s into %s: %w", src, dest, err)
	}
	j.registry.Record(src, dest)

	switch outcome {
	case capability.Merged:
		j.record(destMV, "merged %s", src)
	case capability.NothingToMerge:
		j.e.operator.Inform("Nothing to merge from %s into %s.", src, dest)
	case capability.Conflicts:
		j.conflicting[destMV] = true
		if policy, _ := j.property(src.NodePath, PropStopOnMergeConflicts); policy == policyAlways {
			j.abort()
		}
		return capability.NewUserError(destMV, "merge of %s left conflicts in workspace %s", src, path)
	}
	return nil
}

// destination resolves the merge destination of src: the job option, a
// previous choice, or the operator's answer, which is remembered.
func (j *mergeJob) destination(src model.ModuleVersion) (model.Version, bool, error) {
	if j.opts.Destination != nil {
		return *j.opts.Destination, true, nil
	}
	if s, ok := j.property(src.NodePath, PropMergeDestination); ok && s != "" {
		return parseDynamic(s), true, nil
	}

	answer, err := j.e.operator.Ask(fmt.Sprintf("Dynamic version to merge %s into", src), "")
	if err != nil {
		return model.Version{}, false, fmt.Errorf("asking merge destination: %w", err)
	}
	if answer == "" {
		j.abort()
		return model.Version{}, false, nil
	}
	v := parseDynamic(answer)
	if err := j.e.props.Set(string(src.NodePath), PropMergeDestination, v.String()); err != nil {
		j.log.Warnf("remembering merge destination: %v", err)
	}
	return v, true, nil
}

// parseDynamic accepts "D/<name>", "S/<name>" or a bare branch name, which
// may itself contain slashes.
func parseDynamic(s string) model.Version {
	s = strings.TrimSpace(s)
	if v, err := model.ParseVersion(s); err == nil {
		return v
	}
	return model.NewDynamic(s)
}
