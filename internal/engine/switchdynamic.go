package engine

import (
	"context"
	"fmt"

	"modver/internal/capability"
	"modver/internal/matcher"
	"modver/internal/model"
)

// SwitchPrecedence decides whether a node switches given whether its path
// matched and whether one of its ancestors was already switched in this run.
type SwitchPrecedence func(path *model.ReferencePath, matched, ancestorSwitched bool) bool

// MatchWins switches every matched node.
func MatchWins(_ *model.ReferencePath, matched, _ bool) bool {
	return matched
}

// AncestorWins does not switch matched nodes found under an ancestor that
// was already switched, avoiding a second round of prompts for its subtree.
func AncestorWins(_ *model.ReferencePath, matched, ancestorSwitched bool) bool {
	return matched && !ancestorSwitched
}

// SwitchJob configures SwitchToDynamicVersion.
type SwitchJob struct {
	Roots   []model.ModuleVersion
	Matcher matcher.Matcher
	// Precedence defaults to MatchWins.
	Precedence SwitchPrecedence
}

// SwitchToDynamicVersion moves the matched modules reachable from the roots
// to the dynamic versions chosen by their version policies. Parents of
// switched modules are switched too when static, and their references
// updated.
func (e *Engine) SwitchToDynamicVersion(ctx context.Context, job SwitchJob) (*Report, error) {
	if err := validateRoots(job.Roots, job.Matcher); err != nil {
		return nil, err
	}
	r := e.newRun(ctx, JobSwitchDynamic, ReentryOnce)
	defer r.cancel()

	j := &switchJob{
		run:        r,
		opts:       job,
		precedence: job.Precedence,
		registry:   NewRegistry[model.NodePath](),
	}
	if j.precedence == nil {
		j.precedence = MatchWins
	}
	r.lookup = j.registry.Lookup

	err := r.runRoots(job.Roots, j.visit)
	rep := r.report()
	rep.Transitions = j.registry.Transitions()
	return rep, err
}

type switchPhase int

const (
	phaseCollectChildren switchPhase = iota
	phaseDecideParent
	phaseReconcile
)

func (p switchPhase) String() string {
	switch p {
	case phaseCollectChildren:
		return "collect-children"
	case phaseDecideParent:
		return "decide-parent"
	default:
		return "reconcile"
	}
}

// switchJob keys its registry on node paths: a module is switched to one
// dynamic version per run whatever version it was reached at.
type switchJob struct {
	*run
	opts       SwitchJob
	precedence SwitchPrecedence
	registry   *Registry[model.NodePath]
}

// switchNode is the state carried across the phases of one node.
type switchNode struct {
	mod     *capability.Module
	mv      model.ModuleVersion
	visited bool
	refs    []*model.Reference
	results []Result
	changes []refChange
}

func (j *switchJob) visit(ref *model.Reference) (Result, error) {
	return j.withRef(ref, func(mv model.ModuleVersion) (Result, error) {
		if v, ok := j.registry.Lookup(mv.NodePath); ok {
			if v == mv.Version {
				return processed(v), nil
			}
			return changed(v), nil
		}
		mod, err := j.module(mv.NodePath)
		if err != nil || mod == nil {
			return unchanged(), err
		}

		n := &switchNode{mod: mod, mv: mv}
		var res Result
		for phase := phaseCollectChildren; phase <= phaseReconcile; phase++ {
			j.nodeLog(mv).Debugf("phase %s", phase)
			var done bool
			switch phase {
			case phaseCollectChildren:
				done, err = j.collectChildren(n)
			case phaseDecideParent:
				res, done, err = j.decideParent(n)
			case phaseReconcile:
				err = j.reconcileParent(n, res)
			}
			if err != nil {
				return res, err
			}
			if done || j.aborted() {
				return res, nil
			}
		}
		return res, nil
	})
}

// collectChildren visits the children of the node without touching it.
func (j *switchJob) collectChildren(n *switchNode) (bool, error) {
	if !j.opts.Matcher.CanMatchChildren(j.path) || !j.enter(n.mv) {
		return false, nil
	}
	refs, err := j.references(n.mod, n.mv.Version)
	if err != nil {
		return false, err
	}
	n.visited = true
	n.refs = refs
	for _, ref := range refs {
		res, err := j.visit(ref)
		if err != nil {
			return false, err
		}
		if j.aborted() {
			return true, nil
		}
		n.results = append(n.results, res)
		if c, ok := changedChild(ref, res); ok {
			n.changes = append(n.changes, c)
		}
	}
	return false, nil
}

// decideParent switches the node when selected, or when it is static and a
// child moved. A dynamic node whose children moved is updated in place.
func (j *switchJob) decideParent(n *switchNode) (Result, bool, error) {
	matched := j.opts.Matcher.Matches(j.path)
	selected := j.precedence(j.path, matched, j.ancestorSwitched())
	if matched && !selected {
		j.nodeLog(n.mv).Debug("matched under a switched ancestor, not switched")
	}

	if !selected && !(len(n.changes) > 0 && n.mv.Version.IsStatic()) {
		if len(n.changes) == 0 {
			return unchanged(), true, nil
		}
		return unchanged(), true, j.nodeErr(n.mv, j.propagate(n.mod, n.mv, n.changes))
	}

	res, err := j.switchVersion(n.mod, n.mv)
	if err != nil {
		return res, true, j.nodeErr(n.mv, err)
	}
	switch res.Outcome {
	case Unchanged:
		return res, true, nil
	case ProcessedNoChange:
		if len(n.changes) == 0 {
			return res, true, nil
		}
		return res, true, j.nodeErr(n.mv, j.propagate(n.mod, n.mv, n.changes))
	}
	return res, false, nil
}

// reconcileParent aligns the references of the node's new version with the
// children visited before the switch.
func (j *switchJob) reconcileParent(n *switchNode, res Result) error {
	if n.mod.References == nil {
		return nil
	}
	newMV := n.mv.WithVersion(res.Version)
	return j.nodeErr(newMV, j.reconcile(n.mod, newMV, n.refs, n.results, n.visited, j.visit))
}

// ancestorSwitched reports whether a module above the leaf was switched.
func (j *switchJob) ancestorSwitched() bool {
	for i := 0; i < j.path.Len()-1; i++ {
		ref := j.path.At(i)
		if !ref.IsManaged() {
			continue
		}
		if _, ok := j.registry.Lookup(ref.ModuleVersion.NodePath); ok {
			return true
		}
	}
	return false
}

// switchVersion moves mv to the dynamic version chosen by the policy,
// creating it when needed.
func (j *switchJob) switchVersion(mod *capability.Module, mv model.ModuleVersion) (Result, error) {
	vc, err := j.versionContext(mod, mv)
	if err != nil {
		return unchanged(), err
	}
	next, base, err := mod.Policy.NextDynamicVersion(j.ctx, vc)
	if err != nil {
		return unchanged(), fmt.Errorf("choosing dynamic version for %s: %w", mv, err)
	}
	if next.IsZero() {
		j.abort()
		return unchanged(), nil
	}
	if !next.IsDynamic() {
		return unchanged(), capability.Invariantf("version policy returned non-dynamic version %s for %s", next, mv)
	}
	if next == mv.Version {
		j.nodeLog(mv).Debug("dynamic version kept")
		j.registry.Record(mv.NodePath, next)
		return processed(next), nil
	}
	target := mv.WithVersion(next)

	exists, err := mod.SCM.VersionExists(j.ctx, next)
	if err != nil {
		return unchanged(), fmt.Errorf("checking existence of %s: %w", target, err)
	}
	if exists {
		if !j.confirm(mv.NodePath, "switch-dynamic-version", "Switch %s to existing dynamic version %s?", mv, next).Accepted() {
			return unchanged(), nil
		}
		if err := j.moveWorkspace(mod, mv, target); err != nil {
			return unchanged(), err
		}
		j.registry.Record(mv.NodePath, next)
		j.record(mv, "switched to existing dynamic version %s", next)
		return changed(next), nil
	}

	if base.IsZero() {
		base = mv.Version
	}
	path, release, err := j.operatorWorkspace(mod, mv.WithVersion(base))
	if err != nil {
		return unchanged(), err
	}
	defer release()

	if !j.confirm(mv.NodePath, "create-dynamic-version", "Create dynamic version %s of %s from %s?", next, mv.NodePath, base).Accepted() {
		return unchanged(), nil
	}
	attrs := map[string]string{capability.AttrBaseVersion: base.String()}
	if err := mod.SCM.CreateVersion(j.ctx, path, next, true, attrs); err != nil {
		return unchanged(), fmt.Errorf("creating %s: %w", target, err)
	}
	if err := j.e.workspaces.Reassign(path, target); err != nil {
		return unchanged(), fmt.Errorf("reassigning workspace %s: %w", path, err)
	}
	j.registry.Record(mv.NodePath, next)
	j.record(mv, "dynamic version %s created from %s", next, base)

	_, artifactChanged, err := j.setArtifactVersion(mod, path, next)
	if err != nil {
		return changed(next), err
	}
	if artifactChanged {
		msg := fmt.Sprintf("Set artifact version to %s for dynamic version %s.", mustMap(mod, next), next)
		if err := j.commit(mod, target, path, msg, map[string]string{capability.AttrVersionChange: "true"}); err != nil {
			return changed(next), err
		}
		j.record(target, "artifact version set to %s", mustMap(mod, next))
	}
	return changed(next), nil
}

// moveWorkspace switches an existing operator workspace of mv to target so
// that later steps find target checked out.
func (j *switchJob) moveWorkspace(mod *capability.Module, mv, target model.ModuleVersion) error {
	if !j.e.workspaces.Exists(mv) {
		return nil
	}
	path, release, err := j.operatorWorkspace(mod, mv)
	if err != nil {
		return err
	}
	defer release()
	if err := mod.SCM.Checkout(j.ctx, target.Version, path); err != nil {
		return fmt.Errorf("checking out %s: %w", target, err)
	}
	return j.e.workspaces.Reassign(path, target)
}
