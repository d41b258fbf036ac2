package engine

import (
	"fmt"

	"modver/internal/capability"
	"modver/internal/model"
)

// refChange is a reference to rewrite to a new child version.
type refChange struct {
	ref     *model.Reference
	version model.Version
}

func (c refChange) String() string {
	return fmt.Sprintf("%s -> %s", c.ref, c.version)
}

// changedChild returns the change implied by a child's result, if any.
func changedChild(ref *model.Reference, res Result) (refChange, bool) {
	if res.Outcome != Changed || !ref.IsManaged() || ref.ModuleVersion.Version == res.Version {
		return refChange{}, false
	}
	return refChange{ref: ref, version: res.Version}, true
}

// visitChildren visits the references of mv and rewrites in mv those whose
// child changed version.
func (r *run) visitChildren(mod *capability.Module, mv model.ModuleVersion, visit func(*model.Reference) (Result, error)) error {
	refs, err := r.references(mod, mv.Version)
	if err != nil {
		return err
	}
	var changes []refChange
	for _, ref := range refs {
		res, err := visit(ref)
		if err != nil {
			return err
		}
		if r.aborted() {
			return nil
		}
		if c, ok := changedChild(ref, res); ok {
			changes = append(changes, c)
		}
	}
	if len(changes) == 0 {
		return nil
	}
	return r.nodeErr(mv, r.propagate(mod, mv, changes))
}

// propagate rewrites changed references in the operator workspace of mv.
func (r *run) propagate(mod *capability.Module, mv model.ModuleVersion, changes []refChange) error {
	if !mv.Version.IsDynamic() {
		return capability.NewUserError(mv, "cannot update references of static version (%d changed)", len(changes))
	}
	path, release, err := r.operatorWorkspace(mod, mv)
	if err != nil {
		return err
	}
	defer release()
	return r.applyChanges(mod, mv, path, changes, true)
}

// applyChanges rewrites each reference and commits it on its own.
func (r *run) applyChanges(mod *capability.Module, mv model.ModuleVersion, path string, changes []refChange, ask bool) error {
	for _, c := range changes {
		if r.aborted() {
			return nil
		}
		if ask {
			d := r.confirm(mv.NodePath, "update-reference", "Update reference %s in %s to version %s?", c.ref, mv, c.version)
			if !d.Accepted() {
				continue
			}
		}
		updated, err := mod.References.UpdateReferenceVersion(path, c.ref, c.version)
		if err != nil {
			return fmt.Errorf("updating reference %s in %s: %w", c.ref, mv, err)
		}
		if !updated {
			r.nodeLog(mv).Debugf("reference %s already at %s", c.ref, c.version)
			continue
		}
		msg := fmt.Sprintf("Update reference to %s.", c.ref.WithVersion(c.version))
		attrs := map[string]string{capability.AttrReferenceVersionChange: "true"}
		if err := r.commit(mod, mv, path, msg, attrs); err != nil {
			return err
		}
		r.record(mv, "reference %s updated to %s", c.ref, c.version)
	}
	return nil
}

// rewriteReferences applies changes to the workspace without committing and
// returns those that modified it.
func (r *run) rewriteReferences(mod *capability.Module, mv model.ModuleVersion, path string, changes []refChange) ([]refChange, error) {
	var rewritten []refChange
	for _, c := range changes {
		updated, err := mod.References.UpdateReferenceVersion(path, c.ref, c.version)
		if err != nil {
			return rewritten, fmt.Errorf("updating reference %s in %s: %w", c.ref, mv, err)
		}
		if updated {
			rewritten = append(rewritten, c)
		}
	}
	return rewritten, nil
}

// restoreReferences undoes rewriteReferences.
func (r *run) restoreReferences(mod *capability.Module, mv model.ModuleVersion, path string, rewritten []refChange) error {
	for i := len(rewritten) - 1; i >= 0; i-- {
		c := rewritten[i]
		if _, err := mod.References.UpdateReferenceVersion(path, c.ref.WithVersion(c.version), c.ref.ModuleVersion.Version); err != nil {
			return fmt.Errorf("restoring reference %s in %s: %w", c.ref, mv, err)
		}
	}
	return nil
}

// refPair pairs a reference of the snapshot taken before a node's own
// transition with the same reference after it.
type refPair struct {
	oldIndex int // -1 when added
	old      *model.Reference
	new      *model.Reference
}

// refDiff is the difference between two reference lists.
type refDiff struct {
	pairs   []refPair // one per new reference, in new order
	removed []*model.Reference
}

// discrepancies describes structural differences: added or removed
// references, and carried references whose version moved.
func (d refDiff) discrepancies() []string {
	var out []string
	for _, p := range d.pairs {
		switch {
		case p.old == nil:
			out = append(out, fmt.Sprintf("added %s", p.new))
		case p.old.IsManaged() && p.old.ModuleVersion.Version != p.new.ModuleVersion.Version:
			out = append(out, fmt.Sprintf("%s now %s", p.old, p.new.ModuleVersion.Version))
		case !p.old.IsManaged() && p.old.Artifact.Version != p.new.Artifact.Version:
			out = append(out, fmt.Sprintf("%s now %s", p.old, p.new.Artifact.Version))
		}
	}
	for _, ref := range d.removed {
		out = append(out, fmt.Sprintf("removed %s", ref))
	}
	return out
}

// diffReferences matches new references to old ones ignoring versions.
func diffReferences(oldRefs, newRefs []*model.Reference) refDiff {
	used := make([]bool, len(oldRefs))
	var d refDiff
	for _, n := range newRefs {
		p := refPair{oldIndex: -1, new: n}
		for i, o := range oldRefs {
			if !used[i] && o.EqualsIgnoringVersion(n) {
				used[i] = true
				p.oldIndex, p.old = i, o
				break
			}
		}
		d.pairs = append(d.pairs, p)
	}
	for i, o := range oldRefs {
		if !used[i] {
			d.removed = append(d.removed, o)
		}
	}
	return d
}

// reconcile aligns the references of a node that just moved to a new version
// with the results of the children visited before the move. Children only
// present in the new version are visited as fresh nodes.
func (r *run) reconcile(mod *capability.Module, mv model.ModuleVersion, oldRefs []*model.Reference, results []Result, visited bool, visit func(*model.Reference) (Result, error)) error {
	path, release, err := r.operatorWorkspace(mod, mv)
	if err != nil {
		return err
	}
	defer release()

	newRefs, err := mod.References.References(path)
	if err != nil {
		return fmt.Errorf("listing references of %s: %w", mv, err)
	}
	diff := diffReferences(oldRefs, newRefs)

	if visited {
		if disc := diff.discrepancies(); len(disc) > 0 {
			r.e.operator.Inform("References of %s differ from those visited before the switch:", mv)
			outdent := r.e.operator.Indent()
			for _, s := range disc {
				r.e.operator.Inform("%s", s)
			}
			outdent()
			if !r.confirm(mv.NodePath, "reconcile-references", "Continue updating the references of %s?", mv).Accepted() {
				return nil
			}
		}
	}

	var changes []refChange
	for _, p := range diff.pairs {
		var res Result
		switch {
		case p.old == nil || !visited:
			if !visited {
				// Children were pruned before the switch; only the registry
				// can tell whether they moved.
				res, err = r.established(p.new)
			} else {
				res, err = visit(p.new)
			}
			if err != nil {
				return err
			}
			if r.aborted() {
				return nil
			}
		default:
			res = results[p.oldIndex]
		}
		if c, ok := changedChild(p.new, res); ok {
			changes = append(changes, c)
		}
	}
	if len(changes) == 0 {
		return nil
	}
	return r.applyChanges(mod, mv, path, changes, false)
}

// established returns the result recorded for ref's module without visiting
// it. Set by jobs keyed on node paths.
func (r *run) established(ref *model.Reference) (Result, error) {
	if r.lookup == nil || !ref.IsManaged() {
		return unchanged(), nil
	}
	if v, ok := r.lookup(ref.ModuleVersion.NodePath); ok {
		return changed(v), nil
	}
	return unchanged(), nil
}
