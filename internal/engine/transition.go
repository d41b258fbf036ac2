package engine

import (
	"fmt"

	"modver/internal/capability"
	"modver/internal/model"
)

// staticJob promotes dynamic versions to static ones. It backs both
// CreateStaticVersion and Release.
type staticJob struct {
	*run
	opts     StaticJob
	release  bool
	registry *Registry[model.ModuleVersion]
}

// visit is the traversal step: matched nodes are promoted, the others are
// descended into and updated with the promoted children.
func (j *staticJob) visit(ref *model.Reference) (Result, error) {
	return j.withRef(ref, func(mv model.ModuleVersion) (Result, error) {
		if !mv.Version.IsDynamic() {
			j.log.Debugf("%s is static, skipped", mv)
			return unchanged(), nil
		}
		if v, ok := j.registry.Lookup(mv); ok {
			return changed(v), nil
		}
		mod, err := j.module(mv.NodePath)
		if err != nil || mod == nil {
			return unchanged(), err
		}

		if j.opts.Matcher.Matches(j.path) {
			res, err := j.promote(mod, mv)
			if err != nil {
				return unchanged(), j.nodeErr(mv, err)
			}
			return res, nil
		}
		if !j.opts.Matcher.CanMatchChildren(j.path) || !j.enter(mv) {
			return unchanged(), nil
		}
		return unchanged(), j.visitChildren(mod, mv, j.visit)
	})
}

// promote creates a static version of mv after promoting its dynamic
// references. The matcher is not consulted below a promoted node.
func (j *staticJob) promote(mod *capability.Module, mv model.ModuleVersion) (Result, error) {
	if v, ok := j.registry.Lookup(mv); ok {
		return changed(v), nil
	}
	if !mv.Version.IsDynamic() {
		return unchanged(), capability.Invariantf("promotion of non-dynamic version %s", mv)
	}
	log := j.nodeLog(mv)

	vc, err := j.versionContext(mod, mv)
	if err != nil {
		return unchanged(), err
	}
	target, ok, err := j.targetVersion(mod, vc)
	if err != nil {
		return unchanged(), err
	}
	if !ok {
		j.abort()
		return unchanged(), nil
	}
	if !target.IsStatic() {
		return unchanged(), capability.Invariantf("version policy returned non-static version %s for %s", target, mv)
	}

	exists, err := mod.SCM.VersionExists(j.ctx, target)
	if err != nil {
		return unchanged(), fmt.Errorf("checking existence of %s: %w", mv.WithVersion(target), err)
	}
	if exists {
		log.Debugf("static version %s already exists", target)
		j.e.operator.Inform("Static version %s of %s already exists and is reused.", target, mv.NodePath)
		j.registry.Record(mv, target)
		return changed(target), nil
	}

	path, release, err := j.operatorWorkspace(mod, mv)
	if err != nil {
		return unchanged(), err
	}
	defer release()

	if !j.confirm(mv.NodePath, "create-static-version", "Create static version %s of %s?", target, mv).Accepted() {
		return unchanged(), nil
	}

	changes, err := j.closeReferences(mod, mv, path)
	if err != nil {
		return unchanged(), err
	}
	if j.aborted() {
		return unchanged(), nil
	}

	// Edits stay uncommitted until the build validates them.
	rewritten, err := j.rewriteReferences(mod, mv, path, changes)
	if err != nil {
		return unchanged(), j.rollback(mod, mv, path, rewritten, "", false, err)
	}
	previous, artifactChanged, err := j.setArtifactVersion(mod, path, target)
	if err != nil {
		return unchanged(), j.rollback(mod, mv, path, rewritten, "", false, err)
	}

	if mod.Build != nil && (j.release || !j.opts.SkipBuild) {
		bc := capability.BuildContext{ModuleVersion: mv, Target: target, Reason: "static version validation"}
		ok, err := j.build(mod, path, bc)
		if err != nil || !ok {
			failure := &capability.UserError{ModuleVersion: mv, Msg: "build failed; references and artifact version rolled back", Err: err}
			return unchanged(), j.rollback(mod, mv, path, rewritten, previous, artifactChanged, failure)
		}
	}

	if err := j.commitValidated(mod, mv, path, target, rewritten, previous, artifactChanged); err != nil {
		return unchanged(), err
	}
	if j.aborted() {
		return unchanged(), nil
	}

	attrs := map[string]string{capability.AttrBaseVersion: mv.Version.String()}
	if err := mod.SCM.CreateVersion(j.ctx, path, target, false, attrs); err != nil {
		return unchanged(), fmt.Errorf("creating %s: %w", mv.WithVersion(target), err)
	}
	j.record(mv, "static version %s created", target)

	if artifactChanged {
		if err := j.revertArtifactVersion(mod, mv, path, previous); err != nil {
			// The static version exists; keep the registry consistent with it.
			j.registry.Record(mv, target)
			return changed(target), err
		}
	}

	j.registry.Record(mv, target)
	return changed(target), nil
}

func (j *staticJob) targetVersion(mod *capability.Module, vc capability.VersionContext) (model.Version, bool, error) {
	if j.release {
		return mod.Policy.SelectStaticVersion(j.ctx, vc)
	}
	v, err := mod.Policy.NextStaticVersion(j.ctx, vc)
	return v, err == nil, err
}

// closeReferences promotes every dynamic reference of mv and returns the
// rewrites that make the static version reference static versions only.
// Nothing is written to the workspace.
func (j *staticJob) closeReferences(mod *capability.Module, mv model.ModuleVersion, path string) ([]refChange, error) {
	if mod.References == nil {
		return nil, nil
	}
	refs, err := mod.References.References(path)
	if err != nil {
		return nil, fmt.Errorf("listing references of %s: %w", mv, err)
	}

	var changes []refChange
	for _, ref := range refs {
		if !ref.IsManaged() {
			if j.e.dynamicArtifact(ref.Artifact.Version) {
				return nil, capability.NewUserError(mv, "reference to unmanaged artifact %s has a dynamic version", ref.Artifact)
			}
			continue
		}
		if ref.ModuleVersion.Version.IsStatic() {
			continue
		}

		res, err := j.withRef(ref, func(child model.ModuleVersion) (Result, error) {
			childMod, err := j.module(child.NodePath)
			if err != nil {
				return unchanged(), err
			}
			if childMod == nil {
				return unchanged(), capability.NewUserError(child, "dynamic reference to a module missing from the catalog")
			}
			res, err := j.promote(childMod, child)
			return res, j.nodeErr(child, err)
		})
		if err != nil {
			return nil, err
		}
		if j.aborted() {
			return nil, nil
		}
		c, ok := changedChild(ref, res)
		if !ok || !c.version.IsStatic() {
			return nil, capability.NewUserError(mv, "reference %s is still dynamic", ref)
		}
		changes = append(changes, c)
	}
	return changes, nil
}

// rollback restores the workspace of mv after a failed attempt and returns
// cause, or the restore error when the workspace could not be restored.
func (j *staticJob) rollback(mod *capability.Module, mv model.ModuleVersion, path string, rewritten []refChange, previous string, artifactChanged bool, cause error) error {
	if artifactChanged {
		if _, err := mod.Artifact.SetArtifactVersion(path, previous); err != nil {
			return fmt.Errorf("rolling back artifact version of %s: %w", mv, err)
		}
	}
	if err := j.restoreReferences(mod, mv, path, rewritten); err != nil {
		return err
	}
	return cause
}

// commitValidated commits the validated edits: one commit per rewritten
// reference, then the artifact version.
func (j *staticJob) commitValidated(mod *capability.Module, mv model.ModuleVersion, path string, target model.Version, rewritten []refChange, previous string, artifactChanged bool) error {
	if len(rewritten) > 0 {
		// Commits include the whole workspace, so each reference is
		// reapplied and committed alone before the artifact version.
		if artifactChanged {
			if _, err := mod.Artifact.SetArtifactVersion(path, previous); err != nil {
				return fmt.Errorf("setting artifact version in %s: %w", path, err)
			}
		}
		if err := j.restoreReferences(mod, mv, path, rewritten); err != nil {
			return err
		}
		if err := j.applyChanges(mod, mv, path, rewritten, false); err != nil {
			return err
		}
		if j.aborted() {
			return nil
		}
		if artifactChanged {
			if _, _, err := j.setArtifactVersion(mod, path, target); err != nil {
				return err
			}
		}
	}
	if !artifactChanged {
		return nil
	}
	msg := fmt.Sprintf("Set artifact version to %s for static version %s.", mustMap(mod, target), target)
	return j.commit(mod, mv, path, msg, map[string]string{capability.AttrVersionChange: "true"})
}

// setArtifactVersion sets the artifact version matching target and returns
// the previous one.
func (r *run) setArtifactVersion(mod *capability.Module, path string, target model.Version) (string, bool, error) {
	if mod.Artifact == nil {
		return "", false, nil
	}
	previous, err := mod.Artifact.ArtifactVersion(path)
	if err != nil {
		return "", false, fmt.Errorf("reading artifact version in %s: %w", path, err)
	}
	next, err := mod.Artifact.MapVersion(target)
	if err != nil {
		return "", false, fmt.Errorf("mapping %s to an artifact version: %w", target, err)
	}
	changed, err := mod.Artifact.SetArtifactVersion(path, next)
	if err != nil {
		return "", false, fmt.Errorf("setting artifact version in %s: %w", path, err)
	}
	return previous, changed, nil
}

// revertArtifactVersion restores the artifact version of the dynamic version
// once the static version is cut, according to the revert policy.
func (j *staticJob) revertArtifactVersion(mod *capability.Module, mv model.ModuleVersion, path, previous string) error {
	policy, ok := j.property(mv.NodePath, PropRevertArtifactVersion)
	if !ok {
		policy = policyAsk
		if j.release {
			policy = policyAlways
		}
	}
	switch policy {
	case policyNever:
		return nil
	case policyAlways:
	default:
		d := j.confirm(mv.NodePath, "revert-artifact-version", "Revert artifact version of %s to %s?", mv, previous)
		if !d.Accepted() {
			return nil
		}
	}

	reverted, err := mod.Artifact.SetArtifactVersion(path, previous)
	if err != nil {
		return fmt.Errorf("reverting artifact version of %s: %w", mv, err)
	}
	if !reverted {
		return nil
	}
	msg := fmt.Sprintf("Revert artifact version to %s.", previous)
	if err := j.commit(mod, mv, path, msg, map[string]string{capability.AttrVersionChange: "true"}); err != nil {
		return err
	}
	j.record(mv, "artifact version reverted to %s", previous)
	return nil
}

func mustMap(mod *capability.Module, v model.Version) string {
	s, err := mod.Artifact.MapVersion(v)
	if err != nil {
		return v.Value
	}
	return s
}
