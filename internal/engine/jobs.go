package engine

import (
	"context"

	"modver/internal/matcher"
	"modver/internal/model"
)

// Job names, as recorded in the action log.
const (
	JobCreateStatic  = "create-static-version"
	JobRelease       = "release"
	JobSwitchDynamic = "switch-to-dynamic-version"
	JobMerge         = "merge"
	JobGraph         = "reference-graph"
)

// StaticJob configures CreateStaticVersion and Release.
type StaticJob struct {
	Roots   []model.ModuleVersion
	Matcher matcher.Matcher
	// SkipBuild disables build validation. Ignored by Release.
	SkipBuild bool
}

// CreateStaticVersion promotes the matched dynamic versions reachable from
// the roots to new static versions chosen by each module's version policy,
// and updates the references of their dynamic parents.
func (e *Engine) CreateStaticVersion(ctx context.Context, job StaticJob) (*Report, error) {
	return e.runStatic(ctx, JobCreateStatic, job, false)
}

// Release is CreateStaticVersion with operator-selected static versions.
// Builds always run and the artifact version is reverted unless configured
// otherwise.
func (e *Engine) Release(ctx context.Context, job StaticJob) (*Report, error) {
	return e.runStatic(ctx, JobRelease, job, true)
}

func (e *Engine) runStatic(ctx context.Context, name string, job StaticJob, release bool) (*Report, error) {
	if err := validateRoots(job.Roots, job.Matcher); err != nil {
		return nil, err
	}
	r := e.newRun(ctx, name, ReentryOnce)
	defer r.cancel()

	j := &staticJob{
		run:      r,
		opts:     job,
		release:  release,
		registry: NewRegistry[model.ModuleVersion](),
	}
	err := r.runRoots(job.Roots, j.visit)
	rep := r.report()
	rep.Transitions = j.registry.Transitions()
	return rep, err
}
