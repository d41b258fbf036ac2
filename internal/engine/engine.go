// Package engine walks the reference graph of module versions and applies
// version transitions to the nodes selected by a matcher.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"modver/internal/capability"
	"modver/internal/matcher"
	"modver/internal/model"
)

// Property keys consulted by the jobs.
const (
	PropRevertArtifactVersion = "REVERT_ARTIFACT_VERSION"
	PropMergeDestination      = "MERGE_DESTINATION"
	PropStopOnMergeConflicts  = "STOP_ON_MERGE_CONFLICTS"

	policyAlways = "always"
	policyNever  = "never"
	policyAsk    = "ask"
)

// Outcome is the tri-state result of visiting a node.
type Outcome int

const (
	Unchanged Outcome = iota
	ProcessedNoChange
	Changed
)

func (o Outcome) String() string {
	switch o {
	case ProcessedNoChange:
		return "processed"
	case Changed:
		return "changed"
	default:
		return "unchanged"
	}
}

// Result is returned by every node visit. Version is set when Outcome is
// Changed or ProcessedNoChange.
type Result struct {
	Outcome Outcome
	Version model.Version
}

func unchanged() Result { return Result{Outcome: Unchanged} }

func changed(v model.Version) Result { return Result{Outcome: Changed, Version: v} }

func processed(v model.Version) Result { return Result{Outcome: ProcessedNoChange, Version: v} }

// ReentryPolicy controls whether a module version reached again through
// another path is visited again.
type ReentryPolicy int

const (
	// ReentryOnce expands each module version at most once per run.
	ReentryOnce ReentryPolicy = iota
	// ReentryAlways enumerates every path.
	ReentryAlways
)

// BuildLogSink opens a writer receiving the output of one build.
type BuildLogSink interface {
	BuildLog(runID string, bc capability.BuildContext) (io.WriteCloser, error)
}

// Config holds the collaborators of an Engine.
type Config struct {
	Catalog    capability.Catalog
	Workspaces capability.Workspaces
	Operator   capability.Operator
	Properties capability.Properties
	// Recorder persists actions. Optional.
	Recorder ActionRecorder
	// BuildLogs receives build output. Optional, defaults to the logger.
	BuildLogs BuildLogSink
	// DynamicArtifact reports whether an unmanaged artifact version is
	// mutable. Defaults to a "-SNAPSHOT" suffix check.
	DynamicArtifact func(version string) bool
	Log             *logrus.Logger
}

// Engine runs jobs over the reference graph.
type Engine struct {
	catalog         capability.Catalog
	workspaces      capability.Workspaces
	operator        capability.Operator
	props           capability.Properties
	recorder        ActionRecorder
	buildLogs       BuildLogSink
	dynamicArtifact func(string) bool
	log             *logrus.Entry
}

// New creates an engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Catalog == nil || cfg.Workspaces == nil || cfg.Operator == nil || cfg.Properties == nil {
		return nil, fmt.Errorf("engine: catalog, workspaces, operator and properties are required")
	}
	log := cfg.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	e := &Engine{
		catalog:         cfg.Catalog,
		workspaces:      cfg.Workspaces,
		operator:        cfg.Operator,
		props:           cfg.Properties,
		recorder:        cfg.Recorder,
		buildLogs:       cfg.BuildLogs,
		dynamicArtifact: cfg.DynamicArtifact,
		log:             logrus.NewEntry(log),
	}
	if e.dynamicArtifact == nil {
		e.dynamicArtifact = func(v string) bool { return strings.HasSuffix(v, "-SNAPSHOT") }
	}
	return e, nil
}

// Report summarizes a job run.
type Report struct {
	RunID   string
	Job     string
	Actions []Action
	// Failures aggregates the node-level user errors. nil when none.
	Failures error
	Aborted  bool
	// Transitions lists the versions each job step established, in the
	// order they were recorded.
	Transitions []Transition
}

// Transition is one entry of the run's version registry: the module version
// (or node path) visited and the version the job gave it.
type Transition struct {
	Subject string
	Version model.Version
}

// run is the state of one job execution. Not safe for concurrent use; the
// engine never visits nodes concurrently.
type run struct {
	e        *Engine
	ctx      context.Context
	cancel   context.CancelFunc
	id       string
	job      string
	path     *model.ReferencePath
	actions  *ActionLog
	failures *multierror.Error
	reentry  ReentryPolicy
	visited  map[model.ModuleVersion]bool
	// lookup returns the version established for a module in this run, for
	// jobs keyed on node paths.
	lookup func(model.NodePath) (model.Version, bool)
	log    *logrus.Entry
}

func (e *Engine) newRun(ctx context.Context, job string, reentry ReentryPolicy) *run {
	ctx, cancel := context.WithCancel(ctx)
	id := uuid.NewString()
	return &run{
		e:       e,
		ctx:     ctx,
		cancel:  cancel,
		id:      id,
		job:     job,
		path:    model.NewReferencePath(),
		actions: NewActionLog(e.recorder),
		reentry: reentry,
		visited: make(map[model.ModuleVersion]bool),
		log:     e.log.WithFields(logrus.Fields{"job": job, "run": id[:8]}),
	}
}

func (r *run) report() *Report {
	rep := &Report{
		RunID:   r.id,
		Job:     r.job,
		Actions: r.actions.Entries(),
		Aborted: r.aborted(),
	}
	if r.failures != nil {
		rep.Failures = r.failures.ErrorOrNil()
	}
	return rep
}

func (r *run) aborted() bool {
	return r.ctx.Err() != nil
}

func (r *run) abort() {
	if !r.aborted() {
		r.log.Warn("run aborted by operator")
		r.e.operator.Inform("Aborting. Actions already performed are kept.")
	}
	r.cancel()
}

// enter reports whether mv should be expanded under the reentry policy.
func (r *run) enter(mv model.ModuleVersion) bool {
	if r.reentry == ReentryAlways {
		return true
	}
	if r.visited[mv] {
		r.log.Debugf("%s already visited, not expanding again", mv)
		return false
	}
	r.visited[mv] = true
	return true
}

// withRef pushes ref on the path for the duration of fn. External references
// and references closing a cycle are leaves.
func (r *run) withRef(ref *model.Reference, fn func(mv model.ModuleVersion) (Result, error)) (Result, error) {
	r.path.Push(ref)
	defer r.path.Pop()

	if !ref.IsManaged() {
		return unchanged(), nil
	}
	mv := *ref.ModuleVersion
	if r.path.Contains(mv) {
		r.log.Warnf("reference cycle not followed: %s", r.path)
		return unchanged(), nil
	}
	return fn(mv)
}

// nodeLog returns a logger annotated with the current node.
func (r *run) nodeLog(mv model.ModuleVersion) *logrus.Entry {
	return r.log.WithFields(logrus.Fields{
		"module":  string(mv.NodePath),
		"version": mv.Version.String(),
	})
}

// nodeErr absorbs user errors: they abort the current node only and are
// reported at the end of the run. Other errors are returned.
func (r *run) nodeErr(mv model.ModuleVersion, err error) error {
	if err == nil {
		return nil
	}
	if !capability.IsUserError(err) {
		return err
	}
	r.nodeLog(mv).Warnf("transition aborted: %v", err)
	r.e.operator.Inform("%v", err)
	if r.path.Len() > 0 {
		r.e.operator.Inform("Reference path:\n%s", r.path.Format())
	}
	r.failures = multierror.Append(r.failures, err)
	return nil
}

// module resolves a node path. Unknown modules yield nil without error.
func (r *run) module(np model.NodePath) (*capability.Module, error) {
	mod, err := r.e.catalog.Module(r.ctx, np)
	if errors.Is(err, capability.ErrNotFound) {
		r.log.Debugf("module %s unknown, treated as leaf", np)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolving module %s: %w", np, err)
	}
	return mod, nil
}

// property looks up key in the module scope, then the global scope.
func (r *run) property(np model.NodePath, key string) (string, bool) {
	if v, ok := r.e.props.Get(string(np), key); ok {
		return v, true
	}
	return r.e.props.Get(capability.GlobalScope, key)
}

// confirm asks the operator unless a previous YesAlways answer for key
// applies. Abort cancels the run.
func (r *run) confirm(np model.NodePath, key, format string, args ...interface{}) capability.Decision {
	if r.aborted() {
		return capability.Abort
	}
	alwaysKey := "ALWAYS_" + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
	if v, ok := r.property(np, alwaysKey); ok && v == "true" {
		return capability.Yes
	}
	d := r.e.operator.Confirm(key, fmt.Sprintf(format, args...))
	switch d {
	case capability.YesAlways:
		if err := r.e.props.Set(capability.GlobalScope, alwaysKey, "true"); err != nil {
			r.log.Warnf("remembering answer for %s: %v", key, err)
		}
	case capability.Abort:
		r.abort()
	}
	return d
}

// record appends an action to the run's action log.
func (r *run) record(mv model.ModuleVersion, format string, args ...interface{}) {
	desc := fmt.Sprintf(format, args...)
	r.nodeLog(mv).Info(desc)
	err := r.actions.Append(Action{
		RunID:         r.id,
		Job:           r.job,
		ModuleVersion: mv,
		Description:   desc,
	})
	if err != nil {
		r.log.Warnf("recording action: %v", err)
	}
}

// references lists the references of mod at v from a read-only checkout.
func (r *run) references(mod *capability.Module, v model.Version) ([]*model.Reference, error) {
	mv := model.ModuleVersion{NodePath: mod.NodePath, Version: v}
	if mod.References == nil {
		return nil, nil
	}
	path, release, err := mod.SCM.CheckoutForInspection(r.ctx, v)
	if err != nil {
		return nil, fmt.Errorf("checking out %s for inspection: %w", mv, err)
	}
	defer release()

	refs, err := mod.References.References(path)
	if err != nil {
		return nil, fmt.Errorf("listing references of %s: %w", mv, err)
	}
	return refs, nil
}

// operatorWorkspace acquires a synchronized read-write workspace for mv,
// reusing the operator's existing one.
func (r *run) operatorWorkspace(mod *capability.Module, mv model.ModuleVersion) (string, func(), error) {
	ws := r.e.workspaces
	if other := ws.Conflict(mv); other != nil {
		return "", nil, capability.NewUserError(mv, "the workspace of %s already holds version %s", mv.NodePath, other.Version)
	}
	existed := ws.Exists(mv)
	path, err := ws.Acquire(r.ctx, mv, capability.ModeOperator)
	if err != nil {
		return "", nil, fmt.Errorf("acquiring workspace for %s: %w", mv, err)
	}
	release := func() { ws.Release(path) }

	if !existed {
		if err := mod.SCM.Checkout(r.ctx, mv.Version, path); err != nil {
			// Acquire indexed the workspace as holding mv; drop the partial
			// checkout so the next run checks it out again.
			if rmErr := ws.Remove(path); rmErr != nil {
				r.log.Warnf("removing failed checkout %s: %v", path, rmErr)
			}
			release()
			return "", nil, fmt.Errorf("checking out %s: %w", mv, err)
		}
	}
	synced, err := mod.SCM.IsSynchronized(r.ctx, path, capability.SyncAll)
	if err != nil {
		release()
		return "", nil, fmt.Errorf("checking synchronization of %s: %w", path, err)
	}
	if !synced {
		release()
		return "", nil, capability.NewUserError(mv, "workspace %s is not synchronized; commit, update or push it first", path)
	}
	return path, release, nil
}

// commit commits the workspace, turning backend update conflicts into user
// errors.
func (r *run) commit(mod *capability.Module, mv model.ModuleVersion, path, message string, attrs map[string]string) error {
	err := mod.SCM.Commit(r.ctx, path, message, attrs)
	if errors.Is(err, capability.ErrUpdateNeeded) {
		return &capability.UserError{ModuleVersion: mv, Msg: "workspace must be updated before committing", Err: err}
	}
	if err != nil {
		return fmt.Errorf("committing %s: %w", mv, err)
	}
	return nil
}

// versionContext gathers what a version policy decides from.
func (r *run) versionContext(mod *capability.Module, mv model.ModuleVersion) (capability.VersionContext, error) {
	vc := capability.VersionContext{ModuleVersion: mv}
	if mod.Artifact != nil {
		path, release, err := mod.SCM.CheckoutForInspection(r.ctx, mv.Version)
		if err != nil {
			return vc, fmt.Errorf("checking out %s for inspection: %w", mv, err)
		}
		vc.ArtifactVersion, err = mod.Artifact.ArtifactVersion(path)
		release()
		if err != nil {
			return vc, fmt.Errorf("reading artifact version of %s: %w", mv, err)
		}
	}
	var err error
	if vc.StaticVersions, err = mod.SCM.Versions(r.ctx, model.Static); err != nil {
		return vc, fmt.Errorf("listing static versions of %s: %w", mod.NodePath, err)
	}
	if vc.DynamicVersions, err = mod.SCM.Versions(r.ctx, model.Dynamic); err != nil {
		return vc, fmt.Errorf("listing dynamic versions of %s: %w", mod.NodePath, err)
	}
	return vc, nil
}

// build runs the module's build validation.
func (r *run) build(mod *capability.Module, path string, bc capability.BuildContext) (bool, error) {
	var w io.WriteCloser
	if r.e.buildLogs != nil {
		var err error
		if w, err = r.e.buildLogs.BuildLog(r.id, bc); err != nil {
			return false, fmt.Errorf("opening build log: %w", err)
		}
	} else {
		w = r.nodeLog(bc.ModuleVersion).WriterLevel(logrus.DebugLevel)
	}
	defer w.Close()

	r.e.operator.Inform("Building %s (%s).", bc.ModuleVersion, bc.Reason)
	return mod.Build.Build(r.ctx, path, bc, w)
}

// runRoots visits each root reference until the run is aborted.
func (r *run) runRoots(roots []model.ModuleVersion, visit func(*model.Reference) (Result, error)) error {
	for _, root := range roots {
		if r.aborted() {
			break
		}
		r.log.Debugf("visiting root %s", root)
		outdent := r.e.operator.Indent()
		_, err := visit(model.NewModuleReference(root))
		outdent()
		if err != nil {
			return err
		}
	}
	return nil
}

func validateRoots(roots []model.ModuleVersion, m matcher.Matcher) error {
	if len(roots) == 0 {
		return fmt.Errorf("no root module versions")
	}
	if m == nil {
		return fmt.Errorf("no matcher")
	}
	for _, root := range roots {
		if err := root.NodePath.Validate(); err != nil {
			return err
		}
		if root.Version.IsZero() {
			return fmt.Errorf("root %s has no version", root.NodePath)
		}
	}
	return nil
}
