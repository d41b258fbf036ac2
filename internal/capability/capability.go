// Package capability defines the collaborator interfaces consumed by the
// traversal engine. Adapters implement them; the engine never depends on a
// concrete backend.
package capability

import (
	"context"
	"errors"
	"fmt"
	"io"

	"modver/internal/model"
)

// Commit attributes recognized across jobs.
const (
	// AttrVersionChange marks commits that only change the artifact version.
	AttrVersionChange = "modver-version-change"
	// AttrReferenceVersionChange marks commits that only rewrite references.
	AttrReferenceVersionChange = "modver-reference-version-change"
	// AttrBaseVersion records the version a dynamic version was created from.
	AttrBaseVersion = "modver-base-version"
)

var (
	// ErrUpdateNeeded is returned by Commit when the backend moved ahead of
	// the workspace.
	ErrUpdateNeeded = errors.New("workspace must be updated before committing")

	// ErrInvariant marks a violated internal invariant. Never retried.
	ErrInvariant = errors.New("invariant violation")

	// ErrNotFound is returned when a module or version is unknown.
	ErrNotFound = errors.New("not found")
)

// UserError is an operator-recoverable condition. It aborts the transition
// of the current node only.
type UserError struct {
	ModuleVersion model.ModuleVersion
	Msg           string
	Err           error
}

func (e *UserError) Error() string {
	msg := e.Msg
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.ModuleVersion.NodePath == "" {
		return msg
	}
	return fmt.Sprintf("%s: %s", e.ModuleVersion, msg)
}

func (e *UserError) Unwrap() error {
	return e.Err
}

// NewUserError returns a UserError for mv.
func NewUserError(mv model.ModuleVersion, format string, args ...interface{}) *UserError {
	return &UserError{ModuleVersion: mv, Msg: fmt.Sprintf(format, args...)}
}

// IsUserError reports whether err is or wraps a UserError.
func IsUserError(err error) bool {
	var ue *UserError
	return errors.As(err, &ue)
}

// Invariantf returns an error wrapping ErrInvariant.
func Invariantf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvariant, fmt.Sprintf(format, args...))
}

// SyncScope selects what IsSynchronized verifies.
type SyncScope int

const (
	// SyncLocal checks that the workspace has no uncommitted changes.
	SyncLocal SyncScope = 1 << iota
	// SyncRemote checks that the workspace matches the remote version.
	SyncRemote

	SyncAll = SyncLocal | SyncRemote
)

// Commit describes a commit returned by DivergingCommits.
type Commit struct {
	ID             string
	Message        string
	Attrs          map[string]string
	StaticVersions []model.Version
}

// MergeOutcome classifies the result of a merge.
type MergeOutcome int

const (
	NothingToMerge MergeOutcome = iota
	Merged
	Conflicts
)

func (o MergeOutcome) String() string {
	switch o {
	case Merged:
		return "merged"
	case Conflicts:
		return "conflicts"
	default:
		return "nothing to merge"
	}
}

// SourceControl sequences version-control operations for one module.
type SourceControl interface {
	// CheckoutForInspection returns a read-only checkout of v. The caller
	// must call release when done.
	CheckoutForInspection(ctx context.Context, v model.Version) (path string, release func(), err error)
	Checkout(ctx context.Context, v model.Version, path string) error
	IsSynchronized(ctx context.Context, path string, scope SyncScope) (bool, error)
	// CurrentVersion returns the version checked out in path.
	CurrentVersion(ctx context.Context, path string) (model.Version, error)
	CreateVersion(ctx context.Context, path string, v model.Version, switchTo bool, attrs map[string]string) error
	Commit(ctx context.Context, path, message string, attrs map[string]string) error
	Merge(ctx context.Context, path string, src model.Version, excluded []string) (MergeOutcome, error)
	// DivergingCommits returns the commits reachable from src and not from dst.
	DivergingCommits(ctx context.Context, src, dst model.Version) ([]Commit, error)
	VersionExists(ctx context.Context, v model.Version) (bool, error)
	Versions(ctx context.Context, typ model.VersionType) ([]model.Version, error)
}

// ReferenceManager enumerates and rewrites the references declared in a
// module's source tree.
type ReferenceManager interface {
	References(path string) ([]*model.Reference, error)
	UpdateReferenceVersion(path string, ref *model.Reference, v model.Version) (bool, error)
}

// ArtifactVersioner manages the auxiliary artifact version of a module.
type ArtifactVersioner interface {
	ArtifactVersion(path string) (string, error)
	SetArtifactVersion(path, version string) (bool, error)
	MapVersion(v model.Version) (string, error)
}

// BuildContext describes why a build runs.
type BuildContext struct {
	ModuleVersion model.ModuleVersion
	Target        model.Version
	Reason        string
}

// Builder validates a workspace by building it.
type Builder interface {
	Build(ctx context.Context, path string, bc BuildContext, log io.Writer) (bool, error)
}

// VersionContext is what a VersionPolicy decides from.
type VersionContext struct {
	ModuleVersion   model.ModuleVersion
	ArtifactVersion string
	StaticVersions  []model.Version
	DynamicVersions []model.Version
}

// VersionPolicy chooses target versions.
type VersionPolicy interface {
	NextStaticVersion(ctx context.Context, vc VersionContext) (model.Version, error)
	// NextDynamicVersion returns the dynamic version to switch to and the
	// version to create it from when it does not exist.
	NextDynamicVersion(ctx context.Context, vc VersionContext) (model.Version, model.Version, error)
	// SelectStaticVersion asks for a static version. ok is false when the
	// operator aborted.
	SelectStaticVersion(ctx context.Context, vc VersionContext) (v model.Version, ok bool, err error)
}

// WorkspaceMode selects how a workspace is used.
type WorkspaceMode int

const (
	// ModeSystem is a read-only scratch checkout.
	ModeSystem WorkspaceMode = iota
	// ModeOperator is a read-write checkout owned by the operator.
	ModeOperator
)

func (m WorkspaceMode) String() string {
	if m == ModeOperator {
		return "operator"
	}
	return "system"
}

// Workspaces allocates working directories.
type Workspaces interface {
	Acquire(ctx context.Context, mv model.ModuleVersion, mode WorkspaceMode) (string, error)
	Release(path string)
	// Exists reports whether an operator workspace for mv exists.
	Exists(mv model.ModuleVersion) bool
	// Conflict returns the version of another operator workspace of the same
	// module occupying the slot for mv, or nil.
	Conflict(mv model.ModuleVersion) *model.ModuleVersion
	Remove(path string) error
	// Reassign records that the operator workspace at path now holds mv.
	Reassign(path string, mv model.ModuleVersion) error
}

// Decision is an operator answer to a confirmation.
type Decision int

const (
	Yes Decision = iota
	YesAlways
	No
	Abort
)

func (d Decision) String() string {
	switch d {
	case Yes:
		return "yes"
	case YesAlways:
		return "yes-always"
	case No:
		return "no"
	default:
		return "abort"
	}
}

// Accepted reports whether the decision allows the action.
func (d Decision) Accepted() bool {
	return d == Yes || d == YesAlways
}

// Operator is the interactive console.
type Operator interface {
	// Confirm asks for a decision. key identifies the kind of question so
	// YesAlways answers can be remembered.
	Confirm(key, prompt string) Decision
	Inform(format string, args ...interface{})
	Ask(prompt, def string) (string, error)
	// Indent nests subsequent output until the returned func is called.
	Indent() func()
}

// GlobalScope is the property scope shared by all modules.
const GlobalScope = ""

// Properties is the run-scoped configuration store.
type Properties interface {
	Get(scope, key string) (string, bool)
	Set(scope, key, value string) error
}

// Module bundles the capabilities selected for one module.
type Module struct {
	NodePath   model.NodePath
	SCM        SourceControl
	References ReferenceManager
	// Artifact is nil when the module has no auxiliary version.
	Artifact ArtifactVersioner
	// Build is nil when the module has no build validation.
	Build  Builder
	Policy VersionPolicy
}

// Catalog resolves modules.
type Catalog interface {
	// Module returns the module at np, or ErrNotFound.
	Module(ctx context.Context, np model.NodePath) (*Module, error)
}
