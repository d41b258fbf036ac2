// Package workspace allocates the working directories jobs operate in.
//
// Operator workspaces live under the workspace root at the module's node
// path, one per module. System workspaces are scratch checkouts named by a
// BLAKE3 digest of the module version they hold and are reused across runs.
package workspace

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"lukechampine.com/blake3"

	"modver/internal/capability"
	"modver/internal/model"
	"modver/internal/store"
)

// Index persists which workspace holds which module version.
type Index interface {
	PutWorkspace(w *store.WorkspaceRecord) error
	GetWorkspace(path string) (*store.WorkspaceRecord, error)
	FindWorkspaces(nodePath, mode string) ([]*store.WorkspaceRecord, error)
	DeleteWorkspace(path string) error
}

// Allocator implements capability.Workspaces.
type Allocator struct {
	root    string
	scratch string
	index   Index
	log     logrus.FieldLogger

	mu   sync.Mutex
	held map[string]int
}

// NewAllocator creates an allocator placing operator workspaces under root
// and system workspaces under scratch.
func NewAllocator(root, scratch string, index Index, log logrus.FieldLogger) (*Allocator, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	for _, dir := range []string{root, scratch} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating workspace directory: %w", err)
		}
	}
	return &Allocator{
		root:    root,
		scratch: scratch,
		index:   index,
		log:     log,
		held:    make(map[string]int),
	}, nil
}

// OperatorPath returns the operator workspace directory of a module.
func (a *Allocator) OperatorPath(np model.NodePath) string {
	return filepath.Join(a.root, filepath.FromSlash(string(np)))
}

// SystemPath returns the scratch directory for mv.
func (a *Allocator) SystemPath(mv model.ModuleVersion) string {
	sum := blake3.Sum256([]byte(mv.String()))
	return filepath.Join(a.scratch, hex.EncodeToString(sum[:8]))
}

// Acquire returns the directory for mv in the given mode. The directory's
// parent exists; the directory itself exists only if it held a checkout.
func (a *Allocator) Acquire(ctx context.Context, mv model.ModuleVersion, mode capability.WorkspaceMode) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path := a.SystemPath(mv)
	if mode == capability.ModeOperator {
		path = a.OperatorPath(mv.NodePath)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating workspace parent: %w", err)
	}

	rec, err := a.index.GetWorkspace(path)
	if errors.Is(err, store.ErrWorkspaceNotFound) {
		rec = nil
	} else if err != nil {
		return "", err
	}
	if rec == nil || rec.Version != mv.Version.String() || !dirExists(path) {
		err := a.index.PutWorkspace(&store.WorkspaceRecord{
			Path:     path,
			NodePath: string(mv.NodePath),
			Version:  mv.Version.String(),
			Mode:     mode.String(),
		})
		if err != nil {
			return "", err
		}
	}

	a.mu.Lock()
	a.held[path]++
	a.mu.Unlock()
	a.log.Debugf("acquired %s workspace %s for %s", mode, path, mv)
	return path, nil
}

// Release marks path as no longer used by the caller. Directories are kept.
func (a *Allocator) Release(path string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.held[path] <= 1 {
		delete(a.held, path)
		return
	}
	a.held[path]--
}

// Held reports whether path is currently acquired.
func (a *Allocator) Held(path string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.held[path] > 0
}

// Exists reports whether the operator workspace of the module holds mv.
func (a *Allocator) Exists(mv model.ModuleVersion) bool {
	rec := a.operatorRecord(mv.NodePath)
	return rec != nil && rec.Version == mv.Version.String()
}

// Conflict returns the version held by the module's operator workspace when
// it is not mv.
func (a *Allocator) Conflict(mv model.ModuleVersion) *model.ModuleVersion {
	rec := a.operatorRecord(mv.NodePath)
	if rec == nil || rec.Version == mv.Version.String() {
		return nil
	}
	v, err := model.ParseVersion(rec.Version)
	if err != nil {
		a.log.Warnf("workspace %s records invalid version %q", rec.Path, rec.Version)
		return nil
	}
	other := mv.WithVersion(v)
	return &other
}

// operatorRecord returns the index entry of the module's operator workspace
// if its directory still exists. Stale entries are dropped.
func (a *Allocator) operatorRecord(np model.NodePath) *store.WorkspaceRecord {
	path := a.OperatorPath(np)
	rec, err := a.index.GetWorkspace(path)
	if err != nil {
		if !errors.Is(err, store.ErrWorkspaceNotFound) {
			a.log.Warnf("reading workspace index: %v", err)
		}
		return nil
	}
	if !dirExists(path) {
		a.log.Debugf("dropping stale workspace entry %s", path)
		if err := a.index.DeleteWorkspace(path); err != nil {
			a.log.Warnf("dropping stale workspace entry: %v", err)
		}
		return nil
	}
	return rec
}

// Remove deletes the workspace at path and its index entry.
func (a *Allocator) Remove(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("removing workspace %s: %w", path, err)
	}
	if err := a.index.DeleteWorkspace(path); err != nil {
		return err
	}
	a.mu.Lock()
	delete(a.held, path)
	a.mu.Unlock()
	a.log.Debugf("removed workspace %s", path)
	return nil
}

// Reassign records that the workspace at path now holds mv.
func (a *Allocator) Reassign(path string, mv model.ModuleVersion) error {
	rec, err := a.index.GetWorkspace(path)
	if err != nil {
		return fmt.Errorf("reassigning %s: %w", path, err)
	}
	rec.Version = mv.Version.String()
	rec.NodePath = string(mv.NodePath)
	return a.index.PutWorkspace(rec)
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
