// Package build validates workspaces by running the module's build command.
package build

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/sirupsen/logrus"

	"modver/internal/capability"
)

// Runner runs a build command in the workspace. It implements
// capability.Builder.
type Runner struct {
	Command []string
	// Env is appended to the process environment.
	Env     []string
	Timeout time.Duration
	Log     logrus.FieldLogger
}

// NewRunner returns a runner for command.
func NewRunner(command []string, log logrus.FieldLogger) (*Runner, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("empty build command")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Runner{Command: command, Log: log}, nil
}

// Build runs the command with the workspace as working directory. A command
// that exits non-zero is a failed build, not an error.
func (r *Runner) Build(ctx context.Context, path string, bc capability.BuildContext, log io.Writer) (bool, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, r.Command[0], r.Command[1:]...)
	cmd.Dir = path
	cmd.Stdout = log
	cmd.Stderr = log
	cmd.Env = append(os.Environ(), r.Env...)
	cmd.Env = append(cmd.Env,
		"MODVER_MODULE="+string(bc.ModuleVersion.NodePath),
		"MODVER_VERSION="+bc.ModuleVersion.Version.String(),
		"MODVER_TARGET="+bc.Target.String(),
	)

	start := time.Now()
	err := cmd.Run()
	entry := r.Log.WithFields(logrus.Fields{
		"module":   string(bc.ModuleVersion.NodePath),
		"duration": time.Since(start).Round(time.Millisecond),
	})

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		entry.Debug("build succeeded")
		return true, nil
	case ctx.Err() != nil:
		return false, fmt.Errorf("build of %s interrupted: %w", bc.ModuleVersion, ctx.Err())
	case errors.As(err, &exitErr):
		entry.Infof("build failed with exit code %d", exitErr.ExitCode())
		return false, nil
	default:
		return false, fmt.Errorf("running build of %s: %w", bc.ModuleVersion, err)
	}
}
