package gitscm

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// runGit runs the git CLI in dir. It covers what go-git cannot do: three-way
// merges and cherry-picks.
func (r *Repo) runGit(ctx context.Context, dir string, args ...string) (string, error) {
	full := append([]string{"-c", "user.name=" + r.cfg.AuthorName, "-c", "user.email=" + r.cfg.AuthorEmail}, args...)
	cmd := exec.CommandContext(ctx, "git", full...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "GIT_EDITOR=true")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// unmerged lists the paths left with conflicts in dir.
func (r *Repo) unmerged(ctx context.Context, dir string) ([]string, error) {
	out, err := r.runGit(ctx, dir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	return lines(out), nil
}

func lines(out string) []string {
	var res []string
	for _, l := range strings.Split(out, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			res = append(res, l)
		}
	}
	return res
}
