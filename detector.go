package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Env vars that are allowed to be inherited from the OS. Git follows the curl
// conventions for proxies, so HTTP_PROXY is intentionally missing.
var allowedEnvVars = []string{
	"http_proxy", "https_proxy", "no_proxy", "HTTPS_PROXY", "NO_PROXY", "GIT_PROXY_COMMAND",
	"HOME",
}

type gitCmdConfig struct {
	dir string
	out io.Writer
}

// execGitCmd runs a `git` command with the supplied arguments.
func execGitCmd(ctx context.Context, args []string, config gitCmdConfig) error {
	c := exec.CommandContext(ctx, "git", args...)

	if config.dir != "" {
		c.Dir = config.dir
	}
	c.Env = gitEnv()
	stdOutAndStdErr := &bytes.Buffer{}
	c.Stdout = stdOutAndStdErr
	c.Stderr = stdOutAndStdErr
	if config.out != nil {
		c.Stdout = io.MultiWriter(c.Stdout, config.out)
	}

	err := c.Run()
	if err != nil {
		if stdOutAndStdErr.Len() > 0 {
			err = errors.New(stdOutAndStdErr.String())
			if msg := findGitErrorMessage(stdOutAndStdErr); msg != "" {
				err = fmt.Errorf("%s, full output:\n %s", msg, err.Error())
			}
		}
	}

	if ctx.Err() == context.DeadlineExceeded {
		return errors.Wrap(ctx.Err(), fmt.Sprintf("running git command: git %v", args))
	} else if ctx.Err() == context.Canceled {
		return errors.Wrap(ctx.Err(), fmt.Sprintf("context was unexpectedly cancelled when running git command: git %v", args))
	}
	return err
}

func gitEnv() []string {
	env := []string{"GIT_TERMINAL_PROMPT=0"}
	for _, k := range allowedEnvVars {
		if v, ok := os.LookupEnv(k); ok {
			env = append(env, k+"="+v)
		}
	}
	return env
}

func findGitErrorMessage(output io.Reader) string {
	sc := bufio.NewScanner(output)
	for sc.Scan() {
		switch {
		case strings.HasPrefix(sc.Text(), "fatal: "):
			return sc.Text()
		case strings.HasPrefix(sc.Text(), "error:"):
			return strings.TrimPrefix(sc.Text(), "error: ")
		}
	}
	return ""
}

// fetchBase updates the base ref from the upstream remote.
func fetchBase(ctx context.Context, workingDir, baseRef string) error {
	remote, branch, ok := strings.Cut(baseRef, "/")
	if !ok {
		return fmt.Errorf("base ref %q has no remote prefix", baseRef)
	}
	args := []string{"fetch", remote, branch}
	if err := execGitCmd(ctx, args, gitCmdConfig{dir: workingDir}); err != nil {
		return errors.Wrap(err, fmt.Sprintf("git fetch %s %s", remote, branch))
	}
	return nil
}

// headRevision returns the commit hash for HEAD.
func headRevision(ctx context.Context, workingDir string) (string, error) {
	out := &bytes.Buffer{}
	args := []string{"rev-list", "--max-count", "1", "HEAD", "--"}
	if err := execGitCmd(ctx, args, gitCmdConfig{dir: workingDir, out: out}); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.String()), nil
}

// nameStatus returns the (operation, path) pairs between the merge base of
// ref and the working tree, restricted to the given subdirectories.
func nameStatus(ctx context.Context, workingDir, ref string, subdirs []string) ([]Change, error) {
	out := &bytes.Buffer{}
	args := []string{"diff", "--name-status", ref + "..."}
	args = append(args, "--")
	if len(subdirs) > 0 {
		args = append(args, subdirs...)
	}
	if err := execGitCmd(ctx, args, gitCmdConfig{dir: workingDir, out: out}); err != nil {
		return nil, err
	}
	return parseNameStatus(out.String()), nil
}

func parseNameStatus(s string) []Change {
	var changes []Change
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		// Rename/copy entries carry a score suffix (e.g. R100) and two
		// paths; the status letter alone decides whether we care.
		op := ChangeOp(fields[0][:1])
		changes = append(changes, Change{Op: op, Path: fields[len(fields)-1]})
	}
	return changes
}

// filterLockChanges retains only added or modified lock files. Deletions and
// other extensions never trigger an install.
func filterLockChanges(changes []Change) []Change {
	var kept []Change
	for _, c := range changes {
		if c.Op != OpAdded && c.Op != OpModified {
			continue
		}
		if filepath.Ext(c.Path) != LockFileExtension {
			continue
		}
		kept = append(kept, c)
	}
	return kept
}

// inferToolset takes the top-level path segment of every change and requires
// them to agree. A changeset spanning toolsets is a configuration error, not
// something to recover from.
func inferToolset(changes []Change) (string, error) {
	toolset := ""
	for _, c := range changes {
		top, _, _ := strings.Cut(filepath.ToSlash(c.Path), "/")
		if toolset == "" {
			toolset = top
			continue
		}
		if top != toolset {
			return "", fmt.Errorf("changes span multiple toolsets: %s and %s", toolset, top)
		}
	}
	return toolset, nil
}

// DetectChanges fetches the base ref and computes the run's changeset. An
// empty changeset is a successful no-op, reported by ChangeSet.Empty.
func DetectChanges(ctx context.Context, workingDir, baseRef string, cfg *Config) (ChangeSet, error) {
	logger := GetLogger(ctx).WithField("component", "detector")

	if err := fetchBase(ctx, workingDir, baseRef); err != nil {
		return ChangeSet{}, err
	}

	subdirs := make([]string, 0, len(cfg.Toolsets))
	for toolset := range cfg.Toolsets {
		subdirs = append(subdirs, toolset)
	}

	all, err := nameStatus(ctx, workingDir, baseRef, subdirs)
	if err != nil {
		return ChangeSet{}, errors.Wrap(err, "git diff --name-status")
	}

	changes := filterLockChanges(all)
	if len(changes) == 0 {
		logger.Info("no lock file changes detected")
		return ChangeSet{}, nil
	}

	toolset, err := inferToolset(changes)
	if err != nil {
		return ChangeSet{}, err
	}
	if _, ok := cfg.Toolsets[toolset]; !ok {
		return ChangeSet{}, fmt.Errorf("no repo mapping for toolset %s", toolset)
	}

	logger.WithField("toolset", toolset).WithField("changes", len(changes)).Info("changeset detected")
	return ChangeSet{Toolset: toolset, Changes: changes}, nil
}
