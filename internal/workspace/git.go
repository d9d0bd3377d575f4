package workspace

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// runGit executes a git command in dir and returns combined output.
func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	output := stdout.String()
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n"
		}
		output += stderr.String()
	}
	if err != nil {
		return output, fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return output, nil
}

// resolveHead returns the commit SHA of HEAD in dir.
func resolveHead(ctx context.Context, dir string) (string, error) {
	output, err := runGit(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(output), nil
}

// Commit stages all changes in the feature's workspace and commits them.
// ErrNothingToCommit is returned when the workspace is already clean, so
// callers can distinguish "already committed" from a repository error.
func (m *Manager) Commit(ctx context.Context, featureID, message string) (*CommitResult, error) {
	ws, err := m.GetByFeatureID(ctx, featureID)
	if err != nil {
		return nil, err
	}
	if message == "" {
		return nil, fmt.Errorf("commit message is required")
	}

	if output, err := runGit(ctx, ws.Path, "add", "-A"); err != nil {
		return nil, fmt.Errorf("%w: git add: %s", ErrGitCommandFailed, strings.TrimSpace(output))
	}

	output, err := runGit(ctx, ws.Path, "commit", "-m", message)
	if err != nil {
		if strings.Contains(output, "nothing to commit") ||
			strings.Contains(output, "nothing added to commit") {
			return nil, fmt.Errorf("%w: %s", ErrNothingToCommit, ws.Branch)
		}
		m.logger.Error("git commit failed",
			zap.String("feature_id", featureID),
			zap.String("output", output),
			zap.Error(err))
		return nil, fmt.Errorf("%w: git commit: %s", ErrGitCommandFailed, strings.TrimSpace(output))
	}

	sha, err := resolveHead(ctx, ws.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve committed revision: %w", err)
	}

	result := &CommitResult{SHA: sha, Message: message}
	if statOut, err := runGit(ctx, ws.Path, "show", "--shortstat", "--format=", "HEAD"); err == nil {
		result.FilesChanged, result.Insertions, result.Deletions = parseShortstat(statOut)
	}

	m.logger.Info("committed workspace changes",
		zap.String("feature_id", featureID),
		zap.String("sha", sha),
		zap.Int("files_changed", result.FilesChanged))

	return result, nil
}

// parseShortstat extracts counts from a git --shortstat summary line like
// " 3 files changed, 12 insertions(+), 4 deletions(-)".
func parseShortstat(output string) (files, insertions, deletions int) {
	for _, part := range strings.Split(strings.TrimSpace(output), ",") {
		fields := strings.Fields(part)
		if len(fields) < 2 {
			continue
		}
		n, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		switch {
		case strings.HasPrefix(fields[1], "file"):
			files = n
		case strings.HasPrefix(fields[1], "insertion"):
			insertions = n
		case strings.HasPrefix(fields[1], "deletion"):
			deletions = n
		}
	}
	return files, insertions, deletions
}
