package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// binaryExtensions lists file extensions excluded from diff synthesis. Git
// prints "Binary files differ" for tracked binaries; for untracked files we
// classify up front so full image/archive contents never land in a diff.
var binaryExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".bmp": true,
	".ico": true, ".webp": true, ".svg": false,
	".pdf": true, ".zip": true, ".tar": true, ".gz": true, ".bz2": true,
	".xz": true, ".7z": true, ".jar": true,
	".exe": true, ".dll": true, ".so": true, ".dylib": true, ".a": true,
	".o": true, ".bin": true, ".dat": true, ".db": true, ".sqlite": true,
	".woff": true, ".woff2": true, ".ttf": true, ".otf": true, ".eot": true,
	".mp3": true, ".mp4": true, ".wav": true, ".avi": true, ".mov": true,
	".class": true, ".pyc": true, ".wasm": true,
}

// isBinaryPath classifies a path by its extension.
func isBinaryPath(path string) bool {
	return binaryExtensions[strings.ToLower(filepath.Ext(path))]
}

// DiffAndStatus returns the structured per-file status of a feature's
// workspace together with a unified diff. Untracked files are synthesized
// into the diff as whole-file additions, since git does not diff files it
// has never seen.
func (m *Manager) DiffAndStatus(ctx context.Context, featureID string) (*StatusResult, error) {
	ws, err := m.GetByFeatureID(ctx, featureID)
	if err != nil {
		return nil, err
	}

	statusOut, err := runGit(ctx, ws.Path, "status", "--porcelain", "--untracked-files=all")
	if err != nil {
		return nil, fmt.Errorf("%w: git status: %s", ErrGitCommandFailed, strings.TrimSpace(statusOut))
	}

	files := parsePorcelain(statusOut)

	var diff strings.Builder
	if diffOut, err := runGit(ctx, ws.Path, "diff", "HEAD"); err == nil {
		diff.WriteString(diffOut)
	}
	for _, fs := range files {
		if fs.State != FileUntracked || fs.Binary {
			continue
		}
		diff.WriteString(synthesizeUntrackedDiff(ws.Path, fs.Path))
	}

	return &StatusResult{
		Files: files,
		Diff:  diff.String(),
		Clean: len(files) == 0,
	}, nil
}

// parsePorcelain converts `git status --porcelain` output into structured
// per-file statuses.
//
// Porcelain format: XY <path>, where X is the index (staged) status and Y is
// the working tree status: ' '=unmodified, M=modified, A=added, D=deleted,
// R=renamed, C=copied, T=typechange, U=unmerged, ?=untracked. Worktree
// changes win over index changes when both are present, since they reflect
// the current file state.
func parsePorcelain(output string) []FileStatus {
	var files []FileStatus
	for _, line := range strings.Split(output, "\n") {
		if len(line) < 4 {
			continue
		}
		if fs, ok := parsePorcelainLine(line); ok {
			files = append(files, fs)
		}
	}
	return files
}

func parsePorcelainLine(line string) (FileStatus, bool) {
	indexStatus := line[0]
	workTreeStatus := line[1]
	path := strings.TrimSpace(line[3:])

	fs := FileStatus{Path: path}

	switch {
	case indexStatus == '?' && workTreeStatus == '?':
		fs.State = FileUntracked
	case workTreeStatus == 'D':
		fs.State = FileDeleted
	case indexStatus == 'D':
		fs.State = FileDeleted
		fs.Staged = true
	case workTreeStatus == 'M':
		fs.State = FileModified
	case indexStatus == 'M':
		fs.State = FileModified
		fs.Staged = true
	case indexStatus == 'A':
		fs.State = FileAdded
		fs.Staged = true
	case indexStatus == 'R' || indexStatus == 'C':
		// Copies are surfaced as renames; both carry "old -> new" paths.
		fs.State = FileRenamed
		fs.Staged = true
		if idx := strings.Index(path, " -> "); idx != -1 {
			fs.OldPath = path[:idx]
			fs.Path = path[idx+4:]
		}
	case workTreeStatus == 'T' || workTreeStatus == 'U':
		// Typechanges and unmerged conflict entries both mean the working
		// tree differs from HEAD.
		fs.State = FileModified
	case indexStatus == 'T' || indexStatus == 'U':
		fs.State = FileModified
		fs.Staged = true
	default:
		return FileStatus{}, false
	}

	fs.Binary = isBinaryPath(fs.Path)
	return fs, true
}

// synthesizeUntrackedDiff builds a unified diff presenting an untracked
// file's entire content as an addition.
func synthesizeUntrackedDiff(workspacePath, relPath string) string {
	content, err := os.ReadFile(filepath.Join(workspacePath, relPath))
	if err != nil {
		return ""
	}

	text := string(content)
	trailingNewline := strings.HasSuffix(text, "\n")
	lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")
	if text == "" {
		lines = nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "diff --git a/%s b/%s\n", relPath, relPath)
	b.WriteString("new file mode 100644\n")
	b.WriteString("--- /dev/null\n")
	fmt.Fprintf(&b, "+++ b/%s\n", relPath)
	if len(lines) > 0 {
		fmt.Fprintf(&b, "@@ -0,0 +1,%d @@\n", len(lines))
		for _, line := range lines {
			b.WriteString("+")
			b.WriteString(line)
			b.WriteString("\n")
		}
		if !trailingNewline {
			b.WriteString("\\ No newline at end of file\n")
		}
	}
	return b.String()
}
