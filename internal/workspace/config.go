package workspace

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Config holds configuration for the workspace manager.
type Config struct {
	// BasePath is the base directory for workspace checkouts.
	// Supports ~ expansion. Default: ~/.automaker/workspaces
	BasePath string `mapstructure:"basePath"`

	// BranchPrefix is prepended to feature ids to form branch names.
	// Default: automaker/
	BranchPrefix string `mapstructure:"branchPrefix"`

	// MaxActive caps the number of concurrently active workspaces.
	// Default: 10
	MaxActive int `mapstructure:"maxActive"`
}

// DefaultConfig returns the default workspace configuration.
func DefaultConfig() Config {
	return Config{
		BasePath:     "~/.automaker/workspaces",
		BranchPrefix: "automaker/",
		MaxActive:    10,
	}
}

// Validate fills in defaults for zero values.
func (c *Config) Validate() error {
	if c.BasePath == "" {
		c.BasePath = "~/.automaker/workspaces"
	}
	if c.BranchPrefix == "" {
		c.BranchPrefix = "automaker/"
	}
	if c.MaxActive <= 0 {
		c.MaxActive = 10
	}
	return nil
}

// ExpandedBasePath returns the base path with ~ expanded.
func (c *Config) ExpandedBasePath() (string, error) {
	path := c.BasePath
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[2:])
	}
	return path, nil
}

// WorkspacePath returns the checkout directory for a feature id.
func (c *Config) WorkspacePath(featureID string) (string, error) {
	basePath, err := c.ExpandedBasePath()
	if err != nil {
		return "", err
	}
	return filepath.Join(basePath, sanitizeID(featureID)), nil
}

// BranchName returns the deterministic branch name for a feature id.
func (c *Config) BranchName(featureID string) string {
	return c.BranchPrefix + sanitizeID(featureID)
}

var unsafeIDChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// sanitizeID makes a feature id safe for use in branch names and paths.
func sanitizeID(id string) string {
	cleaned := unsafeIDChars.ReplaceAllString(id, "-")
	cleaned = strings.Trim(cleaned, "-.")
	if cleaned == "" {
		cleaned = "feature"
	}
	return cleaned
}

// protectedBranches are never deleted, even when reclaim requests branch
// deletion.
var protectedBranches = map[string]bool{
	"main":    true,
	"master":  true,
	"develop": true,
}

// IsProtectedBranch reports whether branch must never be deleted.
func IsProtectedBranch(branch string) bool {
	return protectedBranches[branch]
}
