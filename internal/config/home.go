package config

import (
	"os"
	"path/filepath"
)

// HomeEnv overrides the agentrun home directory.
const HomeEnv = "AGENTRUN_HOME"

// HomeDir returns the agentrun home directory for dir.
// Priority order:
//  1. AGENTRUN_HOME environment variable (if set)
//  2. <dir>/.agentrun
func HomeDir(dir string) string {
	if home := os.Getenv(HomeEnv); home != "" {
		return home
	}
	return filepath.Join(dir, ".agentrun")
}
