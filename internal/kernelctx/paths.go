package kernelctx

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
)

// Paths resolves where the kernel keeps its files: the global config dir,
// per-project data, session transcripts, and request logs.
type Paths struct {
	// GlobalConfigDir is ~/.config/agentkernel (or the override).
	GlobalConfigDir string
	// ProjectDataDir is GlobalConfigDir/projects/<hash-of-cwd>.
	ProjectDataDir string
	// SessionsDir holds <sessionId>.jsonl transcripts and their .json
	// sidecars.
	SessionsDir string
	// RequestLogDir holds <requestId>.jsonl stream diagnostics.
	RequestLogDir string
}

// ResolvePaths computes the path set for one working directory and creates
// the directories.
func ResolvePaths(globalConfigDir, cwd string) (Paths, error) {
	projectDir := filepath.Join(globalConfigDir, "projects", hashCwd(cwd))
	p := Paths{
		GlobalConfigDir: globalConfigDir,
		ProjectDataDir:  projectDir,
		SessionsDir:     filepath.Join(projectDir, "sessions"),
		RequestLogDir:   filepath.Join(projectDir, "requests"),
	}
	for _, dir := range []string{p.GlobalConfigDir, p.ProjectDataDir, p.SessionsDir, p.RequestLogDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return Paths{}, err
		}
	}
	return p, nil
}

// hashCwd keys project storage by a stable digest of the absolute path, so
// directory names with separators or unicode never leak into filenames.
func hashCwd(cwd string) string {
	abs, err := filepath.Abs(cwd)
	if err != nil {
		abs = cwd
	}
	sum := sha256.Sum256([]byte(abs))
	return hex.EncodeToString(sum[:8])
}

// GlobalDataPath is the shared per-project history file.
func (p Paths) GlobalDataPath() string {
	return filepath.Join(p.GlobalConfigDir, "data.json")
}
