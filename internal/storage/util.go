package storage

import (
	"os"
	"path/filepath"
)

// EnsureDir ensures a directory exists with default permissions.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}

// EnsureParentDir creates the directory that will hold the given file.
func EnsureParentDir(file string) error {
	dir := filepath.Dir(file)
	if dir == "." || dir == "" {
		return nil
	}
	return EnsureDir(dir)
}

// PrepareSessions validates and normalizes rows before a bulk write.
func PrepareSessions(sessions []Session, defaultSource string) []Session {
	out := make([]Session, 0, len(sessions))
	for _, s := range sessions {
		if !s.Valid() {
			continue
		}
		s.App = NormalizeApp(s.App)
		if s.Source == "" {
			s.Source = defaultSource
		}
		out = append(out, s)
	}
	return out
}
