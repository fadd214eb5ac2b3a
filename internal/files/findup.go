package files

import (
	"fmt"
	"os"
	"path/filepath"
)

// FindUp searches for a file named name in dir and each of its parent
// directories, returning the full path of the first match. It returns an
// error if the filesystem walk fails, and an empty path if the root is
// reached without a match.
func FindUp(name, dir string) (string, error) {
	curDir := dir
	for {
		entries, err := os.ReadDir(curDir)
		if err != nil {
			return "", fmt.Errorf("reading dir %q: %w", curDir, err)
		}
		for _, e := range entries {
			if name == e.Name() {
				return filepath.Join(curDir, name), nil
			}
		}
		newDir := filepath.Dir(curDir)
		if newDir == curDir {
			return "", nil
		}
		curDir = newDir
	}
}
