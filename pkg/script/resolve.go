// Package script locates step scripts, supervises them as interactive
// subprocesses, and speaks the stdout marker protocol.
package script

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned when a script reference does not resolve to a
// file under the script source directory.
var ErrNotFound = errors.New("script not found")

// Resolve maps a script reference to an executable path under sourceDir.
// References are source-relative; where the script lives and where it runs
// (the project directory) are independent. The resolved file must exist
// and be a regular file.
func Resolve(sourceDir, ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("%w: empty script reference", ErrNotFound)
	}
	if filepath.IsAbs(ref) {
		return "", fmt.Errorf("%w: reference %q must be relative to the script source", ErrNotFound, ref)
	}
	clean := filepath.Clean(filepath.FromSlash(ref))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: reference %q escapes the script source", ErrNotFound, ref)
	}

	path := filepath.Join(sourceDir, clean)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %q in %s", ErrNotFound, ref, sourceDir)
		}
		return "", fmt.Errorf("resolve script %q: %w", ref, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %q is a directory", ErrNotFound, ref)
	}
	return path, nil
}
