// Package security confines file access requested through the status
// server to the coprocessor's data directory.
package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrOutsideRoot is returned for a path that resolves outside its root.
var ErrOutsideRoot = errors.New("path escapes root directory")

// Within resolves name against root and returns its canonical absolute path.
// A relative name is taken relative to root. Symlinks are followed, so a
// link inside root that points elsewhere is rejected. name does not have to
// exist; its nearest existing parent is resolved instead.
func Within(root, name string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	canonicalRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return "", fmt.Errorf("resolve root symlinks: %w", err)
	}

	target := name
	if !filepath.IsAbs(target) {
		target = filepath.Join(absRoot, target)
	}
	target = filepath.Clean(target)

	canonical, err := resolveExisting(target)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(canonicalRoot, canonical)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, name)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, name)
	}
	return canonical, nil
}

// resolveExisting resolves symlinks in the longest existing prefix of path
// and re-attaches the rest.
func resolveExisting(path string) (string, error) {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved, nil
	}
	check := path
	for {
		parent := filepath.Dir(check)
		if parent == check {
			return path, nil
		}
		if resolved, err := filepath.EvalSymlinks(parent); err == nil {
			rest, err := filepath.Rel(parent, path)
			if err != nil {
				return "", err
			}
			return filepath.Join(resolved, rest), nil
		}
		check = parent
	}
}
