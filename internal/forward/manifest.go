// Package forward reaches a child run's control service given nothing but
// the child's manifest path. Every input is hostile until proven otherwise:
// the path must sit in the expected run-tree layout inside an allowed root,
// the discovered base URL must pass scheme and host checks, and the
// outbound call is time-bounded.
package forward

import (
	"errors"
	"path/filepath"
	"strings"
)

var (
	ErrManifestInvalid      = errors.New("invalid_manifest_path")
	ErrManifestNotPermitted = errors.New("manifest_path_not_permitted")
	ErrEndpointInvalid      = errors.New("control_endpoint_invalid")
	ErrEndpointNotPermitted = errors.New("control_endpoint_not_permitted")
	ErrAuthInvalid          = errors.New("control_auth_invalid")
	ErrTimeout              = errors.New("control_endpoint_timeout")
)

// ResolveManifestPath canonicalizes a child manifest path and verifies it
// names a manifest.json at the <...>/<task>/cli/<run>/manifest.json depth
// inside one of the allowed roots. The checks run before any file is read.
func ResolveManifestPath(raw string, allowedRoots []string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", ErrManifestInvalid
	}
	resolved, err := filepath.Abs(raw)
	if err != nil {
		return "", ErrManifestInvalid
	}
	resolved = filepath.Clean(resolved)

	if filepath.Base(resolved) != "manifest.json" {
		return "", ErrManifestInvalid
	}
	runDir := filepath.Dir(resolved)
	cliDir := filepath.Dir(runDir)
	taskDir := filepath.Dir(cliDir)
	runsDir := filepath.Dir(taskDir)
	if filepath.Base(cliDir) != "cli" {
		return "", ErrManifestInvalid
	}
	for _, segment := range []string{runDir, taskDir, runsDir} {
		base := filepath.Base(segment)
		if base == "" || base == "." || base == string(filepath.Separator) {
			return "", ErrManifestInvalid
		}
	}

	if len(allowedRoots) > 0 && !withinRoots(resolved, allowedRoots) {
		return "", ErrManifestNotPermitted
	}
	return resolved, nil
}

// withinRoots reports whether path resolves (after following symlinks, when
// they resolve) inside one of roots.
func withinRoots(path string, roots []string) bool {
	resolved := realpathOr(path)
	for _, root := range roots {
		resolvedRoot := realpathOr(root)
		if resolved == resolvedRoot {
			return true
		}
		rel, err := filepath.Rel(resolvedRoot, resolved)
		if err != nil {
			continue
		}
		if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
			continue
		}
		return true
	}
	return false
}

func realpathOr(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	if abs, err := filepath.Abs(path); err == nil {
		return filepath.Clean(abs)
	}
	return filepath.Clean(path)
}
