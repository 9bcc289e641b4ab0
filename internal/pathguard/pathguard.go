// Package pathguard resolves the project root and enforces that every
// filesystem write the core performs stays inside the project's
// write-allowed area (spec.md §4.1). The sync service passes recipe file
// paths through AssertProjectWriteSafe before reading or exporting them;
// the usage tracker (usage.json and its lock file) and the logging
// package's per-category log files are written without this check.
package pathguard

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/knowledgeengine/core/internal/errs"
)

// maxSymlinkHops bounds symlink resolution so a loop cannot hang the guard.
const maxSymlinkHops = 40

// specFileNames are the project-level spec file locations ResolveProjectRoot
// looks for while walking upward from cwd (spec.md §6).
var specFileNames = []string{"boxspec.json", ".autosnippet-project.json"}

// ResolveProjectRoot walks upward from cwd looking for a project spec file.
// If none is found by the filesystem root, cwd itself is returned — a
// fresh project has no spec file yet.
func ResolveProjectRoot(cwd string) (string, error) {
	abs, err := filepath.Abs(cwd)
	if err != nil {
		return "", errs.Internal(err, "resolve absolute path for %s", cwd)
	}

	dir := abs
	for {
		for _, name := range specFileNames {
			if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
				return dir, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return abs, nil
}

// AssertProjectWriteSafe verifies absPath is a descendant of root once both
// are canonicalized, and that no symlink on the path escapes root. It
// returns a *errs.Error with code PathEscape on any violation.
func AssertProjectWriteSafe(root, absPath string) error {
	rootReal, err := canonicalize(root)
	if err != nil {
		return errs.PathEscape("cannot resolve project root %s: %v", root, err)
	}

	target := absPath
	if !filepath.IsAbs(target) {
		return errs.PathEscape("path %q is not absolute", absPath)
	}

	// Resolve symlinks component-by-component so we catch a symlink that
	// itself escapes root even if the final path looks contained.
	real, err := resolveSymlinksBounded(target)
	if err != nil {
		return errs.PathEscape("cannot resolve path %s: %v", absPath, err)
	}

	if !isDescendant(rootReal, real) {
		return errs.PathEscape("path %s escapes project root %s", absPath, root)
	}
	return nil
}

func canonicalize(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return resolveSymlinksBounded(abs)
}

// resolveSymlinksBounded resolves symlinks in p, tolerating components that
// do not yet exist (common for a file the caller is about to create) by
// falling back to the lexically-cleaned path once a missing component is
// hit.
func resolveSymlinksBounded(p string) (string, error) {
	clean := filepath.Clean(p)
	parts := strings.Split(clean, string(filepath.Separator))

	resolved := string(filepath.Separator)
	if filepath.VolumeName(clean) != "" {
		resolved = filepath.VolumeName(clean) + string(filepath.Separator)
	}

	for _, part := range parts {
		if part == "" {
			continue
		}
		next := filepath.Join(resolved, part)

		hops := 0
		for {
			info, err := os.Lstat(next)
			if err != nil {
				// Component doesn't exist yet (e.g. a file about to be
				// created) — stop resolving, keep the lexical path.
				resolved = next
				goto nextPart
			}
			if info.Mode()&os.ModeSymlink == 0 {
				break
			}
			hops++
			if hops > maxSymlinkHops {
				return "", fmt.Errorf("too many symlink hops resolving %s", p)
			}
			link, err := os.Readlink(next)
			if err != nil {
				return "", err
			}
			if !filepath.IsAbs(link) {
				link = filepath.Join(filepath.Dir(next), link)
			}
			next = filepath.Clean(link)
		}
		resolved = next
	nextPart:
	}
	return resolved, nil
}

func isDescendant(root, candidate string) bool {
	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return !strings.HasPrefix(rel, "..")
}

// NewID produces a stable, prefixed UUID-shaped identifier, e.g.
// NewID("recipe") -> "recipe_3fa85f64-5717-4562-b3fc-2c963f66afa6".
func NewID(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, uuid.NewString())
}
