// Package sandbox confines filesystem access to policy-approved paths.
//
// Every remote-facing filesystem operation validates its paths here first.
// Validation canonicalizes symlinks before checking containment, so a link
// pointing outside an allowed root cannot smuggle access in. Validators are
// pure functions of (policy snapshot, filesystem); races between validation
// and use are tolerated because the operations themselves convert late
// not-exist errors into the same taxonomy.
package sandbox

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/termlink/termlink/internal/config"
	"github.com/termlink/termlink/internal/protocol"
)

// Validator checks paths against one immutable policy snapshot.
type Validator struct {
	policy *config.Policy
	roots  []string
}

// New creates a validator for a policy snapshot. Allowed roots are
// canonicalized here: containment checks compare canonical request paths, so
// a root that itself sits behind a symlink (macOS /tmp, mounted homes) must
// be resolved too or nothing inside it would ever match.
func New(policy *config.Policy) *Validator {
	roots := make([]string, 0, len(policy.AllowedRoots))
	for _, root := range policy.AllowedRoots {
		if canonical, err := filepath.EvalSymlinks(root); err == nil {
			root = canonical
		}
		roots = append(roots, filepath.Clean(root))
	}
	return &Validator{policy: policy, roots: roots}
}

// Policy returns the snapshot this validator was built from.
func (v *Validator) Policy() *config.Policy {
	return v.policy
}

// ValidateExisting validates a path that must already exist and returns its
// canonical form. Fails with path_traversal for relative or dot-dot inputs,
// not_found when the path does not exist, and permission_denied when the
// canonical path escapes the allowed roots, matches a deny pattern, or
// traverses a symlink while the policy forbids following them.
func (v *Validator) ValidateExisting(path string) (string, error) {
	if err := checkShape(path); err != nil {
		return "", err
	}

	cleaned := filepath.Clean(path)

	if !v.policy.FollowSymlinks {
		if err := rejectSymlinkComponents(cleaned); err != nil {
			return "", err
		}
	}

	canonical, err := filepath.EvalSymlinks(cleaned)
	if err != nil {
		if os.IsNotExist(err) {
			return "", protocol.NewFSError(protocol.CodeNotFound, path, "path does not exist")
		}
		return "", protocol.WrapFSError(path, err)
	}

	if !v.withinRoots(canonical) {
		return "", protocol.NewFSError(protocol.CodePermissionDenied, path, "path is outside allowed roots")
	}
	if v.IsDenied(canonical) {
		return "", protocol.NewFSError(protocol.CodePermissionDenied, path, "path matches a denied pattern")
	}

	return canonical, nil
}

// ResolveNew validates a path that may not exist yet (write targets, new
// directories) and returns the canonical form it will have. The deepest
// existing ancestor is canonicalized and the missing suffix re-appended
// textually, so a symlinked ancestor cannot relocate the target outside the
// sandbox. When allowMissingParents is false the immediate parent must
// already exist.
func (v *Validator) ResolveNew(path string, allowMissingParents bool) (string, error) {
	if err := checkShape(path); err != nil {
		return "", err
	}

	cleaned := filepath.Clean(path)

	// Walk up to the deepest existing ancestor.
	ancestor := cleaned
	var missing []string
	for {
		info, err := os.Lstat(ancestor)
		if err == nil {
			if !info.IsDir() {
				if len(missing) > 0 {
					// A file sits where a parent directory is needed.
					return "", protocol.NewFSError(protocol.CodeNotADirectory, ancestor, "ancestor is not a directory")
				}
				// The target itself exists; validate it as existing.
				break
			}
			break
		}
		if !os.IsNotExist(err) {
			return "", protocol.WrapFSError(path, err)
		}
		parent := filepath.Dir(ancestor)
		if parent == ancestor {
			return "", protocol.NewFSError(protocol.CodeNotFound, path, "no existing ancestor")
		}
		missing = append([]string{filepath.Base(ancestor)}, missing...)
		ancestor = parent
	}

	if !allowMissingParents && len(missing) > 1 {
		return "", protocol.NewFSError(protocol.CodeNotFound, filepath.Dir(cleaned), "parent directory does not exist")
	}

	if !v.policy.FollowSymlinks {
		if err := rejectSymlinkComponents(ancestor); err != nil {
			return "", err
		}
	}

	canonicalAncestor, err := filepath.EvalSymlinks(ancestor)
	if err != nil {
		return "", protocol.WrapFSError(path, err)
	}

	resolved := canonicalAncestor
	for _, component := range missing {
		resolved = filepath.Join(resolved, component)
	}

	if !v.withinRoots(resolved) {
		return "", protocol.NewFSError(protocol.CodePermissionDenied, path, "path is outside allowed roots")
	}
	if v.IsDenied(canonicalAncestor) || v.IsDenied(resolved) {
		return "", protocol.NewFSError(protocol.CodePermissionDenied, path, "path matches a denied pattern")
	}

	return resolved, nil
}

// IsDenied reports whether a canonical path matches any deny pattern.
// Deny wins over allow: callers check this after root containment.
func (v *Validator) IsDenied(path string) bool {
	return matchesAny(v.policy.DeniedPatterns, path)
}

// IsWritable reports whether a canonical path may be mutated: inside the
// roots, not denied, and not matching a read-only pattern.
func (v *Validator) IsWritable(path string) bool {
	if !v.withinRoots(path) || v.IsDenied(path) {
		return false
	}
	return !matchesAny(v.policy.ReadOnlyPatterns, path)
}

// checkShape rejects relative paths and any dot-dot component before the
// filesystem is touched.
func checkShape(path string) error {
	if path == "" {
		return protocol.NewFSError(protocol.CodePathTraversal, path, "path is empty")
	}
	if !filepath.IsAbs(path) {
		return protocol.NewFSError(protocol.CodePathTraversal, path, "path is not absolute")
	}
	for _, component := range strings.Split(filepath.ToSlash(path), "/") {
		if component == ".." {
			return protocol.NewFSError(protocol.CodePathTraversal, path, "path contains a parent-directory component")
		}
	}
	return nil
}

// rejectSymlinkComponents lstats each existing component of the path and
// fails if any is a symlink.
func rejectSymlinkComponents(path string) error {
	current := string(filepath.Separator)
	for _, component := range strings.Split(strings.Trim(path, string(filepath.Separator)), string(filepath.Separator)) {
		if component == "" {
			continue
		}
		current = filepath.Join(current, component)
		info, err := os.Lstat(current)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return protocol.WrapFSError(path, err)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return protocol.NewFSError(protocol.CodePermissionDenied, path, "path traverses a symlink: %s", current)
		}
	}
	return nil
}

func (v *Validator) withinRoots(path string) bool {
	for _, root := range v.roots {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func matchesAny(patterns []string, path string) bool {
	slashed := filepath.ToSlash(path)
	for _, pattern := range patterns {
		if ok, err := doublestar.Match(pattern, slashed); err == nil && ok {
			return true
		}
	}
	return false
}
