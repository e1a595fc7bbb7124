package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

var ErrInvalidPolicy = errors.New("invalid sandbox policy")

// Policy is an immutable snapshot of the filesystem sandbox rules loaded
// from ~/.termlink/policy.yaml. Reload produces a fresh snapshot; callers
// holding an old one keep a consistent view for the operation in flight.
type Policy struct {
	AllowedRoots     []string `yaml:"allowed_roots"`
	DeniedPatterns   []string `yaml:"denied_patterns"`
	ReadOnlyPatterns []string `yaml:"read_only_patterns"`
	MaxReadSize      int64    `yaml:"max_read_size"`
	MaxWriteSize     int64    `yaml:"max_write_size"`
	FollowSymlinks   bool     `yaml:"follow_symlinks"`
	MaxListEntries   int      `yaml:"max_list_entries"`
	MaxSearchResults int      `yaml:"max_search_results"`
}

// DefaultDeniedPatterns blocks credential material regardless of which
// roots the user opens up.
var DefaultDeniedPatterns = []string{
	"**/.ssh/*",
	"**/*.pem",
	"**/*.key",
	"**/id_rsa*",
	"**/.gnupg/*",
	"**/.aws/credentials",
	"**/.env",
	"**/.env.*",
	"**/secrets.*",
	"**/*.secret",
	"**/token*",
	"**/.npmrc",
	"**/.pypirc",
}

// DefaultReadOnlyPatterns keeps system directories browsable but immutable.
var DefaultReadOnlyPatterns = []string{
	"/etc/**",
	"/usr/**",
	"/bin/**",
	"/sbin/**",
	"/System/**",
	"/Library/**",
}

const (
	defaultMaxReadSize      = 50 * 1024 * 1024
	defaultMaxWriteSize     = 50 * 1024 * 1024
	defaultMaxListEntries   = 10000
	defaultMaxSearchResults = 1000
)

// DefaultPolicy returns the policy used when no policy.yaml exists:
// the user's home directory plus /tmp, with the standard deny list.
func DefaultPolicy() (*Policy, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}
	return &Policy{
		AllowedRoots:     []string{homeDir, os.TempDir()},
		DeniedPatterns:   DefaultDeniedPatterns,
		ReadOnlyPatterns: DefaultReadOnlyPatterns,
		MaxReadSize:      defaultMaxReadSize,
		MaxWriteSize:     defaultMaxWriteSize,
		FollowSymlinks:   false,
		MaxListEntries:   defaultMaxListEntries,
		MaxSearchResults: defaultMaxSearchResults,
	}, nil
}

// LoadPolicy reads ~/.termlink/policy.yaml, falling back to DefaultPolicy
// when the file does not exist.
func LoadPolicy() (*Policy, error) {
	dir, err := Dir()
	if err != nil {
		return nil, err
	}
	return LoadPolicyFrom(filepath.Join(dir, "policy.yaml"))
}

// LoadPolicyFrom loads and validates a policy from an explicit path.
func LoadPolicyFrom(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultPolicy()
		}
		return nil, fmt.Errorf("failed to read policy: %w", err)
	}

	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPolicy, err)
	}

	if len(p.AllowedRoots) == 0 {
		return nil, fmt.Errorf("%w: allowed_roots must not be empty", ErrInvalidPolicy)
	}
	for i, root := range p.AllowedRoots {
		if !filepath.IsAbs(root) {
			return nil, fmt.Errorf("%w: allowed root %q is not absolute", ErrInvalidPolicy, root)
		}
		p.AllowedRoots[i] = filepath.Clean(root)
	}
	if p.MaxReadSize <= 0 {
		p.MaxReadSize = defaultMaxReadSize
	}
	if p.MaxWriteSize <= 0 {
		p.MaxWriteSize = defaultMaxWriteSize
	}
	if p.MaxListEntries <= 0 {
		p.MaxListEntries = defaultMaxListEntries
	}
	if p.MaxSearchResults <= 0 {
		p.MaxSearchResults = defaultMaxSearchResults
	}
	if len(p.DeniedPatterns) == 0 {
		p.DeniedPatterns = DefaultDeniedPatterns
	}

	return &p, nil
}

// PolicyHolder publishes the current policy snapshot and supports atomic
// replacement on reload.
type PolicyHolder struct {
	current atomic.Pointer[Policy]
}

// NewPolicyHolder creates a holder seeded with the given snapshot.
func NewPolicyHolder(p *Policy) *PolicyHolder {
	h := &PolicyHolder{}
	h.current.Store(p)
	return h
}

// Current returns the active policy snapshot.
func (h *PolicyHolder) Current() *Policy {
	return h.current.Load()
}

// Swap installs a new snapshot. Operations already holding the old snapshot
// finish against it.
func (h *PolicyHolder) Swap(p *Policy) {
	h.current.Store(p)
}
