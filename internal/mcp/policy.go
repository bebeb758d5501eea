package mcp

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// PolicyFileName is looked up next to the database file.
const PolicyFileName = "keywarden-policy.yaml"

// Policy narrows what the server exposes. It can only restrict:
// denied tools are unavailable regardless of access mode, and the
// read_only override can force readonly on a readwrite deployment,
// never the reverse.
type Policy struct {
	Version     int      `yaml:"version"`
	ReadOnly    *bool    `yaml:"read_only,omitempty"`
	DeniedTools []string `yaml:"denied_tools,omitempty"`
}

var ErrPolicyNotFound = errors.New("mcp: policy file not found")
var ErrPolicyInsecure = errors.New("mcp: policy file has insecure permissions")
var ErrPolicySymlink = errors.New("mcp: policy file is a symlink")
var ErrPolicyNotOwnedByUser = errors.New("mcp: policy file not owned by current user")

// LoadPolicy reads the policy file from dir. The file is opened with
// O_NOFOLLOW and checked via fstat so the permission and ownership
// checks apply to the descriptor actually read.
func LoadPolicy(dir string) (*Policy, error) {
	path := filepath.Join(dir, PolicyFileName)

	f, err := openPolicyFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("mcp: failed to stat policy file: %w", err)
	}

	if perm := info.Mode().Perm(); perm != 0600 {
		return nil, fmt.Errorf("%w: %o (expected 0600)", ErrPolicyInsecure, perm)
	}
	if err := checkFileOwnership(info); err != nil {
		return nil, err
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("mcp: failed to read policy file: %w", err)
	}

	var policy Policy
	if err := yaml.Unmarshal(content, &policy); err != nil {
		return nil, fmt.Errorf("mcp: failed to parse policy file: %w", err)
	}
	if policy.Version != 1 {
		return nil, fmt.Errorf("mcp: unsupported policy version: %d", policy.Version)
	}
	return &policy, nil
}

// ToolDenied reports whether a tool is blocked by the policy.
func (p *Policy) ToolDenied(name string) bool {
	if p == nil {
		return false
	}
	for _, denied := range p.DeniedTools {
		if denied == name {
			return true
		}
	}
	return false
}

// ForcesReadOnly reports whether the policy pins the server to
// readonly mode.
func (p *Policy) ForcesReadOnly() bool {
	return p != nil && p.ReadOnly != nil && *p.ReadOnly
}
