// Package role defines the agent persona: prompt, model hint, and
// permission set a dispatch runs with.
package role

import (
	"fmt"
	"regexp"
	"strings"

	"dispatchd/internal/id"
)

// ModelHint is a fixed enum resolved to a concrete model string by a
// configured alias map (see AliasMap).
type ModelHint string

const (
	ModelFast    ModelHint = "fast"
	ModelBalanced ModelHint = "balanced"
	ModelDeep    ModelHint = "deep"
)

func (m ModelHint) Valid() bool {
	switch m {
	case ModelFast, ModelBalanced, ModelDeep:
		return true
	default:
		return false
	}
}

// Permission is drawn from a fixed enum. PermissionAgentDraft grants access
// to the tool server's write operations (draft_agent, kill_agent).
type Permission string

const (
	PermissionAgentDraft  Permission = "agent-draft"
	PermissionReadWorkdir Permission = "read-workdir"
	PermissionWriteFiles  Permission = "write-files"
	PermissionRunShell    Permission = "run-shell"
)

var validPermissions = map[Permission]struct{}{
	PermissionAgentDraft:  {},
	PermissionReadWorkdir: {},
	PermissionWriteFiles:  {},
	PermissionRunShell:    {},
}

// AliasMap resolves a ModelHint to a concrete model identifier the child
// agent process understands. The default map is intentionally small; a
// deployment overrides it via configuration.
type AliasMap map[ModelHint]string

// DefaultAliasMap is a reasonable starting point; real deployments supply
// their own via configuration.
func DefaultAliasMap() AliasMap {
	return AliasMap{
		ModelFast:     "haiku",
		ModelBalanced: "sonnet",
		ModelDeep:     "opus",
	}
}

// Resolve maps a hint to a concrete model string, or returns an error if the
// hint is not in the map.
func (m AliasMap) Resolve(hint ModelHint) (string, error) {
	if model, ok := m[hint]; ok {
		return model, nil
	}
	return "", fmt.Errorf("role: no model configured for hint %q", hint)
}

var namePattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// Role is an agent persona.
type Role struct {
	ID          string       `yaml:"id" toml:"id" json:"id"`
	Version     string       `yaml:"version" toml:"version" json:"version"`
	Name        string       `yaml:"name" toml:"name" json:"name"`
	Description string       `yaml:"description" toml:"description" json:"description"`
	DisplayName string       `yaml:"display_name" toml:"display_name" json:"display_name"`
	ModelHint   ModelHint    `yaml:"model_hint" toml:"model_hint" json:"model_hint"`
	Permissions []Permission `yaml:"permissions" toml:"permissions" json:"permissions"`
	Prompt      string       `yaml:"prompt" toml:"prompt" json:"prompt"`
}

// NewID allocates a fresh opaque 26-character role identifier.
func NewID() string {
	return id.Short26()
}

// HasPermission reports whether the role carries the given permission.
func (r Role) HasPermission(p Permission) bool {
	for _, have := range r.Permissions {
		if have == p {
			return true
		}
	}
	return false
}

// FullAccess reports whether this role's permission set grants the tool
// server's write operations. Per the later config-schema generation (see
// DESIGN.md open-question resolution), this is derived purely from
// permissions, never from a category allow-list.
func (r Role) FullAccess() bool {
	return r.HasPermission(PermissionAgentDraft)
}

// Validate checks the required-field invariants for a loaded role.
func (r Role) Validate(aliases AliasMap) error {
	if strings.TrimSpace(r.Name) == "" || !namePattern.MatchString(r.Name) {
		return fmt.Errorf("role: invalid name %q: must be lowercase-hyphen", r.Name)
	}
	if strings.TrimSpace(r.Version) == "" {
		return fmt.Errorf("role %q: version is required", r.Name)
	}
	if !r.ModelHint.Valid() {
		return fmt.Errorf("role %q: invalid model hint %q", r.Name, r.ModelHint)
	}
	if _, err := aliases.Resolve(r.ModelHint); err != nil {
		return fmt.Errorf("role %q: %w", r.Name, err)
	}
	for _, p := range r.Permissions {
		if _, ok := validPermissions[p]; !ok {
			return fmt.Errorf("role %q: unknown permission %q", r.Name, p)
		}
	}
	if strings.TrimSpace(r.Prompt) == "" {
		return fmt.Errorf("role %q: prompt body is required", r.Name)
	}
	return nil
}
