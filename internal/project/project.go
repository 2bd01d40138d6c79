// Package project defines the named workspace a task belongs to, and loads
// it from project.yaml or project.toml on disk.
package project

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"dispatchd/internal/role"
)

// RoleRef is one entry of a project's roles list: either a bare role name
// (resolved elsewhere, e.g. a RoleFiles include or an alias) or a role
// literal embedded directly in project.yaml.
type RoleRef struct {
	Name   string
	Inline *role.Role
}

// UnmarshalYAML accepts either a plain scalar ("backend") or a mapping that
// decodes as a full role.Role literal.
func (r *RoleRef) UnmarshalYAML(value *yaml.Node) error {
	var name string
	if err := value.Decode(&name); err == nil {
		r.Name = name
		r.Inline = nil
		return nil
	}
	var inline role.Role
	if err := value.Decode(&inline); err != nil {
		return fmt.Errorf("project: roles entry is neither a name nor a role literal: %w", err)
	}
	r.Name = inline.Name
	r.Inline = &inline
	return nil
}

// MarshalYAML round-trips a RoleRef as whichever form it was read in:
// a bare name, or the full role literal.
func (r RoleRef) MarshalYAML() (any, error) {
	if r.Inline != nil {
		return *r.Inline, nil
	}
	return r.Name, nil
}

// Project is a named workspace.
type Project struct {
	Name        string    `yaml:"name" toml:"name"`
	Description string    `yaml:"description" toml:"description"`
	Paths       []string  `yaml:"paths" toml:"paths"`
	RolesField  []RoleRef `yaml:"roles" toml:"-"`
	RoleFiles   []string  `yaml:"role_files" toml:"role_files"`

	// RoleNames is derived from RolesField after Load (a TOML project's
	// roles names are copied into RolesField first): every name listed in
	// the roles field, bare or from an inline literal. Roles resolved from
	// RoleFiles are not added to it.
	RoleNames []string `yaml:"-" toml:"-"`

	// Roles is populated after load: the inline role literals from
	// RolesField plus the ones resolved from RoleFiles under <dir>/roles/.
	Roles []role.Role `yaml:"-" toml:"-"`

	// Dir is the absolute directory this project was loaded from. Empty for
	// a project created purely in memory (e.g. by an operator RPC call
	// before the first save).
	Dir string `yaml:"-" toml:"-"`
}

// NameKey returns the case-insensitive comparison key for the project name,
// used to enforce uniqueness.
func (p Project) NameKey() string {
	return strings.ToLower(strings.TrimSpace(p.Name))
}

// AllowsRole reports whether roleName is in this project's allowed list.
// An empty RoleNames list permits every loaded role.
func (p Project) AllowsRole(roleName string) bool {
	if len(p.RoleNames) == 0 {
		return true
	}
	for _, n := range p.RoleNames {
		if n == roleName {
			return true
		}
	}
	return false
}

// Load reads project.yaml or project.toml (yaml preferred when both exist)
// from dir, then resolves any role_files entries into Roles.
func Load(dir string) (*Project, error) {
	var (
		p   Project
		err error
	)
	yamlPath := filepath.Join(dir, "project.yaml")
	tomlPath := filepath.Join(dir, "project.toml")

	switch {
	case fileExists(yamlPath):
		err = loadYAML(yamlPath, &p)
	case fileExists(tomlPath):
		err = loadTOML(tomlPath, &p)
	default:
		return nil, fmt.Errorf("project: no project.yaml or project.toml in %s", dir)
	}
	if err != nil {
		return nil, err
	}
	p.Dir = dir

	names := make([]string, 0, len(p.RolesField))
	inline := make([]role.Role, 0, len(p.RolesField))
	for _, ref := range p.RolesField {
		if ref.Inline != nil {
			r := *ref.Inline
			if r.ID == "" {
				r.ID = role.NewID()
			}
			names = append(names, r.Name)
			inline = append(inline, r)
			continue
		}
		names = append(names, ref.Name)
	}
	p.RoleNames = names

	fromFiles, err := loadRoleFiles(dir, p.RoleFiles)
	if err != nil {
		return nil, err
	}
	p.Roles = append(inline, fromFiles...)
	return &p, nil
}

func loadYAML(path string, p *Project) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("project: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, p); err != nil {
		return fmt.Errorf("project: parse %s: %w", path, err)
	}
	return nil
}

// tomlProject shadows Project for TOML decoding. BurntSushi/toml has no
// per-value Unmarshaler hook comparable to yaml.v3's, so a project.toml's
// roles list is name-only — inline role literals are a YAML-only feature.
type tomlProject struct {
	Name        string   `toml:"name"`
	Description string   `toml:"description"`
	Paths       []string `toml:"paths"`
	Roles       []string `toml:"roles"`
	RoleFiles   []string `toml:"role_files"`
}

func loadTOML(path string, p *Project) error {
	var shadow tomlProject
	if _, err := toml.DecodeFile(path, &shadow); err != nil {
		return fmt.Errorf("project: parse %s: %w", path, err)
	}
	p.Name = shadow.Name
	p.Description = shadow.Description
	p.Paths = shadow.Paths
	p.RoleFiles = shadow.RoleFiles
	p.RolesField = make([]RoleRef, len(shadow.Roles))
	for i, name := range shadow.Roles {
		p.RolesField[i] = RoleRef{Name: name}
	}
	return nil
}

// loadRoleFiles resolves each "<name>.role.yaml" entry under <dir>/roles/.
func loadRoleFiles(dir string, files []string) ([]role.Role, error) {
	if len(files) == 0 {
		return nil, nil
	}
	roles := make([]role.Role, 0, len(files))
	for _, f := range files {
		path := filepath.Join(dir, "roles", f)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("project: read role file %s: %w", path, err)
		}
		var r role.Role
		if err := yaml.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("project: parse role file %s: %w", path, err)
		}
		if r.ID == "" {
			r.ID = role.NewID()
		}
		roles = append(roles, r)
	}
	return roles, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Save writes the project as YAML to <dir>/project.yaml, creating dir if
// necessary. Used by the create_project RPC method.
func Save(dir string, p Project) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("project: mkdir %s: %w", dir, err)
	}
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("project: marshal: %w", err)
	}
	path := filepath.Join(dir, "project.yaml")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("project: write %s: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}
