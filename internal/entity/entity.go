// Package entity backs the entity_scaffold/entity_validate RPC methods
// (§6): writing one boilerplate file from an embedded template, and
// performing a required-field check on a candidate entity file. It is a
// thin pass-through, not a general scaffolding toolchain (§1 non-goal).
package entity

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
)

//go:embed templates/entity.yaml.tmpl
var entityTemplate string

var tmpl = template.Must(template.New("entity").Parse(entityTemplate))

// ScaffoldParams carries entity_scaffold's parameters.
type ScaffoldParams struct {
	Type   string
	Name   string
	Author string
}

// Scaffold renders the embedded template for params and writes it to
// <dir>/<name>.<type>.yaml, returning the written path.
func Scaffold(dir string, params ScaffoldParams) (string, error) {
	if strings.TrimSpace(params.Type) == "" || strings.TrimSpace(params.Name) == "" {
		return "", fmt.Errorf("entity: type and name are required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("entity: mkdir %s: %w", dir, err)
	}

	var out strings.Builder
	if err := tmpl.Execute(&out, params); err != nil {
		return "", fmt.Errorf("entity: render template: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("%s.%s.yaml", params.Name, params.Type))
	if err := os.WriteFile(path, []byte(out.String()), 0o644); err != nil {
		return "", fmt.Errorf("entity: write %s: %w", path, err)
	}
	return path, nil
}

// requiredFields lists the keys entity_validate checks for, per the
// fields the template itself always emits.
var requiredFields = []string{"type:", "name:", "author:"}

// Validate performs a required-field check on content, the candidate
// entity file's raw bytes. entityType is informational only; the check
// is the same shape regardless of type.
func Validate(content string, entityType string) []string {
	var missing []string
	for _, field := range requiredFields {
		if !strings.Contains(content, field) {
			missing = append(missing, strings.TrimSuffix(field, ":"))
		}
	}
	return missing
}
