package project

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadPrefersYAMLOverTOML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "project.yaml"), "name: Alpha\ndescription: from yaml\npaths:\n  - /work/alpha\n")
	writeFile(t, filepath.Join(dir, "project.toml"), "name = \"Alpha\"\ndescription = \"from toml\"\n")

	p, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if p.Description != "from yaml" {
		t.Fatalf("expected yaml to win, got %q", p.Description)
	}
	if p.Dir != dir {
		t.Fatalf("expected Dir set to %q, got %q", dir, p.Dir)
	}
}

func TestLoadFallsBackToTOML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "project.toml"), "name = \"Beta\"\ndescription = \"toml only\"\n")

	p, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if p.Name != "Beta" {
		t.Fatalf("got %q", p.Name)
	}
}

func TestLoadMissingBothErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(dir); err == nil {
		t.Fatal("expected an error when neither project file exists")
	}
}

func TestLoadResolvesRoleFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "project.yaml"), "name: Gamma\nrole_files:\n  - coder.role.yaml\n")
	if err := os.MkdirAll(filepath.Join(dir, "roles"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, "roles", "coder.role.yaml"), "name: coder\nprompt: be helpful\n")

	p, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Roles) != 1 || p.Roles[0].Name != "coder" {
		t.Fatalf("expected one resolved role named coder, got %+v", p.Roles)
	}
	if p.Roles[0].ID == "" {
		t.Fatal("expected a generated role id when the file omits one")
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "delta")
	p := Project{Name: "Delta", Description: "round trip", Paths: []string{"/work/delta"}}
	if err := Save(dir, p); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "project.yaml.tmp")); !os.IsNotExist(err) {
		t.Fatal("expected temp file to be renamed away")
	}

	loaded, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Name != "Delta" || loaded.Description != "round trip" {
		t.Fatalf("got %+v", loaded)
	}
}

func TestAllowsRoleEmptyListPermitsAny(t *testing.T) {
	p := Project{}
	if !p.AllowsRole("anything") {
		t.Fatal("expected empty RoleNames to permit any role")
	}
	p.RoleNames = []string{"coder", "reviewer"}
	if !p.AllowsRole("coder") {
		t.Fatal("expected coder to be permitted")
	}
	if p.AllowsRole("designer") {
		t.Fatal("expected designer to be rejected")
	}
}

func TestNameKeyIsCaseInsensitiveAndTrimmed(t *testing.T) {
	p := Project{Name: "  Alpha  "}
	if p.NameKey() != "alpha" {
		t.Fatalf("got %q", p.NameKey())
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
