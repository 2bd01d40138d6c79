package draft

import (
	"os"
	"path/filepath"
	"testing"

	"dispatchd/internal/dispatch"
	"dispatchd/internal/pool"
)

func newMachine(t *testing.T) (*Machine, string) {
	t.Helper()
	taskDir := t.TempDir()
	store := dispatch.NewStore()
	if err := store.WriteManifest(taskDir, dispatch.Manifest{Slug: "demo"}); err != nil {
		t.Fatal(err)
	}
	m := NewMachine(pool.New(0), store)
	return m, taskDir
}

func TestCreateRejectsSecondActiveDraft(t *testing.T) {
	m, taskDir := newMachine(t)
	if _, err := m.Create("assistant", "proj", "demo", taskDir, ""); err != nil {
		t.Fatal(err)
	}
	_, err := m.Create("assistant", "proj", "demo", taskDir, "")
	if err != ErrAlreadyActive {
		t.Fatalf("expected ErrAlreadyActive, got %v", err)
	}
}

func TestUndraftIsTerminalAndReleasesPool(t *testing.T) {
	m, taskDir := newMachine(t)
	s, err := m.Create("assistant", "proj", "demo", taskDir, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Undraft(); err != nil {
		t.Fatal(err)
	}
	if _, active := m.Active(); active {
		t.Fatal("expected no active draft after undraft")
	}
	if _, ok := m.Pool.Get(s.AgentID); ok {
		t.Fatal("expected pool entry released")
	}
	// Undraft again must fail: closing is terminal, no back-edges.
	if err := m.Undraft(); err != ErrNoActiveDraft {
		t.Fatalf("expected ErrNoActiveDraft on second undraft, got %v", err)
	}
}

func TestResumeRequiresActiveDraftAndCwd(t *testing.T) {
	m, _ := newMachine(t)
	if _, err := m.Resume("hi", "/tmp"); err != ErrNoActiveDraft {
		t.Fatalf("expected ErrNoActiveDraft, got %v", err)
	}

	taskDir := t.TempDir()
	store := dispatch.NewStore()
	_ = store.WriteManifest(taskDir, dispatch.Manifest{Slug: "demo"})
	m2 := NewMachine(pool.New(0), store)
	if _, err := m2.Create("assistant", "proj", "demo", taskDir, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := m2.Resume("hi", ""); err == nil {
		t.Fatal("expected error for empty cwd")
	}
}

func TestDraftSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := Session{SessionID: "s1", AgentID: "a1", Role: "assistant", Status: StatusActive}
	if err := Save(dir, s); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.SessionID != "s1" || loaded.Status != StatusActive {
		t.Fatalf("round trip mismatch: %+v", loaded)
	}

	if _, err := os.Stat(filepath.Join(dir, "draft.json.tmp")); !os.IsNotExist(err) {
		t.Fatal("expected temp file to be renamed away")
	}
}

func TestLoadMissingFileReturnsNilNil(t *testing.T) {
	s, err := Load(t.TempDir())
	if err != nil || s != nil {
		t.Fatalf("expected nil,nil for missing file, got %v, %v", s, err)
	}
}

func TestRecoverAllMarksStaleRole(t *testing.T) {
	root := t.TempDir()
	taskDir := filepath.Join(root, "proj1", "tasks", "demo")
	if err := os.MkdirAll(taskDir, 0o755); err != nil {
		t.Fatal(err)
	}
	s := Session{SessionID: "s1", AgentID: "a1", Role: "ghost", Project: "proj1", TaskSlug: "demo", Status: StatusActive}
	if err := Save(taskDir, s); err != nil {
		t.Fatal(err)
	}

	p := pool.New(0)
	recovered, err := RecoverAll(root, p, func(project, role string) bool { return false })
	if err != nil {
		t.Fatal(err)
	}
	if len(recovered) != 1 || !recovered[0].Session.StaleRole {
		t.Fatalf("expected one recovered session with StaleRole, got %+v", recovered)
	}
	if _, ok := p.Get("a1"); !ok {
		t.Fatal("expected pool entry recreated")
	}
}
