package toolserver

import (
	"context"
	"testing"
	"time"

	"dispatchd/internal/dispatch"
	"dispatchd/internal/pool"
	"dispatchd/internal/project"
)

func TestReadonlyServerRejectsFullOnlyMethods(t *testing.T) {
	s := &Server{Flavor: FlavorReadonly, Pool: pool.New(0), Store: dispatch.NewStore(), Tracker: NewDispatchTracker()}
	if _, err := s.DraftAgent("coder", "do it", DraftAgentOpts{}); err != ErrReadonly {
		t.Fatalf("expected ErrReadonly, got %v", err)
	}
	if err := s.KillAgent("x"); err != ErrReadonly {
		t.Fatalf("expected ErrReadonly, got %v", err)
	}
	if _, err := s.AwaitAgent(context.Background(), "x"); err != ErrReadonly {
		t.Fatalf("expected ErrReadonly, got %v", err)
	}
}

func TestDraftAgentAndAwaitAgentRoundTrip(t *testing.T) {
	taskDir := t.TempDir()
	store := dispatch.NewStore()
	if err := store.WriteManifest(taskDir, dispatch.Manifest{Slug: "demo"}); err != nil {
		t.Fatal(err)
	}

	s := &Server{
		Flavor: FlavorFull, TaskDir: taskDir, TaskSlug: "demo",
		Pool: pool.New(0), Store: store, Tracker: NewDispatchTracker(),
		Command: "bash", Args: []string{"-c", `echo '{"type":"result","result_subtype":"success","cost_usd":0.1}'`},
	}

	agentID, err := s.DraftAgent("coder", "go build it", DraftAgentOpts{})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d, err := s.AwaitAgent(ctx, agentID)
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != dispatch.StatusCompleted {
		t.Fatalf("expected completed, got %+v", d)
	}
}

func TestAwaitAgentUnknownIDErrors(t *testing.T) {
	s := &Server{Flavor: FlavorFull, Pool: pool.New(0), Store: dispatch.NewStore(), Tracker: NewDispatchTracker()}
	if _, err := s.AwaitAgent(context.Background(), "nope"); err == nil {
		t.Fatal("expected error for unknown agent id")
	}
}

func TestListProjectsAndListAgents(t *testing.T) {
	root := t.TempDir()
	reg, err := project.NewRegistry(root)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Create(project.Project{Name: "demo"}); err != nil {
		t.Fatal(err)
	}

	s := &Server{Flavor: FlavorReadonly, Pool: pool.New(0), Store: dispatch.NewStore(), Projects: reg}
	projects := s.ListProjects()
	if len(projects) != 1 || projects[0].Name != "demo" {
		t.Fatalf("expected one project named demo, got %+v", projects)
	}
	if agents := s.ListAgents(); len(agents) != 0 {
		t.Fatalf("expected no agents, got %+v", agents)
	}
}

func TestGetTaskContextUnknownTaskErrors(t *testing.T) {
	root := t.TempDir()
	reg, err := project.NewRegistry(root)
	if err != nil {
		t.Fatal(err)
	}
	p, err := reg.Create(project.Project{Name: "demo"})
	if err != nil {
		t.Fatal(err)
	}
	s := &Server{Flavor: FlavorReadonly, Project: p, Pool: pool.New(0), Store: dispatch.NewStore(), Projects: reg}
	if _, err := s.GetTaskContext("nope"); err == nil {
		t.Fatal("expected error for unknown task")
	}
}
