// Package toolserver implements the in-process RPC surface child agents
// call: readonly and full flavors, a DispatchTracker for recursive
// draft_agent/await_agent/kill_agent, and task-context Markdown
// reconstruction (§4.6).
package toolserver

import (
	"context"
	"fmt"
	"os"
	"sync"

	"dispatchd/internal/contextbuilder"
	"dispatchd/internal/dispatch"
	"dispatchd/internal/id"
	"dispatchd/internal/pool"
	"dispatchd/internal/project"
	"dispatchd/internal/supervisor"
)

// DispatchResult is the promise-resolved value of a tracked draft_agent
// call.
type DispatchResult struct {
	Dispatch *dispatch.Dispatch
	Err      error
}

// future is a single-resolution promise of a DispatchResult.
type future struct {
	done   chan struct{}
	result DispatchResult
}

func newFuture() *future { return &future{done: make(chan struct{})} }

func (f *future) resolve(r DispatchResult) {
	f.result = r
	close(f.done)
}

func (f *future) await(ctx context.Context) (DispatchResult, error) {
	select {
	case <-f.done:
		return f.result, nil
	case <-ctx.Done():
		return DispatchResult{}, ctx.Err()
	}
}

// DispatchTracker maps an agent id to the in-flight or completed promise
// of its terminal DispatchResult.
type DispatchTracker struct {
	mu      sync.Mutex
	futures map[string]*future
}

// NewDispatchTracker constructs an empty tracker.
func NewDispatchTracker() *DispatchTracker {
	return &DispatchTracker{futures: map[string]*future{}}
}

func (t *DispatchTracker) register(agentID string) *future {
	t.mu.Lock()
	defer t.mu.Unlock()
	f := newFuture()
	t.futures[agentID] = f
	return f
}

func (t *DispatchTracker) get(agentID string) (*future, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.futures[agentID]
	return f, ok
}

// Flavor selects which tool set a dispatch's child process is granted.
type Flavor string

const (
	FlavorReadonly Flavor = "readonly"
	FlavorFull     Flavor = "full"
)

// Server is the in-process tool server bound to one parent dispatch's
// context: its project, task, and supervision infrastructure.
type Server struct {
	Flavor Flavor

	Project  *project.Project
	TaskDir  string
	TaskSlug string

	ParentDispatchID string

	Pool     *pool.Pool
	Store    *dispatch.Store
	Tracker  *DispatchTracker
	Projects *project.Registry
	Context  *contextbuilder.Builder

	// Command/Args spawn a child agent process for draft_agent.
	Command string
	Args    []string

	// Registry/Addr/StreamCloseTimeoutMS let draft_agent bind the newly
	// spawned child's own tool server, so recursive draft_agent calls work
	// to arbitrary depth. Nil Registry (the common case in tests, and any
	// deployment that hasn't mounted the tool-server HTTP endpoint) makes
	// Bind a no-op: the child simply has no tool access of its own.
	Registry             *Registry
	Addr                 string
	StreamCloseTimeoutMS int
}

// ErrReadonly is returned by the full-only methods when called against a
// readonly server.
var ErrReadonly = fmt.Errorf("toolserver: method not available on a readonly server")

func (s *Server) requireFull() error {
	if s.Flavor != FlavorFull {
		return ErrReadonly
	}
	return nil
}

// DraftAgentOpts carries draft_agent's optional fields.
type DraftAgentOpts struct {
	Model string
	Cwd   string
}

// DraftAgent resolves role, opens a new child dispatch with
// ParentDispatchID set to the caller, fires the supervisor
// asynchronously, and returns the new agent id immediately: it does not
// wait for session:init.
func (s *Server) DraftAgent(role, prompt string, opts DraftAgentOpts) (string, error) {
	if err := s.requireFull(); err != nil {
		return "", err
	}

	agentID := id.New()
	f := s.Tracker.register(agentID)

	cwd := opts.Cwd
	if cwd == "" && s.Project != nil && len(s.Project.Paths) > 0 {
		cwd = s.Project.Paths[0]
	}

	// The grandchild's tool calls are answered on its own behalf, so the
	// newly bound server's ParentDispatchID is agentID, not s.ParentDispatchID.
	env, cleanup := Bind(agentID, BindOpts{
		Registry:             s.Registry,
		Addr:                 s.Addr,
		Flavor:               s.Flavor,
		Project:              s.Project,
		TaskDir:              s.TaskDir,
		TaskSlug:             s.TaskSlug,
		ParentDispatchID:     agentID,
		Pool:                 s.Pool,
		Store:                s.Store,
		Tracker:              s.Tracker,
		Projects:             s.Projects,
		Context:              s.Context,
		Command:              s.Command,
		Args:                 s.Args,
		StreamCloseTimeoutMS: s.StreamCloseTimeoutMS,
	})

	go func() {
		defer cleanup()
		d, err := supervisor.Run(context.Background(), supervisor.Config{
			TaskDir:              s.TaskDir,
			TaskSlug:             s.TaskSlug,
			AgentID:              agentID,
			DispatchID:           agentID,
			Role:                 role,
			Model:                opts.Model,
			Cwd:                  cwd,
			Prompt:               prompt,
			ParentDispatchID:     s.ParentDispatchID,
			Command:              s.Command,
			Args:                 s.Args,
			Env:                  env,
			StreamCloseTimeoutMS: s.StreamCloseTimeoutMS,
			Pool:                 s.Pool,
			Store:                s.Store,
		})
		f.resolve(DispatchResult{Dispatch: d, Err: err})
	}()

	return agentID, nil
}

// AwaitAgent blocks until agentId's tracked dispatch resolves.
func (s *Server) AwaitAgent(ctx context.Context, agentID string) (*dispatch.Dispatch, error) {
	if err := s.requireFull(); err != nil {
		return nil, err
	}
	f, ok := s.Tracker.get(agentID)
	if !ok {
		return nil, fmt.Errorf("toolserver: unknown agent id %q", agentID)
	}
	result, err := f.await(ctx)
	if err != nil {
		return nil, err
	}
	return result.Dispatch, result.Err
}

// KillAgent trips agentId's abort handle via the pool. Idempotent.
func (s *Server) KillAgent(agentID string) error {
	if err := s.requireFull(); err != nil {
		return err
	}
	s.Pool.Kill(agentID, "killed by tool server")
	return nil
}

// ListAgents returns a snapshot of the pool, available in both flavors.
func (s *Server) ListAgents() []pool.Snapshot {
	return s.Pool.List()
}

// ListTasks returns every task manifest under project (or every project's
// tasks, if project is empty), available in both flavors.
func (s *Server) ListTasks(projectName string) ([]dispatch.Manifest, error) {
	var projects []*project.Project
	if projectName != "" {
		p, ok := s.Projects.Get(projectName)
		if !ok {
			return nil, fmt.Errorf("toolserver: unknown project %q", projectName)
		}
		projects = []*project.Project{p}
	} else {
		projects = s.Projects.List()
	}

	var out []dispatch.Manifest
	for _, p := range projects {
		tasksDir := p.Dir + "/tasks"
		entries, err := readDirSlugs(tasksDir)
		if err != nil {
			continue
		}
		for _, slug := range entries {
			m, err := s.Store.GetManifest(tasksDir + "/" + slug)
			if err != nil || m == nil {
				continue
			}
			out = append(out, *m)
		}
	}
	return out, nil
}

// ListProjects returns every loaded project, available in both flavors.
func (s *Server) ListProjects() []*project.Project {
	return s.Projects.List()
}

// GetTaskContext reconstructs the Markdown task-context blob for slug
// within the server's bound project, available in both flavors.
func (s *Server) GetTaskContext(slug string) (string, error) {
	taskDir := s.Project.Dir + "/tasks/" + slug
	m, err := s.Store.GetManifest(taskDir)
	if err != nil {
		return "", err
	}
	if m == nil {
		return "", fmt.Errorf("toolserver: unknown task %q", slug)
	}
	envs, err := s.Store.GetDispatchEnvelopes(taskDir)
	if err != nil {
		return "", err
	}
	if s.Context == nil {
		return contextbuilder.Render(*m, envs), nil
	}
	return s.Context.Render(*m, envs), nil
}

func readDirSlugs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}
