package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"dispatchd/internal/contextbuilder"
	"dispatchd/internal/dispatch"
	"dispatchd/internal/pool"
	"dispatchd/internal/project"
)

// ToolServerURLEnvVar tells a spawned child process where to reach the
// shared tool-server HTTP endpoint.
const ToolServerURLEnvVar = "DISPATCHD_TOOL_SERVER_URL"

// ToolDispatchIDEnvVar tells a spawned child process which dispatch id
// identifies it when calling back into the tool server, so the registry can
// route the call to the *Server bound to that dispatch.
const ToolDispatchIDEnvVar = "DISPATCHD_TOOL_DISPATCH_ID"

// Registry maps a live dispatch id to the *Server answering its tool calls,
// so the single mounted HTTP endpoint can route a call from any in-flight
// child process to the right bound context.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]*Server
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{servers: map[string]*Server{}}
}

// Put registers s as the tool server answering dispatchID's calls.
func (r *Registry) Put(dispatchID string, s *Server) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers[dispatchID] = s
}

// Remove unregisters dispatchID, normally deferred from the call site that
// bound it.
func (r *Registry) Remove(dispatchID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.servers, dispatchID)
}

func (r *Registry) get(dispatchID string) (*Server, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.servers[dispatchID]
	return s, ok
}

// toolRequest is the wire shape a child process POSTs to the tool-server
// endpoint: which dispatch it is, which method, and the method's params.
type toolRequest struct {
	DispatchID string         `json:"dispatchId"`
	Method     string         `json:"method"`
	Params     map[string]any `json:"params"`
}

// Handler serves one dispatch-scoped tool call per POST, routing by the
// request's dispatchId to the *Server Bind registered for it.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var treq toolRequest
		if err := json.NewDecoder(req.Body).Decode(&treq); err != nil {
			writeToolError(w, http.StatusBadRequest, err)
			return
		}
		s, ok := r.get(treq.DispatchID)
		if !ok {
			writeToolError(w, http.StatusNotFound, fmt.Errorf("toolserver: unknown dispatch %q", treq.DispatchID))
			return
		}
		result, err := s.dispatchCall(req.Context(), treq.Method, treq.Params)
		if err != nil {
			writeToolError(w, http.StatusOK, err)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"result": result})
	})
}

func writeToolError(w http.ResponseWriter, status int, err error) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": err.Error()})
}

// BindOpts carries everything Bind needs to construct the *Server answering
// one dispatch's tool calls.
type BindOpts struct {
	Registry *Registry
	Addr     string
	Flavor   Flavor

	Project          *project.Project
	TaskDir          string
	TaskSlug         string
	ParentDispatchID string

	Pool     *pool.Pool
	Store    *dispatch.Store
	Tracker  *DispatchTracker
	Projects *project.Registry
	Context  *contextbuilder.Builder

	Command string
	Args    []string

	StreamCloseTimeoutMS int
}

// Bind registers a *Server (built from opts) under dispatchID in opts.Registry
// and returns the environment overrides a spawned child needs to reach it,
// plus a cleanup func to unregister it once the dispatch ends. Bind is a
// no-op (nil env, no-op cleanup) when opts.Registry or opts.Addr is unset, so
// callers that haven't wired a tool server degrade gracefully rather than
// crash.
func Bind(dispatchID string, opts BindOpts) (env map[string]string, cleanup func()) {
	if opts.Registry == nil || opts.Addr == "" {
		return nil, func() {}
	}

	srv := &Server{
		Flavor:               opts.Flavor,
		Project:              opts.Project,
		TaskDir:              opts.TaskDir,
		TaskSlug:             opts.TaskSlug,
		ParentDispatchID:     opts.ParentDispatchID,
		Pool:                 opts.Pool,
		Store:                opts.Store,
		Tracker:              opts.Tracker,
		Projects:             opts.Projects,
		Context:              opts.Context,
		Command:              opts.Command,
		Args:                 opts.Args,
		Registry:             opts.Registry,
		Addr:                 opts.Addr,
		StreamCloseTimeoutMS: opts.StreamCloseTimeoutMS,
	}
	opts.Registry.Put(dispatchID, srv)

	env = map[string]string{
		ToolServerURLEnvVar:  opts.Addr,
		ToolDispatchIDEnvVar: dispatchID,
	}
	cleanup = func() { opts.Registry.Remove(dispatchID) }
	return env, cleanup
}

// dispatchCall translates one {method, params} tool call into the
// corresponding typed Server method, for the HTTP endpoint's use.
func (s *Server) dispatchCall(ctx context.Context, method string, params map[string]any) (any, error) {
	str := func(key string) string {
		v, _ := params[key].(string)
		return v
	}

	switch method {
	case "draft_agent":
		opts := DraftAgentOpts{Model: str("model"), Cwd: str("cwd")}
		agentID, err := s.DraftAgent(str("role"), str("prompt"), opts)
		if err != nil {
			return nil, err
		}
		return map[string]any{"agentId": agentID}, nil

	case "await_agent":
		d, err := s.AwaitAgent(ctx, str("agentId"))
		if err != nil {
			return nil, err
		}
		return d, nil

	case "kill_agent":
		if err := s.KillAgent(str("agentId")); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil

	case "list_agents":
		return s.ListAgents(), nil

	case "list_tasks":
		return s.ListTasks(str("project"))

	case "list_projects":
		return s.ListProjects(), nil

	case "get_task_context":
		return s.GetTaskContext(str("slug"))

	default:
		return nil, fmt.Errorf("toolserver: unknown method %q", method)
	}
}
