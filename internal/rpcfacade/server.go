package rpcfacade

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"

	"github.com/gorilla/websocket"

	"dispatchd/internal/contextbuilder"
	"dispatchd/internal/dispatch"
	"dispatchd/internal/draft"
	"dispatchd/internal/pool"
	"dispatchd/internal/project"
	"dispatchd/internal/router"
	"dispatchd/internal/toolserver"
)

// Server is the JSON-RPC facade bound to the harness's shared state.
type Server struct {
	Projects *project.Registry
	Store    *dispatch.Store
	Pool     *pool.Pool
	Draft    *draft.Machine
	Context  *contextbuilder.Builder

	// Command/Args spawn a one-shot dispatch's child agent process.
	Command string
	Args    []string

	// Debouncer coalesces a burst of rapid submit_prompt calls against the
	// same resolved task directory into a single dispatch (§4.8). Set by
	// the server's owner once the RPC facade is constructed, since the
	// debouncer's flush callback needs this *Server.
	Debouncer *router.Debouncer

	// ToolRegistry/ToolAddr/Tracker let a one-shot dispatch bind a tool
	// server for its child process, same as draft.Machine.Resume. Tracker
	// is shared process-wide so await_agent/kill_agent calls can reach any
	// in-flight agent regardless of which path spawned it.
	ToolRegistry         *toolserver.Registry
	ToolAddr             string
	Tracker              *toolserver.DispatchTracker
	StreamCloseTimeoutMS int

	hub *hub
}

// New constructs a Server. Callers wire Pool.SetChangeCallback to
// BroadcastPoolStatus separately, since the pool is constructed before
// the server that observes it.
func New(projects *project.Registry, store *dispatch.Store, p *pool.Pool, d *draft.Machine, cb *contextbuilder.Builder) *Server {
	return &Server{Projects: projects, Store: store, Pool: p, Draft: d, Context: cb, hub: newHub()}
}

// buildRouter constructs a per-project role router on the fly: one rule per
// role name, matching that name literally (case-insensitively) anywhere in
// the inbound content, with the project's first role as the default when
// nothing matches (§4.8).
func buildRouter(proj *project.Project) *router.Router {
	if proj == nil || len(proj.RoleNames) == 0 {
		return &router.Router{}
	}
	rules := make([]router.Rule, 0, len(proj.RoleNames))
	for _, name := range proj.RoleNames {
		rule, err := router.NewRule(regexp.QuoteMeta(name), name, "")
		if err != nil {
			continue
		}
		rules = append(rules, rule)
	}
	return &router.Router{Rules: rules, DefaultRole: proj.RoleNames[0]}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeHTTP upgrades the request to a WebSocket and services JSON-RPC
// requests on it until the connection closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBufferSize)}
	s.hub.register(c)
	go c.writePump()
	s.readPump(c)
}

func (s *Server) readPump(c *client) {
	defer func() {
		s.hub.unregister(c)
		c.conn.Close()
	}()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		go s.handle(c, data)
	}
}

func (s *Server) handle(c *client, data []byte) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		s.reply(c, Response{JSONRPC: "2.0", Error: invalidParams(err)})
		return
	}

	result, rpcErr := s.dispatch(context.Background(), req)
	s.reply(c, Response{JSONRPC: "2.0", ID: req.ID, Result: result, Error: rpcErr})
}

func (s *Server) reply(c *client, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// dispatch routes one parsed request to its method handler.
func (s *Server) dispatch(ctx context.Context, req Request) (any, *Error) {
	switch req.Method {
	case "list_projects":
		return s.listProjects()
	case "create_project":
		return s.createProject(req.Params)
	case "reload_projects":
		return s.reloadProjects()
	case "submit_prompt":
		return s.submitPrompt(req.Params)
	case "create_task":
		return s.createTask(req.Params)
	case "close_task":
		return s.closeTask(req.Params)
	case "list_tasks":
		return s.listTasks(req.Params)
	case "get_task_context":
		return s.getTaskContext(req.Params)
	case "draft":
		return s.startDraft(req.Params)
	case "undraft":
		return s.undraft()
	case "get_draft_status":
		return s.getDraftStatus()
	case "list_agents":
		return s.listAgents()
	case "kill_agent":
		return s.killAgent(req.Params)
	case "entity_scaffold":
		return s.entityScaffold(req.Params)
	case "entity_validate":
		return s.entityValidate(req.Params)
	default:
		return nil, &Error{Code: -32601, Message: fmt.Sprintf("unknown method %q", req.Method)}
	}
}

func decodeParams[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	err := json.Unmarshal(raw, &v)
	return v, err
}

// BroadcastChannelMessage notifies every connected client of a chat-style
// message, per §4.7's registry fan-out.
func (s *Server) BroadcastChannelMessage(channelID, text string) {
	s.hub.broadcast(newNotification(NotifyChannelMessage, map[string]string{"channelId": channelID, "text": text}))
}

// BroadcastStatusUpdate notifies clients of a dispatch status transition.
func (s *Server) BroadcastStatusUpdate(taskSlug, dispatchID, status string) {
	s.hub.broadcast(newNotification(NotifyStatusUpdate, map[string]string{
		"taskSlug": taskSlug, "dispatchId": dispatchID, "status": status,
	}))
}

// BroadcastPoolStatus notifies clients of the pool's current occupancy.
// Wired as the pool's change callback.
func (s *Server) BroadcastPoolStatus(snapshot []pool.Snapshot) {
	s.hub.broadcast(newNotification(NotifyPoolStatus, map[string]any{"agents": snapshot}))
}

// BroadcastDraftStatus notifies clients the draft session's state changed.
func (s *Server) BroadcastDraftStatus(session draft.Session, active bool) {
	s.hub.broadcast(newNotification(NotifyDraftStatus, map[string]any{"active": active, "session": session}))
}

// BroadcastContextCompacted notifies clients a session compaction event
// was observed mid-stream.
func (s *Server) BroadcastContextCompacted(taskSlug, dispatchID string) {
	s.hub.broadcast(newNotification(NotifyContextCompact, map[string]string{"taskSlug": taskSlug, "dispatchId": dispatchID}))
}
