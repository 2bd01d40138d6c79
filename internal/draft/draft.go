// Package draft implements the singleton draft session machine: a
// resumable, multi-turn conversation with one child agent, layered on top
// of the supervisor loop and the agent pool (§4.5).
package draft

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"dispatchd/internal/contextbuilder"
	"dispatchd/internal/detector"
	"dispatchd/internal/dispatch"
	"dispatchd/internal/id"
	"dispatchd/internal/pool"
	"dispatchd/internal/project"
	"dispatchd/internal/supervisor"
	"dispatchd/internal/toolserver"
)

// Status is the draft's lifecycle state. There are no back-edges: closing
// is terminal, and a new draft is always a fresh object.
type Status string

const (
	StatusNone   Status = "none"
	StatusActive Status = "active"
	StatusClosed Status = "closed"
)

// Session is the singleton draft's persisted and in-memory state.
type Session struct {
	SessionID      string    `json:"sessionId"`
	AgentID        string    `json:"agentId"`
	Role           string    `json:"role"`
	Project        string    `json:"project"`
	TaskSlug       string    `json:"taskSlug"`
	TaskDir        string    `json:"taskDir"`
	ChannelID      string    `json:"channelId,omitempty"`
	StartedAt      time.Time `json:"startedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	TurnCount      int       `json:"turnCount"`
	Status         Status    `json:"status"`

	// SessionInitialized is false until the child's first session:init
	// event is observed.
	SessionInitialized bool `json:"sessionInitialized"`

	ActiveDispatchID string  `json:"activeDispatchId,omitempty"`
	RunningCostUSD    float64 `json:"runningCostUsd"`
	LastInputTokens   int     `json:"lastInputTokens"`
	LastOutputTokens  int     `json:"lastOutputTokens"`
	ContextWindow     int     `json:"contextWindow"`
	MaxOutputTokens   int     `json:"maxOutputTokens"`

	// StaleRole is set by recovery when the role a recovered draft
	// referenced no longer exists.
	StaleRole bool `json:"staleRole,omitempty"`
}

// draftThresholds disables the generic-repeat and ping-pong detectors: a
// human is present in draft mode. The values are negative because the
// supervisor replaces an all-zero Thresholds with its defaults; a
// non-positive threshold never fires. The non-retryable-error check and
// the stall timer still apply to a draft turn.
var draftThresholds = detector.Thresholds{Warn: -1, Kill: -1}

// ErrAlreadyActive is returned by Create when a draft is already active.
var ErrAlreadyActive = fmt.Errorf("draft: a session is already active")

// ErrNoActiveDraft is returned by turn/undraft operations when none is
// active.
var ErrNoActiveDraft = fmt.Errorf("draft: no active session")

// Machine is the process-wide singleton draft session machine.
type Machine struct {
	mu      sync.Mutex
	current *Session

	Pool  *pool.Pool
	Store *dispatch.Store

	// Command/Args spawn the child agent process for each turn, as
	// configured for the resolved role.
	Command string
	Args    []string

	// Projects/Context/Tracker/ToolRegistry/ToolAddr/StreamCloseTimeoutMS
	// let each draft turn bind a tool server for the child process, so a
	// draft conversation can itself spawn recursive agents (§4.6). A nil
	// ToolRegistry degrades to no tool access, same as an unbound
	// toolserver.Server.
	Projects             *project.Registry
	Context              *contextbuilder.Builder
	Tracker              *toolserver.DispatchTracker
	ToolRegistry         *toolserver.Registry
	ToolAddr             string
	StreamCloseTimeoutMS int
}

// NewMachine constructs an empty (status none) draft machine.
func NewMachine(p *pool.Pool, store *dispatch.Store) *Machine {
	return &Machine{Pool: p, Store: store}
}

// Active returns the current session and whether one is active.
func (m *Machine) Active() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.current.Status != StatusActive {
		return Session{}, false
	}
	return *m.current, true
}

// Create starts a brand-new draft session, rejecting the call if one is
// already active. The underlying agent-protocol session id is assigned
// here and used as the supervisor's sessionId for the first turn.
func (m *Machine) Create(role, project, taskSlug, taskDir, channelID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil && m.current.Status == StatusActive {
		return nil, ErrAlreadyActive
	}

	now := time.Now().UTC()
	s := &Session{
		SessionID:      id.NewUUID(),
		AgentID:        id.New(),
		Role:           role,
		Project:        project,
		TaskSlug:       taskSlug,
		TaskDir:        taskDir,
		ChannelID:      channelID,
		StartedAt:      now,
		LastActivityAt: now,
		Status:         StatusActive,
	}

	abort := pool.NewAbortHandle()
	if err := m.Pool.Register(pool.Entry{ID: s.AgentID, Role: role, TaskSlug: taskSlug, StartedAt: now, Abort: abort}); err != nil {
		return nil, fmt.Errorf("draft: register pool entry: %w", err)
	}

	m.current = s
	return s, nil
}

// Resume drives one turn of the active draft with prompt, per the
// per-turn flow in §4.5. It requires an active draft and a cwd.
func (m *Machine) Resume(prompt, cwd string) (*dispatch.Dispatch, error) {
	m.mu.Lock()
	s := m.current
	if s == nil || s.Status != StatusActive {
		m.mu.Unlock()
		return nil, ErrNoActiveDraft
	}
	if cwd == "" {
		m.mu.Unlock()
		return nil, fmt.Errorf("draft: no cwd available for project %q", s.Project)
	}

	entry, ok := m.Pool.Get(s.AgentID)
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("draft: agent %q is no longer registered in the pool", s.AgentID)
	}
	abort := entry.Abort

	firstTurn := s.ActiveDispatchID == ""
	dispatchID := s.ActiveDispatchID
	if firstTurn {
		dispatchID = id.New()
	}
	m.mu.Unlock()

	var proj *project.Project
	if m.Projects != nil {
		proj, _ = m.Projects.Get(s.Project)
	}
	env, cleanup := toolserver.Bind(dispatchID, toolserver.BindOpts{
		Registry:             m.ToolRegistry,
		Addr:                 m.ToolAddr,
		Flavor:               toolserver.FlavorFull,
		Project:              proj,
		TaskDir:              s.TaskDir,
		TaskSlug:             s.TaskSlug,
		ParentDispatchID:     dispatchID,
		Pool:                 m.Pool,
		Store:                m.Store,
		Tracker:              m.Tracker,
		Projects:             m.Projects,
		Context:              m.Context,
		Command:              m.Command,
		Args:                 m.Args,
		StreamCloseTimeoutMS: m.StreamCloseTimeoutMS,
	})
	defer cleanup()

	d, err := supervisor.Run(context.Background(), supervisor.Config{
		TaskDir:              s.TaskDir,
		TaskSlug:             s.TaskSlug,
		AgentID:              s.AgentID,
		DispatchID:           dispatchID,
		Role:                 s.Role,
		Cwd:                  cwd,
		Prompt:               prompt,
		Command:              m.Command,
		Args:                 m.Args,
		Env:                  env,
		StreamCloseTimeoutMS: m.StreamCloseTimeoutMS,
		GenericThresholds:    draftThresholds,
		PingPongThresholds:   draftThresholds,
		Pool:                 m.Pool,
		Store:                m.Store,
		Abort:                abort,
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Re-fetch in case Create/Undraft raced us; the invariant of at most
	// one active draft means this is still the same logical session.
	s = m.current
	if s == nil {
		return d, nil
	}

	s.ActiveDispatchID = d.ID
	s.TurnCount++
	s.LastActivityAt = time.Now().UTC()
	s.RunningCostUSD += d.CostUSD
	s.LastInputTokens = d.LastInputTokens
	s.LastOutputTokens = d.LastOutputTokens
	s.ContextWindow = d.ContextWindow
	s.MaxOutputTokens = d.MaxOutputTokens

	switch d.Status {
	case dispatch.StatusAborted:
		// Stall or kill: the draft stays active so the user can send
		// another turn.
	case dispatch.StatusCrashed:
		// A crash during resume is treated as a resume failure: close
		// the draft automatically.
		s.Status = StatusClosed
	case dispatch.StatusCompleted:
		// Normal turn completion; draft stays active awaiting the next
		// prompt.
	}

	if err := m.persistLocked(); err != nil {
		return d, err
	}
	return d, nil
}

// Undraft is the only normal exit from an active draft.
func (m *Machine) Undraft() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.current.Status != StatusActive {
		return ErrNoActiveDraft
	}
	m.current.Status = StatusClosed
	m.Pool.Release(m.current.AgentID)
	return m.persistLocked()
}

// MarkSessionInitialized records that the child's first session:init
// event has been observed for the active draft.
func (m *Machine) MarkSessionInitialized() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.current.SessionInitialized = true
	}
}

func (m *Machine) persistLocked() error {
	if m.current == nil {
		return nil
	}
	return Save(m.current.TaskDir, *m.current)
}

// draftFilePath is the on-disk location of a task's draft file.
func draftFilePath(taskDir string) string {
	return filepath.Join(taskDir, "draft.json")
}

// Save writes s to <taskDir>/draft.json atomically (write-temp, rename),
// falling back to a direct write if the rename fails.
func Save(taskDir string, s Session) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("draft: marshal: %w", err)
	}
	if err := os.MkdirAll(taskDir, 0o755); err != nil {
		return fmt.Errorf("draft: mkdir %s: %w", taskDir, err)
	}

	path := draftFilePath(taskDir)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("draft: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		// Fall back to a direct (non-atomic) write rather than losing the
		// session state.
		return os.WriteFile(path, data, 0o644)
	}
	return nil
}

// Load reads <taskDir>/draft.json, returning (nil, nil) if it doesn't
// exist.
func Load(taskDir string) (*Session, error) {
	data, err := os.ReadFile(draftFilePath(taskDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("draft: read %s: %w", draftFilePath(taskDir), err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("draft: parse %s: %w", draftFilePath(taskDir), err)
	}
	return &s, nil
}
