// Package supervisor drives one dispatch: it spawns the child agent
// process, consumes its message stream, persists the resulting event log,
// detects stalls and repetition loops, and produces a terminal
// dispatch.Dispatch (§4.3).
package supervisor

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"dispatchd/internal/agentstream"
	"dispatchd/internal/detector"
	"dispatchd/internal/dispatch"
	"dispatchd/internal/events"
	"dispatchd/internal/id"
	"dispatchd/internal/pool"
	"dispatchd/internal/subprocess"
)

// DefaultStallTimeout is the stall timer's default duration, armed at
// entry and reset on every message from the child.
const DefaultStallTimeout = 300 * time.Second

// textTruncateLen is the maximum length of a text/thinking payload stored
// in an event.
const textTruncateLen = 2000

// Config describes one dispatch run.
type Config struct {
	TaskDir  string
	TaskSlug string

	// AgentID is the pool key. Defaults to DispatchID when empty.
	AgentID string
	// DispatchID is generated when empty.
	DispatchID string

	Role  string
	Model string
	Cwd   string

	Prompt           string
	ParentDispatchID string

	Command string
	Args    []string
	// Env carries additional KEY=VALUE overrides layered onto the sanitized
	// environment subprocess.BuildEnv produces (e.g. a tool-server endpoint
	// and dispatch id for recursive agent spawning).
	Env map[string]string
	// StreamCloseTimeoutMS is forwarded into the child's environment via
	// subprocess.BuildEnv; zero means subprocess.DefaultStreamCloseTimeoutMS.
	StreamCloseTimeoutMS int

	StallTimeout       time.Duration
	GenericThresholds  detector.Thresholds
	PingPongThresholds detector.Thresholds

	Pool  *pool.Pool
	Store *dispatch.Store

	// Abort is reused across draft turns when non-nil (the draft machine
	// holds the pool's existing handle); a fresh one is created otherwise.
	Abort *pool.AbortHandle
}

func (c *Config) setDefaults() {
	if c.DispatchID == "" {
		c.DispatchID = id.New()
	}
	if c.AgentID == "" {
		c.AgentID = c.DispatchID
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = DefaultStallTimeout
	}
	if c.GenericThresholds == (detector.Thresholds{}) {
		c.GenericThresholds = detector.DefaultGenericThresholds
	}
	if c.PingPongThresholds == (detector.Thresholds{}) {
		c.PingPongThresholds = detector.DefaultPingPongThresholds
	}
}

// Run spawns the child agent and drives it to completion, returning the
// terminal dispatch record. The pool entry is registered (unless already
// present, as during a draft resume) and guaranteed to be released before
// Run returns. The dispatch envelope is guaranteed to leave the store in a
// terminal status even if Run returns early on an unexpected error.
func Run(ctx context.Context, cfg Config) (*dispatch.Dispatch, error) {
	cfg.setDefaults()

	abort := cfg.Abort
	if abort == nil {
		abort = pool.NewAbortHandle()
	}

	registeredHere := false
	if cfg.Pool != nil {
		if _, ok := cfg.Pool.Get(cfg.AgentID); !ok {
			entry := pool.Entry{ID: cfg.AgentID, Role: cfg.Role, TaskSlug: cfg.TaskSlug, StartedAt: time.Now().UTC(), Abort: abort}
			if err := cfg.Pool.Register(entry); err != nil {
				return nil, fmt.Errorf("supervisor: register pool entry: %w", err)
			}
			registeredHere = true
		}
	}
	defer func() {
		if registeredHere {
			cfg.Pool.Release(cfg.AgentID)
		}
	}()

	if cfg.Store != nil {
		env := dispatch.Envelope{Dispatch: dispatch.Dispatch{
			ID:               cfg.DispatchID,
			TaskSlug:         cfg.TaskSlug,
			Role:             cfg.Role,
			Model:            cfg.Model,
			Cwd:              cfg.Cwd,
			StartedAt:        time.Now().UTC(),
			Status:           dispatch.StatusRunning,
			ParentDispatchID: cfg.ParentDispatchID,
		}}
		if err := cfg.Store.CreateDispatch(cfg.TaskDir, env); err != nil {
			return nil, fmt.Errorf("supervisor: create dispatch: %w", err)
		}
	}

	final := dispatch.StatusRunning
	var abortReason string
	var structuredResult *dispatch.StructuredResult
	var totalCost float64

	r := &runner{cfg: cfg, abort: abort, state: newLoopState()}

	// Guaranteed-release exit path (§4.3): however this function returns,
	// the envelope leaves the store in a terminal status, and a crashed
	// outcome always leaves behind a harness:error event.
	defer func() {
		if cfg.Store == nil {
			return
		}
		status := final
		reason := abortReason
		if status == dispatch.StatusRunning {
			status = dispatch.StatusCrashed
			if reason == "" {
				reason = "supervisor exited without reaching a terminal status"
			}
		}
		if status == dispatch.StatusCrashed {
			r.appendEvent(events.TypeHarnessError, map[string]any{"reason": reason})
		}
		now := time.Now().UTC()
		_, _ = cfg.Store.UpdateDispatch(cfg.TaskDir, cfg.DispatchID, dispatch.PartialUpdate{
			Status:           &status,
			EndedAt:          &now,
			CostUSD:          &totalCost,
			AbortReason:      &reason,
			StructuredResult: structuredResult,
			LastInputTokens:  &r.state.lastInputTokens,
			LastOutputTokens: &r.state.lastOutputTokens,
			ContextWindow:    &r.state.contextWindow,
			MaxOutputTokens:  &r.state.maxOutputTokens,
		})
	}()

	fullEnv := subprocess.BuildEnv(os.Environ(), cfg.StreamCloseTimeoutMS)
	for k, v := range cfg.Env {
		fullEnv = append(fullEnv, fmt.Sprintf("%s=%s", k, v))
	}

	sp := subprocess.New(subprocess.Config{
		Command:    cfg.Command,
		Args:       cfg.Args,
		Env:        fullEnv,
		WorkingDir: cfg.Cwd,
	})
	if err := sp.Start(ctx); err != nil {
		final = dispatch.StatusCrashed
		abortReason = err.Error()
		return nil, fmt.Errorf("supervisor: start child: %w", err)
	}
	if cfg.Prompt != "" {
		_ = sp.Write([]byte(cfg.Prompt + "\n"))
	}

	r.appendEvent(events.TypeUserMessage, map[string]any{"text": cfg.Prompt})

	final, abortReason, structuredResult, totalCost = r.drive(sp)

	d := dispatch.Dispatch{
		ID:               cfg.DispatchID,
		TaskSlug:         cfg.TaskSlug,
		Role:             cfg.Role,
		Model:            cfg.Model,
		Cwd:              cfg.Cwd,
		Status:           final,
		CostUSD:          totalCost,
		ParentDispatchID: cfg.ParentDispatchID,
		StructuredResult: structuredResult,
		AbortReason:      abortReason,
		LastInputTokens:  r.state.lastInputTokens,
		LastOutputTokens: r.state.lastOutputTokens,
		ContextWindow:    r.state.contextWindow,
		MaxOutputTokens:  r.state.maxOutputTokens,
	}
	return &d, nil
}

// runner holds the mutable state of one in-flight dispatch loop.
type runner struct {
	cfg   Config
	abort *pool.AbortHandle
	state *loopState
}

func (r *runner) appendEvent(ty events.Type, payload map[string]any) {
	if r.cfg.Store == nil {
		return
	}
	if text, ok := payload["text"].(string); ok && len(text) > textTruncateLen {
		payload["text"] = text[:textTruncateLen]
	}
	_ = r.cfg.Store.AppendEvent(r.cfg.TaskDir, r.cfg.DispatchID, events.Event{
		Type:      ty,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
}

// drive runs the read loop until a terminal condition is reached, cleanly
// stopping the child and returning the final status, abort reason (if
// any), captured structured result, and accumulated cost.
func (r *runner) drive(sp *subprocess.Subprocess) (dispatch.Status, string, *dispatch.StructuredResult, float64) {
	msgCh := streamMessages(sp.Stdout())

	stallTimer := time.NewTimer(r.cfg.StallTimeout)
	defer stallTimer.Stop()

	var structuredResult *dispatch.StructuredResult
	var totalCost float64

	for {
		select {
		case <-r.abort.Done():
			_, reason := r.abort.Tripped()
			r.appendEvent(events.TypeHarnessAbort, map[string]any{"reason": reason})
			_ = sp.Stop()
			return dispatch.StatusAborted, reason, structuredResult, totalCost

		case <-stallTimer.C:
			r.abort.Trip("stall")
			r.appendEvent(events.TypeHarnessStall, nil)
			_ = sp.Stop()
			return dispatch.StatusAborted, "stall", structuredResult, totalCost

		case lm, ok := <-msgCh:
			if !ok {
				waitErr := sp.Wait()
				if waitErr != nil {
					return dispatch.StatusCrashed, waitErr.Error(), structuredResult, totalCost
				}
				return dispatch.StatusCrashed, "child exited without a terminal result", structuredResult, totalCost
			}

			if !stallTimer.Stop() {
				select {
				case <-stallTimer.C:
				default:
				}
			}
			stallTimer.Reset(r.cfg.StallTimeout)

			outcome := r.handleMessage(lm)
			if outcome.structuredResult != nil {
				structuredResult = outcome.structuredResult
			}
			if outcome.cost > 0 {
				totalCost = outcome.cost
			}
			if outcome.done {
				_ = sp.Stop()
				return outcome.status, outcome.reason, structuredResult, totalCost
			}
		}
	}
}

type messageOutcome struct {
	done             bool
	status           dispatch.Status
	reason           string
	structuredResult *dispatch.StructuredResult
	cost             float64
}

func (r *runner) handleMessage(msg *agentstream.Message) messageOutcome {
	switch msg.Kind {
	case agentstream.KindSystem:
		r.handleSystem(msg)
		return messageOutcome{}

	case agentstream.KindAssistant:
		return r.handleAssistant(msg)

	case agentstream.KindUser:
		return r.handleUser(msg)

	case agentstream.KindResult:
		return r.handleResult(msg)

	default:
		return messageOutcome{}
	}
}

func (r *runner) handleSystem(msg *agentstream.Message) {
	ty, ok := map[agentstream.SystemSubtype]events.Type{
		agentstream.SystemInit:           events.TypeSessionInit,
		agentstream.SystemCompact:        events.TypeSessionCompaction,
		agentstream.SystemFilesPersisted: events.TypeSystemFilesPersisted,
		agentstream.SystemHookStarted:    events.TypeSystemHookStarted,
		agentstream.SystemHookProgress:   events.TypeSystemHookProgress,
		agentstream.SystemHookResponse:   events.TypeSystemHookResponse,
		agentstream.SystemStatus:         events.TypeSessionStatus,
		agentstream.SystemRateLimit:      events.TypeSessionRateLimit,
	}[msg.SystemSubtype]
	if !ok {
		return
	}
	payload := map[string]any{"sessionId": msg.SessionID}
	for k, v := range msg.Extra {
		payload[k] = v
	}
	r.appendEvent(ty, payload)

	if msg.SystemSubtype == agentstream.SystemInit {
		if v, ok := intFromAny(msg.Extra["context_window"]); ok {
			r.state.contextWindow = v
		}
		if v, ok := intFromAny(msg.Extra["max_output_tokens"]); ok {
			r.state.maxOutputTokens = v
		}
	}
}

// intFromAny coerces an Extra value into an int. JSON-unmarshaled numbers
// arrive as float64; directly-constructed test messages may use int.
func intFromAny(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}

func (r *runner) handleAssistant(msg *agentstream.Message) messageOutcome {
	var out messageOutcome
	for _, block := range msg.Content {
		switch block.Kind {
		case agentstream.BlockText:
			r.appendEvent(events.TypeAgentText, map[string]any{"text": block.Text})
		case agentstream.BlockThinking:
			r.appendEvent(events.TypeAgentThinking, map[string]any{"text": block.Thinking})
		case agentstream.BlockToolUse:
			if block.ToolUse == nil {
				continue
			}
			if block.ToolUse.Name == "StructuredOutput" {
				// SDK-internal tool: captured verbatim, never forwarded as
				// an event (§4.3).
				if sr, err := ValidateStructuredResult(block.ToolUse.Input); err == nil {
					out.structuredResult = sr
				}
				continue
			}
			target := extractTarget(block.ToolUse.Name, block.ToolUse.Input)
			r.state.pending[block.ToolUse.ID] = pendingCall{Tool: block.ToolUse.Name, Target: target, StartedAt: time.Now().UTC()}
			r.appendEvent(events.TypeAgentToolCall, map[string]any{
				"id": block.ToolUse.ID, "tool": block.ToolUse.Name, "target": target,
			})

			// Pushed at tool_use time, not tool_result time: a tool called
			// repeatedly with no intervening result must still trip the
			// repeat detectors (§4.3).
			r.state.pushToolWindow(detector.Pair{Tool: block.ToolUse.Name, Target: target})
			if loopOutcome, done := r.checkToolLoop(); done {
				return loopOutcome
			}
		}
	}
	return out
}

// checkToolLoop runs the repeat detectors against the current tool window,
// appending warn/kill events and tripping the abort handle as needed.
func (r *runner) checkToolLoop() (messageOutcome, bool) {
	if v := detector.GenericRepeat(r.state.toolWindow, r.cfg.GenericThresholds); v.Kill {
		r.appendEvent(events.TypeHarnessLoopKill, map[string]any{"reason": v.Reason})
		r.abort.Trip(v.Reason)
		return messageOutcome{done: true, status: dispatch.StatusAborted, reason: v.Reason}, true
	} else if v.Warn && !r.state.warnedGeneric {
		r.state.warnedGeneric = true
		r.appendEvent(events.TypeHarnessLoopWarning, map[string]any{"kind": "generic_repeat"})
	}

	if v := detector.PingPong(r.state.toolWindow, r.cfg.PingPongThresholds); v.Kill {
		r.appendEvent(events.TypeHarnessLoopKill, map[string]any{"reason": v.Reason})
		r.abort.Trip(v.Reason)
		return messageOutcome{done: true, status: dispatch.StatusAborted, reason: v.Reason}, true
	} else if v.Warn && !r.state.warnedPingPong {
		r.state.warnedPingPong = true
		r.appendEvent(events.TypeHarnessLoopWarning, map[string]any{"kind": "ping_pong"})
	}

	return messageOutcome{}, false
}

func (r *runner) handleUser(msg *agentstream.Message) messageOutcome {
	if msg.ToolResult == nil {
		return messageOutcome{}
	}
	tr := msg.ToolResult
	call, known := r.state.pending[tr.ToolUseID]
	if known {
		delete(r.state.pending, tr.ToolUseID)
	} else {
		call = pendingCall{Tool: "unknown", Target: ""}
	}

	duration := time.Since(call.StartedAt)
	r.appendEvent(events.TypeAgentToolResult, map[string]any{
		"id": tr.ToolUseID, "tool": call.Tool, "target": call.Target,
		"isError": tr.IsError, "durationMs": duration.Milliseconds(), "text": tr.Content,
	})

	if tr.IsError {
		firstLine := detector.NormalizeErrorLine(firstLineOf(tr.Content))
		r.state.pushErrWindow(detector.Triplet{Tool: call.Tool, Target: call.Target, FirstLine: firstLine})

		if v := detector.NonRetryableError(r.state.errWindow); v.Kill {
			r.appendEvent(events.TypeHarnessLoopKill, map[string]any{"reason": v.Reason})
			r.abort.Trip(v.Reason)
			return messageOutcome{done: true, status: dispatch.StatusAborted, reason: v.Reason}
		}
	}

	return messageOutcome{}
}

func (r *runner) handleResult(msg *agentstream.Message) messageOutcome {
	r.appendEvent(events.TypeSessionComplete, map[string]any{
		"subtype": string(msg.ResultSubtype), "numTurns": msg.NumTurns, "durationMs": msg.DurationMS,
	})
	r.state.lastInputTokens = msg.Usage.InputTokens
	r.state.lastOutputTokens = msg.Usage.OutputTokens

	if msg.ResultSubtype.IsBudgetOrTurnLimit() {
		return messageOutcome{done: true, status: dispatch.StatusAborted, reason: string(msg.ResultSubtype), cost: msg.CostUSD}
	}
	if msg.ResultSubtype != agentstream.ResultSuccess {
		return messageOutcome{done: true, status: dispatch.StatusCrashed, reason: string(msg.ResultSubtype), cost: msg.CostUSD}
	}
	return messageOutcome{done: true, status: dispatch.StatusCompleted, cost: msg.CostUSD}
}

// pendingCall is an in-flight tool_use awaiting its tool_result.
type pendingCall struct {
	Tool      string
	Target    string
	StartedAt time.Time
}

// loopState holds the sliding windows and idempotence flags the detectors
// need across the life of one dispatch.
type loopState struct {
	pending        map[string]pendingCall
	toolWindow     []detector.Pair
	errWindow      []detector.Triplet
	warnedGeneric  bool
	warnedPingPong bool

	lastInputTokens  int
	lastOutputTokens int
	contextWindow    int
	maxOutputTokens  int
}

func newLoopState() *loopState {
	return &loopState{pending: map[string]pendingCall{}}
}

func (s *loopState) pushToolWindow(p detector.Pair) {
	s.toolWindow = append(s.toolWindow, p)
	if len(s.toolWindow) > detector.MaxToolWindow {
		s.toolWindow = s.toolWindow[len(s.toolWindow)-detector.MaxToolWindow:]
	}
}

func (s *loopState) pushErrWindow(t detector.Triplet) {
	s.errWindow = append(s.errWindow, t)
	if len(s.errWindow) > detector.MaxErrorWindow {
		s.errWindow = s.errWindow[len(s.errWindow)-detector.MaxErrorWindow:]
	}
}

// extractTarget lifts a salient string from a tool_use's input per §4.3.
func extractTarget(tool string, input map[string]any) string {
	str := func(key string) (string, bool) {
		v, ok := input[key].(string)
		return v, ok && v != ""
	}

	switch tool {
	case "read_file", "write_file", "edit_file", "delete_file", "create_file":
		if v, ok := str("path"); ok {
			return v
		}
		if v, ok := str("file_path"); ok {
			return v
		}
	case "run_shell", "bash", "shell":
		if v, ok := str("command"); ok {
			if len(v) > 80 {
				return v[:80]
			}
			return v
		}
	case "grep", "search":
		if v, ok := str("pattern"); ok {
			return v
		}
	case "draft_agent", "spawn_agent":
		if v, ok := str("role"); ok {
			return v
		}
	case "await_agent", "kill_agent":
		if v, ok := str("agentId"); ok {
			return v
		}
	}

	if v, ok := str("path"); ok {
		return v
	}
	if v, ok := str("target"); ok {
		return v
	}
	return ""
}

func firstLineOf(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// streamMessages reads newline-delimited JSON messages from r, dropping
// (not erroring on) any line that fails to parse even after jsonrepair,
// matching executor.go's scanner-loop fallback behavior.
func streamMessages(r io.Reader) <-chan *agentstream.Message {
	ch := make(chan *agentstream.Message)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			msg, err := agentstream.ParseMessage(line)
			if err != nil {
				continue
			}
			ch <- msg
		}
	}()
	return ch
}
