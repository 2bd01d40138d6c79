// Package events defines the append-only per-dispatch event log entries and
// the taxonomy of event types a supervisor loop may emit.
package events

import "time"

// Type enumerates every event kind the supervisor and its collaborators may
// append to a dispatch's event log (§4.3).
type Type string

const (
	TypeUserMessage Type = "user:message"

	TypeSessionInit       Type = "session:init"
	TypeSessionComplete   Type = "session:complete"
	TypeSessionCompaction Type = "session:compaction"
	TypeSessionRateLimit  Type = "session:rate_limit"
	TypeSessionStatus     Type = "session:status"

	TypeAgentText       Type = "agent:text"
	TypeAgentThinking   Type = "agent:thinking"
	TypeAgentToolCall   Type = "agent:tool_call"
	TypeAgentToolResult Type = "agent:tool_result"

	TypeHarnessLoopWarning Type = "harness:loop_warning"
	TypeHarnessLoopKill    Type = "harness:loop_kill"
	TypeHarnessStall       Type = "harness:stall"
	TypeHarnessAbort       Type = "harness:abort"
	TypeHarnessError       Type = "harness:error"

	TypeSystemFilesPersisted Type = "system:files_persisted"
	TypeSystemHookStarted    Type = "system:hook_started"
	TypeSystemHookProgress   Type = "system:hook_progress"
	TypeSystemHookResponse   Type = "system:hook_response"
)

// Event is one immutable, append-only entry in a dispatch's event log.
// Seq is assigned by the store and is monotonically increasing within a
// dispatch; it is the basis for the "event counts never decrease" property.
type Event struct {
	ID        string    `json:"id"`
	DispatchID string   `json:"dispatchId"`
	Seq       int       `json:"seq"`
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// Payload is the type-specific body, kept as a raw map so the store
	// doesn't need to know every event shape to persist it.
	Payload map[string]any `json:"payload,omitempty"`
}

// IsTerminalSignal reports whether this event type represents a dispatch
// reaching a stop condition.
func (e Event) IsTerminalSignal() bool {
	switch e.Type {
	case TypeSessionComplete, TypeHarnessLoopKill, TypeHarnessAbort, TypeHarnessError:
		return true
	default:
		return false
	}
}
