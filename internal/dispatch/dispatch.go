// Package dispatch defines one execution of one role against one task, its
// on-disk envelope, the per-task manifest, and the filesystem-backed store
// that persists both.
package dispatch

import (
	"time"

	"dispatchd/internal/events"
)

// Status is the terminal (or running) state of a dispatch.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusAborted   Status = "aborted"
	StatusCrashed   Status = "crashed"
)

// StructuredResult is the validated payload captured from the child's
// StructuredOutput tool call, per §4.3.
type StructuredResult struct {
	Status    string   `json:"status"`
	Summary   string   `json:"summary"`
	Changes   []string `json:"changes,omitempty"`
	Issues    []string `json:"issues,omitempty"`
	Questions []string `json:"questions,omitempty"`
	PRURL     string   `json:"pr_url,omitempty"`
}

// Dispatch is one execution of one role against one task.
type Dispatch struct {
	ID               string            `json:"id"`
	TaskSlug         string            `json:"taskSlug"`
	Role             string            `json:"role"`
	Model            string            `json:"model"`
	Cwd              string            `json:"cwd"`
	StartedAt        time.Time         `json:"startedAt"`
	EndedAt          *time.Time        `json:"endedAt,omitempty"`
	Status           Status            `json:"status"`
	CostUSD          float64           `json:"costUsd"`
	ParentDispatchID string            `json:"parentDispatchId,omitempty"`
	StructuredResult *StructuredResult `json:"structuredResult,omitempty"`

	// AbortReason is set when Status is aborted or crashed: one of
	// "stall", "error_loop", "non_retryable_error", "unknown", or a raw
	// crash message.
	AbortReason string `json:"abortReason,omitempty"`

	// LastInputTokens/LastOutputTokens are the most recent turn's usage
	// counts; ContextWindow/MaxOutputTokens come from the child's
	// system:init message. All four are 0 when the child never reported them.
	LastInputTokens  int `json:"lastInputTokens,omitempty"`
	LastOutputTokens int `json:"lastOutputTokens,omitempty"`
	ContextWindow    int `json:"contextWindow,omitempty"`
	MaxOutputTokens  int `json:"maxOutputTokens,omitempty"`
}

// IsTerminal reports whether the dispatch has reached a final status.
func (d Dispatch) IsTerminal() bool {
	switch d.Status {
	case StatusCompleted, StatusAborted, StatusCrashed:
		return true
	default:
		return false
	}
}

// Envelope is the on-disk shape of one dispatch: its fields plus its full
// event sequence. Persisted at
// <taskDir>/dispatches/<dispatchId>.json.
type Envelope struct {
	Dispatch
	Events []events.Event `json:"events"`
}

// Projection extracts the denormalized row this envelope contributes to a
// TaskManifest.
func (e Envelope) Projection() Projection {
	return Projection{
		ID:               e.ID,
		Role:             e.Role,
		Status:           string(e.Status),
		CostUSD:          e.CostUSD,
		StartedAt:        e.StartedAt,
		ParentDispatchID: e.ParentDispatchID,
	}
}

// Projection is the per-dispatch row kept in a TaskManifest.
type Projection struct {
	ID               string    `json:"id"`
	Role             string    `json:"role"`
	Status           string    `json:"status"`
	CostUSD          float64   `json:"costUsd"`
	StartedAt        time.Time `json:"startedAt"`
	ParentDispatchID string    `json:"parentDispatchId,omitempty"`
}

// Manifest is the per-task index: task.json. It holds the task's own
// fields plus a monotonic, upsert-by-id projection of every dispatch.
type Manifest struct {
	Slug           string       `json:"slug"`
	Project        string       `json:"project"`
	Name           string       `json:"name"`
	Description    string       `json:"description,omitempty"`
	Status         string       `json:"status"`
	CreatedAt      time.Time    `json:"createdAt"`
	CorrelationKey string       `json:"correlationKey,omitempty"`
	Dispatches     []Projection `json:"dispatchIndex"`
}

// UpsertProjection inserts or replaces the projection matching p.ID,
// preserving the existing order otherwise and never shrinking the index.
func (m *Manifest) UpsertProjection(p Projection) {
	for i := range m.Dispatches {
		if m.Dispatches[i].ID == p.ID {
			m.Dispatches[i] = p
			return
		}
	}
	m.Dispatches = append(m.Dispatches, p)
}
