// Package task defines a unit of user intent scoped to one project, and the
// slug derivation used to name its on-disk directory.
package task

import "time"

// Status is the task lifecycle state.
type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

// Task is a named unit of intent within a project, composed of zero or more
// dispatches.
type Task struct {
	Slug           string    `json:"slug"`
	Project        string    `json:"project"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"createdAt"`
	CorrelationKey string    `json:"correlationKey,omitempty"`

	// DispatchIndex is the denormalized projection of every dispatch's
	// envelope, in dispatch-creation order. It is monotonic: entries are
	// only appended or upserted by id, never removed.
	DispatchIndex []DispatchProjection `json:"dispatchIndex"`
}

// DispatchProjection is the per-dispatch row kept in task.json (§4.1):
// everything needed to list a task's history without opening every
// dispatch file.
type DispatchProjection struct {
	ID             string    `json:"id"`
	Role           string    `json:"role"`
	Status         string    `json:"status"`
	CostUSD        float64   `json:"costUsd"`
	StartedAt      time.Time `json:"startedAt"`
	ParentDispatch string    `json:"parentDispatchId,omitempty"`
}

// New creates a Task for name under project, deriving its slug.
func New(projectName, name, description, correlationKey string) Task {
	return Task{
		Project:        projectName,
		Name:           name,
		Description:    description,
		Status:         StatusOpen,
		CreatedAt:      time.Now().UTC(),
		CorrelationKey: correlationKey,
	}
}
