// Package agentstream models the line-delimited JSON message stream a
// child coding-agent process emits on stdout: a tagged union of system,
// assistant, user, and result messages, parsed with a jsonrepair fallback
// for malformed lines.
package agentstream

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/kaptinlin/jsonrepair"
)

// Kind discriminates the top-level message variants.
type Kind string

const (
	KindSystem    Kind = "system"
	KindAssistant Kind = "assistant"
	KindUser      Kind = "user"
	KindResult    Kind = "result"
)

// SystemSubtype discriminates a system message's payload.
type SystemSubtype string

const (
	SystemInit           SystemSubtype = "init"
	SystemCompact        SystemSubtype = "compact"
	SystemFilesPersisted SystemSubtype = "files_persisted"
	SystemHookStarted    SystemSubtype = "hook_started"
	SystemHookProgress   SystemSubtype = "hook_progress"
	SystemHookResponse   SystemSubtype = "hook_response"
	SystemStatus         SystemSubtype = "status"
	SystemRateLimit      SystemSubtype = "rate_limit"
)

// ResultSubtype discriminates a terminal result message.
type ResultSubtype string

const (
	ResultSuccess        ResultSubtype = "success"
	ResultErrorMaxTurns  ResultSubtype = "error_max_turns"
	ResultErrorMaxBudget ResultSubtype = "error_max_budget_usd"
	ResultErrorOther     ResultSubtype = "error_other"
)

// BlockKind discriminates an assistant content block.
type BlockKind string

const (
	BlockText     BlockKind = "text"
	BlockThinking BlockKind = "thinking"
	BlockToolUse  BlockKind = "tool_use"
)

// ContentBlock is one tagged-union element of an assistant message's
// content array.
type ContentBlock struct {
	Kind     BlockKind       `json:"type"`
	Text     string          `json:"text,omitempty"`
	Thinking string          `json:"thinking,omitempty"`
	ToolUse  *ToolUse        `json:"-"`
	raw      json.RawMessage `json:"-"`
}

// ToolUse is the payload of a BlockToolUse content block.
type ToolUse struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// ToolResult is the payload of a user message reporting a tool's outcome.
type ToolResult struct {
	ToolUseID string `json:"tool_use_id"`
	IsError   bool   `json:"is_error"`
	Content   string `json:"content"`
}

// Usage carries token accounting from a result message.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Message is the tagged union of every wire variant the supervisor reads
// from the child's stdout, one JSON object per line.
type Message struct {
	Kind Kind `json:"type"`

	// System
	SystemSubtype SystemSubtype  `json:"subtype,omitempty"`
	SessionID     string         `json:"session_id,omitempty"`
	Extra         map[string]any `json:"extra,omitempty"`

	// Assistant
	Content []ContentBlock `json:"content,omitempty"`

	// User (tool_result)
	ToolResult *ToolResult `json:"tool_result,omitempty"`

	// Result
	ResultSubtype ResultSubtype `json:"result_subtype,omitempty"`
	CostUSD       float64       `json:"cost_usd,omitempty"`
	Usage         Usage         `json:"usage,omitempty"`
	NumTurns      int           `json:"num_turns,omitempty"`
	DurationMS    int64         `json:"duration_ms,omitempty"`
	ResultText    string        `json:"result_text,omitempty"`
}

// UnmarshalJSON lets ContentBlock's tool_use payload live under a nested
// "tool_use" key while still discriminating on "type" like its siblings.
func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	type alias ContentBlock
	var aux struct {
		alias
		ToolUse *ToolUse `json:"tool_use,omitempty"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*b = ContentBlock(aux.alias)
	b.ToolUse = aux.ToolUse
	b.raw = data
	return nil
}

// ParseMessage decodes one line of the child's stdout. It first tries a
// strict unmarshal; on failure it attempts one jsonrepair pass before
// giving up and returning an error (the caller, per §4.3, drops the line
// and continues rather than aborting the dispatch).
func ParseMessage(line []byte) (*Message, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, fmt.Errorf("agentstream: empty line")
	}

	var msg Message
	if err := json.Unmarshal(line, &msg); err == nil {
		return &msg, nil
	}

	repaired, rerr := jsonrepair.JSONRepair(string(line))
	if rerr != nil {
		return nil, fmt.Errorf("agentstream: malformed line, repair failed: %w", rerr)
	}
	if err := json.Unmarshal([]byte(repaired), &msg); err != nil {
		return nil, fmt.Errorf("agentstream: malformed line even after repair: %w", err)
	}
	return &msg, nil
}

// IsBudgetOrTurnLimit reports whether subtype maps to an aborted
// status (budget/turn limits) rather than crashed (everything else).
func (s ResultSubtype) IsBudgetOrTurnLimit() bool {
	return s == ResultErrorMaxTurns || s == ResultErrorMaxBudget
}
