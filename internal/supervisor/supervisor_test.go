package supervisor

import (
	"context"
	"testing"
	"time"

	"dispatchd/internal/detector"
	"dispatchd/internal/dispatch"
	"dispatchd/internal/pool"
)

func childScript(lines ...string) (string, []string) {
	body := ""
	for _, l := range lines {
		body += "echo " + shQuote(l) + "\n"
	}
	return "bash", []string{"-c", body}
}

func shQuote(s string) string {
	return "'" + replaceAll(s, "'", `'"'"'`) + "'"
}

func replaceAll(s, old, new string) string {
	out := ""
	for i := 0; i < len(s); {
		if i+len(old) <= len(s) && s[i:i+len(old)] == old {
			out += new
			i += len(old)
		} else {
			out += string(s[i])
			i++
		}
	}
	return out
}

func TestRunCompletesSuccessfully(t *testing.T) {
	cmd, args := childScript(
		`{"type":"system","subtype":"init","session_id":"sess-1"}`,
		`{"type":"assistant","content":[{"type":"text","text":"working on it"}]}`,
		`{"type":"result","result_subtype":"success","cost_usd":0.42,"num_turns":1}`,
	)

	taskDir := t.TempDir()
	store := dispatch.NewStore()
	if err := store.WriteManifest(taskDir, dispatch.Manifest{Slug: "demo", CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatal(err)
	}
	p := pool.New(0)

	d, err := Run(context.Background(), Config{
		TaskDir: taskDir, TaskSlug: "demo", Role: "coder", Prompt: "do the thing",
		Command: cmd, Args: args, Store: store, Pool: p,
		StallTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if d.Status != dispatch.StatusCompleted {
		t.Fatalf("expected completed, got %+v", d)
	}
	if d.CostUSD != 0.42 {
		t.Fatalf("expected cost 0.42, got %v", d.CostUSD)
	}
	if p.Size() != 0 {
		t.Fatalf("expected pool to be released, got size %d", p.Size())
	}
}

func TestRunMapsMaxTurnsResultToAborted(t *testing.T) {
	cmd, args := childScript(
		`{"type":"result","result_subtype":"error_max_turns","cost_usd":1.0}`,
	)

	taskDir := t.TempDir()
	store := dispatch.NewStore()
	if err := store.WriteManifest(taskDir, dispatch.Manifest{Slug: "demo", CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatal(err)
	}

	d, err := Run(context.Background(), Config{
		TaskDir: taskDir, TaskSlug: "demo", Role: "coder", Prompt: "go",
		Command: cmd, Args: args, Store: store, Pool: pool.New(0),
		StallTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if d.Status != dispatch.StatusAborted || d.AbortReason != "error_max_turns" {
		t.Fatalf("expected aborted/error_max_turns, got %+v", d)
	}
}

func TestRunCrashesOnUnexpectedExit(t *testing.T) {
	taskDir := t.TempDir()
	store := dispatch.NewStore()
	if err := store.WriteManifest(taskDir, dispatch.Manifest{Slug: "demo", CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatal(err)
	}

	d, err := Run(context.Background(), Config{
		TaskDir: taskDir, TaskSlug: "demo", Role: "coder", Prompt: "go",
		Command: "bash", Args: []string{"-c", "exit 1"}, Store: store, Pool: pool.New(0),
		StallTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if d.Status != dispatch.StatusCrashed {
		t.Fatalf("expected crashed, got %+v", d)
	}
}

func TestRunKillsOnGenericRepeatLoop(t *testing.T) {
	toolCall := func(id string) string {
		return `{"type":"assistant","content":[{"type":"tool_use","tool_use":{"id":"` + id + `","name":"run_shell","input":{"command":"npm test"}}}]}`
	}
	toolResult := func(id string) string {
		return `{"type":"user","tool_result":{"tool_use_id":"` + id + `","is_error":true,"content":"boom each time differs ` + id + `"}}`
	}

	lines := []string{}
	for i := 0; i < 5; i++ {
		id := "call" + string(rune('a'+i))
		lines = append(lines, toolCall(id), toolResult(id))
	}
	cmd, args := childScript(lines...)

	taskDir := t.TempDir()
	store := dispatch.NewStore()
	if err := store.WriteManifest(taskDir, dispatch.Manifest{Slug: "demo", CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatal(err)
	}

	d, err := Run(context.Background(), Config{
		TaskDir: taskDir, TaskSlug: "demo", Role: "coder", Prompt: "go",
		Command: cmd, Args: args, Store: store, Pool: pool.New(0),
		StallTimeout:      5 * time.Second,
		GenericThresholds: detector.Thresholds{Warn: 3, Kill: 5},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if d.Status != dispatch.StatusAborted || d.AbortReason != "error_loop" {
		t.Fatalf("expected aborted/error_loop, got %+v", d)
	}
}

func TestExtractTarget(t *testing.T) {
	if got := extractTarget("run_shell", map[string]any{"command": "npm test"}); got != "npm test" {
		t.Fatalf("got %q", got)
	}
	if got := extractTarget("edit_file", map[string]any{"path": "main.go"}); got != "main.go" {
		t.Fatalf("got %q", got)
	}
	if got := extractTarget("await_agent", map[string]any{"agentId": "a1"}); got != "a1" {
		t.Fatalf("got %q", got)
	}
}
