package rpcfacade

import (
	"encoding/json"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"gopkg.in/yaml.v3"

	"dispatchd/internal/contextbuilder"
	"dispatchd/internal/dispatch"
	"dispatchd/internal/draft"
	"dispatchd/internal/pool"
	"dispatchd/internal/project"
	"dispatchd/internal/role"
)

func newTestServer(t *testing.T, projectsDir string) (*Server, *httptest.Server) {
	t.Helper()
	registry, err := project.NewRegistry(projectsDir)
	if err != nil {
		t.Fatal(err)
	}
	store := dispatch.NewStore()
	p := pool.New(0)
	d := draft.NewMachine(p, store)
	s := New(registry, store, p, d, contextbuilder.New())
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	return s, ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func call(t *testing.T, conn *websocket.Conn, method string, params any) Response {
	t.Helper()
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatal(err)
	}
	req := Request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: method, Params: raw}
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var resp Response
	if err := json.Unmarshal(msg, &resp); err != nil {
		t.Fatal(err)
	}
	return resp
}

func writeProjectFixture(t *testing.T, root string) {
	t.Helper()
	dir := root + "/demo"
	if err := project.Save(dir, project.Project{Name: "demo", Paths: []string{root}}); err != nil {
		t.Fatal(err)
	}
}

func TestListProjectsReturnsLoadedProjects(t *testing.T) {
	root := t.TempDir()
	writeProjectFixture(t, root)
	_, ts := newTestServer(t, root)
	conn := dial(t, ts)

	resp := call(t, conn, "list_projects", nil)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	result := resp.Result.(map[string]any)
	projects := result["projects"].([]any)
	if len(projects) != 1 {
		t.Fatalf("expected 1 project, got %d", len(projects))
	}
}

func TestCreateTaskThenListTasksRoundTrips(t *testing.T) {
	root := t.TempDir()
	writeProjectFixture(t, root)
	_, ts := newTestServer(t, root)
	conn := dial(t, ts)

	resp := call(t, conn, "create_task", map[string]any{"project": "demo", "name": "Fix the bug"})
	if resp.Error != nil {
		t.Fatalf("create_task error: %+v", resp.Error)
	}
	created := resp.Result.(map[string]any)
	if created["slug"] != "fix-bug" {
		t.Fatalf("expected slug fix-bug, got %v", created["slug"])
	}

	resp = call(t, conn, "list_tasks", map[string]any{"project": "demo"})
	if resp.Error != nil {
		t.Fatalf("list_tasks error: %+v", resp.Error)
	}
	tasks := resp.Result.(map[string]any)["tasks"].([]any)
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
}

func TestCreateTaskUnknownProjectErrors(t *testing.T) {
	root := t.TempDir()
	_, ts := newTestServer(t, root)
	conn := dial(t, ts)

	resp := call(t, conn, "create_task", map[string]any{"project": "nope", "name": "x"})
	if resp.Error == nil || resp.Error.Code != CodeProjectNotFound {
		t.Fatalf("expected project-not-found error, got %+v", resp.Error)
	}
}

func TestCloseTaskUnknownSlugErrors(t *testing.T) {
	root := t.TempDir()
	writeProjectFixture(t, root)
	_, ts := newTestServer(t, root)
	conn := dial(t, ts)

	resp := call(t, conn, "close_task", map[string]any{"project": "demo", "slug": "nope"})
	if resp.Error == nil || resp.Error.Code != CodeTaskNotFound {
		t.Fatalf("expected task-not-found error, got %+v", resp.Error)
	}
}

func TestKillAgentUnknownIDErrors(t *testing.T) {
	root := t.TempDir()
	_, ts := newTestServer(t, root)
	conn := dial(t, ts)

	resp := call(t, conn, "kill_agent", map[string]any{"agentId": "nope"})
	if resp.Error == nil || resp.Error.Code != CodeAgentNotFound {
		t.Fatalf("expected agent-not-found error, got %+v", resp.Error)
	}
}

func TestUndraftWithNoActiveDraftErrors(t *testing.T) {
	root := t.TempDir()
	_, ts := newTestServer(t, root)
	conn := dial(t, ts)

	resp := call(t, conn, "undraft", nil)
	if resp.Error == nil || resp.Error.Code != CodeNoActiveDraft {
		t.Fatalf("expected no-active-draft error, got %+v", resp.Error)
	}
}

func TestGetDraftStatusDefaultsToInactive(t *testing.T) {
	root := t.TempDir()
	_, ts := newTestServer(t, root)
	conn := dial(t, ts)

	resp := call(t, conn, "get_draft_status", nil)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	if resp.Result.(map[string]any)["active"] != false {
		t.Fatalf("expected inactive, got %+v", resp.Result)
	}
}

func TestEntityScaffoldThenValidateRoundTrips(t *testing.T) {
	root := t.TempDir()
	_, ts := newTestServer(t, root)
	conn := dial(t, ts)

	scratch := t.TempDir()
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(scratch); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(cwd) })

	resp := call(t, conn, "entity_scaffold", map[string]any{"type": "widget", "name": "demo", "author": "me"})
	if resp.Error != nil {
		t.Fatalf("entity_scaffold error: %+v", resp.Error)
	}

	resp = call(t, conn, "entity_validate", map[string]any{"content": "type: widget\nname: demo\n", "type": "widget"})
	if resp.Error != nil {
		t.Fatalf("entity_validate error: %+v", resp.Error)
	}
	result := resp.Result.(map[string]any)
	if result["valid"] != false {
		t.Fatalf("expected invalid due to missing author field, got %+v", result)
	}
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	root := t.TempDir()
	_, ts := newTestServer(t, root)
	conn := dial(t, ts)

	resp := call(t, conn, "no_such_method", nil)
	if resp.Error == nil || resp.Error.Code != -32601 {
		t.Fatalf("expected method-not-found error, got %+v", resp.Error)
	}
}

func TestSubmitPromptDispatchesAndRecordsDispatch(t *testing.T) {
	root := t.TempDir()
	dir := root + "/demo"
	proj := project.Project{
		Name:      "demo",
		Paths:     []string{root},
		RoleFiles: []string{"coder.role.yaml"},
	}
	if err := project.Save(dir, proj); err != nil {
		t.Fatal(err)
	}
	roleYAML, err := yaml.Marshal(role.Role{Name: "coder", Version: "1", ModelHint: role.ModelBalanced, Prompt: "be helpful"})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(dir+"/roles", 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dir+"/roles/coder.role.yaml", roleYAML, 0o644); err != nil {
		t.Fatal(err)
	}

	s, ts := newTestServer(t, root)
	s.Command = "bash"
	s.Args = []string{"-c", `echo '{"type":"result","result_subtype":"success","cost_usd":0.1,"num_turns":1}'`}
	conn := dial(t, ts)

	resp := call(t, conn, "submit_prompt", map[string]any{"content": "fix the bug", "role": "coder", "project": "demo"})
	if resp.Error != nil {
		t.Fatalf("submit_prompt error: %+v", resp.Error)
	}
	result := resp.Result.(map[string]any)
	slug, _ := result["taskSlug"].(string)
	if slug == "" {
		t.Fatalf("expected a non-empty taskSlug, got %+v", result)
	}

	taskDir := dir + "/tasks/" + slug
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		m, err := s.Store.GetManifest(taskDir)
		if err == nil && m != nil && len(m.Dispatches) > 0 && m.Dispatches[0].Status == string(dispatch.StatusCompleted) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("dispatch did not reach completed status in time")
}

func TestBroadcastPoolStatusReachesConnectedClient(t *testing.T) {
	root := t.TempDir()
	s, ts := newTestServer(t, root)
	conn := dial(t, ts)

	// Give the server a moment to register the connection before broadcasting.
	time.Sleep(50 * time.Millisecond)
	s.BroadcastPoolStatus([]pool.Snapshot{{ID: "a1", Role: "coder"}})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var n Notification
	if err := json.Unmarshal(msg, &n); err != nil {
		t.Fatal(err)
	}
	if n.Method != NotifyPoolStatus {
		t.Fatalf("expected %s, got %s", NotifyPoolStatus, n.Method)
	}
}
