package rpcfacade

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"dispatchd/internal/dispatch"
	"dispatchd/internal/draft"
	"dispatchd/internal/entity"
	"dispatchd/internal/id"
	"dispatchd/internal/project"
	"dispatchd/internal/role"
	"dispatchd/internal/router"
	"dispatchd/internal/supervisor"
	"dispatchd/internal/task"
	"dispatchd/internal/toolserver"
)

func (s *Server) listProjects() (any, *Error) {
	projects := s.Projects.List()
	out := make([]map[string]any, 0, len(projects))
	for _, p := range projects {
		out = append(out, map[string]any{
			"name": p.Name, "description": p.Description, "paths": p.Paths, "roles": p.RoleNames,
		})
	}
	return map[string]any{"projects": out}, nil
}

type createProjectParams struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Roles       []string `json:"roles"`
}

func (s *Server) createProject(raw json.RawMessage) (any, *Error) {
	params, err := decodeParams[createProjectParams](raw)
	if err != nil {
		return nil, invalidParams(err)
	}
	roleRefs := make([]project.RoleRef, len(params.Roles))
	for i, name := range params.Roles {
		roleRefs[i] = project.RoleRef{Name: name}
	}
	p, err := s.Projects.Create(project.Project{
		Name:        params.Name,
		Description: params.Description,
		RolesField:  roleRefs,
		RoleNames:   params.Roles,
	})
	if err != nil {
		return nil, &Error{Code: -32602, Message: err.Error()}
	}
	return map[string]any{"name": p.Name, "description": p.Description}, nil
}

func (s *Server) reloadProjects() (any, *Error) {
	if err := s.Projects.Reload(); err != nil {
		return nil, internalError(err)
	}
	return map[string]any{"reloaded": true}, nil
}

type submitPromptParams struct {
	Content  string `json:"content"`
	Role     string `json:"role"`
	Project  string `json:"project"`
	TaskSlug string `json:"taskSlug"`
}

func (s *Server) submitPrompt(raw json.RawMessage) (any, *Error) {
	params, err := decodeParams[submitPromptParams](raw)
	if err != nil {
		return nil, invalidParams(err)
	}

	if _, active := s.Draft.Active(); active {
		threadID := id.New()
		go func() {
			cwd := ""
			if p, ok := s.Projects.Get(params.Project); ok && len(p.Paths) > 0 {
				cwd = p.Paths[0]
			}
			_, _ = s.Draft.Resume(params.Content, cwd)
		}()
		return map[string]any{"threadId": threadID, "taskSlug": params.TaskSlug}, nil
	}

	if params.Project == "" {
		return nil, errProjectNotFound
	}
	proj, ok := s.Projects.Get(params.Project)
	if !ok {
		return nil, errProjectNotFound
	}
	roleName := params.Role
	if roleName == "" {
		roleName = buildRouter(proj).ResolveRole(params.Content)
	}
	r, ok := findRole(proj, roleName)
	if !ok {
		return nil, errRoleNotFound
	}
	model, merr := role.DefaultAliasMap().Resolve(r.ModelHint)
	if merr != nil {
		return nil, internalError(merr)
	}

	tasksDir := filepath.Join(proj.Dir, "tasks")
	taskDir, slug, err := resolveTaskDir(tasksDir, params.TaskSlug, params.Content)
	if err != nil {
		return nil, internalError(err)
	}

	manifest, err := s.ensureManifest(taskDir, proj.Name, slug, params.Content)
	if err != nil {
		return nil, internalError(err)
	}

	prompt := params.Content
	if s.Context != nil {
		if envs, eerr := s.Store.GetDispatchEnvelopes(taskDir); eerr == nil && len(envs) > 0 {
			prompt = s.Context.Render(*manifest, envs) + "\n\n" + params.Content
		}
	}

	cwd := ""
	if len(proj.Paths) > 0 {
		cwd = proj.Paths[0]
	}

	threadID := id.New()
	meta := map[string]any{
		"taskDir": taskDir, "slug": slug, "project": proj.Name,
		"role": r.Name, "model": model, "cwd": cwd, "fullAccess": r.FullAccess(),
	}
	item := router.Item{ThreadKey: taskDir, Text: prompt, Metadata: meta}
	if s.Debouncer != nil {
		s.Debouncer.Add(item)
	} else {
		go s.FlushPromptBurst(taskDir, []router.Item{item}, meta)
	}

	return map[string]any{"threadId": threadID, "taskSlug": slug}, nil
}

// FlushPromptBurst is the Debouncer's flush callback for the non-draft
// submit_prompt path (§4.8): it joins the burst's texts into one prompt,
// binds a tool server for the spawned child, and drives the dispatch to
// completion, broadcasting its terminal status. Exported so main can wire
// it directly as router.NewDebouncer's FlushFunc.
func (s *Server) FlushPromptBurst(_ string, items []router.Item, firstMetadata map[string]any) {
	if len(items) == 0 {
		return
	}
	texts := make([]string, len(items))
	for i, it := range items {
		texts[i] = it.Text
	}
	prompt := strings.Join(texts, "\n\n")

	taskDir, _ := firstMetadata["taskDir"].(string)
	slug, _ := firstMetadata["slug"].(string)
	projectName, _ := firstMetadata["project"].(string)
	roleName, _ := firstMetadata["role"].(string)
	model, _ := firstMetadata["model"].(string)
	cwd, _ := firstMetadata["cwd"].(string)
	fullAccess, _ := firstMetadata["fullAccess"].(bool)

	flavor := toolserver.FlavorReadonly
	if fullAccess {
		flavor = toolserver.FlavorFull
	}
	var proj *project.Project
	if projectName != "" {
		proj, _ = s.Projects.Get(projectName)
	}

	dispatchID := id.New()
	env, cleanup := toolserver.Bind(dispatchID, toolserver.BindOpts{
		Registry:             s.ToolRegistry,
		Addr:                 s.ToolAddr,
		Flavor:               flavor,
		Project:              proj,
		TaskDir:              taskDir,
		TaskSlug:             slug,
		ParentDispatchID:     dispatchID,
		Pool:                 s.Pool,
		Store:                s.Store,
		Tracker:              s.Tracker,
		Projects:             s.Projects,
		Context:              s.Context,
		Command:              s.Command,
		Args:                 s.Args,
		StreamCloseTimeoutMS: s.StreamCloseTimeoutMS,
	})
	defer cleanup()

	d, rerr := supervisor.Run(context.Background(), supervisor.Config{
		TaskDir:              taskDir,
		TaskSlug:             slug,
		DispatchID:           dispatchID,
		Role:                 roleName,
		Model:                model,
		Cwd:                  cwd,
		Prompt:               prompt,
		Command:              s.Command,
		Args:                 s.Args,
		Env:                  env,
		StreamCloseTimeoutMS: s.StreamCloseTimeoutMS,
		Pool:                 s.Pool,
		Store:                s.Store,
	})
	if rerr != nil || d == nil {
		s.BroadcastStatusUpdate(slug, "", string(dispatch.StatusCrashed))
		return
	}
	s.BroadcastStatusUpdate(slug, d.ID, string(d.Status))
}

type createTaskParams struct {
	Project     string `json:"project"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *Server) createTask(raw json.RawMessage) (any, *Error) {
	params, err := decodeParams[createTaskParams](raw)
	if err != nil {
		return nil, invalidParams(err)
	}
	proj, ok := s.Projects.Get(params.Project)
	if !ok {
		return nil, errProjectNotFound
	}

	tasksDir := filepath.Join(proj.Dir, "tasks")
	base, modified := task.SlugifyWithFlag(params.Name)
	slug := task.DeduplicateSlug(tasksDir, base)
	if slug != base {
		modified = true
	}
	taskDir := filepath.Join(tasksDir, slug)

	t := task.New(proj.Name, params.Name, params.Description, "")
	t.Slug = slug
	m := dispatch.Manifest{
		Slug: t.Slug, Project: t.Project, Name: t.Name, Description: t.Description,
		Status: string(t.Status), CreatedAt: t.CreatedAt, CorrelationKey: t.CorrelationKey,
	}
	if err := s.Store.WriteManifest(taskDir, m); err != nil {
		return nil, internalError(err)
	}

	return map[string]any{"slug": slug, "taskDir": taskDir, "slugModified": modified}, nil
}

type closeTaskParams struct {
	Project string `json:"project"`
	Slug    string `json:"slug"`
}

func (s *Server) closeTask(raw json.RawMessage) (any, *Error) {
	params, err := decodeParams[closeTaskParams](raw)
	if err != nil {
		return nil, invalidParams(err)
	}
	proj, ok := s.Projects.Get(params.Project)
	if !ok {
		return nil, errProjectNotFound
	}
	taskDir := filepath.Join(proj.Dir, "tasks", params.Slug)
	m, gerr := s.Store.GetManifest(taskDir)
	if gerr != nil {
		return nil, internalError(gerr)
	}
	if m == nil {
		return nil, errTaskNotFound
	}
	m.Status = string(task.StatusClosed)
	if err := s.Store.WriteManifest(taskDir, *m); err != nil {
		return nil, internalError(err)
	}
	return map[string]any{"slug": params.Slug, "status": m.Status}, nil
}

type listTasksParams struct {
	Project string `json:"project"`
}

func (s *Server) listTasks(raw json.RawMessage) (any, *Error) {
	params, err := decodeParams[listTasksParams](raw)
	if err != nil {
		return nil, invalidParams(err)
	}
	proj, ok := s.Projects.Get(params.Project)
	if !ok {
		return nil, errProjectNotFound
	}
	tasksDir := filepath.Join(proj.Dir, "tasks")
	slugs, rerr := readDirSlugs(tasksDir)
	if rerr != nil {
		return map[string]any{"tasks": []dispatch.Manifest{}}, nil
	}
	var out []dispatch.Manifest
	for _, slug := range slugs {
		m, merr := s.Store.GetManifest(filepath.Join(tasksDir, slug))
		if merr != nil || m == nil {
			continue
		}
		out = append(out, *m)
	}
	return map[string]any{"tasks": out}, nil
}

type getTaskContextParams struct {
	Project string `json:"project"`
	Slug    string `json:"slug"`
}

func (s *Server) getTaskContext(raw json.RawMessage) (any, *Error) {
	params, err := decodeParams[getTaskContextParams](raw)
	if err != nil {
		return nil, invalidParams(err)
	}
	proj, ok := s.Projects.Get(params.Project)
	if !ok {
		return nil, errProjectNotFound
	}
	taskDir := filepath.Join(proj.Dir, "tasks", params.Slug)
	m, merr := s.Store.GetManifest(taskDir)
	if merr != nil {
		return nil, internalError(merr)
	}
	if m == nil {
		return nil, errTaskNotFound
	}
	envs, eerr := s.Store.GetDispatchEnvelopes(taskDir)
	if eerr != nil {
		return nil, internalError(eerr)
	}
	return map[string]any{"markdown": s.Context.Render(*m, envs)}, nil
}

type draftParams struct {
	Role    string `json:"role"`
	Project string `json:"project"`
	Task    string `json:"task"`
}

func (s *Server) startDraft(raw json.RawMessage) (any, *Error) {
	params, err := decodeParams[draftParams](raw)
	if err != nil {
		return nil, invalidParams(err)
	}
	if params.Task == "" {
		return nil, invalidParams(fmt.Errorf("task is required"))
	}
	proj, ok := s.Projects.Get(params.Project)
	if !ok {
		return nil, errProjectNotFound
	}
	if _, ok := findRole(proj, params.Role); !ok {
		return nil, errRoleNotFound
	}

	taskDir := filepath.Join(proj.Dir, "tasks", params.Task)
	session, cerr := s.Draft.Create(params.Role, params.Project, params.Task, taskDir, "")
	if cerr != nil {
		if cerr == draft.ErrAlreadyActive {
			return nil, errDraftAlreadyActive
		}
		return nil, internalError(cerr)
	}
	return map[string]any{"session": session}, nil
}

func (s *Server) undraft() (any, *Error) {
	session, active := s.Draft.Active()
	if !active {
		return nil, errNoActiveDraft
	}
	if err := s.Draft.Undraft(); err != nil {
		return nil, internalError(err)
	}
	return map[string]any{
		"sessionId": session.SessionID, "taskSlug": session.TaskSlug,
		"turns": session.TurnCount, "cost": session.RunningCostUSD,
		"durationMs": session.LastActivityAt.Sub(session.StartedAt).Milliseconds(),
	}, nil
}

func (s *Server) getDraftStatus() (any, *Error) {
	session, active := s.Draft.Active()
	if !active {
		return map[string]any{"active": false}, nil
	}
	return map[string]any{"active": true, "session": session}, nil
}

func (s *Server) listAgents() (any, *Error) {
	return map[string]any{"agents": s.Pool.List()}, nil
}

type killAgentParams struct {
	AgentID string `json:"agentId"`
}

func (s *Server) killAgent(raw json.RawMessage) (any, *Error) {
	params, err := decodeParams[killAgentParams](raw)
	if err != nil {
		return nil, invalidParams(err)
	}
	if _, ok := s.Pool.Get(params.AgentID); !ok {
		return nil, errAgentNotFound
	}
	s.Pool.Kill(params.AgentID, "killed by client request")
	return map[string]any{"killed": true}, nil
}

type entityScaffoldParams struct {
	Type   string `json:"type"`
	Name   string `json:"name"`
	Author string `json:"author"`
}

func (s *Server) entityScaffold(raw json.RawMessage) (any, *Error) {
	params, err := decodeParams[entityScaffoldParams](raw)
	if err != nil {
		return nil, invalidParams(err)
	}
	path, serr := entity.Scaffold(".", entity.ScaffoldParams{Type: params.Type, Name: params.Name, Author: params.Author})
	if serr != nil {
		return nil, invalidParams(serr)
	}
	return map[string]any{"path": path}, nil
}

type entityValidateParams struct {
	Content string `json:"content"`
	Type    string `json:"type"`
}

func (s *Server) entityValidate(raw json.RawMessage) (any, *Error) {
	params, err := decodeParams[entityValidateParams](raw)
	if err != nil {
		return nil, invalidParams(err)
	}
	missing := entity.Validate(params.Content, params.Type)
	return map[string]any{"valid": len(missing) == 0, "missingFields": missing}, nil
}

func findRole(p *project.Project, name string) (role.Role, bool) {
	for _, r := range p.Roles {
		if r.Name == name {
			return r, true
		}
	}
	return role.Role{}, false
}

// resolveTaskDir resolves taskSlug to an existing task directory, or
// derives a fresh slug from content when taskSlug is empty.
func resolveTaskDir(tasksDir, taskSlug, content string) (taskDir, slug string, err error) {
	if taskSlug != "" {
		return filepath.Join(tasksDir, taskSlug), taskSlug, nil
	}
	base := task.Slugify(content)
	slug = task.DeduplicateSlug(tasksDir, base)
	return filepath.Join(tasksDir, slug), slug, nil
}

// ensureManifest loads taskDir's manifest, creating one from name/content
// if none exists yet.
func (s *Server) ensureManifest(taskDir, projectName, slug, content string) (*dispatch.Manifest, error) {
	m, err := s.Store.GetManifest(taskDir)
	if err != nil {
		return nil, err
	}
	if m != nil {
		return m, nil
	}
	t := task.New(projectName, content, content, "")
	t.Slug = slug
	manifest := dispatch.Manifest{
		Slug: t.Slug, Project: t.Project, Name: t.Name, Description: t.Description,
		Status: string(t.Status), CreatedAt: t.CreatedAt,
	}
	if err := s.Store.WriteManifest(taskDir, manifest); err != nil {
		return nil, err
	}
	return &manifest, nil
}

func readDirSlugs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}
