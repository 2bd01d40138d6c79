// Command dispatchctl is the thin CLI front-end for the harness: it
// holds no task/dispatch/pool state of its own, speaking JSON-RPC 2.0
// over WebSocket to a running dispatchd server for every operation.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"dispatchd/internal/rpcfacade"
)

var (
	serverURL     string
	flagProject   string
	flagRole      string
	flagCwd       string
	flagTask      string
	flagListProj  bool
	flagListTasks bool
)

func isTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "dispatchctl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "dispatchctl [prompt]",
		Short: "drive a dispatchd harness from the command line",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial(serverURL)
			if err != nil {
				return err
			}
			defer c.close()

			switch {
			case flagListProj:
				return runListProjects(c)
			case flagListTasks:
				return runListTasks(c, flagProject)
			case len(args) > 0:
				return runSinglePrompt(c, strings.Join(args, " "))
			case isTTY():
				return runDraftREPL(c)
			default:
				return cmd.Help()
			}
		},
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "ws://127.0.0.1:7077/", "dispatchd RPC facade WebSocket URL")
	root.PersistentFlags().StringVarP(&flagProject, "project", "p", "", "project name")
	root.PersistentFlags().StringVarP(&flagRole, "role", "r", "", "role name")
	root.PersistentFlags().StringVar(&flagCwd, "cwd", "", "working directory override")
	root.PersistentFlags().StringVarP(&flagTask, "task", "t", "", "task slug")
	root.PersistentFlags().BoolVar(&flagListProj, "list-projects", false, "list known projects and exit")
	root.PersistentFlags().BoolVar(&flagListTasks, "list-tasks", false, "list a project's tasks and exit")

	root.AddCommand(newEntityCommand())
	return root
}

func runListProjects(c *client) error {
	raw, err := c.call("list_projects", nil)
	if err != nil {
		return err
	}
	var result struct {
		Projects []struct {
			Name        string   `json:"name"`
			Description string   `json:"description"`
			Roles       []string `json:"roles"`
		} `json:"projects"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return err
	}
	for _, p := range result.Projects {
		fmt.Printf("%s\t%s\t%s\n", p.Name, p.Description, strings.Join(p.Roles, ","))
	}
	return nil
}

func runListTasks(c *client, project string) error {
	if project == "" {
		return fmt.Errorf("--list-tasks requires --project")
	}
	raw, err := c.call("list_tasks", map[string]any{"project": project})
	if err != nil {
		return err
	}
	var result struct {
		Tasks []struct {
			Slug   string `json:"slug"`
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"tasks"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return err
	}
	for _, t := range result.Tasks {
		fmt.Printf("%s\t%s\t%s\n", t.Slug, t.Status, t.Name)
	}
	return nil
}

// runSinglePrompt submits one prompt, streams channel messages to the
// terminal, and blocks until the dispatch reaches a terminal status,
// exiting 0 for completed/aborted and 1 otherwise (per §6).
func runSinglePrompt(c *client, prompt string) error {
	notifications := c.subscribe()
	defer c.unsubscribe(notifications)

	raw, err := c.call("submit_prompt", map[string]any{
		"content":  prompt,
		"role":     flagRole,
		"project":  flagProject,
		"taskSlug": flagTask,
	})
	if err != nil {
		return err
	}
	var submitted struct {
		ThreadID string `json:"threadId"`
		TaskSlug string `json:"taskSlug"`
	}
	if err := json.Unmarshal(raw, &submitted); err != nil {
		return err
	}

	status := waitForTerminalStatus(notifications, submitted.TaskSlug)
	renderChannelBacklog(c, submitted.TaskSlug)

	if status == "completed" || status == "aborted" {
		os.Exit(0)
	}
	os.Exit(1)
	return nil
}

// waitForTerminalStatus drains notifications until a status_update for
// taskSlug reports a terminal status, printing channel_message text as it
// arrives.
func waitForTerminalStatus(notifications chan rpcfacade.Notification, taskSlug string) string {
	for n := range notifications {
		switch n.Method {
		case rpcfacade.NotifyChannelMessage:
			printChannelMessage(n.Params)
		case rpcfacade.NotifyStatusUpdate:
			params, ok := n.Params.(map[string]any)
			if !ok {
				continue
			}
			if params["taskSlug"] != taskSlug {
				continue
			}
			status, _ := params["status"].(string)
			switch status {
			case "completed", "aborted", "crashed":
				return status
			}
		}
	}
	return "crashed"
}

func printChannelMessage(params any) {
	m, ok := params.(map[string]any)
	if !ok {
		return
	}
	text, _ := m["text"].(string)
	if text == "" {
		return
	}
	fmt.Println(renderMarkdown(text))
}

// renderChannelBacklog fetches and renders the task's full context blob
// once the dispatch has settled, so a non-interactive invocation still
// shows the final summary.
func renderChannelBacklog(c *client, taskSlug string) {
	if flagProject == "" || taskSlug == "" {
		return
	}
	raw, err := c.call("get_task_context", map[string]any{"project": flagProject, "slug": taskSlug})
	if err != nil {
		return
	}
	var result struct {
		Markdown string `json:"markdown"`
	}
	if err := json.Unmarshal(raw, &result); err != nil || result.Markdown == "" {
		return
	}
	fmt.Println(renderMarkdown(result.Markdown))
}
