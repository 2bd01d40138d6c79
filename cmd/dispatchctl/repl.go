package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"

	"dispatchd/internal/rpcfacade"
)

// runDraftREPL opens a draft session and reads follow-up prompts from an
// interactive readline prompt until the user exits, at which point it
// undrafts and prints the session summary.
func runDraftREPL(c *client) error {
	if flagProject == "" || flagRole == "" {
		return fmt.Errorf("interactive draft mode requires --project and --role")
	}

	raw, err := c.call("draft", map[string]any{"role": flagRole, "project": flagProject, "task": flagTask})
	if err != nil {
		return fmt.Errorf("start draft: %w", err)
	}
	var started struct {
		Session struct {
			SessionID string `json:"sessionId"`
			TaskSlug  string `json:"taskSlug"`
		} `json:"session"`
	}
	if err := json.Unmarshal(raw, &started); err != nil {
		return err
	}
	fmt.Printf("draft session %s on task %s (role %s)\n", started.Session.SessionID, started.Session.TaskSlug, flagRole)
	fmt.Println("type your follow-up prompt and press enter; 'exit' or 'quit' ends the draft.")

	notifications := c.subscribe()
	defer c.unsubscribe(notifications)
	go streamChannelMessages(notifications)

	homeDir, _ := os.UserHomeDir()
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "draft> ",
		HistoryFile:     filepath.Join(homeDir, ".dispatchctl_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		Stdin:           readline.NewCancelableStdin(os.Stdin),
		Stdout:          os.Stdout,
		Stderr:          os.Stderr,
	})
	if err != nil {
		return fmt.Errorf("init readline: %w", err)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				break
			}
			continue
		} else if err == io.EOF {
			break
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}

		if _, err := c.call("submit_prompt", map[string]any{"content": line}); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}

	return endDraft(c)
}

// streamChannelMessages prints channel_message notifications as they
// arrive, for as long as the REPL's subscription channel is open.
func streamChannelMessages(notifications chan rpcfacade.Notification) {
	for n := range notifications {
		if n.Method != rpcfacade.NotifyChannelMessage {
			continue
		}
		m, ok := n.Params.(map[string]any)
		if !ok {
			continue
		}
		text, _ := m["text"].(string)
		if text == "" {
			continue
		}
		fmt.Println()
		fmt.Println(renderMarkdown(text))
	}
}

func endDraft(c *client) error {
	raw, err := c.call("undraft", nil)
	if err != nil {
		return fmt.Errorf("undraft: %w", err)
	}
	var summary struct {
		TaskSlug   string  `json:"taskSlug"`
		Turns      int     `json:"turns"`
		Cost       float64 `json:"cost"`
		DurationMs int64   `json:"durationMs"`
	}
	if err := json.Unmarshal(raw, &summary); err != nil {
		return err
	}
	fmt.Printf("\ndraft closed: task=%s turns=%d cost=$%.4f duration=%dms\n",
		summary.TaskSlug, summary.Turns, summary.Cost, summary.DurationMs)
	return nil
}
