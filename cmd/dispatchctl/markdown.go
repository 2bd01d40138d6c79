package main

import (
	"os"

	"github.com/charmbracelet/glamour"
	"golang.org/x/term"
)

// renderMarkdown renders content for terminal display, falling back to
// the raw text if glamour can't build a renderer (e.g. no terminal).
func renderMarkdown(content string) string {
	if content == "" {
		return ""
	}

	width := 100
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		width = w - 4
		if width > 120 {
			width = 120
		}
	}

	style := glamour.WithStandardStyle("dark")
	if !isTTY() {
		style = glamour.WithStandardStyle("notty")
	}

	renderer, err := glamour.NewTermRenderer(style, glamour.WithWordWrap(width), glamour.WithEmoji())
	if err != nil {
		return content
	}
	out, err := renderer.Render(content)
	if err != nil {
		return content
	}
	return out
}
