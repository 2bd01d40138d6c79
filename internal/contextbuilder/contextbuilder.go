// Package contextbuilder renders the Markdown task-context blob a tool
// server hands back to a conversational agent (§4.6), cached by an LRU
// keyed on task slug plus dispatch count. The render is a pure function
// of the manifest and dispatch envelopes, but the key covers only the slug
// and the number of envelopes: a change to any other input (the task's
// description, a dispatch gaining a structured result) is served from the
// stale entry until Invalidate drops it.
package contextbuilder

import (
	"fmt"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"dispatchd/internal/dispatch"
)

const defaultCacheSize = 256

// Builder renders and caches task-context Markdown.
type Builder struct {
	cache *lru.Cache[string, string]
}

// New constructs a Builder with the default cache size.
func New() *Builder {
	c, err := lru.New[string, string](defaultCacheSize)
	if err != nil {
		// Only returns an error for a non-positive size, which
		// defaultCacheSize never is.
		panic(err)
	}
	return &Builder{cache: c}
}

// cacheKey is a pure function of the inputs Render depends on: the task
// slug and the number of dispatch envelopes. Any change to the
// envelope set (a new dispatch, or one transitioning into having a
// structured result) changes the count or its content and is expected to
// invalidate the entry via Invalidate.
func cacheKey(slug string, dispatchCount int) string {
	return fmt.Sprintf("%s#%d", slug, dispatchCount)
}

// Render returns the Markdown task-context blob for m and envs, serving
// from cache when the (slug, dispatch count) key has already been
// computed.
func (b *Builder) Render(m dispatch.Manifest, envs []dispatch.Envelope) string {
	key := cacheKey(m.Slug, len(envs))
	if cached, ok := b.cache.Get(key); ok {
		return cached
	}
	rendered := Render(m, envs)
	b.cache.Add(key, rendered)
	return rendered
}

// Invalidate drops every cached entry for slug, regardless of dispatch
// count, forcing the next Render to recompute.
func (b *Builder) Invalidate(slug string) {
	for _, key := range b.cache.Keys() {
		if strings.HasPrefix(key, slug+"#") {
			b.cache.Remove(key)
		}
	}
}

// Render is the pure rendering function, with no cache involved: header
// "## Task History", an "### Original Request" subsection (the task's
// description, falling back to its name), then an "### Previous Work"
// subsection iterating every dispatch that produced a structured result
// in ascending startedAt order. A dispatch without a structured result is
// omitted; if none qualify, "Previous Work" is dropped entirely.
func Render(m dispatch.Manifest, envs []dispatch.Envelope) string {
	var out strings.Builder
	out.WriteString("## Task History\n\n")

	out.WriteString("### Original Request\n\n")
	request := m.Description
	if request == "" {
		request = m.Name
	}
	out.WriteString(request)
	out.WriteString("\n")

	qualifying := make([]dispatch.Envelope, 0, len(envs))
	for _, e := range envs {
		if e.StructuredResult != nil {
			qualifying = append(qualifying, e)
		}
	}
	if len(qualifying) == 0 {
		return out.String()
	}
	sort.Slice(qualifying, func(i, j int) bool {
		return qualifying[i].StartedAt.Before(qualifying[j].StartedAt)
	})

	out.WriteString("\n### Previous Work\n\n")
	for _, e := range qualifying {
		sr := e.StructuredResult
		out.WriteString(fmt.Sprintf("- **%s** (%s): %s\n", e.Role, sr.Status, sr.Summary))
		writeBulletList(&out, "Changes", sr.Changes)
		writeBulletList(&out, "Issues", sr.Issues)
		writeBulletList(&out, "Questions", sr.Questions)
	}
	return out.String()
}

func writeBulletList(b *strings.Builder, label string, items []string) {
	if len(items) == 0 {
		return
	}
	b.WriteString(fmt.Sprintf("  - %s:\n", label))
	for _, item := range items {
		b.WriteString(fmt.Sprintf("    - %s\n", item))
	}
}
