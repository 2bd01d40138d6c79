package router

import "testing"

func TestResolveRoleFirstMatchWins(t *testing.T) {
	r1, err := NewRule("bug|fix", "debugger", "")
	if err != nil {
		t.Fatal(err)
	}
	r2, err := NewRule("feature", "builder", "/work/feature")
	if err != nil {
		t.Fatal(err)
	}
	router := &Router{Rules: []Rule{r1, r2}, DefaultRole: "generalist"}

	if got := router.ResolveRole("please FIX this bug"); got != "debugger" {
		t.Fatalf("got %q", got)
	}
	if got := router.ResolveRole("new feature request"); got != "builder" {
		t.Fatalf("got %q", got)
	}
	if got := router.ResolveRole("totally unrelated"); got != "generalist" {
		t.Fatalf("got %q", got)
	}
}

func TestResolveRoutingCwd(t *testing.T) {
	r1, err := NewRule("feature", "builder", "/work/feature")
	if err != nil {
		t.Fatal(err)
	}
	router := &Router{Rules: []Rule{r1}, DefaultRole: "generalist"}
	if got := router.ResolveRoutingCwd("a feature request"); got != "/work/feature" {
		t.Fatalf("got %q", got)
	}
	if got := router.ResolveRoutingCwd("no match"); got != "" {
		t.Fatalf("expected empty cwd, got %q", got)
	}
}
