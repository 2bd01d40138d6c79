package dispatch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"dispatchd/internal/events"
)

func newTaskDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	m := Manifest{Slug: "demo", Project: "proj", Name: "Demo", Status: "open", CreatedAt: time.Now().UTC()}
	s := NewStore()
	if err := s.WriteManifest(dir, m); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestCreateDispatchUpsertsProjection(t *testing.T) {
	dir := newTaskDir(t)
	s := NewStore()

	env := Envelope{Dispatch: Dispatch{ID: "d1", TaskSlug: "demo", Role: "coder", Status: StatusRunning, StartedAt: time.Now().UTC()}}
	if err := s.CreateDispatch(dir, env); err != nil {
		t.Fatal(err)
	}

	m, err := s.GetManifest(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Dispatches) != 1 || m.Dispatches[0].ID != "d1" {
		t.Fatalf("expected one projection for d1, got %+v", m.Dispatches)
	}
}

func TestAppendEventIsMonotonicAndOrderPreserving(t *testing.T) {
	dir := newTaskDir(t)
	s := NewStore()
	env := Envelope{Dispatch: Dispatch{ID: "d1", TaskSlug: "demo", Status: StatusRunning, StartedAt: time.Now().UTC()}}
	if err := s.CreateDispatch(dir, env); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		if err := s.AppendEvent(dir, "d1", events.Event{Type: events.TypeAgentText}); err != nil {
			t.Fatal(err)
		}
	}

	got := s.GetRecentEvents(dir, "d1", 100)
	if len(got) != 5 {
		t.Fatalf("expected 5 events, got %d", len(got))
	}
	for i, e := range got {
		if e.Seq != i {
			t.Errorf("event %d: Seq = %d, want %d", i, e.Seq, i)
		}
	}
}

func TestUpdateDispatchPreservesEventsAndID(t *testing.T) {
	dir := newTaskDir(t)
	s := NewStore()
	env := Envelope{Dispatch: Dispatch{ID: "d1", TaskSlug: "demo", Status: StatusRunning, StartedAt: time.Now().UTC()}}
	if err := s.CreateDispatch(dir, env); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendEvent(dir, "d1", events.Event{Type: events.TypeAgentText}); err != nil {
		t.Fatal(err)
	}

	completed := StatusCompleted
	cost := 1.25
	updated, err := s.UpdateDispatch(dir, "d1", PartialUpdate{Status: &completed, CostUSD: &cost})
	if err != nil {
		t.Fatal(err)
	}
	if updated.ID != "d1" {
		t.Fatalf("id changed to %q", updated.ID)
	}
	if updated.Status != StatusCompleted || updated.CostUSD != 1.25 {
		t.Fatalf("update not applied: %+v", updated)
	}
	if len(updated.Events) != 1 {
		t.Fatalf("events not preserved: %+v", updated.Events)
	}

	m, err := s.GetManifest(dir)
	if err != nil {
		t.Fatal(err)
	}
	if m.Dispatches[0].Status != string(StatusCompleted) {
		t.Fatalf("projection not refreshed: %+v", m.Dispatches[0])
	}
}

func TestGetDispatchEnvelopesSkipsMalformedFiles(t *testing.T) {
	dir := newTaskDir(t)
	s := NewStore()
	good := Envelope{Dispatch: Dispatch{ID: "good", TaskSlug: "demo", Status: StatusRunning, StartedAt: time.Now().UTC()}}
	if err := s.CreateDispatch(dir, good); err != nil {
		t.Fatal(err)
	}

	if err := os.MkdirAll(dispatchDir(dir), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dispatchDir(dir), "broken.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	envs, err := s.GetDispatchEnvelopes(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(envs) != 1 || envs[0].ID != "good" {
		t.Fatalf("expected only the good envelope, got %+v", envs)
	}
}

func TestGetDispatchEnvelopesOnMissingDirIsEmpty(t *testing.T) {
	s := NewStore()
	envs, err := s.GetDispatchEnvelopes(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatal(err)
	}
	if len(envs) != 0 {
		t.Fatalf("expected empty, got %+v", envs)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("create+read round-trips a dispatch's static fields", prop.ForAll(
		func(role string, cost float64) bool {
			dir := t.TempDir()
			s := NewStore()
			if err := s.WriteManifest(dir, Manifest{Slug: "t", CreatedAt: time.Now().UTC()}); err != nil {
				return false
			}
			env := Envelope{Dispatch: Dispatch{ID: "d", TaskSlug: "t", Role: role, CostUSD: cost, Status: StatusRunning, StartedAt: time.Now().UTC()}}
			if err := s.CreateDispatch(dir, env); err != nil {
				return false
			}
			envs, err := s.GetDispatchEnvelopes(dir)
			if err != nil || len(envs) != 1 {
				return false
			}
			return envs[0].Role == role && envs[0].CostUSD == cost
		},
		gen.AlphaString(),
		gen.Float64Range(0, 1000),
	))

	properties.TestingRun(t)
}

func TestAppendEventCountsNeverDecrease(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("event count is non-decreasing after every append", prop.ForAll(
		func(n uint8) bool {
			dir := newTaskDir(t)
			s := NewStore()
			env := Envelope{Dispatch: Dispatch{ID: "d", TaskSlug: "demo", Status: StatusRunning, StartedAt: time.Now().UTC()}}
			if err := s.CreateDispatch(dir, env); err != nil {
				return false
			}
			prevCount := 0
			for i := 0; i < int(n%20); i++ {
				if err := s.AppendEvent(dir, "d", events.Event{Type: events.TypeAgentText}); err != nil {
					return false
				}
				count := len(s.GetRecentEvents(dir, "d", 1<<20))
				if count < prevCount {
					return false
				}
				prevCount = count
			}
			return true
		},
		gen.UInt8(),
	))

	properties.TestingRun(t)
}
