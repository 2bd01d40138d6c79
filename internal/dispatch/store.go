package dispatch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"dispatchd/internal/events"
	"dispatchd/internal/id"
)

// PartialUpdate carries the mutable subset of Dispatch fields an
// updateDispatch call may change. A nil field is left untouched. ID is
// never settable here: the store forbids changing a dispatch's id.
type PartialUpdate struct {
	Status           *Status
	EndedAt          *time.Time
	CostUSD          *float64
	StructuredResult *StructuredResult
	AbortReason      *string
	LastInputTokens  *int
	LastOutputTokens *int
	ContextWindow    *int
	MaxOutputTokens  *int
}

// Store is the filesystem-JSON task & dispatch persistence port (§4.1),
// rooted at a projects directory:
//
//	<root>/<project>/tasks/<slug>/task.json
//	<root>/<project>/tasks/<slug>/dispatches/<id>.json
//
// Every exported method takes a taskDir (the absolute directory of one
// task) rather than re-deriving it, matching the operations named in the
// specification.
type Store struct {
	// writeLocks holds one *sync.Mutex per taskDir, serializing manifest
	// read-modify-write cycles so concurrent dispatch creations/updates
	// for the same task never race each other's upsert.
	writeLocks sync.Map
}

// NewStore constructs an empty Store. There is no root validation: missing
// directories are created lazily on write and yield empty reads per the
// failure semantics in §4.1.
func NewStore() *Store {
	return &Store{}
}

func (s *Store) lockFor(taskDir string) *sync.Mutex {
	v, _ := s.writeLocks.LoadOrStore(taskDir, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func manifestPath(taskDir string) string      { return filepath.Join(taskDir, "task.json") }
func dispatchDir(taskDir string) string       { return filepath.Join(taskDir, "dispatches") }
func dispatchPath(taskDir, id string) string  { return filepath.Join(dispatchDir(taskDir), id+".json") }

// CreateDispatch writes a brand-new dispatch file (with an empty event
// list supplied by the caller via env.Events, normally nil) and upserts its
// projection into task.json, holding this task's write lock for the whole
// read-modify-write.
func (s *Store) CreateDispatch(taskDir string, env Envelope) error {
	if env.ID == "" {
		env.ID = id.New()
	}
	if env.Events == nil {
		env.Events = []events.Event{}
	}

	mu := s.lockFor(taskDir)
	mu.Lock()
	defer mu.Unlock()

	if err := writeDispatchFile(taskDir, env); err != nil {
		return err
	}
	return s.upsertManifestProjection(taskDir, env.Projection())
}

// AppendEvent reads the dispatch file, appends event (always setting its
// Seq to its index in the event list), and writes it back. Per §4.1 this holds no lock:
// the supervisor and draft machine are each the sole writer of their own
// dispatch file.
func (s *Store) AppendEvent(taskDir, dispatchID string, ev events.Event) error {
	env, err := readDispatchFile(taskDir, dispatchID)
	if err != nil {
		return err
	}
	if ev.ID == "" {
		ev.ID = id.New()
	}
	ev.DispatchID = dispatchID
	ev.Seq = len(env.Events)
	env.Events = append(env.Events, ev)
	return writeDispatchFile(taskDir, *env)
}

// UpdateDispatch merges partial into the dispatch's envelope fields,
// preserving its events and forbidding any change to its id, then
// refreshes the task.json projection.
func (s *Store) UpdateDispatch(taskDir, dispatchID string, partial PartialUpdate) (*Envelope, error) {
	mu := s.lockFor(taskDir)
	mu.Lock()
	defer mu.Unlock()

	env, err := readDispatchFile(taskDir, dispatchID)
	if err != nil {
		return nil, err
	}

	if partial.Status != nil {
		env.Status = *partial.Status
	}
	if partial.EndedAt != nil {
		env.EndedAt = partial.EndedAt
	}
	if partial.CostUSD != nil {
		env.CostUSD = *partial.CostUSD
	}
	if partial.StructuredResult != nil {
		env.StructuredResult = partial.StructuredResult
	}
	if partial.AbortReason != nil {
		env.AbortReason = *partial.AbortReason
	}
	if partial.LastInputTokens != nil {
		env.LastInputTokens = *partial.LastInputTokens
	}
	if partial.LastOutputTokens != nil {
		env.LastOutputTokens = *partial.LastOutputTokens
	}
	if partial.ContextWindow != nil {
		env.ContextWindow = *partial.ContextWindow
	}
	if partial.MaxOutputTokens != nil {
		env.MaxOutputTokens = *partial.MaxOutputTokens
	}

	if err := writeDispatchFile(taskDir, *env); err != nil {
		return nil, err
	}
	if err := s.upsertManifestProjection(taskDir, env.Projection()); err != nil {
		return nil, err
	}
	return env, nil
}

// GetDispatchEnvelopes scans the dispatch directory, returning every
// envelope with its Events field cleared. Malformed files are skipped
// silently. A missing directory yields an empty, non-error result.
func (s *Store) GetDispatchEnvelopes(taskDir string) ([]Envelope, error) {
	entries, err := os.ReadDir(dispatchDir(taskDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("dispatch: read %s: %w", dispatchDir(taskDir), err)
	}

	out := make([]Envelope, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dispatchDir(taskDir), e.Name()))
		if err != nil {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		env.Events = nil
		out = append(out, env)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// GetRecentEvents returns the last n events of the named dispatch, or nil
// (not an error) if the dispatch file is missing or corrupt.
func (s *Store) GetRecentEvents(taskDir, dispatchID string, n int) []events.Event {
	env, err := readDispatchFile(taskDir, dispatchID)
	if err != nil {
		return nil
	}
	if n <= 0 || n >= len(env.Events) {
		return env.Events
	}
	return env.Events[len(env.Events)-n:]
}

// GetManifest reads task.json, returning (nil, nil) if it doesn't exist.
func (s *Store) GetManifest(taskDir string) (*Manifest, error) {
	data, err := os.ReadFile(manifestPath(taskDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("dispatch: read %s: %w", manifestPath(taskDir), err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("dispatch: parse %s: %w", manifestPath(taskDir), err)
	}
	return &m, nil
}

// upsertManifestProjection updates task.json's dispatch index. Per the
// manifest-race Open Question, this is only ever called with the task's
// write lock already held by the caller. A missing task.json does not
// block the dispatch-file write that already happened: the index row is
// simply lost, per §4.1's failure semantics.
func (s *Store) upsertManifestProjection(taskDir string, p Projection) error {
	m, err := s.GetManifest(taskDir)
	if err != nil {
		return err
	}
	if m == nil {
		return nil
	}
	m.UpsertProjection(p)
	return writeManifest(taskDir, *m)
}

// WriteManifest persists m atomically (temp file + rename), creating the
// task directory if necessary. Used for initial task creation and direct
// manifest edits outside the dispatch-upsert path.
func (s *Store) WriteManifest(taskDir string, m Manifest) error {
	mu := s.lockFor(taskDir)
	mu.Lock()
	defer mu.Unlock()
	return writeManifest(taskDir, m)
}

func writeManifest(taskDir string, m Manifest) error {
	if err := os.MkdirAll(taskDir, 0o755); err != nil {
		return fmt.Errorf("dispatch: mkdir %s: %w", taskDir, err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("dispatch: marshal manifest: %w", err)
	}
	path := manifestPath(taskDir)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("dispatch: write %s: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}

func writeDispatchFile(taskDir string, env Envelope) error {
	dir := dispatchDir(taskDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("dispatch: mkdir %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("dispatch: marshal envelope: %w", err)
	}
	path := dispatchPath(taskDir, env.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("dispatch: write %s: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}

func readDispatchFile(taskDir, dispatchID string) (*Envelope, error) {
	data, err := os.ReadFile(dispatchPath(taskDir, dispatchID))
	if err != nil {
		return nil, fmt.Errorf("dispatch: read %s: %w", dispatchPath(taskDir, dispatchID), err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("dispatch: parse %s: %w", dispatchPath(taskDir, dispatchID), err)
	}
	return &env, nil
}
