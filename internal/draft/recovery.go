package draft

import (
	"os"
	"path/filepath"
	"time"

	"dispatchd/internal/pool"
)

// RoleExists reports whether a role name is still known, used during
// recovery to detect a draft whose role has disappeared.
type RoleExists func(project, role string) bool

// Recovered describes one draft file found active at startup.
type Recovered struct {
	Session Session
	TaskDir string
}

// RecoverAll scans every project directory under projectsRoot for a
// <project>/tasks/<slug>/draft.json with status active, re-registers a
// fresh pool entry for each, and sets StaleRole when the referenced role
// no longer exists. It does not itself become "the" active Machine
// session — the caller decides how many recovered drafts to keep live
// (the machine enforces only one active draft going forward).
func RecoverAll(projectsRoot string, p *pool.Pool, roleExists RoleExists) ([]Recovered, error) {
	projectDirs, err := os.ReadDir(projectsRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []Recovered
	for _, pd := range projectDirs {
		if !pd.IsDir() {
			continue
		}
		tasksDir := filepath.Join(projectsRoot, pd.Name(), "tasks")
		taskDirs, err := os.ReadDir(tasksDir)
		if err != nil {
			continue
		}
		for _, td := range taskDirs {
			if !td.IsDir() {
				continue
			}
			taskDir := filepath.Join(tasksDir, td.Name())
			s, err := Load(taskDir)
			if err != nil || s == nil || s.Status != StatusActive {
				continue
			}

			if roleExists != nil && !roleExists(s.Project, s.Role) {
				s.StaleRole = true
			}

			abort := pool.NewAbortHandle()
			entry := pool.Entry{ID: s.AgentID, Role: s.Role, TaskSlug: s.TaskSlug, StartedAt: time.Now().UTC(), Abort: abort}
			if err := p.Register(entry); err != nil {
				// Capacity exceeded: mark closed on disk rather than
				// leaving an unrecoverable phantom-active draft.
				s.Status = StatusClosed
				_ = Save(taskDir, *s)
				continue
			}

			out = append(out, Recovered{Session: *s, TaskDir: taskDir})
		}
	}
	return out, nil
}
