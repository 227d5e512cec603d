package proctool

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// TrackedProcess is one line of provenance: enough to rediscover a child
// after this program restarts, and to prove later that a pid is ours
// before anything signals it.
type TrackedProcess struct {
	Name      string `json:"name"`
	PID       int    `json:"pid"`
	Port      int    `json:"port"`
	Command   string `json:"command"`
	StartUnix int64  `json:"start_unix"`
}

// Tracker persists the name→pid mapping to a recovery file. The file is
// deliberately independent of the state store so recovery works even when
// the database is unavailable at boot.
type Tracker struct {
	mu      sync.Mutex
	path    string
	entries map[string]TrackedProcess
}

// NewTracker loads the recovery file at path, creating parent directories
// as needed. A file that exists but cannot be parsed is a fatal
// configuration problem: guessing at provenance risks signaling processes
// that are not ours.
func NewTracker(path string) (*Tracker, error) {
	t := &Tracker{path: path, entries: make(map[string]TrackedProcess)}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
				return nil, fmt.Errorf("recovery dir: %w", err)
			}
			return t, nil
		}
		return nil, fmt.Errorf("read recovery file %s: %w", path, err)
	}
	if len(b) > 0 {
		if err := json.Unmarshal(b, &t.entries); err != nil {
			return nil, fmt.Errorf("invalid recovery file %s: %w", path, err)
		}
	}
	return t, nil
}

// Record persists one spawned child. Written synchronously so a crash
// directly after spawn still leaves provenance on disk.
func (t *Tracker) Record(p TrackedProcess) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[p.Name] = p
	return t.flushLocked()
}

// Forget drops a name after its process is confirmed gone.
func (t *Tracker) Forget(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[name]; !ok {
		return nil
	}
	delete(t.entries, name)
	return t.flushLocked()
}

// Get returns the tracked entry for name.
func (t *Tracker) Get(name string) (TrackedProcess, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.entries[name]
	return p, ok
}

// Owns reports whether pid is a process this tracker recorded, verified
// against the live process table so a reused pid is never claimed.
func (t *Tracker) Owns(pid int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.entries {
		if p.PID == pid {
			return Verify(p)
		}
	}
	return false
}

// Snapshot returns a copy of all tracked entries.
func (t *Tracker) Snapshot() []TrackedProcess {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TrackedProcess, 0, len(t.entries))
	for _, p := range t.entries {
		out = append(out, p)
	}
	return out
}

func (t *Tracker) flushLocked() error {
	b, err := json.MarshalIndent(t.entries, "", "  ")
	if err != nil {
		return err
	}
	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("write recovery file: %w", err)
	}
	return os.Rename(tmp, t.path)
}

// Verify cross-checks a tracked entry against the live process table:
// the pid must exist, its start time must match when we recorded one, and
// its command line must still contain the spawned command. A mismatch
// means the OS reused the pid.
func Verify(p TrackedProcess) bool {
	if !PidAlive(p.PID) {
		return false
	}
	if p.StartUnix > 0 {
		if cur := StartUnix(p.PID); cur > 0 && cur != p.StartUnix {
			return false
		}
	}
	if p.Command != "" {
		if cl := Cmdline(p.PID); cl != "" && !strings.Contains(cl, p.Command) {
			return false
		}
	}
	return true
}
