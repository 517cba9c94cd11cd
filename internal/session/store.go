package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// stateVersion is bumped when the schema changes.
	stateVersion = 1

	stateFileName = "session.json"
	appDirName    = "pflo"
)

// State is everything persisted between runs. It is loaded from and saved
// to ~/.local/state/pflo/session.json (respecting XDG_STATE_HOME).
type State struct {
	Version     int               `json:"version"`
	Session     Record            `json:"session"`
	Cookies     map[string]Cookie `json:"cookies"`
	LastUpdated time.Time         `json:"lastUpdated"`
}

// Cookie is a stored value with an optional expiry.
type Cookie struct {
	Value   string    `json:"value"`
	Expires time.Time `json:"expires,omitempty"`
}

// Store loads and saves State. Its cookie methods make it usable as the
// host's cookie jar. Safe for concurrent use.
type Store struct {
	dir string
	now func() time.Time

	mu    sync.Mutex
	state *State
}

// NewStore creates a Store in dir. The directory is created on the first
// Save. Pass an empty string to use the default XDG state path.
func NewStore(dir string) *Store {
	if dir == "" {
		dir = defaultStateDir()
	}
	return &Store{dir: dir, now: time.Now}
}

// Path returns the full path to the state file.
func (s *Store) Path() string {
	return filepath.Join(s.dir, stateFileName)
}

// Load reads state from disk. A missing file yields an empty State.
func (s *Store) Load() (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	cp := *st
	cp.Cookies = make(map[string]Cookie, len(st.Cookies))
	for k, v := range st.Cookies {
		cp.Cookies[k] = v
	}
	return &cp, nil
}

func (s *Store) loadLocked() (*State, error) {
	if s.state != nil {
		return s.state, nil
	}
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			s.state = newState()
			return s.state, nil
		}
		return nil, fmt.Errorf("reading session state: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parsing session state: %w", err)
	}
	if st.Cookies == nil {
		st.Cookies = make(map[string]Cookie)
	}
	s.state = &st
	return s.state, nil
}

// Session returns the stored session record.
func (s *Store) Session() (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.loadLocked()
	if err != nil {
		return Record{}, err
	}
	return st.Session, nil
}

// SaveSession replaces the session record and writes state to disk.
func (s *Store) SaveSession(r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.loadLocked()
	if err != nil {
		return err
	}
	st.Session = r
	return s.saveLocked(st)
}

func (s *Store) Cookie(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.loadLocked()
	if err != nil {
		return "", false
	}
	c, ok := st.Cookies[name]
	if !ok || (!c.Expires.IsZero() && !s.now().Before(c.Expires)) {
		return "", false
	}
	return c.Value, true
}

func (s *Store) SetCookie(name, value string, maxAge time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.loadLocked()
	if err != nil {
		return err
	}
	c := Cookie{Value: value}
	if maxAge > 0 {
		c.Expires = s.now().Add(maxAge).UTC()
	}
	st.Cookies[name] = c
	return s.saveLocked(st)
}

// Save writes st to disk using an atomic temp-file-then-rename pattern.
func (s *Store) Save(st *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st.Cookies == nil {
		st.Cookies = make(map[string]Cookie)
	}
	s.state = st
	return s.saveLocked(st)
}

func (s *Store) saveLocked(st *State) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	st.Version = stateVersion
	st.LastUpdated = s.now().UTC()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling session state: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(s.dir, ".session-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.Path()); err != nil {
		return fmt.Errorf("renaming session file: %w", err)
	}
	committed = true

	return nil
}

func newState() *State {
	return &State{
		Version: stateVersion,
		Cookies: make(map[string]Cookie),
	}
}

// defaultStateDir returns $XDG_STATE_HOME/pflo or ~/.local/state/pflo.
func defaultStateDir() string {
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return filepath.Join(xdg, appDirName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", appDirName)
	}
	return filepath.Join(home, ".local", "state", appDirName)
}
