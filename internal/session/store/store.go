// Package store persists sessions as one JSON file per session under
// <workingDirectory>/.clarvis/.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gofrs/flock"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"clarvis/internal/session"
)

// DirName is the per-project directory holding session files.
const DirName = ".clarvis"

const (
	filePrefix = "session-"
	fileSuffix = ".json"
	lockName   = ".lock"
)

// Dir returns the session directory for a working directory.
func Dir(workingDirectory string) string {
	return filepath.Join(workingDirectory, DirName)
}

// Path returns the session file path for id under workingDirectory.
func Path(workingDirectory, id string) string {
	return filepath.Join(Dir(workingDirectory), filePrefix+id+fileSuffix)
}

// Store reads and writes session files. Writes take an advisory lock on
// the directory so two servers sharing a project do not interleave.
type Store struct {
	log *zap.Logger
}

// New creates a Store.
func New(log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{log: log}
}

// Save writes the session atomically. Busy statuses are written as idle.
func (st *Store) Save(s *session.Session) error {
	if s.ID == "" {
		return fmt.Errorf("save session: empty id: %w", session.ErrInvalid)
	}
	dir := Dir(s.Config.WorkingDirectory)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	rec := s.Clone()
	rec.Status = rec.Status.Persisted()
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", s.ID, err)
	}

	unlock, err := lockDir(dir)
	if err != nil {
		return err
	}
	defer unlock()

	tmp, err := os.CreateTemp(dir, filePrefix+s.ID+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write session %s: %w", s.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close session %s: %w", s.ID, err)
	}
	if err := os.Rename(tmpName, Path(s.Config.WorkingDirectory, s.ID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename session %s: %w", s.ID, err)
	}
	return nil
}

// Load reads one session. A missing file returns nil with no error.
func (st *Store) Load(workingDirectory, id string) (*session.Session, error) {
	s, err := readFile(Path(workingDirectory, id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return s, err
}

// LoadAll reads every session file under workingDirectory, most recently
// active first. Unreadable or malformed files are logged and skipped. A
// missing session directory yields an empty list.
func (st *Store) LoadAll(workingDirectory string) ([]*session.Session, error) {
	dir := Dir(workingDirectory)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session dir %s: %w", dir, err)
	}

	var out []*session.Session
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		s, err := readFile(filepath.Join(dir, name))
		if err != nil {
			st.log.Warn("skipping session file", zap.String("path", filepath.Join(dir, name)), zap.Error(err))
			continue
		}
		out = append(out, s)
	}
	sortByActivity(out)
	return out, nil
}

// LoadDirs loads sessions from several working directories. Per-directory
// failures are collected; sessions from the readable directories are still
// returned.
func (st *Store) LoadDirs(dirs []string) ([]*session.Session, error) {
	var (
		out    []*session.Session
		result *multierror.Error
		seen   = make(map[string]bool)
	)
	for _, d := range dirs {
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		ss, err := st.LoadAll(d)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		out = append(out, ss...)
	}
	sortByActivity(out)
	return out, result.ErrorOrNil()
}

// Delete removes the session file. Deleting a missing file is not an error.
func (st *Store) Delete(workingDirectory, id string) error {
	dir := Dir(workingDirectory)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	unlock, err := lockDir(dir)
	if err != nil {
		return err
	}
	defer unlock()

	if err := os.Remove(Path(workingDirectory, id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove session %s: %w", id, err)
	}
	return nil
}

func lockDir(dir string) (func(), error) {
	fl := flock.New(filepath.Join(dir, lockName))
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("lock session dir %s: %w", dir, err)
	}
	return func() { _ = fl.Unlock() }, nil
}

func readFile(path string) (*session.Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s session.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if s.ID == "" {
		return nil, fmt.Errorf("parse %s: missing id", filepath.Base(path))
	}
	if s.Messages == nil {
		s.Messages = []session.Message{}
	}
	s.Status = s.Status.Persisted()
	return &s, nil
}

func sortByActivity(ss []*session.Session) {
	sort.SliceStable(ss, func(i, j int) bool {
		return ss[i].LastActivity.After(ss[j].LastActivity)
	})
}
