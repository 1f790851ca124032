package server

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"clarvis/internal/session"
)

// Project is a directory under the projects root.
type Project struct {
	Name         string     `json:"name"`
	Path         string     `json:"path"`
	Git          bool       `json:"git"`
	SessionCount int        `json:"sessionCount"`
	LastActivity *time.Time `json:"lastActivity,omitempty"`
}

// DiscoverProjects lists the visible subdirectories of root, annotated
// with the sessions that use them. A missing root yields no projects.
func DiscoverProjects(root string, sessions []session.Summary) ([]Project, error) {
	projects := []Project{}
	if root == "" {
		return projects, nil
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return projects, nil
		}
		return nil, fmt.Errorf("read projects root: %w", err)
	}

	byDir := make(map[string][]session.Summary)
	for _, s := range sessions {
		dir := filepath.Clean(s.WorkingDirectory)
		byDir[dir] = append(byDir[dir], s)
	}

	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		p := Project{Name: e.Name(), Path: filepath.Join(root, e.Name())}
		if _, err := os.Stat(filepath.Join(p.Path, ".git")); err == nil {
			p.Git = true
		}
		for _, s := range byDir[filepath.Clean(p.Path)] {
			p.SessionCount++
			if p.LastActivity == nil || s.LastActivity.After(*p.LastActivity) {
				t := s.LastActivity
				p.LastActivity = &t
			}
		}
		projects = append(projects, p)
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].Name < projects[j].Name })
	return projects, nil
}

// CreateProject makes a new directory named name under root.
func CreateProject(root, name string) (Project, error) {
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return Project{}, fmt.Errorf("project name %q: %w", name, session.ErrInvalid)
	}
	path := filepath.Join(root, name)
	if _, err := os.Stat(path); err == nil {
		return Project{}, fmt.Errorf("project %q already exists: %w", name, session.ErrInvalid)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return Project{}, fmt.Errorf("create project: %w", err)
	}
	return Project{Name: name, Path: path}, nil
}
