package server

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"clarvis/internal/session"
)

func TestDiscoverProjects_MissingRoot(t *testing.T) {
	projects, err := DiscoverProjects(filepath.Join(t.TempDir(), "absent"), nil)
	if err != nil {
		t.Fatalf("DiscoverProjects: %v", err)
	}
	if len(projects) != 0 {
		t.Fatalf("got %d projects, want 0", len(projects))
	}
}

func TestDiscoverProjects_SkipsHiddenAndFiles(t *testing.T) {
	root := t.TempDir()
	for _, d := range []string{"web", ".cache", "api"} {
		if err := os.Mkdir(filepath.Join(root, d), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	older := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)
	sessions := []session.Summary{
		{ID: "1", WorkingDirectory: filepath.Join(root, "web"), LastActivity: older},
		{ID: "2", WorkingDirectory: filepath.Join(root, "web") + "/", LastActivity: newer},
		{ID: "3", WorkingDirectory: "/elsewhere", LastActivity: newer},
	}

	projects, err := DiscoverProjects(root, sessions)
	if err != nil {
		t.Fatalf("DiscoverProjects: %v", err)
	}
	if len(projects) != 2 {
		t.Fatalf("got %+v, want api and web", projects)
	}
	if projects[0].Name != "api" || projects[1].Name != "web" {
		t.Errorf("order = %s, %s", projects[0].Name, projects[1].Name)
	}
	if projects[0].SessionCount != 0 || projects[0].LastActivity != nil {
		t.Errorf("api = %+v, want no sessions", projects[0])
	}
	if projects[1].SessionCount != 2 {
		t.Errorf("web session count = %d, want 2", projects[1].SessionCount)
	}
	if projects[1].LastActivity == nil || !projects[1].LastActivity.Equal(newer) {
		t.Errorf("web last activity = %v, want %v", projects[1].LastActivity, newer)
	}
}

func TestCreateProject(t *testing.T) {
	root := t.TempDir()

	p, err := CreateProject(root, " site ")
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if p.Name != "site" || p.Path != filepath.Join(root, "site") {
		t.Errorf("project = %+v", p)
	}
	if info, err := os.Stat(p.Path); err != nil || !info.IsDir() {
		t.Errorf("project dir not created: %v", err)
	}

	for _, name := range []string{"", "..", "a/b", "site"} {
		if _, err := CreateProject(root, name); !errors.Is(err, session.ErrInvalid) {
			t.Errorf("CreateProject(%q) err = %v, want ErrInvalid", name, err)
		}
	}
}
