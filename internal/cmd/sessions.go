package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"clarvis/internal/config"
	"clarvis/internal/server"
	"clarvis/internal/session"
	"clarvis/internal/session/store"
)

func newSessionsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect sessions saved on disk",
	}
	cmd.AddCommand(newSessionsLsCmd(opts))
	return cmd
}

func newSessionsLsCmd(opts *rootOptions) *cobra.Command {
	var all bool
	var dirs []string

	cmd := &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List saved sessions",
		Long: `List the sessions saved under the current directory and every project
in the projects root. Use --dir to read specific working directories instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(dirs) == 0 {
				cfg, err := config.Load(opts.path(), os.Getenv)
				if err != nil {
					return err
				}
				dirs, err = sessionDirs(cfg.ProjectsRoot)
				if err != nil {
					return err
				}
			}
			sessions, err := store.New(nil).LoadDirs(dirs)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
			}
			printSessions(cmd.OutOrStdout(), sessions, all, time.Now())
			return nil
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include archived sessions")
	cmd.Flags().StringArrayVar(&dirs, "dir", nil, "working directory to read (repeatable)")
	return cmd
}

// sessionDirs returns the directories whose saved sessions are loaded:
// the current directory plus every project under root.
func sessionDirs(root string) ([]string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	dirs := []string{cwd}
	projects, err := server.DiscoverProjects(root, nil)
	if err != nil {
		return dirs, err
	}
	for _, p := range projects {
		dirs = append(dirs, p.Path)
	}
	return dirs, nil
}

func printSessions(w io.Writer, sessions []*session.Session, all bool, now time.Time) {
	out := newOutput(w)

	var shown []*session.Session
	for _, s := range sessions {
		if s.Archived && !all {
			continue
		}
		shown = append(shown, s)
	}
	if len(shown) == 0 {
		fmt.Fprintln(w, "No sessions.")
		return
	}

	fmt.Fprintln(w, out.String("Sessions:").Bold())
	previewWidth := 0
	if width := terminalWidth(w); width > 0 {
		previewWidth = width / 3
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, s := range shown {
		name := s.Name
		if s.Archived {
			name += " (archived)"
		}
		preview := ""
		if n := len(s.Messages); n > 0 && previewWidth > 3 {
			preview = session.Preview(s.Messages[n-1].Content.Text(), previewWidth)
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%d msgs\t%s\t%s\t%s\n",
			shortID(s.ID), name, statusLabel(out, s.Status), s.MessageCount,
			formatAge(now.Sub(s.LastActivity)), tildePath(s.Config.WorkingDirectory), preview)
	}
	tw.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func tildePath(p string) string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return p
	}
	if p == home {
		return "~"
	}
	if strings.HasPrefix(p, home+string(filepath.Separator)) {
		return "~" + strings.TrimPrefix(p, home)
	}
	return p
}
