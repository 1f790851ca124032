package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"clarvis/internal/activitylog"
	"clarvis/internal/agent/claude"
	"clarvis/internal/archive"
	"clarvis/internal/config"
	"clarvis/internal/hub"
	"clarvis/internal/orchestrator"
	"clarvis/internal/permission"
	"clarvis/internal/server"
	"clarvis/internal/session"
	"clarvis/internal/session/store"
	"clarvis/internal/version"
)

const shutdownTimeout = 10 * time.Second

type serveFlags struct {
	host              string
	port              int
	projectsRoot      string
	model             string
	claudeCommand     string
	permissionTimeout time.Duration
	archiveAfter      time.Duration
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var flags serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session server",
		Long: `Run the HTTP and WebSocket server. Sessions saved under the current
directory and every project in the projects root are loaded at startup.

Settings come from the config file, then CLARVIS_* environment variables,
then these flags.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.path(), os.Getenv)
			if err != nil {
				return err
			}
			if err := flags.apply(cmd, cfg); err != nil {
				return err
			}
			log, err := newLogger(opts.verbose)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log, cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.host, "host", "", "listen host")
	f.IntVarP(&flags.port, "port", "p", 0, "listen port")
	f.StringVar(&flags.projectsRoot, "projects-root", "", "directory scanned for projects")
	f.StringVar(&flags.model, "model", "", "default model for new sessions")
	f.StringVar(&flags.claudeCommand, "claude-command", "", "agent CLI executable")
	f.DurationVar(&flags.permissionTimeout, "permission-timeout", 0, "default wait for permission decisions (0 waits forever)")
	f.DurationVar(&flags.archiveAfter, "archive-after", 0, "archive sessions idle for this long (0 disables)")
	return cmd
}

// apply overrides cfg with the flags the user set.
func (fl *serveFlags) apply(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	if f.Changed("host") {
		cfg.Host = fl.host
	}
	if f.Changed("port") {
		cfg.Port = fl.port
	}
	if f.Changed("projects-root") {
		cfg.ProjectsRoot = fl.projectsRoot
	}
	if f.Changed("model") {
		cfg.DefaultModel = fl.model
	}
	if f.Changed("claude-command") {
		cfg.ClaudeCommand = fl.claudeCommand
	}
	if f.Changed("permission-timeout") {
		cfg.PermissionTimeout = fl.permissionTimeout
	}
	if f.Changed("archive-after") {
		cfg.ArchiveAfter = fl.archiveAfter
	}
	return cfg.Finalize()
}

func serve(ctx context.Context, cfg *config.Config, log *zap.Logger, stdout io.Writer) error {
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}

	activity := activitylog.New(cfg.ActivityLog, config.ActivityLogPath(), activityActor(cfg.Actor))
	defer activity.Close()

	st := store.New(log.Named("store"))
	reg := session.NewRegistry(st,
		session.WithDefaults(session.Defaults{
			WorkingDirectory: cwd,
			Model:            cfg.DefaultModel,
			PermissionMode:   cfg.DefaultPermissionMode,
		}),
		session.WithLogger(log.Named("registry")),
	)
	dirs, err := sessionDirs(cfg.ProjectsRoot)
	if err != nil {
		log.Warn("scan projects root", zap.String("root", cfg.ProjectsRoot), zap.Error(err))
	}
	loaded, err := st.LoadDirs(dirs)
	if err != nil {
		log.Warn("load sessions", zap.Error(err))
	}
	n := reg.Load(loaded)
	log.Info("sessions loaded", zap.Int("count", n), zap.Int("directories", len(dirs)))

	agentClient, err := claude.New(cfg.ClaudeCommand, cfg.ClaudeArgs, log.Named("claude"))
	if err != nil {
		return err
	}

	h := hub.New(log.Named("hub"))
	broker := permission.New(h, activity, log.Named("permission"))
	orch := orchestrator.New(orchestrator.Config{
		Registry:          reg,
		Querier:           agentClient,
		Broker:            broker,
		Publisher:         h,
		Activity:          activity,
		Logger:            log.Named("orchestrator"),
		PermissionTimeout: cfg.PermissionTimeout,
	})
	srv := server.New(server.Deps{
		Registry:     reg,
		Orchestrator: orch,
		Broker:       broker,
		Hub:          h,
		Activity:     activity,
		Logger:       log.Named("server"),
		ProjectsRoot: cfg.ProjectsRoot,
	})
	sched, err := archive.NewScheduler(cfg.ArchiveSchedule, time.Now(), cfg.ArchiveAfter, reg, h, log.Named("archive"))
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Addr(), err)
	}
	httpSrv := srv.NewHTTPServer(cfg.Addr())
	printBanner(stdout, ln.Addr().String(), cfg, n)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return sched.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var result *multierror.Error
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			result = multierror.Append(result, fmt.Errorf("http shutdown: %w", err))
		}
		if err := orch.Shutdown(shutdownCtx); err != nil {
			result = multierror.Append(result, fmt.Errorf("stop queries: %w", err))
		}
		return result.ErrorOrNil()
	})
	return g.Wait()
}

func printBanner(w io.Writer, addr string, cfg *config.Config, loaded int) {
	out := newOutput(w)
	fmt.Fprintf(w, "%s %s\n", out.String("clarvis").Bold(), out.String(version.DisplayVersion()).Faint())
	fmt.Fprintf(w, "  listening   %s\n", out.String("http://"+addr).Underline())
	fmt.Fprintf(w, "  projects    %s\n", tildePath(cfg.ProjectsRoot))
	fmt.Fprintf(w, "  sessions    %d loaded\n", loaded)
	if cfg.ArchiveAfter > 0 {
		fmt.Fprintf(w, "  archive     after %s idle\n", cfg.ArchiveAfter)
	}
}
