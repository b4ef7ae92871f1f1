// probe connects to the MyCrewManager project-updates channel and prints
// routed events to the console until interrupted.
//
// Usage:
//
//	go run ./cmd/probe --base-url http://localhost:8000/api --token $MCM_ACCESS_TOKEN
//	go run ./cmd/probe --config configs/listener.example.yaml --project 7 --verbose
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/mycrewmanager/realtime/internal/config"
	"github.com/mycrewmanager/realtime/internal/connection"
	"github.com/mycrewmanager/realtime/internal/router"
	"github.com/mycrewmanager/realtime/internal/session"
	"github.com/mycrewmanager/realtime/internal/version"
)

type options struct {
	configPath    string
	baseURL       string
	token         string
	projectID     int64
	count         int
	statsInterval time.Duration
	verbose       bool
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var opts options

	flagSet := pflag.NewFlagSet("probe", pflag.ContinueOnError)
	flagSet.StringVarP(&opts.configPath, "config", "c", "", "path to config file")
	flagSet.StringVar(&opts.baseURL, "base-url", "", "API base URL (overrides api.base_url)")
	flagSet.StringVar(&opts.token, "token", "", "bearer token (overrides the session store)")
	flagSet.Int64Var(&opts.projectID, "project", 0, "only print events for this project")
	flagSet.IntVarP(&opts.count, "count", "n", 0, "exit after printing this many events")
	flagSet.DurationVar(&opts.statsInterval, "stats-interval", 10*time.Second, "how often to log stats (0 disables)")
	flagSet.BoolVarP(&opts.verbose, "verbose", "v", false, "print full event JSON")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg := config.Default()
	if opts.configPath != "" {
		var err error
		cfg, err = config.LoadWithDefaults(opts.configPath)
		if err != nil {
			return err
		}
	}
	if opts.baseURL != "" {
		cfg.API.BaseURL = opts.baseURL
	}
	var projectID *int64
	if flagSet.Changed("project") {
		projectID = &opts.projectID
	} else {
		projectID = cfg.Project.ID
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	var tokens connection.TokenSource
	if opts.token != "" {
		tokens = session.Static(opts.token)
	} else {
		tokens = session.NewStore(cfg.Session.File, cfg.Session.Env, logger)
	}
	if _, ok := tokens.Token(); !ok {
		return errors.New("no session token: pass --token or set " + cfg.Session.Env)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	connCfg := connection.DefaultManagerConfig()
	connCfg.BaseURL = cfg.API.BaseURL
	connCfg.Path = cfg.Realtime.Path
	connCfg.ReconnectDelay = cfg.Realtime.ReconnectDelay
	connCfg.MaxRetries = cfg.Realtime.MaxRetries
	connCfg.UserAgent = version.UserAgent()

	mgr := connection.NewManager(connCfg, tokens, logger)
	defer mgr.Close()

	p := &printer{out: os.Stdout, verbose: opts.verbose, limit: opts.count, done: cancel}
	binding := router.NewBinding(projectID, router.Callbacks{OnEvent: p.print}, logger)
	binding.Attach(mgr)

	mgr.WatchStatus(func(from, to connection.Status) {
		logger.Info("status", "from", from, "to", to)
		if st := mgr.Stats(); st.Status == connection.StatusDisconnected && st.Retries >= connCfg.MaxRetries {
			logger.Error("retries exhausted, giving up")
			cancel()
		}
	})

	go logStats(ctx, opts.statsInterval, mgr, binding, logger)

	logger.Info("connecting - press Ctrl+C to stop", "base_url", cfg.API.BaseURL, "project", projectID)
	mgr.Connect()

	<-ctx.Done()
	logger.Info("shutting down...", "printed", p.printed)
	return nil
}

func logStats(ctx context.Context, interval time.Duration, mgr connection.Manager, binding *router.Binding, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cs := mgr.Stats()
			bs := binding.Stats()
			logger.Info("stats",
				"status", cs.Status,
				"frames", cs.FramesReceived,
				"parse_errors", cs.ParseErrors,
				"connects", cs.Connects,
				"received", bs.Received,
				"filtered", bs.Filtered,
				"dispatched", bs.Dispatched,
				"unknown", bs.Unknown,
			)
		}
	}
}

// printer writes one line per event. Calls come from the single read
// goroutine, so no locking is needed.
type printer struct {
	out     io.Writer
	verbose bool
	limit   int
	printed int
	done    func()
}

func (p *printer) print(ev router.Event) {
	if p.limit > 0 && p.printed >= p.limit {
		return
	}
	p.printed++

	env := ev.Envelope()
	label := strings.ToUpper(ev.Kind())
	if u, ok := ev.(router.Unknown); ok {
		label = "UNKNOWN:" + u.Name
	}

	if p.verbose {
		data, _ := json.MarshalIndent(env.Raw, "", "  ")
		fmt.Fprintf(p.out, "[%s] %s\n", label, data)
	} else {
		fmt.Fprintf(p.out, "[%s] %s\n", label, summary(ev))
	}

	if p.limit > 0 && p.printed >= p.limit {
		p.done()
	}
}

func summary(ev router.Event) string {
	env := ev.Envelope()
	project := "-"
	if env.ProjectID != nil {
		project = fmt.Sprint(*env.ProjectID)
	}
	actor := "-"
	if env.Actor != nil {
		actor = env.Actor.Name
	}

	var detail string
	switch e := ev.(type) {
	case router.ProjectUpdated:
		detail = fmt.Sprintf("name=%q status=%s", e.Project.Name, e.Project.Status)
	case router.EpicUpdated:
		detail = fmt.Sprintf("epic=%d title=%q", e.Epic.ID, e.Epic.Title)
	case router.SubEpicUpdated:
		detail = fmt.Sprintf("sub_epic=%d title=%q", e.SubEpic.ID, e.SubEpic.Title)
	case router.UserStoryUpdated:
		detail = fmt.Sprintf("story=%d title=%q", e.UserStory.ID, e.UserStory.Title)
	case router.TaskUpdated:
		detail = fmt.Sprintf("task=%d title=%q status=%s", e.Task.ID, e.Task.Title, e.Task.Status)
	case router.MemberUpdated:
		detail = fmt.Sprintf("user=%d role=%s", e.Member.UserID, e.Member.Role)
	case router.RepositoryUpdated:
		detail = fmt.Sprintf("repo=%d name=%q", e.Repository.ID, e.Repository.Name)
	case router.BacklogRegenerated:
		detail = fmt.Sprintf("status=%s count=%d", e.Result.Status, e.Result.Count)
	case router.OverviewRegenerated:
		detail = fmt.Sprintf("status=%s", e.Result.Status)
	case router.Notification:
		detail = fmt.Sprintf("title=%q message=%q", e.Notification.Title, e.Notification.Message)
	}

	return fmt.Sprintf("project=%s action=%s actor=%s %s", project, env.Action, actor, detail)
}
