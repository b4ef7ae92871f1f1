// listener holds the MyCrewManager project-updates channel open for one
// session, logs routed events, and optionally journals them to PostgreSQL
// and relays them to NATS.
//
// Usage:
//
//	listener --config configs/listener.yaml [--project 7] [--verbose]
//
// Send SIGHUP to reconnect with a freshly read session token, for example
// after retries were exhausted or the token was refreshed.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/mycrewmanager/realtime/internal/api"
	"github.com/mycrewmanager/realtime/internal/config"
	"github.com/mycrewmanager/realtime/internal/connection"
	"github.com/mycrewmanager/realtime/internal/database"
	"github.com/mycrewmanager/realtime/internal/journal"
	"github.com/mycrewmanager/realtime/internal/metrics"
	"github.com/mycrewmanager/realtime/internal/relay"
	"github.com/mycrewmanager/realtime/internal/router"
	"github.com/mycrewmanager/realtime/internal/session"
	"github.com/mycrewmanager/realtime/internal/supervisor"
	"github.com/mycrewmanager/realtime/internal/version"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var configPath string
	var projectID int64
	var verbose, showVersion bool

	flagSet := pflag.NewFlagSet("listener", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to config file (defaults apply when empty)")
	flagSet.Int64Var(&projectID, "project", 0, "scope the listener to one project (overrides project.id)")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "log at debug level")
	flagSet.BoolVar(&showVersion, "version", false, "print version and exit")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Println("listener", version.String())
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if flagSet.Changed("project") {
		cfg.Project.ID = &projectID
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("validate config: %w", err)
		}
	}
	if verbose {
		cfg.Log.Level = "debug"
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	logger.Info("starting listener",
		"version", version.Version,
		"commit", version.Commit,
		"config", configPath,
		"api_url", cfg.API.BaseURL,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("validate config: %w", err)
		}
		return cfg, nil
	}
	return config.LoadAndValidate(path)
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func managerConfig(cfg *config.Config) connection.ManagerConfig {
	mc := connection.DefaultManagerConfig()
	mc.BaseURL = cfg.API.BaseURL
	mc.Path = cfg.Realtime.Path
	mc.ReconnectDelay = cfg.Realtime.ReconnectDelay
	mc.MaxRetries = cfg.Realtime.MaxRetries
	mc.HandshakeTimeout = cfg.Realtime.HandshakeTimeout
	mc.PingInterval = cfg.Realtime.PingInterval
	mc.UserAgent = version.UserAgent()
	return mc
}

// serve runs until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	tokens := session.NewStore(cfg.Session.File, cfg.Session.Env, logger.With("component", "session"))
	if _, ok := tokens.Token(); !ok {
		logger.Warn("no session token available, channel stays disconnected until one appears",
			"session_file", cfg.Session.File,
			"session_env", cfg.Session.Env,
		)
	}

	m := metrics.New()
	mgr := connection.NewManager(managerConfig(cfg), tokens, logger.With("component", "connection"))
	mgr.WatchStatus(m.ObserveStatus)
	mgr.WatchStatus(func(from, to connection.Status) {
		logger.Info("channel status", "from", from, "to", to)
	})
	mgr.Subscribe(m.ObserveEvent)
	m.RegisterChannel(mgr.Stats)

	binding := router.NewBinding(cfg.Project.ID, eventLogger(logger.With("component", "events")), logger)
	binding.Attach(mgr)
	m.RegisterBinding("listener", binding.Stats)

	// Optional journal
	var pool *pgxpool.Pool
	var writer *journal.Writer
	if cfg.Journal.Enabled {
		var err error
		pool, err = database.Connect(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("connect journal database: %w", err)
		}
		defer pool.Close()

		store := journal.NewPGStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			return err
		}

		writer = journal.NewWriter(journal.Config{
			BatchSize:     cfg.Journal.BatchSize,
			FlushInterval: cfg.Journal.FlushInterval,
			BufferSize:    cfg.Journal.BufferSize,
		}, store, logger.With("component", "journal"))
		if err := writer.Start(ctx); err != nil {
			return fmt.Errorf("start journal: %w", err)
		}
		mgr.Subscribe(writer.Handle)
		m.RegisterJournal(writer.Stats)
		logger.Info("journal enabled", "host", cfg.Database.Host, "database", cfg.Database.Name)
	}

	// Optional relay
	var nc *nats.Conn
	if cfg.Relay.Enabled {
		var err error
		nc, err = relay.Connect(cfg.Relay.URL, cfg.Relay.ClientName, logger.With("component", "relay"))
		if err != nil {
			return fmt.Errorf("connect relay: %w", err)
		}
		r := relay.New(nc, cfg.Relay.SubjectPrefix, logger.With("component", "relay"))
		mgr.Subscribe(r.Handle)
		m.RegisterRelay(r.Stats)
		logger.Info("relay enabled", "url", cfg.Relay.URL, "prefix", cfg.Relay.SubjectPrefix)
	}

	var ping func(context.Context) error
	if pool != nil {
		ping = pool.Ping
	}
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           newHealthHandler(mgr, binding, ping, cfg.Metrics.Path, m.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	apiClient := api.NewClient(cfg.API.BaseURL, tokens,
		api.WithLogger(logger.With("component", "api")),
		api.WithTimeout(cfg.API.Timeout),
		api.WithRetries(cfg.API.MaxRetries, time.Second),
		api.WithUserAgent(version.UserAgent()),
	)

	var sup *supervisor.Supervisor
	if cfg.Realtime.SuperviseInterval > 0 {
		sup = supervisor.New(supervisor.Config{Interval: cfg.Realtime.SuperviseInterval},
			mgr, tokens, logger.With("component", "supervisor"))
		if err := sup.Start(ctx); err != nil {
			return fmt.Errorf("start supervisor: %w", err)
		}
		m.RegisterSupervisor(sup.Stats)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting health server", "port", cfg.Metrics.Port, "metrics_path", cfg.Metrics.Path)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		describeProject(gctx, apiClient, cfg.Project.ID, logger)
		return nil
	})

	g.Go(func() error {
		reconnectOnHangup(gctx, mgr, logger)
		return nil
	})

	mgr.Connect()

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if sup != nil {
			if err := sup.Stop(shutdownCtx); err != nil {
				logger.Warn("supervisor stop", "error", err)
			}
		}
		mgr.Close()

		if writer != nil {
			if err := writer.Stop(shutdownCtx); err != nil {
				logger.Warn("journal stop", "error", err)
			}
		}
		if nc != nil {
			if err := nc.Drain(); err != nil {
				logger.Warn("relay drain", "error", err)
			}
		}
		return server.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	logger.Info("listener stopped", "stats", fmt.Sprintf("%+v", mgr.Stats()))
	return err
}

// describeProject logs the bound project's name. Failure is not fatal.
func describeProject(ctx context.Context, client *api.Client, projectID *int64, logger *slog.Logger) {
	if projectID == nil {
		logger.Info("listening to all projects")
		return
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	p, err := client.GetProject(lookupCtx, *projectID)
	if err != nil {
		var apiErr *api.APIError
		if errors.As(err, &apiErr) && apiErr.IsUnauthorized() {
			logger.Warn("session token rejected by the API", "project_id", *projectID, "error", err)
			return
		}
		logger.Warn("project lookup failed", "project_id", *projectID, "error", err)
		return
	}
	logger.Info("listening to project", "project_id", p.ID, "name", p.Name, "status", p.Status)
}

// reconnectOnHangup restarts the channel on SIGHUP.
func reconnectOnHangup(ctx context.Context, mgr connection.Manager, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			logger.Info("SIGHUP received, reconnecting")
			mgr.Disconnect()
			mgr.Connect()
		}
	}
}
