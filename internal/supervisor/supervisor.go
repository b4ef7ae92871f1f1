package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mycrewmanager/realtime/internal/connection"
)

// Channel is the part of connection.Manager the supervisor drives.
type Channel interface {
	Connect()
	Status() connection.Status
}

// Config holds supervisor configuration.
type Config struct {
	Interval time.Duration // Check interval (default: 1m)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{Interval: time.Minute}
}

// Stats contains supervisor statistics.
type Stats struct {
	Checks   int64
	Revivals int64 // Connect calls issued
	NoToken  int64 // Checks skipped for lack of a token
}

// Supervisor periodically reconnects a disconnected channel.
type Supervisor struct {
	cfg     Config
	channel Channel
	tokens  connection.TokenSource
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	checks   atomic.Int64
	revivals atomic.Int64
	noToken  atomic.Int64
}

// New creates a Supervisor.
func New(cfg Config, channel Channel, tokens connection.TokenSource, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	return &Supervisor{
		cfg:     cfg,
		channel: channel,
		tokens:  tokens,
		logger:  logger,
	}
}

// Start begins the check loop.
func (s *Supervisor) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.run()

	s.logger.Info("channel supervisor started", "interval", s.cfg.Interval)
	return nil
}

// Stop shuts the loop down.
func (s *Supervisor) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("channel supervisor stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns current counters.
func (s *Supervisor) Stats() Stats {
	return Stats{
		Checks:   s.checks.Load(),
		Revivals: s.revivals.Load(),
		NoToken:  s.noToken.Load(),
	}
}

func (s *Supervisor) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.check()
		}
	}
}

// check reconnects only from disconnected. A reconnecting channel already
// has a timer pending.
func (s *Supervisor) check() {
	s.checks.Add(1)

	if s.channel.Status() != connection.StatusDisconnected {
		return
	}
	if _, ok := s.tokens.Token(); !ok {
		s.noToken.Add(1)
		s.logger.Debug("channel down, waiting for a session token")
		return
	}

	s.revivals.Add(1)
	s.logger.Info("channel down, reconnecting")
	s.channel.Connect()
}
