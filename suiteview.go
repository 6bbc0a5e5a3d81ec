package suiteview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/suiteview/suiteview/api"
	"github.com/suiteview/suiteview/runner"
	"github.com/suiteview/suiteview/watcher"
)

const shutdownTimeout = 10 * time.Second

// Service assembles the runner, the file watcher and the HTTP server into
// one lifecycle.
type Service struct {
	cfg *Config
	log *slog.Logger

	runner  *runner.Runner
	server  *api.Server
	httpSrv *http.Server
	watch   *watcher.Watcher

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped atomic.Bool
}

// New collects the suite and wires the service together. Nothing is
// listening or watching until Start.
func New(ctx context.Context, cfg *Config) (*Service, error) {
	if err := cfg.Check(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	r, err := runner.New(ctx, runner.Config{
		WorkDir:  cfg.Directory,
		GoBinary: cfg.GoBinary,
		Log:      cfg.Log,
	})
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:    cfg,
		log:    cfg.Log,
		runner: r,
		server: api.NewServer(r, cfg.Log),
	}
	s.httpSrv = &http.Server{
		Addr:    cfg.Addr(),
		Handler: s.server.Handler(),
	}

	if cfg.Watch {
		w, err := watcher.New(cfg.Directory, cfg.WatchDebounce, cfg.Log)
		if err != nil {
			return nil, err
		}
		s.watch = w
	}
	return s, nil
}

// Runner exposes the underlying runner, for one-shot commands that render
// the collected tree without serving it.
func (s *Service) Runner() *runner.Runner {
	return s.runner
}

// Start brings up the HTTP server and, when enabled, the file watcher.
func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.log.Info("starting server", "addr", s.cfg.Addr(), "directory", s.cfg.Directory, "watch", s.watch != nil)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server failed", "error", err)
		}
	}()

	if s.watch != nil {
		s.wg.Add(2)
		go func() {
			defer s.wg.Done()
			if err := s.watch.Run(runCtx); err != nil {
				s.log.Error("watcher failed", "error", err)
			}
		}()
		go func() {
			defer s.wg.Done()
			s.recollectLoop(runCtx)
		}()
	}
	return nil
}

// recollectLoop folds watcher notifications back into the tree.
func (s *Service) recollectLoop(ctx context.Context) {
	for dir := range s.watch.Changes() {
		if err := s.runner.RecollectPackage(ctx, dir); err != nil {
			s.log.Warn("recollecting package failed", "package", dir, "error", err)
		}
	}
}

// Stop shuts the service down: the HTTP server drains, websocket clients
// are disconnected and every started environment is stopped.
func (s *Service) Stop(ctx context.Context) error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}
	s.log.Info("stopping server")

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	var result error
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		result = errors.Join(result, err)
	}
	s.server.Shutdown()

	if s.cancel != nil {
		s.cancel()
	}

	s.runner.StopAllEnvironments(shutdownCtx)
	s.runner.Close()
	s.wg.Wait()

	s.log.Info("server stopped")
	return result
}

// Stopped reports whether Stop has run.
func (s *Service) Stopped() bool {
	return s.stopped.Load()
}
