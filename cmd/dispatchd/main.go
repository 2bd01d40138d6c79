// Command dispatchd is the harness server: it loads the projects
// registry, serves the JSON-RPC facade over WebSocket, exposes the
// liveness/readiness/metrics HTTP surface, and recovers any draft
// sessions left active by a previous process, all behind a graceful
// shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dispatchd/internal/config"
	"dispatchd/internal/contextbuilder"
	"dispatchd/internal/dispatch"
	"dispatchd/internal/draft"
	"dispatchd/internal/httpapi"
	"dispatchd/internal/logging"
	"dispatchd/internal/metrics"
	"dispatchd/internal/pool"
	"dispatchd/internal/project"
	"dispatchd/internal/registry"
	"dispatchd/internal/router"
	"dispatchd/internal/rpcfacade"
	"dispatchd/internal/toolserver"
)

var log = logging.New("DISPATCHD")

func main() {
	configPath := flag.String("config", "", "path to a dispatchd config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("load config: %v", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		log.Error("%v", err)
		os.Exit(1)
	}
}

// run wires every subsystem and blocks until a termination signal is
// received, following the teacher's phased-bootstrap, graceful-shutdown
// server lifecycle.
func run(cfg *config.Config) error {
	if err := os.MkdirAll(cfg.ProjectsDir, 0o755); err != nil {
		return fmt.Errorf("create projects dir: %w", err)
	}

	projects, err := project.NewRegistry(cfg.ProjectsDir)
	if err != nil {
		return fmt.Errorf("load projects registry: %w", err)
	}
	log.Info("loaded %d project(s) from %s", len(projects.List()), cfg.ProjectsDir)

	store := dispatch.NewStore()
	p := pool.New(cfg.MaxConcurrent)
	m := metrics.New()
	cb := contextbuilder.New()

	comms, err := registry.New()
	if err != nil {
		return fmt.Errorf("start communication registry: %w", err)
	}
	defer comms.Close()
	if err := comms.Register(registry.NewToastProvider("dispatchd")); err != nil {
		return fmt.Errorf("register toast provider: %w", err)
	}
	comms.StartAll()
	defer comms.StopAll()

	toolRegistry := toolserver.NewRegistry()
	tracker := toolserver.NewDispatchTracker()
	toolAddr := "http://127.0.0.1" + cfg.HTTPAddr

	d := draft.NewMachine(p, store)
	d.Command = cfg.AgentCommand
	d.Args = cfg.AgentArgs
	d.Projects = projects
	d.Context = cb
	d.Tracker = tracker
	d.ToolRegistry = toolRegistry
	d.ToolAddr = toolAddr
	d.StreamCloseTimeoutMS = cfg.StreamCloseTimeoutMS

	facade := rpcfacade.New(projects, store, p, d, cb)
	facade.Command = cfg.AgentCommand
	facade.Args = cfg.AgentArgs
	facade.ToolRegistry = toolRegistry
	facade.ToolAddr = toolAddr
	facade.Tracker = tracker
	facade.StreamCloseTimeoutMS = cfg.StreamCloseTimeoutMS
	facade.Debouncer = router.NewDebouncer(cfg.DebounceWindow(), facade.FlushPromptBurst)

	p.SetChangeCallback(func(snapshot []pool.Snapshot) {
		m.PoolSize.Set(float64(len(snapshot)))
		facade.BroadcastPoolStatus(snapshot)
	})

	recovered, err := draft.RecoverAll(cfg.ProjectsDir, p, roleExistsFor(projects))
	if err != nil {
		log.Warn("draft recovery scan failed: %v", err)
	}
	for _, r := range recovered {
		log.Info("recovered active draft %s for task %s (staleRole=%v)", r.Session.SessionID, r.Session.TaskSlug, r.Session.StaleRole)
	}

	ready := func() (bool, string) { return true, "" }
	httpSrv := httpapi.New(p, m, ready, toolRegistry.Handler())

	rpcServer := &http.Server{
		Addr:         cfg.RPCAddr,
		Handler:      facade,
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpSrv.Handler(),
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info("rpc facade listening on %s", cfg.RPCAddr)
		if err := rpcServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("rpc server: %w", err)
		}
	}()
	go func() {
		log.Info("http surface listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		log.Info("received %s, shutting down", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var shutdownErr error
	if err := rpcServer.Shutdown(ctx); err != nil {
		shutdownErr = fmt.Errorf("rpc server shutdown: %w", err)
	}
	if err := httpServer.Shutdown(ctx); err != nil && shutdownErr == nil {
		shutdownErr = fmt.Errorf("http server shutdown: %w", err)
	}
	return shutdownErr
}

// roleExistsFor adapts the projects registry into a draft.RoleExists
// check for recovery's stale-role detection.
func roleExistsFor(projects *project.Registry) draft.RoleExists {
	return func(projectName, roleName string) bool {
		p, ok := projects.Get(projectName)
		if !ok {
			return false
		}
		for _, r := range p.Roles {
			if r.Name == roleName {
				return true
			}
		}
		return false
	}
}
