// Package main is the entry point for the CAW server. A single binary hosts
// the HTTP API, the WebSocket gateway, and the background maintenance sweeper
// over one SQLite store.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/caw-dev/caw/internal/agent"
	"github.com/caw-dev/caw/internal/common/config"
	"github.com/caw-dev/caw/internal/common/logger"
	"github.com/caw-dev/caw/internal/events"
	gateway "github.com/caw-dev/caw/internal/gateway/websocket"
	"github.com/caw-dev/caw/internal/httpapi"
	"github.com/caw-dev/caw/internal/message"
	"github.com/caw-dev/caw/internal/orchestration"
	"github.com/caw-dev/caw/internal/session"
	"github.com/caw-dev/caw/internal/store"
	"github.com/caw-dev/caw/internal/task"
	"github.com/caw-dev/caw/internal/taskctx"
	"github.com/caw-dev/caw/internal/template"
	"github.com/caw-dev/caw/internal/workflow"
	"github.com/caw-dev/caw/internal/workspace"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		return err
	}
	defer busCleanup()

	dbPath := cfg.Database.StorePath()
	st, err := store.Open(dbPath, log)
	if err != nil {
		return fmt.Errorf("failed to open store at %s: %w", dbPath, err)
	}
	defer st.Close()
	st.SetEventSink(events.NewEmitter(provided.Bus, "caw-server", log))
	log.Info("store opened", zap.String("path", dbPath))

	workflows := workflow.NewService(st, log)
	tasks := task.NewService(st, log)
	orch := orchestration.NewService(st, log)
	agents := agent.NewService(st, log)
	messages := message.NewService(st, log)
	sessions := session.NewService(st, log)
	workspaces := workspace.NewService(st, log)
	templates := template.NewService(st, workflows, log)
	contextLoader := taskctx.NewLoader(st, log)

	router := httpapi.NewRouter(httpapi.Services{
		Workflows:     workflows,
		Tasks:         tasks,
		Orchestration: orch,
		Agents:        agents,
		Messages:      messages,
		Sessions:      sessions,
		Workspaces:    workspaces,
		Templates:     templates,
		Context:       contextLoader,
	}, log)

	hub := gateway.NewHub(provided.Bus, log)
	gateway.NewHandler(hub, log).RegisterRoutes(router)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("HTTP server listening",
			zap.String("addr", server.Addr),
			zap.String("websocket", "/ws"))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		runMaintenance(ctx, cfg, sessions, agents, log)
		return nil
	})

	group.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		hub.Shutdown(shutdownCtx)
		return nil
	})

	if err := group.Wait(); err != nil {
		return err
	}
	log.Info("server stopped")
	return nil
}

// runMaintenance periodically releases workflow locks whose holder session
// stopped heartbeating and takes stale agents offline.
func runMaintenance(ctx context.Context, cfg *config.Config, sessions *session.Service, agents *agent.Service, log *logger.Logger) {
	lockTimeout := cfg.Orchestrator.LockStaleTimeoutDuration()
	agentTimeout := cfg.Orchestrator.AgentStaleTimeoutDuration()

	interval := agentTimeout / 2
	if lockTimeout < agentTimeout {
		interval = lockTimeout / 2
	}
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := sessions.ReleaseStaleWorkflowLocks(ctx, lockTimeout); err != nil {
				log.Error("stale lock sweep failed", zap.Error(err))
			}
			if _, err := agents.ExpireStale(ctx, agentTimeout); err != nil {
				log.Error("stale agent sweep failed", zap.Error(err))
			}
		}
	}
}
