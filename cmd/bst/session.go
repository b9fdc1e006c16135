package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/zpdzap/beesto/internal/agent"
	"github.com/zpdzap/beesto/internal/chat"
	"github.com/zpdzap/beesto/internal/config"
	"github.com/zpdzap/beesto/internal/llm"
	"github.com/zpdzap/beesto/internal/logging"
	"github.com/zpdzap/beesto/internal/runtime"
	"github.com/zpdzap/beesto/internal/sandbox"
	"github.com/zpdzap/beesto/internal/store"
	"github.com/zpdzap/beesto/internal/telemetry"
)

const shutdownTimeout = 30 * time.Second

// project is a loaded beesto project with logging set up.
type project struct {
	dir      string
	cfg      *config.Config
	logger   *slog.Logger
	closeLog func() error
}

func loadProject(debug bool) (*project, error) {
	dir, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, fmt.Errorf("not a beesto project (run `bst init` first): %w", err)
	}
	logger, closeLog, err := logging.New(debug, filepath.Join(config.ConfigPath(dir), config.LogDir))
	if err != nil {
		return nil, err
	}
	return &project{dir: dir, cfg: cfg, logger: logger, closeLog: closeLog}, nil
}

func (p *project) stateDir() string {
	return config.ConfigPath(p.dir)
}

// app wires one sandbox session: the Docker runtime behind the sandbox
// manager, the agent executor and the chat orchestrator, with history and
// telemetry attached.
type app struct {
	*project
	id        string
	store     *store.Store
	telemetry telemetry.Service
	sandbox   *sandbox.Manager
	executor  *agent.Executor
	chat      *chat.Orchestrator
}

func openApp(debug bool) (*app, error) {
	p, err := loadProject(debug)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(p.cfg.StorePath(p.dir))
	if err != nil {
		p.closeLog()
		return nil, err
	}

	id := uuid.New().String()[:8]
	logger := p.logger.With("session", id)
	tel := telemetry.New(p.cfg.Telemetry.APIKey, p.cfg.Telemetry.Endpoint)

	sb := sandbox.New(runtime.NewDocker(p.dir, id, p.cfg, logger), sandbox.Options{
		ID:             id,
		InstallCommand: p.cfg.Sandbox.Install,
		DevCommand:     p.cfg.Sandbox.Dev,
		ReadyTimeout:   p.cfg.Sandbox.ReadyTimeout,
		OutputLimit:    p.cfg.Sandbox.OutputLimit,
		IgnoreDirs:     p.cfg.Sandbox.IgnoreDirs(),
		StateDir:       p.stateDir(),
		Logger:         logger,
	})

	client := llm.New(p.cfg.LLM.Endpoint,
		llm.WithModel(p.cfg.LLM.Model),
		llm.WithTemperature(p.cfg.LLM.Temperature),
		llm.WithAPIKey(p.cfg.LLM.APIKey()),
	)

	rec := st.ForSession(id)
	ex := agent.NewExecutor(sb, agent.NewLLMPlanner(client, logger), agent.Options{
		Logger:    logger,
		Recorder:  rec,
		Telemetry: tel,
	})
	o := chat.New(client, ex, chat.Options{
		History:   p.cfg.LLM.History,
		SessionID: id,
		Logger:    logger,
		Recorder:  rec,
		Telemetry: tel,
	})

	tel.Track(id, "session_started", map[string]any{"language": p.cfg.Language})
	return &app{
		project:   p,
		id:        id,
		store:     st,
		telemetry: tel,
		sandbox:   sb,
		executor:  ex,
		chat:      o,
	}, nil
}

// Close tears the session down: the container goes, history and logs are
// flushed.
func (a *app) Close() {
	a.chat.Close()
	a.executor.Close()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.sandbox.Close(ctx); err != nil {
		a.logger.Warn("sandbox close failed", "error", err)
	}

	a.telemetry.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("store close failed", "error", err)
	}
	a.closeLog()
}
