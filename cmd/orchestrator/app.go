package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/jonathan/agent-orchestrator/internal/artifacts"
	"github.com/jonathan/agent-orchestrator/internal/config"
	"github.com/jonathan/agent-orchestrator/internal/db"
	"github.com/jonathan/agent-orchestrator/internal/logging"
	"github.com/jonathan/agent-orchestrator/internal/notify"
	"github.com/jonathan/agent-orchestrator/internal/orchestrator"
	"github.com/jonathan/agent-orchestrator/internal/queue"
	"github.com/jonathan/agent-orchestrator/internal/scheduler"
	"github.com/jonathan/agent-orchestrator/internal/statemachine"
	"github.com/jonathan/agent-orchestrator/internal/worker"
)

// app holds the wired components shared by the commands.
type app struct {
	cfg       *config.Config
	log       zerolog.Logger
	db        *db.DB
	queue     queue.Queue
	bus       *notify.MemBus
	machine   *statemachine.Machine
	orch      *orchestrator.Orchestrator
	artifacts *artifacts.Service
	worker    *worker.Service
	scheduler *scheduler.Scheduler
}

// newApp loads configuration, connects to the database and wires the components.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log := logging.New(logging.Config{Level: cfg.LogLevel, Console: cfg.LogConsole})

	database, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	q := queue.Open(cfg.QueueURL)
	bus := notify.New()
	machine := statemachine.New(database, bus, log)
	orch := orchestrator.New(database, machine, q, bus, log, orchestrator.OptionsFromConfig(cfg))
	arts := artifacts.New(database, artifacts.AllowAll{}, bus, log)

	return &app{
		cfg:       cfg,
		log:       log,
		db:        database,
		queue:     q,
		bus:       bus,
		machine:   machine,
		orch:      orch,
		artifacts: arts,
		worker:    worker.New(database, machine, orch, arts, q, log),
		scheduler: scheduler.New(database, orch, machine, q, bus, log, scheduler.OptionsFromConfig(cfg)),
	}, nil
}

// Close releases the queue and the database pool.
func (a *app) Close() {
	a.queue.Close()
	a.db.Close()
}
