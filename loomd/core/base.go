package core

import (
	"context"
	"database/sql"
	"log/slog"
	"os"

	"github.com/loomworks/loom/internals/conf"
	"github.com/loomworks/loom/internals/engine"
	"github.com/loomworks/loom/internals/env"
	"github.com/loomworks/loom/internals/events"
	"github.com/loomworks/loom/internals/registry"
	"github.com/loomworks/loom/internals/taskgraph"
)

// Base holds the shared daemon state: config, storage, the event bus and the
// engine registry. Every transport surface gets wired through it.
type Base struct {
	Config  *conf.Config
	Env     *env.EnvStruct
	Logger  *slog.Logger
	LogFile *os.File
	DB      *sql.DB

	Store    *Store
	Memory   *MemoryStore
	Bus      *events.Bus
	Registry *registry.Registry
	Catalog  *taskgraph.Catalog

	// Recovered lists the sessions whose last run was interrupted; they are
	// demoted at startup and wait for an explicit resume request.
	Recovered []engine.Snapshot
}

func NewBase(ctx context.Context) (*Base, error) {
	environment := env.Get()

	config, err := conf.Load(environment.DATA_DIR)
	if err != nil {
		return nil, err
	}

	logger, logFile := InitLogger(config)

	db, err := InitDB(config.Server.DataDir)
	if err != nil {
		logFile.Close()
		return nil, err
	}

	store := NewStore(db)
	reg := registry.New(store, logger, config.SweepInterval())
	reg.Start()

	recovered, err := reg.RecoverSnapshots(ctx)
	if err != nil {
		logger.Error("snapshot recovery failed", slog.String("error", err.Error()))
	}

	return &Base{
		Config:    config,
		Env:       environment,
		Logger:    logger,
		LogFile:   logFile,
		DB:        db,
		Store:     store,
		Memory:    NewMemoryStore(db),
		Bus:       events.NewBus(events.DefaultCapacity),
		Registry:  reg,
		Catalog:   taskgraph.Default(),
		Recovered: recovered,
	}, nil
}

func (b *Base) Close() {
	b.Registry.Shutdown()
	if b.DB != nil {
		b.DB.Close()
	}
	if b.LogFile != nil {
		b.LogFile.Close()
	}
}
