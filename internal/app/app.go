// Package app assembles the orchestrator from a workspace and its config:
// ledger database, event bus, generator, conflict detector, engine and
// dispatcher.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"

	"warroom/internal/bus"
	"warroom/internal/config"
	"warroom/internal/conflict"
	"warroom/internal/db"
	"warroom/internal/domain"
	"warroom/internal/engine"
	"warroom/internal/generator"
	"warroom/internal/ledger"
	"warroom/internal/logging"
	"warroom/internal/migrate"
	"warroom/internal/prompts"
)

type Options struct {
	Workspace string
	// DBPath overrides the database location inside the workspace.
	DBPath string
	Config *config.Config
	// LogOutput receives log lines; stderr when nil.
	LogOutput io.Writer
	// Generator replaces the configured provider when set.
	Generator generator.Generator
}

// Env is an opened workspace ready to run cases.
type Env struct {
	Config     *config.Config
	DB         *sql.DB
	Ledger     ledger.Ledger
	Bus        *bus.Bus
	Engine     engine.Engine
	Dispatcher *engine.Dispatcher
	Logger     *logging.Logger
}

// Open migrates the workspace database and wires the engine. The returned
// dispatcher runs on ctx's values but not its cancellation; call Close.
func Open(ctx context.Context, opts Options) (*Env, error) {
	cfg := opts.Config
	if cfg == nil {
		var err error
		cfg, err = config.LoadOptional(opts.Workspace)
		if err != nil {
			return nil, err
		}
	}
	logger, err := logging.New(opts.LogOutput, cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, err
	}

	gen := opts.Generator
	if gen == nil {
		gen, err = generator.New(GeneratorSettings(cfg))
		if err != nil {
			return nil, fmt.Errorf("generator: %w", err)
		}
	}
	policy := RetryPolicy(cfg)
	detector, err := conflict.New(cfg.Conflicts.Mode, gen, policy)
	if err != nil {
		return nil, err
	}

	conn, err := db.Open(db.Config{Workspace: opts.Workspace, Path: opts.DBPath})
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}

	l := ledger.New(conn)
	var dispatcher *engine.Dispatcher
	b := bus.New(l, logger.With("component", "bus"), bus.WithSettled(func(ctx context.Context, caseID string) (bool, error) {
		return dispatcher.Settled(ctx, caseID)
	}))
	rounds := cfg.Deliberation.Rounds
	eng := engine.Engine{
		Ledger:    l,
		Bus:       b,
		Generator: gen,
		Retry:     policy,
		Detector:  detector,
		Prompts:   Prompts(cfg),
		Rounds:    &rounds,
		Logger:    logger.With("component", "engine"),
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = db.Path(opts.Workspace)
	}
	dispatcher = engine.NewDispatcher(ctx, eng)
	logger.Debug("workspace opened", "db", dbPath, "provider", cfg.Generation.Provider, "conflicts", cfg.Conflicts.Mode)
	return &Env{
		Config:     cfg,
		DB:         conn,
		Ledger:     l,
		Bus:        b,
		Engine:     eng,
		Dispatcher: dispatcher,
		Logger:     logger,
	}, nil
}

// Close interrupts running workflows, records them as failed and closes the
// database.
func (e *Env) Close() error {
	if e == nil {
		return nil
	}
	e.Dispatcher.Close()
	return e.DB.Close()
}

func GeneratorSettings(cfg *config.Config) generator.Settings {
	g := cfg.Generation
	return generator.Settings{
		Provider:    g.Provider,
		Model:       g.Model,
		BaseURL:     g.BaseURL,
		APIKeyEnv:   g.APIKeyEnv,
		MaxTokens:   g.MaxTokens,
		Temperature: g.Temperature,
	}
}

func RetryPolicy(cfg *config.Config) generator.RetryPolicy {
	r := cfg.Retry
	return generator.RetryPolicy{
		MaxAttempts:    r.MaxAttempts,
		InitialBackoff: r.InitialBackoff,
		MaxBackoff:     r.MaxBackoff,
		Multiplier:     r.Multiplier,
		CallTimeout:    r.CallTimeout,
	}
}

// Prompts applies the configured system prompt overrides.
func Prompts(cfg *config.Config) prompts.Set {
	set := prompts.Defaults()
	for name, role := range cfg.Roles {
		if text := strings.TrimSpace(role.SystemPrompt); text != "" {
			set.System[domain.Role(name)] = text
		}
	}
	return set
}

// DisplayName is the configured label of a role, or its identifier.
func DisplayName(cfg *config.Config, role domain.Role) string {
	if cfg != nil {
		if name := strings.TrimSpace(cfg.Roles[string(role)].DisplayName); name != "" {
			return name
		}
	}
	return string(role)
}
