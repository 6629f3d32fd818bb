package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/appointment-scheduler/internal/artifacts"
	"github.com/example/appointment-scheduler/internal/checkpoint"
	"github.com/example/appointment-scheduler/internal/config"
	"github.com/example/appointment-scheduler/internal/crypto"
	"github.com/example/appointment-scheduler/internal/db"
	"github.com/example/appointment-scheduler/internal/emodal"
	"github.com/example/appointment-scheduler/internal/jobs"
	"github.com/example/appointment-scheduler/internal/logging"
	"github.com/example/appointment-scheduler/internal/migrate"
	"github.com/example/appointment-scheduler/internal/query"
	"github.com/example/appointment-scheduler/internal/resolve"
	"github.com/example/appointment-scheduler/internal/retry"
	"github.com/example/appointment-scheduler/internal/session"
	"github.com/example/appointment-scheduler/internal/tenants"
)

const checkpointTTL = 7 * 24 * time.Hour

// app holds the wiring shared by the server and the one-shot commands.
type app struct {
	cfg    config.Config
	logger zerolog.Logger
	db     *db.DB
	rdb    *redis.Client

	tenants  *tenants.Repo
	jobs     *jobs.Repo
	remote   *emodal.Client
	sessions *session.Manager
	store    *artifacts.Store
	orch     *query.Orchestrator
}

func openApp(ctx context.Context, migrateUp bool) (*app, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, err
	}
	logger := logging.New(cfg)

	d, err := db.Open(ctx, cfg.DatabaseURL, db.Options{SlowQuery: time.Second, Logger: logger})
	if err != nil {
		return nil, err
	}
	if err := d.Ping(ctx); err != nil {
		d.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, db: d}

	if migrateUp {
		applied, err := migrate.Up(ctx, d, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		if len(applied) > 0 {
			logger.Info().Strs("versions", applied).Msg("migrations applied")
		}
	}

	aead, err := crypto.New(cfg.CredKey)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.tenants = tenants.NewRepo(d, aead)
	a.jobs = jobs.NewRepo(d)

	a.remote = emodal.New(cfg.EmodalURL, emodal.Options{
		CallTimeout: cfg.CallTimeout,
		BulkTimeout: cfg.BulkTimeout,
		Logger:      logger,
	})
	a.sessions = session.NewManager(a.remote, a.tenants, logger)

	mirror, err := artifacts.NewS3Mirror(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store = artifacts.New(cfg.StoragePath, mirror, logger)

	opener := checkpoint.FileOpener()
	if cfg.CheckpointBackend == "redis" {
		a.rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		opener = checkpoint.RedisOpener(a.rdb, checkpointTTL)
	}

	tables, err := resolve.Load(cfg.ResolutionFile)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.orch = &query.Orchestrator{
		Remote:      a.remote,
		Sessions:    a.sessions,
		Jobs:        a.jobs,
		Store:       a.store,
		Checkpoints: opener,
		Tables:      tables,
		Retry:       retry.Transient(cfg.RetryMaxAttempts, cfg.RetryBackoff),
		SaveEvery:   cfg.SaveEvery,
		TruckPlate:  cfg.TruckPlate,
		OwnChassis:  cfg.OwnChassis,
		Logger:      logger,
	}
	return a, nil
}

func (a *app) Close() {
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	a.db.Close()
}
