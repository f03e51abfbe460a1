// Package app assembles the fleetauth services from a Config. The API
// server and the admin CLI share the same graph.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"fleetauth/pkg/bus"
	"fleetauth/pkg/config"
	"fleetauth/pkg/db"
	"fleetauth/pkg/envelope"
	"fleetauth/pkg/s3"
	"fleetauth/services/audit"
	"fleetauth/services/authsync"
	"fleetauth/services/hosts"
	"fleetauth/services/installtokens"
	"fleetauth/services/ledger"
	"fleetauth/services/ratelimit"
	"fleetauth/services/secretmigrate"
	"fleetauth/services/settings"
	"fleetauth/services/statusexport"
	"fleetauth/services/trustgate"
)

// App holds every constructed service.
type App struct {
	Config config.Config
	Logger zerolog.Logger

	Pool   *pgxpool.Pool
	ORM    *gorm.DB
	Cipher *envelope.Cipher
	Bus    *bus.Bus

	Ledger    *ledger.Store
	HostStore *hosts.GormStore
	Hosts     *hosts.Manager
	Gate      *trustgate.Verifier
	Settings  *settings.Store
	Checker   *settings.Checker
	Sync      *authsync.Service
	Limiter   *ratelimit.Limiter
	Tokens    *installtokens.Service
	Migrator  *secretmigrate.Migrator
	Status    *statusexport.Exporter
	Audit     *audit.Ingestor
}

// Options tune Build.
type Options struct {
	// Migrate applies schema migrations before anything else touches the
	// database.
	Migrate bool
}

// Build opens the database, the optional bus and object storage, and wires
// the services. Close releases what Build opened.
func Build(ctx context.Context, cfg config.Config, logger zerolog.Logger, opts Options) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	cipher, err := cfg.Cipher()
	if err != nil {
		return nil, fmt.Errorf("load encryption key: %w", err)
	}
	a.Cipher = cipher

	pool, err := db.Open(ctx, cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	a.Pool = pool

	if opts.Migrate {
		if err := db.Migrate(ctx, pool); err != nil {
			a.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
	}

	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context) error {
	cfg := a.Config
	var err error

	if a.ORM, err = db.OpenORM(a.Pool); err != nil {
		return fmt.Errorf("open orm: %w", err)
	}

	var publisher bus.Publisher = bus.Nop{}
	if cfg.NATSURL != "" {
		if a.Bus, err = bus.New(cfg.NATSURL); err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		if err := a.Bus.EnsureStream(); err != nil {
			return fmt.Errorf("ensure stream: %w", err)
		}
		publisher = a.Bus
	}

	if a.Ledger, err = ledger.New(a.ORM, a.Cipher); err != nil {
		return err
	}
	if a.HostStore, err = hosts.NewGormStore(a.ORM); err != nil {
		return err
	}
	if a.Settings, err = settings.New(a.ORM); err != nil {
		return err
	}

	statusCfg := statusexport.Config{
		OutputDir: cfg.StatusOutputDir,
		Bucket:    cfg.StatusBucket,
		Logger:    a.Logger,
	}
	if cfg.StatusSigningKey != "" {
		if statusCfg.Signer, err = statusexport.NewSigner(cfg.StatusSigningKey); err != nil {
			return fmt.Errorf("status signing key: %w", err)
		}
	}
	if cfg.StatusBucket != "" {
		client, err := s3.New(ctx, cfg.S3)
		if err != nil {
			return fmt.Errorf("s3 client: %w", err)
		}
		statusCfg.Uploader = client
	}
	if a.Status, err = statusexport.New(a.HostStore, a.Ledger, statusCfg); err != nil {
		return err
	}

	if a.Hosts, err = hosts.NewManager(a.HostStore, a.Cipher, hosts.Config{
		LeaseDuration:    cfg.HostLeaseDuration,
		ProvisionalTTL:   cfg.HostProvisionalTTL,
		InactivityWindow: cfg.HostInactivityWindow,
		GracePeriod:      cfg.InsecureGracePeriod,
		Bus:              publisher,
		Status:           a.Status,
		Logger:           a.Logger,
	}); err != nil {
		return err
	}

	a.Gate = trustgate.New(trustgate.Config{
		URL:     cfg.RunnerURL,
		Timeout: cfg.RunnerTimeout,
		Logger:  a.Logger,
	})

	if a.Sync, err = authsync.New(authsync.Config{
		Ledger:   a.Ledger,
		Gate:     a.Gate,
		Settings: a.Settings,
		Bus:      publisher,
		Logger:   a.Logger,
	}); err != nil {
		return err
	}

	if a.Limiter, err = ratelimit.New(ratelimit.NewPostgres(a.Pool), a.Logger); err != nil {
		return err
	}
	if a.Tokens, err = installtokens.New(a.ORM, a.Cipher, a.Hosts); err != nil {
		return err
	}
	if a.Migrator, err = secretmigrate.New(a.ORM, a.Cipher, a.Logger); err != nil {
		return err
	}
	if cfg.ClientVersionFeedURL != "" {
		a.Checker = settings.NewChecker(a.Settings, cfg.ClientVersionFeedURL, nil, a.Logger)
	}
	if a.Bus != nil {
		if a.Audit, err = audit.NewIngestor(a.ORM, a.Bus, a.Logger); err != nil {
			return err
		}
	}
	return nil
}

// Ready pings the database.
func (a *App) Ready(ctx context.Context) error {
	if a.Pool == nil {
		return errors.New("database not connected")
	}
	return db.Ping(ctx, a.Pool)
}

// RunWorkers starts the background loops and blocks until ctx is done.
func (a *App) RunWorkers(ctx context.Context) {
	cfg := a.Config
	done := make(chan struct{})
	workers := 0
	start := func(fn func()) {
		workers++
		go func() {
			defer func() { done <- struct{}{} }()
			fn()
		}()
	}

	start(func() { a.Hosts.RunPruner(ctx, cfg.PruneInterval) })
	start(func() { a.Limiter.RunSweeper(ctx, cfg.RateLimitSweepInterval) })
	start(func() { a.purgeTokens(ctx, time.Hour) })
	if a.Checker != nil {
		start(func() { a.Checker.Run(ctx, cfg.ClientVersionCheckInterval) })
	}
	if a.Audit != nil {
		if err := a.Audit.Start(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("start audit ingestor")
		}
	}

	for i := 0; i < workers; i++ {
		<-done
	}
	if a.Audit != nil {
		_ = a.Audit.Close()
	}
}

func (a *App) purgeTokens(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.Tokens.Purge(ctx, time.Now().UTC().Add(-24*time.Hour))
			if err != nil {
				a.Logger.Warn().Err(err).Msg("purge install tokens")
				continue
			}
			if n > 0 {
				a.Logger.Debug().Int64("deleted", n).Msg("purged install tokens")
			}
		}
	}
}

// Close releases the bus and database.
func (a *App) Close() {
	if a.Bus != nil {
		a.Bus.Close()
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}
