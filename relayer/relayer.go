// Package relayer runs a ledger with the diatomic module, an entry point and
// the safes from config, and serves the ERC-4337 relayer JSON-RPC API on it.
// Every accepted operation is handled right away as a bundle of one.
package relayer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/go-co-op/gocron/v2"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/AvaProtocol/safe4337/core/account"
	"github.com/AvaProtocol/safe4337/core/backup"
	"github.com/AvaProtocol/safe4337/core/chain"
	"github.com/AvaProtocol/safe4337/core/config"
	"github.com/AvaProtocol/safe4337/core/entrypoint"
	"github.com/AvaProtocol/safe4337/core/migrator"
	"github.com/AvaProtocol/safe4337/core/module"
	"github.com/AvaProtocol/safe4337/metrics"
	"github.com/AvaProtocol/safe4337/migrations"
	"github.com/AvaProtocol/safe4337/pkg/logger"
	"github.com/AvaProtocol/safe4337/storage"
	"github.com/AvaProtocol/safe4337/version"
)

type Status string

const (
	initStatus     Status = "init"
	runningStatus  Status = "running"
	shutdownStatus Status = "shutdown"
)

// RunWithConfig starts a relayer from the config file and blocks until SIGINT
// or SIGTERM.
func RunWithConfig(configPath string) error {
	c, err := config.NewConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	db, err := storage.NewWithPath(c.DbPath)
	if err != nil {
		return fmt.Errorf("cannot open storage at %s: %w", c.DbPath, err)
	}
	defer db.Close()

	r, err := New(c, db)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return r.Start(ctx)
}

type Relayer struct {
	config *config.Config
	logger logger.Logger
	db     storage.Storage

	host       *chain.Host
	module     *module.Module
	entryPoint *entrypoint.EntryPoint
	journal    *Journal
	backup     *backup.Service

	registry *prometheus.Registry
	metrics  metrics.MetricsGenerator

	rpc          *rpc.Server
	echo         *echo.Echo
	scheduler    gocron.Scheduler
	replListener net.Listener

	// read by the repl accept loop while Start writes it
	status atomic.Value
}

// New wires the ledger on db. Safes from config are deployed on every start;
// pending ledger migrations, genesis funding included, run once per db.
func New(c *config.Config, db storage.Storage) (*Relayer, error) {
	log := logger.EnsureLogger(c.Logger)

	host, err := chain.NewHost(chain.Config{ChainID: c.ChainID, BaseFee: c.BaseFee, GasPrice: c.GasPrice}, db, log)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	m := metrics.NewRelayerMetrics(registry)

	r := &Relayer{
		config:     c,
		logger:     log,
		db:         db,
		host:       host,
		module:     module.New(c.Module, c.Accountant, log),
		entryPoint: entrypoint.New(entrypoint.Config{Address: c.EntryPoint, Accountant: c.Accountant}, host, log, m),
		journal:    NewJournal(db),
		registry:   registry,
		metrics:    m,
	}
	r.status.Store(initStatus)

	if err := host.Register(c.Module, r.module); err != nil {
		return nil, err
	}
	if err := host.Register(c.EntryPoint, r.entryPoint); err != nil {
		return nil, err
	}
	if err := r.deploySafes(); err != nil {
		return nil, err
	}
	if c.BackupDir != "" {
		r.backup = backup.NewService(log, db, c.BackupDir)
	}
	if err := migrator.NewMigrator(db, r.backup, migrations.Migrations(host, c), log).Run(); err != nil {
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}

	r.rpc = rpc.NewServer()
	if err := r.rpc.RegisterName("eth", &EthAPI{relayer: r}); err != nil {
		return nil, err
	}
	if err := r.rpc.RegisterName("safe4337", &SafeAPI{relayer: r}); err != nil {
		return nil, err
	}
	r.echo = r.newHttpServer()

	return r, nil
}

func (r *Relayer) deploySafes() error {
	for _, sc := range r.config.Safes {
		policy, err := account.NewOwnerThreshold(sc.Owners, sc.Threshold)
		if err != nil {
			return fmt.Errorf("safe %s: %w", sc.Address.Hex(), err)
		}
		safe, err := account.New(account.Config{
			Address:         sc.Address,
			Policy:          policy,
			Modules:         []common.Address{r.config.Module},
			FallbackHandler: r.config.Module,
		}, r.logger)
		if err != nil {
			return err
		}
		if err := r.host.Register(sc.Address, safe); err != nil {
			return err
		}
	}
	return nil
}

// Handler serves the JSON-RPC API, /up and /metrics.
func (r *Relayer) Handler() http.Handler {
	return r.echo
}

func (r *Relayer) Host() *chain.Host {
	return r.host
}

func (r *Relayer) EntryPoint() *entrypoint.EntryPoint {
	return r.entryPoint
}

func (r *Relayer) Journal() *Journal {
	return r.journal
}

func (r *Relayer) Status() Status {
	return r.status.Load().(Status)
}

func (r *Relayer) IsShutdown() bool {
	return r.Status() == shutdownStatus
}

// Start serves on the configured address until ctx is done.
func (r *Relayer) Start(ctx context.Context) error {
	r.logger.Info("starting relayer", "version", version.Get(), "chainId", r.config.ChainID.String(), "entryPoint", r.config.EntryPoint.Hex())

	if err := r.startVacuum(); err != nil {
		return err
	}
	if r.backup != nil && r.config.BackupInterval > 0 {
		if err := r.backup.StartPeriodicBackup(r.config.BackupInterval); err != nil {
			return err
		}
		defer r.backup.StopPeriodicBackup()
	}
	if r.config.SocketPath != "" {
		if err := r.startRepl(); err != nil {
			r.scheduler.Shutdown()
			return err
		}
	}

	errCh := make(chan error, 1)
	go func() {
		r.logger.Info("HTTP server listening", "address", r.config.HttpBindAddress)
		if err := r.echo.Start(r.config.HttpBindAddress); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	r.status.Store(runningStatus)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	r.logger.Info("shutting down relayer")
	r.status.Store(shutdownStatus)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.echo.Shutdown(shutdownCtx); err != nil {
		r.logger.Warn("HTTP server shutdown", "error", err)
	}
	r.rpc.Stop()
	r.stopRepl()
	if r.scheduler != nil {
		if err := r.scheduler.Shutdown(); err != nil {
			r.logger.Warn("scheduler shutdown", "error", err)
		}
	}
	return serveErr
}

// startVacuum schedules badger value log GC.
func (r *Relayer) startVacuum() error {
	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	interval := r.config.VacuumInterval
	if interval <= 0 {
		interval = config.DefaultVacuumInterval
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(r.vacuum),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("schedule vacuum: %w", err)
	}

	scheduler.Start()
	r.scheduler = scheduler
	return nil
}

func (r *Relayer) vacuum() {
	if err := r.db.Vacuum(); err != nil {
		r.logger.Warn("storage vacuum failed", "error", err)
		return
	}
	r.logger.Debug("storage vacuum done")
}
