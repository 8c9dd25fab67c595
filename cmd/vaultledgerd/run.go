package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredislib "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	amqp "github.com/rabbitmq/amqp091-go"

	vaultledger "github.com/coralledger/vault-ledger"
	"github.com/coralledger/vault-ledger/audit"
	"github.com/coralledger/vault-ledger/config"
	"github.com/coralledger/vault-ledger/idempotency"
	"github.com/coralledger/vault-ledger/lease"
	"github.com/coralledger/vault-ledger/ledger"
	"github.com/coralledger/vault-ledger/log"
	"github.com/coralledger/vault-ledger/postgres"
	"github.com/coralledger/vault-ledger/ratelimit"
	"github.com/coralledger/vault-ledger/reconcile"
	"github.com/coralledger/vault-ledger/txdep"
	"github.com/coralledger/vault-ledger/vault"
	"github.com/coralledger/vault-ledger/webhook"
)

func newRunCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the ledger daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			return runDaemon(cmd.Context(), cfg)
		},
	}
}

// stores bundles the persistence layer behind the service, either in-memory
// or PostgreSQL-backed depending on configuration.
type stores struct {
	vaults    vault.Store
	txs       ledger.TransactionStore
	leases    lease.Store
	idem      idempotency.Store
	buckets   ratelimit.Store
	hooks     webhook.Repository
	audits    audit.Store
	snapshots reconcile.SnapshotStore

	close func() error
}

func buildStores(ctx context.Context, cfg config.Config, logger log.Logger) (*stores, error) {
	if !cfg.Postgres.Enabled() {
		logger.Log(ctx, log.LevelWarn, "no postgres DSN configured, using volatile in-memory stores")

		return &stores{
			vaults:    vault.NewMemoryStore(),
			txs:       ledger.NewMemoryTransactionStore(),
			leases:    lease.NewMemoryStore(),
			idem:      idempotency.NewMemoryStore(),
			buckets:   ratelimit.NewMemoryStore(),
			hooks:     webhook.NewMemoryRepository(),
			audits:    audit.NewMemoryStore(),
			snapshots: reconcile.NewMemorySnapshotStore(),
			close:     func() error { return nil },
		}, nil
	}

	conn := &postgres.Connection{
		ConnectionStringPrimary: cfg.Postgres.PrimaryDSN,
		ConnectionStringReplica: cfg.Postgres.ReplicaDSN,
		MigrationsPath:          cfg.Postgres.MigrationsPath,
		MaxOpenConnections:      cfg.Postgres.MaxOpenConnections,
		MaxIdleConnections:      cfg.Postgres.MaxIdleConnections,
		Logger:                  logger,
	}

	if err := conn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	vaults, err := postgres.NewVaultRepository(conn)
	if err != nil {
		return nil, err
	}

	txs, err := postgres.NewTransactionRepository(conn)
	if err != nil {
		return nil, err
	}

	leases, err := postgres.NewLeaseRepository(conn)
	if err != nil {
		return nil, err
	}

	idem, err := postgres.NewIdempotencyRepository(conn)
	if err != nil {
		return nil, err
	}

	buckets, err := postgres.NewRateLimitRepository(conn)
	if err != nil {
		return nil, err
	}

	hooks, err := postgres.NewWebhookRepository(conn)
	if err != nil {
		return nil, err
	}

	audits, err := postgres.NewAuditRepository(conn)
	if err != nil {
		return nil, err
	}

	snapshots, err := postgres.NewSnapshotRepository(conn)
	if err != nil {
		return nil, err
	}

	return &stores{
		vaults:    vaults,
		txs:       txs,
		leases:    leases,
		idem:      idem,
		buckets:   buckets,
		hooks:     hooks,
		audits:    audits,
		snapshots: snapshots,
		close:     conn.Close,
	}, nil
}

func runDaemon(ctx context.Context, cfg config.Config) error {
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}

	logger, err := log.NewZapLogger(level)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}

	st, err := buildStores(ctx, cfg, logger)
	if err != nil {
		return err
	}

	defer func() {
		if err := st.close(); err != nil {
			logger.Log(ctx, log.LevelError, "closing stores", log.Err(err))
		}
	}()

	var redisClient goredislib.UniversalClient

	if cfg.Redis.Enabled() {
		redisClient = goredislib.NewClient(&goredislib.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})

		defer redisClient.Close()

		st.buckets, err = ratelimit.NewRedisStore(redisClient, 0)
		if err != nil {
			return fmt.Errorf("build redis rate-limit store: %w", err)
		}
	}

	var locker lease.Locker

	if redisClient != nil {
		locker, err = lease.NewRedisManager(redisClient, st.leases, cfg.Lease.TTL.Std(), logger)
	} else {
		locker, err = lease.NewManager(st.leases, cfg.Lease.TTL.Std(), logger)
	}

	if err != nil {
		return fmt.Errorf("build lock manager: %w", err)
	}

	var depStore txdep.Store

	if cfg.Neo4j.Enabled() {
		graph, err := txdep.NewNeo4jStore(ctx, txdep.Neo4jOptions{
			URI:      cfg.Neo4j.URI,
			Username: cfg.Neo4j.Username,
			Password: cfg.Neo4j.Password,
		})
		if err != nil {
			return fmt.Errorf("build graph dependency store: %w", err)
		}

		defer func() {
			if err := graph.Close(context.Background()); err != nil {
				logger.Log(ctx, log.LevelError, "closing graph store", log.Err(err))
			}
		}()

		depStore = graph
	} else {
		depStore = txdep.NewMemoryStore()
	}

	var publisher webhook.EventPublisher

	if cfg.RabbitMQ.Enabled() {
		amqpConn, err := amqp.Dial(cfg.RabbitMQ.URL)
		if err != nil {
			return fmt.Errorf("dial rabbitmq: %w", err)
		}

		defer amqpConn.Close()

		channel, err := amqpConn.Channel()
		if err != nil {
			return fmt.Errorf("open rabbitmq channel: %w", err)
		}

		publisher, err = webhook.NewAMQPPublisher(channel, webhook.WithExchange(cfg.RabbitMQ.Exchange))
		if err != nil {
			return fmt.Errorf("build event publisher: %w", err)
		}
	}

	admitter, err := idempotency.NewAdmitter(st.idem)
	if err != nil {
		return err
	}

	limiter, err := ratelimit.NewLimiter(st.buckets, ratelimit.Limits{
		MaxTokens:  cfg.RateLimit.MaxTokens,
		RefillRate: cfg.RateLimit.RefillRate,
	})
	if err != nil {
		return err
	}

	resolver, err := txdep.NewResolver(depStore)
	if err != nil {
		return err
	}

	recorder, err := audit.NewRecorder(st.audits)
	if err != nil {
		return err
	}

	dispatcher, err := webhook.NewDispatcher(st.hooks, webhook.NewHTTPSender(nil), logger,
		webhook.WithConfig(webhook.DispatcherConfig{
			DispatchInterval: cfg.Webhook.DispatchInterval.Std(),
			BatchSize:        cfg.Webhook.BatchSize,
			MaxRetries:       cfg.Webhook.MaxRetries,
			RetryDelay:       cfg.Webhook.RetryDelay.Std(),
		}))
	if err != nil {
		return fmt.Errorf("build dispatcher: %w", err)
	}

	service, err := ledger.NewService(ledger.Deps{
		Vaults:       st.vaults,
		Transactions: st.txs,
		Locker:       locker,
		Admitter:     admitter,
		Limiter:      limiter,
		Resolver:     resolver,
		Recorder:     recorder,
		Dispatcher:   dispatcher,
		WebhookRepo:  st.hooks,
		Snapshots:    st.snapshots,
		Publisher:    publisher,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("build ledger service: %w", err)
	}

	sweeper, err := lease.NewSweeper(st.leases, cfg.Lease.SweepInterval.Std(), logger)
	if err != nil {
		return fmt.Errorf("build lease sweeper: %w", err)
	}

	opts := []vaultledger.LauncherOption{
		vaultledger.WithLogger(logger),
		vaultledger.RunApp("webhook-dispatcher", dispatcher),
		vaultledger.RunApp("lease-sweeper", sweeper),
	}

	stopFns := []func(){dispatcher.Stop, sweeper.Stop}

	if cfg.Reconcile.Enabled() {
		reader, err := reconcile.NewHTTPReader(cfg.Reconcile.AuthorityURL, nil)
		if err != nil {
			return fmt.Errorf("build authority reader: %w", err)
		}

		reconciler, err := reconcile.NewReconciler(st.vaults, reader, st.snapshots, logger,
			reconcile.WithInterval(cfg.Reconcile.Interval.Std()),
			reconcile.WithAuditStore(st.audits),
			reconcile.WithAlertFunc(service.ReconciliationAlertFunc()),
		)
		if err != nil {
			return fmt.Errorf("build reconciler: %w", err)
		}

		opts = append(opts, vaultledger.RunApp("reconciler", reconciler))
		stopFns = append(stopFns, reconciler.Stop)
	} else {
		logger.Log(ctx, log.LevelWarn, "no authority URL configured, reconciliation disabled")
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-signals
		logger.Log(ctx, log.LevelInfo, "shutting down", log.String("signal", sig.String()))

		for _, stop := range stopFns {
			stop()
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := dispatcher.Shutdown(shutdownCtx); err != nil {
			logger.Log(ctx, log.LevelError, "dispatcher shutdown", log.Err(err))
		}
	}()

	logger.Log(ctx, log.LevelInfo, "vaultledgerd starting",
		log.String("log_level", cfg.LogLevel),
		log.Bool("postgres", cfg.Postgres.Enabled()),
		log.Bool("redis", cfg.Redis.Enabled()),
		log.Bool("rabbitmq", cfg.RabbitMQ.Enabled()),
		log.Bool("neo4j", cfg.Neo4j.Enabled()),
		log.Bool("reconcile", cfg.Reconcile.Enabled()),
	)

	return vaultledger.NewLauncher(opts...).Run()
}
