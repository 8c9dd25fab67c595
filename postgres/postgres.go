// Package postgres backs the store contracts with a durable relational
// database. A Connection hub owns the primary/replica resolver and runs
// schema migrations on connect; one repository type per store contract
// lives alongside it.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bxcodec/dbresolver/v2"
	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migration source
	_ "github.com/jackc/pgx/v5/stdlib"                   // pgx database/sql driver

	"github.com/coralledger/vault-ledger/log"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

var (
	// ErrNotConnected is returned when a repository is used before Connect.
	ErrNotConnected = errors.New("postgres connection is not established")
	// ErrNilConnection is returned when a repository is constructed without a connection.
	ErrNilConnection = errors.New("postgres connection is nil")

	credentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
	passwordPattern    = regexp.MustCompile(`(?i)(password=)([^\s&]+)`)
)

// txContextKey carries an open mutation transaction through the context so
// writes issued from inside a vault.MutationHook join the mutation's atomic
// unit instead of committing on their own.
type txContextKey struct{}

func contextWithTx(ctx context.Context, tx dbresolver.Tx) context.Context {
	return context.WithValue(ctx, txContextKey{}, tx)
}

func txFromContext(ctx context.Context) (dbresolver.Tx, bool) {
	tx, ok := ctx.Value(txContextKey{}).(dbresolver.Tx)

	return tx, ok
}

// Connection is the hub holding the primary/replica resolver. Zero-value
// fields fall back to defaults on Connect.
type Connection struct {
	ConnectionStringPrimary string
	ConnectionStringReplica string
	MigrationsPath          string
	Logger                  log.Logger
	MaxOpenConnections      int
	MaxIdleConnections      int

	mu        sync.RWMutex
	resolver  dbresolver.DB
	connected bool
}

func (c *Connection) initDefaults() {
	if c.Logger == nil {
		c.Logger = &log.NopLogger{}
	}

	if c.MaxOpenConnections <= 0 {
		c.MaxOpenConnections = defaultMaxOpenConns
	}

	if c.MaxIdleConnections <= 0 {
		c.MaxIdleConnections = defaultMaxIdleConns
	}

	if c.ConnectionStringReplica == "" {
		c.ConnectionStringReplica = c.ConnectionStringPrimary
	}
}

// Connect opens the primary and replica pools, runs migrations against the
// primary, and keeps the resolver as a singleton.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connectLocked(ctx)
}

func (c *Connection) connectLocked(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	c.initDefaults()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before database connection: %w", err)
	}

	c.Logger.Log(ctx, log.LevelInfo, "connecting to primary and replica databases")

	primary, err := sql.Open("pgx", c.ConnectionStringPrimary)
	if err != nil {
		return fmt.Errorf("open primary database: %s", sanitizeSensitiveError(err))
	}

	var success bool

	defer func() {
		if !success {
			_ = primary.Close()
		}
	}()

	tunePool(primary, c.MaxOpenConnections, c.MaxIdleConnections)

	replica, err := sql.Open("pgx", c.ConnectionStringReplica)
	if err != nil {
		return fmt.Errorf("open replica database: %s", sanitizeSensitiveError(err))
	}

	defer func() {
		if !success {
			_ = replica.Close()
		}
	}()

	tunePool(replica, c.MaxOpenConnections, c.MaxIdleConnections)

	resolver := dbresolver.New(
		dbresolver.WithPrimaryDBs(primary),
		dbresolver.WithReplicaDBs(replica),
		dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB),
	)

	if c.MigrationsPath != "" {
		if err := c.runMigrations(ctx, primary); err != nil {
			return err
		}
	}

	if err := resolver.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	c.resolver = resolver
	c.connected = true

	c.Logger.Log(ctx, log.LevelInfo, "connected to postgres")

	success = true

	return nil
}

// DB returns the resolver, connecting lazily on first use.
func (c *Connection) DB(ctx context.Context) (dbresolver.DB, error) {
	c.mu.RLock()

	if c.resolver != nil {
		db := c.resolver
		c.mu.RUnlock()

		return db, nil
	}

	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.resolver != nil {
		return c.resolver, nil
	}

	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}

	return c.resolver, nil
}

// Close releases the connection pools.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.resolver == nil {
		return nil
	}

	err := c.resolver.Close()
	c.resolver = nil
	c.connected = false

	return err
}

// IsConnected reports whether the resolver is initialized.
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.connected
}

func (c *Connection) runMigrations(ctx context.Context, primary *sql.DB) error {
	path, err := sanitizePath(c.MigrationsPath)
	if err != nil {
		return err
	}

	driver, err := migratepg.WithInstance(primary, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithDatabaseInstance("file://"+path, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}

	c.Logger.Log(ctx, log.LevelInfo, "migrations applied", log.String("path", path))

	return nil
}

func tunePool(db *sql.DB, maxOpen, maxIdle int) {
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)
}

// isDuplicateKey reports whether the driver error is a unique constraint
// violation. Matching on the error text keeps the repositories off
// driver-specific error types.
func isDuplicateKey(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate key")
}

// sanitizeSensitiveError strips credentials from driver error text before
// it reaches logs.
func sanitizeSensitiveError(err error) string {
	if err == nil {
		return ""
	}

	sanitized := credentialsPattern.ReplaceAllString(err.Error(), "://***@")
	sanitized = passwordPattern.ReplaceAllString(sanitized, "${1}***")

	return sanitized
}

func sanitizePath(path string) (string, error) {
	cleaned := filepath.Clean(path)

	for _, part := range strings.Split(cleaned, string(filepath.Separator)) {
		if part == ".." {
			return "", fmt.Errorf("invalid migrations path: %q", path)
		}
	}

	absPath, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve migrations path: %w", err)
	}

	return absPath, nil
}
