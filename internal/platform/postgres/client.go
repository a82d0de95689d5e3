package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/hanko-field/orders/internal/platform/config"
)

const defaultConnectTimeout = 10 * time.Second

//go:embed migrations/*.sql
var migrations embed.FS

// Client owns the shared PostgreSQL connection pool.
type Client struct {
	pool *pgxpool.Pool
}

// NewClient connects to PostgreSQL, verifies the connection, and applies migrations when enabled.
func NewClient(ctx context.Context, cfg config.PostgresConfig) (*Client, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres: dsn is required")
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	client := &Client{pool: pool}
	if cfg.RunMigrations {
		if err := client.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return client, nil
}

// Pool returns the underlying connection pool.
func (c *Client) Pool() *pgxpool.Pool {
	return c.pool
}

// Migrate applies the embedded schema migrations.
func (c *Client) Migrate(ctx context.Context) error {
	if c == nil || c.pool == nil {
		return errors.New("postgres: client not initialised")
	}
	db := stdlib.OpenDBFromPool(c.pool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, mustSub(migrations, "migrations"))
	if err != nil {
		return fmt.Errorf("postgres: migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil && !errors.Is(err, goose.ErrNoNextVersion) {
		return fmt.Errorf("postgres: apply migrations: %w", err)
	}
	return nil
}

// Close releases all pooled connections.
func (c *Client) Close() {
	if c != nil && c.pool != nil {
		c.pool.Close()
	}
}
