// Package storage persists SIEM events in ClickHouse: batched inserts
// on the hot path, quarantine for events that fail validation, and
// read queries for baseline seeding.
package storage

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	siemerrors "sentinel-siem/internal/errors"
)

// ClickHouseConfig holds the configuration for ClickHouse connection.
type ClickHouseConfig struct {
	Hosts           []string      `yaml:"hosts"`
	Database        string        `yaml:"database"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	TLSEnabled      bool          `yaml:"tls_enabled"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
}

// DefaultClickHouseConfig returns the default ClickHouse configuration.
func DefaultClickHouseConfig() ClickHouseConfig {
	return ClickHouseConfig{
		Hosts:           []string{"localhost:9000"},
		Database:        "siem",
		Username:        "default",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		DialTimeout:     10 * time.Second,
	}
}

// Validate checks the configuration for values the driver would reject.
func (c ClickHouseConfig) Validate() error {
	if len(c.Hosts) == 0 {
		return siemerrors.InvalidInputf("clickhouse: at least one host is required")
	}
	if c.Database == "" {
		return siemerrors.InvalidInputf("clickhouse: database is required")
	}
	return nil
}

// ClickHouseClient wraps a native ClickHouse connection. Event writes
// go through PrepareBatch; Exec and Query serve migrations, retention
// DDL, and read paths.
type ClickHouseClient struct {
	conn   driver.Conn
	config ClickHouseConfig
}

// NewClickHouseClient opens a connection and verifies it with a ping.
func NewClickHouseClient(cfg ClickHouseConfig) (*ClickHouseClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := &clickhouse.Options{
		Addr: cfg.Hosts,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionZSTD,
		},
		DialTimeout:     cfg.DialTimeout,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}
	if cfg.TLSEnabled {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, Unreachablef("Open", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, Unreachablef("Ping", err)
	}

	return &ClickHouseClient{conn: conn, config: cfg}, nil
}

// Exec runs a statement that returns no rows.
func (c *ClickHouseClient) Exec(ctx context.Context, query string, args ...any) error {
	return c.conn.Exec(ctx, query, args...)
}

// Query runs a statement and returns its rows.
func (c *ClickHouseClient) Query(ctx context.Context, query string, args ...any) (driver.Rows, error) {
	return c.conn.Query(ctx, query, args...)
}

// PrepareBatch starts a batch insert for the given INSERT statement.
func (c *ClickHouseClient) PrepareBatch(ctx context.Context, query string) (driver.Batch, error) {
	return c.conn.PrepareBatch(ctx, query)
}

// Close closes the connection.
func (c *ClickHouseClient) Close() error {
	return c.conn.Close()
}
