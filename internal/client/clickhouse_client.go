package client

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"identity-service/internal/config"
	"identity-service/internal/util"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ClickhouseClient stores security events for analytics queries.
type ClickhouseClient struct {
	conn   driver.Conn
	config *config.Config
}

func NewClickhouseClient(cfg *config.Config) (*ClickhouseClient, error) {
	u, err := url.Parse(cfg.Clickhouse.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid clickhouse URL: %w", err)
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{u.Host},
		Auth: clickhouse.Auth{
			Database: cfg.Clickhouse.Database,
			Username: cfg.Clickhouse.Username,
			Password: cfg.Clickhouse.Password,
		},
		DialTimeout:     5 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open clickhouse connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}

	util.Info("Connected to ClickHouse",
		util.String("addr", u.Host),
		util.String("database", cfg.Clickhouse.Database))

	return &ClickhouseClient{conn: conn, config: cfg}, nil
}

// Conn exposes the native connection for batch inserts.
func (c *ClickhouseClient) Conn() driver.Conn {
	return c.conn
}

func (c *ClickhouseClient) HealthCheck(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *ClickhouseClient) Close() error {
	util.Info("Closing ClickHouse connection")
	return c.conn.Close()
}
