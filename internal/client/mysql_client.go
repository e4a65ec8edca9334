package client

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"identity-service/internal/config"
	"identity-service/internal/util"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLClient wraps the shared connection pool for the relational store.
type MySQLClient struct {
	db     *sql.DB
	config *config.Config
}

func NewMySQLClient(cfg *config.Config) (*MySQLClient, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true&charset=utf8mb4&loc=UTC",
		cfg.MySQL.User,
		cfg.MySQL.Password,
		cfg.MySQL.Host,
		cfg.MySQL.Port,
		cfg.MySQL.Database,
	)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping mysql: %w", err)
	}

	util.Info("Connected to MySQL",
		util.String("host", cfg.MySQL.Host),
		util.String("database", cfg.MySQL.Database))

	return &MySQLClient{db: db, config: cfg}, nil
}

// DB exposes the underlying pool for repositories.
func (c *MySQLClient) DB() *sql.DB {
	return c.db
}

func (c *MySQLClient) HealthCheck(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *MySQLClient) Close() error {
	util.Info("Closing MySQL connection pool")
	return c.db.Close()
}
