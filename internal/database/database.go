package database

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mycrewmanager/realtime/internal/config"
)

// ApplicationName is reported to the server as application_name.
const ApplicationName = "mcm-listener"

// BuildConnString builds a PostgreSQL connection URL from config. An empty
// password is omitted so pgpass or trust auth can apply.
func BuildConnString(cfg config.DBConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = config.DefaultDBSSLMode
	}
	port := cfg.Port
	if port == 0 {
		port = config.DefaultDBPort
	}

	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
		Path:   "/" + cfg.Name,
	}
	if cfg.Password != "" {
		u.User = url.UserPassword(cfg.User, cfg.Password)
	} else if cfg.User != "" {
		u.User = url.User(cfg.User)
	}

	q := url.Values{}
	q.Set("sslmode", sslMode)
	q.Set("application_name", ApplicationName)
	u.RawQuery = q.Encode()

	return u.String()
}

// Connect creates a connection pool and verifies it with a ping.
func Connect(ctx context.Context, cfg config.DBConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(BuildConnString(cfg))
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}
