// Package database opens Postgres connections to a launched stack through the
// pgx database/sql driver.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// DriverName is the database/sql driver registered by pgx.
const DriverName = "pgx"

// Config holds the connection settings for one database of a run.
type Config struct {
	Host        string
	Port        int
	User        string
	Password    string
	Name        string
	PingTimeout time.Duration
}

func (c Config) Validate() error {
	if c.Host == "" {
		return errors.New("database host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("database port %d is out of range", c.Port)
	}
	if c.User == "" {
		return errors.New("database user is required")
	}
	if c.Name == "" {
		return errors.New("database name is required")
	}
	return nil
}

// URL renders the connection string. TLS is disabled: stacks only listen on
// loopback.
func (c Config) URL() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/" + c.Name,
	}
	q := url.Values{}
	q.Set("sslmode", "disable")
	if c.PingTimeout > 0 {
		secs := int(c.PingTimeout / time.Second)
		if secs < 1 {
			secs = 1
		}
		q.Set("connect_timeout", strconv.Itoa(secs))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// WithName returns a copy of c pointing at another database on the same
// server.
func (c Config) WithName(name string) Config {
	c.Name = name
	return c
}

// Open connects and pings. The pool is limited to one connection; seed and
// probe work is strictly sequential.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db, err := sql.Open(DriverName, cfg.URL())
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	timeout := cfg.PingTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s:%d/%s: %w", cfg.Host, cfg.Port, cfg.Name, err)
	}
	return db, nil
}
