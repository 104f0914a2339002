package db

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5"
)

func parseDSN(dsn string) (*url.URL, error) {
	if dsn == "" {
		return nil, fmt.Errorf("empty DSN")
	}
	if !strings.Contains(dsn, "://") {
		dsn = "postgres://" + dsn
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return nil, fmt.Errorf("unsupported DSN scheme %q", u.Scheme)
	}
	return u, nil
}

// WithDBName returns a DSN identical to the input but with the database path replaced.
func WithDBName(dsn, database string) (string, error) {
	u, err := parseDSN(dsn)
	if err != nil {
		return "", err
	}
	u.Path = "/" + strings.TrimPrefix(database, "/")
	return u.String(), nil
}

// DBName returns the database named by the DSN path.
func DBName(dsn string) (string, error) {
	u, err := parseDSN(dsn)
	if err != nil {
		return "", err
	}
	name := strings.TrimPrefix(u.Path, "/")
	if name == "" {
		return "", fmt.Errorf("DSN has no database name")
	}
	return name, nil
}

// EnsureDatabase creates the DSN's database through the cluster's maintenance
// database when it does not exist yet.
func EnsureDatabase(ctx context.Context, dsn string) error {
	name, err := DBName(dsn)
	if err != nil {
		return err
	}
	rootDSN, err := WithDBName(dsn, "postgres")
	if err != nil {
		return err
	}
	meta, err := Open(rootDSN)
	if err != nil {
		return err
	}
	defer meta.Close()
	if err := Ping(ctx, meta); err != nil {
		return fmt.Errorf("ping maintenance db: %w", err)
	}
	var exists bool
	if err := meta.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)`, name).Scan(&exists); err != nil {
		return fmt.Errorf("lookup database %q: %w", name, err)
	}
	if exists {
		return nil
	}
	if _, err := meta.ExecContext(ctx, "CREATE DATABASE "+pgx.Identifier{name}.Sanitize()); err != nil && !isDuplicateDatabase(err) {
		return fmt.Errorf("create database %q: %w", name, err)
	}
	return nil
}
