package tier

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const rolesSchema = `
CREATE TABLE IF NOT EXISTS user_roles (
	user_id TEXT PRIMARY KEY,
	role TEXT NOT NULL,
	updated_at INTEGER NOT NULL
)`

// SQLLookup reads roles from a SQLite/libsql user_roles table.
type SQLLookup struct {
	db *sql.DB
}

// NewSQLLookup creates the user_roles table if needed.
func NewSQLLookup(ctx context.Context, db *sql.DB) (*SQLLookup, error) {
	if _, err := db.ExecContext(ctx, rolesSchema); err != nil {
		return nil, fmt.Errorf("create user_roles: %w", err)
	}
	return &SQLLookup{db: db}, nil
}

func (l *SQLLookup) Tier(ctx context.Context, userID string) (Tier, error) {
	var role string
	err := l.db.QueryRowContext(ctx, `SELECT role FROM user_roles WHERE user_id = ?`, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrUnknownUser
	}
	if err != nil {
		return "", fmt.Errorf("query role for %s: %w", userID, err)
	}
	return FromRole(role)
}

func (l *SQLLookup) SetTier(ctx context.Context, userID string, t Tier) error {
	_, err := l.db.ExecContext(ctx, `INSERT INTO user_roles (user_id, role, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET role = excluded.role, updated_at = excluded.updated_at`,
		userID, t.Role(), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("set role for %s: %w", userID, err)
	}
	return nil
}

// PGLookup reads roles from a PostgreSQL accounts database.
type PGLookup struct {
	pool *pgxpool.Pool
}

// OpenPGLookup connects to the accounts database.
func OpenPGLookup(ctx context.Context, databaseURL string) (*PGLookup, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to accounts database: %w", err)
	}
	if _, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS user_roles (
		user_id TEXT PRIMARY KEY,
		role TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create user_roles: %w", err)
	}
	return &PGLookup{pool: pool}, nil
}

func (l *PGLookup) Tier(ctx context.Context, userID string) (Tier, error) {
	var role string
	err := l.pool.QueryRow(ctx, `SELECT role FROM user_roles WHERE user_id = $1`, userID).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrUnknownUser
	}
	if err != nil {
		return "", fmt.Errorf("query role for %s: %w", userID, err)
	}
	return FromRole(role)
}

func (l *PGLookup) SetTier(ctx context.Context, userID string, t Tier) error {
	_, err := l.pool.Exec(ctx, `INSERT INTO user_roles (user_id, role, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (user_id) DO UPDATE SET role = EXCLUDED.role, updated_at = now()`,
		userID, t.Role())
	if err != nil {
		return fmt.Errorf("set role for %s: %w", userID, err)
	}
	return nil
}

// Close releases the pool.
func (l *PGLookup) Close() {
	l.pool.Close()
}
