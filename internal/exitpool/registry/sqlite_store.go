package registry

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	apperrors "github.com/chiquitav2/exitpool/internal/shared/errors"
	"github.com/chiquitav2/exitpool/internal/shared/logger"
	"github.com/chiquitav2/exitpool/internal/shared/models"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var ddl string

const sqliteTimeLayout = time.RFC3339Nano

// SQLiteStore keeps the node set in the exit_nodes table.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger *logger.Logger
}

// NewSQLiteStore opens (and creates) the database at path.
func NewSQLiteStore(path string, log *logger.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer; the registry serialises access anyway.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, apperrors.NewCorruptStateError("sqlite", path, err)
	}
	if _, err := db.Exec(ddl); err != nil {
		db.Close()
		return nil, apperrors.NewCorruptStateError("sqlite", path, fmt.Errorf("failed to setup schema: %w", err))
	}

	return &SQLiteStore{db: db, path: path, logger: log.WithComponent("registry.sqlite")}, nil
}

func (s *SQLiteStore) Backend() string  { return "sqlite" }
func (s *SQLiteStore) Location() string { return s.path }

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Load reads every row ordered by creation time.
func (s *SQLiteStore) Load(ctx context.Context) ([]models.ExitNodeInfo, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, public_address, region, tailscale_ip, created_at,
		       last_healthy_at, last_checked_at, status, consecutive_failures, delete_attempts
		FROM exit_nodes ORDER BY created_at, id`)
	if err != nil {
		return nil, apperrors.NewCorruptStateError(s.Backend(), s.path, err)
	}
	defer rows.Close()

	var nodes []models.ExitNodeInfo
	for rows.Next() {
		var (
			n                              models.ExitNodeInfo
			status                         string
			created, lastHealthy, lastSeen string
		)
		if err := rows.Scan(&n.ID, &n.Name, &n.PublicAddress, &n.Region, &n.TailscaleIP, &created,
			&lastHealthy, &lastSeen, &status, &n.ConsecutiveFailures, &n.DeleteAttempts); err != nil {
			return nil, apperrors.NewCorruptStateError(s.Backend(), s.path, err)
		}

		n.Status = models.NodeStatus(status)
		if n.CreatedAt, err = parseTime(created); err != nil {
			return nil, apperrors.NewCorruptStateError(s.Backend(), s.path, fmt.Errorf("node %s created_at: %w", n.ID, err))
		}
		if n.LastHealthyAt, err = parseTime(lastHealthy); err != nil {
			return nil, apperrors.NewCorruptStateError(s.Backend(), s.path, fmt.Errorf("node %s last_healthy_at: %w", n.ID, err))
		}
		if n.LastCheckedAt, err = parseTime(lastSeen); err != nil {
			return nil, apperrors.NewCorruptStateError(s.Backend(), s.path, fmt.Errorf("node %s last_checked_at: %w", n.ID, err))
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewCorruptStateError(s.Backend(), s.path, err)
	}

	s.logger.DBQuery(ctx, "SELECT", "exit_nodes", time.Since(start), "rows", len(nodes))
	return nodes, nil
}

// Save replaces the table contents in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, nodes []models.ExitNodeInfo) error {
	start := time.Now()
	err := s.execTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM exit_nodes`); err != nil {
			return fmt.Errorf("failed to clear exit_nodes: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO exit_nodes (id, name, public_address, region, tailscale_ip, created_at,
			                        last_healthy_at, last_checked_at, status, consecutive_failures, delete_attempts)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare insert: %w", err)
		}
		defer stmt.Close()

		for _, n := range nodes {
			if _, err := stmt.ExecContext(ctx, n.ID, n.Name, n.PublicAddress, n.Region, n.TailscaleIP,
				formatTime(n.CreatedAt), formatTime(n.LastHealthyAt), formatTime(n.LastCheckedAt),
				string(n.Status), n.ConsecutiveFailures, n.DeleteAttempts); err != nil {
				return fmt.Errorf("failed to insert node %s: %w", n.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.DBQuery(ctx, "REPLACE", "exit_nodes", time.Since(start), "rows", len(nodes))
	return nil
}

// execTx executes a function within a transaction
func (s *SQLiteStore) execTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction error: %v, rollback error: %w", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(sqliteTimeLayout, s)
}
