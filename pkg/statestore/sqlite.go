package statestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oursky/inference-balancer/pkg/fleet"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps desired states in a SQLite database file, so that they
// survive restarts of the balancer.
type SQLiteStore struct {
	logger *zap.Logger
	path   string
	db     *sql.DB
}

func NewSQLiteStore(ctx context.Context, logger *zap.Logger, path string) (*SQLiteStore, error) {
	logger = logger.Named("sqlite").With(zap.String("path", path))

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, &StoreError{Op: "open", Err: fmt.Errorf("cannot create database directory: %w", err)}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &StoreError{Op: "open", Err: err}
	}
	// a single connection serializes writers and avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{logger: logger, path: path, db: db}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, &StoreError{Op: "open", Err: err}
	}

	logger.Info("state database opened")
	return s, nil
}

func (s *SQLiteStore) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA synchronous=FULL"); err != nil {
		return fmt.Errorf("enabling synchronous writes: %w", err)
	}

	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS agent_desired_state (
			agent_id      TEXT PRIMARY KEY,
			desired_state TEXT NOT NULL,
			updated_at    TEXT NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Start(ctx context.Context, g *errgroup.Group) error {
	g.Go(func() error {
		<-ctx.Done()
		if err := s.Close(); err != nil {
			s.logger.Warn("failed to close state database", zap.Error(err))
		}
		return nil
	})
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, agentID string) (fleet.DesiredState, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT desired_state FROM agent_desired_state WHERE agent_id = ?",
		agentID,
	).Scan(&value)

	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, &StoreError{Op: "get", AgentID: agentID, Err: err}
	}

	state, err := fleet.ParseDesiredState(value)
	if err != nil {
		return "", false, &StoreError{Op: "get", AgentID: agentID, Err: err}
	}
	return state, true, nil
}

func (s *SQLiteStore) Put(ctx context.Context, agentID string, state fleet.DesiredState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_desired_state (agent_id, desired_state, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			desired_state = excluded.desired_state,
			updated_at = excluded.updated_at`,
		agentID, string(state), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return &StoreError{Op: "put", AgentID: agentID, Err: err}
	}

	s.logger.Debug("desired state persisted",
		zap.String("agentID", agentID),
		zap.String("desiredState", string(state)),
	)
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
