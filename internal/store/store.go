// Package store implements the persistent orchestration store on SQLite.
// It is the single source of truth: services never cache across calls, and
// every composite operation runs inside one transaction via WithTx.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	sqlite3 "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/caw-dev/caw/internal/common/apperr"
	"github.com/caw-dev/caw/internal/common/logger"
	"github.com/caw-dev/caw/internal/db"
)

// EventSink receives events captured during a transaction once it commits.
// Publish failures are logged and swallowed; a committed transaction is never
// rolled back because fan-out failed.
type EventSink interface {
	Emit(ctx context.Context, eventType string, data map[string]interface{})
}

// Store wraps the connection pool and exposes reads directly plus WithTx for
// transactional writes.
type Store struct {
	pool *db.Pool
	log  *logger.Logger
	sink EventSink

	// queries bound to the reader pool for plain reads outside transactions.
	queries
}

// Open connects to the store at path (":memory:" or a filesystem path, parent
// directories created as needed) and applies pending schema migrations.
func Open(path string, log *logger.Logger) (*Store, error) {
	pool, err := db.Open(path)
	if err != nil {
		return nil, err
	}
	s := &Store{
		pool:    pool,
		log:     log.WithFields(zap.String("component", "store")),
		queries: queries{ext: pool.Reader()},
	}
	if err := s.migrate(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate store: %w", err)
	}
	return s, nil
}

// SetEventSink wires the post-commit event sink. Safe to leave unset; events
// captured in transactions are then dropped.
func (s *Store) SetEventSink(sink EventSink) { s.sink = sink }

// Close closes the underlying connection pools.
func (s *Store) Close() error { return s.pool.Close() }

// Tx is a transaction handle carrying the same entity queries as the Store
// plus a buffer of events to emit after commit.
type Tx struct {
	queries
	events []pendingEvent
}

type pendingEvent struct {
	Type string
	Data map[string]interface{}
}

// Emit buffers an event for publication after the transaction commits.
func (t *Tx) Emit(eventType string, data map[string]interface{}) {
	t.events = append(t.events, pendingEvent{Type: eventType, Data: data})
}

// WithTx runs fn inside a single write transaction. Any returned error (or
// panic) rolls the transaction back; buffered events are published only after
// a successful commit.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	txx, err := s.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return apperr.Internal(err, "failed to begin transaction")
	}

	t := &Tx{queries: queries{ext: txx}}

	defer func() {
		if p := recover(); p != nil {
			_ = txx.Rollback()
			panic(p)
		}
	}()

	if err := fn(t); err != nil {
		if rbErr := txx.Rollback(); rbErr != nil {
			return apperr.Internal(err, "tx failed and rollback failed: %v", rbErr)
		}
		return mapConstraintErr(err)
	}

	if err := txx.Commit(); err != nil {
		return apperr.Internal(err, "failed to commit transaction")
	}

	if s.sink != nil {
		for _, ev := range t.events {
			s.sink.Emit(ctx, ev.Type, ev.Data)
		}
	}
	return nil
}

// queries holds every entity query. It is bound either to the reader pool
// (Store) or to an open transaction (Tx), so the same methods serve both.
type queries struct {
	ext sqlx.ExtContext
}

// mapConstraintErr surfaces SQLite constraint violations as taxonomy errors
// so the transaction failure carries the right HTTP mapping.
func mapConstraintErr(err error) error {
	var e *apperr.Error
	if errors.As(err, &e) {
		return err
	}
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) && sqErr.Code == sqlite3.ErrConstraint {
		switch sqErr.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			return &apperr.Error{Kind: apperr.KindConflict, Msg: "unique constraint violated", Err: err}
		default:
			return &apperr.Error{Kind: apperr.KindValidation, Msg: "constraint violated", Err: err}
		}
	}
	return err
}

// IsNoRows reports whether err is the driver's empty-result sentinel.
func IsNoRows(err error) bool { return errors.Is(err, sql.ErrNoRows) }
