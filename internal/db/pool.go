package db

import "github.com/jmoiron/sqlx"

// Pool provides separate read and write database connections.
//
// With SQLite in WAL mode this enables concurrent reads while serializing
// writes through a single connection. The writer side uses MaxOpenConns(1) so
// write contention queues inside database/sql instead of surfacing as
// SQLITE_BUSY; the reader side allows multiple concurrent SELECT connections.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool creates a Pool from separate writer and reader connections. Both
// may be the same *sqlx.DB (in-memory stores).
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer returns the connection used for INSERT, UPDATE, DELETE, and
// transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the connection pool used for SELECT queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both the writer and reader pools.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	// Avoid double-close when both sides share the same *sqlx.DB.
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}
