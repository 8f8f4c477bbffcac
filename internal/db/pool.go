// Package db opens the database connections backing the session record
// store. SQLite is split into a single-connection writer pool plus a
// concurrent read-only pool; PostgreSQL uses one shared pool for both.
package db

import "github.com/jmoiron/sqlx"

// Pool pairs the write connection with the read connection.
//
// Under SQLite WAL mode the writer is pinned to one connection so writes
// serialize without SQLITE_BUSY, while the reader side runs several
// connections that read from WAL snapshots concurrently. Under PostgreSQL
// both sides are the same *sqlx.DB because pgx pools internally.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool creates a Pool from writer and reader connections. The two may
// be the same object.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer returns the pool for INSERT, UPDATE, DELETE, and transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the pool for SELECT queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both sides, skipping the reader when it is shared with the
// writer so the underlying handle is not closed twice.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	if p.reader == p.writer {
		return wErr
	}
	rErr := p.reader.Close()
	if wErr != nil {
		return wErr
	}
	return rErr
}
