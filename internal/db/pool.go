// Package db opens the session catalog database.
package db

import "github.com/jmoiron/sqlx"

// Pool provides separate read and write database connections.
//
// SQLite runs in WAL mode with a single writer connection and a small set of
// read-only connections. For PostgreSQL both sides share one *sqlx.DB since
// pgx pools connections itself.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool creates a Pool from separate writer and reader connections.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer returns the connection used for INSERT, UPDATE and DDL.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the connection used for SELECT queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Driver returns the database/sql driver name ("sqlite3" or "pgx").
func (p *Pool) Driver() string { return p.writer.DriverName() }

// Close closes both the writer and reader pools.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}
