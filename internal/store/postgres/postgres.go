// Package postgres backs the message store and the ingest job queue with a
// single shared PostgreSQL database.
package postgres

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
)

const (
	connectAttempts = 10
	connectBackoff  = time.Second
)

// NewDB opens the shared connection pool and verifies connectivity before
// returning. The service usually comes up alongside the database, so the
// initial ping retries instead of failing the whole boot on the first miss.
func NewDB(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	var pingErr error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		if pingErr = db.Ping(); pingErr == nil {
			break
		}
		slog.Warn("waiting for database", "attempt", attempt, "error", pingErr)
		time.Sleep(connectBackoff)
	}
	if pingErr != nil {
		db.Close()
		return nil, fmt.Errorf("database unreachable after %d attempts: %w", connectAttempts, pingErr)
	}

	// The pool is shared by the API, the SMTP path and the storage workers.
	// Workers hold connections across the claim transaction, so idle
	// headroom matters more here than a large open cap.
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return db, nil
}
