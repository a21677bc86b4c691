package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// OpenPostgres connects to Postgres. Tables come from the migrations
// directory, not from here.
func OpenPostgres(ctx context.Context, dsn string) (Store, error) {
	d, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	d.SetMaxOpenConns(25)
	d.SetMaxIdleConns(5)
	d.SetConnMaxLifetime(30 * time.Minute)

	if err := d.PingContext(ctx); err != nil {
		d.Close()
		return nil, err
	}
	return newSQLDB(d, dialect{name: "postgres", numbered: true, isConflict: isPostgresConflict}), nil
}

// isPostgresConflict matches the integrity constraint class: unique_violation
// (23505) and foreign_key_violation (23503) among others.
func isPostgresConflict(err error) bool {
	var pe *pq.Error
	if !errors.As(err, &pe) {
		return false
	}
	return pe.Code.Class() == "23"
}
