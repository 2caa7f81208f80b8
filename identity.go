package main

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// rowQuerier is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// nextIdentityValue allocates the next value of the sequence backing
// schema.table.column. It works for serial columns and identity columns
// declared GENERATED BY DEFAULT.
func nextIdentityValue(ctx context.Context, q rowQuerier, schema, table, column string) (int64, error) {
	var seq *string
	if err := q.QueryRow(ctx, "SELECT pg_get_serial_sequence($1, $2)", pgTable(schema, table), column).Scan(&seq); err != nil {
		return 0, fmt.Errorf("find sequence of %s.%s.%s: %w", schema, table, column, err)
	}
	if seq == nil {
		return 0, fmt.Errorf("%s.%s.%s is not backed by a sequence", schema, table, column)
	}

	var id int64
	if err := q.QueryRow(ctx, "SELECT nextval($1::regclass)", *seq).Scan(&id); err != nil {
		return 0, fmt.Errorf("nextval(%s): %w", *seq, err)
	}
	return id, nil
}

// lookupLock is a session-level advisory lock held on a dedicated connection
// for the duration of a run. Writers of offset rows into the same lookup table
// exclude each other through it.
type lookupLock struct {
	conn *pgxpool.Conn
	key  int64
	name string
}

// acquireLookupLock takes the advisory lock for schema.table without waiting.
func acquireLookupLock(ctx context.Context, pool *pgxpool.Pool, schema, table string) (*lookupLock, error) {
	name := "pgmerge:" + schema + "." + table
	key := hashLockKey(name)

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection for lock: %w", err)
	}
	var ok bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&ok); err != nil {
		conn.Release()
		return nil, fmt.Errorf("pg_try_advisory_lock(%d): %w", key, err)
	}
	if !ok {
		conn.Release()
		return nil, fmt.Errorf("another run holds the lock on %s.%s", schema, table)
	}
	return &lookupLock{conn: conn, key: key, name: name}, nil
}

// release unlocks and returns the connection to the pool.
func (l *lookupLock) release(ctx context.Context) error {
	defer l.conn.Release()
	var ok bool
	if err := l.conn.QueryRow(ctx, "SELECT pg_advisory_unlock($1)", l.key).Scan(&ok); err != nil {
		return fmt.Errorf("pg_advisory_unlock(%d): %w", l.key, err)
	}
	if !ok {
		return fmt.Errorf("advisory lock %s was not held", l.name)
	}
	return nil
}

// hashLockKey produces a stable int64 key for pg_advisory_lock.
func hashLockKey(key string) int64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int64(h.Sum64() & 0x7FFFFFFFFFFFFFFF)
}
