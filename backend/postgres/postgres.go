// Package postgres is the internal relational backend: one main, lists and
// changes table per model, a process-wide table-name registry, and scoped
// read/write transactions with optimistic concurrency on _revision.
package postgres

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"datapub.evalgo.org/backend"
	"datapub.evalgo.org/common"
	"datapub.evalgo.org/manifest"
)

// Internal registry tables.
const (
	txnTable   = "_txn"
	tableTable = "_table"
)

// Backend is the internal store over a pgx connection pool. One Backend is
// shared by every model bound to it, connections are acquired per
// transaction.
type Backend struct {
	name string
	pool *pgxpool.Pool
	log  *logrus.Entry

	mu     sync.RWMutex
	tables map[string]tables
}

// New connects to the database and makes sure the internal registry tables
// exist.
func New(ctx context.Context, name, dsn string) (*Backend, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connecting: %w", err)
	}
	b := &Backend{
		name:   name,
		pool:   pool,
		log:    common.Logger.WithField("backend", name),
		tables: map[string]tables{},
	}
	if err := b.bootstrap(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backend) Name() string { return b.name }

func (b *Backend) Close() { b.pool.Close() }

func (b *Backend) bootstrap(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS "` + txnTable + `" (
			"_id" BIGSERIAL PRIMARY KEY,
			"client" TEXT,
			"created" TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS "` + tableTable + `" (
			"name" TEXT PRIMARY KEY,
			"id" BIGINT NOT NULL
		)`,
		`CREATE SEQUENCE IF NOT EXISTS "_table_id_seq"`,
	}
	for _, stmt := range stmts {
		if _, err := b.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: bootstrap: %w", err)
		}
	}
	return nil
}

// tablesFor returns the generated table names of a model, allocating a
// short id through the registry on first use. The allocation is atomic, so
// concurrent processes agree on the mapping.
func (b *Backend) tablesFor(ctx context.Context, m *manifest.Model) (tables, error) {
	b.mu.RLock()
	t, ok := b.tables[m.Name]
	b.mu.RUnlock()
	if ok {
		return t, nil
	}

	_, err := b.pool.Exec(ctx,
		`INSERT INTO "`+tableTable+`" ("name", "id")
		 VALUES ($1, nextval('_table_id_seq'))
		 ON CONFLICT ("name") DO NOTHING`, m.Name)
	if err != nil {
		return tables{}, fmt.Errorf("postgres: registering table for %s: %w", m.Name, err)
	}
	var id int64
	err = b.pool.QueryRow(ctx,
		`SELECT "id" FROM "`+tableTable+`" WHERE "name" = $1`, m.Name).Scan(&id)
	if err != nil {
		return tables{}, fmt.Errorf("postgres: looking up table id for %s: %w", m.Name, err)
	}

	t = modelTables(mangle(m.Name), id)
	b.mu.Lock()
	b.tables[m.Name] = t
	b.mu.Unlock()
	return t, nil
}

// Read opens a scoped read transaction.
func (b *Backend) Read(ctx context.Context) (backend.ReadTxn, error) {
	tx, err := b.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("postgres: begin read: %w", err)
	}
	return &readTxn{b: b, tx: tx}, nil
}

// Write opens a scoped write transaction and records it in the _txn table.
func (b *Backend) Write(ctx context.Context) (backend.WriteTxn, error) {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin write: %w", err)
	}
	var id int64
	client, _ := ctx.Value(common.ClientContextKey).(string)
	err = tx.QueryRow(ctx,
		`INSERT INTO "`+txnTable+`" ("client") VALUES ($1) RETURNING "_id"`, client).Scan(&id)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("postgres: recording transaction: %w", err)
	}
	return &writeTxn{readTxn: readTxn{b: b, tx: tx}, id: id}, nil
}

type readTxn struct {
	b  *Backend
	tx pgx.Tx
}

func (t *readTxn) Close(ctx context.Context) error {
	return t.tx.Rollback(ctx)
}

type writeTxn struct {
	readTxn
	id int64
}

func (t *writeTxn) ID() int64 { return t.id }

func (t *writeTxn) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *writeTxn) Rollback(ctx context.Context) error {
	return t.tx.Rollback(ctx)
}
