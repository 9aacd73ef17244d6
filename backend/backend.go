// Package backend defines the storage contract shared by the internal
// relational store and the external SQL reader, plus the lowering of parsed
// query expressions into backend-neutral query plans.
package backend

import (
	"context"
	"strings"

	"datapub.evalgo.org/manifest"
)

// Reserved row fields managed by the service.
const (
	FieldID       = "_id"
	FieldRevision = "_revision"
	FieldType     = "_type"
	FieldTxn      = "_txn"
	FieldCreated  = "_created"
	FieldUpdated  = "_updated"
	FieldOp       = "_op"
	FieldWhere    = "_where"
	FieldPage     = "_page"
)

// Reserved reports whether a field name is managed by the service rather
// than declared in the manifest.
func Reserved(name string) bool {
	return strings.HasPrefix(name, "_")
}

// Row is one data item moving through the service.
type Row = map[string]interface{}

// Action is a change-log entry kind.
type Action string

const (
	ActionInsert Action = "insert"
	ActionUpdate Action = "update"
	ActionPatch  Action = "patch"
	ActionDelete Action = "delete"
)

// ChangeEntry is one immutable change-log record.
type ChangeEntry struct {
	Change   int64  `json:"_cid"`
	Revision string `json:"_revision"`
	Txn      int64  `json:"_txn"`
	ID       string `json:"_id"`
	Created  string `json:"_created"`
	Action   Action `json:"_op"`
	Data     Row    `json:"-"`
}

// Rows is a lazy finite sequence of result rows. Consumers may stop early,
// Close releases the underlying cursor on every path.
type Rows interface {
	Next(ctx context.Context) bool
	Row() Row
	Err() error
	Close() error
}

// ReadTxn is a scoped read transaction over one backend.
type ReadTxn interface {
	GetOne(ctx context.Context, m *manifest.Model, id string) (Row, error)
	GetAll(ctx context.Context, m *manifest.Model, plan *Plan) (Rows, error)
	Changes(ctx context.Context, m *manifest.Model, id string, limit, offset int64) ([]ChangeEntry, error)
	Close(ctx context.Context) error
}

// WriteTxn is a scoped write transaction. All operations reuse one
// connection, Commit or Rollback must be called on every exit path.
type WriteTxn interface {
	ReadTxn
	ID() int64
	Insert(ctx context.Context, m *manifest.Model, rows []Row) ([]Row, error)
	Update(ctx context.Context, m *manifest.Model, id, revision string, data Row, patch bool) (Row, error)
	Delete(ctx context.Context, m *manifest.Model, id, revision string) error
	Wipe(ctx context.Context, m *manifest.Model) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Backend is one storage engine shared by the models bound to it.
type Backend interface {
	Name() string
	// Migrate makes sure the model's tables exist.
	Migrate(ctx context.Context, m *manifest.Model) error
	Read(ctx context.Context) (ReadTxn, error)
	Write(ctx context.Context) (WriteTxn, error)
	Close()
}

// SliceRows adapts an in-memory slice to the Rows contract.
type SliceRows struct {
	rows []Row
	pos  int
}

func NewSliceRows(rows []Row) *SliceRows {
	return &SliceRows{rows: rows}
}

func (s *SliceRows) Next(ctx context.Context) bool {
	if ctx.Err() != nil || s.pos >= len(s.rows) {
		return false
	}
	s.pos++
	return true
}

func (s *SliceRows) Row() Row    { return s.rows[s.pos-1] }
func (s *SliceRows) Err() error  { return nil }
func (s *SliceRows) Close() error { return nil }

// Collect drains a row sequence into memory.
func Collect(ctx context.Context, rows Rows) ([]Row, error) {
	defer rows.Close()
	var out []Row
	for rows.Next(ctx) {
		out = append(out, rows.Row())
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
