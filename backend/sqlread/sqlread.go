// Package sqlread projects rows from an external read-only SQL source into
// the manifest's model shape: source columns map to properties, enums
// translate values, references resolve by level, and primary keys become
// stable surrogate ids through the keymap.
package sqlread

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"datapub.evalgo.org/backend"
	"datapub.evalgo.org/common"
	"datapub.evalgo.org/keymap"
	"datapub.evalgo.org/manifest"
)

// Backend reads one external SQL resource. It satisfies the backend
// contract for the read path, write operations are rejected.
type Backend struct {
	name string
	pool *pgxpool.Pool
	km   *keymap.KeyMap
	log  *logrus.Entry
}

// New connects to the external source.
func New(ctx context.Context, name, dsn string, km *keymap.KeyMap) (*Backend, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlread: connecting %s: %w", name, err)
	}
	return &Backend{
		name: name,
		pool: pool,
		km:   km,
		log:  common.Logger.WithField("backend", name),
	}, nil
}

func (b *Backend) Name() string { return b.name }

func (b *Backend) Close() { b.pool.Close() }

// Migrate is a no-op, external sources own their schema.
func (b *Backend) Migrate(ctx context.Context, m *manifest.Model) error { return nil }

// Read opens a read transaction. External reads are stateless, the
// transaction only scopes the connection.
func (b *Backend) Read(ctx context.Context) (backend.ReadTxn, error) {
	return &readTxn{b: b}, nil
}

// Write is rejected, external resources are read-only.
func (b *Backend) Write(ctx context.Context) (backend.WriteTxn, error) {
	return nil, common.NotImplementedFeature("writing to external sql resources")
}

type readTxn struct {
	b *Backend
}

func (t *readTxn) Close(ctx context.Context) error { return nil }

// GetAll streams projected rows. The SQL statement merges the model's
// prepare formula with the user query, projection runs per row.
func (t *readTxn) GetAll(ctx context.Context, m *manifest.Model, plan *backend.Plan) (backend.Rows, error) {
	if !m.IsExternal() {
		return nil, common.NotFound("external model", m.Name)
	}
	sql, args, err := buildQuery(m, plan, nil)
	if err != nil {
		return nil, err
	}
	rows, err := t.b.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlread: query %s: %w", m.Name, err)
	}
	// Count rows pass through unprojected, there is no model shape to map.
	raw := plan != nil && plan.Count
	return &projRows{m: m, km: t.b.km, rows: rows, raw: raw}, nil
}

// GetOne decodes the surrogate id back to the natural key and fetches the
// single matching source row.
func (t *readTxn) GetOne(ctx context.Context, m *manifest.Model, id string) (backend.Row, error) {
	if !m.IsExternal() {
		return nil, common.NotFound("external model", m.Name)
	}
	key, err := t.b.km.Decode(m.Name, id)
	if err != nil {
		return nil, err
	}
	keys, ok := key.([]interface{})
	if !ok {
		keys = []interface{}{key}
	}
	if len(keys) != len(m.External.PKeys) {
		return nil, common.ItemDoesNotExist(m.Name, id)
	}

	var conds []backend.Condition
	flat := m.FlatProps()
	for i, pk := range m.External.PKeys {
		prop, ok := flat[pk]
		if !ok || prop.Source == "" {
			return nil, common.FieldNotInResource(m.Name, pk)
		}
		conds = append(conds, backend.Condition{Op: "eq", Prop: prop, Place: pk, Value: keys[i]})
	}
	sql, args, err := buildQuery(m, nil, conds)
	if err != nil {
		return nil, err
	}
	rows, err := t.b.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlread: getone %s: %w", m.Name, err)
	}
	proj := &projRows{m: m, km: t.b.km, rows: rows}
	defer proj.Close()

	if !proj.Next(ctx) {
		if err := proj.Err(); err != nil {
			return nil, err
		}
		return nil, common.ItemDoesNotExist(m.Name, id)
	}
	row := proj.Row()
	if proj.Next(ctx) {
		return nil, common.MultipleRowsFound(m.Name, 2)
	}
	return row, proj.Err()
}

// Changes is not available on external sources.
func (t *readTxn) Changes(ctx context.Context, m *manifest.Model, id string, limit, offset int64) ([]backend.ChangeEntry, error) {
	return nil, common.NotImplementedFeature("change feed on external sql resources")
}
