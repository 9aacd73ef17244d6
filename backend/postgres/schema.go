package postgres

import (
	"context"
	"fmt"
	"strings"

	"datapub.evalgo.org/manifest"
)

// columnType maps a property to its column type. Objects and arrays are
// stored as JSONB, references as JSONB holding either {_id} or the
// denormalised ref properties.
func columnType(p *manifest.Property) string {
	switch p.Type.Kind {
	case manifest.TypeString, manifest.TypeText, manifest.TypeURI, manifest.TypeGeometry:
		return "TEXT"
	case manifest.TypeInteger:
		return "BIGINT"
	case manifest.TypeNumber:
		return "DOUBLE PRECISION"
	case manifest.TypeBoolean:
		return "BOOLEAN"
	case manifest.TypeDate:
		return "DATE"
	case manifest.TypeTime:
		return "TIME"
	case manifest.TypeDateTime:
		return "TIMESTAMP"
	case manifest.TypeBinary, manifest.TypeFile:
		return "BYTEA"
	case manifest.TypeObject, manifest.TypeArray, manifest.TypeRef:
		return "JSONB"
	default:
		return "TEXT"
	}
}

// mainDDL builds the CREATE TABLE statement for a model's main table.
func mainDDL(m *manifest.Model, t tables) string {
	cols := []string{
		`"_id" UUID PRIMARY KEY`,
		`"_revision" TEXT NOT NULL`,
		`"_txn" BIGINT NOT NULL`,
		`"_created" TIMESTAMPTZ NOT NULL`,
		`"_updated" TIMESTAMPTZ`,
	}
	for _, p := range m.Props {
		cols = append(cols, fmt.Sprintf("%s %s", quoteIdent(p.Name), columnType(p)))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)",
		quoteIdent(t.main), strings.Join(cols, ",\n\t"))
}

// listsDDL builds the lists side table. Only models with array subtrees
// get one.
func listsDDL(t tables) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	"_txn" BIGINT NOT NULL,
	"_rid" UUID NOT NULL,
	"key" TEXT NOT NULL,
	"data" JSONB NOT NULL
)`, quoteIdent(t.lists))
}

// changesDDL builds the append-only change-log table. The _cid sequence
// orders changes per model.
func changesDDL(t tables) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	"_cid" BIGSERIAL PRIMARY KEY,
	"_revision" TEXT NOT NULL,
	"_txn" BIGINT NOT NULL,
	"_rid" UUID NOT NULL,
	"_created" TIMESTAMPTZ NOT NULL,
	"_op" TEXT NOT NULL,
	"data" JSONB
)`, quoteIdent(t.changes))
}

// Migrate makes sure the model's table triple exists.
func (b *Backend) Migrate(ctx context.Context, m *manifest.Model) error {
	t, err := b.tablesFor(ctx, m)
	if err != nil {
		return err
	}
	stmts := []string{mainDDL(m, t), changesDDL(t)}
	if m.HasLists() {
		stmts = append(stmts, listsDDL(t))
		stmts = append(stmts, fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS %s ON %s ("_rid")`,
			quoteIdent(t.lists+"_rid_idx"), quoteIdent(t.lists)))
	}
	for _, stmt := range stmts {
		if _, err := b.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: migrating %s: %w", m.Name, err)
		}
	}
	b.log.WithField("model", m.Name).Debug("migrated model tables")
	return nil
}
