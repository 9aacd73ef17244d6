package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"datapub.evalgo.org/backend"
	"datapub.evalgo.org/common"
	"datapub.evalgo.org/manifest"
)

// colExpr renders the SQL expression reading a dotted place from the main
// table. The first segment is a real column, deeper segments descend into
// JSONB. Reference properties compare by their stored _id.
func colExpr(prop *manifest.Property, place string) string {
	segments := strings.Split(place, ".")
	expr := "t." + quoteIdent(segments[0])
	rest := segments[1:]
	if prop.Type.Kind == manifest.TypeRef && len(rest) == 0 {
		rest = []string{"_id"}
	}
	for i, seg := range rest {
		op := "->"
		if i == len(rest)-1 {
			op = "->>"
		}
		expr += op + "'" + seg + "'"
	}
	return expr
}

// listExpr renders the expression reading a dotted place from a lists-table
// row. Lists data keys are absolute dotted names.
func listExpr(alias, place string) string {
	return alias + `."data"->>'` + place + `'`
}

func isStringKind(prop *manifest.Property) bool {
	kind := prop.Type.Kind
	if kind == manifest.TypeArray && prop.Type.Items != nil {
		kind = prop.Type.Items.Type.Kind
	}
	switch kind {
	case manifest.TypeString, manifest.TypeText, manifest.TypeURI:
		return true
	}
	return false
}

// castFor casts a JSONB text extraction so numeric and boolean comparisons
// compare by value, not lexically.
func castFor(value interface{}) string {
	switch value.(type) {
	case int64, float64:
		return "::numeric"
	case bool:
		return "::boolean"
	}
	return ""
}

func likePattern(value string, prefixOnly bool) string {
	esc := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(value)
	if prefixOnly {
		return esc + "%"
	}
	return "%" + esc + "%"
}

type sqlBuilder struct {
	args []interface{}
}

func (b *sqlBuilder) arg(v interface{}) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

// condSQL renders one resolved condition as a WHERE fragment.
func (b *sqlBuilder) condSQL(t tables, c backend.Condition) (string, error) {
	if c.InList {
		return b.listCondSQL(t, c)
	}
	expr := colExpr(c.Prop, c.Place)
	return b.scalarCondSQL(expr, c)
}

func (b *sqlBuilder) scalarCondSQL(expr string, c backend.Condition) (string, error) {
	str := isStringKind(c.Prop)
	switch c.Op {
	case "eq":
		if c.Value == nil {
			return expr + " IS NULL", nil
		}
		if str {
			return fmt.Sprintf("LOWER(%s) = LOWER(%s)", expr, b.arg(c.Value)), nil
		}
		return fmt.Sprintf("%s%s = %s", expr, castFor(c.Value), b.arg(c.Value)), nil
	case "ne":
		if c.Value == nil {
			return expr + " IS NOT NULL", nil
		}
		if str {
			return fmt.Sprintf("(%s IS NULL OR LOWER(%s) <> LOWER(%s))", expr, expr, b.arg(c.Value)), nil
		}
		return fmt.Sprintf("(%s IS NULL OR %s%s <> %s)", expr, expr, castFor(c.Value), b.arg(c.Value)), nil
	case "gt", "ge", "lt", "le":
		op := map[string]string{"gt": ">", "ge": ">=", "lt": "<", "le": "<="}[c.Op]
		if str {
			return fmt.Sprintf("LOWER(%s) %s LOWER(%s)", expr, op, b.arg(c.Value)), nil
		}
		return fmt.Sprintf("%s%s %s %s", expr, castFor(c.Value), op, b.arg(c.Value)), nil
	case "contains":
		s, _ := c.Value.(string)
		return fmt.Sprintf(`%s ILIKE %s ESCAPE '\'`, expr, b.arg(likePattern(s, false))), nil
	case "startswith":
		s, _ := c.Value.(string)
		return fmt.Sprintf(`%s ILIKE %s ESCAPE '\'`, expr, b.arg(likePattern(s, true))), nil
	default:
		return "", common.UnknownOperator(c.Place, c.Op)
	}
}

// listCondSQL evaluates a condition against the lists side table. ne uses
// NOT EXISTS so rows whose list lacks the key match as well as rows whose
// values all differ.
func (b *sqlBuilder) listCondSQL(t tables, c backend.Condition) (string, error) {
	expr := listExpr("l", c.Place)
	if c.Op == "ne" {
		inner := backend.Condition{Op: "eq", Prop: c.Prop, Place: c.Place, Value: c.Value}
		match, err := b.scalarCondSQL(expr, inner)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf(
			`NOT EXISTS (SELECT 1 FROM %s AS l WHERE l."_rid" = t."_id" AND %s)`,
			quoteIdent(t.lists), match), nil
	}
	match, err := b.scalarCondSQL(expr, c)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(
		`t."_id" IN (SELECT DISTINCT l."_rid" FROM %s AS l WHERE %s)`,
		quoteIdent(t.lists), match), nil
}

// buildSelect renders the full getall statement for a plan.
func buildSelect(m *manifest.Model, t tables, plan *backend.Plan) (string, []interface{}, error) {
	b := &sqlBuilder{}

	cols := "t.*"
	switch {
	case plan != nil && plan.Count:
		cols = `count(*) AS "count"`
	case plan != nil && len(plan.Select) > 0:
		// Projection reads only the selected columns. Dotted places narrow
		// to their top-level column, the API trims the nested remainder.
		names := []string{"_id", "_revision"}
		seen := map[string]bool{"_id": true, "_revision": true}
		for _, place := range plan.Select {
			first := strings.SplitN(place, ".", 2)[0]
			if backend.Reserved(first) || seen[first] {
				continue
			}
			seen[first] = true
			names = append(names, first)
		}
		quoted := make([]string, len(names))
		for i, n := range names {
			quoted[i] = "t." + quoteIdent(n)
		}
		cols = strings.Join(quoted, ", ")
	}

	var joins []string
	var order []string
	if plan != nil && !plan.Count {
		for i, s := range plan.Sort {
			dir := "ASC"
			agg := "MIN"
			if s.Desc {
				dir = "DESC"
				agg = "MAX"
			}
			if s.InList {
				alias := fmt.Sprintf("s%d", i)
				joins = append(joins, fmt.Sprintf(
					`LEFT JOIN (SELECT "_rid", %s("data"->>'%s') AS "v" FROM %s GROUP BY "_rid") AS %s ON %s."_rid" = t."_id"`,
					agg, s.Place, quoteIdent(t.lists), alias, alias))
				order = append(order, fmt.Sprintf(`%s."v" %s`, alias, dir))
			} else {
				order = append(order, fmt.Sprintf("%s %s", colExpr(s.Prop, s.Place), dir))
			}
		}
	}

	var where []string
	if plan != nil {
		for _, c := range plan.Conditions {
			frag, err := b.condSQL(t, c)
			if err != nil {
				return "", nil, err
			}
			where = append(where, frag)
		}
	}

	sql := fmt.Sprintf("SELECT %s FROM %s AS t", cols, quoteIdent(t.main))
	if len(joins) > 0 {
		sql += " " + strings.Join(joins, " ")
	}
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	if len(order) > 0 {
		sql += " ORDER BY " + strings.Join(order, ", ")
	}
	if plan != nil && !plan.Count {
		if plan.Limit != nil {
			sql += " LIMIT " + b.arg(*plan.Limit)
		}
		if plan.Offset != nil {
			sql += " OFFSET " + b.arg(*plan.Offset)
		}
	}
	return sql, b.args, nil
}

// buildChanges renders the change-feed statement. A negative offset reads
// from the current maximum backwards.
func buildChanges(t tables, id string, limit, offset int64) (string, []interface{}) {
	b := &sqlBuilder{}
	var where []string
	if id != "" {
		where = append(where, `"_rid" = `+b.arg(id))
	}
	if offset < 0 {
		where = append(where, fmt.Sprintf(
			`"_cid" > (SELECT COALESCE(MAX("_cid"), 0) FROM %s) - %s`,
			quoteIdent(t.changes), b.arg(-offset)))
	}
	sql := fmt.Sprintf(`SELECT "_cid", "_revision", "_txn", "_rid", "_created", "_op", "data" FROM %s`,
		quoteIdent(t.changes))
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	sql += ` ORDER BY "_cid"`
	if limit > 0 {
		sql += " LIMIT " + b.arg(limit)
	}
	if offset > 0 {
		sql += " OFFSET " + b.arg(offset)
	}
	return sql, b.args
}

// pgRows adapts a pgx cursor to the lazy Rows contract.
type pgRows struct {
	rows pgx.Rows
	cur  backend.Row
	err  error
}

func (r *pgRows) Next(ctx context.Context) bool {
	if r.err != nil || ctx.Err() != nil {
		return false
	}
	if !r.rows.Next() {
		r.err = r.rows.Err()
		return false
	}
	row, err := scanRow(r.rows)
	if err != nil {
		r.err = err
		return false
	}
	r.cur = row
	return true
}

func (r *pgRows) Row() backend.Row { return r.cur }
func (r *pgRows) Err() error       { return r.err }

func (r *pgRows) Close() error {
	r.rows.Close()
	return nil
}

func scanRow(rows pgx.Rows) (backend.Row, error) {
	values, err := rows.Values()
	if err != nil {
		return nil, err
	}
	row := backend.Row{}
	for i, fd := range rows.FieldDescriptions() {
		row[string(fd.Name)] = values[i]
	}
	return row, nil
}

// GetAll streams rows matching the plan. The returned sequence is lazy,
// closing it releases the cursor.
func (t *readTxn) GetAll(ctx context.Context, m *manifest.Model, plan *backend.Plan) (backend.Rows, error) {
	tb, err := t.b.tablesFor(ctx, m)
	if err != nil {
		return nil, err
	}
	sql, args, err := buildSelect(m, tb, plan)
	if err != nil {
		return nil, err
	}
	rows, err := t.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: getall %s: %w", m.Name, err)
	}
	return &pgRows{rows: rows}, nil
}

// GetOne fetches a single row by id.
func (t *readTxn) GetOne(ctx context.Context, m *manifest.Model, id string) (backend.Row, error) {
	tb, err := t.b.tablesFor(ctx, m)
	if err != nil {
		return nil, err
	}
	rows, err := t.tx.Query(ctx,
		fmt.Sprintf(`SELECT * FROM %s WHERE "_id" = $1`, quoteIdent(tb.main)), id)
	if err != nil {
		return nil, fmt.Errorf("postgres: getone %s: %w", m.Name, err)
	}
	defer rows.Close()

	var found []backend.Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		found = append(found, row)
		if len(found) > 1 {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	switch len(found) {
	case 0:
		return nil, common.ItemDoesNotExist(m.Name, id)
	case 1:
		return found[0], nil
	default:
		return nil, common.MultipleRowsFound(m.Name, len(found))
	}
}

// Changes reads the model's change feed. A negative offset means "the last
// |offset| changes".
func (t *readTxn) Changes(ctx context.Context, m *manifest.Model, id string, limit, offset int64) ([]backend.ChangeEntry, error) {
	tb, err := t.b.tablesFor(ctx, m)
	if err != nil {
		return nil, err
	}
	sql, args := buildChanges(tb, id, limit, offset)
	rows, err := t.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: changes %s: %w", m.Name, err)
	}
	defer rows.Close()

	var out []backend.ChangeEntry
	for rows.Next() {
		var e backend.ChangeEntry
		var created time.Time
		var data map[string]interface{}
		if err := rows.Scan(&e.Change, &e.Revision, &e.Txn, &e.ID, &created, &e.Action, &data); err != nil {
			return nil, err
		}
		e.Created = created.UTC().Format(time.RFC3339)
		e.Data = data
		out = append(out, e)
	}
	return out, rows.Err()
}
