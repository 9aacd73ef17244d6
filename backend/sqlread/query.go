package sqlread

import (
	"fmt"
	"strings"

	"datapub.evalgo.org/backend"
	"datapub.evalgo.org/common"
	"datapub.evalgo.org/manifest"
	"datapub.evalgo.org/rql"
)

type sqlArgs struct {
	args []interface{}
}

func (a *sqlArgs) add(v interface{}) string {
	a.args = append(a.args, v)
	return fmt.Sprintf("$%d", len(a.args))
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// sourceColumns collects the source columns the projection needs, in flat
// property order.
func sourceColumns(m *manifest.Model) []string {
	var cols []string
	seen := map[string]bool{}
	for _, place := range m.FlatOrder() {
		p := m.FlatProps()[place]
		if p.Source != "" && !seen[p.Source] {
			seen[p.Source] = true
			cols = append(cols, p.Source)
		}
	}
	return cols
}

// buildQuery renders the source SELECT: the model's prepare formula, the
// resolved user conditions and any extra conditions merge into one WHERE
// clause over source columns.
func buildQuery(m *manifest.Model, plan *backend.Plan, extra []backend.Condition) (string, []interface{}, error) {
	cols := sourceColumns(m)
	if len(cols) == 0 {
		return "", nil, common.NotFound("source columns for model", m.Name)
	}
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
	}

	a := &sqlArgs{}
	var where []string

	if m.External.Prepare != nil {
		frag, err := formulaSQL(m, m.External.Prepare, a)
		if err != nil {
			return "", nil, err
		}
		where = append(where, frag)
	}
	conds := extra
	if plan != nil {
		conds = append(conds, plan.Conditions...)
	}
	for _, c := range conds {
		frag, err := condSQL(m, c, a)
		if err != nil {
			return "", nil, err
		}
		where = append(where, frag)
	}
	if plan != nil && plan.Cursor != "" && m.Page != nil {
		frag, err := cursorSQL(m, plan.Cursor, a)
		if err != nil {
			return "", nil, err
		}
		where = append(where, frag)
	}

	colsSQL := strings.Join(quoted, ", ")
	if plan != nil && plan.Count {
		colsSQL = `count(*) AS "count"`
	}
	sql := fmt.Sprintf("SELECT %s FROM %s", colsSQL, quoteIdent(m.External.Name))
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	if plan != nil && plan.Count {
		return sql, a.args, nil
	}

	var order []string
	if plan != nil {
		for _, s := range plan.Sort {
			col, err := sourceCol(m, s.Place)
			if err != nil {
				return "", nil, err
			}
			dir := "ASC"
			if s.Desc {
				dir = "DESC"
			}
			order = append(order, quoteIdent(col)+" "+dir)
		}
	}
	// Page-spec ordering keeps paginated reads resumable.
	if m.Page != nil && len(order) == 0 {
		for _, by := range m.Page.By {
			name := strings.TrimPrefix(by, "-")
			col, err := sourceCol(m, name)
			if err != nil {
				return "", nil, err
			}
			dir := "ASC"
			if strings.HasPrefix(by, "-") {
				dir = "DESC"
			}
			order = append(order, quoteIdent(col)+" "+dir)
		}
	}
	if len(order) > 0 {
		sql += " ORDER BY " + strings.Join(order, ", ")
	}
	if plan != nil {
		if plan.Limit != nil {
			sql += " LIMIT " + a.add(*plan.Limit)
		}
		if plan.Offset != nil {
			sql += " OFFSET " + a.add(*plan.Offset)
		}
	}
	return sql, a.args, nil
}

// cursorSQL turns a stored page cursor into a keyset predicate over the
// page columns: strictly past the cursor row in page order.
func cursorSQL(m *manifest.Model, cursor string, a *sqlArgs) (string, error) {
	values, err := DecodePageCursor(cursor)
	if err != nil {
		return "", err
	}
	if len(values) != len(m.Page.By) {
		return "", common.InvalidValue(backend.FieldPage, cursor)
	}
	var alts []string
	for i := range m.Page.By {
		var parts []string
		for j := 0; j < i; j++ {
			col, err := sourceCol(m, strings.TrimPrefix(m.Page.By[j], "-"))
			if err != nil {
				return "", err
			}
			parts = append(parts, fmt.Sprintf("%s = %s", quoteIdent(col), a.add(values[j])))
		}
		by := m.Page.By[i]
		op := ">"
		if strings.HasPrefix(by, "-") {
			op = "<"
		}
		col, err := sourceCol(m, strings.TrimPrefix(by, "-"))
		if err != nil {
			return "", err
		}
		parts = append(parts, fmt.Sprintf("%s %s %s", quoteIdent(col), op, a.add(values[i])))
		alts = append(alts, "("+strings.Join(parts, " AND ")+")")
	}
	return "(" + strings.Join(alts, " OR ") + ")", nil
}

func sourceCol(m *manifest.Model, place string) (string, error) {
	prop, ok := m.FlatProps()[place]
	if !ok {
		return "", common.FieldNotInResource(m.Name, place)
	}
	if prop.Source == "" {
		return "", common.FieldNotInResource(m.Name, place)
	}
	return prop.Source, nil
}

// condSQL renders one resolved condition against the source table.
func condSQL(m *manifest.Model, c backend.Condition, a *sqlArgs) (string, error) {
	col, err := sourceCol(m, c.Place)
	if err != nil {
		return "", err
	}
	expr := quoteIdent(col)
	_, isStr := c.Value.(string)
	switch c.Op {
	case "eq":
		if c.Value == nil {
			return expr + " IS NULL", nil
		}
		if isStr {
			return fmt.Sprintf("LOWER(%s) = LOWER(%s)", expr, a.add(c.Value)), nil
		}
		return fmt.Sprintf("%s = %s", expr, a.add(c.Value)), nil
	case "ne":
		if c.Value == nil {
			return expr + " IS NOT NULL", nil
		}
		if isStr {
			return fmt.Sprintf("(%s IS NULL OR LOWER(%s) <> LOWER(%s))", expr, expr, a.add(c.Value)), nil
		}
		return fmt.Sprintf("(%s IS NULL OR %s <> %s)", expr, expr, a.add(c.Value)), nil
	case "gt", "ge", "lt", "le":
		op := map[string]string{"gt": ">", "ge": ">=", "lt": "<", "le": "<="}[c.Op]
		return fmt.Sprintf("%s %s %s", expr, op, a.add(c.Value)), nil
	case "contains":
		s, _ := c.Value.(string)
		return fmt.Sprintf(`%s ILIKE %s ESCAPE '\'`, expr, a.add("%"+escapeLike(s)+"%")), nil
	case "startswith":
		s, _ := c.Value.(string)
		return fmt.Sprintf(`%s ILIKE %s ESCAPE '\'`, expr, a.add(escapeLike(s)+"%")), nil
	default:
		return "", common.UnknownOperator(c.Place, c.Op)
	}
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// formulaSQL translates a prepare formula into a WHERE fragment. Binds are
// property names, they resolve to source columns.
func formulaSQL(m *manifest.Model, e *rql.Expr, a *sqlArgs) (string, error) {
	switch e.Name {
	case "and", "or":
		var parts []string
		for _, arg := range e.Args {
			sub, ok := arg.(*rql.Expr)
			if !ok {
				return "", common.UnknownOperator(m.Name, fmt.Sprintf("%v", arg))
			}
			frag, err := formulaSQL(m, sub, a)
			if err != nil {
				return "", err
			}
			parts = append(parts, frag)
		}
		sep := " AND "
		if e.Name == "or" {
			sep = " OR "
		}
		return "(" + strings.Join(parts, sep) + ")", nil
	case "eq", "ne", "gt", "ge", "lt", "le":
		if len(e.Args) != 2 {
			return "", common.UnknownOperator(m.Name, e.Name)
		}
		bind, ok := e.Args[0].(*rql.Bind)
		if !ok {
			return "", common.UnknownOperator(m.Name, e.Name)
		}
		value := e.Args[1]
		if b, isBind := value.(*rql.Bind); isBind {
			// Column-to-column comparison.
			col2, err := sourceCol(m, b.Name)
			if err != nil {
				return "", err
			}
			col1, err := sourceCol(m, bind.Name)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%s %s %s", quoteIdent(col1), sqlOp(e.Name), quoteIdent(col2)), nil
		}
		col, err := sourceCol(m, bind.Name)
		if err != nil {
			return "", err
		}
		if value == nil {
			if e.Name == "eq" {
				return quoteIdent(col) + " IS NULL", nil
			}
			return quoteIdent(col) + " IS NOT NULL", nil
		}
		return fmt.Sprintf("%s %s %s", quoteIdent(col), sqlOp(e.Name), a.add(value)), nil
	default:
		return "", common.NotImplementedFeature(
			fmt.Sprintf("formula function %s() in sql where clauses", e.Name))
	}
}

func sqlOp(name string) string {
	return map[string]string{
		"eq": "=", "ne": "<>", "gt": ">", "ge": ">=", "lt": "<", "le": "<=",
	}[name]
}
