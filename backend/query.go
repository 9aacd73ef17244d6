package backend

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"datapub.evalgo.org/common"
	"datapub.evalgo.org/manifest"
	"datapub.evalgo.org/rql"
)

// Plan is the backend-neutral lowering of a query expression against one
// model. Conditions are typed and marked when they must run against the
// lists side table.
type Plan struct {
	Conditions []Condition
	Sort       []SortKey
	Select     []string
	Limit      *int64
	Offset     *int64
	Count      bool
	// Cursor resumes a paginated read from a previously stored page cursor.
	// Opaque to everything but the source backend that issued it.
	Cursor string
	// Query keeps the unresolved expression for backends that translate it
	// themselves (the external SQL reader).
	Query *rql.Expr
}

// Condition is one typed predicate.
type Condition struct {
	Op     string
	Prop   *manifest.Property
	Place  string
	Value  interface{}
	InList bool
}

// SortKey is one sort term.
type SortKey struct {
	Prop   *manifest.Property
	Place  string
	Desc   bool
	InList bool
}

var comparisonOps = map[string]bool{
	"eq": true, "ne": true, "gt": true, "ge": true, "lt": true, "le": true,
	"contains": true, "startswith": true,
}

// ResolveQuery lowers a parsed expression into a plan for the model. Every
// property reference is resolved through the model's flat property view,
// values are coerced to the property's type.
func ResolveQuery(m *manifest.Model, e *rql.Expr) (*Plan, error) {
	plan := &Plan{Query: e}
	if e == nil {
		return plan, nil
	}
	if err := resolveNode(m, e, plan); err != nil {
		return nil, err
	}
	return plan, nil
}

func resolveNode(m *manifest.Model, e *rql.Expr, plan *Plan) error {
	switch {
	case e.Name == "and":
		for _, arg := range e.Args {
			sub, ok := arg.(*rql.Expr)
			if !ok {
				return common.UnknownOperator("", fmt.Sprintf("%v", arg))
			}
			if err := resolveNode(m, sub, plan); err != nil {
				return err
			}
		}
		return nil
	case e.Name == "select":
		return resolveSelect(m, e, plan)
	case e.Name == "sort":
		return resolveSort(m, e, plan)
	case e.Name == "limit":
		n, err := positiveArg(e)
		if err != nil {
			return err
		}
		plan.Limit = &n
		return nil
	case e.Name == "offset":
		n, err := positiveArg(e)
		if err != nil {
			return err
		}
		plan.Offset = &n
		return nil
	case e.Name == "count":
		plan.Count = true
		return nil
	case comparisonOps[e.Name]:
		return resolveComparison(m, e, plan)
	default:
		return common.UnknownOperator("", e.Name)
	}
}

func resolveSelect(m *manifest.Model, e *rql.Expr, plan *Plan) error {
	for _, arg := range e.Args {
		switch v := arg.(type) {
		case *rql.Bind:
			if _, err := lookupProp(m, v.Name); err != nil {
				return err
			}
			plan.Select = append(plan.Select, v.Name)
		case *rql.Expr:
			if v.Name == "count" {
				plan.Count = true
				continue
			}
			return common.UnknownOperator("", v.Name)
		default:
			return common.InvalidValue("select", arg)
		}
	}
	return nil
}

func resolveSort(m *manifest.Model, e *rql.Expr, plan *Plan) error {
	for _, arg := range e.Args {
		var name string
		var desc bool
		switch v := arg.(type) {
		case *rql.Bind:
			name = v.Name
		case *rql.Expr:
			if (v.Name != "+" && v.Name != "-") || len(v.Args) != 1 {
				return common.UnknownOperator("", v.Name)
			}
			b, ok := v.Args[0].(*rql.Bind)
			if !ok {
				return common.InvalidValue("sort", v.Args[0])
			}
			name = b.Name
			desc = v.Name == "-"
		default:
			return common.InvalidValue("sort", arg)
		}
		prop, err := lookupProp(m, name)
		if err != nil {
			return err
		}
		plan.Sort = append(plan.Sort, SortKey{
			Prop:   prop,
			Place:  name,
			Desc:   desc,
			InList: m.IsListProp(name),
		})
	}
	return nil
}

func resolveComparison(m *manifest.Model, e *rql.Expr, plan *Plan) error {
	if len(e.Args) != 2 {
		return common.UnknownOperator("", e.Name)
	}
	bind, ok := e.Args[0].(*rql.Bind)
	if !ok {
		return common.InvalidValue(e.Name, e.Args[0])
	}
	prop, err := lookupProp(m, bind.Name)
	if err != nil {
		return err
	}
	if e.Name == "contains" || e.Name == "startswith" {
		switch prop.Type.Kind {
		case manifest.TypeString, manifest.TypeText, manifest.TypeURI:
		default:
			return common.UnknownOperator(bind.Name, e.Name)
		}
	}
	value, err := CoerceValue(prop, e.Args[1])
	if err != nil {
		return err
	}
	plan.Conditions = append(plan.Conditions, Condition{
		Op:     e.Name,
		Prop:   prop,
		Place:  bind.Name,
		Value:  value,
		InList: m.IsListProp(bind.Name),
	})
	return nil
}

func lookupProp(m *manifest.Model, name string) (*manifest.Property, error) {
	switch name {
	case FieldID, FieldRevision, FieldType:
		return &manifest.Property{
			Name:  name,
			Place: name,
			Model: m.Name,
			Type:  &manifest.Type{Kind: manifest.TypeString},
		}, nil
	}
	if prop, ok := m.FlatProps()[name]; ok {
		return prop, nil
	}
	return nil, common.FieldNotInResource(m.Name, name)
}

func positiveArg(e *rql.Expr) (int64, error) {
	if len(e.Args) != 1 {
		return 0, common.InvalidValue(e.Name, e.Args)
	}
	n, ok := e.Args[0].(int64)
	if !ok || n < 0 {
		return 0, common.InvalidValue(e.Name, e.Args[0])
	}
	return n, nil
}

// CoerceValue loads a literal as the property's type. Temporal values are
// normalised to UTC with the zone dropped so comparisons against JSON-stored
// list values stay lexicographic; the internal backend applies the same
// normalisation when writing.
func CoerceValue(prop *manifest.Property, value interface{}) (interface{}, error) {
	if value == nil {
		return nil, nil
	}
	kind := prop.Type.Kind
	if kind == manifest.TypeArray && prop.Type.Items != nil {
		kind = prop.Type.Items.Type.Kind
	}
	switch kind {
	case manifest.TypeString, manifest.TypeText, manifest.TypeURI, manifest.TypeGeometry:
		s, ok := value.(string)
		if !ok {
			return nil, common.InvalidValue(prop.Place, value)
		}
		return s, nil
	case manifest.TypeInteger:
		switch n := value.(type) {
		case int64:
			return n, nil
		case float64:
			if n == float64(int64(n)) {
				return int64(n), nil
			}
		}
		return nil, common.InvalidValue(prop.Place, value)
	case manifest.TypeNumber:
		switch n := value.(type) {
		case int64:
			return float64(n), nil
		case float64:
			return n, nil
		}
		return nil, common.InvalidValue(prop.Place, value)
	case manifest.TypeBoolean:
		if b, ok := value.(bool); ok {
			return b, nil
		}
		return nil, common.InvalidValue(prop.Place, value)
	case manifest.TypeDate:
		return parseTemporal(prop, value, "2006-01-02", false)
	case manifest.TypeTime:
		if s, ok := value.(string); ok {
			if _, err := time.Parse("15:04:05", s); err == nil {
				return s, nil
			}
		}
		return nil, common.InvalidValue(prop.Place, value)
	case manifest.TypeDateTime:
		return parseTemporal(prop, value, "", true)
	case manifest.TypeRef:
		if s, ok := value.(string); ok {
			return s, nil
		}
		return nil, common.InvalidValue(prop.Place, value)
	default:
		if s, ok := value.(string); ok {
			return s, nil
		}
		return nil, common.InvalidValue(prop.Place, value)
	}
}

func parseTemporal(prop *manifest.Property, value interface{}, layout string, datetime bool) (interface{}, error) {
	s, ok := value.(string)
	if !ok {
		return nil, common.InvalidValue(prop.Place, value)
	}
	if !datetime {
		if _, err := time.Parse(layout, s); err != nil {
			return nil, common.InvalidValue(prop.Place, value)
		}
		return s, nil
	}
	for _, l := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(l, s); err == nil {
			return NormalizeDateTime(t), nil
		}
	}
	return nil, common.InvalidValue(prop.Place, value)
}

// NormalizeDateTime renders a timestamp as UTC ISO-8601 without a zone
// designator. Applied on both the query and the write path so stored and
// queried values compare lexicographically.
func NormalizeDateTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05")
}

// FormatValue renders a plan value for textual embedding (used in tests and
// diagnostics).
func FormatValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return strconv.Quote(val)
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", val))
	}
}
