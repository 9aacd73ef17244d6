package sqlread

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"datapub.evalgo.org/backend"
	"datapub.evalgo.org/common"
	"datapub.evalgo.org/keymap"
	"datapub.evalgo.org/manifest"
	"datapub.evalgo.org/rql"
)

// Encoder is the keymap surface the projection needs.
type Encoder interface {
	Encode(ns string, key interface{}, parent string) (string, error)
}

// Project shapes one source row into the model's form: evaluate prepare
// formulas, translate enums, resolve references, synthesise _id, and nest
// dotted places.
func Project(m *manifest.Model, enc Encoder, src map[string]interface{}) (backend.Row, error) {
	flat := map[string]interface{}{}

	for _, place := range m.FlatOrder() {
		prop := m.FlatProps()[place]
		if m.IsListProp(place) {
			// List-path values need per-row aggregation upstream, the plain
			// reader has none.
			continue
		}
		switch prop.Type.Kind {
		case manifest.TypeObject:
			continue
		}

		value, ok, err := cellValue(prop, src)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		if len(prop.Enum) > 0 && value != nil {
			item, found := prop.EnumLookup(value)
			if !found {
				return nil, common.ValueNotInEnum(prop.Place, value)
			}
			if item.Prepare != nil {
				value = item.Prepare
			}
		}

		if prop.Type.Kind == manifest.TypeRef {
			ref, err := resolveRef(prop, enc, value)
			if err != nil {
				return nil, err
			}
			flat[place] = ref
			continue
		}
		flat[place] = value
	}

	row := common.Unflatten(flat)

	id, err := synthesizeID(m, enc, flat)
	if err != nil {
		return nil, err
	}
	row[backend.FieldID] = id
	row[backend.FieldType] = m.Name

	if m.Page != nil {
		cursor, err := pageCursor(m, flat)
		if err != nil {
			return nil, err
		}
		row[backend.FieldPage] = cursor
	}
	return row, nil
}

// cellValue reads a property's value from the source row: a prepare
// formula wins over a plain column read.
func cellValue(prop *manifest.Property, src map[string]interface{}) (interface{}, bool, error) {
	if prop.Prepare != nil {
		env := &rql.Env{Row: src}
		if prop.Source != "" {
			env.Self = src[prop.Source]
		}
		v, err := env.Eval(prop.Prepare)
		if err != nil {
			return nil, false, common.InvalidValue(prop.Place, err.Error())
		}
		return v, true, nil
	}
	if prop.Source == "" {
		return nil, false, nil
	}
	v, ok := src[prop.Source]
	return v, ok, nil
}

// resolveRef assigns a reference value by the property's maturity level:
// high levels store the target's surrogate id, low levels with a single ref
// property keep the natural value.
func resolveRef(prop *manifest.Property, enc Encoder, value interface{}) (interface{}, error) {
	if value == nil {
		return nil, nil
	}
	level := prop.Level
	if level == 0 {
		level = 4
	}
	if level <= 3 && len(prop.Type.RefProps) == 1 {
		return map[string]interface{}{prop.Type.RefProps[0]: value}, nil
	}
	ns := prop.Type.RefModel
	if !prop.Type.RefByPK {
		ns = keymap.Namespace(prop.Type.RefModel, prop.Type.RefProps, nil)
	}
	id, err := enc.Encode(ns, value, "")
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{backend.FieldID: id}, nil
}

// synthesizeID builds the surrogate id from the model's natural key,
// composing with the base model's id when the model extends one, and
// indexes any extra key combinations referencing models rely on.
func synthesizeID(m *manifest.Model, enc Encoder, flat map[string]interface{}) (string, error) {
	pkeys := m.External.PKeys
	if len(pkeys) == 0 {
		pkeys = m.PKeys
	}
	if len(pkeys) == 0 {
		return "", common.NotFound("primary key for model", m.Name)
	}
	key := make([]interface{}, len(pkeys))
	for i, pk := range pkeys {
		key[i] = flat[pk]
	}

	parent := ""
	if m.Base != "" {
		baseID, err := enc.Encode(m.Base, key, "")
		if err != nil {
			return "", err
		}
		parent = baseID
	}
	id, err := enc.Encode(m.Name, key, parent)
	if err != nil {
		return "", err
	}

	for _, combo := range m.RequiredKeyMaps {
		comboKey := make([]interface{}, len(combo))
		for i, name := range combo {
			comboKey[i] = flat[name]
		}
		if _, err := enc.Encode(keymap.Namespace(m.Name, combo, m.PKeys), comboKey, ""); err != nil {
			return "", err
		}
	}
	return id, nil
}

// pageCursor encodes the page-property values of a row into an opaque
// resumable cursor.
func pageCursor(m *manifest.Model, flat map[string]interface{}) (string, error) {
	values := make([]interface{}, len(m.Page.By))
	for i, by := range m.Page.By {
		name := by
		if len(by) > 0 && by[0] == '-' {
			name = by[1:]
		}
		values[i] = flat[name]
	}
	b, err := json.Marshal(common.FixDataForJSON(map[string]interface{}{"v": values}))
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// DecodePageCursor reads a cursor back into its value list.
func DecodePageCursor(cursor string) ([]interface{}, error) {
	b, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, common.InvalidValue(backend.FieldPage, cursor)
	}
	var wrapped struct {
		V []interface{} `json:"v"`
	}
	if err := json.Unmarshal(b, &wrapped); err != nil {
		return nil, common.InvalidValue(backend.FieldPage, cursor)
	}
	return wrapped.V, nil
}

// projRows lazily projects a source cursor. raw skips the projection and
// yields source rows as scanned.
type projRows struct {
	m    *manifest.Model
	km   Encoder
	rows pgx.Rows
	raw  bool
	cur  backend.Row
	err  error
}

func (r *projRows) Next(ctx context.Context) bool {
	if r.err != nil || ctx.Err() != nil {
		return false
	}
	if !r.rows.Next() {
		r.err = r.rows.Err()
		return false
	}
	values, err := r.rows.Values()
	if err != nil {
		r.err = err
		return false
	}
	src := map[string]interface{}{}
	for i, fd := range r.rows.FieldDescriptions() {
		src[string(fd.Name)] = values[i]
	}
	if r.raw {
		r.cur = backend.Row(src)
		return true
	}
	row, err := Project(r.m, r.km, src)
	if err != nil {
		r.err = err
		return false
	}
	r.cur = row
	return true
}

func (r *projRows) Row() backend.Row { return r.cur }
func (r *projRows) Err() error       { return r.err }

func (r *projRows) Close() error {
	r.rows.Close()
	return nil
}
