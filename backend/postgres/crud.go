package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"datapub.evalgo.org/backend"
	"datapub.evalgo.org/common"
	"datapub.evalgo.org/manifest"
)

// prepareColumnValue converts a payload value into its column form.
// Temporal strings were already normalised by the query layer, JSON-shaped
// properties are serialised explicitly.
func prepareColumnValue(p *manifest.Property, v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	switch p.Type.Kind {
	case manifest.TypeObject, manifest.TypeArray, manifest.TypeRef:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, common.InvalidValue(p.Place, v)
		}
		return string(b), nil
	case manifest.TypeDateTime:
		if t, ok := v.(time.Time); ok {
			return backend.NormalizeDateTime(t), nil
		}
		return v, nil
	default:
		return v, nil
	}
}

// validatePayload splits a payload into declared top-level properties,
// rejecting unknown and managed fields. _id may be supplied on insert,
// _type is ignored when it matches the model.
func validatePayload(m *manifest.Model, data backend.Row, insert bool) (backend.Row, error) {
	out := backend.Row{}
	var errs []*common.Error
	for k, v := range data {
		if backend.Reserved(k) {
			switch k {
			case backend.FieldID:
				if !insert {
					errs = append(errs, common.ManagedProperty(k))
				}
			case backend.FieldType, backend.FieldRevision, backend.FieldOp, backend.FieldWhere, backend.FieldPage:
				// handled by the caller
			default:
				errs = append(errs, common.ManagedProperty(k))
			}
			continue
		}
		if _, ok := m.Prop(k); !ok {
			errs = append(errs, common.FieldNotInResource(m.Name, k))
			continue
		}
		out[k] = v
	}
	if len(errs) == 1 {
		return nil, errs[0]
	}
	if len(errs) > 1 {
		return nil, common.NewMultipleErrors(errs...)
	}
	return out, nil
}

// checkUnique runs the unique-constraint probe for one property value. On
// update the saved row is excluded from the probe.
func (t *writeTxn) checkUnique(ctx context.Context, m *manifest.Model, tb tables, prop *manifest.Property, value interface{}, excludeID string) error {
	if value == nil {
		return nil
	}
	b := &sqlBuilder{}
	sql := fmt.Sprintf(`SELECT 1 FROM %s WHERE %s = %s`,
		quoteIdent(tb.main), quoteIdent(prop.Name), b.arg(value))
	if excludeID != "" {
		sql += fmt.Sprintf(` AND "_id" <> %s`, b.arg(excludeID))
	}
	rows, err := t.tx.Query(ctx, sql, b.args...)
	if err != nil {
		return fmt.Errorf("postgres: unique check %s: %w", prop.Place, err)
	}
	defer rows.Close()
	if rows.Next() {
		return common.UniqueConstraint(prop.Place)
	}
	return rows.Err()
}

// iterLists walks a payload and yields one mirror row per array element.
// Object elements flatten their scalar leaves into absolute dotted keys,
// nested arrays yield their own rows.
func iterLists(data map[string]interface{}, prefix string, emit func(key string, data map[string]interface{})) {
	for k, v := range data {
		if backend.Reserved(k) {
			continue
		}
		place := k
		if prefix != "" {
			place = prefix + "." + k
		}
		switch val := v.(type) {
		case map[string]interface{}:
			iterLists(val, place, emit)
		case []interface{}:
			for _, item := range val {
				switch it := item.(type) {
				case map[string]interface{}:
					flat := map[string]interface{}{}
					nested := map[string]interface{}{}
					for ik, iv := range it {
						switch ival := iv.(type) {
						case []interface{}, map[string]interface{}:
							nested[ik] = ival
						default:
							flat[place+"."+ik] = iv
						}
					}
					emit(place, flat)
					iterLists(nested, place, emit)
				default:
					if item != nil {
						emit(place, map[string]interface{}{place: item})
					}
				}
			}
		}
	}
}

func (t *writeTxn) insertLists(ctx context.Context, tb tables, id string, data backend.Row) error {
	var failure error
	emit := func(key string, flat map[string]interface{}) {
		if failure != nil {
			return
		}
		payload, err := json.Marshal(common.FixDataForJSON(flat))
		if err != nil {
			failure = err
			return
		}
		_, failure = t.tx.Exec(ctx, fmt.Sprintf(
			`INSERT INTO %s ("_txn", "_rid", "key", "data") VALUES ($1, $2, $3, $4)`,
			quoteIdent(tb.lists)), t.id, id, key, string(payload))
	}
	iterLists(data, "", emit)
	return failure
}

func (t *writeTxn) deleteLists(ctx context.Context, tb tables, id string) error {
	_, err := t.tx.Exec(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE "_rid" = $1`, quoteIdent(tb.lists)), id)
	return err
}

// appendChange writes one immutable change-log entry.
func (t *writeTxn) appendChange(ctx context.Context, tb tables, id, revision string, action backend.Action, data backend.Row) error {
	var payload interface{}
	if data != nil {
		b, err := json.Marshal(common.FixDataForJSON(data))
		if err != nil {
			return err
		}
		payload = string(b)
	}
	_, err := t.tx.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s ("_revision", "_txn", "_rid", "_created", "_op", "data")
		 VALUES ($1, $2, $3, $4, $5, $6)`, quoteIdent(tb.changes)),
		revision, t.id, id, time.Now().UTC(), string(action), payload)
	return err
}

// normalizeTemporals applies the shared datetime normalisation to payload
// values so list-stored JSON compares lexicographically with query values.
func normalizeTemporals(m *manifest.Model, data backend.Row) (backend.Row, error) {
	out := backend.Row{}
	flat := m.FlatProps()
	for k, v := range data {
		out[k] = v
		if prop, ok := flat[k]; ok {
			coerced, err := backend.CoerceValue(prop, v)
			if err == nil {
				out[k] = coerced
			}
		}
	}
	return out, nil
}

// Insert appends rows to the main table, mirrors list subtrees and records
// insert changes. Returns the stored rows with their assigned _id and
// _revision.
func (t *writeTxn) Insert(ctx context.Context, m *manifest.Model, rows []backend.Row) ([]backend.Row, error) {
	tb, err := t.b.tablesFor(ctx, m)
	if err != nil {
		return nil, err
	}
	out := make([]backend.Row, 0, len(rows))
	for _, item := range rows {
		data, err := validatePayload(m, item, true)
		if err != nil {
			return nil, err
		}
		data, err = normalizeTemporals(m, data)
		if err != nil {
			return nil, err
		}

		id, _ := item[backend.FieldID].(string)
		if id == "" {
			id = uuid.NewString()
		}
		revision := uuid.NewString()
		now := time.Now().UTC()

		cols := []string{`"_id"`, `"_revision"`, `"_txn"`, `"_created"`}
		b := &sqlBuilder{}
		vals := []string{b.arg(id), b.arg(revision), b.arg(t.id), b.arg(now)}
		for _, p := range m.Props {
			v, ok := data[p.Name]
			if !ok {
				continue
			}
			if p.Unique {
				if err := t.checkUnique(ctx, m, tb, p, v, ""); err != nil {
					return nil, err
				}
			}
			cv, err := prepareColumnValue(p, v)
			if err != nil {
				return nil, err
			}
			cols = append(cols, quoteIdent(p.Name))
			vals = append(vals, b.arg(cv))
		}
		_, err = t.tx.Exec(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			quoteIdent(tb.main), strings.Join(cols, ", "), strings.Join(vals, ", ")), b.args...)
		if err != nil {
			return nil, fmt.Errorf("postgres: insert %s: %w", m.Name, err)
		}
		if m.HasLists() {
			if err := t.insertLists(ctx, tb, id, data); err != nil {
				return nil, err
			}
		}
		if err := t.appendChange(ctx, tb, id, revision, backend.ActionInsert, data); err != nil {
			return nil, err
		}

		stored := backend.Row{
			backend.FieldID:       id,
			backend.FieldRevision: revision,
			backend.FieldType:     m.Name,
		}
		for k, v := range data {
			stored[k] = v
		}
		out = append(out, stored)
	}
	return out, nil
}

// Update rewrites a row under the optimistic _revision check. With patch
// set, nested objects merge: the saved object is copied and the patch
// overlaid before assignment. The lists mirror is refreshed with a
// delete-then-insert for the row.
func (t *writeTxn) Update(ctx context.Context, m *manifest.Model, id, revision string, data backend.Row, patch bool) (backend.Row, error) {
	tb, err := t.b.tablesFor(ctx, m)
	if err != nil {
		return nil, err
	}
	saved, err := t.GetOne(ctx, m, id)
	if err != nil {
		return nil, err
	}
	savedRev, _ := saved[backend.FieldRevision].(string)
	if revision != savedRev {
		return nil, common.ConflictingValue(backend.FieldRevision, revision, savedRev)
	}

	data, err = validatePayload(m, data, false)
	if err != nil {
		return nil, err
	}
	data, err = normalizeTemporals(m, data)
	if err != nil {
		return nil, err
	}
	if patch {
		for _, p := range m.Props {
			patchVal, ok := data[p.Name].(map[string]interface{})
			if !ok || p.Type.Kind != manifest.TypeObject {
				continue
			}
			merged := map[string]interface{}{}
			if savedObj, ok := saved[p.Name].(map[string]interface{}); ok {
				for k, v := range savedObj {
					merged[k] = v
				}
			}
			for k, v := range patchVal {
				merged[k] = v
			}
			data[p.Name] = merged
		}
	}

	newRev := uuid.NewString()
	b := &sqlBuilder{}
	sets := []string{
		`"_revision" = ` + b.arg(newRev),
		`"_txn" = ` + b.arg(t.id),
		`"_updated" = ` + b.arg(time.Now().UTC()),
	}
	for _, p := range m.Props {
		v, ok := data[p.Name]
		if !ok {
			continue
		}
		if p.Unique {
			if err := t.checkUnique(ctx, m, tb, p, v, id); err != nil {
				return nil, err
			}
		}
		cv, err := prepareColumnValue(p, v)
		if err != nil {
			return nil, err
		}
		sets = append(sets, fmt.Sprintf("%s = %s", quoteIdent(p.Name), b.arg(cv)))
	}
	sql := fmt.Sprintf(`UPDATE %s SET %s WHERE "_id" = %s AND "_revision" = %s`,
		quoteIdent(tb.main), strings.Join(sets, ", "), b.arg(id), b.arg(revision))
	tag, err := t.tx.Exec(ctx, sql, b.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: update %s: %w", m.Name, err)
	}
	switch n := tag.RowsAffected(); {
	case n == 0:
		return nil, common.ConflictingValue(backend.FieldRevision, revision, savedRev)
	case n > 1:
		return nil, common.MultipleRowsFound(m.Name, int(n))
	}

	if m.HasLists() {
		merged := backend.Row{}
		for k, v := range saved {
			if !backend.Reserved(k) {
				merged[k] = v
			}
		}
		for k, v := range data {
			merged[k] = v
		}
		if err := t.deleteLists(ctx, tb, id); err != nil {
			return nil, err
		}
		if err := t.insertLists(ctx, tb, id, merged); err != nil {
			return nil, err
		}
	}

	action := backend.ActionUpdate
	if patch {
		action = backend.ActionPatch
	}
	if err := t.appendChange(ctx, tb, id, newRev, action, data); err != nil {
		return nil, err
	}

	result := backend.Row{
		backend.FieldID:       id,
		backend.FieldRevision: newRev,
		backend.FieldType:     m.Name,
	}
	for k, v := range data {
		result[k] = v
	}
	return result, nil
}

// Delete removes a row, its lists mirror, and records a delete change.
func (t *writeTxn) Delete(ctx context.Context, m *manifest.Model, id, revision string) error {
	tb, err := t.b.tablesFor(ctx, m)
	if err != nil {
		return err
	}
	saved, err := t.GetOne(ctx, m, id)
	if err != nil {
		return err
	}
	if revision != "" {
		if savedRev, _ := saved[backend.FieldRevision].(string); revision != savedRev {
			return common.ConflictingValue(backend.FieldRevision, revision, savedRev)
		}
	}
	if m.HasLists() {
		if err := t.deleteLists(ctx, tb, id); err != nil {
			return err
		}
	}
	if err := t.appendChange(ctx, tb, id, uuid.NewString(), backend.ActionDelete, nil); err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE "_id" = $1`, quoteIdent(tb.main)), id)
	if err != nil {
		return fmt.Errorf("postgres: delete %s: %w", m.Name, err)
	}
	if tag.RowsAffected() == 0 {
		return common.ItemDoesNotExist(m.Name, id)
	}
	return nil
}

// Wipe truncates the model's tables: lists first, then changes, then main.
func (t *writeTxn) Wipe(ctx context.Context, m *manifest.Model) error {
	tb, err := t.b.tablesFor(ctx, m)
	if err != nil {
		return err
	}
	stmts := []string{}
	if m.HasLists() {
		stmts = append(stmts, `DELETE FROM `+quoteIdent(tb.lists))
	}
	stmts = append(stmts,
		`DELETE FROM `+quoteIdent(tb.changes),
		`DELETE FROM `+quoteIdent(tb.main))
	for _, stmt := range stmts {
		if _, err := t.tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: wipe %s: %w", m.Name, err)
		}
	}
	return nil
}
