package api

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"datapub.evalgo.org/backend"
	"datapub.evalgo.org/common"
	"datapub.evalgo.org/manifest"
)

// memBackend is an in-memory engine used to exercise the HTTP surface
// without a database.
type memBackend struct {
	rows    map[string]map[string]backend.Row
	changes map[string][]backend.ChangeEntry
	txnSeq  int64
	cidSeq  int64
}

func newMemBackend() *memBackend {
	return &memBackend{
		rows:    map[string]map[string]backend.Row{},
		changes: map[string][]backend.ChangeEntry{},
	}
}

func (b *memBackend) Name() string                                          { return "mem" }
func (b *memBackend) Migrate(ctx context.Context, m *manifest.Model) error  { return nil }
func (b *memBackend) Close()                                                {}
func (b *memBackend) Read(ctx context.Context) (backend.ReadTxn, error)     { return &memTxn{b: b}, nil }
func (b *memBackend) Write(ctx context.Context) (backend.WriteTxn, error) {
	b.txnSeq++
	return &memTxn{b: b, txn: b.txnSeq}, nil
}

type memTxn struct {
	b   *memBackend
	txn int64
}

func (t *memTxn) ID() int64                         { return t.txn }
func (t *memTxn) Close(ctx context.Context) error   { return nil }
func (t *memTxn) Commit(ctx context.Context) error  { return nil }
func (t *memTxn) Rollback(ctx context.Context) error { return nil }

func copyRow(row backend.Row) backend.Row {
	out := backend.Row{}
	for k, v := range row {
		out[k] = v
	}
	return out
}

func (t *memTxn) GetOne(ctx context.Context, m *manifest.Model, id string) (backend.Row, error) {
	row, ok := t.b.rows[m.Name][id]
	if !ok {
		return nil, common.ItemDoesNotExist(m.Name, id)
	}
	return copyRow(row), nil
}

func (t *memTxn) GetAll(ctx context.Context, m *manifest.Model, plan *backend.Plan) (backend.Rows, error) {
	var out []backend.Row
	for _, row := range t.b.rows[m.Name] {
		if matches(row, plan) {
			out = append(out, copyRow(row))
		}
	}
	if plan != nil && len(plan.Sort) > 0 {
		key := plan.Sort[0]
		sort.Slice(out, func(i, j int) bool {
			a := fmt.Sprintf("%v", out[i][key.Place])
			b := fmt.Sprintf("%v", out[j][key.Place])
			if key.Desc {
				return a > b
			}
			return a < b
		})
	} else {
		sort.Slice(out, func(i, j int) bool {
			a, _ := out[i][backend.FieldID].(string)
			b, _ := out[j][backend.FieldID].(string)
			return a < b
		})
	}
	if plan != nil && plan.Count {
		out = []backend.Row{{"count": int64(len(out))}}
	}
	return backend.NewSliceRows(out), nil
}

func matches(row backend.Row, plan *backend.Plan) bool {
	if plan == nil {
		return true
	}
	for _, c := range plan.Conditions {
		got := fmt.Sprintf("%v", row[c.Place])
		want := fmt.Sprintf("%v", c.Value)
		switch c.Op {
		case "eq":
			if !strings.EqualFold(got, want) {
				return false
			}
		case "ne":
			if strings.EqualFold(got, want) {
				return false
			}
		}
	}
	return true
}

func (t *memTxn) Changes(ctx context.Context, m *manifest.Model, id string, limit, offset int64) ([]backend.ChangeEntry, error) {
	var out []backend.ChangeEntry
	for _, e := range t.b.changes[m.Name] {
		if id == "" || e.ID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

func (t *memTxn) appendChange(model, id string, action backend.Action, data backend.Row) {
	t.b.cidSeq++
	t.b.changes[model] = append(t.b.changes[model], backend.ChangeEntry{
		Change:   t.b.cidSeq,
		Revision: uuid.NewString(),
		Txn:      t.txn,
		ID:       id,
		Created:  time.Now().UTC().Format(time.RFC3339),
		Action:   action,
		Data:     data,
	})
}

func (t *memTxn) Insert(ctx context.Context, m *manifest.Model, rows []backend.Row) ([]backend.Row, error) {
	if t.b.rows[m.Name] == nil {
		t.b.rows[m.Name] = map[string]backend.Row{}
	}
	out := make([]backend.Row, 0, len(rows))
	for _, item := range rows {
		id, _ := item[backend.FieldID].(string)
		if id == "" {
			id = uuid.NewString()
		}
		row := backend.Row{
			backend.FieldID:       id,
			backend.FieldRevision: uuid.NewString(),
		}
		for k, v := range item {
			if backend.Reserved(k) {
				continue
			}
			if _, ok := m.Prop(k); !ok {
				return nil, common.FieldNotInResource(m.Name, k)
			}
			row[k] = v
		}
		t.b.rows[m.Name][id] = row
		t.appendChange(m.Name, id, backend.ActionInsert, copyRow(row))
		out = append(out, copyRow(row))
	}
	return out, nil
}

func (t *memTxn) Update(ctx context.Context, m *manifest.Model, id, revision string, data backend.Row, patch bool) (backend.Row, error) {
	saved, ok := t.b.rows[m.Name][id]
	if !ok {
		return nil, common.ItemDoesNotExist(m.Name, id)
	}
	savedRev, _ := saved[backend.FieldRevision].(string)
	if revision != savedRev {
		return nil, common.ConflictingValue(backend.FieldRevision, revision, savedRev)
	}
	row := backend.Row{
		backend.FieldID:       id,
		backend.FieldRevision: uuid.NewString(),
	}
	if patch {
		for k, v := range saved {
			if !backend.Reserved(k) {
				row[k] = v
			}
		}
	}
	for k, v := range data {
		if backend.Reserved(k) {
			continue
		}
		if _, ok := m.Prop(k); !ok {
			return nil, common.FieldNotInResource(m.Name, k)
		}
		row[k] = v
	}
	t.b.rows[m.Name][id] = row
	action := backend.ActionUpdate
	if patch {
		action = backend.ActionPatch
	}
	t.appendChange(m.Name, id, action, copyRow(row))
	return copyRow(row), nil
}

func (t *memTxn) Delete(ctx context.Context, m *manifest.Model, id, revision string) error {
	saved, ok := t.b.rows[m.Name][id]
	if !ok {
		return common.ItemDoesNotExist(m.Name, id)
	}
	if revision != "" {
		if savedRev, _ := saved[backend.FieldRevision].(string); revision != savedRev {
			return common.ConflictingValue(backend.FieldRevision, revision, savedRev)
		}
	}
	delete(t.b.rows[m.Name], id)
	t.appendChange(m.Name, id, backend.ActionDelete, nil)
	return nil
}

func (t *memTxn) Wipe(ctx context.Context, m *manifest.Model) error {
	delete(t.b.rows, m.Name)
	delete(t.b.changes, m.Name)
	return nil
}
