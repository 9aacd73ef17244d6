package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"datapub.evalgo.org/backend"
	"datapub.evalgo.org/common"
	"datapub.evalgo.org/manifest"
	"datapub.evalgo.org/rql"
)

// Source streams the current rows of one model from the external reader.
// A non-empty cursor resumes a paginated source past the rows already
// pushed.
type Source func(ctx context.Context, m *manifest.Model, cursor string) (backend.Rows, error)

// Counter reports how many rows a model's source currently holds. Progress
// reporting only, a failing count never fails the run.
type Counter func(ctx context.Context, m *manifest.Model) (int64, error)

// pushRow is one row moving through the pipeline.
type pushRow struct {
	model    string
	id       string
	op       string
	checksum string
	cursor   string
	encoded  []byte
}

// Pusher runs the replication pipeline for one dataset.
type Pusher struct {
	Manifest *manifest.Manifest
	Dataset  string
	Source   Source
	Count    Counter
	State    *State
	Client   *Client

	// Budget controls.
	ChunkSize   int
	StopTime    time.Duration
	StopRow     int64
	MaxErrors   int
	StopOnError bool
	NoProgress  bool

	Log *logrus.Entry

	stopped bool
	sent    int64
}

var errStop = errors.New("push: budget reached")

// Run pushes the dataset: models stream in reference order, unchanged rows
// are skipped, changed rows post in chunks, and rows that vanished from the
// source are deleted from the remote in reverse order.
func (p *Pusher) Run(ctx context.Context) error {
	if p.Log == nil {
		p.Log = common.Logger.WithField("dataset", p.Dataset)
	}
	models := p.Manifest.DatasetModels(p.Dataset)
	if len(models) == 0 {
		return common.NotFound("dataset", p.Dataset)
	}
	counter := &ErrorCounter{Max: p.MaxErrors}
	var deadline time.Time
	if p.StopTime > 0 {
		deadline = time.Now().Add(p.StopTime)
	}

	seen := map[string]map[string]bool{}
	partial := map[string]bool{}
	for _, m := range models {
		seen[m.Name] = map[string]bool{}
		cursor, err := p.State.Cursor(m.Name)
		if err != nil {
			return err
		}
		// A cursor-resumed scan skips rows already pushed, so it never
		// observes the full source.
		partial[m.Name] = cursor != ""
		if err := p.pushModel(ctx, m, cursor, seen[m.Name], counter, deadline); err != nil {
			if errors.Is(err, errStop) {
				p.stopped = true
				break
			}
			return err
		}
	}

	// A budget-stopped run has not observed the full source, deleting
	// unseen rows would be wrong.
	if p.stopped {
		p.Log.WithField("rows", p.sent).Info("push stopped by budget")
		return nil
	}

	for i := len(models) - 1; i >= 0; i-- {
		m := models[i]
		if partial[m.Name] {
			continue
		}
		if err := p.deleteVanished(ctx, m, seen[m.Name], counter); err != nil {
			return err
		}
	}
	p.Log.WithFields(logrus.Fields{"rows": p.sent, "errors": counter.Count()}).Info("push finished")
	return nil
}

func (p *Pusher) pushModel(ctx context.Context, m *manifest.Model, cursor string, seen map[string]bool, counter *ErrorCounter, deadline time.Time) error {
	log := p.Log.WithField("model", m.Name)
	if !p.NoProgress && p.Count != nil {
		if total, err := p.Count(ctx, m); err == nil {
			log = log.WithField("total", total)
		} else {
			log.WithError(err).Debug("source count unavailable")
		}
	}
	log.Info("pushing model")

	ch := newChunker(p.ChunkSize)

	// Failed rows retry first from their stored payloads.
	failed, err := p.State.Errors(m.Name)
	if err != nil {
		return err
	}
	for id, payload := range failed {
		if len(payload) == 0 {
			continue
		}
		seen[id] = true
		row := &pushRow{model: m.Name, id: id, op: "upsert", encoded: payload}
		var decoded map[string]interface{}
		if err := json.Unmarshal(payload, &decoded); err == nil {
			if sum, err := Checksum(decoded); err == nil {
				row.checksum = sum
			}
		}
		if err := p.feed(ctx, ch, row, payload, counter); err != nil {
			return err
		}
	}

	rows, err := p.Source(ctx, m, cursor)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next(ctx) {
		data := rows.Row()
		row, encoded, err := p.project(m, data)
		if err != nil {
			return err
		}
		seen[row.id] = true

		saved, err := p.State.Get(m.Name, row.id)
		if err != nil {
			return err
		}
		if saved != nil && !saved.Error && saved.Checksum == row.checksum {
			continue
		}

		if err := p.feed(ctx, ch, row, encoded, counter); err != nil {
			return err
		}
		p.sent++
		if !p.NoProgress && p.sent%1000 == 0 {
			log.WithField("rows", p.sent).Info("progress")
		}
		if p.StopRow > 0 && p.sent >= p.StopRow {
			return p.stopAfter(ctx, ch, counter)
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return p.stopAfter(ctx, ch, counter)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	body, sent := ch.finish()
	if body != nil {
		if err := p.sendChunk(ctx, body, sent, counter); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pusher) stopAfter(ctx context.Context, ch *chunker, counter *ErrorCounter) error {
	if body, sent := ch.finish(); body != nil {
		if err := p.sendChunk(ctx, body, sent, counter); err != nil {
			return err
		}
	}
	return errStop
}

// feed adds a row to the chunker, sending a full chunk when one is ready.
func (p *Pusher) feed(ctx context.Context, ch *chunker, row *pushRow, encoded []byte, counter *ErrorCounter) error {
	body, sent := ch.add(row, encoded)
	if body == nil {
		return nil
	}
	return p.sendChunk(ctx, body, sent, counter)
}

// project turns a source row into its canonical payload.
func (p *Pusher) project(m *manifest.Model, data backend.Row) (*pushRow, []byte, error) {
	id, _ := data[backend.FieldID].(string)
	if id == "" {
		return nil, nil, common.NotFound("row id in push source for", m.Name)
	}
	checksum, err := Checksum(data)
	if err != nil {
		return nil, nil, err
	}

	payload := map[string]interface{}{
		backend.FieldOp:    "upsert",
		backend.FieldType:  m.Name,
		backend.FieldID:    id,
		backend.FieldWhere: rql.Unparse(rql.Eq(backend.FieldID, id)),
	}
	for k, v := range data {
		if !backend.Reserved(k) {
			payload[k] = v
		}
	}
	encoded, err := json.Marshal(common.FixDataForJSON(payload))
	if err != nil {
		return nil, nil, fmt.Errorf("push: encoding row %s: %w", id, err)
	}

	row := &pushRow{
		model:    m.Name,
		id:       id,
		op:       "upsert",
		checksum: checksum,
	}
	if cursor, ok := data[backend.FieldPage].(string); ok {
		row.cursor = cursor
	}
	row.encoded = encoded
	return row, encoded, nil
}

// sendChunk posts one envelope and correlates the response positionally:
// the remote must return one item per sent row with matching ids. Any
// mismatch fails the whole batch.
func (p *Pusher) sendChunk(ctx context.Context, body []byte, rows []*pushRow, counter *ErrorCounter) error {
	items, err := p.Client.Send(ctx, body)
	if err != nil {
		p.Log.WithError(err).Error("chunk rejected")
		return p.failBatch(rows, counter)
	}
	if len(items) != len(rows) {
		p.Log.WithFields(logrus.Fields{
			"sent": len(rows), "received": len(items),
		}).Error("response length mismatch")
		return p.failBatch(rows, counter)
	}
	for i, item := range items {
		if id, _ := item[backend.FieldID].(string); id != rows[i].id {
			p.Log.WithFields(logrus.Fields{
				"sent": rows[i].id, "received": item[backend.FieldID],
			}).Error("response id mismatch")
			return p.failBatch(rows, counter)
		}
	}

	var cursor string
	for i, row := range rows {
		if row.op == "delete" {
			if err := p.State.Delete(row.model, row.id); err != nil {
				return err
			}
			continue
		}
		revision, _ := items[i][backend.FieldRevision].(string)
		err := p.State.Put(row.model, row.id, Entry{
			Revision: revision,
			Checksum: row.checksum,
			Pushed:   time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		if row.cursor != "" {
			cursor = row.cursor
		}
	}
	if cursor != "" {
		if err := p.State.SetCursor(rows[0].model, cursor); err != nil {
			return err
		}
	}
	return nil
}

// failBatch flags every row of a failed batch and advances the error
// counter. State-store failures abort, remote failures only count.
func (p *Pusher) failBatch(rows []*pushRow, counter *ErrorCounter) error {
	for _, row := range rows {
		if row.op == "delete" {
			continue
		}
		if err := p.State.MarkError(row.model, row.id, row.encoded); err != nil {
			return err
		}
	}
	if p.StopOnError {
		return fmt.Errorf("push: stopping on first error")
	}
	for range rows {
		if err := counter.Add(); err != nil {
			return err
		}
	}
	return nil
}

// deleteVanished emits delete operations for rows present in state but no
// longer observed from the source.
func (p *Pusher) deleteVanished(ctx context.Context, m *manifest.Model, seen map[string]bool, counter *ErrorCounter) error {
	ids, err := p.State.IDs(m.Name)
	if err != nil {
		return err
	}
	ch := newChunker(p.ChunkSize)
	for _, id := range ids {
		if seen[id] {
			continue
		}
		payload := map[string]interface{}{
			backend.FieldOp:    "delete",
			backend.FieldType:  m.Name,
			backend.FieldID:    id,
			backend.FieldWhere: rql.Unparse(rql.Eq(backend.FieldID, id)),
		}
		encoded, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		row := &pushRow{model: m.Name, id: id, op: "delete", encoded: encoded}
		if err := p.feed(ctx, ch, row, encoded, counter); err != nil {
			return err
		}
	}
	body, sent := ch.finish()
	if body == nil {
		return nil
	}
	return p.sendChunk(ctx, body, sent, counter)
}
