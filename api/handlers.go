package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"datapub.evalgo.org/backend"
	"datapub.evalgo.org/common"
	"datapub.evalgo.org/manifest"
	"datapub.evalgo.org/rql"
)

// Actions checked against the caller's scopes.
const (
	actionGetAll  = "getall"
	actionSearch  = "search"
	actionGetOne  = "getone"
	actionChanges = "changes"
	actionInsert  = "insert"
	actionUpdate  = "update"
	actionPatch   = "patch"
	actionDelete  = "delete"
	actionWipe    = "wipe"
	actionUpsert  = "upsert"
)

// fieldData wraps batch payloads and list responses.
const fieldData = "_data"

// target is a resolved request path.
type target struct {
	model   *manifest.Model
	id      string
	prop    string
	changes bool
	wipe    bool
}

func isUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// resolvePath maps a URL path onto the manifest graph. Model paths may be
// followed by an id, a subresource path and the :changes or :wipe marker.
func (s *Server) resolvePath(p string) (*target, error) {
	t := &target{}
	if strings.HasSuffix(p, "/:changes") {
		t.changes = true
		p = strings.TrimSuffix(p, "/:changes")
	} else if strings.HasSuffix(p, "/:wipe") {
		t.wipe = true
		p = strings.TrimSuffix(p, "/:wipe")
	}

	if m, err := s.Manifest.Model(p); err == nil {
		t.model = m
		return t, nil
	}

	parts := strings.Split(p, "/")
	for i := len(parts) - 1; i > 0; i-- {
		if !isUUID(parts[i]) {
			continue
		}
		m, err := s.Manifest.Model(strings.Join(parts[:i], "/"))
		if err != nil {
			return nil, err
		}
		t.model = m
		t.id = parts[i]
		t.prop = strings.Join(parts[i+1:], ".")
		return t, nil
	}
	return nil, common.NotFound("model", p)
}

func (s *Server) getAny(c echo.Context) error {
	p := strings.Trim(c.Param("*"), "/")
	if p == "" {
		return s.browse(c, "")
	}
	t, err := s.resolvePath(p)
	if err != nil {
		if len(s.Manifest.ModelsUnder(p)) > 0 {
			return s.browse(c, p)
		}
		return err
	}
	switch {
	case t.changes:
		return s.getChanges(c, t)
	case t.id != "" && t.prop != "":
		return s.getSubresource(c, t)
	case t.id != "":
		return s.getOne(c, t)
	default:
		return s.getAll(c, t)
	}
}

// browse lists the models reachable under a namespace prefix.
func (s *Server) browse(c echo.Context, prefix string) error {
	models := s.Manifest.ModelsUnder(prefix)
	if prefix != "" && len(models) == 0 {
		return common.NotFound("namespace", prefix)
	}
	items := make([]map[string]interface{}, 0, len(models))
	for _, m := range models {
		items = append(items, map[string]interface{}{
			"name":        m.Name,
			"title":       m.Title,
			"description": m.Description,
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"_data": items})
}

func (s *Server) getAll(c echo.Context, t *target) error {
	m := t.model
	expr, err := queryExpr(c)
	if err != nil {
		return err
	}
	action := actionGetAll
	if expr != nil {
		action = actionSearch
	}
	if err := manifest.AccessCheck(m.Access, m.Name, action, scopes(c)); err != nil {
		return err
	}
	plan, err := backend.ResolveQuery(m, expr)
	if err != nil {
		return err
	}
	be, err := s.backendFor(m)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	rtxn, err := be.Read(ctx)
	if err != nil {
		return err
	}
	defer rtxn.Close(ctx)

	rows, err := rtxn.GetAll(ctx, m, plan)
	if err != nil {
		return err
	}
	items, err := backend.Collect(ctx, rows)
	if err != nil {
		return err
	}
	if items == nil {
		items = []backend.Row{}
	}
	if !plan.Count {
		items = projectRows(items, plan.Select)
		for _, item := range items {
			item[backend.FieldType] = m.Name
		}
	}
	s.logAccess(c, 0, action, []string{m.Name}, selectFields(plan))
	return c.JSON(http.StatusOK, map[string]interface{}{"_data": items})
}

func (s *Server) getOne(c echo.Context, t *target) error {
	m := t.model
	if err := manifest.AccessCheck(m.Access, m.Name, actionGetOne, scopes(c)); err != nil {
		return err
	}
	be, err := s.backendFor(m)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	rtxn, err := be.Read(ctx)
	if err != nil {
		return err
	}
	defer rtxn.Close(ctx)

	row, err := rtxn.GetOne(ctx, m, t.id)
	if err != nil {
		return err
	}
	row[backend.FieldType] = m.Name
	s.logAccess(c, 0, actionGetOne, []string{m.Name + "/" + t.id}, nil)
	return c.JSON(http.StatusOK, row)
}

// getSubresource serves one object- or file-typed property of a row. File
// properties answer with their stored reference metadata.
func (s *Server) getSubresource(c echo.Context, t *target) error {
	m := t.model
	prop, ok := m.FlatProps()[t.prop]
	if !ok {
		return common.FieldNotInResource(m.Name, t.prop)
	}
	if prop.Type.Kind != manifest.TypeObject && prop.Type.Kind != manifest.TypeFile {
		return common.UnavailableSubresource(t.prop, prop.Type.Kind)
	}
	if err := manifest.AccessCheck(m.Access, m.Name, actionGetOne, scopes(c)); err != nil {
		return err
	}
	be, err := s.backendFor(m)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	rtxn, err := be.Read(ctx)
	if err != nil {
		return err
	}
	defer rtxn.Close(ctx)

	row, err := rtxn.GetOne(ctx, m, t.id)
	if err != nil {
		return err
	}
	value := interface{}(row)
	for _, seg := range strings.Split(t.prop, ".") {
		obj, ok := value.(map[string]interface{})
		if !ok {
			value = nil
			break
		}
		value = obj[seg]
	}
	out, _ := value.(map[string]interface{})
	if out == nil {
		out = map[string]interface{}{}
	}
	out[backend.FieldType] = m.Name + "." + t.prop
	out[backend.FieldRevision] = row[backend.FieldRevision]
	s.logAccess(c, 0, actionGetOne, []string{m.Name + "/" + t.id + "/" + t.prop}, nil)
	return c.JSON(http.StatusOK, out)
}

func (s *Server) getChanges(c echo.Context, t *target) error {
	m := t.model
	if err := manifest.AccessCheck(m.Access, m.Name, actionChanges, scopes(c)); err != nil {
		return err
	}
	expr, err := queryExpr(c)
	if err != nil {
		return err
	}
	limit, offset := limitOffset(expr)
	be, err := s.backendFor(m)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	rtxn, err := be.Read(ctx)
	if err != nil {
		return err
	}
	defer rtxn.Close(ctx)

	entries, err := rtxn.Changes(ctx, m, t.id, limit, offset)
	if err != nil {
		return err
	}
	items := make([]map[string]interface{}, 0, len(entries))
	for _, e := range entries {
		item := map[string]interface{}{
			"_cid":      e.Change,
			"_id":       e.ID,
			"_revision": e.Revision,
			"_txn":      e.Txn,
			"_created":  e.Created,
			"_op":       e.Action,
		}
		for k, v := range e.Data {
			item[k] = v
		}
		items = append(items, item)
	}
	s.logAccess(c, 0, actionChanges, []string{m.Name}, nil)
	return c.JSON(http.StatusOK, map[string]interface{}{"_data": items})
}

// limitOffset extracts limit(n) and offset(n) from a query expression.
func limitOffset(e *rql.Expr) (limit, offset int64) {
	var walk func(e *rql.Expr)
	walk = func(e *rql.Expr) {
		if e == nil {
			return
		}
		switch e.Name {
		case "and":
			for _, arg := range e.Args {
				if sub, ok := arg.(*rql.Expr); ok {
					walk(sub)
				}
			}
		case "limit":
			if len(e.Args) == 1 {
				if n, ok := toInt64(e.Args[0]); ok {
					limit = n
				}
			}
		case "offset":
			if len(e.Args) == 1 {
				if n, ok := toInt64(e.Args[0]); ok {
					offset = n
				}
			}
		}
	}
	walk(e)
	return limit, offset
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case float64:
		return int64(n), true
	}
	return 0, false
}

// projectRows narrows rows to the selected places. _id and _revision stay,
// dotted places keep their nesting.
func projectRows(items []backend.Row, selected []string) []backend.Row {
	if len(selected) == 0 {
		return items
	}
	out := make([]backend.Row, len(items))
	for i, item := range items {
		row := backend.Row{}
		for _, k := range []string{backend.FieldID, backend.FieldRevision} {
			if v, ok := item[k]; ok {
				row[k] = v
			}
		}
		for _, place := range selected {
			if value, ok := placeValue(item, place); ok {
				setPlace(row, place, value)
			}
		}
		out[i] = row
	}
	return out
}

// placeValue descends a dotted place through nested maps.
func placeValue(row backend.Row, place string) (interface{}, bool) {
	var value interface{} = map[string]interface{}(row)
	for _, seg := range strings.Split(place, ".") {
		obj, ok := value.(map[string]interface{})
		if !ok {
			return nil, false
		}
		if value, ok = obj[seg]; !ok {
			return nil, false
		}
	}
	return value, true
}

func setPlace(row backend.Row, place string, value interface{}) {
	segments := strings.Split(place, ".")
	ref := map[string]interface{}(row)
	for _, seg := range segments[:len(segments)-1] {
		sub, ok := ref[seg].(map[string]interface{})
		if !ok {
			sub = map[string]interface{}{}
			ref[seg] = sub
		}
		ref = sub
	}
	ref[segments[len(segments)-1]] = value
}

func selectFields(plan *backend.Plan) []string {
	if plan == nil {
		return nil
	}
	return plan.Select
}

func (s *Server) logAccess(c echo.Context, txn int64, reason string, resources, fields []string) {
	l := requestLog(c)
	if l == nil {
		return
	}
	if err := l.Log(txn, reason, resources, fields); err != nil {
		s.Log.WithError(err).Warn("failed to write access log")
	}
}

// checkContentType enforces the JSON write surface.
func checkContentType(c echo.Context, allowNDJSON bool) (string, error) {
	ct := c.Request().Header.Get(echo.HeaderContentType)
	mediaType := strings.TrimSpace(strings.SplitN(ct, ";", 2)[0])
	switch {
	case mediaType == echo.MIMEApplicationJSON:
		return mediaType, nil
	case allowNDJSON && mediaType == "application/x-ndjson":
		return mediaType, nil
	}
	return "", common.UnknownContentType(ct)
}

// readItems decodes the request body: a single object, a {"_data": [...]}
// batch or newline-delimited JSON.
func readItems(c echo.Context, mediaType string) (items []backend.Row, batch bool, err error) {
	body := c.Request().Body
	if mediaType == "application/x-ndjson" {
		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var item backend.Row
			if err := json.Unmarshal([]byte(line), &item); err != nil {
				return nil, false, common.JSONError(err.Error())
			}
			items = append(items, item)
		}
		if err := scanner.Err(); err != nil {
			return nil, false, common.JSONError(err.Error())
		}
		return items, true, nil
	}

	var payload map[string]interface{}
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		return nil, false, common.JSONError(err.Error())
	}
	if raw, ok := payload[fieldData]; ok {
		list, ok := raw.([]interface{})
		if !ok {
			return nil, false, common.InvalidValue(fieldData, raw)
		}
		for _, entry := range list {
			item, ok := entry.(map[string]interface{})
			if !ok {
				return nil, false, common.InvalidValue(fieldData, entry)
			}
			items = append(items, item)
		}
		return items, true, nil
	}
	return []backend.Row{payload}, false, nil
}

func (s *Server) postAny(c echo.Context) error {
	p := strings.Trim(c.Param("*"), "/")
	mediaType, err := checkContentType(c, true)
	if err != nil {
		return err
	}
	items, batch, err := readItems(c, mediaType)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return common.JSONError("empty request body")
	}

	var pathModel *manifest.Model
	if p != "" {
		if pathModel, err = s.Manifest.Model(p); err != nil {
			return err
		}
	}

	results, err := s.applyBatch(c, pathModel, items)
	if err != nil {
		return err
	}
	if batch {
		return c.JSON(http.StatusOK, map[string]interface{}{"_data": results})
	}
	return c.JSON(http.StatusCreated, results[0])
}

// applyBatch executes a sequence of write operations in one transaction.
// Each item resolves to a model from the request path or its _type.
func (s *Server) applyBatch(c echo.Context, pathModel *manifest.Model, items []backend.Row) ([]backend.Row, error) {
	ctx := c.Request().Context()

	var wtxn backend.WriteTxn
	var txnBackend backend.Backend
	byAction := map[string]map[string]bool{}
	results := make([]backend.Row, 0, len(items))

	rollback := func() {
		if wtxn != nil {
			_ = wtxn.Rollback(ctx)
		}
	}

	for _, item := range items {
		m := pathModel
		if typ, _ := item[backend.FieldType].(string); typ != "" {
			resolved, err := s.Manifest.Model(typ)
			if err != nil {
				rollback()
				return nil, err
			}
			if m != nil && resolved != m {
				rollback()
				return nil, common.InvalidValue(backend.FieldType, typ)
			}
			m = resolved
		}
		if m == nil {
			rollback()
			return nil, common.NotFound("model", "")
		}

		op, _ := item[backend.FieldOp].(string)
		if op == "" {
			op = actionInsert
		}
		if err := manifest.AccessCheck(m.Access, m.Name, writeAction(op), scopes(c)); err != nil {
			rollback()
			return nil, err
		}

		be, err := s.backendFor(m)
		if err != nil {
			rollback()
			return nil, err
		}
		if wtxn == nil {
			txnBackend = be
			if wtxn, err = be.Write(ctx); err != nil {
				return nil, err
			}
		} else if be != txnBackend {
			rollback()
			return nil, common.NotImplementedFeature("writes across backends in one request")
		}

		result, err := s.applyOne(ctx, wtxn, m, op, item)
		if err != nil {
			rollback()
			return nil, err
		}
		if byAction[op] == nil {
			byAction[op] = map[string]bool{}
		}
		byAction[op][m.Name] = true
		results = append(results, result)
	}

	if err := wtxn.Commit(ctx); err != nil {
		return nil, err
	}
	for op, models := range byAction {
		names := make([]string, 0, len(models))
		for name := range models {
			names = append(names, name)
		}
		s.logAccess(c, wtxn.ID(), op, names, nil)
	}
	return results, nil
}

func writeAction(op string) string {
	switch op {
	case actionUpsert:
		return actionUpdate
	case actionPatch, actionUpdate, actionDelete:
		return op
	default:
		return actionInsert
	}
}

// applyOne dispatches a single write operation.
func (s *Server) applyOne(ctx context.Context, wtxn backend.WriteTxn, m *manifest.Model, op string, item backend.Row) (backend.Row, error) {
	id, _ := item[backend.FieldID].(string)
	switch op {
	case actionInsert:
		rows, err := wtxn.Insert(ctx, m, []backend.Row{item})
		if err != nil {
			return nil, err
		}
		result := rows[0]
		result[backend.FieldType] = m.Name
		return result, nil

	case actionUpsert:
		if id == "" {
			return nil, common.InvalidValue(backend.FieldID, id)
		}
		saved, err := wtxn.GetOne(ctx, m, id)
		var cerr *common.Error
		if err != nil {
			if !errors.As(err, &cerr) || cerr.Code != "ItemDoesNotExist" {
				return nil, err
			}
			rows, err := wtxn.Insert(ctx, m, []backend.Row{item})
			if err != nil {
				return nil, err
			}
			result := rows[0]
			result[backend.FieldType] = m.Name
			return result, nil
		}
		revision, _ := saved[backend.FieldRevision].(string)
		result, err := wtxn.Update(ctx, m, id, revision, item, true)
		if err != nil {
			return nil, err
		}
		result[backend.FieldType] = m.Name
		return result, nil

	case actionUpdate, actionPatch:
		if id == "" {
			return nil, common.InvalidValue(backend.FieldID, id)
		}
		revision, _ := item[backend.FieldRevision].(string)
		result, err := wtxn.Update(ctx, m, id, revision, item, op == actionPatch)
		if err != nil {
			return nil, err
		}
		result[backend.FieldType] = m.Name
		return result, nil

	case actionDelete:
		if id == "" {
			return nil, common.InvalidValue(backend.FieldID, id)
		}
		if err := wtxn.Delete(ctx, m, id, ""); err != nil {
			return nil, err
		}
		return backend.Row{
			backend.FieldID:   id,
			backend.FieldType: m.Name,
			backend.FieldOp:   actionDelete,
		}, nil
	}
	return nil, common.UnknownOperator(backend.FieldOp, op)
}

func (s *Server) putAny(c echo.Context) error {
	return s.updateOne(c, false)
}

func (s *Server) patchAny(c echo.Context) error {
	return s.updateOne(c, true)
}

func (s *Server) updateOne(c echo.Context, patch bool) error {
	p := strings.Trim(c.Param("*"), "/")
	if _, err := checkContentType(c, false); err != nil {
		return err
	}
	t, err := s.resolvePath(p)
	if err != nil {
		return err
	}
	if t.id == "" || t.prop != "" || t.changes || t.wipe {
		return echo.NewHTTPError(http.StatusMethodNotAllowed, "update requires a row id")
	}
	m := t.model

	action := actionUpdate
	if patch {
		action = actionPatch
	}
	if err := manifest.AccessCheck(m.Access, m.Name, action, scopes(c)); err != nil {
		return err
	}

	var item backend.Row
	if err := json.NewDecoder(c.Request().Body).Decode(&item); err != nil {
		return common.JSONError(err.Error())
	}
	revision, _ := item[backend.FieldRevision].(string)

	be, err := s.backendFor(m)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	wtxn, err := be.Write(ctx)
	if err != nil {
		return err
	}
	result, err := wtxn.Update(ctx, m, t.id, revision, item, patch)
	if err != nil {
		_ = wtxn.Rollback(ctx)
		return err
	}
	if err := wtxn.Commit(ctx); err != nil {
		return err
	}
	result[backend.FieldType] = m.Name
	s.logAccess(c, wtxn.ID(), action, []string{m.Name + "/" + t.id}, nil)
	return c.JSON(http.StatusOK, result)
}

func (s *Server) deleteAny(c echo.Context) error {
	p := strings.Trim(c.Param("*"), "/")
	t, err := s.resolvePath(p)
	if err != nil {
		return err
	}
	m := t.model

	switch {
	case t.wipe:
		if err := manifest.AccessCheck(m.Access, m.Name, actionWipe, scopes(c)); err != nil {
			return err
		}
	case t.id != "" && t.prop == "" && !t.changes:
		if err := manifest.AccessCheck(m.Access, m.Name, actionDelete, scopes(c)); err != nil {
			return err
		}
	default:
		return echo.NewHTTPError(http.StatusMethodNotAllowed, "delete requires a row id")
	}

	be, err := s.backendFor(m)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	wtxn, err := be.Write(ctx)
	if err != nil {
		return err
	}
	if t.wipe {
		err = wtxn.Wipe(ctx, m)
	} else {
		var revision string
		if body, rerr := readOptionalBody(c); rerr != nil {
			_ = wtxn.Rollback(ctx)
			return rerr
		} else if body != nil {
			revision, _ = body[backend.FieldRevision].(string)
		}
		err = wtxn.Delete(ctx, m, t.id, revision)
	}
	if err != nil {
		_ = wtxn.Rollback(ctx)
		return err
	}
	if err := wtxn.Commit(ctx); err != nil {
		return err
	}
	action := actionDelete
	resource := m.Name + "/" + t.id
	if t.wipe {
		action = actionWipe
		resource = m.Name
	}
	s.logAccess(c, wtxn.ID(), action, []string{resource}, nil)
	return c.NoContent(http.StatusNoContent)
}

// readOptionalBody decodes a JSON body when one was sent.
func readOptionalBody(c echo.Context) (backend.Row, error) {
	req := c.Request()
	if req.Body == nil || req.ContentLength == 0 {
		return nil, nil
	}
	var body backend.Row
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		return nil, common.JSONError(err.Error())
	}
	return body, nil
}
