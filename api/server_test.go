package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datapub.evalgo.org/accesslog"
	"datapub.evalgo.org/backend"
	"datapub.evalgo.org/manifest"
	"datapub.evalgo.org/security"
)

const apiManifest = `id,d,r,b,m,property,type,ref,source,prepare,level,access,uri,title,description
,,,,country,,,code,,,,open,,Countries,
,,,,,code,string,,,,,open,,,
,,,,,title,string,,,,,open,,,
,,,,,meta,object,,,,,open,,,
,,,,,meta.population,integer,,,,,open,,,
,,,,,flag,file,,,,,open,,,
,,,,secret,,,,,,,private,,,
,,,,,name,string,,,,,private,,,
`

// memRecordSink collects access log records for assertions.
type memRecordSink struct {
	mu      sync.Mutex
	records []accesslog.Record
}

func (s *memRecordSink) Write(r accesslog.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return nil
}

func (s *memRecordSink) Close() error { return nil }

type testApp struct {
	e      *echo.Echo
	server *Server
	sink   *memRecordSink
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	mf, err := manifest.Load(strings.NewReader(apiManifest))
	require.NoError(t, err)

	clients, err := security.NewClientStore(t.TempDir())
	require.NoError(t, err)
	_, err = clients.Create("admin", "adminsecret", []string{
		"datapub_insert", "datapub_update", "datapub_patch", "datapub_delete",
		"datapub_wipe", "datapub_getall", "datapub_getone", "datapub_search",
		"datapub_changes", "datapub_auth_clients",
	})
	require.NoError(t, err)

	sink := &memRecordSink{}
	server := &Server{
		Manifest: mf,
		Backends: map[string]backend.Backend{"default": newMemBackend()},
		Tokens:   security.NewTokenService("test-secret", "datapub"),
		Clients:  clients,
		Sink:     sink,
	}
	e := echo.New()
	server.Setup(e)
	return &testApp{e: e, server: server, sink: sink}
}

func (a *testApp) request(t *testing.T, method, target, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == nil {
		reader = strings.NewReader("")
	} else if raw, ok := body.(string); ok {
		reader = strings.NewReader(raw)
	} else {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = strings.NewReader(string(encoded))
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.e.ServeHTTP(rec, req)
	return rec
}

func (a *testApp) token(t *testing.T, clientID, secret, scope string) string {
	t.Helper()
	form := url.Values{"grant_type": {"client_credentials"}}
	if scope != "" {
		form.Set("scope", scope)
	}
	req := httptest.NewRequest(http.MethodPost, "/auth/token", strings.NewReader(form.Encode()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	req.SetBasicAuth(clientID, secret)
	rec := httptest.NewRecorder()
	a.e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp tokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.AccessToken
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, rec)
	errs, _ := body["errors"].([]interface{})
	require.NotEmpty(t, errs, rec.Body.String())
	first, _ := errs[0].(map[string]interface{})
	code, _ := first["code"].(string)
	return code
}

func TestVersionEndpoint(t *testing.T) {
	app := newTestApp(t)
	rec := app.request(t, http.MethodGet, "/version", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	impl, _ := body["implementation"].(map[string]interface{})
	assert.Equal(t, "datapub", impl["name"])
}

func TestRobotsAndFavicon(t *testing.T) {
	app := newTestApp(t)
	rec := app.request(t, http.MethodGet, "/robots.txt", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "User-agent")

	rec = app.request(t, http.MethodGet, "/favicon.ico", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestTokenRejectsBadCredentials(t *testing.T) {
	app := newTestApp(t)
	form := url.Values{"grant_type": {"client_credentials"}}
	req := httptest.NewRequest(http.MethodPost, "/auth/token", strings.NewReader(form.Encode()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	req.SetBasicAuth("admin", "wrong")
	rec := httptest.NewRecorder()
	app.e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTokenScopeNarrowing(t *testing.T) {
	app := newTestApp(t)
	token := app.token(t, "admin", "adminsecret", "datapub_insert")
	parsed, err := app.server.Tokens.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, []string{"datapub_insert"}, security.TokenScopes(parsed))
}

func TestInsertAndGetOne(t *testing.T) {
	app := newTestApp(t)
	token := app.token(t, "admin", "adminsecret", "")

	rec := app.request(t, http.MethodPost, "/country", token,
		map[string]interface{}{"code": "er", "title": "Earth"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody(t, rec)
	id, _ := created["_id"].(string)
	require.NotEmpty(t, id)
	require.NotEmpty(t, created["_revision"])
	assert.Equal(t, "country", created["_type"])

	rec = app.request(t, http.MethodGet, "/country/"+id, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody(t, rec)
	assert.Equal(t, "er", got["code"])
	assert.Equal(t, "Earth", got["title"])
	assert.Equal(t, "country", got["_type"])
	assert.Equal(t, id, got["_id"])
}

func TestInsertRequiresScope(t *testing.T) {
	app := newTestApp(t)
	rec := app.request(t, http.MethodPost, "/country", "",
		map[string]interface{}{"code": "er"})
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "InsufficientScopeError", errorCode(t, rec))
}

func TestSortedListWithUpsert(t *testing.T) {
	app := newTestApp(t)
	token := app.token(t, "admin", "adminsecret", "")

	rec := app.request(t, http.MethodPost, "/country", token,
		map[string]interface{}{"code": "lt", "title": "Lithuania"})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = app.request(t, http.MethodPost, "/country", token,
		map[string]interface{}{"code": "lv", "title": "LATVIA"})
	require.Equal(t, http.StatusCreated, rec.Code)
	lvID, _ := decodeBody(t, rec)["_id"].(string)

	rec = app.request(t, http.MethodPost, "/", token, map[string]interface{}{
		"_data": []interface{}{
			map[string]interface{}{
				"_op": "upsert", "_type": "country", "_id": lvID,
				"title": "Latvia",
			},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = app.request(t, http.MethodGet, "/country?sort(code)", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	data, _ := decodeBody(t, rec)["_data"].([]interface{})
	require.Len(t, data, 2)
	first, _ := data[0].(map[string]interface{})
	second, _ := data[1].(map[string]interface{})
	assert.Equal(t, "lt", first["code"])
	assert.Equal(t, "Lithuania", first["title"])
	assert.Equal(t, "lv", second["code"])
	assert.Equal(t, "Latvia", second["title"])
}

func TestSearchByProperty(t *testing.T) {
	app := newTestApp(t)
	token := app.token(t, "admin", "adminsecret", "")
	for _, code := range []string{"lt", "lv"} {
		rec := app.request(t, http.MethodPost, "/country", token,
			map[string]interface{}{"code": code})
		require.Equal(t, http.StatusCreated, rec.Code)
	}
	rec := app.request(t, http.MethodGet, `/country?eq(code,"lt")`, "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	data, _ := decodeBody(t, rec)["_data"].([]interface{})
	require.Len(t, data, 1)
	row, _ := data[0].(map[string]interface{})
	assert.Equal(t, "lt", row["code"])
}

func TestSelectProjection(t *testing.T) {
	app := newTestApp(t)
	token := app.token(t, "admin", "adminsecret", "")
	rec := app.request(t, http.MethodPost, "/country", token,
		map[string]interface{}{
			"code": "lt", "title": "Lithuania",
			"meta": map[string]interface{}{"population": 2800000},
		})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = app.request(t, http.MethodGet, "/country?select(code)", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	data, _ := decodeBody(t, rec)["_data"].([]interface{})
	require.Len(t, data, 1)
	row, _ := data[0].(map[string]interface{})
	assert.Equal(t, "lt", row["code"])
	assert.NotContains(t, row, "title")
	assert.NotContains(t, row, "meta")
	assert.NotEmpty(t, row["_id"])
	assert.NotEmpty(t, row["_revision"])

	rec = app.request(t, http.MethodGet, "/country?select(meta.population)", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	data, _ = decodeBody(t, rec)["_data"].([]interface{})
	require.Len(t, data, 1)
	row, _ = data[0].(map[string]interface{})
	assert.NotContains(t, row, "code")
	meta, _ := row["meta"].(map[string]interface{})
	assert.Equal(t, float64(2800000), meta["population"])
}

func TestUpdateRevisionConflict(t *testing.T) {
	app := newTestApp(t)
	token := app.token(t, "admin", "adminsecret", "")
	rec := app.request(t, http.MethodPost, "/country", token,
		map[string]interface{}{"code": "lt"})
	require.Equal(t, http.StatusCreated, rec.Code)
	id, _ := decodeBody(t, rec)["_id"].(string)

	rec = app.request(t, http.MethodPut, "/country/"+id, token,
		map[string]interface{}{"_revision": "stale", "code": "lt", "title": "x"})
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	assert.Equal(t, "ConflictingValue", errorCode(t, rec))
}

func TestPatchKeepsOtherProperties(t *testing.T) {
	app := newTestApp(t)
	token := app.token(t, "admin", "adminsecret", "")
	rec := app.request(t, http.MethodPost, "/country", token,
		map[string]interface{}{"code": "lt", "title": "Lituania"})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeBody(t, rec)
	id, _ := created["_id"].(string)
	revision, _ := created["_revision"].(string)

	rec = app.request(t, http.MethodPatch, "/country/"+id, token,
		map[string]interface{}{"_revision": revision, "title": "Lithuania"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	patched := decodeBody(t, rec)
	assert.Equal(t, "Lithuania", patched["title"])
	assert.Equal(t, "lt", patched["code"])
	assert.NotEqual(t, revision, patched["_revision"])
}

func TestDeleteThenNotFound(t *testing.T) {
	app := newTestApp(t)
	token := app.token(t, "admin", "adminsecret", "")
	rec := app.request(t, http.MethodPost, "/country", token,
		map[string]interface{}{"code": "lt"})
	require.Equal(t, http.StatusCreated, rec.Code)
	id, _ := decodeBody(t, rec)["_id"].(string)

	rec = app.request(t, http.MethodDelete, "/country/"+id, token, nil)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = app.request(t, http.MethodGet, "/country/"+id, "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "ItemDoesNotExist", errorCode(t, rec))
}

func TestChangesFeed(t *testing.T) {
	app := newTestApp(t)
	token := app.token(t, "admin", "adminsecret", "")
	rec := app.request(t, http.MethodPost, "/country", token,
		map[string]interface{}{"code": "lt"})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeBody(t, rec)
	id, _ := created["_id"].(string)
	revision, _ := created["_revision"].(string)

	rec = app.request(t, http.MethodPatch, "/country/"+id, token,
		map[string]interface{}{"_revision": revision, "title": "Lithuania"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = app.request(t, http.MethodGet, "/country/:changes", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	data, _ := decodeBody(t, rec)["_data"].([]interface{})
	require.Len(t, data, 2)
	first, _ := data[0].(map[string]interface{})
	second, _ := data[1].(map[string]interface{})
	assert.Equal(t, "insert", first["_op"])
	assert.Equal(t, "patch", second["_op"])
	assert.Equal(t, id, first["_id"])
}

func TestSubresource(t *testing.T) {
	app := newTestApp(t)
	token := app.token(t, "admin", "adminsecret", "")
	rec := app.request(t, http.MethodPost, "/country", token,
		map[string]interface{}{
			"code": "lt",
			"meta": map[string]interface{}{"population": 2800000},
		})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id, _ := decodeBody(t, rec)["_id"].(string)

	rec = app.request(t, http.MethodGet, "/country/"+id+"/meta", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	meta := decodeBody(t, rec)
	assert.Equal(t, float64(2800000), meta["population"])
	assert.Equal(t, "country.meta", meta["_type"])

	rec = app.request(t, http.MethodGet, "/country/"+id+"/code", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "UnavailableSubresource", errorCode(t, rec))
}

func TestFileSubresource(t *testing.T) {
	app := newTestApp(t)
	token := app.token(t, "admin", "adminsecret", "")
	rec := app.request(t, http.MethodPost, "/country", token,
		map[string]interface{}{
			"code": "lt",
			"flag": map[string]interface{}{"_id": "flag.svg", "_content_type": "image/svg+xml"},
		})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id, _ := decodeBody(t, rec)["_id"].(string)

	rec = app.request(t, http.MethodGet, "/country/"+id+"/flag", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "flag.svg", body["_id"])
	assert.Equal(t, "image/svg+xml", body["_content_type"])
	assert.Equal(t, "country.flag", body["_type"])
}

func TestContentTypeChecks(t *testing.T) {
	app := newTestApp(t)
	token := app.token(t, "admin", "adminsecret", "")

	req := httptest.NewRequest(http.MethodPost, "/country", strings.NewReader("code=lt"))
	req.Header.Set(echo.HeaderContentType, "text/plain")
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	rec := httptest.NewRecorder()
	app.e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	assert.Equal(t, "UnknownContentType", errorCode(t, rec))
}

func TestNDJSONBatch(t *testing.T) {
	app := newTestApp(t)
	token := app.token(t, "admin", "adminsecret", "")

	body := `{"code":"lt","title":"Lithuania"}` + "\n" + `{"code":"lv","title":"Latvia"}` + "\n"
	req := httptest.NewRequest(http.MethodPost, "/country", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, "application/x-ndjson")
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	rec := httptest.NewRecorder()
	app.e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	data, _ := decodeBody(t, rec)["_data"].([]interface{})
	assert.Len(t, data, 2)
}

func TestNamespaceBrowse(t *testing.T) {
	app := newTestApp(t)
	rec := app.request(t, http.MethodGet, "/", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data, _ := decodeBody(t, rec)["_data"].([]interface{})
	names := map[string]bool{}
	for _, item := range data {
		m, _ := item.(map[string]interface{})
		name, _ := m["name"].(string)
		names[name] = true
	}
	assert.True(t, names["country"])
	assert.True(t, names["secret"])

	rec = app.request(t, http.MethodGet, "/no/such/namespace", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPrivateModelRequiresScope(t *testing.T) {
	app := newTestApp(t)
	rec := app.request(t, http.MethodGet, "/secret", "", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "InsufficientScopeError", errorCode(t, rec))

	token := app.token(t, "admin", "adminsecret", "datapub_getall")
	rec = app.request(t, http.MethodGet, "/secret", token, nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestInvalidBearerToken(t *testing.T) {
	app := newTestApp(t)
	rec := app.request(t, http.MethodGet, "/country", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUnknownPropertyRejected(t *testing.T) {
	app := newTestApp(t)
	token := app.token(t, "admin", "adminsecret", "")
	rec := app.request(t, http.MethodPost, "/country", token,
		map[string]interface{}{"nosuch": 1})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "FieldNotInResource", errorCode(t, rec))
}

func TestWipe(t *testing.T) {
	app := newTestApp(t)
	token := app.token(t, "admin", "adminsecret", "")
	rec := app.request(t, http.MethodPost, "/country", token,
		map[string]interface{}{"code": "lt"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = app.request(t, http.MethodDelete, "/country/:wipe", token, nil)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = app.request(t, http.MethodGet, "/country", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data, _ := decodeBody(t, rec)["_data"].([]interface{})
	assert.Empty(t, data)
}

func TestClientCRUDOverHTTP(t *testing.T) {
	app := newTestApp(t)
	token := app.token(t, "admin", "adminsecret", "datapub_auth_clients")

	rec := app.request(t, http.MethodPost, "/auth/clients", token, clientPayload{
		ClientID: "reader", Secret: "readersecret", Scopes: []string{"datapub_getall"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = app.request(t, http.MethodGet, "/auth/clients/reader", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "reader", body["client_id"])
	assert.NotContains(t, rec.Body.String(), "readersecret")

	readerToken := app.token(t, "reader", "readersecret", "")
	require.NotEmpty(t, readerToken)

	rec = app.request(t, http.MethodDelete, "/auth/clients/reader", token, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = app.request(t, http.MethodGet, "/auth/clients/reader", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClientEndpointsRequireScope(t *testing.T) {
	app := newTestApp(t)
	rec := app.request(t, http.MethodGet, "/auth/clients", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token := app.token(t, "admin", "adminsecret", "datapub_getall")
	rec = app.request(t, http.MethodGet, "/auth/clients", token, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAccessLogRecords(t *testing.T) {
	app := newTestApp(t)
	token := app.token(t, "admin", "adminsecret", "")
	rec := app.request(t, http.MethodPost, "/country", token,
		map[string]interface{}{"code": "lt"})
	require.Equal(t, http.StatusCreated, rec.Code)

	app.sink.mu.Lock()
	defer app.sink.mu.Unlock()
	require.NotEmpty(t, app.sink.records)
	last := app.sink.records[len(app.sink.records)-1]
	assert.Equal(t, http.MethodPost, last.Method)
	assert.Equal(t, []string{"country"}, last.Resources)
	require.NotEmpty(t, last.Accessors)
	assert.Equal(t, "admin", last.Accessors[0].ID)
}

func TestBatchLogsEachAction(t *testing.T) {
	app := newTestApp(t)
	token := app.token(t, "admin", "adminsecret", "")
	rec := app.request(t, http.MethodPost, "/country", token,
		map[string]interface{}{"code": "lt"})
	require.Equal(t, http.StatusCreated, rec.Code)
	id, _ := decodeBody(t, rec)["_id"].(string)

	rec = app.request(t, http.MethodPost, "/", token, map[string]interface{}{
		"_data": []interface{}{
			map[string]interface{}{"_op": "insert", "_type": "country", "code": "lv"},
			map[string]interface{}{"_op": "delete", "_type": "country", "_id": id},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	app.sink.mu.Lock()
	defer app.sink.mu.Unlock()
	reasons := map[string]bool{}
	for _, r := range app.sink.records {
		if r.Method == http.MethodPost && len(r.Resources) > 0 {
			reasons[r.Reason] = true
		}
	}
	assert.True(t, reasons["insert"])
	assert.True(t, reasons["delete"])
}
