package sqlread

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datapub.evalgo.org/backend"
	"datapub.evalgo.org/common"
	"datapub.evalgo.org/keymap"
	"datapub.evalgo.org/manifest"
	"datapub.evalgo.org/rql"
)

const testCSV = `id,d,r,b,m,property,type,ref,source,prepare,level,access,uri,title,description
,datasets/gov/example,,,,,,,,,,open,,,
,,db,,,,sql,,postgresql://src,,,,,,
,,,,Country,,,code,salis,"ne(code,""ee"")",4,,,,
,,,,,code,string,,kodas,,,,,,
,,,,,title,string,,pavadinimas,,,,,,
,,,,,continent,string,,zemynas,,,,,,
,,,,,,enum,,,,,,,,
,,,,,,,,eu,"Europe",,,,,
,,,,,,,,as,"Asia",,,,,
,,,,City,,,name,miestas,,4,,,,
,,,,,name,string,,pavadinimas,,,,,,
,,,,,country,ref,Country,salis,,4,,,,
,,,,Town,,,name,miestelis,,3,,,,
,,,,,name,string,,pavadinimas,,,,,,
,,,,,country,ref,Country,salis,,3,,,,
`

func load(t *testing.T) *manifest.Manifest {
	t.Helper()
	mf, err := manifest.Load(strings.NewReader(testCSV))
	require.NoError(t, err)
	return mf
}

func model(t *testing.T, mf *manifest.Manifest, name string) *manifest.Model {
	t.Helper()
	m, err := mf.Model("datasets/gov/example/" + name)
	require.NoError(t, err)
	return m
}

func openKeymap(t *testing.T) *keymap.KeyMap {
	t.Helper()
	km, err := keymap.Open(filepath.Join(t.TempDir(), "keymap.db"))
	require.NoError(t, err)
	t.Cleanup(func() { km.Close() })
	return km
}

func TestBuildQuery_SelectsSourceColumns(t *testing.T) {
	m := model(t, load(t), "Country")
	sql, args, err := buildQuery(m, nil, nil)
	require.NoError(t, err)
	assert.Contains(t, sql, `SELECT "kodas", "pavadinimas", "zemynas" FROM "salis"`)
	// The model prepare formula becomes the WHERE clause.
	assert.Contains(t, sql, `"kodas" <> $1`)
	assert.Equal(t, []interface{}{"ee"}, args)
}

func TestBuildQuery_MergesUserQuery(t *testing.T) {
	m := model(t, load(t), "Country")
	e, err := rql.Parse(`eq(title,"Lithuania")&limit(10)`)
	require.NoError(t, err)
	plan, err := backend.ResolveQuery(m, e)
	require.NoError(t, err)

	sql, args, err := buildQuery(m, plan, nil)
	require.NoError(t, err)
	assert.Contains(t, sql, `LOWER("pavadinimas") = LOWER($2)`)
	assert.Contains(t, sql, "LIMIT $3")
	assert.Equal(t, []interface{}{"ee", "Lithuania", int64(10)}, args)
}

func TestBuildQuery_Sort(t *testing.T) {
	m := model(t, load(t), "Country")
	e, err := rql.Parse(`sort(-code)`)
	require.NoError(t, err)
	plan, err := backend.ResolveQuery(m, e)
	require.NoError(t, err)

	sql, _, err := buildQuery(m, plan, nil)
	require.NoError(t, err)
	assert.Contains(t, sql, `ORDER BY "kodas" DESC`)
}

func TestBuildQuery_Count(t *testing.T) {
	m := model(t, load(t), "Country")
	sql, _, err := buildQuery(m, &backend.Plan{Count: true}, nil)
	require.NoError(t, err)
	assert.Contains(t, sql, `SELECT count(*) AS "count" FROM "salis"`)
	assert.NotContains(t, sql, "ORDER BY")
}

func TestProject_ScalarsAndEnum(t *testing.T) {
	mf := load(t)
	m := model(t, mf, "Country")
	km := openKeymap(t)

	row, err := Project(m, km, map[string]interface{}{
		"kodas":       "lt",
		"pavadinimas": "Lietuva",
		"zemynas":     "eu",
	})
	require.NoError(t, err)
	assert.Equal(t, "lt", row["code"])
	assert.Equal(t, "Lietuva", row["title"])
	// Enum source value replaced with its prepare value.
	assert.Equal(t, "Europe", row["continent"])
	assert.Equal(t, m.Name, row[backend.FieldType])

	id, _ := row[backend.FieldID].(string)
	_, err = uuid.Parse(id)
	assert.NoError(t, err)

	// The id round-trips through the keymap.
	key, err := km.Decode(m.Name, id)
	require.NoError(t, err)
	assert.Equal(t, "lt", key)
}

func TestProject_ValueNotInEnum(t *testing.T) {
	mf := load(t)
	m := model(t, mf, "Country")
	km := openKeymap(t)

	_, err := Project(m, km, map[string]interface{}{
		"kodas": "xx", "pavadinimas": "X", "zemynas": "af",
	})
	var cerr *common.Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "ValueNotInEnum", cerr.Code)
}

func TestProject_RefByLevel(t *testing.T) {
	mf := load(t)
	km := openKeymap(t)

	// Level 4 refs store the target's surrogate id.
	city := model(t, mf, "City")
	row, err := Project(city, km, map[string]interface{}{
		"pavadinimas": "Vilnius", "salis": "lt",
	})
	require.NoError(t, err)
	ref, ok := row["country"].(map[string]interface{})
	require.True(t, ok)
	refID, _ := ref[backend.FieldID].(string)
	require.NotEmpty(t, refID)

	// The ref id matches the id the Country projection would produce.
	country := model(t, mf, "Country")
	crow, err := Project(country, km, map[string]interface{}{
		"kodas": "lt", "pavadinimas": "Lietuva", "zemynas": "eu",
	})
	require.NoError(t, err)
	assert.Equal(t, crow[backend.FieldID], refID)

	// Level 3 refs keep the natural value under the ref property.
	town := model(t, mf, "Town")
	trow, err := Project(town, km, map[string]interface{}{
		"pavadinimas": "Trakai", "salis": "lt",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"code": "lt"}, trow["country"])
}

func TestProject_IdIsDeterministic(t *testing.T) {
	mf := load(t)
	m := model(t, mf, "Country")
	km := openKeymap(t)
	src := map[string]interface{}{"kodas": "lt", "pavadinimas": "Lietuva", "zemynas": "eu"}

	a, err := Project(m, km, src)
	require.NoError(t, err)
	b, err := Project(m, km, src)
	require.NoError(t, err)
	assert.Equal(t, a[backend.FieldID], b[backend.FieldID])
}

func TestPageCursor_RoundTrip(t *testing.T) {
	csv := `id,d,r,b,m,property,type,ref,source,prepare,level,access,uri,title,description
,,,,Country,,,code,salis,page(code),,open,,,
,,,,,code,string,,kodas,,,,,,
`
	mf, err := manifest.Load(strings.NewReader(csv))
	require.NoError(t, err)
	m, err := mf.Model("Country")
	require.NoError(t, err)
	require.NotNil(t, m.Page)

	km := openKeymap(t)
	row, err := Project(m, km, map[string]interface{}{"kodas": "lt"})
	require.NoError(t, err)
	cursor, _ := row[backend.FieldPage].(string)
	require.NotEmpty(t, cursor)

	values, err := DecodePageCursor(cursor)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"lt"}, values)
}

func TestBuildQuery_CursorResumesPastPushedRows(t *testing.T) {
	csv := `id,d,r,b,m,property,type,ref,source,prepare,level,access,uri,title,description
,,,,Country,,,code,salis,"page(code,city)",,open,,,
,,,,,code,string,,kodas,,,,,,
,,,,,city,string,,miestas,,,,,,
`
	mf, err := manifest.Load(strings.NewReader(csv))
	require.NoError(t, err)
	m, err := mf.Model("Country")
	require.NoError(t, err)
	require.NotNil(t, m.Page)

	km := openKeymap(t)
	row, err := Project(m, km, map[string]interface{}{"kodas": "lt", "miestas": "Vilnius"})
	require.NoError(t, err)
	cursor, _ := row[backend.FieldPage].(string)
	require.NotEmpty(t, cursor)

	sql, args, err := buildQuery(m, &backend.Plan{Cursor: cursor}, nil)
	require.NoError(t, err)
	// Keyset resume: strictly past the cursor row in page order.
	assert.Contains(t, sql, `("kodas" > $1)`)
	assert.Contains(t, sql, `("kodas" = $2 AND "miestas" > $3)`)
	assert.Contains(t, sql, `ORDER BY "kodas" ASC, "miestas" ASC`)
	assert.Equal(t, []interface{}{"lt", "lt", "Vilnius"}, args)
}
