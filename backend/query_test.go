package backend

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datapub.evalgo.org/common"
	"datapub.evalgo.org/manifest"
	"datapub.evalgo.org/rql"
)

const testCSV = `id,d,r,b,m,property,type,ref,source,prepare,level,access,uri,title,description
,,,,Country,,,code,,,,open,,,
,,,,,code,string,,,,,,,,
,,,,,title,string,,,,,,,,
,,,,,founded,date,,,,,,,,
,,,,,updated,datetime,,,,,,,,
,,,,,area,number,,,,,,,,
,,,,,population,integer,,,,,,,,
,,,,,notes,array,,,,,,,,
,,,,,notes.note,string,,,,,,,,
`

func testModel(t *testing.T) *manifest.Model {
	t.Helper()
	mf, err := manifest.Load(strings.NewReader(testCSV))
	require.NoError(t, err)
	m, err := mf.Model("Country")
	require.NoError(t, err)
	return m
}

func resolve(t *testing.T, m *manifest.Model, query string) (*Plan, error) {
	t.Helper()
	e, err := rql.Parse(query)
	require.NoError(t, err)
	return ResolveQuery(m, e)
}

func TestResolveQuery_Empty(t *testing.T) {
	m := testModel(t)
	plan, err := ResolveQuery(m, nil)
	require.NoError(t, err)
	assert.Empty(t, plan.Conditions)
	assert.Nil(t, plan.Limit)
}

func TestResolveQuery_Comparison(t *testing.T) {
	m := testModel(t)
	plan, err := resolve(t, m, `eq(code,"lt")`)
	require.NoError(t, err)
	require.Len(t, plan.Conditions, 1)
	c := plan.Conditions[0]
	assert.Equal(t, "eq", c.Op)
	assert.Equal(t, "code", c.Place)
	assert.Equal(t, "lt", c.Value)
	assert.False(t, c.InList)
}

func TestResolveQuery_ListProp(t *testing.T) {
	m := testModel(t)
	plan, err := resolve(t, m, `eq(notes.note,"x")`)
	require.NoError(t, err)
	require.Len(t, plan.Conditions, 1)
	assert.True(t, plan.Conditions[0].InList)
}

func TestResolveQuery_SortLimitOffset(t *testing.T) {
	m := testModel(t)
	plan, err := resolve(t, m, `sort(+code,-title)&limit(10)&offset(20)`)
	require.NoError(t, err)
	require.Len(t, plan.Sort, 2)
	assert.False(t, plan.Sort[0].Desc)
	assert.True(t, plan.Sort[1].Desc)
	require.NotNil(t, plan.Limit)
	assert.Equal(t, int64(10), *plan.Limit)
	require.NotNil(t, plan.Offset)
	assert.Equal(t, int64(20), *plan.Offset)
}

func TestResolveQuery_ZeroLimitAndOffset(t *testing.T) {
	m := testModel(t)
	plan, err := resolve(t, m, `limit(0)&offset(0)`)
	require.NoError(t, err)
	assert.Equal(t, int64(0), *plan.Limit)
	assert.Equal(t, int64(0), *plan.Offset)
}

func TestResolveQuery_Select(t *testing.T) {
	m := testModel(t)
	plan, err := resolve(t, m, `select(code,title,count())`)
	require.NoError(t, err)
	assert.Equal(t, []string{"code", "title"}, plan.Select)
	assert.True(t, plan.Count)
}

func TestResolveQuery_ReservedFields(t *testing.T) {
	m := testModel(t)
	plan, err := resolve(t, m, `eq(_id,"4d741843-4e94-4890-81d9-5af7c5b5989a")`)
	require.NoError(t, err)
	require.Len(t, plan.Conditions, 1)
	assert.Equal(t, FieldID, plan.Conditions[0].Place)
}

func TestResolveQuery_UnknownProperty(t *testing.T) {
	m := testModel(t)
	_, err := resolve(t, m, `eq(nope,"x")`)
	var cerr *common.Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "FieldNotInResource", cerr.Code)
}

func TestResolveQuery_UnknownOperator(t *testing.T) {
	m := testModel(t)
	_, err := ResolveQuery(m, rql.E("regex", rql.B("code"), "x"))
	var cerr *common.Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "UnknownOperator", cerr.Code)
}

func TestResolveQuery_ContainsOnNonString(t *testing.T) {
	m := testModel(t)
	_, err := resolve(t, m, `contains(population,5)`)
	var cerr *common.Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "UnknownOperator", cerr.Code)
}

func TestCoerceValue(t *testing.T) {
	m := testModel(t)
	flat := m.FlatProps()

	v, err := CoerceValue(flat["population"], int64(42))
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	// Whole floats load as integers (JSON numbers arrive as float64).
	v, err = CoerceValue(flat["population"], float64(42))
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	_, err = CoerceValue(flat["population"], "x")
	assert.Error(t, err)

	v, err = CoerceValue(flat["area"], int64(3))
	require.NoError(t, err)
	assert.Equal(t, float64(3), v)

	_, err = CoerceValue(flat["founded"], "not-a-date")
	assert.Error(t, err)
	v, err = CoerceValue(flat["founded"], "1990-03-11")
	require.NoError(t, err)
	assert.Equal(t, "1990-03-11", v)
}

func TestCoerceValue_DateTimeNormalisedToUTC(t *testing.T) {
	m := testModel(t)
	prop := m.FlatProps()["updated"]

	v, err := CoerceValue(prop, "2024-03-01T12:30:00+02:00")
	require.NoError(t, err)
	assert.Equal(t, "2024-03-01T10:30:00", v)

	v, err = CoerceValue(prop, "2024-03-01T10:30:00")
	require.NoError(t, err)
	assert.Equal(t, "2024-03-01T10:30:00", v)
}
