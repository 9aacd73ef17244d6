package postgres

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMangle(t *testing.T) {
	assert.Equal(t, "DATASETS_GOV_EXAMPLE_COUNTRY", mangle("datasets/gov/example/Country"))
	assert.Equal(t, "COUNTRY", mangle("Country"))
	// Non-ASCII runes collapse to single underscores.
	assert.Equal(t, "_ALIS", mangle("šalis"))
	assert.Equal(t, "A_B_C", mangle("a--b__c"))
}

func TestMangle_Truncation(t *testing.T) {
	long := ""
	for i := 0; i < 30; i++ {
		long += "segment/"
	}
	stem := mangle(long)
	assert.LessOrEqual(t, len(stem), maxIdentLen-suffixLen)
	assert.LessOrEqual(t, len(tableName(stem, 9999, tableMain)), maxIdentLen)
}

func TestTableName(t *testing.T) {
	assert.Equal(t, "COUNTRY_0001M", tableName("COUNTRY", 1, tableMain))
	assert.Equal(t, "COUNTRY_0042L", tableName("COUNTRY", 42, tableLists))
	assert.Equal(t, "COUNTRY_0042C", tableName("COUNTRY", 42, tableChanges))
}

func TestTableNames_CollisionFree(t *testing.T) {
	// Truncated stems collide, the short id keeps the final names distinct.
	seen := map[string]bool{}
	for i := 0; i < 10000; i++ {
		qn := fmt.Sprintf("datasets/gov/very/long/namespace/with/many/nested/segments/model%d", i)
		name := tableName(mangle(qn), int64(i), tableMain)
		require.LessOrEqual(t, len(name), maxIdentLen)
		require.False(t, seen[name], name)
		seen[name] = true
	}
}

func TestQuoteIdent(t *testing.T) {
	assert.Equal(t, `"COUNTRY_0001M"`, quoteIdent("COUNTRY_0001M"))
	assert.Equal(t, `"a""b"`, quoteIdent(`a"b`))
}
