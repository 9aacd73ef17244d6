package postgres

import (
	"fmt"
	"strings"
	"unicode"
)

// Table type letters appended to generated table names.
const (
	tableMain    = "M"
	tableLists   = "L"
	tableChanges = "C"
	tableText    = "T"
)

// pg identifier limit.
const maxIdentLen = 63

// suffix is "_" + 4-digit short id + type letter.
const suffixLen = 6

// mangle folds a qualified model name into an identifier stem: non-ASCII
// and non-alphanumeric runes collapse to single underscores, the result is
// upper-cased and truncated to leave room for the short-id suffix.
func mangle(name string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range name {
		switch {
		case r < 128 && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(unicode.ToUpper(r))
			lastUnderscore = false
		default:
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	stem := strings.TrimRight(b.String(), "_")
	if max := maxIdentLen - suffixLen; len(stem) > max {
		stem = strings.TrimRight(stem[:max], "_")
	}
	return stem
}

// tableName builds the final table identifier from a mangled stem, its
// registry-allocated short id and the table type letter.
func tableName(stem string, id int64, kind string) string {
	return fmt.Sprintf("%s_%04d%s", stem, id, kind)
}

// tables holds the generated identifiers of one model's table triple.
type tables struct {
	main    string
	lists   string
	changes string
}

func modelTables(stem string, id int64) tables {
	return tables{
		main:    tableName(stem, id, tableMain),
		lists:   tableName(stem, id, tableLists),
		changes: tableName(stem, id, tableChanges),
	}
}

// quoteIdent quotes a SQL identifier.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
