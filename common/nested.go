package common

import (
	"sort"
	"strings"
	"time"
)

// Flatten expands a nested map into a sequence of flat maps with dotted
// keys. Every list in the input multiplies the output: one flat map is
// produced per combination of list elements (cartesian product across
// sibling lists), which is exactly the shape stored in the lists side table
// of the internal backend and hashed by the push engine.
func Flatten(value map[string]interface{}) []map[string]interface{} {
	flat, lists := flattenOne(value, nil)

	if len(lists) == 0 {
		if len(flat) == 0 {
			return nil
		}
		return []map[string]interface{}{flat}
	}

	// Normalise every list element into one or more flat fragments before
	// taking the cartesian product. A map element may itself contain lists
	// and then contributes several fragments.
	fragments := make([][]map[string]interface{}, len(lists))
	for i, l := range lists {
		for _, item := range l.items {
			switch it := item.(type) {
			case map[string]interface{}:
				for _, sub := range Flatten(it) {
					frag := map[string]interface{}{}
					for k, v := range sub {
						frag[l.key+"."+k] = v
					}
					fragments[i] = append(fragments[i], frag)
				}
			default:
				if item != nil {
					fragments[i] = append(fragments[i], map[string]interface{}{l.key: item})
				}
			}
		}
		if len(fragments[i]) == 0 {
			fragments[i] = append(fragments[i], map[string]interface{}{})
		}
	}

	var out []map[string]interface{}
	combos := [][]map[string]interface{}{{}}
	for _, frags := range fragments {
		var next [][]map[string]interface{}
		for _, combo := range combos {
			for _, frag := range frags {
				next = append(next, append(append([]map[string]interface{}{}, combo...), frag))
			}
		}
		combos = next
	}
	for _, combo := range combos {
		row := map[string]interface{}{}
		for k, v := range flat {
			row[k] = v
		}
		for _, frag := range combo {
			for k, v := range frag {
				row[k] = v
			}
		}
		out = append(out, row)
	}
	return out
}

type listEntry struct {
	key   string
	items []interface{}
}

func flattenOne(value map[string]interface{}, prefix []string) (map[string]interface{}, []listEntry) {
	flat := map[string]interface{}{}
	var lists []listEntry
	for k, v := range value {
		if v == nil {
			continue
		}
		key := append(append([]string{}, prefix...), k)
		switch val := v.(type) {
		case map[string]interface{}:
			f, l := flattenOne(val, key)
			for fk, fv := range f {
				flat[fk] = fv
			}
			lists = append(lists, l...)
		case []interface{}:
			if len(val) > 0 {
				lists = append(lists, listEntry{key: strings.Join(key, "."), items: val})
			}
		default:
			flat[strings.Join(key, ".")] = v
		}
	}
	return flat, lists
}

// ListsOnly strips everything but list-bearing subtrees from a nested value.
// The result mirrors the array subtrees of a row and is what gets flattened
// into the lists side table. Returns nil when the value holds no lists.
func ListsOnly(value interface{}) interface{} {
	switch val := value.(type) {
	case map[string]interface{}:
		out := map[string]interface{}{}
		for k, v := range val {
			if sub := ListsOnly(v); sub != nil {
				out[k] = sub
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	case []interface{}:
		return val
	default:
		return nil
	}
}

// Unflatten converts dotted keys back into nested maps. The inverse of the
// per-row projection done by the external SQL reader.
func Unflatten(flat map[string]interface{}) map[string]interface{} {
	out := map[string]interface{}{}
	for k, v := range flat {
		names := strings.Split(k, ".")
		ref := out
		for _, name := range names[:len(names)-1] {
			sub, ok := ref[name].(map[string]interface{})
			if !ok {
				sub = map[string]interface{}{}
				ref[name] = sub
			}
			ref = sub
		}
		ref[names[len(names)-1]] = v
	}
	return out
}

// FixDataForJSON converts temporal values into ISO-8601 strings so the value
// can be stored as JSON. Applied to change-log payloads and push payloads.
func FixDataForJSON(data map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		out[k] = fixValueForJSON(v)
	}
	return out
}

func fixValueForJSON(v interface{}) interface{} {
	switch val := v.(type) {
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	case map[string]interface{}:
		return FixDataForJSON(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = fixValueForJSON(item)
		}
		return out
	default:
		return v
	}
}

// SortedKeys returns the keys of a map in sorted order. Used wherever a
// deterministic iteration order matters (checksums, rendered output).
func SortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
