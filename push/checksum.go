package push

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"datapub.evalgo.org/backend"
	"datapub.evalgo.org/common"
)

// take strips the reserved fields from a payload, leaving the data the
// checksum covers.
func take(data map[string]interface{}) map[string]interface{} {
	out := map[string]interface{}{}
	for k, v := range data {
		if !backend.Reserved(k) {
			out[k] = v
		}
	}
	return out
}

// Checksum fingerprints a row's data: the non-reserved fields are made
// JSON-safe, flattened, and serialised as a list of sorted key/value pairs.
// The fingerprint is stable across field ordering and across runs, so equal
// source rows are never re-sent.
func Checksum(data map[string]interface{}) (string, error) {
	fixed := common.FixDataForJSON(take(data))
	rows := common.Flatten(fixed)

	var pairs [][]interface{}
	for _, row := range rows {
		for _, k := range common.SortedKeys(row) {
			pairs = append(pairs, []interface{}{k, row[k]})
		}
	}
	raw, err := msgpack.Marshal(pairs)
	if err != nil {
		return "", fmt.Errorf("push: serialising checksum input: %w", err)
	}
	sum := sha1.Sum(raw)
	return hex.EncodeToString(sum[:]), nil
}
