// Package eventutil implements the room-version-dependent mechanics of a
// PDU: canonical JSON serialization, content hashing, event-id derivation,
// and redaction. None of it touches storage or the network — it is pure
// transform code so it can be exercised directly by property tests (see
// SPEC_FULL.md §8, properties 2 and 10).
package eventutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// CanonicalJSON reorders every object's keys lexicographically by UTF-8
// codepoint and removes insignificant whitespace, matching the Matrix
// canonical JSON spec. It assumes the input is already well-formed JSON;
// malformed input returns an error rather than panicking.
func CanonicalJSON(input []byte) ([]byte, error) {
	var value interface{}
	dec := json.NewDecoder(bytes.NewReader(input))
	dec.UseNumber()
	if err := dec.Decode(&value); err != nil {
		return nil, fmt.Errorf("eventutil: invalid JSON: %w", err)
	}
	var buf []byte
	buf = appendCanonical(buf, value)
	return buf, nil
}

func appendCanonical(buf []byte, value interface{}) []byte {
	switch v := value.(type) {
	case nil:
		return append(buf, "null"...)
	case bool:
		if v {
			return append(buf, "true"...)
		}
		return append(buf, "false"...)
	case json.Number:
		return append(buf, v.String()...)
	case string:
		encoded, _ := json.Marshal(v)
		return append(buf, encoded...)
	case []interface{}:
		buf = append(buf, '[')
		for i, elem := range v {
			if i > 0 {
				buf = append(buf, ',')
			}
			buf = appendCanonical(buf, elem)
		}
		return append(buf, ']')
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf = append(buf, '{')
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			encodedKey, _ := json.Marshal(k)
			buf = append(buf, encodedKey...)
			buf = append(buf, ':')
			buf = appendCanonical(buf, v[k])
		}
		return append(buf, '}')
	default:
		encoded, _ := json.Marshal(v)
		return append(buf, encoded...)
	}
}

// StripFieldsForHashing returns a copy of eventJSON with the `hashes`,
// `signatures` and `unsigned` top-level keys removed, the pre-image used for
// both content hashing and event-id derivation.
func StripFieldsForHashing(eventJSON []byte) ([]byte, error) {
	out := eventJSON
	var err error
	for _, field := range []string{"hashes", "signatures", "unsigned", "age_ts", "outlier", "destinations"} {
		if !gjson.GetBytes(out, field).Exists() {
			continue
		}
		out, err = sjson.DeleteBytes(out, field)
		if err != nil {
			return nil, fmt.Errorf("eventutil: strip %q: %w", field, err)
		}
	}
	return out, nil
}
