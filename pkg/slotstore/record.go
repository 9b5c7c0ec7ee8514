package slotstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// Record is anything a [Store] can hold: a JSON-encodable value with an id.
//
// RecordID must be non-empty and stable for the record's lifetime; it derives
// the canonical index key "byId:"+RecordID().
type Record interface {
	RecordID() string
}

// Doc is the schema-less record: a JSON object with a required "id" field
// holding a string or an integer.
type Doc map[string]any

// RecordID renders the "id" field as a string. Integers render in decimal
// without exponent, so {"id": 1} has id "1". Any other id type, a fraction or
// a boolean yields "".
func (d Doc) RecordID() string {
	id, _ := idString(d["id"])

	return id
}

// UnmarshalJSON decodes a JSON object. An integral "id" is kept exact as a
// [json.Number]; every other number decodes to float64.
func (d *Doc) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return err
	}

	for k, v := range m {
		if n, ok := v.(json.Number); ok && k == "id" && isInteger(n.String()) {
			continue
		}

		f, err := floatNumbers(v)
		if err != nil {
			return fmt.Errorf("field %q: %w", k, err)
		}

		m[k] = f
	}

	*d = m

	return nil
}

// Fields is the JSON field view of a record, used by key functions, filters
// and update patches. Numbers are float64 after normalization, except that an
// integral "id" of a stored record is an exact [json.Number].
type Fields map[string]any

// KeyFunc derives index keys from a record's fields.
//
// It must be pure and deterministic, and it must skip keys whose source
// fields are absent so that it can be applied to partial filters. The store
// always adds the canonical key on top of whatever KeyFunc returns.
type KeyFunc func(Fields) []string

// CanonicalPrefix prefixes the canonical id key of every record.
const CanonicalPrefix = "byId:"

// DefaultKeys returns the canonical key when f has an id.
func DefaultKeys(f Fields) []string {
	id, ok := idString(f["id"])
	if !ok {
		return nil
	}

	return []string{CanonicalPrefix + id}
}

// FieldKey returns a KeyFunc indexing records under prefix+value of field,
// for example FieldKey("byUser:", "user"). Non-scalar values are not indexed.
func FieldKey(prefix, field string) KeyFunc {
	return func(f Fields) []string {
		v, ok := scalarString(f[field])
		if !ok {
			return nil
		}

		return []string{prefix + v}
	}
}

// CombineKeys concatenates the keys of several key functions.
func CombineKeys(fns ...KeyFunc) KeyFunc {
	return func(f Fields) []string {
		var keys []string

		for _, fn := range fns {
			keys = append(keys, fn(f)...)
		}

		return keys
	}
}

// idString renders an id value: a non-empty string or an integer. Floats
// count as integers only when integral.
func idString(v any) (string, bool) {
	switch id := v.(type) {
	case string:
		return id, id != ""
	case json.Number:
		if !isInteger(id.String()) {
			return "", false
		}

		return id.String(), true
	case float64:
		return integralFloat(id, 64)
	case float32:
		return integralFloat(float64(id), 32)
	case int, int8, int16, int32, int64:
		return strconv.FormatInt(reflect.ValueOf(id).Int(), 10), true
	case uint, uint8, uint16, uint32, uint64:
		return strconv.FormatUint(reflect.ValueOf(id).Uint(), 10), true
	default:
		return "", false
	}
}

// scalarString renders any JSON scalar, booleans and fractions included.
func scalarString(v any) (string, bool) {
	switch x := v.(type) {
	case bool:
		return strconv.FormatBool(x), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32), true
	case json.Number:
		return x.String(), x != ""
	default:
		return idString(v)
	}
}

func integralFloat(f float64, bits int) (string, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || math.Trunc(f) != f {
		return "", false
	}

	if f == 0 {
		return "0", true
	}

	return strconv.FormatFloat(f, 'f', -1, bits), true
}

// isInteger reports whether s is a decimal integer literal.
func isInteger(s string) bool {
	s = strings.TrimPrefix(s, "-")
	if s == "" {
		return false
	}

	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}

	return true
}

// floatNumbers replaces every [json.Number] in v with its float64 value.
func floatNumbers(v any) (any, error) {
	switch x := v.(type) {
	case json.Number:
		return x.Float64()
	case map[string]any:
		for k, e := range x {
			f, err := floatNumbers(e)
			if err != nil {
				return nil, err
			}

			x[k] = f
		}

		return x, nil
	case []any:
		for i, e := range x {
			f, err := floatNumbers(e)
			if err != nil {
				return nil, err
			}

			x[i] = f
		}

		return x, nil
	default:
		return v, nil
	}
}

// fieldsOf returns the normalized JSON field view of rec. A numeric "id" is
// the exact [json.Number] of RecordID.
func fieldsOf[T Record](c Codec, rec T) (Fields, error) {
	var (
		f   Fields
		err error
	)

	if d, ok := any(rec).(Doc); ok {
		f, err = normalize(c, Fields(d))
	} else {
		var data []byte

		data, err = c.Marshal(rec)
		if err == nil {
			err = c.Unmarshal(data, &f)
		}
	}

	if err != nil {
		return nil, err
	}

	if _, num := f["id"].(float64); num {
		if id := rec.RecordID(); isInteger(id) {
			f["id"] = json.Number(id)
		}
	}

	return f, nil
}

// normalize round-trips f through the codec so that Go literals compare like
// decoded JSON (ints become float64, structs become maps).
func normalize(c Codec, f Fields) (Fields, error) {
	if f == nil {
		return Fields{}, nil
	}

	data, err := c.Marshal(f)
	if err != nil {
		return nil, err
	}

	var out Fields
	if err := c.Unmarshal(data, &out); err != nil {
		return nil, err
	}

	return out, nil
}

// recordFrom decodes fields into a T.
func recordFrom[T Record](c Codec, f Fields) (T, error) {
	var rec T

	data, err := c.Marshal(f)
	if err != nil {
		return rec, err
	}

	if err := c.Unmarshal(data, &rec); err != nil {
		return rec, err
	}

	return rec, nil
}

// merge overlays patch on base without modifying either.
func merge(base, patch Fields) Fields {
	out := make(Fields, len(base)+len(patch))
	maps.Copy(out, base)
	maps.Copy(out, patch)

	return out
}
