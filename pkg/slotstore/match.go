package slotstore

import (
	"encoding/json"
	"reflect"
	"strings"
)

// Match reports whether record satisfies filter.
//
// Every filter field must match the record field of the same name:
//   - a string matches a string containing it, or a number rendering to it
//   - an object matches an object recursively, as a partial filter
//   - anything else must be deeply equal
//
// Both sides are expected to be normalized JSON values (see [Fields]).
// An empty filter matches everything.
func Match(filter, record Fields) bool {
	for k, want := range filter {
		got, ok := record[k]
		if !ok || !matchValue(want, got) {
			return false
		}
	}

	return true
}

func matchValue(want, got any) bool {
	switch w := want.(type) {
	case string:
		switch g := got.(type) {
		case string:
			return strings.Contains(g, w)
		case float64, json.Number:
			s, _ := scalarString(g)

			return s == w
		default:
			return false
		}
	case map[string]any:
		g, ok := got.(map[string]any)
		if !ok {
			return false
		}

		return Match(w, g)
	case Fields:
		g, ok := got.(map[string]any)
		if !ok {
			return false
		}

		return Match(w, g)
	default:
		return reflect.DeepEqual(asFloat(want), asFloat(got))
	}
}

// asFloat turns a [json.Number] into float64 so that it compares with
// decoded numbers.
func asFloat(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}

	f, err := n.Float64()
	if err != nil {
		return v
	}

	return f
}
