package slotstore_test

import (
	"testing"

	"github.com/calvinalkan/slotdb/pkg/slotstore"
)

func Test_Match(t *testing.T) {
	t.Parallel()

	record := slotstore.Fields{
		"id":     "42",
		"name":   "grace hopper",
		"age":    float64(85),
		"active": true,
		"tags":   []any{"navy", "cobol"},
		"meta":   map[string]any{"lang": "en", "rank": float64(3)},
	}

	tests := []struct {
		name   string
		filter slotstore.Fields
		want   bool
	}{
		{name: "Empty", filter: slotstore.Fields{}, want: true},
		{name: "Substring", filter: slotstore.Fields{"name": "hop"}, want: true},
		{name: "SubstringMiss", filter: slotstore.Fields{"name": "lovelace"}, want: false},
		{name: "NumberEqual", filter: slotstore.Fields{"age": float64(85)}, want: true},
		{name: "NumberDiffers", filter: slotstore.Fields{"age": float64(84)}, want: false},
		{name: "StringMatchesNumber", filter: slotstore.Fields{"age": "85"}, want: true},
		{name: "StringIsNotNumberSubstring", filter: slotstore.Fields{"age": "8"}, want: false},
		{name: "Bool", filter: slotstore.Fields{"active": true}, want: true},
		{name: "Array", filter: slotstore.Fields{"tags": []any{"navy", "cobol"}}, want: true},
		{name: "ArrayOrder", filter: slotstore.Fields{"tags": []any{"cobol", "navy"}}, want: false},
		{name: "NestedPartial", filter: slotstore.Fields{"meta": map[string]any{"lang": "en"}}, want: true},
		{name: "NestedMiss", filter: slotstore.Fields{"meta": map[string]any{"lang": "de"}}, want: false},
		{name: "NestedAgainstScalar", filter: slotstore.Fields{"name": map[string]any{"x": "y"}}, want: false},
		{name: "MissingField", filter: slotstore.Fields{"email": "x"}, want: false},
		{name: "AllFieldsMustMatch", filter: slotstore.Fields{"name": "grace", "age": float64(1)}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := slotstore.Match(tt.filter, record); got != tt.want {
				t.Fatalf("Match(%v) = %t, want %t", tt.filter, got, tt.want)
			}
		})
	}
}
