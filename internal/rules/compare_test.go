package rules

import (
	"encoding/json"
	"testing"

	"notifygate/internal/notification"
)

func TestCompare(t *testing.T) {
	tests := []struct {
		name  string
		left  any
		op    notification.Operator
		right any
		want  bool
	}{
		{"nil equals nil", nil, "=", nil, true},
		{"nil vs empty string", nil, "=", "", false},
		{"nil vs zero", nil, "=", 0, false},
		{"int vs float", 2, "=", 2.0, true},
		{"int vs numeric string", 2, "=", "2", true},
		{"int vs json number", 3, "=", json.Number("3"), true},
		{"numeric strings", "1.50", "=", "1.5", true},
		{"strings exact", "Alice", "=", "alice", false},
		{"bool vs bool", true, "=", true, true},
		{"bool vs string", true, "=", "TRUE", true},
		{"bool vs 0 string", false, "=", "0", true},
		{"bool vs number", true, "=", 1, true},
		{"bool vs other string", true, "=", "yes", false},
		{"seq equal", []string{"a", "b"}, "=", []any{"a", "b"}, true},
		{"seq length differs", []string{"a"}, "=", []any{"a", "b"}, false},
		{"seq vs scalar", []string{"a"}, "=", "a", false},
		{"not equal", "x", "!=", "y", true},
		{"not equal nil", nil, "!=", "y", true},

		{"gt numbers", 3, ">", 2, true},
		{"gt numeric string", "10", ">", 9, true},
		{"lt strings", "apple", "<", "banana", true},
		{"gte equal", 2, ">=", 2, true},
		{"lte", 1, "<=", 2, true},
		{"number vs word", 2, ">", "abc", false},
		{"nil ordered", nil, "<", 5, false},
		{"bool ordered", true, ">", false, false},

		{"contains string", "hello world", "contains", "world", true},
		{"contains seq", []string{"billing", "eu"}, "contains", "eu", true},
		{"contains joined", []string{"a", "b"}, "contains", "a, b", true},
		{"contains nil", nil, "contains", "x", false},
		{"contains number", 12345, "contains", "234", true},
		{"contains bool", []any{true}, "contains", "true", true},
		{"not contains", "hello", "not_contains", "bye", true},
		{"not contains hit", "hello", "not_contains", "ell", false},

		{"in", "gold", "in", []any{"gold", "silver"}, true},
		{"in numeric coercion", 2, "in", []any{"1", "2"}, true},
		{"in miss", "bronze", "in", []any{"gold"}, false},
		{"in scalar set", "gold", "in", "gold", true},
		{"in nil set", "gold", "in", nil, false},
		{"not in", "bronze", "not_in", []string{"gold"}, true},

		{"large ints differ", int64(9007199254740993), "=", int64(9007199254740992), false},
		{"large ints ordered", int64(9007199254740993), ">", int64(9007199254740992), true},
		{"large int vs json number", int64(9007199254740993), "=", json.Number("9007199254740993"), true},
		{"large uint", uint64(18446744073709551615), ">", int64(9223372036854775807), true},
		{"in picks exact large int", int64(9007199254740993), "in", []any{int64(9007199254740992)}, false},
		{"hex float string", "0x1p4", "=", 16, false},
		{"nan string", "NaN", "=", "NaN", true},
		{"nan string not numeric", "NaN", ">", 1, false},
		{"exponent string", "1e3", "=", 1000, true},
		{"float vs decimal string", 0.1, "=", "0.10", true},

		{"unknown operator", 1, "~=", 1, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := compare(tt.left, tt.op, tt.right); got != tt.want {
				t.Fatalf("compare(%#v %s %#v) = %v, want %v", tt.left, tt.op, tt.right, got, tt.want)
			}
		})
	}
}
