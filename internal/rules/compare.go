package rules

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"strconv"
	"strings"

	"notifygate/internal/notification"

	"github.com/shopspring/decimal"
)

// compare applies op to (left, right). Unknown operators never match.
func compare(left any, op notification.Operator, right any) bool {
	switch op {
	case notification.OpEq:
		return looseEqual(left, right)
	case notification.OpNe:
		return !looseEqual(left, right)
	case notification.OpGt:
		c, ok := order(left, right)
		return ok && c > 0
	case notification.OpLt:
		c, ok := order(left, right)
		return ok && c < 0
	case notification.OpGte:
		c, ok := order(left, right)
		return ok && c >= 0
	case notification.OpLte:
		c, ok := order(left, right)
		return ok && c <= 0
	case notification.OpContains:
		return strings.Contains(joinElements(left), stringify(right))
	case notification.OpNotContains:
		return !strings.Contains(joinElements(left), stringify(right))
	case notification.OpIn:
		return memberOf(left, right)
	case notification.OpNotIn:
		return !memberOf(left, right)
	default:
		return false
	}
}

// looseEqual implements the "=" coercion table:
//
//	nil          equals only nil
//	number/num   numeric comparison (numeric strings count as numbers)
//	bool/bool    direct
//	bool/string  "true","false","1","0" (case-insensitive)
//	bool/number  against 1 / 0
//	string/str   exact
//	seq/seq      element-wise, equal length
//
// Everything else is unequal.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	if ab, ok := a.(bool); ok {
		return boolEqual(ab, b)
	}
	if bb, ok := b.(bool); ok {
		return boolEqual(bb, a)
	}

	if as, ok := asSeq(a); ok {
		bs, ok := asSeq(b)
		if !ok || len(as) != len(bs) {
			return false
		}
		for i := range as {
			if !looseEqual(as[i], bs[i]) {
				return false
			}
		}
		return true
	}
	if _, ok := asSeq(b); ok {
		return false
	}

	if af, ok := toNumber(a); ok {
		if bf, ok := toNumber(b); ok {
			return af.Equal(bf)
		}
	}

	sa, aok := a.(string)
	sb, bok := b.(string)
	if aok && bok {
		return sa == sb
	}
	return false
}

func boolEqual(v bool, other any) bool {
	switch o := other.(type) {
	case bool:
		return v == o
	case string:
		switch strings.ToLower(strings.TrimSpace(o)) {
		case "true", "1":
			return v
		case "false", "0":
			return !v
		}
		return false
	}
	if f, ok := toNumber(other); ok {
		if v {
			return f.Equal(decimal.NewFromInt(1))
		}
		return f.IsZero()
	}
	return false
}

// order compares two values for the ordered operators. ok is false when the
// pair has no defined order.
func order(a, b any) (int, bool) {
	if a == nil || b == nil {
		return 0, false
	}
	if _, isBool := a.(bool); isBool {
		return 0, false
	}
	if _, isBool := b.(bool); isBool {
		return 0, false
	}
	af, aok := toNumber(a)
	bf, bok := toNumber(b)
	if aok && bok {
		return af.Cmp(bf), true
	}
	if aok || bok {
		return 0, false
	}
	sa, aIsStr := a.(string)
	sb, bIsStr := b.(string)
	if aIsStr && bIsStr {
		return strings.Compare(sa, sb), true
	}
	return 0, false
}

func memberOf(v, set any) bool {
	items, ok := asSeq(set)
	if !ok {
		if set == nil {
			return false
		}
		items = []any{set}
	}
	for _, it := range items {
		if looseEqual(v, it) {
			return true
		}
	}
	return false
}

// joinElements renders v as a ", "-joined list of its elements. A scalar is a
// one-element list and nil is empty.
func joinElements(v any) string {
	if v == nil {
		return ""
	}
	items, ok := asSeq(v)
	if !ok {
		return stringify(v)
	}
	parts := make([]string, 0, len(items))
	for _, it := range items {
		parts = append(parts, stringify(it))
	}
	return strings.Join(parts, ", ")
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		if x {
			return "true"
		}
		return "false"
	case json.Number:
		return x.String()
	case decimal.Decimal:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case fmt.Stringer:
		return x.String()
	}
	if items, ok := asSeq(v); ok {
		return joinElements(items)
	}
	return fmt.Sprint(v)
}

// toNumber reports v as a decimal when it is a Go numeric kind, a json.Number
// or a string that parses completely as a decimal number. NaN and Inf are not
// numbers.
func toNumber(v any) (decimal.Decimal, bool) {
	switch x := v.(type) {
	case int:
		return decimal.NewFromInt(int64(x)), true
	case int8:
		return decimal.NewFromInt(int64(x)), true
	case int16:
		return decimal.NewFromInt(int64(x)), true
	case int32:
		return decimal.NewFromInt32(x), true
	case int64:
		return decimal.NewFromInt(x), true
	case uint:
		return fromUint(uint64(x)), true
	case uint8:
		return decimal.NewFromInt(int64(x)), true
	case uint16:
		return decimal.NewFromInt(int64(x)), true
	case uint32:
		return decimal.NewFromInt(int64(x)), true
	case uint64:
		return fromUint(x), true
	case float32:
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat32(x), true
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat(x), true
	case decimal.Decimal:
		return x, true
	case json.Number:
		return parseDecimal(x.String())
	case string:
		return parseDecimal(x)
	default:
		return decimal.Zero, false
	}
}

func fromUint(u uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(u), 0)
}

// parseDecimal accepts plain decimal notation with an optional exponent.
// Hex, NaN and Inf spellings are rejected.
func parseDecimal(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// asSeq converts slices and arrays (of any element type) to []any.
// Strings and byte slices are not sequences.
func asSeq(v any) ([]any, bool) {
	switch x := v.(type) {
	case nil, string, []byte:
		return nil, false
	case []any:
		return x, true
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
