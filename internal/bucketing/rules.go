package bucketing

import (
	"math"
	"reflect"
)

func evaluateRule(rule Rule, attributes map[string]any) bool {
	value, ok := attributes[rule.Attribute]

	switch rule.Operator {
	case OperatorExists:
		return ok && value != nil
	case OperatorEquals:
		return ok && valuesEqual(value, rule.Value)
	case OperatorIn:
		return ok && valueIn(value, rule.Value)
	default:
		return false
	}
}

func valueIn(value any, ruleValue any) bool {
	values := reflect.ValueOf(ruleValue)
	if !values.IsValid() {
		return false
	}
	if values.Kind() != reflect.Slice && values.Kind() != reflect.Array {
		return false
	}

	for i := 0; i < values.Len(); i++ {
		if valuesEqual(value, values.Index(i).Interface()) {
			return true
		}
	}
	return false
}

// valuesEqual compares numbers by value regardless of their Go type, since
// rule values arrive as float64 from JSON while user attributes may be ints.
func valuesEqual(left any, right any) bool {
	ln, lok := toNumber(left)
	rn, rok := toNumber(right)
	if lok && rok {
		return ln.equal(rn)
	}
	return reflect.DeepEqual(left, right)
}

type number struct {
	kind byte // 'i', 'u' or 'f'
	i    int64
	u    uint64
	f    float64
}

func toNumber(value any) (number, bool) {
	switch n := value.(type) {
	case int:
		return number{kind: 'i', i: int64(n)}, true
	case int8:
		return number{kind: 'i', i: int64(n)}, true
	case int16:
		return number{kind: 'i', i: int64(n)}, true
	case int32:
		return number{kind: 'i', i: int64(n)}, true
	case int64:
		return number{kind: 'i', i: n}, true
	case uint:
		return number{kind: 'u', u: uint64(n)}, true
	case uint8:
		return number{kind: 'u', u: uint64(n)}, true
	case uint16:
		return number{kind: 'u', u: uint64(n)}, true
	case uint32:
		return number{kind: 'u', u: uint64(n)}, true
	case uint64:
		return number{kind: 'u', u: n}, true
	case float32:
		return number{kind: 'f', f: float64(n)}, true
	case float64:
		return number{kind: 'f', f: n}, true
	default:
		return number{}, false
	}
}

func (a number) equal(b number) bool {
	if a.kind == 'f' && b.kind == 'f' {
		return a.f == b.f
	}
	if a.kind == 'f' {
		a, b = b, a
	}
	// a is an integer from here on.
	switch b.kind {
	case 'f':
		if math.IsNaN(b.f) || math.IsInf(b.f, 0) || math.Trunc(b.f) != b.f {
			return false
		}
		if a.kind == 'i' {
			if b.f < math.MinInt64 || b.f >= math.MaxInt64 {
				return false
			}
			return int64(b.f) == a.i
		}
		if b.f < 0 || b.f >= math.MaxUint64 {
			return false
		}
		return uint64(b.f) == a.u
	case 'i':
		if a.kind == 'i' {
			return a.i == b.i
		}
		return b.i >= 0 && uint64(b.i) == a.u
	default: // 'u'
		if a.kind == 'u' {
			return a.u == b.u
		}
		return a.i >= 0 && uint64(a.i) == b.u
	}
}
