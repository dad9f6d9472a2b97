package types

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Value is a resolved, typed configuration value produced by the policy
// resolver and compared against observed documents by the drift engine.
type Value struct {
	Type  ValueType
	Str   string
	Int   int64
	Float float64
	Bool  bool
	List  []Value
	Map   map[string]Value
}

// StringValue builds a string-typed value.
func StringValue(s string) Value { return Value{Type: TypeString, Str: s} }

// IntValue builds an int-typed value.
func IntValue(i int64) Value { return Value{Type: TypeInt, Int: i} }

// FloatValue builds a float-typed value.
func FloatValue(f float64) Value { return Value{Type: TypeFloat, Float: f} }

// BoolValue builds a bool-typed value.
func BoolValue(b bool) Value { return Value{Type: TypeBool, Bool: b} }

// String renders the value in the lexical form used in drift items and
// logs.
func (v Value) String() string {
	switch v.Type {
	case TypeInt:
		return strconv.FormatInt(v.Int, 10)
	case TypeFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case TypeBool:
		return strconv.FormatBool(v.Bool)
	case TypeList:
		parts := make([]string, len(v.List))
		for i, e := range v.List {
			parts[i] = e.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case TypeMap:
		keys := make([]string, 0, len(v.Map))
		for k := range v.Map {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = fmt.Sprintf("%s: %s", k, v.Map[k].String())
		}
		return "{" + strings.Join(parts, ", ") + "}"
	default:
		return v.Str
	}
}
