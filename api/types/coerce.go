package types

import (
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"
)

// CoerceValue parses a literal into its declared type. List and map
// literals use YAML flow syntax ("[a, b]", "{retries: 3}"). Datapack
// requirement markers (required/optional) stay strings.
func CoerceValue(s string, vt ValueType) (Value, error) {
	switch vt {
	case TypeString, TypeRequired, TypeOptional, "":
		return Value{Type: TypeString, Str: s}, nil
	case TypeInt:
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("%q is not an integer", s)
		}
		return IntValue(i), nil
	case TypeFloat:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Value{}, fmt.Errorf("%q is not a number", s)
		}
		return FloatValue(f), nil
	case TypeBool:
		switch s {
		case "true", "True":
			return BoolValue(true), nil
		case "false", "False":
			return BoolValue(false), nil
		}
		return Value{}, fmt.Errorf("%q is not a boolean", s)
	case TypeList:
		var raw []any
		if err := yaml.Unmarshal([]byte(s), &raw); err != nil {
			return Value{}, fmt.Errorf("%q is not a list: %v", s, err)
		}
		out := Value{Type: TypeList}
		for _, e := range raw {
			out.List = append(out.List, inferValue(e))
		}
		return out, nil
	case TypeMap:
		var raw map[string]any
		if err := yaml.Unmarshal([]byte(s), &raw); err != nil {
			return Value{}, fmt.Errorf("%q is not a map: %v", s, err)
		}
		out := Value{Type: TypeMap, Map: map[string]Value{}}
		for k, e := range raw {
			out.Map[k] = inferValue(e)
		}
		return out, nil
	}
	return Value{}, fmt.Errorf("unknown value type %q", vt)
}

func inferValue(v any) Value {
	switch t := v.(type) {
	case bool:
		return BoolValue(t)
	case int:
		return IntValue(int64(t))
	case int64:
		return IntValue(t)
	case float64:
		return FloatValue(t)
	case string:
		return StringValue(t)
	case []any:
		out := Value{Type: TypeList}
		for _, e := range t {
			out.List = append(out.List, inferValue(e))
		}
		return out
	case map[string]any:
		out := Value{Type: TypeMap, Map: map[string]Value{}}
		for k, e := range t {
			out.Map[k] = inferValue(e)
		}
		return out
	default:
		return StringValue(fmt.Sprintf("%v", v))
	}
}
