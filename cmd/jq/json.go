package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"

	"github.com/wudi/slate/values"
)

// jsonToValue and valueToJSON are the host-side JSON boundary spec
// section 6.3 describes ("the host parses textual JSON outside the
// core"); the VM/compiler never import encoding/json for program data,
// only cmd/jq does, at the point input documents enter and results
// leave.
func jsonToValue(raw interface{}) values.Value {
	switch t := raw.(type) {
	case nil:
		return values.Nil
	case bool:
		return values.Bool(t)
	case float64:
		return values.Float(t)
	case string:
		return values.Str(t)
	case []interface{}:
		items := make([]values.Value, len(t))
		for i, item := range t {
			items[i] = jsonToValue(item)
		}
		return values.List(items)
	case map[string]interface{}:
		obj := values.NewObject()
		for _, k := range sortedKeys(t) {
			obj.Set(k, jsonToValue(t[k]))
		}
		return values.ObjectValue(obj)
	default:
		return values.Nil
	}
}

func valueToJSON(v values.Value) interface{} {
	switch v.Type {
	case values.TypeNil:
		return nil
	case values.TypeBool:
		return v.AsBool()
	case values.TypeInt:
		return v.AsInt()
	case values.TypeFloat:
		return v.AsFloat()
	case values.TypeString:
		return v.AsString()
	case values.TypeList:
		items := v.AsList()
		out := make([]interface{}, len(items))
		for i, item := range items {
			out[i] = valueToJSON(item)
		}
		return out
	case values.TypeObject:
		obj := v.AsObject()
		out := make(map[string]interface{}, obj.Len())
		for _, k := range obj.Keys() {
			vv, _ := obj.Get(k)
			out[k] = valueToJSON(vv)
		}
		return out
	default:
		return nil
	}
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// preserve encoding/json's decode order is not guaranteed by the
	// stdlib map, so sort for deterministic object key iteration.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}

// decodeJSONStream reads every whitespace-separated JSON value from raw,
// jq's usual "concatenated documents" input mode.
func decodeJSONStream(raw []byte) ([]values.Value, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	var out []values.Value
	for {
		var v interface{}
		if err := dec.Decode(&v); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return out, err
		}
		out = append(out, jsonToValue(v))
	}
	return out, nil
}
