// Package values implements the tagged value model shared by the Lua and
// jq front ends and consumed by the register VM.
package values

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Type identifies which variant a Value holds.
type Type byte

const (
	TypeNil Type = iota
	TypeBool
	TypeInt
	TypeFloat
	TypeString
	TypeList
	TypeObject
	TypeTable
	TypeClosure
	TypeNativeFn
	TypeCell
	TypeCoroutine
	TypeYieldMarker
)

func (t Type) String() string {
	switch t {
	case TypeNil:
		return "nil"
	case TypeBool:
		return "bool"
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeString:
		return "string"
	case TypeList:
		return "list"
	case TypeObject:
		return "object"
	case TypeTable:
		return "table"
	case TypeClosure:
		return "closure"
	case TypeNativeFn:
		return "native"
	case TypeCell:
		return "cell"
	case TypeCoroutine:
		return "coroutine"
	case TypeYieldMarker:
		return "yield-marker"
	default:
		return "unknown"
	}
}

// Value is the dynamically typed value every register holds.
type Value struct {
	Type Type
	Data interface{}
}

var Nil = Value{Type: TypeNil}

func Bool(b bool) Value   { return Value{Type: TypeBool, Data: b} }
func Int(i int64) Value   { return Value{Type: TypeInt, Data: i} }
func Float(f float64) Value { return Value{Type: TypeFloat, Data: f} }
func Str(s string) Value  { return Value{Type: TypeString, Data: s} }

func List(items []Value) Value {
	if items == nil {
		items = []Value{}
	}
	return Value{Type: TypeList, Data: &items}
}

func NewTable() Value {
	return Value{Type: TypeTable, Data: NewTableRef()}
}

func NewClosure(label string, upvalues []*Cell, debugName string) Value {
	return Value{Type: TypeClosure, Data: &Closure{Label: label, Upvalues: upvalues, DebugName: debugName}}
}

func NewNativeFn(name string, fn NativeFunc) Value {
	return Value{Type: TypeNativeFn, Data: &NativeFn{Name: name, Fn: fn}}
}

func NewCell(v Value) Value {
	return Value{Type: TypeCell, Data: &Cell{Value: v}}
}

// CellValue wraps an existing *Cell (e.g. one captured from a CallFrame's
// Upvalues) without allocating a new box, so a closure prologue and the
// scope that captured it share the same cell.
func CellValue(c *Cell) Value {
	return Value{Type: TypeCell, Data: c}
}

func YieldMarker(vals []Value) Value {
	return Value{Type: TypeYieldMarker, Data: vals}
}

// Object is jq's JSON object: insertion-ordered string -> Value mapping.
type Object struct {
	keys   []string
	values map[string]Value
}

func NewObject() *Object {
	return &Object{values: make(map[string]Value)}
}

func (o *Object) Get(key string) (Value, bool) {
	v, ok := o.values[key]
	return v, ok
}

func (o *Object) Set(key string, v Value) {
	if _, exists := o.values[key]; !exists {
		o.keys = append(o.keys, key)
	}
	o.values[key] = v
}

func (o *Object) Delete(key string) {
	if _, exists := o.values[key]; !exists {
		return
	}
	delete(o.values, key)
	for i, k := range o.keys {
		if k == key {
			o.keys = append(o.keys[:i], o.keys[i+1:]...)
			break
		}
	}
}

func (o *Object) Keys() []string {
	out := make([]string, len(o.keys))
	copy(out, o.keys)
	return out
}

func (o *Object) SortedKeys() []string {
	out := o.Keys()
	sort.Strings(out)
	return out
}

func (o *Object) Len() int { return len(o.keys) }

func ObjectValue(o *Object) Value {
	if o == nil {
		o = NewObject()
	}
	return Value{Type: TypeObject, Data: o}
}

// NativeFunc is the calling convention for host-implemented callables.
// It returns either a single Value, a MultiReturn-wrapped list (callers
// unwrap via AsList on a TypeList result), or a YieldMarker.
type NativeFunc func(args []Value, vm interface{}) (Value, error)

type NativeFn struct {
	Name string
	Fn   NativeFunc
}

// Accessors

func (v Value) IsNil() bool  { return v.Type == TypeNil }
func (v Value) IsList() bool { return v.Type == TypeList }

func (v Value) AsBool() bool {
	if v.Data == nil {
		return false
	}
	b, _ := v.Data.(bool)
	return b
}

func (v Value) AsInt() int64 {
	switch v.Type {
	case TypeInt:
		return v.Data.(int64)
	case TypeFloat:
		return int64(v.Data.(float64))
	default:
		return 0
	}
}

func (v Value) AsFloat() float64 {
	switch v.Type {
	case TypeInt:
		return float64(v.Data.(int64))
	case TypeFloat:
		return v.Data.(float64)
	default:
		return 0
	}
}

func (v Value) AsString() string {
	s, _ := v.Data.(string)
	return s
}

func (v Value) AsList() []Value {
	if v.Type != TypeList {
		return nil
	}
	p := v.Data.(*[]Value)
	return *p
}

func (v Value) ListAppend(item Value) Value {
	p := v.Data.(*[]Value)
	*p = append(*p, item)
	return v
}

func (v Value) AsObject() *Object {
	if v.Type != TypeObject {
		return nil
	}
	return v.Data.(*Object)
}

func (v Value) AsTable() *Table {
	if v.Type != TypeTable {
		return nil
	}
	return v.Data.(*TableRef)
}

func (v Value) AsClosure() *Closure {
	if v.Type != TypeClosure {
		return nil
	}
	return v.Data.(*Closure)
}

func (v Value) AsNative() *NativeFn {
	if v.Type != TypeNativeFn {
		return nil
	}
	return v.Data.(*NativeFn)
}

func (v Value) AsCell() *Cell {
	if v.Type != TypeCell {
		return nil
	}
	return v.Data.(*Cell)
}

func (v Value) AsCoroutine() *Coroutine {
	if v.Type != TypeCoroutine {
		return nil
	}
	return v.Data.(*Coroutine)
}

func (v Value) AsYield() []Value {
	if v.Type != TypeYieldMarker {
		return nil
	}
	return v.Data.([]Value)
}

// Truthy implements Lua truthiness: only Nil and Bool(false) are false.
func (v Value) Truthy() bool {
	switch v.Type {
	case TypeNil:
		return false
	case TypeBool:
		return v.Data.(bool)
	default:
		return true
	}
}

// Equal implements value equality used by Eq/IS_EQUAL family opcodes.
func Equal(a, b Value) bool {
	if a.Type != b.Type {
		if a.IsNumeric() && b.IsNumeric() {
			return a.AsFloat() == b.AsFloat()
		}
		return false
	}
	switch a.Type {
	case TypeNil:
		return true
	case TypeBool:
		return a.Data.(bool) == b.Data.(bool)
	case TypeInt:
		return a.Data.(int64) == b.Data.(int64)
	case TypeFloat:
		return a.Data.(float64) == b.Data.(float64)
	case TypeString:
		return a.Data.(string) == b.Data.(string)
	case TypeList:
		al, bl := a.AsList(), b.AsList()
		if len(al) != len(bl) {
			return false
		}
		for i := range al {
			if !Equal(al[i], bl[i]) {
				return false
			}
		}
		return true
	case TypeObject:
		ao, bo := a.AsObject(), b.AsObject()
		if ao.Len() != bo.Len() {
			return false
		}
		for _, k := range ao.Keys() {
			av, _ := ao.Get(k)
			bv, ok := bo.Get(k)
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	case TypeTable:
		return a.Data.(*TableRef) == b.Data.(*TableRef)
	default:
		return a.Data == b.Data
	}
}

func (v Value) IsNumeric() bool { return v.Type == TypeInt || v.Type == TypeFloat }

// typeRank implements the jq total order over types: null < false < true <
// number < string < array < object, per spec section 3.1.
func typeRank(v Value) int {
	switch v.Type {
	case TypeNil:
		return 0
	case TypeBool:
		if v.Data.(bool) {
			return 2
		}
		return 1
	case TypeInt, TypeFloat:
		return 3
	case TypeString:
		return 4
	case TypeList:
		return 5
	case TypeObject:
		return 6
	default:
		return 7
	}
}

// Less implements the jq sort/group_by total order (spec section 3.1):
// intra-type natural order for scalars, lexicographic for arrays, and by
// (sorted-key, value) pairs for objects.
func Less(a, b Value) bool {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		return ra < rb
	}
	switch a.Type {
	case TypeNil:
		return false
	case TypeBool:
		return false // equal rank already separates true/false
	case TypeInt, TypeFloat:
		return a.AsFloat() < b.AsFloat()
	case TypeString:
		return a.Data.(string) < b.Data.(string)
	case TypeList:
		al, bl := a.AsList(), b.AsList()
		for i := 0; i < len(al) && i < len(bl); i++ {
			if Less(al[i], bl[i]) {
				return true
			}
			if Less(bl[i], al[i]) {
				return false
			}
		}
		return len(al) < len(bl)
	case TypeObject:
		ao, bo := a.AsObject(), b.AsObject()
		aks, bks := ao.SortedKeys(), bo.SortedKeys()
		for i := 0; i < len(aks) && i < len(bks); i++ {
			if aks[i] != bks[i] {
				return aks[i] < bks[i]
			}
			av, _ := ao.Get(aks[i])
			bv, _ := bo.Get(bks[i])
			if Less(av, bv) {
				return true
			}
			if Less(bv, av) {
				return false
			}
		}
		return len(aks) < len(bks)
	default:
		return false
	}
}

// ToString implements Lua's tostring coercion used by Concat.
func ToString(v Value) string {
	switch v.Type {
	case TypeNil:
		return "nil"
	case TypeBool:
		if v.Data.(bool) {
			return "true"
		}
		return "false"
	case TypeInt:
		return strconv.FormatInt(v.Data.(int64), 10)
	case TypeFloat:
		f := v.Data.(float64)
		if f == math.Trunc(f) && !math.IsInf(f, 0) {
			return strconv.FormatFloat(f, 'f', 1, 64)
		}
		return strconv.FormatFloat(f, 'g', -1, 64)
	case TypeString:
		return v.Data.(string)
	case TypeTable:
		return fmt.Sprintf("table: %p", v.Data)
	case TypeClosure:
		return fmt.Sprintf("function: %p", v.Data)
	case TypeNativeFn:
		return fmt.Sprintf("function: builtin: %s", v.Data.(*NativeFn).Name)
	case TypeList:
		parts := make([]string, 0, len(v.AsList()))
		for _, item := range v.AsList() {
			parts = append(parts, ToString(item))
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return fmt.Sprintf("%v", v.Data)
	}
}

// ToNumber parses a Lua number coercion, returning ok=false when the
// value cannot be coerced (used by arithmetic opcodes).
func ToNumber(v Value) (Value, bool) {
	switch v.Type {
	case TypeInt, TypeFloat:
		return v, true
	case TypeString:
		s := strings.TrimSpace(v.Data.(string))
		if i, err := strconv.ParseInt(s, 0, 64); err == nil {
			return Int(i), true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return Float(f), true
		}
		return Nil, false
	default:
		return Nil, false
	}
}
