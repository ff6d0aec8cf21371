package icache

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
)

// Kind identifies the JavaScript type of a Value.
type Kind uint8

const (
	KindUndefined Kind = iota
	KindNull
	KindBoolean
	KindNumber
	KindString
	KindObject
	KindArray
	KindFunction
	KindClass
)

func (k Kind) String() string {
	switch k {
	case KindUndefined:
		return "undefined"
	case KindNull:
		return "null"
	case KindBoolean:
		return "boolean"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindObject:
		return "object"
	case KindArray:
		return "array"
	case KindFunction:
		return "function"
	case KindClass:
		return "class"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Value is a JavaScript value as held by the caches. The zero Value is
// undefined. Values are copied into and out of caches with Clone, so a cache
// never aliases heap state.
type Value struct {
	kind  Kind
	b     bool
	num   float64
	str   string
	obj   *ObjectValue
	arr   []Value
	fn    *FunctionValue
	class *ClassValue
}

// ObjectValue is an object with the shape it was observed under.
type ObjectValue struct {
	ShapeID    uint64
	Properties map[string]Value
	Prototype  *ObjectValue
}

// FunctionValue is a callable.
type FunctionValue struct {
	Name       string
	ParamCount uint32
	LocalCount uint32
	Closure    map[string]Value
}

// ClassValue is a class definition.
type ClassValue struct {
	Name          string
	Constructor   *FunctionValue
	Methods       map[string]FunctionValue
	StaticMethods map[string]FunctionValue
	Properties    map[string]Value
}

func Undefined() Value           { return Value{} }
func Null() Value                { return Value{kind: KindNull} }
func Bool(b bool) Value          { return Value{kind: KindBoolean, b: b} }
func Number(n float64) Value     { return Value{kind: KindNumber, num: n} }
func String(s string) Value      { return Value{kind: KindString, str: s} }
func Array(items ...Value) Value { return Value{kind: KindArray, arr: items} }

func Object(o ObjectValue) Value {
	return Value{kind: KindObject, obj: &o}
}

func Function(fn FunctionValue) Value {
	return Value{kind: KindFunction, fn: &fn}
}

func Class(c ClassValue) Value {
	return Value{kind: KindClass, class: &c}
}

func (v Value) Kind() Kind { return v.kind }

// AsBool returns the boolean payload.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBoolean }

// AsNumber returns the numeric payload.
func (v Value) AsNumber() (float64, bool) { return v.num, v.kind == KindNumber }

// AsString returns the string payload.
func (v Value) AsString() (string, bool) { return v.str, v.kind == KindString }

// AsObject returns the object payload.
func (v Value) AsObject() (*ObjectValue, bool) { return v.obj, v.kind == KindObject }

// AsArray returns the array elements.
func (v Value) AsArray() ([]Value, bool) { return v.arr, v.kind == KindArray }

// AsFunction returns the function payload.
func (v Value) AsFunction() (*FunctionValue, bool) { return v.fn, v.kind == KindFunction }

// AsClass returns the class payload.
func (v Value) AsClass() (*ClassValue, bool) { return v.class, v.kind == KindClass }

// Clone returns a deep copy of v.
func (v Value) Clone() Value {
	out := v
	switch v.kind {
	case KindObject:
		if v.obj != nil {
			o := v.obj.Clone()
			out.obj = &o
		}
	case KindArray:
		out.arr = make([]Value, len(v.arr))
		for i, item := range v.arr {
			out.arr[i] = item.Clone()
		}
	case KindFunction:
		if v.fn != nil {
			fn := v.fn.Clone()
			out.fn = &fn
		}
	case KindClass:
		if v.class != nil {
			c := v.class.Clone()
			out.class = &c
		}
	}
	return out
}

func cloneValues(m map[string]Value) map[string]Value {
	if m == nil {
		return nil
	}
	out := make(map[string]Value, len(m))
	for k, v := range m {
		out[k] = v.Clone()
	}
	return out
}

func cloneFunctions(m map[string]FunctionValue) map[string]FunctionValue {
	if m == nil {
		return nil
	}
	out := make(map[string]FunctionValue, len(m))
	for k, fn := range m {
		out[k] = fn.Clone()
	}
	return out
}

// Clone returns a deep copy of o, including its prototype chain.
func (o ObjectValue) Clone() ObjectValue {
	out := ObjectValue{
		ShapeID:    o.ShapeID,
		Properties: cloneValues(o.Properties),
	}
	if o.Prototype != nil {
		p := o.Prototype.Clone()
		out.Prototype = &p
	}
	return out
}

func (fn FunctionValue) Clone() FunctionValue {
	fn.Closure = cloneValues(fn.Closure)
	return fn
}

func (c ClassValue) Clone() ClassValue {
	if c.Constructor != nil {
		ctor := c.Constructor.Clone()
		c.Constructor = &ctor
	}
	c.Methods = cloneFunctions(c.Methods)
	c.StaticMethods = cloneFunctions(c.StaticMethods)
	c.Properties = cloneValues(c.Properties)
	return c
}

// String renders v roughly the way a JavaScript console would.
func (v Value) String() string {
	switch v.kind {
	case KindUndefined:
		return "undefined"
	case KindNull:
		return "null"
	case KindBoolean:
		return strconv.FormatBool(v.b)
	case KindNumber:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case KindString:
		return strconv.Quote(v.str)
	case KindObject:
		if v.obj == nil {
			return "{}"
		}
		keys := slices.Sorted(maps.Keys(v.obj.Properties))
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + ": " + v.obj.Properties[k].String()
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case KindArray:
		parts := make([]string, len(v.arr))
		for i, item := range v.arr {
			parts[i] = item.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case KindFunction:
		if v.fn == nil {
			return "function"
		}
		return "function " + v.fn.Name
	case KindClass:
		if v.class == nil {
			return "class"
		}
		return "class " + v.class.Name
	}
	return v.kind.String()
}
