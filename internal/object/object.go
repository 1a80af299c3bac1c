// Package object holds the generic objects built from class mappings when no
// host-supplied materializer is registered for a fetch node.
package object

import (
	"time"
)

// Object is a class instance with named properties in definition order.
type Object struct {
	Class string
	props map[string]any
	order []string
}

// New returns an empty object of class.
func New(class string) *Object {
	return &Object{Class: class, props: make(map[string]any)}
}

// Get returns the value of property name.
func (o *Object) Get(name string) (any, bool) {
	v, ok := o.props[name]
	return v, ok
}

// Set stores v under name, keeping the position of an existing property.
func (o *Object) Set(name string, v any) {
	if _, ok := o.props[name]; !ok {
		o.order = append(o.order, name)
	}
	o.props[name] = v
}

// Append adds v to the collection held by name, creating it if needed.
func (o *Object) Append(name string, v any) {
	cur, _ := o.props[name].([]any)
	o.Set(name, append(cur, v))
}

// Properties lists property names in the order they were first set.
func (o *Object) Properties() []string {
	out := make([]string, len(o.order))
	copy(out, o.order)
	return out
}

// Map renders o and everything reachable from it as plain maps and slices,
// with the class under "@type".
func (o *Object) Map() map[string]any {
	m := make(map[string]any, len(o.props)+1)
	if o.Class != "" {
		m["@type"] = o.Class
	}
	for _, k := range o.order {
		m[k] = plain(o.props[k])
	}
	return m
}

func plain(v any) any {
	switch x := v.(type) {
	case *Object:
		return x.Map()
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = plain(e)
		}
		return out
	case time.Time:
		return x.Format(time.RFC3339Nano)
	default:
		return v
	}
}

// Clone returns a deep copy. Nested objects and collections are copied too,
// so mutating the clone never reaches o.
func (o *Object) Clone() *Object {
	c := &Object{
		Class: o.Class,
		props: make(map[string]any, len(o.props)),
		order: append([]string(nil), o.order...),
	}
	for k, v := range o.props {
		c.props[k] = cloneValue(v)
	}
	return c
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case *Object:
		return x.Clone()
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cloneValue(e)
		}
		return out
	case []byte:
		return append([]byte(nil), x...)
	default:
		return v
	}
}

// Size estimates the memory held by o, children included.
func (o *Object) Size() int64 {
	n := int64(48 + len(o.Class))
	for k, v := range o.props {
		n += int64(16+len(k)) + valueSize(v)
	}
	return n
}

func valueSize(v any) int64 {
	switch x := v.(type) {
	case nil:
		return 0
	case string:
		return int64(16 + len(x))
	case []byte:
		return int64(24 + len(x))
	case *Object:
		return x.Size()
	case []any:
		n := int64(24)
		for _, e := range x {
			n += valueSize(e)
		}
		return n
	case time.Time:
		return 24
	default:
		return 16
	}
}
