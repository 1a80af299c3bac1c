package object

import (
	"sort"
	"time"

	"github.com/agentic-research/relexec/api"
	"github.com/cockroachdb/errors"
)

// Materializer builds Objects from rows according to a class mapping.
type Materializer struct {
	mapping api.ClassMapping
	props   []string // scalar properties, sorted
	many    map[string]bool
	pk      []api.KeyAccessor
}

var (
	_ api.RowMaterializer   = (*Materializer)(nil)
	_ api.PropertyAccessors = (*Materializer)(nil)
)

// NewMaterializer validates m and resolves its key accessors.
func NewMaterializer(m api.ClassMapping) (*Materializer, error) {
	if m.Class == "" {
		return nil, errors.New("class mapping without class")
	}
	mat := &Materializer{mapping: m, many: make(map[string]bool, len(m.Many))}
	for p := range m.Properties {
		mat.props = append(mat.props, p)
	}
	sort.Strings(mat.props)
	for _, p := range m.Many {
		mat.many[p] = true
	}
	for _, p := range m.PrimaryKey {
		if _, ok := m.Properties[p]; !ok {
			return nil, errors.Newf("class %s: primary key property %q is not mapped", m.Class, p)
		}
		mat.pk = append(mat.pk, propertyAccessor(p))
	}
	return mat, nil
}

// Class returns the mapped class name.
func (m *Materializer) Class() string { return m.mapping.Class }

// FromRow reads every mapped column of row into a new Object.
func (m *Materializer) FromRow(row api.Row, loc *time.Location, conn api.Connection) (any, int64, error) {
	obj := New(m.mapping.Class)
	for _, p := range m.props {
		col := m.mapping.Properties[p]
		v, ok := row.ValueByName(col)
		if !ok {
			return nil, 0, errors.Newf("class %s: column %q of property %q missing from result on %q",
				m.mapping.Class, col, p, conn.Name)
		}
		switch x := v.(type) {
		case []byte:
			v = string(x)
		case time.Time:
			if loc != nil {
				v = x.In(loc)
			}
		}
		obj.Set(p, v)
	}
	for _, p := range m.mapping.Many {
		obj.Set(p, []any{})
	}
	return obj, obj.Size(), nil
}

func (m *Materializer) PrimaryKey() []api.KeyAccessor { return m.pk }

// AddChild appends child to a collection property or sets it on a single one.
func (m *Materializer) AddChild(parent, child any, property string) error {
	p, ok := parent.(*Object)
	if !ok {
		return errors.AssertionFailedf("class %s: parent is %T, not an object", m.mapping.Class, parent)
	}
	if m.many[property] {
		p.Append(property, child)
		return nil
	}
	p.Set(property, child)
	return nil
}

func (m *Materializer) SupportsCaching() bool { return !m.mapping.DisableCaching }

func (m *Materializer) DeepCopy(obj any) any {
	if o, ok := obj.(*Object); ok {
		return o.Clone()
	}
	return obj
}

// Property returns an accessor for any mapped scalar property.
func (m *Materializer) Property(name string) (api.KeyAccessor, bool) {
	if _, ok := m.mapping.Properties[name]; !ok {
		return nil, false
	}
	return propertyAccessor(name), true
}

func propertyAccessor(name string) api.KeyAccessor {
	return func(obj any) any {
		o, ok := obj.(*Object)
		if !ok {
			return nil
		}
		v, _ := o.Get(name)
		return v
	}
}
