package api

import "time"

// Row is the current row of a live cursor as seen by materializers.
// Values are only valid until the cursor advances.
type Row interface {
	Columns() []string
	Value(i int) any
	ValueByName(name string) (any, bool)
}

// KeyAccessor extracts one key component from a materialized object.
type KeyAccessor func(obj any) any

// RowMaterializer turns cursor rows into objects for one fetch node. It stands
// in for generated object code and is supplied by the host.
type RowMaterializer interface {
	// FromRow builds an object from the current row and estimates its size in bytes.
	FromRow(row Row, loc *time.Location, conn Connection) (obj any, size int64, err error)
	// PrimaryKey returns the key accessors, resolved once per node.
	PrimaryKey() []KeyAccessor
	// AddChild attaches child to parent under property.
	AddChild(parent, child any, property string) error
	SupportsCaching() bool
	DeepCopy(obj any) any
}

// PropertyAccessors is implemented by materializers whose objects can be read
// by property name. Cross-store fetches need it to read join keys off parents.
type PropertyAccessors interface {
	Property(name string) (KeyAccessor, bool)
}
