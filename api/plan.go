package api

// Kind discriminates plan nodes in their JSON form.
type Kind string

const (
	KindSQL                Kind = "sql"
	KindTempTable          Kind = "tempTable"
	KindResultWrap         Kind = "relationalResult"
	KindBlock              Kind = "block"
	KindSequence           Kind = "sequence"
	KindAllocation         Kind = "allocation"
	KindConstant           Kind = "constant"
	KindGraphFetchRoot     Kind = "graphFetchRoot"
	KindGraphFetchCross    Kind = "graphFetchCrossRoot"
	KindGraphFetchClass    Kind = "graphFetchClassChild"
	KindGraphFetchProperty Kind = "graphFetchPrimitiveChild"
)

// StoreRelational is the only store type the engine executes against.
const StoreRelational = "relational"

// Node is one instruction of a compiled execution plan.
// Nodes are immutable once decoded; the executor never mutates them.
type Node interface {
	Kind() Kind
}

// Connection describes the database a SQL node runs against.
// Only Name is required in a plan; the remaining fields may be filled in from
// the host configuration.
type Connection struct {
	Name          string `json:"name"`
	Driver        string `json:"driver,omitempty"` // sqlite, mysql, postgres
	DSN           string `json:"dsn,omitempty"`
	TimeZone      string `json:"timeZone,omitempty"`
	Transactional bool   `json:"transactional,omitempty"`
}

// TempColumn is one column of a temporary table.
type TempColumn struct {
	Name string `json:"name"`
	// Type is a portable type name: INTEGER, REAL, TEXT, BOOLEAN, TIMESTAMP.
	Type string `json:"type"`
}

// TempTable names a temporary table and its columns.
type TempTable struct {
	Name    string       `json:"name"`
	Columns []TempColumn `json:"columns"`
}

// SQLExecution runs one SQL statement and yields its rows.
type SQLExecution struct {
	SQL        string     `json:"sql"`
	Connection Connection `json:"connection"`
}

// CreateAndPopulateTempTable streams an input result into a temp table.
// The input is either an inline node or a result previously allocated under
// InputName.
type CreateAndPopulateTempTable struct {
	Input      Node         `json:"-"`
	InputName  string       `json:"inputName,omitempty"`
	Table      string       `json:"table"`
	Columns    []TempColumn `json:"columns"`
	Connection Connection   `json:"connection"`
}

// RelationalResultWrap adapts a SQL node into a tabular or object result.
type RelationalResultWrap struct {
	SQL *SQLExecution `json:"-"`
	// Transform names a registered post-processor. Empty means raw rows.
	Transform string `json:"transform,omitempty"`
	// Cardinality "one" collapses the first column of the first row to a constant.
	Cardinality string `json:"cardinality,omitempty"`
}

// Block runs Body over connections that stay leased for the whole body.
type Block struct {
	Body Node `json:"-"`
}

// Sequence runs Nodes in order and yields the result of the last one.
type Sequence struct {
	Nodes []Node `json:"-"`
}

// Allocation runs Value and keeps its result under Name in the execution context.
type Allocation struct {
	Name  string `json:"name"`
	Value Node   `json:"-"`
}

// Constant yields Value unchanged.
type Constant struct {
	Value any `json:"value"`
}

// ParamKind classifies a graph-fetch property argument.
type ParamKind string

const (
	ParamLiteral  ParamKind = "literal"
	ParamEnum     ParamKind = "enum"
	ParamVariable ParamKind = "variable"
	ParamFunction ParamKind = "function"
)

// Parameter is one argument of a fetched property.
type Parameter struct {
	Name  string    `json:"name,omitempty"`
	Kind  ParamKind `json:"kind"`
	Value any       `json:"value,omitempty"`
}

// ClassMapping describes how rows map to generic objects when no named
// materializer is registered for a fetch node.
type ClassMapping struct {
	Class string `json:"class"`
	// Properties maps property name to result column name.
	Properties map[string]string `json:"properties"`
	// PrimaryKey lists key properties; their values identify an object.
	PrimaryKey []string `json:"primaryKey"`
	// Many lists association properties that hold collections.
	Many           []string `json:"many,omitempty"`
	DisableCaching bool     `json:"disableCaching,omitempty"`
}

// CacheIdentity binds a fetch node to an equality-key cache.
type CacheIdentity struct {
	Mapping     string `json:"mapping"`
	InstanceSet string `json:"instanceSet"`
}

// CrossCacheIdentity binds a cross-root node to a cross-key cache.
type CrossCacheIdentity struct {
	SourceMapping string `json:"sourceMapping"`
	TargetMapping string `json:"targetMapping"`
}

// FetchNode carries the fields shared by every graph-fetch node.
type FetchNode struct {
	// Index identifies the node inside one graph fetch; batches are keyed by it.
	Index        int           `json:"index"`
	Property     string        `json:"property,omitempty"`
	Parameters   []Parameter   `json:"parameters,omitempty"`
	Materializer string        `json:"materializer,omitempty"`
	Class        *ClassMapping `json:"class,omitempty"`
	// KeyColumns are the result columns holding the primary key, in the same
	// order as the materializer's primary key accessors.
	KeyColumns []string `json:"keyColumns,omitempty"`
	// TempTable stages the primary keys of this node's objects for its children.
	TempTable *TempTable     `json:"tempTable,omitempty"`
	Cache     *CacheIdentity `json:"cache,omitempty"`
	Children  []Node         `json:"-"`
}

// Fetch returns the shared graph-fetch fields.
func (f *FetchNode) Fetch() *FetchNode { return f }

// GraphFetch is implemented by every graph-fetch node.
type GraphFetch interface {
	Node
	Fetch() *FetchNode
}

// GraphFetchRoot streams root objects from Source in batches and fetches
// their children batch by batch.
type GraphFetchRoot struct {
	FetchNode
	Source    Node `json:"-"`
	BatchSize int  `json:"batchSize,omitempty"`
}

// GraphFetchClassChild fetches associated objects for the parent's batch.
// SQL joins the parent's temp table and projects ParentKeyColumns.
type GraphFetchClassChild struct {
	FetchNode
	ParentIndex      int           `json:"parentIndex"`
	SQL              *SQLExecution `json:"-"`
	ParentKeyColumns []string      `json:"parentKeyColumns"`
}

// GraphFetchPrimitiveChild fetches scalar property values for the parent's batch.
type GraphFetchPrimitiveChild struct {
	FetchNode
	ParentIndex      int           `json:"parentIndex"`
	SQL              *SQLExecution `json:"-"`
	ParentKeyColumns []string      `json:"parentKeyColumns"`
	ValueColumn      string        `json:"valueColumn"`
}

// GraphFetchCrossRoot joins objects of another store onto an already
// materialized parent set, matching on ParentProperties.
type GraphFetchCrossRoot struct {
	FetchNode
	ParentIndex      int                 `json:"parentIndex"`
	ParentProperties []string            `json:"parentProperties"`
	SQL              *SQLExecution       `json:"-"`
	ParentKeyColumns []string            `json:"parentKeyColumns"`
	CrossTempTable   TempTable           `json:"crossTempTable"`
	CrossCache       *CrossCacheIdentity `json:"crossCache,omitempty"`
}

func (*SQLExecution) Kind() Kind               { return KindSQL }
func (*CreateAndPopulateTempTable) Kind() Kind { return KindTempTable }
func (*RelationalResultWrap) Kind() Kind       { return KindResultWrap }
func (*Block) Kind() Kind                      { return KindBlock }
func (*Sequence) Kind() Kind                   { return KindSequence }
func (*Allocation) Kind() Kind                 { return KindAllocation }
func (*Constant) Kind() Kind                   { return KindConstant }
func (*GraphFetchRoot) Kind() Kind             { return KindGraphFetchRoot }
func (*GraphFetchCrossRoot) Kind() Kind        { return KindGraphFetchCross }
func (*GraphFetchClassChild) Kind() Kind       { return KindGraphFetchClass }
func (*GraphFetchPrimitiveChild) Kind() Kind   { return KindGraphFetchProperty }

var (
	_ GraphFetch = (*GraphFetchRoot)(nil)
	_ GraphFetch = (*GraphFetchCrossRoot)(nil)
	_ GraphFetch = (*GraphFetchClassChild)(nil)
	_ GraphFetch = (*GraphFetchPrimitiveChild)(nil)
)
