package main

import "sort"

// Offset is added to lookup-table keys while they are in flight between the
// offset insert and the renumbering step. It sits above any plausible
// destination sequence value and leaves headroom below int32 overflow.
const Offset int64 = 1 << 30

// Column represents a single column as reported by a schema catalog.
type Column struct {
	Name       string
	DataType   string // lowercased, e.g. "integer", "character varying", "text"
	Nullable   bool
	Default    *string
	Identity   bool // identity, serial, auto_increment or rowid alias
	OrdinalPos int
}

// requiresValue reports whether an insert must supply a value for the column.
func (c Column) requiresValue() bool {
	return !c.Nullable && c.Default == nil && !c.Identity
}

// ForeignKey represents a foreign key constraint on a table.
type ForeignKey struct {
	Name       string
	Columns    []string // local column names
	RefTable   string
	RefColumns []string
}

// ForeignKeyRef is the single-column target of a foreign key.
type ForeignKeyRef struct {
	Table  string
	Column string
}

// ColumnCorrespondence maps one source column onto one destination column.
type ColumnCorrespondence struct {
	Source      string `toml:"source"`
	Destination string `toml:"destination"`
}

// DefaultValueFill supplies a literal SQL expression for a destination column
// that no correspondence covers. The expression is evaluated by the source
// database as part of the transfer query.
type DefaultValueFill struct {
	Column     string `toml:"column"`
	Expression string `toml:"expression"`
}

// ForeignKeyBinding records a mapped column that references the shared lookup
// table in the destination schema.
type ForeignKeyBinding struct {
	LocalColumn     string `toml:"local_column"`
	SourceColumn    string `toml:"source_column"`
	LookupTable     string `toml:"lookup_table"`
	LookupKeyColumn string `toml:"lookup_key_column"`
}

// TableMigrationPlan is the declarative mapping from one source table to one
// destination table. It is built by the Planner and only read afterwards.
type TableMigrationPlan struct {
	SourceTable      string                       `toml:"source_table"`
	DestinationTable string                       `toml:"destination_table"`
	Columns          []ColumnCorrespondence       `toml:"columns"`
	Defaults         []DefaultValueFill           `toml:"defaults"`
	Filter           string                       `toml:"filter"`
	ForeignKeys      map[string]ForeignKeyBinding `toml:"foreign_keys"`
}

// DestinationColumns returns the destination column list in insert order:
// correspondences first, then default fills.
func (p *TableMigrationPlan) DestinationColumns() []string {
	cols := make([]string, 0, len(p.Columns)+len(p.Defaults))
	for _, c := range p.Columns {
		cols = append(cols, c.Destination)
	}
	for _, d := range p.Defaults {
		cols = append(cols, d.Column)
	}
	return cols
}

// BindingColumns returns the local columns of all foreign-key bindings, sorted.
func (p *TableMigrationPlan) BindingColumns() []string {
	cols := make([]string, 0, len(p.ForeignKeys))
	for c := range p.ForeignKeys {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

// SourceColumnFor returns the source column mapped onto dest.
func (p *TableMigrationPlan) SourceColumnFor(dest string) (string, bool) {
	for _, c := range p.Columns {
		if c.Destination == dest {
			return c.Source, true
		}
	}
	return "", false
}

// PlanState is the progress of a single plan through the executor.
type PlanState int

const (
	StatePlanned PlanState = iota
	StateAssetsCopied
	StateLookupRowsInserted
	StateRowsTransferred
	StateRenumbered
)

func (s PlanState) String() string {
	switch s {
	case StatePlanned:
		return "PLANNED"
	case StateAssetsCopied:
		return "ASSETS_COPIED"
	case StateLookupRowsInserted:
		return "LOOKUP_ROWS_INSERTED"
	case StateRowsTransferred:
		return "ROWS_TRANSFERRED"
	case StateRenumbered:
		return "RENUMBERED"
	default:
		return "UNKNOWN"
	}
}
