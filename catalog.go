package main

import (
	"context"
	"fmt"
	"slices"
)

// SchemaCatalog answers read-only schema questions about one database.
// Tables and columns are always passed explicitly; there is no cursor state.
type SchemaCatalog interface {
	// Name identifies the catalog in errors and logs ("source", "target").
	Name() string

	// Tables lists base tables, sorted by name.
	Tables(ctx context.Context) ([]string, error)

	// Columns lists the table's columns in ordinal order.
	Columns(ctx context.Context, table string) ([]string, error)

	// Describe returns the full column records of a table in ordinal order.
	Describe(ctx context.Context, table string) ([]Column, error)

	// NotNullColumns returns the columns an insert must supply a value for.
	NotNullColumns(ctx context.Context, table string) (map[string]bool, error)

	// ForeignKeysTo returns single-column foreign keys of table that reference
	// referencedTable, keyed by local column.
	ForeignKeysTo(ctx context.Context, table, referencedTable string) (map[string]ForeignKeyRef, error)
}

// introspector is the engine-specific part of a catalog.
type introspector interface {
	listTables(ctx context.Context) ([]string, error)
	listColumns(ctx context.Context, table string) ([]Column, error)
	listForeignKeys(ctx context.Context, table string) ([]ForeignKey, error)
}

// Catalog implements SchemaCatalog on top of an engine introspector.
type Catalog struct {
	name string
	in   introspector
}

func newCatalog(name string, in introspector) *Catalog {
	return &Catalog{name: name, in: in}
}

func (c *Catalog) Name() string { return c.name }

func (c *Catalog) Tables(ctx context.Context) ([]string, error) {
	tables, err := c.in.listTables(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: list tables: %w", c.name, err)
	}
	slices.Sort(tables)
	return tables, nil
}

func (c *Catalog) Describe(ctx context.Context, table string) ([]Column, error) {
	cols, err := c.in.listColumns(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("%s: describe %s: %w", c.name, table, err)
	}
	if len(cols) == 0 {
		return nil, &SchemaError{Catalog: c.name, Table: table}
	}
	slices.SortStableFunc(cols, func(a, b Column) int { return a.OrdinalPos - b.OrdinalPos })
	return cols, nil
}

func (c *Catalog) Columns(ctx context.Context, table string) ([]string, error) {
	cols, err := c.Describe(ctx, table)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(cols))
	for i, col := range cols {
		names[i] = col.Name
	}
	return names, nil
}

func (c *Catalog) NotNullColumns(ctx context.Context, table string) (map[string]bool, error) {
	cols, err := c.Describe(ctx, table)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool)
	for _, col := range cols {
		if col.requiresValue() {
			out[col.Name] = true
		}
	}
	return out, nil
}

func (c *Catalog) ForeignKeysTo(ctx context.Context, table, referencedTable string) (map[string]ForeignKeyRef, error) {
	if _, err := c.Describe(ctx, table); err != nil {
		return nil, err
	}
	fks, err := c.in.listForeignKeys(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("%s: foreign keys of %s: %w", c.name, table, err)
	}
	out := make(map[string]ForeignKeyRef)
	for _, fk := range fks {
		if fk.RefTable != referencedTable || len(fk.Columns) != 1 || len(fk.RefColumns) != 1 {
			continue
		}
		out[fk.Columns[0]] = ForeignKeyRef{Table: fk.RefTable, Column: fk.RefColumns[0]}
	}
	return out, nil
}

// validateSelection is the single check used for database, table and column
// selection: selection must be one of valid.
func validateSelection(kind, selection string, valid []string) error {
	if slices.Contains(valid, selection) {
		return nil
	}
	return &ValidationError{Kind: kind, Selection: selection, Choices: valid}
}

// columnTypes indexes described columns by name.
func columnTypes(cols []Column) map[string]Column {
	out := make(map[string]Column, len(cols))
	for _, c := range cols {
		out[c.Name] = c
	}
	return out
}
