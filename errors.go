package main

import (
	"errors"
	"fmt"
	"strings"
)

// errAssetNotFound is returned by asset stores when the named file is absent.
var errAssetNotFound = errors.New("asset not found")

// SchemaError reports a table that does not exist in a catalog.
type SchemaError struct {
	Catalog string
	Table   string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("%s: table %q does not exist", e.Catalog, e.Table)
}

// ValidationError reports a selection (database, table or column) that is not
// in the set of valid choices.
type ValidationError struct {
	Kind      string // "database", "source table", "destination column", ...
	Selection string
	Choices   []string
	Reason    string // set when the selection is valid in itself but conflicts
}

func (e *ValidationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s %q: %s", e.Kind, e.Selection, e.Reason)
	}
	return fmt.Sprintf("%s is not a valid option, please select from one of the following %ss: %s",
		e.Selection, e.Kind, strings.Join(e.Choices, ", "))
}

// IncompletePlanError reports destination NOT NULL columns that have neither
// a correspondence nor a default fill.
type IncompletePlanError struct {
	Table   string
	Columns []string
}

func (e *IncompletePlanError) Error() string {
	return fmt.Sprintf("table %s: not-null column(s) without a mapping or default value: %s",
		e.Table, strings.Join(e.Columns, ", "))
}

// TransferError reports a failure while executing a plan. Step is the state
// the plan was trying to reach when it failed.
type TransferError struct {
	Table string
	Step  PlanState
	Row   int64 // 1-based ordinal of the offending row, 0 if unknown
	Err   error
}

func (e *TransferError) Error() string {
	if e.Row > 0 {
		return fmt.Sprintf("table %s: step %s: row %d: %v", e.Table, e.Step, e.Row, e.Err)
	}
	return fmt.Sprintf("table %s: step %s: %v", e.Table, e.Step, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// AssetCopyWarning reports a referenced file that could not be copied. It is
// logged and never stops a run.
type AssetCopyWarning struct {
	File string
	Err  error
}

func (w *AssetCopyWarning) Error() string {
	return fmt.Sprintf("asset %s: %v", w.File, w.Err)
}

func (w *AssetCopyWarning) Unwrap() error { return w.Err }
