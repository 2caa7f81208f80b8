package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// lookupKeyBatch bounds the IN lists sent to the source for lookup rows.
const lookupKeyBatch = 500

// LookupMerger moves one table's rows into the destination while merging the
// lookup rows they reference into the shared destination lookup table. Merge
// is its only operation; the offset key space is owned by whoever holds the
// lookup lock.
type LookupMerger struct {
	Source        SourceDB
	SourceConn    *sql.DB
	SourceCatalog SchemaCatalog
	Target        *pgxpool.Pool
	TargetCatalog SchemaCatalog
	Schema        string
	Lookup        LookupConfig
	Assets        *AssetRelocator  // nil when no asset locations are configured
	Provenance    *provenanceStore // nil when provenance is disabled

	// merged maps source keys renumbered earlier in this run to their
	// destination keys, so later plans reuse them.
	merged map[int64]int64
}

// MergeStats counts what Merge did for one plan.
type MergeStats struct {
	LookupRowsInserted int64
	LookupKeysReused   int
	Orphans            int
	RowsTransferred    int64
	Renumbered         int
	Assets             AssetSummary
}

// keyResolution tells the row transfer what each referenced source key
// becomes in the destination.
type keyResolution struct {
	fresh     map[int64]bool  // inserted at k+Offset, renumbered later
	premapped map[int64]int64 // migrated earlier, destination key known
	orphans   map[int64]bool  // absent from the source lookup table
}

func newKeyResolution() *keyResolution {
	return &keyResolution{
		fresh:     map[int64]bool{},
		premapped: map[int64]int64{},
		orphans:   map[int64]bool{},
	}
}

func (r *keyResolution) resolve(k int64) (any, error) {
	if r.fresh[k] {
		return k + Offset, nil
	}
	if id, ok := r.premapped[k]; ok {
		return id, nil
	}
	if r.orphans[k] {
		return nil, nil
	}
	return nil, fmt.Errorf("lookup key %d was not prepared (did the source change during the run?)", k)
}

func (r *keyResolution) freshKeys() []int64 {
	keys := make([]int64, 0, len(r.fresh))
	for k := range r.fresh {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Merge runs the four steps for plan. onState is called after each completed
// step. Errors are *TransferError carrying the step that failed.
func (m *LookupMerger) Merge(ctx context.Context, plan *TableMigrationPlan, onState func(PlanState)) (*MergeStats, error) {
	stats := &MergeStats{}
	fail := func(step PlanState, row int64, err error) (*MergeStats, error) {
		return stats, &TransferError{Table: plan.SourceTable, Step: step, Row: row, Err: err}
	}
	bound := len(plan.ForeignKeys) > 0 && m.Lookup.Enabled()

	if bound {
		if err := m.checkHeadroom(ctx); err != nil {
			return fail(StateAssetsCopied, 0, err)
		}
	}

	// 1. assets
	if bound && m.Assets != nil {
		sum, err := m.copyAssets(ctx, plan)
		if err != nil {
			return fail(StateAssetsCopied, 0, err)
		}
		stats.Assets = sum
		log.Printf("    assets: %s", sum)
	}
	onState(StateAssetsCopied)

	// 2. offset insert
	res := newKeyResolution()
	if bound {
		n, err := m.insertLookupRows(ctx, plan, res)
		if err != nil {
			return fail(StateLookupRowsInserted, 0, err)
		}
		stats.LookupRowsInserted = n
		stats.LookupKeysReused = len(res.premapped)
		stats.Orphans = len(res.orphans)
		log.Printf("    lookup rows: %d inserted at offset, %d reused, %d orphaned", n, len(res.premapped), len(res.orphans))
	}
	onState(StateLookupRowsInserted)

	// 3. row transfer
	n, row, err := m.transferRows(ctx, plan, res)
	if err != nil {
		return fail(StateRowsTransferred, row, err)
	}
	stats.RowsTransferred = n
	log.Printf("    rows: %d transferred into %s", n, plan.DestinationTable)
	onState(StateRowsTransferred)

	// 4. renumber
	if bound {
		if err := m.renumber(ctx, plan, res); err != nil {
			return fail(StateRenumbered, 0, err)
		}
		stats.Renumbered = len(res.fresh)
		log.Printf("    renumbered %d lookup row(s)", len(res.fresh))
	}
	onState(StateRenumbered)
	return stats, nil
}

// checkHeadroom fails when the destination lookup table already holds keys in
// the offset range: residue of an interrupted run, or a destination that has
// outgrown the offset.
func (m *LookupMerger) checkHeadroom(ctx context.Context) error {
	var n int64
	q := fmt.Sprintf("SELECT count(*) FROM %s WHERE %s >= $1",
		pgTable(m.Schema, m.Lookup.Table), pgIdent(m.Lookup.KeyColumn))
	if err := m.Target.QueryRow(ctx, q, Offset).Scan(&n); err != nil {
		return fmt.Errorf("check offset headroom: %w\nSQL: %s", err, q)
	}
	if n > 0 {
		return fmt.Errorf("%d row(s) in %s have %s >= %d; an earlier run was interrupted or the table has outgrown the offset range",
			n, m.Lookup.Table, m.Lookup.KeyColumn, Offset)
	}
	return nil
}

func (m *LookupMerger) copyAssets(ctx context.Context, plan *TableMigrationPlan) (AssetSummary, error) {
	var sum AssetSummary
	for _, local := range plan.BindingColumns() {
		q := assetFilesQuery(m.Source, plan, plan.ForeignKeys[local], m.Lookup)
		var names []string
		rows, err := m.SourceConn.QueryContext(ctx, q)
		if err != nil {
			return sum, fmt.Errorf("list referenced files: %w\nSQL: %s", err, q)
		}
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				rows.Close()
				return sum, err
			}
			if name != "" {
				names = append(names, name)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return sum, err
		}
		sum.add(m.Assets.CopyAll(ctx, names))
	}
	return sum, nil
}

// referencedKeys returns the distinct lookup keys the filtered source rows
// reference, sorted.
func (m *LookupMerger) referencedKeys(ctx context.Context, plan *TableMigrationPlan) ([]int64, error) {
	q := referencedKeysQuery(m.Source, plan)
	rows, err := m.SourceConn.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("collect referenced keys: %w\nSQL: %s", err, q)
	}
	defer rows.Close()

	seen := map[int64]bool{}
	var keys []int64
	for rows.Next() {
		var v any
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		k, ok, err := keyValue(v)
		if err != nil {
			return nil, err
		}
		if !ok || seen[k] {
			continue
		}
		if k <= 0 || k >= Offset {
			return nil, fmt.Errorf("lookup key %d is outside the supported range 1..%d", k, Offset-1)
		}
		seen[k] = true
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Sort(keys)
	return keys, nil
}

// lookupColumns returns the destination lookup columns copied from the source
// (the key column excluded) and their destination types.
func (m *LookupMerger) lookupColumns(ctx context.Context) ([]string, map[string]Column, error) {
	srcCols, err := m.SourceCatalog.Columns(ctx, m.Lookup.SourceTable)
	if err != nil {
		return nil, nil, err
	}
	dstDesc, err := m.TargetCatalog.Describe(ctx, m.Lookup.Table)
	if err != nil {
		return nil, nil, err
	}

	var cols, missing []string
	for _, c := range dstDesc {
		if c.Name == m.Lookup.KeyColumn || c.Identity {
			continue
		}
		if slices.Contains(srcCols, c.Name) && c.Name != m.Lookup.SourceKeyColumn {
			cols = append(cols, c.Name)
			continue
		}
		if c.requiresValue() {
			missing = append(missing, c.Name)
		}
	}
	if len(missing) > 0 {
		return nil, nil, fmt.Errorf("lookup table %s: not-null column(s) missing from source table %s: %s",
			m.Lookup.Table, m.Lookup.SourceTable, strings.Join(missing, ", "))
	}
	return cols, columnTypes(dstDesc), nil
}

// existingSourceKeys returns which of keys exist in the source lookup table.
func (m *LookupMerger) existingSourceKeys(ctx context.Context, keys []int64) (map[int64]bool, error) {
	found := make(map[int64]bool, len(keys))
	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s IN (%s)",
		m.Source.QuoteIdentifier(m.Lookup.SourceKeyColumn),
		m.Source.QuoteIdentifier(m.Lookup.SourceTable),
		m.Source.QuoteIdentifier(m.Lookup.SourceKeyColumn),
		int64List(keys))
	rows, err := m.SourceConn.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("check source lookup keys: %w\nSQL: %s", err, q)
	}
	defer rows.Close()
	for rows.Next() {
		var v any
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		k, ok, err := keyValue(v)
		if err != nil {
			return nil, err
		}
		if ok {
			found[k] = true
		}
	}
	return found, rows.Err()
}

// insertLookupRows copies the referenced source lookup rows into the
// destination lookup table at key+Offset and fills res.
func (m *LookupMerger) insertLookupRows(ctx context.Context, plan *TableMigrationPlan, res *keyResolution) (int64, error) {
	keys, err := m.referencedKeys(ctx, plan)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	for _, k := range keys {
		if id, ok := m.merged[k]; ok {
			res.premapped[k] = id
		}
	}
	if m.Provenance != nil {
		known, err := m.Provenance.resolve(ctx, keys)
		if err != nil {
			return 0, err
		}
		for k, id := range known {
			if _, ok := res.premapped[k]; !ok {
				res.premapped[k] = id
			}
		}
	}
	keys = slices.DeleteFunc(keys, func(k int64) bool {
		_, ok := res.premapped[k]
		return ok
	})
	if len(keys) == 0 {
		return 0, nil
	}

	// Orphans are settled before anything is written.
	for _, batch := range batches(keys, lookupKeyBatch) {
		found, err := m.existingSourceKeys(ctx, batch)
		if err != nil {
			return 0, err
		}
		for _, k := range batch {
			if !found[k] {
				res.orphans[k] = true
			}
		}
	}
	if len(res.orphans) > 0 {
		orphans := make([]int64, 0, len(res.orphans))
		for k := range res.orphans {
			orphans = append(orphans, k)
		}
		slices.Sort(orphans)
		if m.Lookup.Orphans != "null" {
			return 0, fmt.Errorf("%d referenced key(s) missing from source table %s: %s",
				len(orphans), m.Lookup.SourceTable, int64List(firstN(orphans, 20)))
		}
		log.Printf("    WARN: %d referenced key(s) missing from %s, references set to NULL: %s",
			len(orphans), m.Lookup.SourceTable, int64List(firstN(orphans, 20)))
		keys = slices.DeleteFunc(keys, func(k int64) bool { return res.orphans[k] })
	}

	cols, types, err := m.lookupColumns(ctx)
	if err != nil {
		return 0, err
	}
	copyCols := append([]string{m.Lookup.KeyColumn}, cols...)
	convert := m.lookupRowConverter(copyCols, types, res)

	var total int64
	for _, batch := range batches(keys, lookupKeyBatch) {
		q := lookupRowsQuery(m.Source, m.Lookup, cols, batch)
		rows, err := m.SourceConn.QueryContext(ctx, q)
		if err != nil {
			return total, fmt.Errorf("read source lookup rows: %w\nSQL: %s", err, q)
		}
		src := newRowSource(rows, len(copyCols), convert)
		n, err := m.Target.CopyFrom(ctx, pgx.Identifier{m.Schema, m.Lookup.Table}, copyCols, src)
		rows.Close()
		if err != nil {
			return total, fmt.Errorf("copy into %s: %w", m.Lookup.Table, err)
		}
		total += n
	}
	return total, nil
}

// transferRows streams the plan's rows into the destination table. It
// returns the number of rows copied and, on failure, the offending row.
// lookupRowConverter shifts the source key of each lookup row into the offset
// range and marks it fresh. copyCols starts with the key column.
func (m *LookupMerger) lookupRowConverter(copyCols []string, types map[string]Column, res *keyResolution) func([]any) ([]any, error) {
	keyType := types[copyCols[0]]
	return func(raw []any) ([]any, error) {
		k, ok, err := keyValue(raw[0])
		if err != nil {
			return nil, fmt.Errorf("source lookup key %v: %w", raw[0], err)
		}
		if !ok {
			return nil, fmt.Errorf("NULL lookup key in %s.%s", m.Lookup.SourceTable, m.Lookup.SourceKeyColumn)
		}
		out := make([]any, len(raw))
		if out[0], err = coerceValue(k+Offset, keyType); err != nil {
			return nil, err
		}
		for i := 1; i < len(raw); i++ {
			v, err := coerceValue(raw[i], types[copyCols[i]])
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", copyCols[i], err)
			}
			out[i] = v
		}
		res.fresh[k] = true
		return out, nil
	}
}

func (m *LookupMerger) transferRows(ctx context.Context, plan *TableMigrationPlan, res *keyResolution) (int64, int64, error) {
	dstDesc, err := m.TargetCatalog.Describe(ctx, plan.DestinationTable)
	if err != nil {
		return 0, 0, err
	}
	types := columnTypes(dstDesc)
	cols := plan.DestinationColumns()

	q := transferQuery(m.Source, plan)
	rows, err := m.SourceConn.QueryContext(ctx, q)
	if err != nil {
		return 0, 0, fmt.Errorf("read source rows: %w\nSQL: %s", err, q)
	}
	defer rows.Close()

	convert := rowConverter(plan, cols, types, res)
	src := newRowSource(rows, len(cols), convert)
	n, err := m.Target.CopyFrom(ctx, pgx.Identifier{m.Schema, plan.DestinationTable}, cols, src)
	if err != nil {
		return n, copyErrorRow(err, src.rowsRead()), fmt.Errorf("copy into %s: %w", plan.DestinationTable, err)
	}
	return n, 0, nil
}

// rowConverter maps one source row onto the destination columns: bound
// columns go through the key resolution, everything else is coerced to the
// destination column type.
func rowConverter(plan *TableMigrationPlan, cols []string, types map[string]Column, res *keyResolution) func([]any) ([]any, error) {
	isBound := make([]bool, len(cols))
	for i, c := range cols {
		_, isBound[i] = plan.ForeignKeys[c]
	}
	return func(raw []any) ([]any, error) {
		out := make([]any, len(raw))
		for i, v := range raw {
			if isBound[i] {
				k, ok, err := keyValue(v)
				if err != nil {
					return nil, fmt.Errorf("column %s: %w", cols[i], err)
				}
				if !ok {
					continue
				}
				if out[i], err = res.resolve(k); err != nil {
					return nil, fmt.Errorf("column %s: %w", cols[i], err)
				}
				continue
			}
			cv, err := coerceValue(v, types[cols[i]])
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", cols[i], err)
			}
			out[i] = cv
		}
		return out, nil
	}
}

// renumberSQL moves one lookup row from $2 to $1 and rewrites every bound
// column of the destination table in the same statement, so foreign keys are
// only checked once both sides agree.
func renumberSQL(schema string, plan *TableMigrationPlan, lookup LookupConfig) string {
	bound := plan.BindingColumns()
	sets := make([]string, len(bound))
	preds := make([]string, len(bound))
	for i, c := range bound {
		col := pgIdent(c)
		sets[i] = fmt.Sprintf("%s = CASE WHEN %s = $2 THEN $1 ELSE %s END", col, col, col)
		preds[i] = col + " = $2"
	}
	key := pgIdent(lookup.KeyColumn)
	return fmt.Sprintf(`WITH moved AS (
	UPDATE %s SET %s = $1 WHERE %s = $2 RETURNING 1
), fixed AS (
	UPDATE %s SET %s WHERE %s RETURNING 1
)
SELECT (SELECT count(*) FROM moved), (SELECT count(*) FROM fixed)`,
		pgTable(schema, lookup.Table), key, key,
		pgTable(schema, plan.DestinationTable), strings.Join(sets, ", "), strings.Join(preds, " OR "),
	)
}

// residueSQL counts rows of the lookup table and the destination table that
// still hold offset values.
func residueSQL(schema string, plan *TableMigrationPlan, lookup LookupConfig) string {
	bound := plan.BindingColumns()
	preds := make([]string, len(bound))
	for i, c := range bound {
		preds[i] = pgIdent(c) + " >= $1"
	}
	return fmt.Sprintf(`SELECT
	(SELECT count(*) FROM %s WHERE %s >= $1),
	(SELECT count(*) FROM %s WHERE %s)`,
		pgTable(schema, lookup.Table), pgIdent(lookup.KeyColumn),
		pgTable(schema, plan.DestinationTable), strings.Join(preds, " OR "),
	)
}

// renumber gives every offset lookup row its real identity and rewrites the
// references to it, all in one transaction.
func (m *LookupMerger) renumber(ctx context.Context, plan *TableMigrationPlan, res *keyResolution) error {
	tx, err := m.Target.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin renumber: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SET CONSTRAINTS ALL DEFERRED"); err != nil {
		return fmt.Errorf("defer constraints: %w", err)
	}

	stmt := renumberSQL(m.Schema, plan, m.Lookup)
	allocated := make(map[int64]int64, len(res.fresh))
	for _, k := range res.freshKeys() {
		id, err := nextIdentityValue(ctx, tx, m.Schema, m.Lookup.Table, m.Lookup.KeyColumn)
		if err != nil {
			return err
		}
		if id >= Offset {
			return fmt.Errorf("sequence of %s.%s reached %d, inside the offset range", m.Lookup.Table, m.Lookup.KeyColumn, id)
		}
		var moved, fixed int64
		if err := tx.QueryRow(ctx, stmt, id, k+Offset).Scan(&moved, &fixed); err != nil {
			return fmt.Errorf("renumber key %d -> %d: %w\nSQL: %s", k, id, err, stmt)
		}
		if moved != 1 {
			return fmt.Errorf("renumber key %d: expected one lookup row at %d, found %d", k, k+Offset, moved)
		}
		allocated[k] = id
	}

	if m.Provenance != nil {
		if err := m.Provenance.record(ctx, tx, allocated); err != nil {
			return err
		}
	}

	check := residueSQL(m.Schema, plan, m.Lookup)
	var lookupLeft, refsLeft int64
	if err := tx.QueryRow(ctx, check, Offset).Scan(&lookupLeft, &refsLeft); err != nil {
		return fmt.Errorf("check offset residue: %w\nSQL: %s", err, check)
	}
	if lookupLeft > 0 || refsLeft > 0 {
		return fmt.Errorf("offset residue after renumbering: %d lookup row(s), %d %s row(s)",
			lookupLeft, refsLeft, plan.DestinationTable)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit renumber: %w", err)
	}
	if m.merged == nil {
		m.merged = make(map[int64]int64, len(allocated))
	}
	for k, id := range allocated {
		m.merged[k] = id
	}
	return nil
}

func firstN(keys []int64, n int) []int64 {
	if len(keys) > n {
		return keys[:n]
	}
	return keys
}
