package main

import (
	"context"
	"database/sql"

	"github.com/jackc/pgx/v5/pgxpool"
)

// scanRows is the subset of pgx.Rows and *sql.Rows the introspectors use.
type scanRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

type queryFunc func(ctx context.Context, query string, args ...any) (scanRows, func(), error)

// pgIntrospector reads information_schema and pg_catalog for one schema. It
// serves the destination (through pgxpool) and PostgreSQL sources (through
// database/sql on the pgx stdlib driver).
type pgIntrospector struct {
	schema string
	query  queryFunc
}

func pgPoolIntrospector(pool *pgxpool.Pool, schema string) *pgIntrospector {
	return &pgIntrospector{
		schema: schema,
		query: func(ctx context.Context, q string, args ...any) (scanRows, func(), error) {
			rows, err := pool.Query(ctx, q, args...)
			if err != nil {
				return nil, nil, err
			}
			return rows, rows.Close, nil
		},
	}
}

func pgSQLIntrospector(db *sql.DB, schema string) *pgIntrospector {
	return &pgIntrospector{
		schema: schema,
		query: func(ctx context.Context, q string, args ...any) (scanRows, func(), error) {
			rows, err := db.QueryContext(ctx, q, args...)
			if err != nil {
				return nil, nil, err
			}
			return rows, func() { rows.Close() }, nil
		},
	}
}

// newTargetCatalog returns the catalog of the destination schema.
func newTargetCatalog(pool *pgxpool.Pool, schema string) *Catalog {
	return newCatalog("target", pgPoolIntrospector(pool, schema))
}

func (p *pgIntrospector) listTables(ctx context.Context) ([]string, error) {
	rows, done, err := p.query(ctx,
		`SELECT table_name::text FROM information_schema.tables
		 WHERE table_schema = $1 AND table_type = 'BASE TABLE'
		 ORDER BY table_name`,
		p.schema,
	)
	if err != nil {
		return nil, err
	}
	defer done()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

func (p *pgIntrospector) listColumns(ctx context.Context, table string) ([]Column, error) {
	rows, done, err := p.query(ctx,
		`SELECT column_name::text, data_type::text, is_nullable::text,
		        column_default::text, is_identity::text, is_generated::text,
		        ordinal_position::int
		 FROM information_schema.columns
		 WHERE table_schema = $1 AND table_name = $2
		 ORDER BY ordinal_position`,
		p.schema, table,
	)
	if err != nil {
		return nil, err
	}
	defer done()

	var cols []Column
	for rows.Next() {
		var c Column
		var nullable, identity, generated string
		var dflt sql.NullString
		if err := rows.Scan(&c.Name, &c.DataType, &nullable, &dflt, &identity, &generated, &c.OrdinalPos); err != nil {
			return nil, err
		}
		c.Nullable = nullable == "YES"
		c.Identity = identity == "YES" || generated == "ALWAYS"
		if dflt.Valid {
			c.Default = &dflt.String
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

func (p *pgIntrospector) listForeignKeys(ctx context.Context, table string) ([]ForeignKey, error) {
	rows, done, err := p.query(ctx,
		`SELECT con.conname::text, att.attname::text, ref.relname::text, refatt.attname::text
		 FROM pg_constraint con
		 JOIN pg_class rel ON rel.oid = con.conrelid
		 JOIN pg_namespace nsp ON nsp.oid = rel.relnamespace
		 JOIN pg_class ref ON ref.oid = con.confrelid
		 CROSS JOIN LATERAL unnest(con.conkey, con.confkey) WITH ORDINALITY AS k(attnum, refattnum, ord)
		 JOIN pg_attribute att ON att.attrelid = con.conrelid AND att.attnum = k.attnum
		 JOIN pg_attribute refatt ON refatt.attrelid = con.confrelid AND refatt.attnum = k.refattnum
		 WHERE con.contype = 'f' AND nsp.nspname = $1 AND rel.relname = $2
		 ORDER BY con.conname, k.ord`,
		p.schema, table,
	)
	if err != nil {
		return nil, err
	}
	defer done()

	fkMap := make(map[string]*ForeignKey)
	var fkOrder []string
	for rows.Next() {
		var name, col, refTable, refCol string
		if err := rows.Scan(&name, &col, &refTable, &refCol); err != nil {
			return nil, err
		}
		fk, ok := fkMap[name]
		if !ok {
			fk = &ForeignKey{Name: name, RefTable: refTable}
			fkMap[name] = fk
			fkOrder = append(fkOrder, name)
		}
		fk.Columns = append(fk.Columns, col)
		fk.RefColumns = append(fk.RefColumns, refCol)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	fks := make([]ForeignKey, 0, len(fkOrder))
	for _, name := range fkOrder {
		fks = append(fks, *fkMap[name])
	}
	return fks, nil
}
