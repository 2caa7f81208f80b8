package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestSplitStatements(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		want []string
	}{
		{
			"single statement",
			"SELECT 1",
			[]string{"SELECT 1"},
		},
		{
			"two statements",
			"SELECT 1; SELECT 2;",
			[]string{"SELECT 1", "SELECT 2"},
		},
		{
			"trailing without semicolon",
			"SELECT 1; SELECT 2",
			[]string{"SELECT 1", "SELECT 2"},
		},
		{
			"empty statements skipped",
			"SELECT 1;; ;SELECT 2;",
			[]string{"SELECT 1", "SELECT 2"},
		},
		{
			"semicolon inside quotes",
			"SELECT 'hello;world'; SELECT 2",
			[]string{"SELECT 'hello;world'", "SELECT 2"},
		},
		{
			"escaped quotes",
			"SELECT 'it''s'; SELECT 2",
			[]string{"SELECT 'it''s'", "SELECT 2"},
		},
		{
			"whitespace trimmed",
			"  SELECT 1  ;  SELECT 2  ;  ",
			[]string{"SELECT 1", "SELECT 2"},
		},
		{
			"empty input",
			"",
			nil,
		},
		{
			"only whitespace",
			"   \n\t  ",
			nil,
		},
		{
			"multiline SQL",
			"DELETE FROM app.media_file\nWHERE id = 1;\nUPDATE app.posts\nSET thumbnail_id = NULL WHERE thumbnail_id = 1;",
			[]string{"DELETE FROM app.media_file\nWHERE id = 1", "UPDATE app.posts\nSET thumbnail_id = NULL WHERE thumbnail_id = 1"},
		},
		{
			"comments preserved in statements",
			"-- cleanup\nDELETE FROM t; SELECT 1",
			[]string{"-- cleanup\nDELETE FROM t", "SELECT 1"},
		},
		{
			"dollar-quoted function body",
			"CREATE FUNCTION f() RETURNS void AS $$ BEGIN PERFORM 1; PERFORM 2; END; $$ LANGUAGE plpgsql; SELECT 1;",
			[]string{"CREATE FUNCTION f() RETURNS void AS $$ BEGIN PERFORM 1; PERFORM 2; END; $$ LANGUAGE plpgsql", "SELECT 1"},
		},
		{
			"tagged dollar-quoted body",
			"DO $fn$ BEGIN RAISE NOTICE 'x;y'; END; $fn$; SELECT 2;",
			[]string{"DO $fn$ BEGIN RAISE NOTICE 'x;y'; END; $fn$", "SELECT 2"},
		},
		{
			"block comment with semicolon",
			"/* comment; still comment */ SELECT 1; SELECT 2;",
			[]string{"/* comment; still comment */ SELECT 1", "SELECT 2"},
		},
		{
			"nested block comment with semicolon",
			"/* outer; /* inner; */ done; */ SELECT 1; SELECT 2;",
			[]string{"/* outer; /* inner; */ done; */ SELECT 1", "SELECT 2"},
		},
		{
			"double-quoted identifier with semicolon",
			`SELECT "a;b" FROM t; SELECT 2;`,
			[]string{`SELECT "a;b" FROM t`, "SELECT 2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitStatements(tt.sql)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("splitStatements(%q) =\n  %v\nwant:\n  %v", tt.sql, got, tt.want)
			}
		})
	}
}

type recordingExecer struct {
	stmts  []string
	failOn string
}

func (r *recordingExecer) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	if r.failOn != "" && strings.Contains(sql, r.failOn) {
		return pgconn.CommandTag{}, errors.New("boom")
	}
	r.stmts = append(r.stmts, sql)
	return pgconn.NewCommandTag("OK"), nil
}

func TestRunHooks(t *testing.T) {
	dir := t.TempDir()
	hook := "UPDATE {{schema}}.{{lookup_table}} SET note = '{{source}}';\nANALYZE {{schema}}.{{lookup_table}};\n"
	if err := os.WriteFile(filepath.Join(dir, "after.sql"), []byte(hook), 0644); err != nil {
		t.Fatal(err)
	}
	cfg := &MigrationConfig{
		Source:    SourceConfig{Name: "blog"},
		Target:    TargetConfig{Schema: "app"},
		Lookup:    LookupConfig{Table: "media_file"},
		configDir: dir,
	}

	db := &recordingExecer{}
	if err := runHooks(context.Background(), db, cfg, []string{"after.sql"}, "after_run"); err != nil {
		t.Fatalf("runHooks() error: %v", err)
	}
	want := []string{
		"UPDATE app.media_file SET note = 'blog'",
		"ANALYZE app.media_file",
	}
	if !reflect.DeepEqual(db.stmts, want) {
		t.Errorf("executed %v, want %v", db.stmts, want)
	}
}

func TestRunHooksErrors(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "bad.sql"), []byte("SELECT 1; SELECT broken;"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg := &MigrationConfig{configDir: dir}

	err := runHooks(context.Background(), &recordingExecer{failOn: "broken"}, cfg, []string{"bad.sql"}, "before_run")
	if err == nil || !strings.Contains(err.Error(), "statement 2") {
		t.Errorf("expected statement 2 failure, got %v", err)
	}

	err = runHooks(context.Background(), &recordingExecer{}, cfg, []string{"missing.sql"}, "before_run")
	if err == nil || !strings.Contains(err.Error(), "missing.sql") {
		t.Errorf("expected read failure for missing.sql, got %v", err)
	}

	if err := runHooks(context.Background(), nil, cfg, nil, "before_run"); err != nil {
		t.Errorf("no hooks should be a no-op, got %v", err)
	}
}
