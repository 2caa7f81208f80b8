package main

import (
	"strings"
	"testing"

	"github.com/go-sql-driver/mysql"
)

func TestMySQLDSNWithReadOptions(t *testing.T) {
	got, err := mysqlDSNWithReadOptions("blog:secret@tcp(db.internal:3306)/wordpress?charset=utf8mb4")
	if err != nil {
		t.Fatalf("mysqlDSNWithReadOptions() error: %v", err)
	}
	cfg, err := mysql.ParseDSN(got)
	if err != nil {
		t.Fatalf("rewritten DSN does not parse: %v", err)
	}
	if !cfg.ParseTime || !cfg.InterpolateParams || cfg.Loc.String() != "UTC" {
		t.Errorf("read options not applied: parseTime=%v interpolateParams=%v loc=%v", cfg.ParseTime, cfg.InterpolateParams, cfg.Loc)
	}
	if cfg.DBName != "wordpress" || !strings.Contains(got, "charset=utf8mb4") {
		t.Errorf("DSN lost its database or params: %s", got)
	}

	if _, err := mysqlDSNWithReadOptions("://bad-dsn"); err == nil {
		t.Error("expected error for invalid DSN")
	}
}

func TestMySQLSourceID(t *testing.T) {
	tests := []struct {
		dsn  string
		want string
	}{
		{"blog:secret@tcp(db-a.internal:3306)/wordpress", "mysql://tcp(db-a.internal:3306)/wordpress"},
		{"blog:secret@tcp(db-b.internal:3306)/wordpress", "mysql://tcp(db-b.internal:3306)/wordpress"},
		{"root@tcp(127.0.0.1)/wordpress?parseTime=true", "mysql://tcp(127.0.0.1:3306)/wordpress"},
		{"root@unix(/run/mysqld/mysqld.sock)/shop", "mysql://unix(/run/mysqld/mysqld.sock)/shop"},
	}
	for _, tt := range tests {
		got, err := mysqlSourceID(tt.dsn)
		if err != nil {
			t.Errorf("mysqlSourceID(%q) error: %v", tt.dsn, err)
			continue
		}
		if got != tt.want {
			t.Errorf("mysqlSourceID(%q) = %q, want %q", tt.dsn, got, tt.want)
		}
		if strings.Contains(got, "secret") {
			t.Errorf("mysqlSourceID(%q) leaks the password: %q", tt.dsn, got)
		}
	}

	if _, err := mysqlSourceID("root@tcp(127.0.0.1:3306)/"); err == nil {
		t.Error("expected error for DSN without database")
	}
}

func TestMySQLSourceQuoteIdentifier(t *testing.T) {
	src := &mysqlSourceDB{}
	if got, want := src.QuoteIdentifier("wp`posts"), "`wp``posts`"; got != want {
		t.Errorf("QuoteIdentifier() = %q, want %q", got, want)
	}
}
