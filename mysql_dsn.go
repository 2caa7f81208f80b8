package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

func mysqlDSNWithReadOptions(baseDSN string) (string, error) {
	cfg, err := mysql.ParseDSN(baseDSN)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.InterpolateParams = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}

// mysqlSourceID identifies a MySQL database by network address and name.
func mysqlSourceID(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	if cfg.DBName == "" {
		return "", fmt.Errorf("cannot extract database name from DSN: empty name")
	}
	return fmt.Sprintf("mysql://%s(%s)/%s", cfg.Net, cfg.Addr, cfg.DBName), nil
}

// extractMySQLDBName pulls the database name from a MySQL DSN.
// Expects format: user:pass@tcp(host:port)/dbname or user:pass@host:port/dbname
func extractMySQLDBName(dsn string) (string, error) {
	paramIdx := len(dsn)
	if i := strings.IndexByte(dsn, '?'); i >= 0 {
		paramIdx = i
	}
	slashIdx := strings.LastIndexByte(dsn[:paramIdx], '/')
	if slashIdx < 0 {
		return "", fmt.Errorf("cannot extract database name from DSN: no '/' found")
	}
	dbName := dsn[slashIdx+1 : paramIdx]
	if dbName == "" {
		return "", fmt.Errorf("cannot extract database name from DSN: empty name")
	}
	return dbName, nil
}
