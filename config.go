package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// MigrationConfig holds the full TOML-driven migration configuration.
type MigrationConfig struct {
	Source   SourceConfig      `toml:"source"`
	Target   TargetConfig      `toml:"target"`
	Lookup   LookupConfig      `toml:"lookup"`
	Assets   AssetsConfig      `toml:"assets"`
	Hooks    HooksConfig       `toml:"hooks"`
	Aliases  map[string]string `toml:"aliases"`
	PlanFile string            `toml:"plan_file"`
	Tables   []TableConfig     `toml:"tables"`

	// configDir is the directory containing the TOML file, used to resolve relative paths.
	configDir string
}

// SourceConfig identifies the source database engine and connection string.
type SourceConfig struct {
	Type   string `toml:"type"` // "postgres", "mysql" or "sqlite"
	DSN    string `toml:"dsn"`
	Name   string `toml:"name"`   // provenance tag; defaults to the source identity derived from the DSN
	Schema string `toml:"schema"` // PostgreSQL sources only (default: "public")
}

type TargetConfig struct {
	DSN    string `toml:"dsn"`
	Schema string `toml:"schema"`
}

// LookupConfig describes the shared lookup table merged from every source.
type LookupConfig struct {
	Table           string `toml:"table"`
	KeyColumn       string `toml:"key_column"`
	FileColumn      string `toml:"file_column"`
	SourceTable     string `toml:"source_table"`      // defaults to Table
	SourceKeyColumn string `toml:"source_key_column"` // defaults to KeyColumn
	Provenance      bool   `toml:"provenance"`
	Orphans         string `toml:"orphans"` // error|null
}

// Enabled reports whether a lookup table is configured.
func (l LookupConfig) Enabled() bool { return l.Table != "" }

// AssetsConfig locates the file directories (or S3 prefixes) of the lookup rows.
type AssetsConfig struct {
	Source   string `toml:"source"`
	Target   string `toml:"target"`
	Region   string `toml:"region"`
	Endpoint string `toml:"endpoint"`
}

// Enabled reports whether asset relocation is configured.
func (a AssetsConfig) Enabled() bool { return a.Source != "" && a.Target != "" }

type HooksConfig struct {
	BeforeRun []string `toml:"before_run"`
	AfterRun  []string `toml:"after_run"`
}

// TableConfig is one [[tables]] entry: the operator's answers for one table.
type TableConfig struct {
	Source            string     `toml:"source"`
	Target            string     `toml:"target"`
	Columns           [][]string `toml:"columns"`  // [source, destination] pairs
	Defaults          [][]string `toml:"defaults"` // [destination, expression] pairs
	Filter            string     `toml:"filter"`
	AcceptSuggestions bool       `toml:"accept_suggestions"`
}

// defaultAliases are the column renames offered as suggestions out of the box.
var defaultAliases = map[string]string{
	"url_title": "slug",
}

// loadConfig reads a TOML config file and returns a MigrationConfig with defaults applied.
func loadConfig(path string) (*MigrationConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := MigrationConfig{
		Source: SourceConfig{Schema: "public"},
		Target: TargetConfig{Schema: "public"},
		Lookup: LookupConfig{
			KeyColumn:  "id",
			Provenance: true,
			Orphans:    "error",
		},
		PlanFile: "pgmerge-plan.toml",
	}
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if unknown := md.Undecoded(); len(unknown) > 0 {
		keys := make([]string, len(unknown))
		for i, k := range unknown {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	cfg.configDir = filepath.Dir(absPath)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *MigrationConfig) validate() error {
	// Source validation
	if c.Source.Type == "" {
		return fmt.Errorf("source.type is required (must be postgres, mysql or sqlite)")
	}
	src, err := newSourceDB(c.Source.Type)
	if err != nil {
		return err
	}
	if c.Source.DSN == "" {
		return fmt.Errorf("source.dsn is required")
	}
	if c.Source.Type != "postgres" && c.Source.Schema != "public" {
		return fmt.Errorf("source.schema is a PostgreSQL-only option")
	}
	if c.Source.Name == "" {
		if _, err := sourceScope(src, c.Source); err != nil {
			return fmt.Errorf("source.name: %w", err)
		}
		name, err := src.SourceID(c.Source.DSN)
		if err != nil {
			return fmt.Errorf("source.name: %w", err)
		}
		c.Source.Name = name
	}

	if c.Target.DSN == "" {
		return fmt.Errorf("target.dsn is required")
	}
	c.Target.Schema = strings.TrimSpace(c.Target.Schema)
	if c.Target.Schema == "" {
		return fmt.Errorf("target.schema must not be empty")
	}

	// Lookup validation
	if c.Lookup.Table != "" {
		if c.Lookup.KeyColumn == "" {
			return fmt.Errorf("lookup.key_column must not be empty")
		}
		if c.Lookup.SourceTable == "" {
			c.Lookup.SourceTable = c.Lookup.Table
		}
		if c.Lookup.SourceKeyColumn == "" {
			c.Lookup.SourceKeyColumn = c.Lookup.KeyColumn
		}
	} else if c.Lookup.FileColumn != "" || c.Lookup.SourceTable != "" {
		return fmt.Errorf("lookup.table is required when other lookup options are set")
	}
	switch c.Lookup.Orphans {
	case "error", "null":
	default:
		return fmt.Errorf("lookup.orphans must be one of: error, null")
	}

	// Assets validation
	if (c.Assets.Source == "") != (c.Assets.Target == "") {
		return fmt.Errorf("assets.source and assets.target must be set together")
	}
	if c.Assets.Enabled() && c.Lookup.FileColumn == "" {
		return fmt.Errorf("assets require lookup.file_column")
	}

	aliases := make(map[string]string, len(defaultAliases)+len(c.Aliases))
	for k, v := range defaultAliases {
		aliases[k] = v
	}
	for k, v := range c.Aliases {
		aliases[k] = v
	}
	c.Aliases = aliases

	for i := range c.Tables {
		t := &c.Tables[i]
		if t.Source == "" {
			return fmt.Errorf("tables[%d].source is required", i)
		}
		if t.Target == "" {
			t.Target = t.Source
		}
		for _, pair := range t.Columns {
			if len(pair) != 2 {
				return fmt.Errorf("tables[%d] (%s): each columns entry must be [source, destination]", i, t.Source)
			}
		}
		for _, pair := range t.Defaults {
			if len(pair) != 2 {
				return fmt.Errorf("tables[%d] (%s): each defaults entry must be [column, expression]", i, t.Source)
			}
		}
		t.Filter = strings.TrimSpace(t.Filter)
	}
	return nil
}

// planRequests turns the [[tables]] entries into planner requests.
func (c *MigrationConfig) planRequests() []PlanRequest {
	reqs := make([]PlanRequest, 0, len(c.Tables))
	for _, t := range c.Tables {
		req := PlanRequest{
			SourceTable:       t.Source,
			DestinationTable:  t.Target,
			Filter:            t.Filter,
			AcceptSuggestions: t.AcceptSuggestions,
		}
		for _, pair := range t.Columns {
			req.Columns = append(req.Columns, ColumnCorrespondence{Source: pair[0], Destination: pair[1]})
		}
		for _, pair := range t.Defaults {
			req.Defaults = append(req.Defaults, DefaultValueFill{Column: pair[0], Expression: pair[1]})
		}
		reqs = append(reqs, req)
	}
	return reqs
}

// resolvePath resolves a path relative to the config file directory.
func (c *MigrationConfig) resolvePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.configDir, p)
}
