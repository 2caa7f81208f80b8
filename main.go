package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

var (
	configPath string
	planPath   string
	outPath    string
)

var rootCmd = &cobra.Command{
	Use:           "pgmerge",
	Short:         "Merge tables from PostgreSQL, MySQL or SQLite into an existing PostgreSQL schema",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Validate the configured table mappings and write the plan file",
	Args:  cobra.NoArgs,
	RunE:  runPlan,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute the table mappings against the destination",
	Args:  cobra.NoArgs,
	RunE:  runMerge,
}

var inspectCmd = &cobra.Command{
	Use:   "inspect [table [column]]",
	Short: "List databases and tables, or describe one table on both sides",
	Args:  cobra.MaximumNArgs(2),
	RunE:  runInspect,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the pgmerge version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), versionString())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "pgmerge.toml", "path to the TOML config file")
	planCmd.Flags().StringVarP(&outPath, "out", "o", "", "plan file to write (default: plan_file from the config)")
	runCmd.Flags().StringVar(&planPath, "plan", "", "execute a saved plan file instead of planning from the config")
	rootCmd.AddCommand(planCmd, runCmd, inspectCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// session holds the open connections of one command.
type session struct {
	cfg     *MigrationConfig
	src     SourceDB
	srcDB   *sql.DB
	pool    *pgxpool.Pool
	srcCat  *Catalog
	dstCat  *Catalog
	planner *Planner
}

func openSession(ctx context.Context, cfg *MigrationConfig) (*session, error) {
	src, err := newSourceDB(cfg.Source.Type)
	if err != nil {
		return nil, err
	}

	scope, err := sourceScope(src, cfg.Source)
	if err != nil {
		return nil, err
	}

	log.Printf("connecting to %s source %q...", src.Name(), cfg.Source.Name)
	srcDB, err := src.OpenDB(cfg.Source.DSN)
	if err != nil {
		return nil, err
	}
	if err := srcDB.PingContext(ctx); err != nil {
		srcDB.Close()
		return nil, fmt.Errorf("ping source: %w", err)
	}

	log.Printf("connecting to PostgreSQL target...")
	poolCfg, err := pgxpool.ParseConfig(cfg.Target.DSN)
	if err != nil {
		srcDB.Close()
		return nil, fmt.Errorf("parse target dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		srcDB.Close()
		return nil, fmt.Errorf("connect target: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		srcDB.Close()
		return nil, fmt.Errorf("ping target: %w", err)
	}

	s := &session{
		cfg:    cfg,
		src:    src,
		srcDB:  srcDB,
		pool:   pool,
		srcCat: src.Catalog(srcDB, scope),
		dstCat: newTargetCatalog(pool, cfg.Target.Schema),
	}
	s.planner = &Planner{
		Source:      s.srcCat,
		Destination: s.dstCat,
		Lookup:      cfg.Lookup,
		Aliases:     cfg.Aliases,
	}

	if cfg.Source.Type != "sqlite" {
		dbName, err := src.ExtractDBName(cfg.Source.DSN)
		if err == nil {
			err = s.planner.ValidateDatabase(ctx, dbName, func(ctx context.Context) ([]string, error) {
				return src.ListDatabases(ctx, srcDB)
			})
		}
		if err != nil {
			s.close()
			return nil, err
		}
	}
	return s, nil
}

func (s *session) close() {
	s.pool.Close()
	s.srcDB.Close()
}

// newExecutor wires the merger, asset relocation and provenance of a run.
func (s *session) newExecutor(ctx context.Context, runID uuid.UUID) (*Executor, error) {
	cfg := s.cfg
	merger := &LookupMerger{
		Source:        s.src,
		SourceConn:    s.srcDB,
		SourceCatalog: s.srcCat,
		Target:        s.pool,
		TargetCatalog: s.dstCat,
		Schema:        cfg.Target.Schema,
		Lookup:        cfg.Lookup,
	}
	if cfg.Assets.Enabled() {
		from, err := newAssetStore(ctx, cfg.Assets.Source, cfg.Assets, cfg.resolvePath)
		if err != nil {
			return nil, err
		}
		to, err := newAssetStore(ctx, cfg.Assets.Target, cfg.Assets, cfg.resolvePath)
		if err != nil {
			return nil, err
		}
		log.Printf("assets: %s -> %s", from, to)
		merger.Assets = &AssetRelocator{From: from, To: to}
	}
	if cfg.Lookup.Enabled() && cfg.Lookup.Provenance {
		merger.Provenance = newProvenanceStore(s.pool, cfg.Target.Schema, cfg.Source.Name, cfg.Lookup, runID)
	}
	return &Executor{Merger: merger, Pool: s.pool, Config: cfg, RunID: runID}, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runPlan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	s, err := openSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.close()

	for _, t := range cfg.Tables {
		if t.AcceptSuggestions {
			continue
		}
		suggestions, err := s.planner.Suggest(ctx, t.Source, t.Target)
		if err != nil {
			continue
		}
		if len(suggestions) > 0 {
			log.Printf("suggested mappings for %s -> %s (set accept_suggestions = true to apply):", t.Source, t.Target)
			for _, c := range suggestions {
				log.Printf("  %s -> %s", c.Source, c.Destination)
			}
		}
	}

	plans, err := s.planner.PlanAll(ctx, cfg.planRequests())
	printPlans(cmd, plans)
	if err != nil {
		return err
	}

	out := outPath
	if out == "" {
		out = cfg.resolvePath(cfg.PlanFile)
	}
	if err := savePlanDocument(out, newPlanDocument(cfg, plans)); err != nil {
		return err
	}
	log.Printf("plan for %d table(s) written to %s", len(plans), out)
	return nil
}

func printPlans(cmd *cobra.Command, plans []*TableMigrationPlan) {
	w := cmd.OutOrStdout()
	for _, p := range plans {
		fmt.Fprintf(w, "%s -> %s\n", p.SourceTable, p.DestinationTable)
		for _, c := range p.Columns {
			line := fmt.Sprintf(" - %s -> %s", c.Source, c.Destination)
			if b, ok := p.ForeignKeys[c.Destination]; ok {
				line += fmt.Sprintf(" (references %s.%s)", b.LookupTable, b.LookupKeyColumn)
			}
			fmt.Fprintln(w, line)
		}
		for _, d := range p.Defaults {
			fmt.Fprintf(w, " - set %s to %s\n", d.Column, d.Expression)
		}
		if p.Filter != "" {
			fmt.Fprintf(w, " - filter: %s\n", p.Filter)
		}
		fmt.Fprintln(w)
	}
}

func runMerge(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	var doc *PlanDocument
	if planPath != "" {
		doc, err = loadPlanDocument(planPath)
		if err != nil {
			return err
		}
		if err := doc.checkSource(cfg.Source); err != nil {
			return err
		}
		cfg.Lookup = doc.Lookup
	}

	s, err := openSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.close()

	var plans []*TableMigrationPlan
	if doc != nil {
		plans = doc.Tables
		log.Printf("loaded %d plan(s) from %s", len(plans), planPath)
	} else {
		plans, err = s.planner.PlanAll(ctx, cfg.planRequests())
		if err != nil {
			return err
		}
	}
	printPlans(cmd, plans)

	runID := uuid.New()
	exec, err := s.newExecutor(ctx, runID)
	if err != nil {
		return err
	}

	log.Printf("pgmerge run %s: %d table(s) from %s into schema %s", runID, len(plans), cfg.Source.Name, cfg.Target.Schema)
	start := time.Now()
	report, runErr := exec.Run(ctx, plans)
	fmt.Fprint(cmd.OutOrStdout(), report)

	if runErr != nil {
		return fmt.Errorf("run halted: %w", runErr)
	}
	log.Printf("run completed in %s", time.Since(start).Round(time.Millisecond))
	return nil
}

func runInspect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	s, err := openSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.close()
	w := cmd.OutOrStdout()

	if len(args) == 0 {
		dbs, err := s.src.ListDatabases(ctx, s.srcDB)
		if err != nil {
			return fmt.Errorf("list databases: %w", err)
		}
		fmt.Fprintf(w, "source databases: %s\n", strings.Join(dbs, ", "))
		for _, cat := range []*Catalog{s.srcCat, s.dstCat} {
			tables, err := cat.Tables(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s tables: %s\n", cat.Name(), strings.Join(tables, ", "))
		}
		return nil
	}

	table := args[0]
	for _, cat := range []*Catalog{s.srcCat, s.dstCat} {
		if err := s.planner.ValidateTable(ctx, cat, table); err != nil {
			fmt.Fprintf(w, "%s: %v\n", cat.Name(), err)
			continue
		}
		if len(args) == 2 {
			if err := s.planner.ValidateColumn(ctx, cat, table, args[1]); err != nil {
				fmt.Fprintf(w, "%s: %v\n", cat.Name(), err)
				continue
			}
		}
		cols, err := cat.Describe(ctx, table)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s %s:\n", cat.Name(), table)
		for _, c := range cols {
			if len(args) == 2 && c.Name != args[1] {
				continue
			}
			flags := ""
			if !c.Nullable {
				flags += " not null"
			}
			if c.Identity {
				flags += " identity"
			}
			if c.Default != nil {
				flags += " default " + *c.Default
			}
			fmt.Fprintf(w, "  %s %s%s\n", c.Name, c.DataType, flags)
		}
		if cfg.Lookup.Enabled() && cat == s.dstCat {
			refs, err := cat.ForeignKeysTo(ctx, table, cfg.Lookup.Table)
			if err != nil {
				return err
			}
			for local, ref := range refs {
				fmt.Fprintf(w, "  %s references %s.%s\n", local, ref.Table, ref.Column)
			}
		}
	}
	return nil
}
