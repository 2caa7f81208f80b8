package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Executor runs plans one after another through a LookupMerger.
type Executor struct {
	Merger *LookupMerger
	Pool   *pgxpool.Pool
	Config *MigrationConfig
	RunID  uuid.UUID
}

// TableReport is the outcome of one plan.
type TableReport struct {
	SourceTable      string
	DestinationTable string
	State            PlanState // last completed step
	Stats            *MergeStats
	Err              error
}

// RunReport is the outcome of a run, one entry per plan in run order.
type RunReport struct {
	RunID    uuid.UUID
	Tables   []TableReport
	Duration time.Duration
}

// String renders the per-table report printed at the end of a run.
func (r *RunReport) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s (%s)\n", r.RunID, r.Duration.Round(time.Millisecond))
	for _, t := range r.Tables {
		fmt.Fprintf(&b, "  %s -> %s: %s", t.SourceTable, t.DestinationTable, t.State)
		if t.Stats != nil {
			fmt.Fprintf(&b, " (%s rows", humanize.Comma(t.Stats.RowsTransferred))
			if t.Stats.LookupRowsInserted > 0 || t.Stats.LookupKeysReused > 0 {
				fmt.Fprintf(&b, ", %d lookup rows, %d reused", t.Stats.LookupRowsInserted, t.Stats.LookupKeysReused)
			}
			b.WriteString(")")
		}
		if t.Err != nil {
			fmt.Fprintf(&b, " FAILED: %v", t.Err)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// Run executes plans strictly in the given order. The first failure stops the
// run; later plans stay PLANNED. Cancellation of ctx is only observed between
// plans.
func (e *Executor) Run(ctx context.Context, plans []*TableMigrationPlan) (*RunReport, error) {
	start := time.Now()
	report := &RunReport{RunID: e.RunID, Tables: make([]TableReport, len(plans))}
	for i, p := range plans {
		report.Tables[i] = TableReport{SourceTable: p.SourceTable, DestinationTable: p.DestinationTable, State: StatePlanned}
	}
	defer func() { report.Duration = time.Since(start) }()

	cfg := e.Config
	if cfg.Lookup.Enabled() {
		lock, err := acquireLookupLock(ctx, e.Pool, cfg.Target.Schema, cfg.Lookup.Table)
		if err != nil {
			return report, &TransferError{Table: cfg.Lookup.Table, Step: StatePlanned, Err: err}
		}
		defer func() {
			if err := lock.release(context.WithoutCancel(ctx)); err != nil {
				log.Printf("WARN: %v", err)
			}
		}()

		if e.Merger.Provenance != nil {
			if err := e.Merger.Provenance.ensure(ctx); err != nil {
				return report, &TransferError{Table: cfg.Lookup.Table, Step: StatePlanned, Err: err}
			}
		}
	}

	if err := runHooks(ctx, e.Pool, cfg, cfg.Hooks.BeforeRun, "before_run"); err != nil {
		return report, fmt.Errorf("before_run hooks: %w", err)
	}

	for i, plan := range plans {
		if err := ctx.Err(); err != nil {
			log.Printf("run cancelled before %s", plan.SourceTable)
			return report, err
		}
		log.Printf("[%d/%d] %s -> %s", i+1, len(plans), plan.SourceTable, plan.DestinationTable)

		tr := &report.Tables[i]
		stats, err := e.Merger.Merge(context.WithoutCancel(ctx), plan, func(s PlanState) { tr.State = s })
		tr.Stats = stats
		if err != nil {
			tr.Err = err
			return report, err
		}
	}

	log.Printf("running post-run steps...")
	if err := postRun(ctx, e.Pool, cfg, plans); err != nil {
		return report, fmt.Errorf("post-run: %w", err)
	}
	return report, nil
}
