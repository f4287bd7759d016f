package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/dustin/go-humanize"
	"github.com/elee1766/btmigrate/pkg/btrfs"
	"github.com/elee1766/btmigrate/pkg/config"
	"github.com/elee1766/btmigrate/pkg/db"
	"github.com/elee1766/btmigrate/pkg/db/queries"
	"github.com/elee1766/btmigrate/pkg/migrate"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// CLI is the root command structure
type CLI struct {
	// Global flags
	LogLevel string `short:"l" default:"info" enum:"debug,info,warn,error" env:"BTMIGRATE_LOG_LEVEL" help:"Log level (debug, info, warn, error)"`

	// Subcommands
	Migrate    MigrateCmd    `cmd:"" help:"Migrate subvolumes from one btrfs filesystem to another"`
	Plan       PlanCmd       `cmd:"" help:"Show what a migration would do without touching anything"`
	Subvolumes SubvolumesCmd `cmd:"" name:"subvol" help:"Subvolume operations"`
	Runs       RunsCmd       `cmd:"" help:"Inspect past migration runs"`
}

// MigrateCmd moves every non-excluded subvolume from source to destination
type MigrateCmd struct {
	Source       string   `arg:"" help:"Mounted source btrfs filesystem root"`
	Destination  string   `arg:"" help:"Mounted destination btrfs filesystem root"`
	Exclude      []string `short:"e" help:"Additional exclude patterns (doublestar globs matched against subvolume paths)"`
	KeepReadonly bool     `help:"Leave migrated subvolumes read-only instead of clearing the ro property"`
	Grow         bool     `help:"Resize the destination filesystem to fill its device after a fully successful run"`
	NoJournal    bool     `help:"Do not record this run in the journal"`
}

func (c *MigrateCmd) Run(cli *CLI) error {
	logger := makeLogger(cli.LogLevel)
	mgr := btrfs.New(logger)

	policy, err := buildPolicy(c.Exclude)
	if err != nil {
		return err
	}

	if err := migrate.Preflight(mgr, logger, c.Source, c.Destination); err != nil {
		return fmt.Errorf("preflight: %w", err)
	}

	subvols, err := mgr.ListSubvolumes(c.Source)
	if err != nil {
		return fmt.Errorf("failed to list subvolumes: %w", err)
	}

	plan, err := migrate.BuildPlan(subvolNames(subvols), policy)
	if err != nil {
		return err
	}

	logger.Info("starting migration",
		"source", c.Source,
		"destination", c.Destination,
		"subvolumes", len(plan.Entries),
		"transfers", plan.TransferCount())

	var journal *db.DB
	if !c.NoJournal {
		journal = openJournal(logger)
	}
	if journal != nil {
		defer journal.Close()
	}

	runID := uuid.New().String()
	if journal != nil {
		err := queries.InsertRun(journal.Conn(), &queries.MigrationRun{
			RunID:       runID,
			Source:      c.Source,
			Destination: c.Destination,
			Status:      "running",
			StartedAt:   time.Now(),
		})
		if err != nil {
			logger.Warn("could not record run start", "error", err)
		}
	}

	driver := migrate.NewDriver(mgr, logger, migrate.Options{KeepReadonly: c.KeepReadonly})
	summary := driver.Run(context.Background(), plan, c.Source, c.Destination)
	summary.RunID = runID

	renderSummary(summary)

	if journal != nil {
		recordSummary(journal, summary, logger)
	}

	if c.Grow && summary.Ok() {
		if err := mgr.GrowFilesystem(c.Destination); err != nil {
			return fmt.Errorf("failed to grow destination filesystem: %w", err)
		}
	}

	if failed := summary.Failed(); failed > 0 {
		return fmt.Errorf("%d of %d subvolumes failed", failed, summary.Total())
	}
	return nil
}

// PlanCmd prints the per-subvolume decisions a run would make
type PlanCmd struct {
	Source  string   `arg:"" help:"Mounted source btrfs filesystem root"`
	Exclude []string `short:"e" help:"Additional exclude patterns (doublestar globs matched against subvolume paths)"`
}

func (c *PlanCmd) Run(cli *CLI) error {
	mgr := btrfs.New(makeLogger(cli.LogLevel))

	policy, err := buildPolicy(c.Exclude)
	if err != nil {
		return err
	}

	subvols, err := mgr.ListSubvolumes(c.Source)
	if err != nil {
		return fmt.Errorf("failed to list subvolumes: %w", err)
	}

	plan, err := migrate.BuildPlan(subvolNames(subvols), policy)
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.SetTitle("Migration Plan")
	t.AppendHeader(table.Row{"Subvolume", "Action", "Reason"})
	for _, e := range plan.Entries {
		t.AppendRow(table.Row{e.Name, string(e.Action), e.Reason})
	}
	t.AppendSeparator()
	t.AppendRow(table.Row{
		fmt.Sprintf("%d subvolumes", len(plan.Entries)),
		fmt.Sprintf("%d to transfer", plan.TransferCount()),
		fmt.Sprintf("%d to skip", len(plan.Entries)-plan.TransferCount()),
	})
	t.Render()
	return nil
}

// SubvolumesCmd contains subvolume subcommands
type SubvolumesCmd struct {
	List SubvolListCmd `cmd:"" help:"List subvolumes"`
}

// SubvolListCmd lists subvolumes
type SubvolListCmd struct {
	Path string `arg:"" help:"Path to btrfs filesystem mount point"`
}

func (c *SubvolListCmd) Run(cli *CLI) error {
	mgr := btrfs.New(makeLogger(cli.LogLevel))
	subvols, err := mgr.ListSubvolumes(c.Path)
	if err != nil {
		return fmt.Errorf("failed to list subvolumes: %w", err)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"ID", "Gen", "Top Level", "Path", "RO", "Created"})

	for _, sv := range subvols {
		ro := ""
		if sv.IsReadonly {
			ro = "ro"
		}
		created := ""
		if !sv.CreatedAt.IsZero() {
			created = sv.CreatedAt.Format("2006-01-02 15:04:05")
		}
		t.AppendRow(table.Row{sv.ID, sv.Gen, sv.TopLevel, sv.Path, ro, created})
	}
	t.Render()
	return nil
}

// RunsCmd contains run journal subcommands
type RunsCmd struct {
	List RunsListCmd `cmd:"" help:"List recorded migration runs"`
	Show RunsShowCmd `cmd:"" help:"Show one run and its per-subvolume results"`
}

// RunsListCmd lists recorded runs
type RunsListCmd struct {
	Limit int `short:"n" default:"20" help:"Show at most N runs"`
}

func (c *RunsListCmd) Run(cli *CLI) error {
	logger := makeLogger(cli.LogLevel)
	journal, err := db.Open(config.New(), logger)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer journal.Close()

	runs, err := queries.ListRuns(journal.Conn(), c.Limit)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Run ID", "Source", "Destination", "Status", "Migrated", "Failed", "Skipped", "Sent", "Started"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
		{Number: 7, Align: text.AlignRight},
		{Number: 8, Align: text.AlignRight},
	})

	for _, r := range runs {
		t.AppendRow(table.Row{
			r.RunID,
			r.Source,
			r.Destination,
			r.Status,
			r.Migrated,
			r.Failed,
			r.Skipped,
			humanize.IBytes(uint64(r.BytesSent)),
			r.StartedAt.Format("2006-01-02 15:04:05"),
		})
	}
	t.Render()
	return nil
}

// RunsShowCmd shows run details
type RunsShowCmd struct {
	RunID string `arg:"" help:"Run ID (from 'runs list')"`
}

func (c *RunsShowCmd) Run(cli *CLI) error {
	logger := makeLogger(cli.LogLevel)
	journal, err := db.Open(config.New(), logger)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer journal.Close()

	run, err := queries.GetRun(journal.Conn(), c.RunID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("no run with ID %s", c.RunID)
	}
	if err != nil {
		return fmt.Errorf("failed to load run: %w", err)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.AppendRow(table.Row{"Run ID", run.RunID})
	t.AppendRow(table.Row{"Source", run.Source})
	t.AppendRow(table.Row{"Destination", run.Destination})
	t.AppendRow(table.Row{"Status", run.Status})
	t.AppendRow(table.Row{"Migrated", run.Migrated})
	t.AppendRow(table.Row{"Failed", run.Failed})
	t.AppendRow(table.Row{"Skipped", run.Skipped})
	t.AppendRow(table.Row{"Bytes sent", humanize.IBytes(uint64(run.BytesSent))})
	t.AppendRow(table.Row{"Started", run.StartedAt.Format("2006-01-02 15:04:05")})
	if run.FinishedAt.Valid {
		t.AppendRow(table.Row{"Finished", run.FinishedAt.Time.Format("2006-01-02 15:04:05")})
	}
	t.Render()

	results, err := queries.ListResults(journal.Conn(), c.RunID)
	if err != nil {
		return fmt.Errorf("failed to load results: %w", err)
	}
	if len(results) == 0 {
		return nil
	}

	fmt.Println()

	rt := table.NewWriter()
	rt.SetOutputMirror(os.Stdout)
	rt.SetStyle(table.StyleRounded)
	rt.AppendHeader(table.Row{"Subvolume", "Outcome", "Reason", "Sent", "Duration"})
	rt.SetColumnConfigs([]table.ColumnConfig{
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
	})
	for _, r := range results {
		rt.AppendRow(table.Row{
			r.Name,
			r.Outcome,
			r.Reason.String,
			humanize.IBytes(uint64(r.BytesSent)),
			(time.Duration(r.DurationMS) * time.Millisecond).String(),
		})
	}
	rt.Render()
	return nil
}

// buildPolicy validates user exclude patterns up front so a typo fails the
// command instead of silently matching nothing.
func buildPolicy(patterns []string) (migrate.SkipPolicy, error) {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return migrate.SkipPolicy{}, fmt.Errorf("invalid exclude pattern %q", p)
		}
	}
	return migrate.SkipPolicy{ExcludePatterns: patterns}, nil
}

// subvolNames extracts the plan input. Root items without a resolvable
// path (dead subvolumes pending removal) are not migration candidates.
func subvolNames(subvols []*btrfs.SubvolumeInfo) []string {
	names := make([]string, 0, len(subvols))
	for _, sv := range subvols {
		if sv.Path == "" {
			continue
		}
		names = append(names, sv.Path)
	}
	return names
}

// openJournal opens the run journal. Journal problems never block a
// migration; they only cost the record.
func openJournal(logger *slog.Logger) *db.DB {
	journal, err := db.Open(config.New(), logger)
	if err != nil {
		logger.Warn("journal unavailable, run will not be recorded", "error", err)
		return nil
	}
	return journal
}

func renderSummary(s *migrate.RunSummary) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.SetTitle("Migration Summary")
	t.AppendHeader(table.Row{"Subvolume", "Outcome", "Reason", "Sent", "Duration"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
	})

	for _, r := range s.Results {
		sent := ""
		if r.BytesSent > 0 {
			sent = humanize.IBytes(uint64(r.BytesSent))
		}
		dur := ""
		if r.Outcome != migrate.Skipped {
			dur = r.Duration.Round(time.Millisecond).String()
		}
		t.AppendRow(table.Row{r.Name, string(r.Outcome), r.Reason, sent, dur})
	}
	t.AppendSeparator()
	t.AppendRow(table.Row{
		fmt.Sprintf("%d total", s.Total()),
		fmt.Sprintf("%d migrated", s.Migrated()),
		fmt.Sprintf("%d failed, %d skipped", s.Failed(), s.Skipped()),
		humanize.IBytes(uint64(s.BytesSent())),
		s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond).String(),
	})
	t.Render()
}

// recordSummary writes the final run state and per-subvolume results to
// the journal. Failures here are warnings; the migration already happened.
func recordSummary(journal *db.DB, s *migrate.RunSummary, logger *slog.Logger) {
	status := "finished"
	if !s.Ok() {
		status = "failed"
	}

	run := &queries.MigrationRun{
		RunID:       s.RunID,
		Source:      s.Source,
		Destination: s.Destination,
		Status:      status,
		Total:       s.Total(),
		Migrated:    s.Migrated(),
		Failed:      s.Failed(),
		Skipped:     s.Skipped(),
		BytesSent:   s.BytesSent(),
		FinishedAt:  sql.NullTime{Time: s.FinishedAt, Valid: true},
	}
	if err := queries.UpdateRun(journal.Conn(), run); err != nil {
		logger.Warn("could not record run result", "error", err)
	}

	for i, r := range s.Results {
		res := &queries.SubvolumeResult{
			RunID:      s.RunID,
			Position:   i,
			Name:       r.Name,
			Outcome:    string(r.Outcome),
			BytesSent:  r.BytesSent,
			DurationMS: r.Duration.Milliseconds(),
		}
		if r.Reason != "" {
			res.Reason = sql.NullString{String: r.Reason, Valid: true}
		}
		if err := queries.InsertResult(journal.Conn(), res); err != nil {
			logger.Warn("could not record subvolume result", "subvolume", r.Name, "error", err)
		}
	}
}

func main() {
	cli := &CLI{}
	ctx := kong.Parse(cli,
		kong.Name("btmigrate"),
		kong.Description("BTRFS subvolume migration tool"),
		kong.UsageOnError(),
	)
	err := ctx.Run(cli)
	ctx.FatalIfErrorf(err)
}

func makeLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: lvl,
	}

	handler := slog.NewJSONHandler(os.Stdout, opts)
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
