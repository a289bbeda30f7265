// cmd/covidsync/main.go
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/health-gis/covid-sync/pkg/config"
	"github.com/health-gis/covid-sync/pkg/dates"
	"github.com/health-gis/covid-sync/pkg/feed"
	"github.com/health-gis/covid-sync/pkg/pipeline"
	"github.com/health-gis/covid-sync/pkg/record"
	"github.com/health-gis/covid-sync/pkg/stats"
	"github.com/health-gis/covid-sync/pkg/store"
	"github.com/health-gis/covid-sync/pkg/sync"
)

// casesKeySpec keys the daily cases table by date and region, date
// first. The key strings are persisted in the target's ID field and must
// stay stable across releases.
var casesKeySpec = record.KeySpec{
	Fields:     []string{"date", "region"},
	DateFields: []string{"date"},
	DateLayout: dates.DayLayout,
}

var casesColumns = []store.Column{
	{Name: "id", Type: record.FieldTypeString},
	{Name: "date", Type: record.FieldTypeDate},
	{Name: "region", Type: record.FieldTypeString},
	{Name: "cases", Type: record.FieldTypeInteger},
	{Name: "total_cases", Type: record.FieldTypeFloat},
	{Name: "cases_7_day_ave", Type: record.FieldTypeFloat},
	{Name: "Shape", Type: record.FieldTypeGeometry},
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "covidsync",
		Short:         "Synchronize COVID-19 case statistics into geospatial feature tables",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newSyncCmd())
	return root
}

func newSyncCmd() *cobra.Command {
	var (
		target          string
		table           string
		csvURL          string
		deleteUnmatched bool
		verify          bool
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Fetch the daily cases feed and reconcile the target table",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Missing .env is fine; the environment may be set directly.
			_ = godotenv.Load()

			cfg, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			logger, err := config.NewLogger(cfg)
			if err != nil {
				return err
			}
			defer logger.Sync()

			if csvURL == "" {
				csvURL = os.Getenv("CASES_CSV_URL")
			}
			if csvURL == "" {
				return fmt.Errorf("a cases CSV URL is required (--csv-url or CASES_CSV_URL)")
			}

			return runSync(cmd.Context(), cfg, logger, target, table, csvURL, deleteUnmatched, verify)
		},
	}

	cmd.Flags().StringVar(&target, "target", "feature", "sync target: feature or local")
	cmd.Flags().StringVar(&table, "table", "covid_daily_cases", "target table name")
	cmd.Flags().StringVar(&csvURL, "csv-url", "", "URL of the daily cases CSV extract")
	cmd.Flags().BoolVar(&deleteUnmatched, "delete-unmatched", false,
		"delete rows absent from the feed (only for complete authoritative extracts)")
	cmd.Flags().BoolVar(&verify, "verify", false,
		"re-read the table after syncing and check it against the computed truth")
	return cmd
}

func runSync(ctx context.Context, cfg *config.Config, logger *zap.Logger, target, table, csvURL string, deleteUnmatched, verify bool) error {
	factory := store.NewStoreFactory(cfg, logger)

	var st store.TabularStore
	var err error
	switch target {
	case "feature":
		st, err = factory.CreateFeatureLayerStore(ctx)
	case "local":
		st, err = factory.CreateLocalTable(ctx, table, casesColumns, casesKeySpec.Fields)
	default:
		return fmt.Errorf("unknown target %q (want feature or local)", target)
	}
	if err != nil {
		return err
	}
	defer st.Close()

	casesFeed := feed.NewCSVFeed(csvURL, []feed.Column{
		{Field: "date", Header: "Date", Type: record.FieldTypeDate, Layout: dates.DayLayout},
		{Field: "region", Header: "Region", Type: record.FieldTypeString},
		{Field: "cases", Header: "Cases", Type: record.FieldTypeInteger},
	}, cfg.RequestTimeout, logger)

	opts := sync.NewOptions([]string{"date", "region", "cases", "total_cases", "cases_7_day_ave"})
	opts.Rounding = cfg.Rounding
	opts.AddNew = true
	opts.DeleteUnmatched = deleteUnmatched
	opts.KeyField = "id"
	opts.GeometryField = "Shape"

	engine := sync.NewEngine(st, casesKeySpec, table, logger)

	// The fetched truth is kept so the optional verification pass checks
	// against exactly what was synced.
	var truth map[string]record.Record
	runner := pipeline.NewRunner(logger)
	runner.AddJob(pipeline.NewJob(table, engine, func(ctx context.Context) (map[string]record.Record, error) {
		var err error
		truth, err = buildCasesTruth(ctx, casesFeed)
		return truth, err
	}, opts))

	summary, err := runner.Run(ctx)
	if err != nil {
		return err
	}

	logger.Info("Sync run finished",
		zap.Int("adds", summary.TotalAdds),
		zap.Int("updates", summary.TotalUpdates),
		zap.Int("deletes", summary.TotalDeletes),
		zap.Int("dropped", summary.TotalDropped),
		zap.Duration("duration", summary.Duration))

	if verify {
		report, err := sync.NewVerifier(engine).Verify(ctx, truth, opts)
		if err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}
		// Unexpected rows are only a defect when this run claimed full
		// authority over the table.
		failed := len(report.MissingKeys) > 0 || len(report.FieldMismatches) > 0 ||
			(deleteUnmatched && len(report.UnexpectedKeys) > 0)
		if failed {
			return fmt.Errorf("verification found discrepancies in %s: %d missing, %d unexpected, %d mismatched",
				table, len(report.MissingKeys), len(report.UnexpectedKeys), len(report.FieldMismatches))
		}
	}
	return nil
}

// buildCasesTruth fetches the raw per-day facts and derives the
// cumulative and 7-day-average fields, recomputed in full every run.
func buildCasesTruth(ctx context.Context, casesFeed *feed.CSVFeed) (map[string]record.Record, error) {
	raw, err := casesFeed.Fetch(ctx)
	if err != nil {
		return nil, err
	}

	totals, err := stats.CumulativeTotalsByGroup(raw, "region", "cases", "date", stats.Options{})
	if err != nil {
		return nil, err
	}
	averages, err := stats.MovingDailyAverages(raw, "region", "cases", "date", 7, stats.Options{})
	if err != nil {
		return nil, err
	}

	newData := make(map[string]record.Record, len(raw))
	for _, r := range raw {
		key, err := casesKeySpec.KeyOf(r)
		if err != nil {
			return nil, err
		}
		rec := r.Clone()
		if v, ok := totals[key]; ok {
			rec["total_cases"] = v
		}
		if v, ok := averages[key]; ok {
			rec["cases_7_day_ave"] = v
		}
		// Last write wins when the feed repeats a date/region pair.
		newData[key] = rec
	}
	return newData, nil
}
