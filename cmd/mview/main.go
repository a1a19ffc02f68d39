// Package main provides the mview CLI entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/spatialomics/mview/pkg/config"
	"github.com/spatialomics/mview/pkg/pipeline"
	"github.com/spatialomics/mview/pkg/results"
	"github.com/spatialomics/mview/pkg/view"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mview",
		Short: "mview - Multi-View Explainable Modeling for Spatial Omics",
		Long: `mview models each marker of a spatial dataset from spatially-defined
views of its surroundings.

For every marker it trains one model per view (intrinsic, juxtaview,
paraview) with out-of-fold cross-validation, then combines the per-view
predictions through a ridge meta-model into a contribution and gain-R²
decomposition. Results land in an embedded store and export to three
long-form CSV tables.`,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mview v%s (%s)\n", version, commit)
		},
	})

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Model every marker and record the result tables",
		RunE:  runRun,
	}
	runCmd.Flags().String("config", "", "YAML configuration file")
	runCmd.Flags().String("expression", "", "Intrinsic marker CSV (unit,marker...)")
	runCmd.Flags().String("coords", "", "Coordinate CSV (unit,x,y[,z])")
	runCmd.Flags().String("out", "", "Result store directory (overrides config)")
	runCmd.Flags().Bool("force", false, "Delete an existing result store first")
	runCmd.Flags().String("family", "", "Model family: ensemble or linear")
	runCmd.Flags().Int("folds", 0, "Cross-validation folds")
	runCmd.Flags().Int64("seed", 0, "Random seed")
	runCmd.Flags().Float64("lambda", 0, "Ridge meta-model strength")
	runCmd.Flags().Bool("bypass-intra", false, "Exclude the intrinsic view from the meta-model")
	runCmd.Flags().Int("workers", 0, "Concurrent view trainings per marker")
	_ = runCmd.MarkFlagRequired("expression")
	_ = runCmd.MarkFlagRequired("coords")
	rootCmd.AddCommand(runCmd)

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export the result store to CSV tables",
		RunE:  runExport,
	}
	exportCmd.Flags().String("store", "./mview-results", "Result store directory")
	exportCmd.Flags().String("out", ".", "Directory for the CSV files")
	rootCmd.AddCommand(exportCmd)

	inspectCmd := &cobra.Command{
		Use:   "inspect [target]",
		Short: "Print improvement records, optionally for one marker",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runInspect,
	}
	inspectCmd.Flags().String("store", "./mview-results", "Result store directory")
	rootCmd.AddCommand(inspectCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	var cfg *config.Config
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.LoadFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
		cfg.ApplyEnv()
	}

	// Explicit flags win over file and environment.
	if cmd.Flags().Changed("family") {
		cfg.Model.Family, _ = cmd.Flags().GetString("family")
	}
	if cmd.Flags().Changed("folds") {
		cfg.Model.Folds, _ = cmd.Flags().GetInt("folds")
	}
	if cmd.Flags().Changed("seed") {
		cfg.Model.Seed, _ = cmd.Flags().GetInt64("seed")
	}
	if cmd.Flags().Changed("lambda") {
		cfg.Meta.Lambda, _ = cmd.Flags().GetFloat64("lambda")
	}
	if cmd.Flags().Changed("bypass-intra") {
		cfg.Meta.BypassIntra, _ = cmd.Flags().GetBool("bypass-intra")
	}
	if cmd.Flags().Changed("workers") {
		cfg.Run.Workers, _ = cmd.Flags().GetInt("workers")
	}
	if cmd.Flags().Changed("out") {
		cfg.Output.Dir, _ = cmd.Flags().GetString("out")
	}
	if cmd.Flags().Changed("force") {
		cfg.Output.Force, _ = cmd.Flags().GetBool("force")
	}
	return cfg, cfg.Validate()
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	exprPath, _ := cmd.Flags().GetString("expression")
	coordPath, _ := cmd.Flags().GetString("coords")

	fmt.Printf("🚀 mview v%s\n", version)
	fmt.Printf("   Expression:  %s\n", exprPath)
	fmt.Printf("   Coordinates: %s\n", coordPath)
	fmt.Printf("   Model:       %s (%d folds, seed %d)\n",
		cfg.Model.Family, cfg.Model.Folds, cfg.Model.Seed)
	fmt.Printf("   Results:     %s\n", cfg.Output.Dir)
	fmt.Println()

	table, err := loadExpression(exprPath)
	if err != nil {
		return fmt.Errorf("loading expression: %w", err)
	}
	units, coords, err := loadCoordinates(coordPath)
	if err != nil {
		return fmt.Errorf("loading coordinates: %w", err)
	}

	store, err := view.NewStore(table)
	if err != nil {
		return err
	}
	if err := store.SetCoordinates(units, coords); err != nil {
		return fmt.Errorf("aligning coordinates: %w", err)
	}

	fmt.Printf("📂 Loaded %d units, %d markers\n", table.NumUnits(), table.NumMarkers())

	if err := pipeline.BuildViews(store, cfg); err != nil {
		return err
	}
	fmt.Printf("🔭 Views: %v\n", store.Names())

	if cfg.Output.Force {
		if err := os.RemoveAll(cfg.Output.Dir); err != nil {
			return fmt.Errorf("clearing result store: %w", err)
		}
	}
	engine, err := results.OpenBadger(results.BadgerOptions{
		Dir:        cfg.Output.Dir,
		SyncWrites: cfg.Output.SyncWrites,
	})
	if err != nil {
		return fmt.Errorf("opening result store: %w", err)
	}
	defer engine.Close()

	agg := results.NewAggregator(engine)
	runner, err := pipeline.New(store, cfg, agg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	summary, err := runner.Run(ctx)
	if err != nil {
		if ctx.Err() != nil {
			fmt.Printf("\n🛑 Interrupted after %d markers; run again to resume\n", summary.Modeled)
			return nil
		}
		return err
	}

	hits, misses := store.KernelStats()
	fmt.Println()
	fmt.Printf("✅ Done in %v\n", summary.Elapsed.Round(time.Millisecond))
	fmt.Printf("   Modeled: %d  Skipped: %d  Failed: %d\n",
		summary.Modeled, summary.Skipped, len(summary.Failed))
	if len(summary.Failed) > 0 {
		fmt.Printf("   Failed markers: %v\n", summary.Failed)
	}
	fmt.Printf("   Kernel cache: %d hits, %d misses\n", hits, misses)
	fmt.Println()
	fmt.Printf("Next: mview export --store %s --out ./results\n", cfg.Output.Dir)
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	storeDir, _ := cmd.Flags().GetString("store")
	outDir, _ := cmd.Flags().GetString("out")

	engine, err := results.OpenBadger(results.BadgerOptions{Dir: storeDir})
	if err != nil {
		return fmt.Errorf("opening result store: %w", err)
	}
	defer engine.Close()

	if err := os.MkdirAll(outDir, 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	agg := results.NewAggregator(engine)
	if err := agg.ExportCSV(outDir); err != nil {
		return err
	}
	fmt.Printf("✅ Wrote improvements.csv, contributions.csv, importances.csv to %s\n", outDir)
	return nil
}

func runInspect(cmd *cobra.Command, args []string) error {
	storeDir, _ := cmd.Flags().GetString("store")
	var filter results.Filter
	if len(args) == 1 {
		filter.Target = args[0]
	}

	engine, err := results.OpenBadger(results.BadgerOptions{Dir: storeDir})
	if err != nil {
		return fmt.Errorf("opening result store: %w", err)
	}
	defer engine.Close()

	agg := results.NewAggregator(engine)
	recs, err := agg.Improvements(filter)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Println("No improvement records found")
		return nil
	}

	fmt.Printf("%-20s %10s %10s %10s  %s\n", "TARGET", "INTRA R²", "MULTI R²", "GAIN R²", "NOTES")
	for _, r := range recs {
		notes := ""
		switch {
		case r.Failed:
			notes = "failed"
		case r.Flagged:
			notes = "flagged"
		case r.BypassIntra:
			notes = "bypass"
		}
		intra := fmt.Sprintf("%10.4f", r.IntraR2)
		if r.BypassIntra {
			intra = fmt.Sprintf("%10s", "NA")
		}
		fmt.Printf("%-20s %s %10.4f %10.4f  %s\n", r.Target, intra, r.MultiR2, r.GainR2, notes)
	}
	return nil
}
