package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/kamilpajak/veritas/internal/config"
	"github.com/kamilpajak/veritas/internal/database"
	"github.com/kamilpajak/veritas/internal/embed"
	"github.com/kamilpajak/veritas/internal/engine"
	"github.com/kamilpajak/veritas/internal/learn"
	"github.com/kamilpajak/veritas/internal/report"
	"github.com/kamilpajak/veritas/internal/runner"
	"github.com/kamilpajak/veritas/internal/suite"
	"github.com/kamilpajak/veritas/pkg/models"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	configPath  string
	jsonOutput  bool
	suitePath   string
	tagFilter   string
	runIDFlag   string
	corrections string
	dryRun      bool
	cycleMode   bool
	trendRuns   int
)

var rootCmd = &cobra.Command{
	Use:   "veritas",
	Short: "Accuracy testing and self-learning for data agents",
	Long:  `Evaluates a natural-language data agent against ground-truth queries and feeds discovered mismatches back as validated examples and instructions.`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run an accuracy suite against the agent",
	RunE:  runSuite,
}

var learnCmd = &cobra.Command{
	Use:   "learn",
	Short: "Turn the latest run's failures into knowledge updates",
	RunE:  runLearn,
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Show a run report or the accuracy trend",
	RunE:  runReport,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("veritas %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	runCmd.Flags().StringVarP(&suitePath, "suite", "s", "", "Path to suite YAML (required)")
	runCmd.Flags().StringVarP(&tagFilter, "tag", "t", "", "Only run cases carrying this tag")
	_ = runCmd.MarkFlagRequired("suite")

	learnCmd.Flags().StringVarP(&suitePath, "suite", "s", "", "Path to suite YAML (required)")
	learnCmd.Flags().StringVar(&runIDFlag, "run", "", "Run ID to learn from (default: latest)")
	learnCmd.Flags().StringVar(&corrections, "corrections", "", "Path to corrections YAML")
	learnCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Propose without committing")
	learnCmd.Flags().BoolVar(&cycleMode, "cycle", false, "Run the full test-learn-retest loop")
	_ = learnCmd.MarkFlagRequired("suite")

	reportCmd.Flags().StringVar(&runIDFlag, "run", "", "Run ID to report on (default: latest)")
	reportCmd.Flags().IntVar(&trendRuns, "trend", 0, "Show the accuracy trend over the last N runs")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(learnCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if rootCmd.Execute() != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	return config.Default(), nil
}

func openDatabase(ctx context.Context, cfg *config.Config) (*database.DB, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("database URL required (set DATABASE_URL or database_url in config)")
	}
	if err := database.Migrate(cfg.DatabaseURL); err != nil {
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return database.New(ctx, cfg.DatabaseURL)
}

func buildEngines(cfg *config.Config) (engine.Agent, engine.Analytical, error) {
	agent, err := engine.NewFabricAgent(engine.FabricConfig{
		WorkspaceID:       cfg.Agent.WorkspaceID,
		AgentID:           cfg.Agent.AgentID,
		BaseURL:           cfg.Agent.BaseURL,
		RequestsPerSecond: cfg.Agent.RequestsPerSecond,
	})
	if err != nil {
		return nil, nil, err
	}
	truth, err := engine.NewPowerBIEngine(engine.PowerBIConfig{
		DatasetID:         cfg.GroundTruth.DatasetID,
		BaseURL:           cfg.GroundTruth.BaseURL,
		RequestsPerSecond: cfg.GroundTruth.RequestsPerSecond,
	})
	if err != nil {
		return nil, nil, err
	}
	return agent, truth, nil
}

func buildEmbedder(cfg *config.Config) (embed.Embedder, error) {
	if cfg.Embeddings.Model == "" {
		return nil, nil
	}
	return embed.NewGeminiEmbedder(cfg.Embeddings.Model)
}

func runSuite(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := suite.Load(suitePath)
	if err != nil {
		return err
	}
	cases := s.Cases
	if tagFilter != "" {
		cases = s.Filter(tagFilter)
	}
	if len(cases) == 0 {
		return fmt.Errorf("no cases to run")
	}

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	agent, truth, err := buildEngines(cfg)
	if err != nil {
		return err
	}

	knowledge, err := loadKnowledge(ctx, db)
	if err != nil {
		return err
	}

	var progress runner.ProgressEmitter = &runner.TextEmitter{W: os.Stderr}
	if jsonOutput {
		progress = runner.NopEmitter{}
		if stop := startSpinner(fmt.Sprintf(" evaluating %d cases...", len(cases))); stop != nil {
			defer stop()
		}
	}

	r := runner.New(agent, truth, db, runner.Config{
		Workers:     cfg.Runner.Workers,
		CallTimeout: cfg.CallTimeout(),
		Progress:    progress,
	})

	summary, outcomes, err := r.Run(ctx, uuid.New(), cases, knowledge)
	if err != nil {
		return err
	}
	if err := db.CreateRun(ctx, summary); err != nil {
		return err
	}

	rep := report.Build(*summary, outcomes)
	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(rep)
	}
	fmt.Fprintln(os.Stdout)
	rep.Write(os.Stdout)
	return nil
}

func runLearn(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := suite.Load(suitePath)
	if err != nil {
		return err
	}

	var corr learn.Corrections
	if corrections != "" {
		corr, err = learn.LoadCorrections(corrections)
		if err != nil {
			return err
		}
	}

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	agent, truth, err := buildEngines(cfg)
	if err != nil {
		return err
	}
	embedder, err := buildEmbedder(cfg)
	if err != nil {
		return err
	}

	// Candidate corrected queries are re-validated through the ground-truth
	// engine; it is the only trusted executor we have.
	controller := learn.New(db, truth, truth, embedder, learn.Config{
		EscalateAfter:   cfg.Learning.EscalateAfter,
		QuarantineAfter: cfg.Learning.QuarantineAfter,
		DedupSimilarity: cfg.Learning.DedupSimilarity,
	})

	if cycleMode {
		return runCycle(ctx, cfg, s, corr, db, agent, truth, controller)
	}

	failures, err := loadFailures(ctx, db)
	if err != nil {
		return err
	}
	if len(failures) == 0 {
		fmt.Fprintln(os.Stderr, "No failures to learn from.")
		return nil
	}

	stopSpinner := startSpinner(" validating proposals...")
	update, alerts, err := controller.Propose(ctx, s, failures, corr)
	if stopSpinner != nil {
		stopSpinner()
	}
	if err != nil {
		return err
	}

	if !dryRun {
		if err := controller.Apply(ctx, update); err != nil {
			return err
		}
	}

	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(struct {
			Update  any           `json:"update"`
			Alerts  []learn.Alert `json:"alerts,omitempty"`
			Applied bool          `json:"applied"`
		}{update, alerts, !dryRun})
	}

	printUpdate(os.Stdout, update.Examples, update.Instruction != nil, update.Quarantined, dryRun)
	printAlerts(os.Stderr, alerts)
	return nil
}

func runCycle(ctx context.Context, cfg *config.Config, s *suite.Suite, corr learn.Corrections, db *database.DB, agent engine.Agent, truth engine.Analytical, controller *learn.Controller) error {
	var progress runner.ProgressEmitter = &runner.TextEmitter{W: os.Stderr}
	if jsonOutput {
		progress = runner.NopEmitter{}
	}

	cycle := &learn.Cycle{
		Runner: runner.New(agent, truth, db, runner.Config{
			Workers:     cfg.Runner.Workers,
			CallTimeout: cfg.CallTimeout(),
			Progress:    progress,
		}),
		Controller:     controller,
		Knowledge:      db,
		Runs:           db,
		TargetAccuracy: cfg.Learning.TargetAccuracy,
		MaxIterations:  cfg.Learning.MaxIterations,
	}

	result, err := cycle.Run(ctx, s, corr)
	if err != nil {
		return err
	}

	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(result)
	}

	bold := color.New(color.Bold)
	fmt.Fprintln(os.Stdout)
	_, _ = bold.Fprintf(os.Stdout, "Improvement cycle: %d iteration(s)\n", result.Iterations)
	fmt.Fprintf(os.Stdout, "  accuracy %.1f%% -> %.1f%%\n", result.InitialAccuracy*100, result.FinalAccuracy*100)
	if result.TargetReached {
		_, _ = color.New(color.FgGreen).Fprintf(os.Stdout, "  target %.1f%% reached\n", cfg.Learning.TargetAccuracy*100)
	} else {
		_, _ = color.New(color.FgYellow).Fprintf(os.Stdout, "  target %.1f%% not reached\n", cfg.Learning.TargetAccuracy*100)
	}
	printAlerts(os.Stderr, result.Alerts)
	return nil
}

func runReport(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if trendRuns > 0 {
		runs, err := db.ListRuns(ctx, trendRuns)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			return fmt.Errorf("no runs recorded")
		}
		trend := report.BuildTrend(runs)
		if jsonOutput {
			return json.NewEncoder(os.Stdout).Encode(trend)
		}
		trend.Write(os.Stdout)
		return nil
	}

	summary, err := resolveRun(ctx, db)
	if err != nil {
		return err
	}
	outcomes, err := db.ListOutcomes(ctx, database.ListOutcomesParams{RunID: summary.RunID})
	if err != nil {
		return err
	}

	rep := report.Build(*summary, outcomes)
	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(rep)
	}
	rep.Write(os.Stdout)
	return nil
}

func resolveRun(ctx context.Context, db *database.DB) (*models.RunSummary, error) {
	if runIDFlag == "" {
		summary, err := db.LatestRun(ctx)
		if err != nil {
			return nil, err
		}
		if summary == nil {
			return nil, fmt.Errorf("no runs recorded")
		}
		return summary, nil
	}

	id, err := uuid.Parse(runIDFlag)
	if err != nil {
		return nil, fmt.Errorf("invalid run id %q: %w", runIDFlag, err)
	}
	runs, err := db.ListRuns(ctx, 0)
	if err != nil {
		return nil, err
	}
	for i := range runs {
		if runs[i].RunID == id {
			return &runs[i], nil
		}
	}
	return nil, fmt.Errorf("run %s not found", id)
}

func loadKnowledge(ctx context.Context, db *database.DB) (engine.Knowledge, error) {
	examples, err := db.ListExamples(ctx)
	if err != nil {
		return engine.Knowledge{}, err
	}
	instruction, err := db.LatestInstruction(ctx)
	if err != nil {
		return engine.Knowledge{}, err
	}
	return engine.Knowledge{Examples: examples, Instruction: instruction}, nil
}

func loadFailures(ctx context.Context, db *database.DB) ([]models.RunOutcome, error) {
	summary, err := resolveRun(ctx, db)
	if err != nil {
		return nil, err
	}
	return db.ListRunFailures(ctx, summary.RunID)
}

// startSpinner shows a spinner on interactive terminals. Returns nil when
// stderr is not a TTY.
func startSpinner(suffix string) func() {
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		return nil
	}
	sp := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	sp.Suffix = suffix
	sp.Start()
	return sp.Stop
}

func printUpdate(w io.Writer, examples []models.FewShotExample, hasInstruction bool, quarantined []string, proposed bool) {
	bold := color.New(color.Bold)
	verb := "Committed"
	if proposed {
		verb = "Proposed"
	}

	if len(examples) == 0 && !hasInstruction && len(quarantined) == 0 {
		fmt.Fprintln(w, "No knowledge updates.")
		return
	}

	_, _ = bold.Fprintf(w, "%s knowledge update:\n", verb)
	for _, ex := range examples {
		fmt.Fprintf(w, "  example (%s): %s\n", ex.Status, ex.Question)
	}
	if hasInstruction {
		fmt.Fprintln(w, "  instruction revision")
	}
	for _, id := range quarantined {
		_, _ = color.New(color.FgYellow).Fprintf(w, "  quarantined: %s\n", id)
	}
}

func printAlerts(w io.Writer, alerts []learn.Alert) {
	if len(alerts) == 0 {
		return
	}
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)
	fmt.Fprintln(w)
	for _, a := range alerts {
		switch a.Kind {
		case "engine-error":
			_, _ = red.Fprintf(w, "  [engine] %s: %s\n", a.CaseID, a.Message)
		default:
			_, _ = yellow.Fprintf(w, "  [%s] %s: %s\n", a.Kind, a.CaseID, a.Message)
		}
	}
}
