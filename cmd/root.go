package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/changegate/changegate/internal/approval"
	"github.com/changegate/changegate/internal/checks"
	"github.com/changegate/changegate/internal/output"
	"github.com/changegate/changegate/internal/project"
	"github.com/changegate/changegate/internal/review"
	"github.com/changegate/changegate/internal/store"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui        *output.UI
	dataStore store.Store

	// One registry per process: it is the authority on which changes
	// have a check run in flight.
	checkRegistry = checks.NewRegistry()

	verbose bool
	dryRun  bool

	buildVersion = "dev"
	buildCommit  = "none"
	buildDate    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "changegate",
	Short: "Change lifecycle and quality-gate orchestrator",
	Long: `changegate tracks changes through a human-gated lifecycle:
drafting, approval request, multi-reviewer sign-off, implementation,
and completion - combined with re-runnable, cancellable quality checks
and an auditable check-run history.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/changegate/config.yaml)")

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("changegate %s (commit %s, built %s)\n", buildVersion, buildCommit, buildDate)
	},
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}

		configDir := filepath.Join(home, ".config", "changegate")
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("CHANGEGATE")
	viper.AutomaticEnv()

	home, _ := os.UserHomeDir()
	defaultConfigDir := filepath.Join(home, ".config", "changegate")

	viper.SetDefault("state_dir", defaultConfigDir)
	viper.SetDefault("db_path", filepath.Join(defaultConfigDir, "changegate.db"))
	viper.SetDefault("project.root", "")
	viper.SetDefault("port", 8080)
	viper.SetDefault("checks.order", []string{"syntax", "typecheck", "lint", "test", "build"})
	viper.SetDefault("checks.timeout", "2m")
	viper.SetDefault("checks.output_limit", 8192)
	viper.SetDefault("checks.exit_code_only", false)

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun

	// The store is initialized lazily so config/version commands run
	// without a database.
}

// getStore returns the shared store, initializing it on first call.
func getStore() (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}

	dbPath := viper.GetString("db_path")
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := s.Migrate(rootCmd.Context()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	dataStore = s
	return dataStore, nil
}

// getEngine builds the approval engine over the shared store.
func getEngine() (*approval.Engine, error) {
	s, err := getStore()
	if err != nil {
		return nil, err
	}
	return approval.NewEngine(s), nil
}

// getGate builds the review gate over the shared store.
func getGate() (*review.Gate, error) {
	s, err := getStore()
	if err != nil {
		return nil, err
	}
	return review.NewGate(s), nil
}

// getRunner builds the check runner over the shared store and registry.
func getRunner() (*checks.Runner, error) {
	s, err := getStore()
	if err != nil {
		return nil, err
	}
	layout, err := project.NewLayout(viper.GetString("project.root"))
	if err != nil {
		return nil, err
	}
	return checks.NewRunner(s, checkRegistry, layout, checks.Options{
		DefaultTimeout: viper.GetDuration("checks.timeout"),
		OutputLimit:    viper.GetInt("checks.output_limit"),
		ExitCodeOnly:   viper.GetBool("checks.exit_code_only"),
	}), nil
}

// checkSpecs resolves check names to configured commands. An
// unconfigured name yields a spec with no command, which the runner
// records as skipped.
func checkSpecs(names []string) []checks.Spec {
	timeout := viper.GetDuration("checks.timeout")
	specs := make([]checks.Spec, 0, len(names))
	for _, name := range names {
		var argv []string
		if cmdStr := viper.GetString("checks.commands." + name); cmdStr != "" {
			argv = strings.Fields(cmdStr)
		}
		specs = append(specs, checks.Spec{Name: name, Command: argv, Timeout: timeout})
	}
	return specs
}

// defaultChecks is the configured check order.
func defaultChecks() []string {
	return viper.GetStringSlice("checks.order")
}

// formatTime renders a timestamp for tables, blank when unset.
func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.Format("2006-01-02 15:04:05")
}
