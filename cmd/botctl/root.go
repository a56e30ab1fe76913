package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"botguard/internal/cfg"
	"botguard/internal/common"
	"botguard/internal/storage"
)

var (
	version = "dev"
	commit  = "unknown"
)

// app carries the settings shared by every subcommand. Flags set on the
// command line override the loaded configuration.
type app struct {
	settings  cfg.Settings
	verbose   bool
	dataPath  string
	modelsDir string
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "botctl",
		Short: "Manage botguard training data, models and synthetic traffic",
		Long: `botctl works on the data a botguard server collects.

It labels and exports stored sessions, evaluates a model on a held-out
split, builds the drift baseline, manages model versions and generates
synthetic human and bot sessions.

The session database is locked while the server runs; stop the server or
point --data at a copy before using the data commands.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}

	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&a.dataPath, "data", "", "Session database directory (default from DATA_PATH)")
	root.PersistentFlags().StringVar(&a.modelsDir, "models-dir", "", "Model registry directory (default from MODELS_DIR)")
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	root.AddCommand(
		newLabelCmd(a),
		newStatsCmd(a),
		newExportCmd(a),
		newEvaluateCmd(a),
		newBaselineCmd(a),
		newSimulateCmd(a),
		newModelCmd(a),
	)
	return root
}

func (a *app) load(cmd *cobra.Command) error {
	level := common.DefaultLogLevel
	settings, err := cfg.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a.settings = settings
	if settings.LogLevel != "" {
		level = settings.LogLevel
	}
	if a.verbose {
		level = "debug"
	}
	common.SetupLoggingTo(cmd.ErrOrStderr(), level, true)

	if a.dataPath != "" {
		a.settings.DataPath = a.dataPath
	}
	if a.modelsDir != "" {
		a.settings.ModelsDir = a.modelsDir
	}
	return nil
}

func (a *app) openStore() (*storage.Store, error) {
	if err := os.MkdirAll(a.settings.DataPath, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	store, err := storage.New(a.settings.DataPath)
	if err != nil {
		return nil, fmt.Errorf("open session store in %s: %w", a.settings.DataPath, err)
	}
	return store, nil
}

func (a *app) baselinePath() string {
	if a.settings.DriftBaselinePath != "" {
		return a.settings.DriftBaselinePath
	}
	return filepath.Join(a.settings.ModelsDir, common.DriftBaselineFile)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
