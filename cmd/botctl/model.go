package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"botguard/internal/ml"
	"botguard/internal/training"
)

func newEvaluateCmd(a *app) *cobra.Command {
	var (
		modelPath    string
		testFraction float64
		seed         uint64
		threshold    float64
		fallback     bool
		register     bool
		activate     bool
		importance   bool
	)

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate a model on a held-out split of the stored sessions",
		Long: `Assemble the labelled sessions, split them into stratified train and
test sets and score the test set through the same decision rule the server
applies. With --register the model is added to the version registry with
the measured metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if register && fallback {
				return errors.New("--register needs a model artifact, not the fallback heuristic")
			}
			ds, err := a.assemble()
			if err != nil {
				return err
			}
			train, test, err := training.Split(ds, testFraction, seed)
			if err != nil {
				return err
			}

			if modelPath == "" {
				modelPath = a.settings.ModelPath
			}
			scorer, closeScorer, err := a.scorer(modelPath, fallback)
			if err != nil {
				return err
			}
			defer closeScorer()

			if threshold == 0 {
				threshold = a.settings.Threshold
			}
			report, err := training.Evaluate(cmd.Context(), scorer, test, threshold)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), report.String())

			if importance {
				imp, err := training.PermutationImportance(cmd.Context(), scorer, test, threshold, seed)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "\n%s", imp)
			}

			if !register {
				return nil
			}
			mm, err := ml.NewModelManager(a.settings.ModelsDir)
			if err != nil {
				return err
			}
			version, err := mm.AddVersion(modelPath, report.ModelMetrics(train.Len()))
			if err != nil {
				return err
			}
			if activate {
				if err := mm.ActivateVersion(version); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\nRegistered model version %s\n", version)
			return nil
		},
	}

	cmd.Flags().StringVar(&modelPath, "model", "", "Model artifact to evaluate (default from MODEL_PATH)")
	cmd.Flags().Float64Var(&testFraction, "test-fraction", training.DefaultTestFraction, "Share of each class held out for testing")
	cmd.Flags().Uint64Var(&seed, "seed", training.DefaultSeed, "Split seed")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "Decision threshold (default from DECISION_THRESHOLD)")
	cmd.Flags().BoolVar(&fallback, "fallback", false, "Evaluate the built-in heuristic instead of a model")
	cmd.Flags().BoolVar(&register, "register", false, "Add the model to the version registry")
	cmd.Flags().BoolVar(&activate, "activate", false, "Activate the registered version")
	cmd.Flags().BoolVar(&importance, "importance", false, "Also report permutation feature importance")
	return cmd
}

// scorer returns the heuristic or a loaded production predictor. A model
// that cannot score is an error here: an evaluation without scores means
// nothing.
func (a *app) scorer(modelPath string, fallback bool) (ml.Scorer, func(), error) {
	if fallback {
		return ml.NewFallbackPredictor(nil), func() {}, nil
	}
	pp, err := ml.NewProductionPredictor(ml.PredictorConfig{
		ModelPath:  modelPath,
		PythonPath: a.settings.PythonPath,
		Timeout:    a.settings.PredictTimeout,
		CacheSize:  a.settings.CacheSize,
		CacheTTL:   a.settings.CacheTTL,
	}, nil)
	if err != nil {
		return nil, nil, err
	}
	if !pp.Available() {
		pp.Close()
		return nil, nil, fmt.Errorf("%w: %s", ml.ErrModelUnavailable, modelPath)
	}
	return pp, pp.Close, nil
}

func newBaselineCmd(a *app) *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "baseline",
		Short: "Build the drift baseline from the labelled sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ds, err := a.assemble()
			if err != nil {
				return err
			}
			if out == "" {
				out = a.baselinePath()
			}

			dd := ml.NewDriftDetector(ml.DriftDetectionConfig{Enabled: true, SavePath: out})
			if err := dd.UpdateBaseline(ds.X); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote drift baseline from %d rows to %s\n", ds.Len(), out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "Baseline file (default from DRIFT_BASELINE_PATH)")
	return cmd
}

func newModelCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "model",
		Short: "Manage registered model versions",
	}

	registry := func() (*ml.ModelManager, error) {
		return ml.NewModelManager(a.settings.ModelsDir)
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List model versions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mm, err := registry()
			if err != nil {
				return err
			}
			versions := mm.ListVersions()
			if len(versions) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No model versions registered.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "VERSION\tACTIVE\tCREATED\tACCURACY\tF1\tPATH")
			for _, v := range versions {
				active := ""
				if v.IsActive {
					active = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%.4f\t%.4f\t%s\n",
					v.Version, active, v.CreatedAt.Format(time.DateTime), v.Metrics.Accuracy, v.Metrics.F1Score, v.Path)
			}
			return w.Flush()
		},
	}

	var activateNew bool
	add := &cobra.Command{
		Use:   "add <model.onnx>",
		Short: "Register a model artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("model artifact: %w", err)
			}
			mm, err := registry()
			if err != nil {
				return err
			}
			version, err := mm.AddVersion(path, ml.ModelMetrics{})
			if err != nil {
				return err
			}
			if activateNew {
				if err := mm.ActivateVersion(version); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered model version %s\n", version)
			return nil
		},
	}
	add.Flags().BoolVar(&activateNew, "activate", false, "Activate the new version")

	activate := &cobra.Command{
		Use:   "activate <version>",
		Short: "Activate a model version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mm, err := registry()
			if err != nil {
				return err
			}
			if err := mm.ActivateVersion(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Activated model version %s; restart the server to load it\n", args[0])
			return nil
		},
	}

	rollback := &cobra.Command{
		Use:   "rollback",
		Short: "Activate the version registered before the active one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mm, err := registry()
			if err != nil {
				return err
			}
			version, err := mm.Rollback()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rolled back to model version %s\n", version)
			return nil
		},
	}

	cmd.AddCommand(list, add, activate, rollback)
	return cmd
}
