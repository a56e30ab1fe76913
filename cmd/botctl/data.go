package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"botguard/internal/session"
	"botguard/internal/training"
)

func newLabelCmd(a *app) *cobra.Command {
	var as, id string

	cmd := &cobra.Command{
		Use:   "label",
		Short: "Label stored sessions",
		Long: `Stamp a label on stored sessions.

Without --id every unlabelled session receives the label; sessions that
already carry one are left alone. Bot generator runs are collected
unlabelled and stamped as bots this way.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			label, err := session.LabelFromString(as)
			if err != nil {
				return err
			}

			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if id != "" {
				if err := store.SetLabel(id, label); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Labelled session %s as %s\n", id, label)
				return nil
			}

			n, err := store.LabelUnlabeled(label)
			if err != nil {
				return err
			}
			if n == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No unlabelled sessions found.")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Labelled %d sessions as %s\n", n, label)
			return nil
		},
	}

	cmd.Flags().StringVar(&as, "as", "bot", "Label to apply: bot, human, 1 or 0")
	cmd.Flags().StringVar(&id, "id", "", "Label a single session instead of every unlabelled one")
	return cmd
}

func newStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show stored session counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			counts, err := store.Counts()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "LABEL\tSESSIONS")
			fmt.Fprintf(w, "human\t%d\n", counts.Human)
			fmt.Fprintf(w, "bot\t%d\n", counts.Bot)
			fmt.Fprintf(w, "unlabelled\t%d\n", counts.Unlabeled)
			fmt.Fprintf(w, "total\t%d\n", counts.Total)
			return w.Flush()
		},
	}
}

func newExportCmd(a *app) *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the labelled training matrix",
		Long: `Extract features from every labelled session and write
training_data.csv, training_data.json and model_metadata.json for the
external trainer.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ds, err := a.assemble()
			if err != nil {
				return err
			}
			if ds.Len() == 0 {
				return fmt.Errorf("no labelled sessions to export")
			}
			if out == "" {
				out = a.settings.DataPath
			}
			if err := training.ExportDir(out, ds); err != nil {
				return err
			}

			human, bot := ds.ClassCounts()
			fmt.Fprintf(cmd.OutOrStdout(), "Exported %d rows (%d human, %d bot) to %s\n", ds.Len(), human, bot, out)
			if len(ds.Skipped) > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "Skipped %d malformed sessions\n", len(ds.Skipped))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "Output directory (default: the data directory)")
	return cmd
}

// assemble reads every stored session into a training dataset.
func (a *app) assemble() (training.Dataset, error) {
	store, err := a.openStore()
	if err != nil {
		return training.Dataset{}, err
	}
	defer store.Close()

	var scanErr error
	ds := training.Assemble(training.StoreRecords(store, &scanErr))
	if scanErr != nil {
		return training.Dataset{}, fmt.Errorf("scan sessions: %w", scanErr)
	}
	return ds, nil
}
