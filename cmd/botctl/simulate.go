package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"botguard/internal/common"
	"botguard/internal/simulate"
)

func newSimulateCmd(a *app) *cobra.Command {
	var (
		kind    string
		count   int
		mode    string
		label   bool
		url     string
		seed    uint64
		timeout time.Duration
		dryRun  bool
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Send synthetic sessions to a running server",
		Long: `Generate human-like or bot-like login sessions and post them to a
botguard server.

  simple        types with no delay and never moves the mouse
  intermediate  types at a fixed 50ms and moves in straight jittered lines
  human         jittered typing with hesitations and curved mouse paths

In collect mode sessions are stored for training; add --label to stamp
them with the label of their kind, or label them later with
"botctl label". In predict mode the server's decisions are tallied.
With --dry-run the sessions are printed as JSON lines instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			k, err := simulate.ParseKind(kind)
			if err != nil {
				return err
			}
			if count <= 0 {
				return fmt.Errorf("--count must be positive")
			}
			gen := simulate.NewGenerator(seed)

			if dryRun {
				enc := json.NewEncoder(cmd.OutOrStdout())
				for i := 0; i < count; i++ {
					doc, err := gen.Generate(k)
					if err != nil {
						return err
					}
					if label {
						doc = doc.Labelled(k)
					}
					if err := enc.Encode(doc); err != nil {
						return err
					}
				}
				return nil
			}

			if url == "" {
				url = os.Getenv(common.EnvServerURL)
			}
			if url == "" {
				url = common.DefaultServerURL
			}

			client := simulate.NewClient(url, timeout)
			sum, err := simulate.Run(cmd.Context(), client, gen, k, count, simulate.Mode(mode), label)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch simulate.Mode(mode) {
			case simulate.ModeCollect:
				fmt.Fprintf(out, "Stored %d/%d %s sessions", sum.Stored, sum.Sent, k)
			default:
				fmt.Fprintf(out, "Scored %d %s sessions: %d allowed, %d blocked", sum.Sent-sum.Failed, k, sum.Allowed, sum.Blocked)
			}
			if sum.Failed > 0 {
				fmt.Fprintf(out, " (%d failed)", sum.Failed)
			}
			fmt.Fprintln(out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&kind, "kind", "k", string(simulate.Human), "Session kind: human, simple or intermediate")
	cmd.Flags().IntVarP(&count, "count", "n", 10, "Number of sessions")
	cmd.Flags().StringVar(&mode, "mode", string(simulate.ModeCollect), "collect or predict")
	cmd.Flags().BoolVar(&label, "label", false, "Attach the label of the session kind")
	cmd.Flags().StringVar(&url, "url", "", "Server URL (default from BOTGUARD_URL)")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "Generator seed (0 = random)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Request timeout")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print sessions instead of sending them")
	return cmd
}
