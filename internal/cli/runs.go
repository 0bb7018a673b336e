package cli

import (
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/pmclSF/monotize/internal/hash"
	"github.com/pmclSF/monotize/internal/runstore"
)

var (
	runsState string
	runsOut   string
	runsLimit int
)

var runsCmd = &cobra.Command{
	Use:   "runs [run-id]",
	Short: "List runs recorded by the service",
	Long: `List the apply runs recorded in the run registry, newest first, or show one
run in detail.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := currentSettings()
		if err != nil {
			return err
		}
		store, err := runstore.Open(settings.RunsDB)
		if err != nil {
			return err
		}
		defer func() {
			_ = store.Close()
		}()

		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		if len(args) == 1 {
			run, err := store.Get(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(out, run)
			}
			printRun(out, run)
			return nil
		}

		outFilter := runsOut
		if outFilter != "" {
			if outFilter, err = filepath.Abs(outFilter); err != nil {
				return fmt.Errorf("failed to resolve output path: %w", err)
			}
		}
		runs, err := store.List(ctx, runstore.ListOptions{
			State:      runstore.State(runsState),
			OutputPath: outFilter,
			Limit:      runsLimit,
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			if runs == nil {
				runs = []*runstore.Run{}
			}
			return outputJSON(out, runs)
		}
		if len(runs) == 0 {
			PrintEmptyState(out, "No runs recorded.")
			return nil
		}
		rows := make([][]string, 0, len(runs))
		for _, r := range runs {
			rows = append(rows, []string{
				r.ID,
				string(r.State),
				r.CreatedAt.Local().Format(time.DateTime),
				r.OutputPath,
			})
		}
		PrintTable(out, []string{"RUN", "STATE", "CREATED", "OUTPUT"}, rows)
		return nil
	},
}

func printRun(w io.Writer, r *runstore.Run) {
	PrintSection(w, "Run "+r.ID)
	PrintLabelValue(w, "State", string(r.State))
	PrintLabelValue(w, "Plan", fmt.Sprintf("%s (%s)", r.PlanPath, hash.Short(r.Fingerprint)))
	PrintLabelValue(w, "Output", r.OutputPath)
	PrintLabelValue(w, "Resume", fmt.Sprintf("%t", r.Resume))
	PrintLabelValue(w, "Created", r.CreatedAt.Local().Format(time.DateTime))
	if !r.FinishedAt.IsZero() {
		PrintLabelValue(w, "Finished", r.FinishedAt.Local().Format(time.DateTime))
	}
	if r.StagingPath != "" {
		PrintLabelValue(w, "Staging directory", r.StagingPath)
		PrintLabelValue(w, "Operation log", r.LogPath)
	}
	if len(r.Executed) > 0 {
		PrintSubsection(w, "Executed:")
		PrintList(w, r.Executed, 2)
	}
	if len(r.Skipped) > 0 {
		PrintSubsection(w, "Skipped:")
		PrintList(w, r.Skipped, 2)
	}
	if r.Error != "" {
		if r.FailedStep != "" {
			PrintError(w, fmt.Sprintf("%s: %s", r.FailedStep, r.Error))
		} else {
			PrintError(w, r.Error)
		}
	}
}

func init() {
	runsCmd.Flags().StringVar(&runsState, "state", "", "Only runs in this state (queued, running, succeeded, failed, cancelled)")
	runsCmd.Flags().StringVarP(&runsOut, "out", "o", "", "Only runs for this output path")
	runsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "Maximum number of runs to show (0 for all)")
}
