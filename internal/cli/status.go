package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pmclSF/monotize/internal/engine"
	"github.com/pmclSF/monotize/internal/hash"
	"github.com/pmclSF/monotize/internal/plan"
)

var (
	statusOut  string
	statusPlan string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show staging state for an output path",
	Long: `Display every staging directory for --out with the latest recorded outcome
of each step. Nothing is modified.

With --plan, the plan fingerprint is compared against each operation log to
show whether --resume would accept it.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine(cmd)
		if err != nil {
			return err
		}
		statuses, err := eng.Inspect(statusOut)
		if err != nil {
			return err
		}

		var loaded *plan.Loaded
		if statusPlan != "" {
			loaded, err = plan.Load(statusPlan)
			if err != nil {
				return err
			}
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			return outputJSON(out, statuses)
		}

		if _, err := os.Lstat(statusOut); err == nil {
			PrintLabelValue(out, "Output", statusOut+" (present)")
		} else {
			PrintLabelValue(out, "Output", statusOut+" (absent)")
		}
		if len(statuses) == 0 {
			PrintEmptyState(out, "No staging directories; nothing to resume.")
			return nil
		}
		if len(statuses) > 1 {
			PrintWarning(out, fmt.Sprintf("%s found; resume is refused until you run: monotize apply --out %s --cleanup",
				PrintCount(len(statuses), "staging directory", "staging directories"), statusOut))
		}
		for _, st := range statuses {
			printStagingStatus(out, st, loaded)
		}
		return nil
	},
}

func printStagingStatus(w io.Writer, st engine.StagingStatus, loaded *plan.Loaded) {
	PrintSection(w, st.StagingPath)
	PrintLabelValue(w, "Log", st.LogPath)
	if st.LogError != "" {
		PrintError(w, st.LogError)
		return
	}
	PrintLabelValue(w, "Plan", hash.Short(st.Fingerprint))
	PrintLabelValue(w, "Started", st.CreatedAt.Local().Format(time.DateTime))
	if loaded != nil {
		if loaded.Fingerprint == st.Fingerprint {
			PrintLabelValue(w, "Resumable", "yes, plan matches")
		} else {
			PrintLabelValue(w, "Resumable", fmt.Sprintf("no, plan is %s", hash.Short(loaded.Fingerprint)))
		}
	}
	fmt.Fprintln(w)

	rows := make([][]string, 0, len(st.Steps))
	for _, step := range st.Steps {
		row := []string{string(step.ID), string(step.State), "", "", ""}
		if step.Attempts > 0 {
			row[2] = fmt.Sprintf("%d", step.Attempts)
			row[3] = step.Duration.Round(time.Millisecond).String()
		}
		if step.State == engine.StepFailed {
			row[4] = step.Error
		} else if len(step.Outputs) > 0 {
			row[4] = PrintCount(len(step.Outputs), "output", "outputs")
		}
		rows = append(rows, row)
	}
	PrintTable(w, []string{"STEP", "STATE", "ATTEMPTS", "DURATION", "DETAIL"}, rows)
}

func init() {
	statusCmd.Flags().StringVarP(&statusOut, "out", "o", "", "Output directory to inspect")
	statusCmd.Flags().StringVarP(&statusPlan, "plan", "p", "", "Plan file to compare against the logs")
	_ = statusCmd.MarkFlagRequired("out")
}
