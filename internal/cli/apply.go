package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/pmclSF/monotize/internal/engine"
	"github.com/pmclSF/monotize/internal/hash"
	"github.com/pmclSF/monotize/internal/plan"
)

var (
	applyPlan    string
	applyOut     string
	applyResume  bool
	applyCleanup bool
	applyDryRun  bool
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Build the workspace described by a plan",
	Long: `Execute a migration plan into --out.

Every step runs inside <out>.staging-<id> and is recorded in the operation log
<out>.staging-<id>.ops.jsonl. Only when all steps succeed is the staging
directory renamed onto --out (replacing anything already there).

  --resume    continue the single existing staging directory for --out
  --cleanup   delete all staging directories and logs for --out
  --dry-run   show what would happen without touching the filesystem`,
	Example: `  monotize apply --plan plan.json --out ./mono
  monotize apply --plan plan.json --out ./mono --resume
  monotize apply --out ./mono --cleanup`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine(cmd)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		if applyCleanup {
			return runCleanup(cmd, eng)
		}
		if applyPlan == "" {
			return fmt.Errorf("--plan is required unless --cleanup is set")
		}

		loaded, err := plan.Load(applyPlan)
		if err != nil {
			return handleApplyError(cmd.ErrOrStderr(), nil, err, applyPlan, applyOut)
		}

		if applyDryRun {
			result, err := eng.DryRun(loaded, applyOut)
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(out, result)
			}
			printDryRun(out, result)
			return nil
		}

		result, err := eng.Apply(ctx, &engine.ApplyRequest{
			Plan:       loaded,
			OutputPath: applyOut,
			Resume:     applyResume,
		})
		if err != nil {
			return handleApplyError(cmd.ErrOrStderr(), result, err, applyPlan, applyOut)
		}

		if jsonOutput {
			return outputJSON(out, result)
		}
		summary := fmt.Sprintf("Ran %s in %s", PrintCount(len(result.Executed), "step", "steps"), result.Duration.Round(time.Millisecond))
		if n := len(result.Skipped); n > 0 {
			summary += fmt.Sprintf(", %s already completed", PrintCount(n, "step was", "steps were"))
		}
		PrintInfo(out, summary)
		return nil
	},
}

func runCleanup(cmd *cobra.Command, eng *engine.Engine) error {
	result, err := eng.Cleanup(cmd.Context(), applyOut)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		return outputJSON(out, result)
	}
	if result.Count() == 0 && len(result.RemovedLogs) == 0 {
		PrintInfo(out, fmt.Sprintf("Nothing to clean up for %s", result.OutputPath))
		return nil
	}
	PrintSuccess(out, fmt.Sprintf("Removed %s", PrintCount(result.Count(), "staging directory", "staging directories")))
	if len(result.Removed) > 0 {
		PrintList(out, result.Removed, 1)
	}
	if n := len(result.RemovedLogs); n > 0 {
		PrintSuccess(out, fmt.Sprintf("Removed %s", PrintCount(n, "operation log", "operation logs")))
	}
	return nil
}

func printDryRun(w io.Writer, r *engine.DryRunResult) {
	PrintSection(w, "Dry Run")
	PrintLabelValue(w, "Output", r.OutputPath)
	PrintLabelValue(w, "Plan", hash.Short(r.Fingerprint))
	if r.OutputExists {
		PrintWarning(w, fmt.Sprintf("%s exists and would be replaced", r.OutputPath))
	}
	if len(r.ExistingStaging) > 0 {
		PrintWarning(w, fmt.Sprintf("Found %s; use --resume or --cleanup",
			PrintCount(len(r.ExistingStaging), "existing staging directory", "existing staging directories")))
	}

	PrintSubsection(w, "Steps:")
	steps := make([]string, 0, len(r.Steps))
	for _, id := range r.Steps {
		steps = append(steps, string(id))
	}
	PrintNumberedList(w, steps, 2)

	PrintSubsection(w, "Packages:")
	rows := make([][]string, 0, len(r.Sources))
	for _, s := range r.Sources {
		state := "ok"
		if !s.Exists {
			state = "missing"
		}
		rows = append(rows, []string{s.Name, s.Path, s.Destination, state})
	}
	PrintTable(w, []string{"NAME", "SOURCE", "DESTINATION", "STATE"}, rows)

	files := append([]string{r.RootManifest}, r.Files...)
	PrintSubsection(w, "Files:")
	PrintList(w, files, 2)

	if r.InstallCommand != "" {
		PrintLabelValue(w, "Install", r.InstallCommand)
	}
	if missing := r.MissingSources(); len(missing) > 0 {
		PrintError(w, fmt.Sprintf("Missing %s: apply would fail", PrintCount(len(missing), "source", "sources")))
	}
}

func init() {
	applyCmd.Flags().StringVarP(&applyPlan, "plan", "p", "", "Plan file to execute")
	applyCmd.Flags().StringVarP(&applyOut, "out", "o", "", "Output directory for the workspace")
	applyCmd.Flags().BoolVar(&applyResume, "resume", false, "Resume the existing staging directory")
	applyCmd.Flags().BoolVar(&applyCleanup, "cleanup", false, "Remove staging directories and logs for --out")
	applyCmd.Flags().BoolVar(&applyDryRun, "dry-run", false, "Show what would be done without doing it")
	_ = applyCmd.MarkFlagRequired("out")
	applyCmd.MarkFlagsMutuallyExclusive("resume", "cleanup", "dry-run")
}
