package cli

import (
	"github.com/spf13/cobra"

	"github.com/pmclSF/monotize/internal/clock"
	"github.com/pmclSF/monotize/internal/engine"
	"github.com/pmclSF/monotize/internal/fsops"
	"github.com/pmclSF/monotize/internal/logging"
	"github.com/pmclSF/monotize/internal/procexec"
	"github.com/pmclSF/monotize/internal/runstore"
	"github.com/pmclSF/monotize/internal/serve"
	"github.com/pmclSF/monotize/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the apply service over stdin/stdout",
	Long: `Serve apply requests as newline-delimited JSON-RPC 2.0 messages on stdin and
stdout. Structured logs go to stderr.

Methods: apply/start, apply/cancel, apply/status, apply/wait, apply/list,
cleanup, shutdown. Each background run ends with an apply/finished
notification. Runs are recorded in the run registry (--runs-db).`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := currentSettings()
		if err != nil {
			return err
		}
		log, err := logging.NewWithWriter(settings.LogLevel, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		installCmd, err := settings.DefaultInstallCommand()
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

		eng := engine.New(
			fsops.NewRealFS(),
			&clock.RealClock{},
			procexec.NewExecRunner(),
			nil,
			engine.Options{DefaultInstallCommand: installCmd},
		)
		svc, err := service.New(service.Config{
			Engine: eng,
			Store:  store,
			Log:    log.WithName("service"),
		})
		if err != nil {
			return err
		}

		log.Info("serving on stdio", "runsDB", store.Path(), "installCommand", installCmd)
		return serve.New(svc, cmd.InOrStdin(), cmd.OutOrStdout(), log.WithName("serve")).Run(cmd.Context())
	},
}
