package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/pmclSF/monotize/internal/config"
)

var (
	// Global flags
	jsonOutput     bool
	verbose        bool
	configPath     string
	logLevel       string
	packageManager string
	installCommand string
	runsDBPath     string

	// Colors for help output sections
	groupTitleColor   = color.New(color.FgCyan, color.Bold)
	sectionTitleColor = color.New(color.FgBlue, color.Bold)
)

// rootCmd is the root command for monotize.
var rootCmd = &cobra.Command{
	Use:     "monotize",
	Version: "dev",
	Short:   "Transactional monorepo apply engine",
	Long: `monotize turns several repositories into one workspace by executing a resolved
migration plan.

The workspace is assembled in a staging directory next to the output path and
only renamed into place once every step has succeeded. An interrupted or failed
run can be resumed from its operation log, or cleaned up.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
}

// SetVersion sets the version printed by --version and the version command.
func SetVersion(v string) {
	if v == "" {
		return
	}
	rootCmd.Version = v
	rootCmd.SetVersionTemplate("{{.Version}}\n")
}

// loadConfig fills every flag the user did not set from MONOTIZE_*
// variables and the config file.
func loadConfig(cmd *cobra.Command, args []string) error {
	v := config.NewViper()
	strict := os.Getenv(config.ConfigEnv) != ""
	if configPath != "" {
		config.ConfigureConfigFile(v, configPath)
		strict = true
	}
	if err := config.ReadConfigFile(v, strict); err != nil {
		return err
	}
	return config.BindFlags(v, cmd.Flags())
}

// customHelpFunc returns a custom help function that colors group titles
func customHelpFunc(cmd *cobra.Command, args []string) {
	var help strings.Builder

	if cmd.Long != "" {
		help.WriteString(cmd.Long)
		help.WriteString("\n\n")
	}

	help.WriteString(sectionTitleColor.Sprint("Usage:"))
	help.WriteString("\n")
	fmt.Fprintf(&help, "  %s\n\n", cmd.UseLine())

	for _, group := range cmd.Groups() {
		help.WriteString(groupTitleColor.Sprint(group.Title))
		help.WriteString("\n")

		for _, c := range cmd.Commands() {
			if c.GroupID == group.ID && !c.Hidden {
				fmt.Fprintf(&help, "  %-11s %s\n", c.Name(), c.Short)
			}
		}
		help.WriteString("\n")
	}

	hasUngrouped := false
	for _, c := range cmd.Commands() {
		if c.GroupID == "" && !c.Hidden {
			if !hasUngrouped {
				help.WriteString(sectionTitleColor.Sprint("Additional Commands:"))
				help.WriteString("\n")
				hasUngrouped = true
			}
			fmt.Fprintf(&help, "  %-11s %s\n", c.Name(), c.Short)
		}
	}
	if hasUngrouped {
		help.WriteString("\n")
	}

	if cmd.HasAvailableLocalFlags() || cmd.HasAvailablePersistentFlags() {
		help.WriteString(sectionTitleColor.Sprint("Flags:"))
		help.WriteString("\n")
		help.WriteString(cmd.LocalFlags().FlagUsages())
		help.WriteString(cmd.InheritedFlags().FlagUsages())
		help.WriteString("\n")
	}

	if cmd.HasAvailableSubCommands() {
		fmt.Fprintf(&help, "Use \"%s [command] --help\" for more information about a command.\n", cmd.CommandPath())
	}

	fmt.Fprint(cmd.OutOrStdout(), help.String())
}

func init() {
	rootCmd.SetHelpFunc(customHelpFunc)

	// Global flags
	pf := rootCmd.PersistentFlags()
	pf.BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Show debug output")
	pf.StringVar(&configPath, "config", "", "Config file (default: config.yaml in $XDG_CONFIG_HOME/monotize or ~/.monotize)")
	pf.StringVar(&logLevel, "log-level", "info", "Service log level (debug, info, warn, error)")
	pf.StringVar(&packageManager, "package-manager", config.DefaultPackageManager,
		fmt.Sprintf("Package manager for the default install command (%s)", strings.Join(config.PackageManagers(), ", ")))
	pf.StringVar(&installCommand, "install-command", "", "Install command for plans that do not set one")
	pf.StringVar(&runsDBPath, "runs-db", "", "Run registry database (default: ~/.monotize/runs.db)")

	rootCmd.AddGroup(&cobra.Group{
		ID:    "workspace-build",
		Title: "Workspace Build:",
	})
	rootCmd.AddGroup(&cobra.Group{
		ID:    "service",
		Title: "Service:",
	})
	rootCmd.AddGroup(&cobra.Group{
		ID:    "cli-tooling",
		Title: "CLI & Tooling:",
	})

	versionCmd := &cobra.Command{
		Use:     "version",
		Short:   "Print the monotize CLI version",
		Args:    cobra.NoArgs,
		GroupID: "cli-tooling",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), rootCmd.Version)
		},
	}
	rootCmd.AddCommand(versionCmd)

	helpCmd := &cobra.Command{
		Use:     "help [command]",
		Short:   "Help about any command",
		GroupID: "cli-tooling",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, _, err := cmd.Root().Find(args)
			if err != nil || target == nil {
				target = cmd.Root()
			}
			return target.Help()
		},
	}
	rootCmd.SetHelpCommand(helpCmd)

	completionCmd := &cobra.Command{
		Use:     "completion",
		Short:   "Generate the autocompletion script for the specified shell",
		GroupID: "cli-tooling",
		Long: `Generate the autocompletion script for monotize for the specified shell.
See each sub-command's help for details on how to use the generated script.`,
	}
	completionCmd.AddCommand(&cobra.Command{
		Use:                   "bash",
		Short:                 "Generate the autocompletion script for bash",
		DisableFlagsInUseLine: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootCmd.GenBashCompletion(cmd.OutOrStdout())
		},
	})
	completionCmd.AddCommand(&cobra.Command{
		Use:                   "zsh",
		Short:                 "Generate the autocompletion script for zsh",
		DisableFlagsInUseLine: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootCmd.GenZshCompletion(cmd.OutOrStdout())
		},
	})
	completionCmd.AddCommand(&cobra.Command{
		Use:                   "fish",
		Short:                 "Generate the autocompletion script for fish",
		DisableFlagsInUseLine: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootCmd.GenFishCompletion(cmd.OutOrStdout(), true)
		},
	})
	completionCmd.AddCommand(&cobra.Command{
		Use:                   "powershell",
		Short:                 "Generate the autocompletion script for powershell",
		DisableFlagsInUseLine: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootCmd.GenPowerShellCompletionWithDesc(cmd.OutOrStdout())
		},
	})
	rootCmd.AddCommand(completionCmd)

	// Workspace Build commands
	applyCmd.GroupID = "workspace-build"
	statusCmd.GroupID = "workspace-build"
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(statusCmd)

	// Service commands
	serveCmd.GroupID = "service"
	runsCmd.GroupID = "service"
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runsCmd)
}

// Execute executes the root command and prints any error it returns.
// Cancelling ctx interrupts the running command; an interrupted apply leaves
// resumable staging state.
func Execute(ctx context.Context) error {
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(rootCmd.ErrOrStderr(), formatError(err))
	}
	return err
}
