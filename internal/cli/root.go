package cli

import (
	"github.com/spf13/cobra"
)

// NewRootCommand builds the agent command tree.
func NewRootCommand(app *App) *cobra.Command {
	root := &cobra.Command{
		Use:           "agent",
		Short:         "AI agent command line",
		Long:          "agent signs in with the device authorization flow and talks to the agent API.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(app.Out)
	root.SetErr(app.Err)
	root.PersistentFlags().StringVar(&app.configPath, "config", "", "path to config.yaml (default: user config dir)")
	root.PersistentFlags().BoolVarP(&app.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newLoginCommand(app),
		newLogoutCommand(app),
		newWhoamiCommand(app),
		newVersionCommand(app),
	)
	return root
}
