package cli

import (
	"runtime"

	"github.com/spf13/cobra"
)

func newVersionCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the CLI version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			app.printf("agent %s (%s, %s/%s)\n", app.Version, app.Commit, runtime.GOOS, runtime.GOARCH)
		},
	}
}
