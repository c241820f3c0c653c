package cli

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newLogoutCommand(app *App) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.runLogout(yes)
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

func (a *App) runLogout(yes bool) error {
	store, err := a.credentials()
	if err != nil {
		return err
	}
	cred, err := store.Load()
	if err != nil {
		a.logger().Warn("stored credentials unreadable, removing", "error", err)
	}
	if cred == nil && err == nil {
		a.printf("Not logged in.\n")
		return nil
	}
	if !yes {
		ok, err := a.Confirm("Log out and remove stored credentials?", true)
		if err != nil {
			return err
		}
		if !ok {
			a.printf("Logout cancelled.\n")
			return nil
		}
	}
	if err := store.Clear(); err != nil {
		return err
	}
	a.printf("%s\n", color.GreenString("Logged out."))
	return nil
}
