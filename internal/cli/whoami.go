package cli

import (
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/splax/agent/internal/session"
)

func newWhoamiCommand(app *App) *cobra.Command {
	var serverURL string
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed in user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.loadConfig()
			if err != nil {
				return err
			}
			cfg = cfg.WithOverrides(serverURL, "", "")
			if err := cfg.ValidateServer(); err != nil {
				return err
			}
			store, err := app.credentials()
			if err != nil {
				return err
			}
			api, err := app.newAPIClient(cfg.ServerURL)
			if err != nil {
				return err
			}
			consumer := session.NewConsumer(store, app.consumerOptions()...)
			user, err := consumer.Whoami(cmd.Context(), api)
			if err != nil {
				return err
			}
			cred, err := consumer.Require()
			if err != nil {
				return err
			}

			table := tablewriter.NewTable(app.Out)
			table.Header([]string{"Field", "Value"})
			table.Append([]string{"ID", user.ID})
			table.Append([]string{"Email", user.Email})
			table.Append([]string{"Name", user.Name})
			table.Append([]string{"Session expires", cred.ExpiresAt.Local().Format("2006-01-02 15:04 MST")})
			return table.Render()
		},
	}
	cmd.Flags().StringVar(&serverURL, "server-url", "", "authorization server URL")
	return cmd
}
