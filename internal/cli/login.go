package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/splax/agent/internal/deviceflow"
	"github.com/splax/agent/internal/session"
	"github.com/splax/agent/pkg/api/client"
)

const userFetchTimeout = 10 * time.Second

type loginFlags struct {
	serverURL string
	clientID  string
	scope     string
	noBrowser bool
}

func newLoginCommand(app *App) *cobra.Command {
	var flags loginFlags
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with a browser using the device authorization flow",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.runLogin(cmd.Context(), flags)
		},
	}
	cmd.Flags().StringVar(&flags.serverURL, "server-url", "", "authorization server URL")
	cmd.Flags().StringVar(&flags.clientID, "client-id", "", "OAuth client id")
	cmd.Flags().StringVar(&flags.scope, "scope", "", "requested scope")
	cmd.Flags().BoolVar(&flags.noBrowser, "no-browser", false, "do not open the verification page")
	return cmd
}

func (a *App) newAPIClient(serverURL string) (*client.Client, error) {
	return client.New(serverURL,
		client.WithLogger(a.logger()),
		client.WithRateLimit(rate.Every(time.Second), 2),
	)
}

func (a *App) runLogin(ctx context.Context, flags loginFlags) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	cfg = cfg.WithOverrides(flags.serverURL, flags.clientID, flags.scope)
	if err := cfg.Validate(); err != nil {
		return err
	}
	store, err := a.credentials()
	if err != nil {
		return err
	}

	consumer := session.NewConsumer(store, a.consumerOptions()...)
	if _, err := consumer.Require(); err == nil {
		again, err := a.Confirm("You are already logged in. Log in again?", false)
		if err != nil {
			return err
		}
		if !again {
			a.printf("%s\n", color.GreenString("Keeping the existing session."))
			return nil
		}
	}

	api, err := a.newAPIClient(cfg.ServerURL)
	if err != nil {
		return err
	}
	openBrowser := cfg.ShouldOpenBrowser() && !flags.noBrowser
	poller, err := deviceflow.New(api, deviceflow.Options{
		ClientID: cfg.ClientID,
		Scope:    cfg.Scope,
		Clock:    a.Clock,
		Logger:   a.logger(),
		OnPrompt: func(p deviceflow.Prompt) { a.showPrompt(p, openBrowser) },
	})
	if err != nil {
		return err
	}

	res, err := poller.Login(ctx)
	switch {
	case errors.Is(err, context.Canceled):
		a.printf("\n%s\n", color.YellowString("Login cancelled."))
		return err
	case errors.Is(err, deviceflow.ErrAccessDenied):
		return errors.New("authorization was denied in the browser")
	case errors.Is(err, deviceflow.ErrExpired):
		return errors.New("the code expired before it was approved; run `agent login` again")
	case err != nil:
		return fmt.Errorf("login failed: %w", err)
	}

	if err := store.Save(res.Credential); err != nil {
		a.logger().Warn("could not save credentials", "path", store.Path(), "error", err)
		fmt.Fprintf(a.Err, "%s %v\n", color.YellowString("warning:"), err)
	}

	a.printf("\n%s\n", color.GreenString("Login successful."))
	fetchCtx, cancel := context.WithTimeout(ctx, userFetchTimeout)
	defer cancel()
	user, err := api.FetchUser(fetchCtx, res.Credential.AccessToken)
	if err != nil {
		a.logger().Debug("fetch user after login failed", "error", err)
		return nil
	}
	if user != nil {
		name := user.Name
		if name == "" {
			name = user.Email
		}
		a.printf("Welcome, %s!\n", color.New(color.Bold).Sprint(name))
	}
	return nil
}

func (a *App) showPrompt(p deviceflow.Prompt, openBrowser bool) {
	a.printf("\nTo sign in, visit %s\n", color.CyanString(p.VerificationURI))
	a.printf("and enter the code: %s\n", color.New(color.FgHiWhite, color.Bold).Sprint(p.UserCode))
	a.printf("The code expires at %s.\n\n", p.ExpiresAt.Local().Format(time.Kitchen))

	target := p.VerificationURIComplete
	if target == "" {
		target = p.VerificationURI
	}
	if openBrowser && target != "" {
		ok, err := a.Confirm("Open the verification page in your browser?", true)
		if err == nil && ok {
			if err := a.OpenURL(target); err != nil {
				a.logger().Warn("could not open browser", "error", err)
			}
		}
	}
	a.printf("%s\n", color.HiBlackString("Waiting for approval... (Ctrl+C to cancel)"))
}

func (a *App) consumerOptions() []session.Option {
	if a.Clock == nil {
		return nil
	}
	return []session.Option{session.WithClock(a.Clock.Now)}
}
