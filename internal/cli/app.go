package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/AlecAivazis/survey/v2"
	"github.com/fatih/color"
	"github.com/pkg/browser"
	"golang.org/x/term"

	"github.com/splax/agent/internal/credential"
	"github.com/splax/agent/internal/deviceflow"
	"github.com/splax/agent/pkg/config"
	"github.com/splax/agent/pkg/logger"
)

// App carries the process-wide collaborators of one CLI invocation.
type App struct {
	Version string
	Commit  string

	Out io.Writer
	Err io.Writer

	// Confirm asks a yes/no question. It returns def when no terminal is attached.
	Confirm func(message string, def bool) (bool, error)
	// OpenURL opens a URL in the user's browser.
	OpenURL func(url string) error
	// Clock drives the poll loop; nil means the wall clock.
	Clock deviceflow.Clock
	// CredentialPath overrides credential.DefaultPath.
	CredentialPath string

	configPath string
	verbose    bool
	log        *slog.Logger
}

// NewApp wires the interactive defaults.
func NewApp(version, commit string) *App {
	return &App{
		Version: version,
		Commit:  commit,
		Out:     os.Stdout,
		Err:     os.Stderr,
		Confirm: surveyConfirm,
		OpenURL: browser.OpenURL,
	}
}

func surveyConfirm(message string, def bool) (bool, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return def, nil
	}
	answer := def
	if err := survey.AskOne(&survey.Confirm{Message: message, Default: def}, &answer); err != nil {
		return false, err
	}
	return answer, nil
}

func (a *App) logger() *slog.Logger {
	if a.log == nil {
		a.log = logger.NewText(a.Err, a.verbose)
	}
	return a.log
}

func (a *App) loadConfig() (config.CLIConfig, error) {
	path := a.configPath
	if path == "" {
		var err error
		path, err = config.DefaultCLIConfigPath()
		if err != nil {
			return config.CLIConfig{}, fmt.Errorf("%w: locate config dir: %v", config.ErrConfiguration, err)
		}
	}
	return config.LoadCLIConfig(path)
}

func (a *App) credentials() (*credential.Store, error) {
	path := a.CredentialPath
	if path == "" {
		var err error
		path, err = credential.DefaultPath()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", credential.ErrStorage, err)
		}
	}
	return credential.NewStore(path), nil
}

func (a *App) printf(format string, args ...any) {
	fmt.Fprintf(a.Out, format, args...)
}

// PrintError renders err for the terminal.
func PrintError(w io.Writer, err error) {
	if err == nil {
		return
	}
	prefix := color.New(color.FgRed, color.Bold).Sprint("error:")
	fmt.Fprintf(w, "%s %v\n", prefix, err)
	if errors.Is(err, config.ErrConfiguration) {
		fmt.Fprintf(w, "%s\n", color.YellowString("Set values with flags, AGENT_* environment variables or the config file."))
	}
}
