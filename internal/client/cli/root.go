package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/dmitrijs2005/petsync/internal/client/app"
	"github.com/dmitrijs2005/petsync/internal/client/config"
	"github.com/dmitrijs2005/petsync/internal/client/engine"
	"github.com/spf13/cobra"
)

// Session is an opened client process: an engine plus whatever it runs on.
type Session interface {
	Engine() Engine
	Start(ctx context.Context) error
	Close() error
}

// Opener builds a Session from the resolved configuration.
type Opener func(ctx context.Context, cfg *config.Config, logOut io.Writer) (Session, error)

type appSession struct{ *app.App }

func (s appSession) Engine() Engine { return s.App.Engine() }

var _ Engine = (*engine.Engine)(nil)

// OpenApp is the production Opener.
func OpenApp(ctx context.Context, cfg *config.Config, logOut io.Writer) (Session, error) {
	a, err := app.New(ctx, cfg, logOut)
	if err != nil {
		return nil, err
	}
	return appSession{a}, nil
}

// RootOptions holds state shared by all commands.
type RootOptions struct {
	Config *config.Config
	Output string
	Open   Opener
}

// NewRootCommand creates the petsync command tree.
func NewRootCommand(open Opener) *cobra.Command {
	opts := &RootOptions{Config: &config.Config{}, Open: open}
	opts.Config.LoadDefaults()

	cmd := &cobra.Command{
		Use:   "petsync",
		Short: "Offline-first sync client for per-user app state",
		Long: `petsync keeps per-user application state in a local database, applies
edits immediately and synchronizes them with the server in the background.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidOutput(opts.Output) {
				return fmt.Errorf("invalid output %q: must be one of %v", opts.Output, validOutputs)
			}
			if err := opts.Config.Load(cmd.Flags()); err != nil {
				return err
			}
			if opts.Config.AccessToken == "-" {
				token, err := readToken(cmd.ErrOrStderr())
				if err != nil {
					return err
				}
				opts.Config.AccessToken = token
			}
			return nil
		},
	}

	opts.Config.BindFlags(cmd.PersistentFlags())
	cmd.PersistentFlags().StringVarP(&opts.Output, "output", "o", "auto", "output format (auto|text|json)")

	cmd.AddCommand(
		newSetCommand(opts),
		newGetCommand(opts),
		newSyncCommand(opts),
		newWatchCommand(opts),
		newPendingCommand(opts),
		newRetryCommand(opts),
		newDeviceCommand(opts),
	)
	return cmd
}

// Execute runs the command tree against the process arguments and returns
// the exit code.
func Execute(ctx context.Context) int {
	cmd := NewRootCommand(OpenApp)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}

// withSession opens a session, runs fn and closes the session.
func withSession(cmd *cobra.Command, opts *RootOptions, start bool, fn func(ctx context.Context, s Session) error) (err error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	s, err := opts.Open(ctx, opts.Config, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if start {
		if err := s.Start(ctx); err != nil {
			return err
		}
	}
	return fn(ctx, s)
}
