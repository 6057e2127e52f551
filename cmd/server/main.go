package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/dmitrijs2005/petsync/internal/server"
	"github.com/dmitrijs2005/petsync/internal/server/auth"
	"github.com/dmitrijs2005/petsync/internal/server/config"
	"github.com/spf13/cobra"
)

func newRootCommand(out io.Writer) *cobra.Command {
	cfg := &config.Config{}
	cfg.LoadDefaults()

	root := &cobra.Command{
		Use:           "petsync-server",
		Short:         "Authoritative sync backend for petsync clients",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return cfg.Load(cmd.Flags())
		},
	}
	root.SetOut(out)
	cfg.BindFlags(root.PersistentFlags())

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the gRPC and health endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := server.NewApp(cmd.Context(), cfg, os.Stderr)
			if err != nil {
				return err
			}
			return app.Run(cmd.Context())
		},
	}

	var user string
	token := &cobra.Command{
		Use:   "token",
		Short: "Mint an access token for a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := auth.GenerateToken(user, []byte(cfg.SecretKey), cfg.TokenTTL)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	token.Flags().StringVarP(&user, "user", "u", "", "user id the token is issued to")
	_ = token.MarkFlagRequired("user")

	root.AddCommand(serve, token)
	return root
}

func main() {
	if err := newRootCommand(os.Stdout).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
