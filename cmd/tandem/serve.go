package main

import (
	"context"
	"net"
	"strconv"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/tandem"
	"github.com/outofforest/tandem/config"
	"github.com/outofforest/tandem/transport"
)

type serveOptions struct {
	Listen       string
	AccountsPath string
	MaxFrameSize uint32
}

func newServeCommand() *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", net.JoinHostPort("", strconv.Itoa(config.DefaultPort)), "address to listen on")
	cmd.Flags().StringVar(&opts.AccountsPath, "users", "users.toml", "path to TOML file with users and options")
	cmd.Flags().Uint32Var(&opts.MaxFrameSize, "max-frame-size", transport.DefaultMaxFrameSize,
		"maximum size of the accepted frame")

	return cmd
}

func runServe(ctx context.Context, opts *serveOptions) error {
	accounts, err := config.LoadAccounts(opts.AccountsPath)
	if err != nil {
		return err
	}

	ls, err := net.Listen("tcp", opts.Listen)
	if err != nil {
		return errors.WithStack(err)
	}

	logger.Get(ctx).Info("Server started", zap.Stringer("address", ls.Addr()),
		zap.Int("users", len(accounts.Users)), zap.Strings("options", accounts.Options))

	err = tandem.RunServer(ctx, ls, tandem.ServerConfig{
		Users:        accounts.Users,
		Options:      accounts.Options,
		MaxFrameSize: opts.MaxFrameSize,
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
