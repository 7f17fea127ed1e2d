package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/putto11262002/tripchat/internal/devserver"
	"github.com/spf13/cobra"
)

func devserverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devserver",
		Short: "Run the in-memory development server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv := devserver.New(devserver.Config{
				Addr:           cfg.DevServer.Addr,
				Secret:         cfg.DevServer.Secret,
				AllowedOrigins: cfg.DevServer.AllowedOrigins,
			}, devserver.WithLogger(log))
			return srv.ListenAndServe(ctx)
		},
	}
}
