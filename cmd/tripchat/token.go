package main

import (
	"fmt"
	"time"

	"github.com/putto11262002/tripchat/pkg/chat"
	"github.com/putto11262002/tripchat/pkg/session"
	"github.com/spf13/cobra"
)

func tokenCmd() *cobra.Command {
	var (
		id   session.Identity
		role string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a session token signed with devserver.secret",
		Long: "Mint a session token signed with devserver.secret. The secret must be " +
			"set explicitly (TRIPCHAT_DEVSERVER_SECRET) for the development server to accept it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := load()
			if err != nil {
				return err
			}
			id.Role = chat.Role(role)
			if ttl <= 0 {
				ttl = cfg.DevServer.TokenTTL
			}
			tok, exp, err := session.Issue(id, ttl, cfg.DevServer.Secret)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", exp.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&id.UserID, "user", "", "user id")
	cmd.Flags().StringVar(&role, "role", string(chat.Client), "client, guide or vendor")
	cmd.Flags().StringVar(&id.Name, "name", "", "display name")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default: devserver.token_ttl)")
	cmd.MarkFlagRequired("user")
	return cmd
}
