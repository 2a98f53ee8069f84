package main

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/mbd888/settlement/internal/auth"
)

func issueTokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "issue",
		Usage: "Issue a signed API token",
		Description: `Issue an HS256 bearer token for the settlement API.

Example:
  settlectl token issue --user ops-1 --role admin --ttl 1h`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "user",
				Aliases:  []string{"u"},
				Usage:    "Subject user id",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "role",
				Aliases: []string{"r"},
				Usage:   "Role (user, mediator, admin, system)",
				Value:   string(auth.RoleUser),
			},
			&cli.DurationFlag{
				Name:  "ttl",
				Usage: "Token lifetime",
				Value: time.Hour,
			},
			&cli.StringFlag{
				Name:    "secret",
				Usage:   "Signing secret",
				EnvVars: []string{"JWT_SECRET"},
			},
		},
		Action: func(c *cli.Context) error {
			secret := c.String("secret")
			if secret == "" {
				return fmt.Errorf("secret is required (set JWT_SECRET env var or use --secret)")
			}
			role := auth.Role(c.String("role"))
			if !role.Valid() {
				return fmt.Errorf("unknown role %q", role)
			}
			token, err := auth.NewAuthenticator(secret).Issue(c.String("user"), role, c.Duration("ttl"))
			if err != nil {
				return fmt.Errorf("failed to issue token: %w", err)
			}
			fmt.Fprintln(c.App.Writer, token)
			return nil
		},
	}
}
