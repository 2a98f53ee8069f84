// Command settlectl is the operator CLI for the settlement service.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func newApp() *cli.App {
	return &cli.App{
		Name:  "settlectl",
		Usage: "Settlement service operator CLI",
		Description: `Inspect escrows and disputes, run migrations, issue operator tokens and
tail the settlement event stream.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Commands: []*cli.Command{
			migrateCommand(),
			{
				Name:  "escrow",
				Usage: "Escrow inspection commands",
				Subcommands: []*cli.Command{
					showEscrowCommand(),
				},
			},
			{
				Name:  "dispute",
				Usage: "Dispute inspection commands",
				Subcommands: []*cli.Command{
					showDisputeCommand(),
					timelineCommand(),
					listDisputesCommand(),
				},
			},
			{
				Name:  "token",
				Usage: "API token commands",
				Subcommands: []*cli.Command{
					issueTokenCommand(),
				},
			},
			{
				Name:  "events",
				Usage: "Settlement event stream commands",
				Subcommands: []*cli.Command{
					tailEventsCommand(),
				},
			},
		},
		// Global flags available to all commands
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Database connection URL",
				EnvVars: []string{"DATABASE_URL"},
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output in JSON format",
			},
		},
	}
}

func main() {
	_ = godotenv.Load()
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
