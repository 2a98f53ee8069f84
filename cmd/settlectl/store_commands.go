package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	_ "github.com/lib/pq"
	"github.com/urfave/cli/v2"

	"github.com/mbd888/settlement/internal/dispute"
	"github.com/mbd888/settlement/internal/escrow"
	"github.com/mbd888/settlement/migrations"
)

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:      "migrate",
		Usage:     "Run database migrations",
		ArgsUsage: "<up|down|status|version|redo|up-to|down-to> [version]",
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("requires a migration command")
			}
			db, err := openDB(c)
			if err != nil {
				return err
			}
			defer db.Close()
			return migrations.Run(c.Context, db, c.Args().First(), c.Args().Tail()...)
		},
	}
}

func showEscrowCommand() *cli.Command {
	return &cli.Command{
		Name:      "show",
		Usage:     "Show an escrow by id, or the latest escrow of a transaction",
		ArgsUsage: "<escrow_id>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "tx",
				Aliases: []string{"t"},
				Usage:   "Look up by transaction id instead",
			},
		},
		Action: func(c *cli.Context) error {
			db, err := openDB(c)
			if err != nil {
				return err
			}
			defer db.Close()
			store := escrow.NewPostgresStore(db)

			var acct *escrow.Account
			switch {
			case c.String("tx") != "":
				accts, err := store.ListByTransaction(c.Context, c.String("tx"))
				if err != nil {
					return fmt.Errorf("failed to list escrows: %w", err)
				}
				if len(accts) == 0 {
					return fmt.Errorf("transaction %s has no escrow", c.String("tx"))
				}
				acct = accts[0]
			case c.NArg() == 1:
				acct, err = store.Get(c.Context, c.Args().First())
				if err != nil {
					return fmt.Errorf("failed to get escrow: %w", err)
				}
			default:
				return fmt.Errorf("requires an escrow id or --tx")
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, acct)
			}
			writeEscrow(c.App.Writer, acct)
			return nil
		},
	}
}

func showDisputeCommand() *cli.Command {
	return &cli.Command{
		Name:      "show",
		Usage:     "Show dispute details",
		ArgsUsage: "<dispute_id>",
		Action: func(c *cli.Context) error {
			d, closer, err := loadDispute(c)
			if err != nil {
				return err
			}
			defer closer()
			if c.Bool("json") {
				return outputJSON(c.App.Writer, d)
			}
			writeDispute(c.App.Writer, d)
			return nil
		},
	}
}

func timelineCommand() *cli.Command {
	return &cli.Command{
		Name:      "timeline",
		Usage:     "Print a dispute's timeline",
		ArgsUsage: "<dispute_id>",
		Action: func(c *cli.Context) error {
			d, closer, err := loadDispute(c)
			if err != nil {
				return err
			}
			defer closer()
			if c.Bool("json") {
				return outputJSON(c.App.Writer, d.Timeline)
			}
			writeTimeline(c.App.Writer, d)
			return nil
		},
	}
}

func listDisputesCommand() *cli.Command {
	return &cli.Command{
		Name:      "list",
		Usage:     "List a transaction's disputes, oldest first",
		ArgsUsage: "<transaction_id>",
		Aliases:   []string{"ls"},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: transaction id")
			}
			db, err := openDB(c)
			if err != nil {
				return err
			}
			defer db.Close()

			ds, err := dispute.NewPostgresStore(db).ListByTransaction(c.Context, c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to list disputes: %w", err)
			}
			if c.Bool("json") {
				return outputJSON(c.App.Writer, ds)
			}

			w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tTYPE\tPRIORITY\tRESOLUTION\tCREATED")
			for _, d := range ds {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					d.ID, d.Status, d.Type, d.Priority, orNone(string(d.ResolutionType)),
					d.CreatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}

func loadDispute(c *cli.Context) (*dispute.Dispute, func(), error) {
	if c.NArg() != 1 {
		return nil, nil, fmt.Errorf("requires exactly one argument: dispute id")
	}
	db, err := openDB(c)
	if err != nil {
		return nil, nil, err
	}
	d, err := dispute.NewPostgresStore(db).Get(c.Context, c.Args().First())
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to get dispute: %w", err)
	}
	return d, func() { db.Close() }, nil
}

func openDB(c *cli.Context) (*sql.DB, error) {
	dbURL := c.String("database-url")
	if dbURL == "" {
		return nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	ctx, cancel := context.WithTimeout(c.Context, 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

func writeEscrow(w io.Writer, a *escrow.Account) {
	fmt.Fprintf(w, "ID:            %s\n", a.ID)
	fmt.Fprintf(w, "Transaction:   %s\n", a.TransactionID)
	fmt.Fprintf(w, "Buyer/Seller:  %s / %s\n", a.BuyerID, a.SellerID)
	fmt.Fprintf(w, "Status:        %s (%s)\n", a.Status, a.Stage())
	fmt.Fprintf(w, "Amount:        %s (fee %s)\n", a.EscrowAmount.StringFixed(2), a.EscrowFee.StringFixed(2))
	fmt.Fprintf(w, "Delivery:      %t\n", a.DeliveryConfirmed)
	fmt.Fprintf(w, "Quality:       %t\n", a.QualityApproved)
	fmt.Fprintf(w, "Both parties:  %t\n", a.RequiresBothParties)
	fmt.Fprintf(w, "Auto-release:  %s\n", a.AutoReleaseAfter())
	if a.ReleaseReason != "" {
		fmt.Fprintf(w, "Reason:        %s\n", a.ReleaseReason)
	}
	fmt.Fprintf(w, "Created:       %s\n", a.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Updated:       %s\n", a.UpdatedAt.Format(time.RFC3339))
}

func writeDispute(w io.Writer, d *dispute.Dispute) {
	fmt.Fprintf(w, "ID:            %s\n", d.ID)
	fmt.Fprintf(w, "Transaction:   %s (escrow %s)\n", d.TransactionID, d.EscrowID)
	fmt.Fprintf(w, "Parties:       %s vs %s\n", d.SubmitterID, d.RespondentID)
	fmt.Fprintf(w, "Type:          %s\n", d.Type)
	fmt.Fprintf(w, "Title:         %s\n", d.Title)
	fmt.Fprintf(w, "Status:        %s (priority %s)\n", d.Status, d.Priority)
	fmt.Fprintf(w, "Mediator:      %s\n", orNone(d.AssignedMediatorID))
	fmt.Fprintf(w, "Evidence:      %d item(s)\n", d.Evidence.Len())
	if d.ResolutionType != "" {
		fmt.Fprintf(w, "Resolution:    %s\n", d.ResolutionType)
		fmt.Fprintf(w, "Verdict:       %s\n", d.Verdict)
		if d.CompensationAmount.Valid {
			fmt.Fprintf(w, "Compensation:  %s\n", d.CompensationAmount.Decimal.StringFixed(2))
		}
	}
	fmt.Fprintf(w, "Created:       %s\n", d.CreatedAt.Format(time.RFC3339))
}

func writeTimeline(w io.Writer, d *dispute.Dispute) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tACTION\tACTOR\tDETAILS")
	for _, e := range d.Timeline.Entries() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.At.Format(time.RFC3339), e.Action, e.ActorID, e.Details)
	}
	_ = tw.Flush()
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func outputJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
