package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/urfave/cli/v2"

	"github.com/mbd888/settlement/internal/events"
)

func tailEventsCommand() *cli.Command {
	return &cli.Command{
		Name:  "tail",
		Usage: "Stream settlement events from NATS JetStream",
		Description: `Follow the SETTLEMENT stream. Subjects are settlement.<event type>.

Example:
  settlectl events tail --subject 'settlement.dispute.>' --since 1h`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "nats-url",
				Usage:   "NATS server URL",
				EnvVars: []string{"NATS_URL"},
				Value:   nats.DefaultURL,
			},
			&cli.StringFlag{
				Name:  "subject",
				Usage: "Subject filter",
				Value: events.StreamSubjects,
			},
			&cli.DurationFlag{
				Name:  "since",
				Usage: "Replay events newer than this (0 = new events only)",
			},
		},
		Action: func(c *cli.Context) error {
			nc, err := nats.Connect(c.String("nats-url"))
			if err != nil {
				return fmt.Errorf("failed to connect to NATS: %w", err)
			}
			defer nc.Close()

			js, err := jetstream.New(nc)
			if err != nil {
				return fmt.Errorf("failed to create JetStream context: %w", err)
			}

			cfg := jetstream.OrderedConsumerConfig{
				FilterSubjects: []string{c.String("subject")},
				DeliverPolicy:  jetstream.DeliverNewPolicy,
			}
			if since := c.Duration("since"); since > 0 {
				start := time.Now().Add(-since)
				cfg.DeliverPolicy = jetstream.DeliverByStartTimePolicy
				cfg.OptStartTime = &start
			}

			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cons, err := js.OrderedConsumer(ctx, events.StreamName, cfg)
			if err != nil {
				return fmt.Errorf("failed to create consumer: %w", err)
			}
			cc, err := cons.Consume(func(msg jetstream.Msg) {
				if err := printEvent(c.App.Writer, msg.Data(), c.Bool("json")); err != nil {
					fmt.Fprintf(c.App.ErrWriter, "skipping malformed event: %v\n", err)
				}
			})
			if err != nil {
				return fmt.Errorf("failed to consume: %w", err)
			}
			defer cc.Stop()

			<-ctx.Done()
			return nil
		},
	}
}

func printEvent(w io.Writer, data []byte, raw bool) error {
	var ev events.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	if raw {
		_, err := fmt.Fprintln(w, string(data))
		return err
	}
	subject := ev.EscrowID
	if ev.DisputeID != "" {
		subject = ev.DisputeID
	}
	_, err := fmt.Fprintf(w, "%s  %-28s tx=%s %s status=%s actor=%s\n",
		ev.OccurredAt.Format(time.RFC3339), ev.Type, ev.TransactionID, subject, ev.Status, orNone(ev.ActorID))
	return err
}
