package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	// StreamName is the JetStream stream holding settlement events.
	StreamName = "SETTLEMENT"

	// StreamSubjects matches every settlement subject.
	StreamSubjects = "settlement.>"

	// StreamRetention is how long events are retained.
	StreamRetention = 30 * 24 * time.Hour

	subjectPrefix = "settlement."
)

// Subject returns the NATS subject for an event type, e.g.
// "settlement.escrow.released".
func Subject(t Type) string {
	return subjectPrefix + string(t)
}

// JetStreamSink publishes events to NATS JetStream. The event id is used
// as the message id so redelivered retries are de-duplicated by the server.
type JetStreamSink struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewJetStreamSink connects to NATS and ensures the stream exists.
func NewJetStreamSink(natsURL string, logger *slog.Logger) (*JetStreamSink, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("settlement-publisher"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	s := &JetStreamSink{nc: nc, js: js, logger: logger}
	if err := s.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}

	logger.Info("NATS event sink initialized", "url", natsURL, "stream", StreamName)
	return s, nil
}

func (s *JetStreamSink) ensureStream() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := s.js.Stream(ctx, StreamName); err == nil {
		return nil
	}

	s.logger.Info("creating JetStream stream", "stream", StreamName)
	_, err := s.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Escrow, dispute and completion events",
		Subjects:    []string{StreamSubjects},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      StreamRetention,
		Storage:     jetstream.FileStorage,
		Duplicates:  2 * time.Minute,
		Replicas:    1,
	})
	return err
}

func (s *JetStreamSink) Name() string { return "nats" }

func (s *JetStreamSink) Deliver(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := s.js.Publish(ctx, Subject(ev.Type), data, jetstream.WithMsgID(ev.ID)); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	s.logger.Debug("published settlement event", "subject", Subject(ev.Type), "event_id", ev.ID)
	return nil
}

// Ping reports whether the NATS connection is usable.
func (s *JetStreamSink) Ping(ctx context.Context) error {
	if !s.nc.IsConnected() {
		return fmt.Errorf("nats: %s", s.nc.Status())
	}
	return s.nc.FlushWithContext(ctx)
}

// Close drains the NATS connection.
func (s *JetStreamSink) Close() error {
	return s.nc.Drain()
}
