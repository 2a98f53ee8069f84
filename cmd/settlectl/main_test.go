package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/settlement/internal/auth"
	"github.com/mbd888/settlement/internal/dispute"
	"github.com/mbd888/settlement/internal/escrow"
	"github.com/mbd888/settlement/internal/events"
)

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &errOut
	err := app.Run(append([]string{"settlectl"}, args...))
	return out.String(), err
}

func TestTokenIssue(t *testing.T) {
	const secret = "cli-test-secret-cli-test-secret!"
	out, err := runApp(t, "token", "issue", "--secret", secret, "--user", "ops-1", "--role", "admin", "--ttl", "5m")
	require.NoError(t, err)

	p, err := auth.NewAuthenticator(secret).Verify(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "ops-1", p.UserID)
	assert.Equal(t, auth.RoleAdmin, p.Role)
}

func TestTokenIssue_Errors(t *testing.T) {
	t.Setenv("JWT_SECRET", "")

	_, err := runApp(t, "token", "issue", "--user", "ops-1")
	assert.ErrorContains(t, err, "secret is required")

	_, err = runApp(t, "token", "issue", "--secret", "s", "--user", "ops-1", "--role", "root")
	assert.ErrorContains(t, err, `unknown role "root"`)
}

func TestStoreCommands_RequireDatabase(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	_, err := runApp(t, "dispute", "show", "dsp_1")
	assert.ErrorContains(t, err, "database-url is required")

	_, err = runApp(t, "dispute", "list")
	assert.ErrorContains(t, err, "requires exactly one argument")

	_, err = runApp(t, "migrate")
	assert.ErrorContains(t, err, "requires a migration command")
}

func TestWriteTimeline(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d := &dispute.Dispute{ID: "dsp_1"}
	d.Timeline.Append(
		dispute.TimelineEntry{Action: dispute.ActionCreated, ActorID: "buyer", At: at, Details: "never arrived"},
		dispute.TimelineEntry{Action: dispute.ActionMediatorAssigned, ActorID: "ops", At: at.Add(time.Hour), Details: "mediator m-1"},
	)

	var buf bytes.Buffer
	writeTimeline(&buf, d)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "TIME"))
	assert.Contains(t, lines[1], "2026-03-01T12:00:00Z")
	assert.Contains(t, lines[1], dispute.ActionCreated)
	assert.Contains(t, lines[2], "mediator m-1")
}

func TestWriteEscrow(t *testing.T) {
	a := &escrow.Account{
		ID:            "esc_1",
		TransactionID: "tx-1",
		BuyerID:       "buyer",
		SellerID:      "seller",
		EscrowAmount:  decimal.RequireFromString("99"),
		EscrowFee:     decimal.RequireFromString("1"),
		Status:        escrow.StatusFunded,
	}
	var buf bytes.Buffer
	writeEscrow(&buf, a)
	assert.Contains(t, buf.String(), "99.00 (fee 1.00)")
	assert.Contains(t, buf.String(), "buyer / seller")
	assert.NotContains(t, buf.String(), "Reason:")
}

func TestPrintEvent(t *testing.T) {
	data := []byte(`{"id":"evt_1","type":"dispute.created","transactionId":"tx-1","disputeId":"dsp_1","status":"open","occurredAt":"2026-03-01T12:00:00Z"}`)

	var buf bytes.Buffer
	require.NoError(t, printEvent(&buf, data, false))
	assert.Contains(t, buf.String(), string(events.DisputeCreated))
	assert.Contains(t, buf.String(), "dsp_1")
	assert.Contains(t, buf.String(), "actor=(none)")

	buf.Reset()
	require.NoError(t, printEvent(&buf, data, true))
	assert.Equal(t, string(data)+"\n", buf.String())

	assert.Error(t, printEvent(&buf, []byte("{"), false))
}
