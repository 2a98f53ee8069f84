package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/settlement/internal/dbtx"
)

type flakySink struct {
	failures atomic.Int32
	calls    atomic.Int32
	rec      Recorder
}

func (s *flakySink) Name() string { return "flaky" }

func (s *flakySink) Deliver(ctx context.Context, ev Event) error {
	s.calls.Add(1)
	if s.failures.Load() > 0 {
		s.failures.Add(-1)
		return errors.New("downstream unavailable")
	}
	return s.rec.Deliver(ctx, ev)
}

func TestEmit_WaitsForCommit(t *testing.T) {
	rec := &Recorder{}
	err := dbtx.NewMemoryRunner().WithinTx(context.Background(), func(ctx context.Context) error {
		Emit(ctx, rec, Event{Type: EscrowFunded, TransactionID: "tx-1"})
		assert.Empty(t, rec.Events(), "must not deliver before commit")
		return nil
	})
	require.NoError(t, err)

	evs := rec.Events()
	require.Len(t, evs, 1)
	assert.NotEmpty(t, evs[0].ID)
	assert.False(t, evs[0].OccurredAt.IsZero())
}

func TestEmit_DroppedOnRollback(t *testing.T) {
	rec := &Recorder{}
	_ = dbtx.NewMemoryRunner().WithinTx(context.Background(), func(ctx context.Context) error {
		Emit(ctx, rec, Event{Type: EscrowReleased})
		return errors.New("completion failed")
	})
	assert.Empty(t, rec.Events())
}

func TestEmit_NilNotifier(t *testing.T) {
	Emit(context.Background(), nil, Event{Type: EscrowFunded})
}

func TestFanout_RetriesTransientFailure(t *testing.T) {
	sink := &flakySink{}
	sink.failures.Store(1)

	f := NewFanout(sink)
	f.policy.BaseDelay = time.Millisecond
	f.Notify(context.Background(), Event{ID: "e1", Type: DisputeCreated})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.Close(ctx))

	assert.Equal(t, int32(2), sink.calls.Load())
	assert.Equal(t, []Type{DisputeCreated}, sink.rec.Types())
}

func TestFanout_FailingSinkDoesNotAffectOthers(t *testing.T) {
	bad := &flakySink{}
	bad.failures.Store(100)
	good := &Recorder{}

	f := NewFanout(bad, good)
	f.policy.BaseDelay = time.Millisecond
	f.Notify(context.Background(), Event{ID: "e1", Type: EscrowRefunded})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.Close(ctx))

	assert.Equal(t, []Type{EscrowRefunded}, good.Types())
	assert.Empty(t, bad.rec.Events())
}

func TestFanout_NotifyDoesNotInheritCancellation(t *testing.T) {
	rec := &Recorder{}
	f := NewFanout(rec)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.Notify(ctx, Event{ID: "e1", Type: SettlementCompleted})

	wait, stop := context.WithTimeout(context.Background(), time.Second)
	defer stop()
	require.NoError(t, f.Close(wait))
	assert.Len(t, rec.Events(), 1)
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "settlement.escrow.released", Subject(EscrowReleased))
	assert.Equal(t, "settlement.settlement.completed", Subject(SettlementCompleted))
}
