package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mbd888/settlement/internal/events"
)

func TestSubscriptionMatch_AllEvents(t *testing.T) {
	s := Subscription{AllEvents: true, EventTypes: []events.Type{events.DisputeClosed}}
	assert.True(t, s.Match(&events.Event{Type: events.EscrowFunded}))
}

func TestSubscriptionMatch_EventTypeFilter(t *testing.T) {
	s := Subscription{EventTypes: []events.Type{events.EscrowReleased, events.EscrowRefunded}}

	assert.True(t, s.Match(&events.Event{Type: events.EscrowReleased}))
	assert.True(t, s.Match(&events.Event{Type: events.EscrowRefunded}))
	assert.False(t, s.Match(&events.Event{Type: events.DisputeCreated}))
}

func TestSubscriptionMatch_TransactionFilter(t *testing.T) {
	s := Subscription{TransactionIDs: []string{"tx-1"}}

	assert.True(t, s.Match(&events.Event{Type: events.EscrowFunded, TransactionID: "tx-1"}))
	assert.False(t, s.Match(&events.Event{Type: events.EscrowFunded, TransactionID: "tx-2"}))
}

func TestSubscriptionMatch_UserFilter(t *testing.T) {
	s := Subscription{UserIDs: []string{"alice"}}

	assert.True(t, s.Match(&events.Event{ActorID: "alice"}))
	assert.True(t, s.Match(&events.Event{ActorID: "mediator", Data: map[string]any{"buyerId": "alice"}}))
	assert.True(t, s.Match(&events.Event{Data: map[string]any{"sellerId": "alice"}}))
	assert.True(t, s.Match(&events.Event{Data: map[string]any{"respondentId": "alice"}}))
	assert.True(t, s.Match(&events.Event{Data: map[string]any{"mediatorId": "alice"}}))
	assert.False(t, s.Match(&events.Event{ActorID: "bob", Data: map[string]any{"buyerId": "bob"}}))
	assert.False(t, s.Match(&events.Event{ActorID: "bob"}))
}

func TestSubscriptionMatch_Combined(t *testing.T) {
	s := Subscription{EventTypes: []events.Type{events.DisputeCreated}, TransactionIDs: []string{"tx-1"}}

	assert.True(t, s.Match(&events.Event{Type: events.DisputeCreated, TransactionID: "tx-1"}))
	assert.False(t, s.Match(&events.Event{Type: events.DisputeCreated, TransactionID: "tx-2"}))
	assert.False(t, s.Match(&events.Event{Type: events.EscrowFunded, TransactionID: "tx-1"}))
}

func TestSubscriptionMatch_Empty(t *testing.T) {
	assert.True(t, Subscription{}.Match(&events.Event{Type: events.DisputeEscalated}))
}
