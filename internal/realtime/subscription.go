package realtime

import (
	"slices"

	"github.com/mbd888/settlement/internal/events"
)

// Subscription filters events for a client. Empty filters match everything.
// Clients may send a new Subscription at any time; Replay asks for up to
// that many recent matching events to be resent.
type Subscription struct {
	AllEvents      bool          `json:"allEvents"`
	EventTypes     []events.Type `json:"eventTypes"`
	TransactionIDs []string      `json:"transactionIds"`
	// UserIDs matches the acting user or any participant named in the event.
	UserIDs []string `json:"userIds"`
	Replay  int      `json:"replay,omitempty"`
}

// participantKeys are the event data fields that name a participant.
var participantKeys = []string{"buyerId", "sellerId", "submitterId", "respondentId", "mediatorId"}

// Match reports whether ev passes every non-empty filter.
func (s Subscription) Match(ev *events.Event) bool {
	if s.AllEvents {
		return true
	}
	if len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, ev.Type) {
		return false
	}
	if len(s.TransactionIDs) > 0 && !slices.Contains(s.TransactionIDs, ev.TransactionID) {
		return false
	}
	if len(s.UserIDs) > 0 && !slices.ContainsFunc(s.UserIDs, func(u string) bool { return involves(ev, u) }) {
		return false
	}
	return true
}

func involves(ev *events.Event, userID string) bool {
	if ev.ActorID == userID {
		return true
	}
	for _, key := range participantKeys {
		if id, _ := ev.Data[key].(string); id == userID {
			return true
		}
	}
	return false
}
