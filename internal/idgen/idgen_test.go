package idgen

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestPrefixedIDs(t *testing.T) {
	id := EscrowID()
	if !strings.HasPrefix(id, EscrowPrefix) {
		t.Fatalf("expected %q prefix, got %s", EscrowPrefix, id)
	}
	if len(id) != len(EscrowPrefix)+24 {
		t.Errorf("unexpected escrow id length %d", len(id))
	}
	if !strings.HasPrefix(DisputeID(), DisputePrefix) {
		t.Error("dispute id missing prefix")
	}
	if EscrowID() == EscrowID() {
		t.Error("ids should be unique")
	}
}

func TestNewIsUUID(t *testing.T) {
	if _, err := uuid.Parse(New()); err != nil {
		t.Fatalf("New() did not return a uuid: %v", err)
	}
}

func TestTokensAndHashes(t *testing.T) {
	if got := len(SecurityToken()); got != 64 {
		t.Errorf("security token length = %d, want 64", got)
	}
	a := TransferHash("txn_1", "lst_1", "seller", "buyer")
	b := TransferHash("txn_1", "lst_1", "seller", "buyer")
	if len(a) != 64 {
		t.Errorf("transfer hash length = %d, want 64", len(a))
	}
	if a == b {
		t.Error("transfer hashes should be salted")
	}
}
