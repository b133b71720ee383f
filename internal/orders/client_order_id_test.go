package orders

import (
	"strings"
	"testing"
)

// TestNewTradeID tests the trade ID format
func TestNewTradeID(t *testing.T) {
	id := NewTradeID()

	if !strings.HasPrefix(id, "MOM-") {
		t.Errorf("Should carry the MOM prefix, got %q", id)
	}
	if len(id) != 16 {
		t.Errorf("Should be 16 characters, got %d in %q", len(id), id)
	}
	if id == NewTradeID() {
		t.Error("Should generate distinct IDs")
	}
}

// TestClientOrderIDLength tests that every role fits the venue limit
func TestClientOrderIDLength(t *testing.T) {
	tradeID := NewTradeID()
	roles := []OrderRole{RoleEntry, RoleTakeProfit, RoleStopLoss, RoleTrailing, RoleForceClose}

	for _, role := range roles {
		id := ClientOrderID(tradeID, role)
		if len(id) > MaxClientOrderIDLength {
			t.Errorf("Should fit in %d characters, got %d for role %s", MaxClientOrderIDLength, len(id), role)
		}
	}
}

// TestParseRole tests the role round trip and rejection of foreign IDs
func TestParseRole(t *testing.T) {
	tradeID := NewTradeID()
	roles := []OrderRole{RoleEntry, RoleTakeProfit, RoleStopLoss, RoleTrailing, RoleForceClose}

	for _, role := range roles {
		got, ok := ParseRole(ClientOrderID(tradeID, role))
		if !ok || got != role {
			t.Errorf("Should round trip role %s, got %s ok=%v", role, got, ok)
		}
	}

	if _, ok := ParseRole("web_3f7c2e90b14"); ok {
		t.Error("Should reject an ID without our prefix")
	}
	if _, ok := ParseRole("MOM-a3f7c2e90b14-XX"); ok {
		t.Error("Should reject an unknown role suffix")
	}
}
