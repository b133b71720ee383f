package orders

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// MaxClientOrderIDLength is the maximum length the venue accepts.
const MaxClientOrderIDLength = 36

// OrderRole identifies an order's place in a trade: entry, the three exit
// triggers, or a forced close.
type OrderRole string

const (
	RoleEntry      OrderRole = "E"
	RoleTakeProfit OrderRole = "TP"
	RoleStopLoss   OrderRole = "SL"
	RoleTrailing   OrderRole = "TS"
	RoleForceClose OrderRole = "FC"
)

// NewTradeID returns a fresh base ID shared by every order of one trade.
// Format: MOM-<12 hex chars> from a v4 UUID.
func NewTradeID() string {
	raw := strings.ReplaceAll(uuid.New().String(), "-", "")
	return "MOM-" + raw[:12]
}

// ClientOrderID builds the client order ID for one order of a trade.
// Format: <tradeID>-<role>, e.g. "MOM-a3f7c2e90b14-TP".
func ClientOrderID(tradeID string, role OrderRole) string {
	id := fmt.Sprintf("%s-%s", tradeID, role)
	if len(id) > MaxClientOrderIDLength {
		id = id[:MaxClientOrderIDLength]
	}
	return id
}

// ParseRole extracts the order role from a client order ID generated by
// ClientOrderID. ok is false for foreign IDs.
func ParseRole(clientOrderID string) (OrderRole, bool) {
	idx := strings.LastIndex(clientOrderID, "-")
	if idx < 0 || !strings.HasPrefix(clientOrderID, "MOM-") {
		return "", false
	}
	switch OrderRole(clientOrderID[idx+1:]) {
	case RoleEntry:
		return RoleEntry, true
	case RoleTakeProfit:
		return RoleTakeProfit, true
	case RoleStopLoss:
		return RoleStopLoss, true
	case RoleTrailing:
		return RoleTrailing, true
	case RoleForceClose:
		return RoleForceClose, true
	}
	return "", false
}
