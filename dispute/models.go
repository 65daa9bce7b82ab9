package dispute

import (
	"time"

	"github.com/shopspring/decimal"
)

// Record is the operator view of a disputed escrow entry: who is involved,
// what is held, why, and since when.
type Record struct {
	EntryID    string
	OrderID    string
	BuyerID    string
	FarmerID   string
	HeldAmount decimal.Decimal
	Reason     string
	OpenedAt   time.Time
}
