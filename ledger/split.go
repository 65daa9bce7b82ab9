package ledger

import (
	"encoding/hex"
	"fmt"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/blake2b"
)

// upfrontRate is the share of the order total held upfront.
var upfrontRate = decimal.NewFromFloat(0.30)

// Split divides a positive order total into the upfront and remaining shares.
// The upfront share is rounded to cents; the remaining share absorbs any
// fractional cent so both always sum exactly to the total.
func Split(total decimal.Decimal) (upfront, remaining decimal.Decimal, err error) {
	if !total.IsPositive() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("ledger: total amount must be positive, got %s", total)
	}
	if !total.Equal(total.Round(2)) {
		return decimal.Zero, decimal.Zero, fmt.Errorf("ledger: total amount %s has sub-cent precision", total)
	}

	upfront = total.Mul(upfrontRate).Round(2)
	remaining = total.Sub(upfront)
	if remaining.IsNegative() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("ledger: split of %s produced negative remainder", total)
	}
	return upfront, remaining, nil
}

// InstructionKey derives the dispatch idempotency key for an entry and
// instruction kind. Stable across retries so the external transfer service
// can deduplicate.
func InstructionKey(entryID string, kind InstructionKind) string {
	sum := blake2b.Sum256([]byte(entryID + "|" + string(kind)))
	return hex.EncodeToString(sum[:16])
}
