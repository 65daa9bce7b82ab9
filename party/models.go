package party

import "time"

// Role distinguishes the two marketplace sides.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleFarmer Role = "farmer"
)

// Profile captures the subset of party data the settlement side needs:
// identity plus the account funds are disbursed to.
type Profile struct {
	ID          string
	Role        Role
	FullName    string
	PayoutEmail string
	CreatedAt   time.Time
}
