package models

import "time"

// ContractStatus is the signing state of a contract.
type ContractStatus string

const (
	ContractDraft           ContractStatus = "draft"
	ContractPartiallySigned ContractStatus = "partially_signed"
	ContractFullyExecuted   ContractStatus = "fully_executed"
)

// rank orders contract statuses; status only ever moves to a higher rank.
func (s ContractStatus) rank() int {
	switch s {
	case ContractDraft:
		return 0
	case ContractPartiallySigned:
		return 1
	case ContractFullyExecuted:
		return 2
	default:
		return -1
	}
}

// Valid reports whether s is a known contract status.
func (s ContractStatus) Valid() bool {
	return s.rank() >= 0
}

// Precedes reports whether moving from s to next is a forward move.
func (s ContractStatus) Precedes(next ContractStatus) bool {
	return s.Valid() && next.Valid() && s.rank() < next.rank()
}

// Contract is a lease agreement between exactly one tenant and one landlord
// for one property.
type Contract struct {
	// ID is the unique identifier for the contract (UUID format).
	ID string

	// PropertyID references the rented property (owned by the listings system).
	PropertyID string

	// TenantID and LandlordID are user IDs from the external auth service.
	TenantID   string
	LandlordID string

	// MonthlyRent is the rent in minor units of Currency.
	MonthlyRent int64
	Currency    string

	// Region selects the late fee policy. Empty means the default policy.
	Region string

	LeaseStart time.Time
	LeaseEnd   time.Time

	// Status is mutated only by the signature ledger.
	Status ContractStatus

	// SupersedesID is set on renewals and points at the contract being replaced.
	SupersedesID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PartyFor returns the user expected to sign for role.
func (c *Contract) PartyFor(role SignerRole) string {
	switch role {
	case RoleTenant:
		return c.TenantID
	case RoleLandlord:
		return c.LandlordID
	default:
		return ""
	}
}
