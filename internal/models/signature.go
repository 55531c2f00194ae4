package models

import "time"

// SignerRole is the side of the lease a signature belongs to.
type SignerRole string

const (
	RoleTenant   SignerRole = "tenant"
	RoleLandlord SignerRole = "landlord"
)

// Valid reports whether r is a known role.
func (r SignerRole) Valid() bool {
	return r == RoleTenant || r == RoleLandlord
}

// Signature is one signing event. At most one exists per (ContractID, Role)
// and it is never modified after it is recorded.
type Signature struct {
	ID         string
	ContractID string
	SignerID   string
	Role       SignerRole

	// Payload is the opaque signature blob produced by the signing UI.
	Payload []byte

	// IdempotencyKey identifies the sign request that created this row, so a
	// replay of that same request can be recognised. Optional.
	IdempotencyKey string

	SignedAt time.Time
}
