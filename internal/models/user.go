package models

// User is an account owned by the external auth service. Leasewise only sees
// users through signed tokens and never stores them.
type User struct {
	// ID is the user identifier carried in token claims. Contracts reference
	// tenants and landlords by this value.
	ID string

	// Email is the address the notification dispatcher delivers to.
	Email string
}
