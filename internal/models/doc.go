// Package models defines the core domain models for Leasewise.
//
// # Models
//
//   - Contract: a lease between one tenant and one landlord for one property
//   - Signature: one party's signing event against a contract
//   - Subscription: the recurring rent billing record of an executed contract
//   - PaymentAttempt: one charge attempt against an invoice
//   - LateFee: the single late fee applied to an invoice
//   - User: an account known to the external auth service
//
// # Design Principles
//
//  1. **Money in minor units**: amounts are int64 cents next to a currency code
//  2. **Forward-only status**: contract status never moves backwards, and a
//     canceled subscription stays canceled
//  3. **Avoid circular references**: use ID strings instead of pointers for relationships
//  4. **Transitions live with the type**: status enums know which moves are legal,
//     the stores enforce them with conditional updates
package models
