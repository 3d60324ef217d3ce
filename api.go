// Package bec implements the causal message log underlying Byzantine Eventual Consistency:
//   - Content-addressed, signed messages committing to the heads they causally follow
//   - Incremental head tracking over arbitrary insertion order
//   - Reconciliation of two independently grown histories as a join over their DAGs
//
// The core lives in the message and repo packages. Transports exchanging messages between
// principals (exchange, announce) are collaborators built on top of it.
package bec

import (
	"errors"

	"github.com/iykyk-syn/bec/crypto"
)

// ErrPrincipalNotFound is returned by PrincipalRegistry when the principal is unknown.
var ErrPrincipalNotFound = errors.New("principal not found")

// PrincipalID identifies an entity able to create and sign messages.
type PrincipalID string

// String returns string representation of PrincipalID.
func (id PrincipalID) String() string {
	return string(id)
}

// Bytes returns binary representation of PrincipalID.
func (id PrincipalID) Bytes() []byte {
	return []byte(id)
}

// PrincipalRegistry maps principals to their verification keys.
//
// All principals of a group are expected to learn every member's key before messages are
// exchanged, so a lookup failure means the message cannot be attributed and must be refused.
type PrincipalRegistry interface {
	// Lookup returns the verification key of the given principal or ErrPrincipalNotFound.
	Lookup(PrincipalID) (crypto.PubKey, error)
}
