// Package principal implements identities creating signed messages over their own repository.
package principal

import (
	"fmt"

	"github.com/iykyk-syn/bec"
	"github.com/iykyk-syn/bec/crypto"
	"github.com/iykyk-syn/bec/crypto/ed25519"
	"github.com/iykyk-syn/bec/crypto/local"
	"github.com/iykyk-syn/bec/message"
	"github.com/iykyk-syn/bec/registry"
	"github.com/iykyk-syn/bec/repo"
)

// Registry is a PrincipalRegistry principals can register themselves with.
type Registry interface {
	bec.PrincipalRegistry
	Register(bec.PrincipalID, crypto.PubKey) error
}

// Principal owns a Repository and appends messages signed with its key to it.
type Principal struct {
	signer   crypto.Signer
	registry bec.PrincipalRegistry
	repo     *repo.Repository
}

// New instantiates a Principal and registers its verification key.
// The Repository starts with the synthetic root.
func New(id bec.PrincipalID, privKey crypto.PrivKey, reg Registry) (*Principal, error) {
	signer, err := local.NewSigner(id, privKey)
	if err != nil {
		return nil, err
	}

	if err = reg.Register(id, signer.PubKey()); err != nil {
		return nil, fmt.Errorf("registering principal(%s): %w", id, err)
	}

	return NewWithRepository(signer, reg, repo.New(repo.WithRoot())), nil
}

// NewWithRepository instantiates a Principal over existing Repository.
// The signer is expected to be registered in the registry.
func NewWithRepository(signer crypto.Signer, reg bec.PrincipalRegistry, r *repo.Repository) *Principal {
	return &Principal{
		signer:   signer,
		registry: reg,
		repo:     r,
	}
}

// NewGroup creates principals knowing each other's keys through a shared Registry.
func NewGroup(n int) ([]*Principal, *registry.Registry, error) {
	reg := registry.New()
	principals := make([]*Principal, n)
	for i := range principals {
		_, privKey, err := ed25519.GenKeys()
		if err != nil {
			return nil, nil, err
		}

		principals[i], err = New(bec.PrincipalID(fmt.Sprintf("principal-%d", i+1)), privKey, reg)
		if err != nil {
			return nil, nil, err
		}
	}
	return principals, reg, nil
}

func (p *Principal) ID() bec.PrincipalID {
	return bec.PrincipalID(p.signer.ID())
}

func (p *Principal) Repository() *repo.Repository {
	return p.repo
}

func (p *Principal) Registry() bec.PrincipalRegistry {
	return p.registry
}

// Append creates a message succeeding the current heads and inserts it into the Repository.
func (p *Principal) Append(payload []byte, label string) (*message.Message, error) {
	msg, err := message.New(p.repo.Heads(), payload, label, p.signer)
	if err != nil {
		return nil, err
	}

	if _, err = p.repo.Insert(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Merge reconciles the other Repository into the Principal's one.
func (p *Principal) Merge(other *repo.Repository, opts ...repo.ReconcileOption) error {
	return p.repo.Merge(other, p.registry, opts...)
}
