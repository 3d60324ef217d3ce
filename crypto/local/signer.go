package local

import (
	"errors"
	"fmt"

	"github.com/iykyk-syn/bec"
	"github.com/iykyk-syn/bec/crypto"
)

// Signer signs on behalf of a single principal with a locally held private key.
type Signer struct {
	id      bec.PrincipalID
	privKey crypto.PrivKey
	pubKey  crypto.PubKey
}

func NewSigner(id bec.PrincipalID, privKey crypto.PrivKey) (*Signer, error) {
	if id == "" {
		return nil, errors.New("empty principal id")
	}

	if privKey == nil {
		return nil, fmt.Errorf("nil key for principal(%s)", id)
	}
	pubKey := privKey.PubKey()

	return &Signer{
		id:      id,
		privKey: privKey,
		pubKey:  pubKey,
	}, nil
}

func (s *Signer) ID() []byte {
	return s.id.Bytes()
}

func (s *Signer) PubKey() crypto.PubKey {
	return s.pubKey
}

func (s *Signer) Sign(msg []byte) (crypto.Signature, error) {
	signature, err := s.privKey.Sign(msg)
	if err != nil {
		return crypto.Signature{}, err
	}

	return crypto.Signature{
		Signer: s.ID(),
		Body:   signature,
	}, nil
}
