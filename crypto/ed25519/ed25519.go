// Package ed25519 implements principal keys over pure Ed25519.
package ed25519

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	keys "github.com/iykyk-syn/bec/crypto"
)

const KeyType = "ed25519"

// SeedSize is the size of a seed deterministically deriving a key pair.
const SeedSize = ed25519.SeedSize

var ErrInvalidKeyLength = errors.New("ed25519: invalid key length")

type PublicKey []byte

// VerifySignature reports whether sig is a valid signature of msg. Malformed keys and
// signatures never verify.
func (pubKey PublicKey) VerifySignature(msg []byte, sig []byte) bool {
	if len(pubKey) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), msg, sig)
}

func (pubKey PublicKey) Equals(other []byte) bool {
	return len(other) == ed25519.PublicKeySize && ed25519.PublicKey(pubKey).Equal(ed25519.PublicKey(other))
}

func (pubKey PublicKey) Bytes() []byte {
	return pubKey
}

func (pubKey PublicKey) Type() string {
	return KeyType
}

func (pubKey PublicKey) String() string {
	return hex.EncodeToString(pubKey)
}

type PrivateKey []byte

// Sign signs the message with pure Ed25519, which hashes internally.
func (privKey PrivateKey) Sign(msg []byte) ([]byte, error) {
	if len(privKey) != ed25519.PrivateKeySize {
		return nil, ErrInvalidKeyLength
	}
	return ed25519.PrivateKey(privKey).Sign(nil, msg, crypto.Hash(0))
}

func (privKey PrivateKey) PubKey() keys.PubKey {
	return PublicKey(clone(privKey[ed25519.SeedSize:]))
}

func (privKey PrivateKey) Equals(other []byte) bool {
	return len(other) == ed25519.PrivateKeySize && ed25519.PrivateKey(privKey).Equal(ed25519.PrivateKey(other))
}

func (privKey PrivateKey) Type() string {
	return KeyType
}

// GenKeys generates a fresh key pair from crypto/rand.
func GenKeys() (PublicKey, PrivateKey, error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return PublicKey(pubKey), PrivateKey(privKey), nil
}

// KeysFromSeed derives the key pair from the seed.
func KeysFromSeed(seed []byte) (PublicKey, PrivateKey, error) {
	if len(seed) != SeedSize {
		return nil, nil, fmt.Errorf("%w: seed of %d bytes", ErrInvalidKeyLength, len(seed))
	}

	privKey := PrivateKey(ed25519.NewKeyFromSeed(seed))
	return privKey.PubKey().(PublicKey), privKey, nil
}

func BytesToPubKey(b []byte) (PublicKey, error) {
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key of %d bytes", ErrInvalidKeyLength, len(b))
	}
	return clone(b), nil
}

func BytesToPrivKey(b []byte) (PrivateKey, error) {
	if len(b) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: private key of %d bytes", ErrInvalidKeyLength, len(b))
	}
	return clone(b), nil
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}
