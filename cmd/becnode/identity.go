package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"

	"github.com/iykyk-syn/bec/crypto"
	"github.com/iykyk-syn/bec/crypto/ed25519"
)

const defaultDir = ".bec"

// getIdentity loads the node key from the dir or generates and persists a new one.
// The same ed25519 key identifies the node in libp2p and signs its messages.
func getIdentity(dir string) (libp2pcrypto.PrivKey, crypto.PrivKey, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, nil, err
		}
		dir = filepath.Join(home, defaultDir)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, nil, err
	}

	path := filepath.Join(dir, "key")
	keyBytes, err := readKey(path)
	if errors.Is(err, os.ErrNotExist) {
		keyBytes, err = generateKey(path)
	}
	if err != nil {
		return nil, nil, err
	}

	p2pKey, err := libp2pcrypto.UnmarshalPrivateKey(keyBytes)
	if err != nil {
		return nil, nil, err
	}

	keyRaw, err := p2pKey.Raw()
	if err != nil {
		return nil, nil, err
	}
	key, err := ed25519.BytesToPrivKey(keyRaw)
	if err != nil {
		return nil, nil, err
	}

	slog.Info("identity", "path", path, "pubkey", hex.EncodeToString(key.PubKey().Bytes()))
	return p2pKey, key, nil
}

func readKey(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func generateKey(path string) ([]byte, error) {
	privKey, _, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, err
	}

	keyBytes, err := libp2pcrypto.MarshalPrivateKey(privKey)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if _, err = f.Write(keyBytes); err != nil {
		return nil, err
	}
	return keyBytes, f.Sync()
}
