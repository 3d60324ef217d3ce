// Package bootstrap joins a node into the network through a well-known bootstrapper
// and derives principal verification keys from connected peers.
package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/iykyk-syn/bec"
	"github.com/iykyk-syn/bec/crypto"
	"github.com/iykyk-syn/bec/crypto/ed25519"
)

var bootstrapProtocol protocol.ID = "/bec/bootstrap/v0.0.1"

// settleTime gives connections on the bootstrapper time to settle before asking it for peers.
var settleTime = time.Second

// Registrar is where Members registers principal keys.
type Registrar interface {
	Register(bec.PrincipalID, crypto.PubKey) error
}

// PrincipalID derives the principal identity of the peer.
func PrincipalID(id peer.ID) bec.PrincipalID {
	return bec.PrincipalID(id.String())
}

type Service struct {
	host host.Host

	log *slog.Logger
}

func NewService(host host.Host) *Service {
	return &Service{
		host: host,
		log:  slog.With("module", "bootstrap-svc"),
	}
}

// Start connects to bootstrapper and fetch its peers.
func (serv *Service) Start(ctx context.Context, bootstrapper peer.AddrInfo) error {
	err := serv.host.Connect(ctx, bootstrapper)
	if err != nil {
		return fmt.Errorf("connecting to bootstrapper: %w", err)
	}
	serv.log.DebugContext(ctx, "connected to bootstrapper", "peer", bootstrapper.ID)

	select {
	case <-time.After(settleTime):
	case <-ctx.Done():
		return ctx.Err()
	}

	s, err := serv.host.NewStream(ctx, bootstrapper.ID, bootstrapProtocol)
	if err != nil {
		return err
	}
	defer s.Close()

	bytes, err := io.ReadAll(s)
	if err != nil {
		return err
	}

	var peers []peer.AddrInfo
	if err = json.Unmarshal(bytes, &peers); err != nil {
		return fmt.Errorf("unmarshalling bootstrap peers: %w", err)
	}

	for _, p := range peers {
		if p.ID == serv.host.ID() {
			continue
		}
		go func() {
			err := serv.host.Connect(ctx, p)
			if err != nil {
				serv.log.ErrorContext(ctx, "connecting to peer", "peer", p.ID, "err", err)
			}
		}()
	}

	serv.log.Debug("started", "peers", len(peers))
	return nil
}

// Serve starts serving bootstrap requests.
func (serv *Service) Serve() {
	serv.host.SetStreamHandler(bootstrapProtocol, func(stream network.Stream) {
		store := serv.host.Peerstore()
		peerIDs := store.PeersWithAddrs()

		peers := make([]peer.AddrInfo, len(peerIDs))
		for i, p := range peerIDs {
			peers[i] = store.PeerInfo(p)
		}

		bytes, err := json.Marshal(peers)
		if err != nil {
			stream.Reset() //nolint: errcheck
			return
		}

		_, err = stream.Write(bytes)
		if err != nil {
			stream.Reset() //nolint: errcheck
			return
		}

		err = stream.Close()
		if err != nil {
			serv.log.Error("closing bootstrap stream", "err", err)
		}
	})
}

// Stop stops serving bootstrap requests.
func (serv *Service) Stop() {
	serv.host.RemoveStreamHandler(bootstrapProtocol)
}

// Members registers the local and every connected peer's key as a principal.
// Peers with non ed25519 identities are skipped with an error.
func (serv *Service) Members(reg Registrar) (int, error) {
	store := serv.host.Peerstore()
	peers := append([]peer.ID{serv.host.ID()}, serv.host.Network().Peers()...)

	var (
		errs       error
		registered int
	)
	for _, p := range peers {
		key, err := principalKey(store.PubKey(p))
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf("peer(%s): %w", p, err))
			continue
		}

		if err = reg.Register(PrincipalID(p), key); err != nil {
			errs = errors.Join(errs, fmt.Errorf("peer(%s): %w", p, err))
			continue
		}
		registered++
	}
	return registered, errs
}

func principalKey(key libp2pcrypto.PubKey) (crypto.PubKey, error) {
	if key == nil {
		return nil, errors.New("unknown key")
	}
	if key.Type() != libp2pcrypto.Ed25519 {
		return nil, fmt.Errorf("unsupported key type: %s", key.Type())
	}

	raw, err := key.Raw()
	if err != nil {
		return nil, err
	}
	return ed25519.BytesToPubKey(raw)
}
