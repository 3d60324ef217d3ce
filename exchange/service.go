// Package exchange implements pulling messages from peers over libp2p streams.
//
// The requester sends digests of every message it knows and the responder replies with all
// the messages it has that are not among them. The requester reconciles the reply into its
// Repository, so nothing received is adopted without signature verification.
package exchange

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"golang.org/x/sync/errgroup"

	"github.com/iykyk-syn/bec"
	"github.com/iykyk-syn/bec/message"
	"github.com/iykyk-syn/bec/repo"
)

var defaultProtocolID = protocol.ID("/bec/exchange/v0.0.1")

const (
	// maxFrameSize limits requests and responses read from streams.
	maxFrameSize = 64 << 20
	// maxConcurrentPulls limits parallel pulls of PullAll.
	maxConcurrentPulls = 8
)

type Option func(*Service)

// WithProtocolID overrides the protocol the Service speaks.
func WithProtocolID(id protocol.ID) Option {
	return func(s *Service) {
		s.protocolID = id
	}
}

// WithReconcileOptions sets options applied when pulled messages are merged.
func WithReconcileOptions(opts ...repo.ReconcileOption) Option {
	return func(s *Service) {
		s.reconcileOpts = opts
	}
}

// Service serves local messages to peers and pulls their messages into the local Repository.
type Service struct {
	host     host.Host
	repo     *repo.Repository
	registry bec.PrincipalRegistry

	protocolID    protocol.ID
	reconcileOpts []repo.ReconcileOption

	log *slog.Logger
}

func NewService(h host.Host, r *repo.Repository, reg bec.PrincipalRegistry, opts ...Option) *Service {
	s := &Service{
		host:       h,
		repo:       r,
		registry:   reg,
		protocolID: defaultProtocolID,
		log:        slog.With("module", "exchange"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Start() {
	s.host.SetStreamHandler(s.protocolID, func(stream network.Stream) {
		if err := s.serve(stream); err != nil {
			s.log.Error("serving pull", "peer", stream.Conn().RemotePeer(), "err", err)
			stream.Reset() //nolint: errcheck
		}
	})
	s.log.Debug("started")
}

func (s *Service) Stop() {
	s.host.RemoveStreamHandler(s.protocolID)
}

// Pull fetches messages the peer has and the local Repository lacks and merges them.
// It reports the number of received messages.
func (s *Service) Pull(ctx context.Context, from peer.ID) (int, error) {
	req, err := marshalRequest(s.repo.Digests())
	if err != nil {
		return 0, fmt.Errorf("marshalling request: %w", err)
	}

	stream, err := s.host.NewStream(ctx, from, s.protocolID)
	if err != nil {
		return 0, fmt.Errorf("failed to open stream: %w", err)
	}
	defer stream.Close()

	// set stream deadline from the context deadline.
	// if it is empty, then we assume that it will
	// hang until the server will close the stream by the timeout.
	if dl, ok := ctx.Deadline(); ok {
		if err = stream.SetDeadline(dl); err != nil {
			s.log.WarnContext(ctx, "error setting deadline", "err", err)
		}
	}

	if _, err = stream.Write(req); err != nil {
		return 0, fmt.Errorf("writing request to stream: %w", err)
	}
	if err = stream.CloseWrite(); err != nil {
		return 0, err
	}

	data, err := readFrame(stream)
	if err != nil {
		return 0, fmt.Errorf("reading response: %w", err)
	}

	msgs, labels, err := unmarshalResponse(data)
	if err != nil {
		return 0, fmt.Errorf("unmarshalling response: %w", err)
	}
	if len(msgs) == 0 && s.knowsLabels(labels) {
		return 0, nil
	}

	pulled, err := repo.Assemble(msgs, labels)
	if err != nil {
		return 0, fmt.Errorf("assembling messages from peer(%s): %w", from, err)
	}

	if err = s.repo.Merge(pulled, s.registry, s.reconcileOpts...); err != nil {
		return 0, fmt.Errorf("merging messages from peer(%s): %w", from, err)
	}

	s.log.DebugContext(ctx, "pulled", "peer", from, "messages", len(msgs), "heads", len(s.repo.Heads()))
	return len(msgs), nil
}

// PullAll pulls from all the given peers concurrently.
// It reports the total number of received messages and the first encountered error.
func (s *Service) PullAll(ctx context.Context, peers []peer.ID) (int, error) {
	var (
		total atomic.Int64
		wg    errgroup.Group
	)
	wg.SetLimit(maxConcurrentPulls)
	for _, p := range peers {
		if p == s.host.ID() {
			continue
		}

		wg.Go(func() error {
			n, err := s.Pull(ctx, p)
			if err != nil {
				s.log.WarnContext(ctx, "pulling from peer", "peer", p, "err", err)
				return err
			}
			total.Add(int64(n))
			return nil
		})
	}

	err := wg.Wait()
	return int(total.Load()), err
}

func (s *Service) serve(stream network.Stream) error {
	data, err := readFrame(stream)
	if err != nil {
		return fmt.Errorf("reading request: %w", err)
	}

	known, err := unmarshalRequest(data)
	if err != nil {
		return fmt.Errorf("unmarshalling request: %w", err)
	}

	missing := s.repo.Missing(known)
	resp, err := marshalResponse(missing, s.repo.Labels())
	if err != nil {
		return fmt.Errorf("marshalling response: %w", err)
	}

	if _, err = stream.Write(resp); err != nil {
		return fmt.Errorf("writing response to stream: %w", err)
	}
	// the requester is done once we close the stream
	if err = stream.Close(); err != nil {
		return fmt.Errorf("closing Stream: %w", err)
	}

	s.log.Debug("served pull", "peer", stream.Conn().RemotePeer(), "messages", len(missing))
	return nil
}

// knowsLabels reports whether the local Repository binds all the labels the same way.
func (s *Service) knowsLabels(labels map[string]message.Digest) bool {
	for label, d := range labels {
		if local, ok := s.repo.Digest(label); !ok || local != d {
			return false
		}
	}
	return true
}

func readFrame(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxFrameSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxFrameSize {
		return nil, fmt.Errorf("frame exceeds %d bytes", maxFrameSize)
	}
	return data, nil
}
