// Package announce gossips repository heads over libp2p pubsub.
//
// Principals announce their heads after appending. Receivers knowing all the announced heads
// are up to date with the origin; otherwise they pull from it.
package announce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"capnproto.org/go/capnp/v3"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/iykyk-syn/bec/announce/announcemsg"
	"github.com/iykyk-syn/bec/message"
	"github.com/iykyk-syn/bec/repo"
)

const defaultTopic = "/bec/heads/v0.0.1"

// pullTimeout bounds a single pull triggered by an announcement.
var pullTimeout = time.Second * 30

// PullFn fetches messages from the given peer.
type PullFn func(context.Context, peer.ID) (int, error)

type Option func(*Announcer)

// WithTopic overrides the pubsub topic announcements are gossiped on.
func WithTopic(topic string) Option {
	return func(a *Announcer) {
		a.topicName = topic
	}
}

// Announcer publishes local heads and pulls from peers announcing heads unknown locally.
type Announcer struct {
	self      peer.ID
	topicName string

	pubsub     *pubsub.PubSub
	topic      *pubsub.Topic
	sub        *pubsub.Subscription
	validating bool

	repo *repo.Repository
	pull PullFn

	pullingMu sync.Mutex
	pulling   map[peer.ID]struct{}
	pulls     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
	log    *slog.Logger
}

// NewAnnouncer instantiates a new [Announcer] for the local peer.
func NewAnnouncer(self peer.ID, ps *pubsub.PubSub, r *repo.Repository, pull PullFn, opts ...Option) *Announcer {
	a := &Announcer{
		self:      self,
		topicName: defaultTopic,
		pubsub:    ps,
		repo:      r,
		pull:      pull,
		pulling:   make(map[peer.ID]struct{}),
		log:       slog.With("module", "announcer"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Announcer) Start() (err error) {
	a.ctx, a.cancel = context.WithCancel(context.Background())

	a.topic, err = a.pubsub.Join(a.topicName)
	if err != nil {
		return err
	}

	// pubsub forces us to create at least one subscription
	a.sub, err = a.topic.Subscribe()
	if err != nil {
		return err
	}
	go func() {
		for {
			_, err := a.sub.Next(a.ctx)
			if err != nil {
				return
			}
		}
	}()

	err = a.pubsub.RegisterTopicValidator(
		a.topicName,
		a.deliver,
		pubsub.WithValidatorTimeout(time.Second),
	)
	if err != nil {
		return err
	}
	a.validating = true

	a.log.Debug("started", "topic", a.topicName)
	return nil
}

// Stop stops announcing and waits for pulls in flight. It is safe to call after a failed Start.
func (a *Announcer) Stop(ctx context.Context) (err error) {
	// no pulls get scheduled once cancelled
	a.pullingMu.Lock()
	if a.cancel != nil {
		a.cancel()
	}
	a.pullingMu.Unlock()

	if a.sub != nil {
		a.sub.Cancel()
	}
	if a.validating {
		err = errors.Join(err, a.pubsub.UnregisterTopicValidator(a.topicName))
		a.validating = false
	}
	if a.topic != nil {
		err = errors.Join(err, a.topic.Close())
	}

	done := make(chan struct{})
	go func() {
		a.pulls.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.Join(err, ctx.Err())
	}
	return err
}

// Announce publishes current heads of the local Repository.
func (a *Announcer) Announce(ctx context.Context) error {
	heads := a.repo.Heads()
	if len(heads) == 0 {
		return nil
	}

	data, err := marshalAnnouncement(a.self, heads)
	if err != nil {
		return fmt.Errorf("marshalling announcement: %w", err)
	}

	if err = a.topic.Publish(ctx, data); err != nil {
		return err
	}

	a.log.DebugContext(ctx, "announced", "heads", len(heads))
	return nil
}

// deliver validates an announcement and schedules a pull if it advertises unknown heads.
func (a *Announcer) deliver(ctx context.Context, _ peer.ID, gossip *pubsub.Message) (res pubsub.ValidationResult) {
	defer func() {
		// recover from potential panics caused by network gossips
		err := recover()
		if err != nil {
			a.log.ErrorContext(ctx, "deliver announcement panic", "err", err)
			res = pubsub.ValidationReject
		}
	}()

	origin, heads, err := unmarshalAnnouncement(gossip.Data)
	if err != nil {
		a.log.ErrorContext(ctx, "unmarshalling announcement", "err", err)
		return pubsub.ValidationReject
	}
	if origin == a.self {
		return pubsub.ValidationAccept
	}

	for _, head := range heads {
		if !a.repo.Has(head) {
			a.schedulePull(origin)
			break
		}
	}
	return pubsub.ValidationAccept
}

// schedulePull pulls from the peer unless a pull from it is already in flight.
func (a *Announcer) schedulePull(from peer.ID) {
	a.pullingMu.Lock()
	defer a.pullingMu.Unlock()
	if _, ok := a.pulling[from]; ok || a.ctx == nil || a.ctx.Err() != nil {
		return
	}
	a.pulling[from] = struct{}{}

	a.pulls.Add(1)
	go func() {
		defer a.pulls.Done()
		defer func() {
			a.pullingMu.Lock()
			delete(a.pulling, from)
			a.pullingMu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(a.ctx, pullTimeout)
		defer cancel()

		n, err := a.pull(ctx, from)
		if err != nil {
			a.log.ErrorContext(ctx, "pulling announced heads", "peer", from, "err", err)
			return
		}
		a.log.DebugContext(ctx, "pulled announced heads", "peer", from, "messages", n)
	}()
}

func marshalAnnouncement(origin peer.ID, heads []message.Digest) ([]byte, error) {
	msg, seg, err := capnp.NewMessage(capnp.SingleSegment(nil))
	if err != nil {
		return nil, fmt.Errorf("creating a segment for capnp: %w", err)
	}

	ann, err := announcemsg.NewRootAnnouncement(seg)
	if err != nil {
		return nil, err
	}

	if err = ann.SetOrigin([]byte(origin)); err != nil {
		return nil, err
	}

	list, err := ann.NewHeads(int32(len(heads)))
	if err != nil {
		return nil, err
	}
	for i, head := range heads {
		if err = list.Set(i, head.Bytes()); err != nil {
			return nil, err
		}
	}
	return msg.Marshal()
}

func unmarshalAnnouncement(data []byte) (peer.ID, []message.Digest, error) {
	msg, err := capnp.Unmarshal(data)
	if err != nil {
		return "", nil, err
	}

	ann, err := announcemsg.ReadRootAnnouncement(msg)
	if err != nil {
		return "", nil, fmt.Errorf("converting received binary data to announcement: %w", err)
	}

	originData, err := ann.Origin()
	if err != nil {
		return "", nil, err
	}
	origin, err := peer.IDFromBytes(originData)
	if err != nil {
		return "", nil, fmt.Errorf("invalid origin: %w", err)
	}

	list, err := ann.Heads()
	if err != nil {
		return "", nil, err
	}
	if list.Len() == 0 {
		return "", nil, errors.New("announcement without heads")
	}

	heads := make([]message.Digest, list.Len())
	for i := range heads {
		data, err := list.At(i)
		if err != nil {
			return "", nil, err
		}
		heads[i], err = message.DigestFromBytes(data)
		if err != nil {
			return "", nil, err
		}
	}
	return origin, heads, nil
}
