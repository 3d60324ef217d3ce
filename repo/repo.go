// Package repo maintains a replica's view of the causal DAG of messages.
//
// A Repository tracks the messages it knows, the frontier of causally maximal messages (heads),
// the edges resolved at insertion time and a label index. Two repositories are joined with
// Reconcile, which is commutative, associative and idempotent.
package repo

import (
	"errors"
	"maps"
	"slices"
	"sync"

	"github.com/iykyk-syn/bec/message"
)

// Repository is a locally consistent view of the message DAG owned by a single replica.
// It is safe for concurrent use. Reads see a consistent state, so a Repository can be used
// as input of reconciliation while its owner keeps inserting.
type Repository struct {
	mu sync.RWMutex
	state
}

type state struct {
	// heads are digests no known message declares as its predecessor.
	heads map[message.Digest]struct{}
	// messages are all the known messages.
	messages map[message.Digest]*message.Message
	// edges are direct predecessors resolved against heads at insertion time.
	// It is a cache recomputed on reconciliation.
	edges map[message.Digest][]message.Digest
	// labels index messages by their labels.
	labels map[string]message.Digest
	// successors index declared successors of a digest, including digests not known yet.
	successors map[message.Digest][]message.Digest
	// order keeps the arrival order of messages.
	order []message.Digest
	// version is bumped on every mutation.
	version uint64
}

func newState(size int) state {
	return state{
		heads:      make(map[message.Digest]struct{}),
		messages:   make(map[message.Digest]*message.Message, size),
		edges:      make(map[message.Digest][]message.Digest, size),
		labels:     make(map[string]message.Digest),
		successors: make(map[message.Digest][]message.Digest, size),
		order:      make([]message.Digest, 0, size),
	}
}

type Option func(*Repository)

// WithRoot seeds the Repository with the synthetic root message.
func WithRoot() Option {
	return func(r *Repository) {
		if _, err := r.insert(message.Root()); err != nil {
			panic(err)
		}
	}
}

// New instantiates an empty Repository.
func New(opts ...Option) *Repository {
	r := &Repository{state: newState(0)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Insert adds the message and updates the heads.
//
// Predecessors do not have to be known yet. A message arriving after one of its successors
// never becomes a head. Failed insertion leaves the Repository unchanged.
func (r *Repository) Insert(msg *message.Message) (message.Digest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.insert(msg)
}

func (r *Repository) insert(msg *message.Message) (message.Digest, error) {
	d := msg.Digest()
	if _, ok := r.messages[d]; ok {
		return d, &DuplicateMessageError{Digest: d}
	}

	label := msg.Label()
	if label != "" {
		if holder, ok := r.labels[label]; ok {
			return d, &DuplicateLabelError{Label: label, Digest: holder}
		}
	}

	// predecessors are sorted, so resolved ones are too
	var resolved []message.Digest
	for _, pred := range msg.Predecessors() {
		if _, ok := r.heads[pred]; ok {
			resolved = append(resolved, pred)
			delete(r.heads, pred)
		}
		r.successors[pred] = append(r.successors[pred], d)
	}
	if len(r.successors[d]) == 0 {
		r.heads[d] = struct{}{}
	}

	r.edges[d] = resolved
	r.messages[d] = msg
	if label != "" {
		r.labels[label] = d
	}
	r.order = append(r.order, d)
	r.version++
	return d, nil
}

// Assemble builds a Repository out of messages and a label index received from a peer.
// Labels carried by the messages themselves are replaced by the index. The index may bind
// labels to messages not among the given ones, those get resolved when the result is reconciled
// with a Repository knowing them.
func Assemble(msgs []*message.Message, labels map[string]message.Digest) (*Repository, error) {
	r := New()
	for _, msg := range msgs {
		_, err := r.insert(msg.WithLabel(""))
		if err != nil && !errors.Is(err, ErrDuplicateMessage) {
			return nil, err
		}
	}

	for label, d := range labels {
		if label == "" {
			return nil, errors.New("empty label")
		}
		r.labels[label] = d
	}
	r.relabel()
	return r, nil
}

// Message returns the message with the given digest.
func (r *Repository) Message(d message.Digest) (*message.Message, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	msg, ok := r.messages[d]
	return msg, ok
}

// Digest returns digest of the message with the given label.
func (r *Repository) Digest(label string) (message.Digest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.labels[label]
	return d, ok
}

func (r *Repository) Has(d message.Digest) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.messages[d]
	return ok
}

// Heads returns the causal frontier sorted by digest.
func (r *Repository) Heads() []message.Digest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.heads)
}

// Edges returns direct predecessors of the message as resolved by the Repository.
func (r *Repository) Edges(d message.Digest) ([]message.Digest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	edges, ok := r.edges[d]
	return slices.Clone(edges), ok
}

// Labels returns a copy of the label index.
func (r *Repository) Labels() map[string]message.Digest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.labels)
}

// Digests returns digests of all the known messages sorted.
func (r *Repository) Digests() []message.Digest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.messages)
}

func (r *Repository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.messages)
}

// Missing lists messages whose digests are not in known, in arrival order.
func (r *Repository) Missing(known []message.Digest) []*message.Message {
	has := make(map[message.Digest]struct{}, len(known))
	for _, d := range known {
		has[d] = struct{}{}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	var missing []*message.Message
	for _, d := range r.order {
		if _, ok := has[d]; !ok {
			missing = append(missing, r.messages[d])
		}
	}
	return missing
}

// Snapshot returns an independent copy of the Repository.
func (r *Repository) Snapshot() *Repository {
	return &Repository{state: r.snapshot()}
}

func (r *Repository) snapshot() state {
	r.mu.RLock()
	defer r.mu.RUnlock()

	successors := make(map[message.Digest][]message.Digest, len(r.successors))
	for d, succs := range r.successors {
		successors[d] = slices.Clone(succs)
	}

	// messages and edges are never mutated once inserted, so they can be shared
	return state{
		heads:      maps.Clone(r.heads),
		messages:   maps.Clone(r.messages),
		edges:      maps.Clone(r.edges),
		labels:     maps.Clone(r.labels),
		successors: successors,
		order:      slices.Clone(r.order),
		version:    r.version,
	}
}

// Equal reports whether both repositories know the same messages, heads and labels.
func (r *Repository) Equal(other *Repository) bool {
	if r == other {
		return true
	}

	ours, theirs := r.snapshot(), other.snapshot()
	if len(ours.messages) != len(theirs.messages) {
		return false
	}
	for d := range ours.messages {
		if _, ok := theirs.messages[d]; !ok {
			return false
		}
	}
	return maps.Equal(ours.heads, theirs.heads) && maps.Equal(ours.labels, theirs.labels)
}

// relabel makes every message carry the lowest label the index binds to it, or none.
func (st *state) relabel() {
	bound := make(map[message.Digest]string, len(st.labels))
	for label, d := range st.labels {
		if cur, ok := bound[d]; !ok || label < cur {
			bound[d] = label
		}
	}
	for d, msg := range st.messages {
		if label := bound[d]; msg.Label() != label {
			st.messages[d] = msg.WithLabel(label)
		}
	}
}

func sortedKeys[V any](m map[message.Digest]V) []message.Digest {
	keys := make([]message.Digest, 0, len(m))
	for d := range m {
		keys = append(keys, d)
	}
	slices.SortFunc(keys, message.Digest.Compare)
	return keys
}
