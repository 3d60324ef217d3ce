package repo

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/iykyk-syn/bec"
	"github.com/iykyk-syn/bec/message"
)

// LabelResolver decides which message keeps a label bound to different messages by reconciled
// repositories. Messages are passed in digest order, so a resolver that only looks at its
// arguments keeps reconciliation commutative.
type LabelResolver func(label string, a, b *message.Message) (*message.Message, error)

// RejectLabelConflicts is the default LabelResolver. It surfaces every conflict as LabelConflictError.
func RejectLabelConflicts(label string, a, b *message.Message) (*message.Message, error) {
	return nil, &LabelConflictError{Label: label, Digests: [2]message.Digest{a.Digest(), b.Digest()}}
}

// PreferLowerDigest resolves label conflicts in favour of the message with the lower digest.
func PreferLowerDigest(_ string, a, _ *message.Message) (*message.Message, error) {
	return a, nil
}

// PreferSigners resolves label conflicts in favour of the message whose signer comes first in
// the given priority list. Signers not in the list come last and ties fall back to digest order.
func PreferSigners(priority ...bec.PrincipalID) LabelResolver {
	rank := func(id bec.PrincipalID) int {
		if i := slices.Index(priority, id); i >= 0 {
			return i
		}
		return len(priority)
	}
	return func(_ string, a, b *message.Message) (*message.Message, error) {
		if rank(b.Signer()) < rank(a.Signer()) {
			return b, nil
		}
		return a, nil
	}
}

type ReconcileOption func(*reconcileConfig)

type reconcileConfig struct {
	resolveLabel LabelResolver
	quarantine   func(*message.Message, error)
}

// WithLabelResolver sets the policy for labels bound to different messages.
func WithLabelResolver(resolver LabelResolver) ReconcileOption {
	return func(cfg *reconcileConfig) {
		cfg.resolveLabel = resolver
	}
}

// WithQuarantine makes reconciliation skip messages failing verification instead of failing
// as a whole. Skipped messages are reported to the given function.
func WithQuarantine(fn func(*message.Message, error)) ReconcileOption {
	return func(cfg *reconcileConfig) {
		cfg.quarantine = fn
	}
}

// Reconcile produces a new Repository being the causal union of both repositories.
//
// Every message except the synthetic root must verify against its signer's key in the registry.
// Edges and heads are derived from the union rather than merged, so the result does not depend
// on arrival order. Labels bound to different messages are handed to the LabelResolver.
//
// The inputs are read from consistent snapshots and never modified.
func Reconcile(a, b *Repository, reg bec.PrincipalRegistry, opts ...ReconcileOption) (*Repository, error) {
	cfg := newReconcileConfig(opts)

	ours := a.snapshot()
	theirs := ours
	if a != b {
		theirs = b.snapshot()
	}

	st, err := reconcile(ours, theirs, newVerifier(reg), &cfg)
	if err != nil {
		return nil, err
	}
	return &Repository{state: st}, nil
}

// optimisticMerges bounds merge attempts racing with inserts before Merge blocks them.
const optimisticMerges = 3

// Merge reconciles the other Repository into this one.
//
// Messages already in the Repository are trusted and never dropped, only messages it learns from
// the other one are verified, once per Merge. The reconciliation is computed off snapshots
// without blocking inserts and then committed atomically. If the Repository was mutated in the
// meantime, the merge is recomputed, holding the lock after a few attempts.
// On error, the Repository stays unchanged.
func (r *Repository) Merge(other *Repository, reg bec.PrincipalRegistry, opts ...ReconcileOption) error {
	cfg := newReconcileConfig(opts)
	v := newVerifier(reg)

	theirs := other.snapshot()
	for attempt := 0; attempt < optimisticMerges; attempt++ {
		ours := r.snapshot()
		v.trusted = ours.messages
		merged, err := reconcile(ours, theirs, v, &cfg)
		if err != nil {
			return err
		}

		r.mu.Lock()
		if r.version == ours.version {
			r.commit(merged)
			r.mu.Unlock()
			return nil
		}
		r.mu.Unlock()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	v.trusted = r.messages
	merged, err := reconcile(r.state, theirs, v, &cfg)
	if err != nil {
		return err
	}
	r.commit(merged)
	return nil
}

// commit replaces the state with the merged one. The caller holds the write lock.
func (r *Repository) commit(merged state) {
	merged.version = r.version + 1
	r.state = merged
}

func newReconcileConfig(opts []ReconcileOption) reconcileConfig {
	cfg := reconcileConfig{resolveLabel: RejectLabelConflicts}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// verifier checks messages against the registry, remembering the outcome per digest.
type verifier struct {
	reg bec.PrincipalRegistry
	// trusted messages are not checked
	trusted map[message.Digest]*message.Message
	checked map[message.Digest]error
}

func newVerifier(reg bec.PrincipalRegistry) *verifier {
	return &verifier{reg: reg, checked: make(map[message.Digest]error)}
}

// verify checks the message unless it is trusted. It also reports whether the message was
// checked before.
func (v *verifier) verify(msg *message.Message) (seen bool, err error) {
	d := msg.Digest()
	if _, ok := v.trusted[d]; ok {
		return false, nil
	}
	if err, ok := v.checked[d]; ok {
		return true, err
	}

	err = verify(msg, v.reg)
	if err != nil {
		err = &InvalidMessageError{Digest: d, Signer: msg.Signer(), Err: err}
	}
	v.checked[d] = err
	return false, err
}

func reconcile(ours, theirs state, v *verifier, cfg *reconcileConfig) (state, error) {
	// union messages by digest
	union := make(map[message.Digest]*message.Message, len(ours.messages)+len(theirs.messages))
	order := make([]message.Digest, 0, len(ours.messages)+len(theirs.messages))
	for _, st := range []state{ours, theirs} {
		for _, d := range st.order {
			if _, ok := union[d]; !ok {
				union[d] = st.messages[d]
				order = append(order, d)
			}
		}
	}

	// refuse messages that can't be attributed
	var errs []error
	for _, d := range sortedKeys(union) {
		msg := union[d]
		seen, err := v.verify(msg)
		if err == nil {
			continue
		}

		if cfg.quarantine == nil {
			errs = append(errs, err)
			continue
		}
		if !seen {
			cfg.quarantine(msg, err)
		}
		delete(union, d)
	}
	if len(errs) > 0 {
		return state{}, errors.Join(errs...)
	}

	st := newState(len(union))
	for _, d := range order {
		if msg, ok := union[d]; ok {
			st.messages[d] = msg
			st.order = append(st.order, d)
		}
	}

	// derive edges and successors from declared predecessors
	for d, msg := range st.messages {
		var edges []message.Digest
		for _, pred := range msg.Predecessors() {
			if _, ok := st.messages[pred]; ok {
				edges = append(edges, pred)
			}
			st.successors[pred] = append(st.successors[pred], d)
		}
		st.edges[d] = edges
	}
	for _, succs := range st.successors {
		slices.SortFunc(succs, message.Digest.Compare)
	}

	// derive heads as messages no other message follows
	for d := range st.messages {
		if len(st.successors[d]) == 0 {
			st.heads[d] = struct{}{}
		}
	}

	err := mergeLabels(&st, ours.labels, theirs.labels, cfg.resolveLabel)
	if err != nil {
		return state{}, err
	}
	st.relabel()
	return st, nil
}

func mergeLabels(st *state, ours, theirs map[string]message.Digest, resolve LabelResolver) error {
	var errs []error
	for _, labels := range []map[string]message.Digest{ours, theirs} {
		for label, d := range labels {
			if _, ok := st.messages[d]; !ok {
				// unknown or quarantined
				continue
			}

			bound, ok := st.labels[label]
			if !ok || bound == d {
				st.labels[label] = d
				continue
			}

			a, b := st.messages[bound], st.messages[d]
			if b.Digest().Compare(a.Digest()) < 0 {
				a, b = b, a
			}
			winner, err := resolve(label, a, b)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if winner == nil || (winner.Digest() != a.Digest() && winner.Digest() != b.Digest()) {
				errs = append(errs, fmt.Errorf("label resolver picked unrelated message for %q", label))
				continue
			}
			st.labels[label] = winner.Digest()
		}
	}
	if len(errs) > 0 {
		slices.SortFunc(errs, func(a, b error) int {
			return strings.Compare(a.Error(), b.Error())
		})
		return errors.Join(errs...)
	}
	return nil
}

func verify(msg *message.Message, reg bec.PrincipalRegistry) error {
	if msg.IsSyntheticRoot() {
		return nil
	}

	key, err := reg.Lookup(msg.Signer())
	if err != nil {
		return err
	}
	return msg.Verify(key)
}
