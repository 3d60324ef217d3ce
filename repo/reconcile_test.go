package repo

import (
	"context"
	"errors"
	mrand "math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/iykyk-syn/bec"
	"github.com/iykyk-syn/bec/crypto/ed25519"
	"github.com/iykyk-syn/bec/crypto/local"
	"github.com/iykyk-syn/bec/message"
)

func TestReconcileBranches(t *testing.T) {
	reg, signers := newTestGroup(t, 2)

	shared := New(WithRoot())
	h := appendMessage(t, shared, signers[0], "H")

	left, right := shared.Snapshot(), shared.Snapshot()
	x := appendMessage(t, left, signers[0], "X")
	y := appendMessage(t, right, signers[1], "Y")

	merged, err := Reconcile(left, right, reg)
	require.NoError(t, err)

	// concurrent frontier is not collapsed
	assert.ElementsMatch(t, []message.Digest{x.Digest(), y.Digest()}, merged.Heads())
	assert.Equal(t, 4, merged.Len())

	edges, _ := merged.Edges(x.Digest())
	assert.Equal(t, []message.Digest{h.Digest()}, edges)
	edges, _ = merged.Edges(y.Digest())
	assert.Equal(t, []message.Digest{h.Digest()}, edges)

	for _, label := range []string{"H", "X", "Y"} {
		_, ok := merged.Digest(label)
		assert.True(t, ok, label)
	}

	// inputs are left untouched
	assert.Equal(t, []message.Digest{x.Digest()}, left.Heads())
	assert.Equal(t, []message.Digest{y.Digest()}, right.Heads())

	// a message following both branches collapses the frontier
	z := appendMessage(t, merged, signers[1], "Z")
	assert.Equal(t, []message.Digest{z.Digest()}, merged.Heads())
}

func TestReconcileLaws(t *testing.T) {
	reg, signers := newTestGroup(t, 3)
	rnd := mrand.New(mrand.NewSource(42))

	base := New(WithRoot())
	for i := 0; i < 3; i++ {
		appendMessage(t, base, signers[i%len(signers)], "")
	}

	repos := make([]*Repository, 3)
	for i := range repos {
		repos[i] = base.Snapshot()
	}
	// grow repositories independently, occasionally syncing pairs of them
	for i := 0; i < 30; i++ {
		idx := rnd.Intn(len(repos))
		appendMessage(t, repos[idx], signers[idx], "")
		if rnd.Intn(4) == 0 {
			other := rnd.Intn(len(repos))
			require.NoError(t, repos[idx].Merge(repos[other], reg))
		}
	}
	a, b, c := repos[0], repos[1], repos[2]

	reconcile := func(x, y *Repository) *Repository {
		r, err := Reconcile(x, y, reg)
		require.NoError(t, err)
		return r
	}

	t.Run("Idempotent", func(t *testing.T) {
		for _, r := range repos {
			assert.True(t, reconcile(r, r).Equal(r))
			assert.True(t, reconcile(r, r.Snapshot()).Equal(r))
		}
	})

	t.Run("Commutative", func(t *testing.T) {
		assert.True(t, reconcile(a, b).Equal(reconcile(b, a)))
		assert.True(t, reconcile(b, c).Equal(reconcile(c, b)))
		assert.True(t, reconcile(a, c).Equal(reconcile(c, a)))
	})

	t.Run("Associative", func(t *testing.T) {
		left := reconcile(reconcile(a, b), c)
		right := reconcile(a, reconcile(b, c))
		assert.True(t, left.Equal(right))
		assert.True(t, left.Equal(reconcile(reconcile(a, c), b)))
	})

	t.Run("Superset", func(t *testing.T) {
		all := reconcile(reconcile(a, b), c)
		for _, r := range repos {
			for _, d := range r.Digests() {
				assert.True(t, all.Has(d))
			}
		}
	})

	t.Run("DerivedHeads", func(t *testing.T) {
		all := reconcile(reconcile(a, b), c)
		heads := all.Heads()
		require.NotEmpty(t, heads)
		for _, d := range all.Digests() {
			m, _ := all.Message(d)
			for _, h := range heads {
				assert.False(t, m.IsSuccessorOf(h))
			}
		}
	})
}

func TestReconcileEdgesRecomputed(t *testing.T) {
	reg, signers := newTestGroup(t, 1)

	a := newMessage(t, signers[0], "A", message.Root().Digest())
	b := newMessage(t, signers[0], "B", a.Digest())

	// b arrives before a, so its edge is not resolved on insertion
	partial := New(WithRoot())
	_, err := partial.Insert(b)
	require.NoError(t, err)
	edges, _ := partial.Edges(b.Digest())
	assert.Empty(t, edges)

	other := New(WithRoot())
	_, err = other.Insert(a)
	require.NoError(t, err)

	merged, err := Reconcile(partial, other, reg)
	require.NoError(t, err)
	edges, _ = merged.Edges(b.Digest())
	assert.Equal(t, []message.Digest{a.Digest()}, edges)
	assert.Equal(t, []message.Digest{b.Digest()}, merged.Heads())
}

func TestReconcileRejectsInvalidMessages(t *testing.T) {
	reg, signers := newTestGroup(t, 1)
	honest := New(WithRoot())
	appendMessage(t, honest, signers[0], "A")

	// forger claims to be a registered principal
	forger := newForger(t, bec.PrincipalID(signers[0].ID()))
	forged := New(WithRoot())
	f := appendMessage(t, forged, forger, "F")

	// and someone nobody knows
	stranger := newTestSigner(t, "stranger")
	s := appendMessage(t, forged, stranger, "S")

	_, err := Reconcile(honest, forged, reg)
	require.ErrorIs(t, err, ErrInvalidMessage)
	require.ErrorIs(t, err, message.ErrInvalidSignature)
	require.ErrorIs(t, err, bec.ErrPrincipalNotFound)

	var invalidErr *InvalidMessageError
	require.True(t, errors.As(err, &invalidErr))

	// merge refuses as well and leaves the repository untouched
	before := honest.Snapshot()
	require.Error(t, honest.Merge(forged, reg))
	assert.True(t, before.Equal(honest))

	var quarantined []message.Digest
	merged, err := Reconcile(honest, forged, reg, WithQuarantine(func(m *message.Message, err error) {
		assert.ErrorIs(t, err, ErrInvalidMessage)
		quarantined = append(quarantined, m.Digest())
	}))
	require.NoError(t, err)
	assert.ElementsMatch(t, []message.Digest{f.Digest(), s.Digest()}, quarantined)
	assert.False(t, merged.Has(f.Digest()))
	assert.False(t, merged.Has(s.Digest()))
	_, ok := merged.Digest("F")
	assert.False(t, ok)
	assert.True(t, merged.Equal(honest))
}

func TestReconcileLabelConflict(t *testing.T) {
	reg, signers := newTestGroup(t, 2)

	base := New(WithRoot())
	left, right := base.Snapshot(), base.Snapshot()
	x := appendMessage(t, left, signers[0], "L")
	y := appendMessage(t, right, signers[1], "L")

	_, err := Reconcile(left, right, reg)
	require.ErrorIs(t, err, ErrLabelConflict)

	var conflictErr *LabelConflictError
	require.True(t, errors.As(err, &conflictErr))
	assert.Equal(t, "L", conflictErr.Label)
	assert.ElementsMatch(t, []message.Digest{x.Digest(), y.Digest()}, conflictErr.Digests[:])

	lower := x.Digest()
	if y.Digest().Compare(lower) < 0 {
		lower = y.Digest()
	}

	for _, pair := range [][2]*Repository{{left, right}, {right, left}} {
		merged, err := Reconcile(pair[0], pair[1], reg, WithLabelResolver(PreferLowerDigest))
		require.NoError(t, err)
		d, _ := merged.Digest("L")
		assert.Equal(t, lower, d)

		// the losing message no longer carries the label
		for _, m := range []*message.Message{x, y} {
			stored, ok := merged.Message(m.Digest())
			require.True(t, ok)
			if m.Digest() == lower {
				assert.Equal(t, "L", stored.Label())
			} else {
				assert.Empty(t, stored.Label())
			}
		}

		merged, err = Reconcile(pair[0], pair[1], reg, WithLabelResolver(PreferSigners(bec.PrincipalID(signers[1].ID()))))
		require.NoError(t, err)
		d, _ = merged.Digest("L")
		assert.Equal(t, y.Digest(), d)
	}
}

func TestReconcileSameMessageDifferentLabels(t *testing.T) {
	reg, signers := newTestGroup(t, 1)

	m := newMessage(t, signers[0], "first", message.Root().Digest())
	left, right := New(WithRoot()), New(WithRoot())
	_, err := left.Insert(m)
	require.NoError(t, err)
	_, err = right.Insert(m.WithLabel("second"))
	require.NoError(t, err)

	ab, err := Reconcile(left, right, reg)
	require.NoError(t, err)
	ba, err := Reconcile(right, left, reg)
	require.NoError(t, err)
	assert.True(t, ab.Equal(ba))
	assert.Equal(t, 2, ab.Len())

	for _, label := range []string{"first", "second"} {
		d, ok := ab.Digest(label)
		require.True(t, ok)
		assert.Equal(t, m.Digest(), d)
	}
}

func TestMergeConcurrentInserts(t *testing.T) {
	reg, signers := newTestGroup(t, 2)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	mine, remote := New(WithRoot()), New(WithRoot())
	for i := 0; i < 10; i++ {
		appendMessage(t, remote, signers[1], "")
	}

	const inserts = 50
	wg, _ := errgroup.WithContext(ctx)
	wg.Go(func() error {
		for i := 0; i < inserts; i++ {
			m, err := message.New(mine.Heads(), randPayload(), "", signers[0])
			if err != nil {
				return err
			}
			if _, err = mine.Insert(m); err != nil {
				return err
			}
		}
		return nil
	})
	wg.Go(func() error {
		for i := 0; i < 10; i++ {
			if err := mine.Merge(remote, reg); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, wg.Wait())

	assert.Equal(t, 1+10+inserts, mine.Len())
	for _, d := range remote.Digests() {
		assert.True(t, mine.Has(d))
	}
	for _, d := range mine.Heads() {
		for _, other := range mine.Digests() {
			m, _ := mine.Message(other)
			assert.False(t, m.IsSuccessorOf(d))
		}
	}
}

func TestMergeKeepsLocalMessages(t *testing.T) {
	reg, signers := newTestGroup(t, 1)

	// inserted locally without verification by someone the registry does not know
	mine := New(WithRoot())
	own := appendMessage(t, mine, newTestSigner(t, "stranger"), "mine")

	remote := New(WithRoot())
	appendMessage(t, remote, signers[0], "")
	forged := appendMessage(t, remote, newForger(t, bec.PrincipalID(signers[0].ID())), "")

	var quarantined []message.Digest
	quarantine := WithQuarantine(func(m *message.Message, _ error) {
		quarantined = append(quarantined, m.Digest())
	})
	for i := 0; i < 3; i++ {
		before := mine.Len()
		require.NoError(t, mine.Merge(remote, reg, quarantine))
		assert.GreaterOrEqual(t, mine.Len(), before)
	}

	assert.True(t, mine.Has(own.Digest()))
	d, ok := mine.Digest("mine")
	require.True(t, ok)
	assert.Equal(t, own.Digest(), d)
	assert.False(t, mine.Has(forged.Digest()))
	assert.Equal(t, 3, mine.Len())
	// reported once per merge, never for local messages
	assert.Equal(t, []message.Digest{forged.Digest(), forged.Digest(), forged.Digest()}, quarantined)
}

func newForger(t *testing.T, victim bec.PrincipalID) *local.Signer {
	_, priv, err := ed25519.GenKeys()
	require.NoError(t, err)
	signer, err := local.NewSigner(victim, priv)
	require.NoError(t, err)
	return signer
}
