package principal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iykyk-syn/bec/crypto/ed25519"
	"github.com/iykyk-syn/bec/message"
	"github.com/iykyk-syn/bec/registry"
	"github.com/iykyk-syn/bec/repo"
)

func TestNewGroup(t *testing.T) {
	ps, reg, err := NewGroup(0)
	require.NoError(t, err)
	assert.Empty(t, ps)
	assert.Zero(t, reg.Len())

	ps, reg, err = NewGroup(3)
	require.NoError(t, err)
	require.Len(t, ps, 3)

	// everybody knows everybody
	for _, p := range ps {
		for _, other := range ps {
			_, err := p.Registry().Lookup(other.ID())
			require.NoError(t, err)
		}
	}
	assert.Equal(t, 3, reg.Len())
}

func TestAppend(t *testing.T) {
	ps, reg, err := NewGroup(1)
	require.NoError(t, err)
	p := ps[0]

	m1, err := p.Append([]byte("first"), "A")
	require.NoError(t, err)
	m2, err := p.Append([]byte("second"), "B")
	require.NoError(t, err)

	key, err := reg.Lookup(p.ID())
	require.NoError(t, err)
	require.NoError(t, m1.Verify(key))
	require.NoError(t, m2.Verify(key))

	assert.True(t, m1.IsPredecessorOf(m2))
	assert.True(t, m2.IsSuccessorOf(m1.Digest()))
	assert.True(t, m1.IsSuccessorOf(message.Root().Digest()))
	assert.Equal(t, []message.Digest{m2.Digest()}, p.Repository().Heads())

	_, err = p.Append([]byte("third"), "A")
	require.ErrorIs(t, err, repo.ErrDuplicateLabel)
}

func TestMerge(t *testing.T) {
	ps, _, err := NewGroup(2)
	require.NoError(t, err)
	alice, bob := ps[0], ps[1]

	x, err := alice.Append([]byte("x"), "X")
	require.NoError(t, err)
	y, err := bob.Append([]byte("y"), "Y")
	require.NoError(t, err)

	require.NoError(t, alice.Merge(bob.Repository()))
	require.NoError(t, bob.Merge(alice.Repository()))
	assert.True(t, alice.Repository().Equal(bob.Repository()))
	assert.ElementsMatch(t, []message.Digest{x.Digest(), y.Digest()}, alice.Repository().Heads())

	z, err := bob.Append([]byte("z"), "Z")
	require.NoError(t, err)
	assert.True(t, z.IsSuccessorOf(x.Digest()))
	assert.True(t, z.IsSuccessorOf(y.Digest()))
}

func TestNewRejectsKeyReuse(t *testing.T) {
	reg := registry.New()
	_, priv1, err := ed25519.GenKeys()
	require.NoError(t, err)
	_, priv2, err := ed25519.GenKeys()
	require.NoError(t, err)

	_, err = New("alice", priv1, reg)
	require.NoError(t, err)
	_, err = New("alice", priv2, reg)
	require.ErrorIs(t, err, registry.ErrAlreadyRegistered)
}
