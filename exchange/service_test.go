package exchange

import (
	"context"
	"crypto/rand"
	"fmt"
	"testing"
	"time"

	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iykyk-syn/bec/crypto/ed25519"
	"github.com/iykyk-syn/bec/crypto/local"
	"github.com/iykyk-syn/bec/message"
	"github.com/iykyk-syn/bec/principal"
	"github.com/iykyk-syn/bec/repo"
)

func TestExchange(t *testing.T) {
	const (
		nodeCount = 4
		msgCount  = 3
	)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	t.Cleanup(cancel)

	net, err := mocknet.FullMeshConnected(nodeCount)
	require.NoError(t, err)

	ps, reg, err := principal.NewGroup(nodeCount)
	require.NoError(t, err)

	svcs := make([]*Service, nodeCount)
	for i, h := range net.Hosts() {
		svcs[i] = NewService(h, ps[i].Repository(), reg)
		svcs[i].Start()
		t.Cleanup(svcs[i].Stop)
	}

	tips := make([]message.Digest, nodeCount)
	for i, p := range ps {
		for j := 0; j < msgCount; j++ {
			m, err := p.Append(randPayload(), fmt.Sprintf("%s/%d", p.ID(), j))
			require.NoError(t, err)
			tips[i] = m.Digest()
		}
	}

	for _, svc := range svcs {
		_, err := svc.PullAll(ctx, net.Peers())
		require.NoError(t, err)
	}

	for _, p := range ps {
		r := p.Repository()
		assert.Equal(t, 1+nodeCount*msgCount, r.Len())
		assert.ElementsMatch(t, tips, r.Heads())
		assert.True(t, r.Equal(ps[0].Repository()))
	}

	// nothing new to pull anymore
	n, err := svcs[0].Pull(ctx, net.Hosts()[1].ID())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestExchangeLabelConflict(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	t.Cleanup(cancel)

	net, err := mocknet.FullMeshConnected(2)
	require.NoError(t, err)
	hosts := net.Hosts()

	ps, reg, err := principal.NewGroup(2)
	require.NoError(t, err)

	_, err = ps[0].Append(randPayload(), "L")
	require.NoError(t, err)
	_, err = ps[1].Append(randPayload(), "L")
	require.NoError(t, err)

	strict := NewService(hosts[0], ps[0].Repository(), reg)
	server := NewService(hosts[1], ps[1].Repository(), reg)
	server.Start()
	t.Cleanup(server.Stop)

	before := ps[0].Repository().Snapshot()
	_, err = strict.Pull(ctx, hosts[1].ID())
	require.ErrorIs(t, err, repo.ErrLabelConflict)
	assert.True(t, before.Equal(ps[0].Repository()))

	lenient := NewService(hosts[0], ps[0].Repository(), reg,
		WithReconcileOptions(repo.WithLabelResolver(repo.PreferLowerDigest)))
	n, err := lenient.Pull(ctx, hosts[1].ID())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, ps[0].Repository().Heads(), 2)
}

func TestExchangeResolvedLabelConflict(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	t.Cleanup(cancel)

	net, err := mocknet.FullMeshConnected(3)
	require.NoError(t, err)
	hosts := net.Hosts()

	ps, reg, err := principal.NewGroup(3)
	require.NoError(t, err)

	x, err := ps[0].Append(randPayload(), "L")
	require.NoError(t, err)
	y, err := ps[1].Append(randPayload(), "L")
	require.NoError(t, err)

	svcs := make([]*Service, 3)
	for i, h := range hosts {
		svcs[i] = NewService(h, ps[i].Repository(), reg,
			WithReconcileOptions(repo.WithLabelResolver(repo.PreferLowerDigest)))
		svcs[i].Start()
		t.Cleanup(svcs[i].Stop)
	}

	_, err = svcs[0].Pull(ctx, hosts[1].ID())
	require.NoError(t, err)

	winner, loser := x, y
	if y.Digest().Compare(x.Digest()) < 0 {
		winner, loser = y, x
	}
	stored, ok := ps[0].Repository().Message(loser.Digest())
	require.True(t, ok)
	assert.Empty(t, stored.Label())

	// a fresh node rejecting conflicts still pulls from the one that resolved them
	fresh := NewService(hosts[2], ps[2].Repository(), reg)
	n, err := fresh.Pull(ctx, hosts[0].ID())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	r := ps[2].Repository()
	assert.True(t, r.Equal(ps[0].Repository()))
	d, ok := r.Digest("L")
	require.True(t, ok)
	assert.Equal(t, winner.Digest(), d)
}

func TestExchangeLabelsOfKnownMessages(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	t.Cleanup(cancel)

	net, err := mocknet.FullMeshConnected(3)
	require.NoError(t, err)
	hosts := net.Hosts()

	ps, reg, err := principal.NewGroup(3)
	require.NoError(t, err)

	m, err := ps[0].Append(randPayload(), "first")
	require.NoError(t, err)
	_, err = ps[1].Repository().Insert(m.WithLabel("second"))
	require.NoError(t, err)

	svcs := make([]*Service, 3)
	for i, h := range hosts {
		svcs[i] = NewService(h, ps[i].Repository(), reg)
		svcs[i].Start()
		t.Cleanup(svcs[i].Stop)
	}

	// the message is known already, but its label is not
	n, err := svcs[1].Pull(ctx, hosts[0].ID())
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = svcs[2].Pull(ctx, hosts[1].ID())
	require.NoError(t, err)

	for _, i := range []int{1, 2} {
		labels := ps[i].Repository().Labels()
		assert.Equal(t, map[string]message.Digest{"first": m.Digest(), "second": m.Digest()}, labels)
	}
	assert.True(t, ps[2].Repository().Equal(ps[1].Repository()))
}

func TestExchangeRejectsForgery(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	t.Cleanup(cancel)

	net, err := mocknet.FullMeshConnected(2)
	require.NoError(t, err)
	hosts := net.Hosts()

	ps, reg, err := principal.NewGroup(1)
	require.NoError(t, err)
	victim := ps[0]

	// the forger signs on behalf of the victim with its own key
	_, priv, err := ed25519.GenKeys()
	require.NoError(t, err)
	forgerSigner, err := local.NewSigner(victim.ID(), priv)
	require.NoError(t, err)
	forged := repo.New(repo.WithRoot())
	forger := principal.NewWithRepository(forgerSigner, reg, forged)
	_, err = forger.Append(randPayload(), "")
	require.NoError(t, err)

	server := NewService(hosts[1], forged, reg)
	server.Start()
	t.Cleanup(server.Stop)

	client := NewService(hosts[0], victim.Repository(), reg)
	_, err = client.Pull(ctx, hosts[1].ID())
	require.ErrorIs(t, err, repo.ErrInvalidMessage)
	require.ErrorIs(t, err, message.ErrInvalidSignature)
	assert.Equal(t, 1, victim.Repository().Len())

	var quarantined int
	client = NewService(hosts[0], victim.Repository(), reg,
		WithReconcileOptions(repo.WithQuarantine(func(*message.Message, error) { quarantined++ })))
	_, err = client.Pull(ctx, hosts[1].ID())
	require.NoError(t, err)
	assert.Equal(t, 1, quarantined)
	assert.Equal(t, 1, victim.Repository().Len())
}

func TestCodec(t *testing.T) {
	ps, _, err := principal.NewGroup(1)
	require.NoError(t, err)
	m, err := ps[0].Append(randPayload(), "A")
	require.NoError(t, err)

	known := []message.Digest{message.Root().Digest(), m.Digest()}
	data, err := marshalRequest(known)
	require.NoError(t, err)
	out, err := unmarshalRequest(data)
	require.NoError(t, err)
	assert.Equal(t, known, out)

	labels := map[string]message.Digest{"A": m.Digest(), "B": m.Digest()}
	data, err = marshalResponse([]*message.Message{message.Root(), m}, labels)
	require.NoError(t, err)
	msgs, outLabels, err := unmarshalResponse(data)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, message.Root().Digest(), msgs[0].Digest())
	assert.Equal(t, m.Digest(), msgs[1].Digest())
	assert.Equal(t, "A", msgs[1].Label())
	assert.Equal(t, labels, outLabels)

	data, err = marshalResponse(nil, nil)
	require.NoError(t, err)
	msgs, outLabels, err = unmarshalResponse(data)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Empty(t, outLabels)

	data, err = marshalRequest(nil)
	require.NoError(t, err)
	out, err = unmarshalRequest(data)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func randPayload() []byte {
	b := make([]byte, 128)
	rand.Read(b) //nolint: errcheck
	return b
}
