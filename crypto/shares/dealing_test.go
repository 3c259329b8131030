package shares

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/kyber/v3"
)

type testPeer struct {
	secret kyber.Scalar
	public kyber.Point
}

func newPeers(n int) ([]testPeer, []kyber.Point) {
	peers := make([]testPeer, n)
	pubs := make([]kyber.Point, n)
	for i := range peers {
		s, p := GenerateKeyPair()
		peers[i] = testPeer{secret: s, public: p}
		pubs[i] = p
	}
	return peers, pubs
}

func TestDealingVerifyAndOpen(t *testing.T) {
	session := []byte("session-1")
	peers, pubs := newPeers(4)

	d, err := NewDealing(2, 3, session, peers[1].secret, pubs)
	require.NoError(t, err)
	require.NoError(t, d.Verify())

	for j := uint32(1); j <= 4; j++ {
		s, err := d.Open(j, session, peers[j-1].secret, peers[1].public)
		require.NoError(t, err)
		assert.True(t, VerifyCommitment(Commit(s), j, d.Public))
	}

	// 错误的会话号解不出份额
	_, err = d.Open(1, []byte("other"), peers[0].secret, peers[1].public)
	assert.ErrorIs(t, err, ErrInconsistentShares)
}

func TestDealingVerifyReportsLowestBadRecipient(t *testing.T) {
	peers, pubs := newPeers(5)
	d, err := NewDealing(1, 3, []byte("s"), peers[0].secret, pubs)
	require.NoError(t, err)

	d.Encrypted[3] = suite.Scalar().Add(d.Encrypted[3], suite.Scalar().One())
	d.Pads[4] = BasePoint()

	err = d.Verify()
	var de *DealingError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, uint32(1), de.Dealer)
	assert.Equal(t, uint32(4), de.Recipient)
	assert.ErrorIs(t, err, ErrInconsistentShares)
}

func TestNewDealingInvalidParams(t *testing.T) {
	peers, pubs := newPeers(3)
	_, err := NewDealing(1, 4, nil, peers[0].secret, pubs)
	assert.ErrorIs(t, err, ErrInvalidThreshold)
	_, err = NewDealing(0, 2, nil, peers[0].secret, pubs)
	assert.ErrorIs(t, err, ErrInvalidIndex)
}

// 完整的 DKG：每个节点各发一份 dealing，联合份额可以恢复出联合主公钥对应的私钥
func TestJointKeyFromDealings(t *testing.T) {
	const n, th = 5, 3
	session := []byte("joint")
	peers, pubs := newPeers(n)

	dealings := make([]*Dealing, n)
	for i := 0; i < n; i++ {
		d, err := NewDealing(uint32(i+1), th, session, peers[i].secret, pubs)
		require.NoError(t, err)
		require.NoError(t, d.Verify())
		dealings[i] = d
	}

	polys := make([]*PublicPolynomial, n)
	for i, d := range dealings {
		polys[i] = d.Public
	}
	joint, err := AggregatePolynomials(polys...)
	require.NoError(t, err)

	combined := make([]Share, n)
	for j := uint32(1); j <= n; j++ {
		parts := make([]Share, n)
		for i, d := range dealings {
			s, err := d.Open(j, session, peers[j-1].secret, peers[i].public)
			require.NoError(t, err)
			parts[i] = s
		}
		c, err := CombineShares(j, parts)
		require.NoError(t, err)
		assert.True(t, VerifyCommitment(Commit(c), j, joint))
		combined[j-1] = c
	}

	secret, err := Reconstruct([]Share{combined[4], combined[0], combined[2]}, th, joint.Public())
	require.NoError(t, err)
	assert.True(t, MulBase(secret).Equal(joint.Public()))
}
