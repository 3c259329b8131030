package negotiation

import (
	"errors"
	"testing"

	"fedpi/audit"
	"fedpi/crypto/identity"
	"fedpi/crypto/shares"
	"fedpi/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/kyber/v3"
)

// federation 五个节点，各自有身份密钥和交换密钥
func federation(t *testing.T) (*Roster, []*Participant) {
	t.Helper()
	members := make([]Member, len(holders))
	parts := make([]*Participant, len(holders))
	for i, id := range holders {
		idKey, err := identity.GenerateKey()
		require.NoError(t, err)
		exSecret, exPublic := shares.GenerateKeyPair()
		members[i] = Member{ID: id, IdentityKey: identity.PublicKeyBytes(idKey), ExchangeKey: exPublic}
		parts[i] = NewParticipant(id, idKey, exSecret, nil)
	}
	roster, err := NewRoster(members)
	require.NoError(t, err)
	for _, p := range parts {
		p.roster = roster
	}
	return roster, parts
}

// runDKG 所有节点互发 dealing 后各自 Finalize
func runDKG(t *testing.T, parts []*Participant, subject string, round uint64, threshold uint32) []Submission {
	t.Helper()
	dealings := make([]*shares.Dealing, len(parts))
	for i, p := range parts {
		d, err := p.Deal(subject, round, threshold, holders)
		require.NoError(t, err)
		dealings[i] = d
	}
	for i, p := range parts {
		for j, d := range dealings {
			if i == j {
				continue
			}
			require.NoError(t, p.Receive(subject, round, d))
		}
	}

	subs := make([]Submission, len(parts))
	for i, p := range parts {
		tx, err := p.Finalize(subject, round)
		require.NoError(t, err)
		require.NoError(t, identity.Verify(identityKeyOf(t, p), tx.SigningDigest(), tx.Signature))
		sub, err := SubmissionFromTx(tx, 1)
		require.NoError(t, err)
		subs[i] = sub
	}
	return subs
}

func identityKeyOf(t *testing.T, p *Participant) []byte {
	key, ok := p.roster.IdentityKey(p.NodeID)
	require.True(t, ok)
	return key
}

func TestDKGProducesConsistentCommitments(t *testing.T) {
	_, parts := federation(t)
	subs := runDKG(t, parts, "alice", 1, 3)

	for _, sub := range subs[1:] {
		assert.True(t, sub.Master.Equal(subs[0].Master), "all nodes derive the same joint polynomial")
	}

	subject, err := registry.NewSubject("alice", 3, holders, nil, 1)
	require.NoError(t, err)
	sess, err := Open(subject, 1, 1, deadline(20))
	require.NoError(t, err)
	var out Outcome
	for _, sub := range subs[:3] {
		out, err = sess.Submit(sub, 2)
		require.NoError(t, err)
	}
	require.True(t, out.Committed)
}

func TestReceiveRejectsTamperedDealing(t *testing.T) {
	_, parts := federation(t)
	d, err := parts[0].Deal("bob", 1, 3, holders)
	require.NoError(t, err)
	_, err = parts[1].Deal("bob", 1, 3, holders)
	require.NoError(t, err)

	d.Encrypted[3] = shares.RandomScalar()
	err = parts[1].Receive("bob", 1, d)
	var de *shares.DealingError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, uint32(4), de.Recipient)

	assert.ErrorIs(t, parts[2].Receive("bob", 1, d), ErrNoRun)
}

func TestFinalizeNeedsThresholdDealings(t *testing.T) {
	_, parts := federation(t)
	_, err := parts[0].Deal("carol", 1, 3, holders)
	require.NoError(t, err)
	_, err = parts[0].Finalize("carol", 1)
	assert.ErrorIs(t, err, ErrNotEnoughDeals)

	_, err = parts[0].Deal("carol", 1, 3, []string{"x", "y", "z"})
	assert.ErrorIs(t, err, registry.ErrNotHolder)
}

func activeSubject(t *testing.T, subs []Submission) registry.Subject {
	t.Helper()
	subject, err := registry.NewSubject("alice", 3, holders, nil, 1)
	require.NoError(t, err)
	subject, err = subject.OpenRound(1, testGap, 1)
	require.NoError(t, err)
	cs := make([]registry.ShareCommitment, len(subs))
	for i, s := range subs {
		cs[i] = s.Commitment
	}
	subject, err = subject.Activate(1, subs[0].Master, cs, 2)
	require.NoError(t, err)
	return subject
}

func TestCeremonyReconstructsMasterKey(t *testing.T) {
	roster, parts := federation(t)
	subs := runDKG(t, parts, "alice", 1, 3)
	subject := activeSubject(t, subs)

	log := audit.NewLog(audit.NewMemoryStore())
	c, err := NewCeremony(subject, roster, log)
	require.NoError(t, err)

	for _, p := range []*Participant{parts[4], parts[1], parts[2]} {
		contrib, err := p.Contribute("alice", 1)
		require.NoError(t, err)
		require.NoError(t, c.Add(contrib))
	}

	var leaked kyber.Scalar
	err = c.Run(func(secret kyber.Scalar) error {
		assert.True(t, shares.MulBase(secret).Equal(subject.MasterPublicKey()))
		leaked = secret
		return nil
	})
	require.NoError(t, err)
	assert.True(t, leaked.Equal(shares.NewScalar().Zero()), "secret is zeroed after the callback")

	// 本地份额不受清零影响，可以再参加下一次仪式
	again, err := parts[4].Contribute("alice", 1)
	require.NoError(t, err)
	assert.False(t, again.Share.Value.Equal(shares.NewScalar().Zero()))

	assert.ErrorIs(t, c.Run(func(kyber.Scalar) error { return nil }), ErrCeremonyClosed)

	n, err := log.Len()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), n)
	require.NoError(t, log.VerifyChain())
}

func TestCeremonyRejectsUnauthenticatedShares(t *testing.T) {
	roster, parts := federation(t)
	subs := runDKG(t, parts, "alice", 1, 3)
	subject := activeSubject(t, subs)
	log := audit.NewLog(audit.NewMemoryStore())
	c, err := NewCeremony(subject, roster, log)
	require.NoError(t, err)

	good, err := parts[0].Contribute("alice", 1)
	require.NoError(t, err)
	require.NoError(t, c.Add(good))
	assert.ErrorIs(t, c.Add(good), registry.ErrDuplicateNode)

	forged, err := parts[1].Contribute("alice", 1)
	require.NoError(t, err)
	forged.Signature = good.Signature
	assert.ErrorIs(t, c.Add(forged), identity.ErrBadSignature)

	// 签名正确但份额与链上承诺不符
	wrong, err := parts[2].Contribute("alice", 1)
	require.NoError(t, err)
	wrong.Share.Value = shares.RandomScalar()
	sig, err := identity.Sign(parts[2].identity, wrong.SigningDigest())
	require.NoError(t, err)
	wrong.Signature = sig
	assert.ErrorIs(t, c.Add(wrong), registry.ErrInvalidCommitment)

	assert.Equal(t, 1, c.Len())
	err = c.Run(func(kyber.Scalar) error {
		t.Fatal("callback must not run without t shares")
		return nil
	})
	assert.ErrorIs(t, err, shares.ErrInsufficientShares)

	var outcomes []audit.Outcome
	for rec := range log.History("alice") {
		outcomes = append(outcomes, rec.Outcome)
	}
	assert.Equal(t, []audit.Outcome{
		audit.OutcomeAccepted,
		audit.OutcomeRejected,
		audit.OutcomeRejected,
		audit.OutcomeRejected,
		audit.OutcomeAborted,
	}, outcomes)
}

func TestCeremonyRequiresActiveSubject(t *testing.T) {
	roster, _ := federation(t)
	subject, err := registry.NewSubject("dave", 2, holders, nil, 1)
	require.NoError(t, err)
	_, err = NewCeremony(subject, roster, audit.NewLog(audit.NewMemoryStore()))
	assert.ErrorIs(t, err, registry.ErrInvalidTransition)
}
