package vm

import (
	"errors"
	"math"
	"testing"

	"fedpi/audit"
	"fedpi/config"
	"fedpi/crypto/identity"
	"fedpi/crypto/shares"
	"fedpi/db"
	"fedpi/keys"
	"fedpi/negotiation"
	"fedpi/pb"
	"fedpi/registry"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var holders = []string{"n1", "n2", "n3", "n4", "n5"}

// federation 名册 + 各节点身份私钥
type federation struct {
	roster *negotiation.Roster
	keys   map[string]*btcec.PrivateKey
}

func newFederation(t *testing.T) *federation {
	t.Helper()
	f := &federation{keys: make(map[string]*btcec.PrivateKey)}
	members := make([]negotiation.Member, 0, len(holders))
	for _, id := range holders {
		k, err := identity.GenerateKey()
		require.NoError(t, err)
		_, exPub := shares.GenerateKeyPair()
		f.keys[id] = k
		members = append(members, negotiation.Member{ID: id, IdentityKey: identity.PublicKeyBytes(k), ExchangeKey: exPub})
	}
	roster, err := negotiation.NewRoster(members)
	require.NoError(t, err)
	f.roster = roster
	return f
}

func testConfig() config.NegotiationConfig {
	cfg := config.DefaultNegotiationConfig()
	cfg.DeadlineBlocks = 2
	return cfg
}

func newExecutor(t *testing.T, f *federation, store DBManager) *Executor {
	t.Helper()
	x, err := NewExecutor(store, f.roster, testConfig(), 4)
	require.NoError(t, err)
	require.NoError(t, x.Halted())
	return x
}

func createTx(t *testing.T, sid string, key *btcec.PrivateKey) []byte {
	t.Helper()
	tx := &pb.CreateSubjectTx{
		SubjectId:  []byte(sid),
		Threshold:  3,
		Holders:    holders,
		SubjectKey: identity.PublicKeyBytes(key),
	}
	sig, err := identity.Sign(key, tx.SigningDigest())
	require.NoError(t, err)
	tx.Signature = sig
	return pb.WrapCreateSubject(tx).Marshal()
}

func revokeTx(t *testing.T, sid string, key *btcec.PrivateKey) []byte {
	t.Helper()
	tx := &pb.RevokeSubjectTx{SubjectId: []byte(sid), Reason: "user request"}
	sig, err := identity.Sign(key, tx.SigningDigest())
	require.NoError(t, err)
	tx.Signature = sig
	return pb.WrapRevokeSubject(tx).Marshal()
}

func evolveTx(t *testing.T, sid string, signer *btcec.PrivateKey, next *btcec.PrivateKey, index uint32) []byte {
	t.Helper()
	tx := &pb.EvolveKeyTx{SubjectId: []byte(sid), NewKey: identity.PublicKeyBytes(next), KeyIndex: index}
	sig, err := identity.Sign(signer, tx.SigningDigest())
	require.NoError(t, err)
	tx.Signature = sig
	return pb.WrapEvolveKey(tx).Marshal()
}

// commitTxs 一次 3-of-5 拆分，每个持有者一笔签名的承诺交易
func (f *federation) commitTxs(t *testing.T, sid string, round uint64) ([][]byte, *shares.PublicPolynomial) {
	t.Helper()
	secret, _ := shares.GenerateKeyPair()
	shs, master, err := shares.SplitSecret(secret, 3, uint32(len(holders)))
	require.NoError(t, err)
	out := make([][]byte, len(shs))
	for i, sh := range shs {
		tx := &pb.SubmitCommitmentTx{
			SubjectId:  []byte(sid),
			Round:      round,
			NodeId:     holders[i],
			Index:      sh.Index,
			Master:     master.Marshal(),
			Commitment: shares.MarshalPoint(shares.Commit(sh).Point),
		}
		sig, err := identity.Sign(f.keys[holders[i]], tx.SigningDigest())
		require.NoError(t, err)
		tx.Signature = sig
		out[i] = pb.WrapSubmitCommitment(tx).Marshal()
	}
	return out, master
}

func block(height uint64, txs ...[]byte) *pb.Block {
	return &pb.Block{Height: height, Txs: txs}
}

func apply(t *testing.T, x *Executor, b *pb.Block) *BlockResult {
	t.Helper()
	res, err := x.ApplyBlock(b)
	require.NoError(t, err)
	require.Len(t, res.Receipts, len(b.Txs))
	return res
}

func outcomes(x *Executor, sid string) []audit.Outcome {
	var out []audit.Outcome
	for rec := range x.History(sid) {
		out = append(out, rec.Outcome)
	}
	return out
}

func TestFirstCommitmentOpensSession(t *testing.T) {
	f := newFederation(t)
	store := db.NewMemDB()
	x := newExecutor(t, f, store)
	subjectKey, err := identity.GenerateKey()
	require.NoError(t, err)
	commits, _ := f.commitTxs(t, "zoe", 1)

	apply(t, x, block(1, createTx(t, "zoe", subjectKey)))
	res := apply(t, x, block(2, commits[1]))
	require.Equal(t, StatusSucceed, res.Receipts[0].Status, res.Receipts[0].Error)

	s, err := x.Subject("zoe")
	require.NoError(t, err)
	assert.Equal(t, registry.StatePending, s.State)
	assert.Equal(t, uint64(1), s.LastOpenedRound)

	raw, err := store.Get(keys.KeySession("zoe"))
	require.NoError(t, err)
	sess, err := negotiation.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), sess.Round)
	assert.Equal(t, uint64(4), sess.Deadline)
	assert.Equal(t, negotiation.StatusCollecting, sess.Status)

	// 同一区块里达到门限直接激活
	res = apply(t, x, block(3, commits[0], commits[4]))
	for _, rc := range res.Receipts {
		require.Equal(t, StatusSucceed, rc.Status, rc.Error)
	}
	s, err = x.Subject("zoe")
	require.NoError(t, err)
	assert.Equal(t, registry.StateActive, s.State)
	assert.Len(t, s.Commitments, 3)
	raw, err = store.Get(keys.KeySession("zoe"))
	require.NoError(t, err)
	assert.Empty(t, raw)
}

func TestCommitAtThresholdThenLateCommitments(t *testing.T) {
	f := newFederation(t)
	x := newExecutor(t, f, db.NewMemDB())
	subjectKey, err := identity.GenerateKey()
	require.NoError(t, err)
	commits, master := f.commitTxs(t, "alice", 1)

	apply(t, x, block(1, createTx(t, "alice", subjectKey)))
	s, err := x.Subject("alice")
	require.NoError(t, err)
	assert.Equal(t, registry.StatePending, s.State)

	res := apply(t, x, block(2, commits[0], commits[2], commits[4]))
	for _, rc := range res.Receipts {
		assert.Equal(t, StatusSucceed, rc.Status, rc.Error)
	}
	s, err = x.Subject("alice")
	require.NoError(t, err)
	assert.Equal(t, registry.StateActive, s.State)
	assert.Equal(t, uint64(1), s.Round)
	assert.True(t, s.MasterPublicKey().Equal(master.Public()))
	require.Len(t, s.Commitments, 3)
	assert.Equal(t, []uint32{1, 3, 5}, []uint32{s.Commitments[0].Index, s.Commitments[1].Index, s.Commitments[2].Index})

	apply(t, x, block(3, commits[1], commits[3]))
	s, err = x.Subject("alice")
	require.NoError(t, err)
	assert.Len(t, s.Commitments, 5)

	assert.Equal(t, []audit.Outcome{
		audit.OutcomeAccepted, // create
		audit.OutcomeAccepted,
		audit.OutcomeAccepted,
		audit.OutcomeAccepted,
		audit.OutcomeCommitted,
		audit.OutcomeAccepted, // 晚到
		audit.OutcomeAccepted,
	}, outcomes(x, "alice"))
	require.NoError(t, x.VerifyChain())
}

func TestReplicasProduceIdenticalState(t *testing.T) {
	f := newFederation(t)
	subjectKey, err := identity.GenerateKey()
	require.NoError(t, err)
	commits, _ := f.commitTxs(t, "bob", 1)
	blocks := []*pb.Block{
		block(1, createTx(t, "bob", subjectKey)),
		block(2, commits[3], commits[0]),
		block(3, []byte("garbage"), commits[1]),
		block(4, commits[2], revokeTx(t, "bob", subjectKey)),
	}

	a := newExecutor(t, f, db.NewMemDB())
	b := newExecutor(t, f, db.NewMemDB())
	for _, blk := range blocks {
		ra := apply(t, a, blk)
		rb := apply(t, b, blk)
		assert.Equal(t, ra.AppHash, rb.AppHash, "height %d", blk.Height)
		assert.Equal(t, ra.Receipts, rb.Receipts, "height %d", blk.Height)

		switch blk.Height {
		case 3:
			assert.Equal(t, StatusFailed, ra.Receipts[0].Status)
			assert.Equal(t, StatusSucceed, ra.Receipts[1].Status, ra.Receipts[1].Error)
			for _, x := range []*Executor{a, b} {
				s, err := x.Subject("bob")
				require.NoError(t, err)
				assert.Equal(t, registry.StateActive, s.State)
				assert.Len(t, s.Commitments, 3)
			}
		case 4:
			for _, rc := range ra.Receipts {
				assert.Equal(t, StatusSucceed, rc.Status, rc.Error)
			}
		}
	}

	ha, err := a.StateHash()
	require.NoError(t, err)
	hb, err := b.StateHash()
	require.NoError(t, err)
	assert.Equal(t, ha, hb)

	sa, err := a.Status()
	require.NoError(t, err)
	sb, err := b.Status()
	require.NoError(t, err)
	assert.Equal(t, sa, sb)

	for _, x := range []*Executor{a, b} {
		s, err := x.Subject("bob")
		require.NoError(t, err)
		assert.Equal(t, registry.StateRevoked, s.State)
		assert.Len(t, s.Commitments, 4)
	}
}

func TestRedeliveredTransactionsAreSkipped(t *testing.T) {
	f := newFederation(t)
	x := newExecutor(t, f, db.NewMemDB())
	subjectKey, err := identity.GenerateKey()
	require.NoError(t, err)
	create := createTx(t, "carol", subjectKey)
	commits, _ := f.commitTxs(t, "carol", 1)

	first := apply(t, x, block(1, create, commits[0]))
	for _, rc := range first.Receipts {
		require.Equal(t, StatusSucceed, rc.Status, rc.Error)
	}
	before, err := x.Subject("carol")
	require.NoError(t, err)
	n, err := x.Status()
	require.NoError(t, err)

	res := apply(t, x, block(2, commits[0], create))
	for _, rc := range res.Receipts {
		assert.Equal(t, StatusSkipped, rc.Status)
	}
	after, err := x.Subject("carol")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), after.LastOpenedRound)
	assert.Equal(t, registry.Encode(before), registry.Encode(after))

	m, err := x.Status()
	require.NoError(t, err)
	assert.Equal(t, n.AuditLength, m.AuditLength)
	assert.Empty(t, res.Diff)
}

func TestRevokedSubjectRejectsCommitments(t *testing.T) {
	f := newFederation(t)
	x := newExecutor(t, f, db.NewMemDB())
	subjectKey, err := identity.GenerateKey()
	require.NoError(t, err)
	commits, _ := f.commitTxs(t, "dave", 1)

	apply(t, x, block(1, createTx(t, "dave", subjectKey), revokeTx(t, "dave", subjectKey)))
	before, err := x.Subject("dave")
	require.NoError(t, err)
	require.Equal(t, registry.StateRevoked, before.State)

	res := apply(t, x, block(2, commits[0]))
	assert.Equal(t, StatusFailed, res.Receipts[0].Status)
	assert.Contains(t, res.Receipts[0].Error, registry.ErrInvalidTransition.Error())

	after, err := x.Subject("dave")
	require.NoError(t, err)
	assert.Equal(t, registry.Encode(before), registry.Encode(after))

	var last audit.Record
	for rec := range x.History("dave") {
		last = rec
	}
	assert.Equal(t, audit.OutcomeRejected, last.Outcome)
	assert.Equal(t, "n1", last.Node)
	assert.NotEmpty(t, last.Reason)
}

func TestAbortedRoundAllowsHigherRound(t *testing.T) {
	f := newFederation(t)
	x := newExecutor(t, f, db.NewMemDB())
	subjectKey, err := identity.GenerateKey()
	require.NoError(t, err)
	round1, _ := f.commitTxs(t, "erin", 1)
	round2, _ := f.commitTxs(t, "erin", 2)

	apply(t, x, block(1, createTx(t, "erin", subjectKey)))
	apply(t, x, block(2, round1[0], round1[1])) // 截止高度 4
	apply(t, x, block(3))
	apply(t, x, block(4))
	apply(t, x, block(5))

	s, err := x.Subject("erin")
	require.NoError(t, err)
	assert.Equal(t, registry.StatePending, s.State)
	assert.Empty(t, s.Commitments)
	assert.Equal(t, audit.OutcomeAborted, outcomes(x, "erin")[3])

	// 已中止的轮次不能再开启
	res := apply(t, x, block(6, round1[2]))
	assert.Equal(t, StatusFailed, res.Receipts[0].Status)
	assert.Contains(t, res.Receipts[0].Error, registry.ErrStaleRound.Error())

	apply(t, x, block(7, round2[0], round2[1], round2[2]))
	s, err = x.Subject("erin")
	require.NoError(t, err)
	assert.Equal(t, registry.StateActive, s.State)
	assert.Equal(t, uint64(2), s.Round)
}

func TestSessionRejectsOtherRounds(t *testing.T) {
	f := newFederation(t)
	x := newExecutor(t, f, db.NewMemDB())
	subjectKey, err := identity.GenerateKey()
	require.NoError(t, err)
	round2, _ := f.commitTxs(t, "gina", 2)
	round3, _ := f.commitTxs(t, "gina", 3)
	round1, _ := f.commitTxs(t, "gina", 1)

	apply(t, x, block(1, createTx(t, "gina", subjectKey)))
	res := apply(t, x, block(2, round2[0], round3[1], round1[2]))
	assert.Equal(t, StatusSucceed, res.Receipts[0].Status)
	assert.Contains(t, res.Receipts[1].Error, registry.ErrInvalidTransition.Error())
	assert.Contains(t, res.Receipts[2].Error, registry.ErrStaleRound.Error())
}

func TestForgedCommitmentIsRejected(t *testing.T) {
	f := newFederation(t)
	x := newExecutor(t, f, db.NewMemDB())
	subjectKey, err := identity.GenerateKey()
	require.NoError(t, err)
	apply(t, x, block(1, createTx(t, "frank", subjectKey)))

	secret, _ := shares.GenerateKeyPair()
	shs, master, err := shares.SplitSecret(secret, 3, 5)
	require.NoError(t, err)
	tx := &pb.SubmitCommitmentTx{
		SubjectId:  []byte("frank"),
		Round:      1,
		NodeId:     "n2",
		Index:      2,
		Master:     master.Marshal(),
		Commitment: shares.MarshalPoint(shares.Commit(shs[1]).Point),
	}
	// n3 冒充 n2 签名
	tx.Signature, err = identity.Sign(f.keys["n3"], tx.SigningDigest())
	require.NoError(t, err)
	forged := pb.WrapSubmitCommitment(tx).Marshal()

	outsider, err := identity.GenerateKey()
	require.NoError(t, err)
	tx2 := *tx
	tx2.NodeId = "mallory"
	tx2.Signature, err = identity.Sign(outsider, tx2.SigningDigest())
	require.NoError(t, err)

	res := apply(t, x, block(2, forged, pb.WrapSubmitCommitment(&tx2).Marshal()))
	assert.Equal(t, StatusFailed, res.Receipts[0].Status)
	assert.Contains(t, res.Receipts[0].Error, identity.ErrBadSignature.Error())
	assert.Equal(t, StatusFailed, res.Receipts[1].Status)
	assert.Contains(t, res.Receipts[1].Error, registry.ErrNotHolder.Error())

	s, err := x.Subject("frank")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), s.LastOpenedRound)

	// 被拒绝的伪造交易不占用轮次，真实持有者随后仍能开启 round 1
	genuine, _ := f.commitTxs(t, "frank", 1)
	res = apply(t, x, block(3, genuine[1]))
	require.Equal(t, StatusSucceed, res.Receipts[0].Status, res.Receipts[0].Error)
	s, err = x.Subject("frank")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), s.LastOpenedRound)
}

func TestFarFutureRoundIsRejected(t *testing.T) {
	f := newFederation(t)
	x := newExecutor(t, f, db.NewMemDB())
	subjectKey, err := identity.GenerateKey()
	require.NoError(t, err)
	gap := testConfig().MaxRoundGap
	huge, _ := f.commitTxs(t, "jill", math.MaxUint64)
	beyond, _ := f.commitTxs(t, "jill", gap+1)
	edge, _ := f.commitTxs(t, "jill", gap)

	apply(t, x, block(1, createTx(t, "jill", subjectKey)))
	res := apply(t, x, block(2, huge[0], beyond[1]))
	for _, rc := range res.Receipts {
		assert.Equal(t, StatusFailed, rc.Status)
		assert.Contains(t, rc.Error, registry.ErrRoundTooFar.Error())
	}
	s, err := x.Subject("jill")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), s.LastOpenedRound)

	res = apply(t, x, block(3, edge[0], edge[1], edge[2]))
	for _, rc := range res.Receipts {
		require.Equal(t, StatusSucceed, rc.Status, rc.Error)
	}
	s, err = x.Subject("jill")
	require.NoError(t, err)
	assert.Equal(t, registry.StateActive, s.State)
	assert.Equal(t, gap, s.Round)
}

func TestEvolveKeyRotatesAuthority(t *testing.T) {
	f := newFederation(t)
	x := newExecutor(t, f, db.NewMemDB())
	k0, err := identity.GenerateKey()
	require.NoError(t, err)
	k1, err := identity.GenerateKey()
	require.NoError(t, err)

	apply(t, x, block(1, createTx(t, "hank", k0)))
	res := apply(t, x, block(2,
		evolveTx(t, "hank", k0, k1, 2), // 跳号
		evolveTx(t, "hank", k0, k1, 1),
		revokeTx(t, "hank", k0), // 旧密钥已失效
	))
	assert.Contains(t, res.Receipts[0].Error, registry.ErrStaleRound.Error())
	assert.Equal(t, StatusSucceed, res.Receipts[1].Status)
	assert.Contains(t, res.Receipts[2].Error, identity.ErrBadSignature.Error())

	s, err := x.Subject("hank")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), s.KeyIndex)
	assert.Equal(t, identity.PublicKeyBytes(k1), s.SubjectKey)

	apply(t, x, block(3, revokeTx(t, "hank", k1)))
	s, err = x.Subject("hank")
	require.NoError(t, err)
	assert.Equal(t, registry.StateRevoked, s.State)
}

func TestUnexpectedHeight(t *testing.T) {
	f := newFederation(t)
	x := newExecutor(t, f, db.NewMemDB())
	_, err := x.ApplyBlock(block(2))
	assert.ErrorIs(t, err, ErrUnexpectedHeight)
	apply(t, x, block(1))
	_, err = x.ApplyBlock(block(1))
	assert.ErrorIs(t, err, ErrUnexpectedHeight)
	assert.Equal(t, uint64(1), x.Height())
}

func TestCorruptedAuditRecordHaltsExecutor(t *testing.T) {
	f := newFederation(t)
	store := db.NewMemDB()
	x := newExecutor(t, f, store)
	subjectKey, err := identity.GenerateKey()
	require.NoError(t, err)
	commits, _ := f.commitTxs(t, "ivan", 1)
	apply(t, x, block(1, createTx(t, "ivan", subjectKey)))
	apply(t, x, block(2, commits[0]))

	// 篡改链尾记录
	st, err := x.Status()
	require.NoError(t, err)
	tailKey := keys.KeyAuditRecord(st.AuditLength - 1)
	raw, err := store.Get(tailKey)
	require.NoError(t, err)
	rec, err := audit.Decode(raw)
	require.NoError(t, err)
	rec.Reason = "rewritten"
	store.Put(tailKey, audit.Encode(rec))

	_, err = x.ApplyBlock(block(3, commits[1]))
	require.ErrorIs(t, err, ErrHalted)
	var cb *audit.ChainBrokenError
	require.True(t, errors.As(err, &cb))
	assert.Equal(t, st.AuditLength-1, cb.Offset)
	assert.Equal(t, uint64(2), x.Height())

	_, err = x.ApplyBlock(block(3))
	assert.ErrorIs(t, err, ErrHalted)

	// 重启后启动校验同样发现损坏
	y, err := NewExecutor(store, f.roster, testConfig(), 1)
	require.NoError(t, err)
	assert.ErrorIs(t, y.Halted(), audit.ErrChainBroken)
	status, err := y.Status()
	require.NoError(t, err)
	assert.True(t, status.Halted)
}

func TestAppHashPersistsAcrossRestart(t *testing.T) {
	f := newFederation(t)
	store, err := db.NewManager(t.TempDir(), config.DatabaseConfig{ReadCacheSize: 16})
	require.NoError(t, err)
	defer store.Close()

	x := newExecutor(t, f, store)
	subjectKey, err := identity.GenerateKey()
	require.NoError(t, err)
	r1 := apply(t, x, block(1, createTx(t, "judy", subjectKey)))
	r2 := apply(t, x, block(2))

	y := newExecutor(t, f, store)
	assert.Equal(t, uint64(2), y.Height())
	h1, err := y.AppHash(1)
	require.NoError(t, err)
	assert.Equal(t, r1.AppHash, h1)
	h2, err := y.AppHash(2)
	require.NoError(t, err)
	assert.Equal(t, r2.AppHash, h2)

	s, err := y.Subject("judy")
	require.NoError(t, err)
	assert.Equal(t, registry.StatePending, s.State)
}
