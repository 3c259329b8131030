package registry

import (
	"math"
	"strings"
	"testing"

	"fedpi/crypto/shares"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapKV map[string][]byte

func (m mapKV) Get(key string) ([]byte, bool, error) {
	v, ok := m[key]
	return v, ok, nil
}

func (m mapKV) Set(key string, val []byte) { m[key] = append([]byte(nil), val...) }

func (m mapKV) Scan(prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	for k, v := range m {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out, nil
}

var holders = []string{"n1", "n2", "n3", "n4", "n5"}

const testGap = 16

// fixture 3-of-5 subject，返回已开启 round 1 的 subject、联合多项式与全部承诺
func fixture(t *testing.T) (Subject, *shares.PublicPolynomial, []ShareCommitment) {
	t.Helper()
	s, err := NewSubject("alice", 3, holders, []byte("subject-key"), 1)
	require.NoError(t, err)
	s, err = s.OpenRound(1, testGap, 2)
	require.NoError(t, err)

	secret, _ := shares.GenerateKeyPair()
	shs, master, err := shares.SplitSecret(secret, 3, 5)
	require.NoError(t, err)

	cs := make([]ShareCommitment, len(shs))
	for i, sh := range shs {
		cs[i] = ShareCommitment{
			NodeID: holders[i],
			Index:  sh.Index,
			Round:  1,
			Point:  shares.Commit(sh).Point,
		}
	}
	return s, master, cs
}

func TestNewSubjectValidation(t *testing.T) {
	_, err := NewSubject("", 1, holders, nil, 1)
	assert.ErrorIs(t, err, ErrInvalidSubject)

	_, err = NewSubject("a", 6, holders, nil, 1)
	assert.ErrorIs(t, err, shares.ErrInvalidThreshold)

	_, err = NewSubject("a", 0, holders, nil, 1)
	assert.ErrorIs(t, err, shares.ErrInvalidThreshold)

	_, err = NewSubject("a", 2, []string{"n1", "n1"}, nil, 1)
	assert.ErrorIs(t, err, ErrDuplicateNode)

	s, err := NewSubject("a", 2, holders, nil, 7)
	require.NoError(t, err)
	assert.Equal(t, StatePending, s.State)
	assert.Nil(t, s.MasterPublicKey())
	idx, ok := s.HolderIndex("n4")
	assert.True(t, ok)
	assert.Equal(t, uint32(4), idx)
}

func TestActivateWithThresholdCommitments(t *testing.T) {
	s, master, cs := fixture(t)

	// 乱序传入，结果按 index 排序
	active, err := s.Activate(1, master, []ShareCommitment{cs[3], cs[0], cs[2]}, 5)
	require.NoError(t, err)
	assert.Equal(t, StateActive, active.State)
	assert.Equal(t, uint64(1), active.Round)
	require.Len(t, active.Commitments, 3)
	assert.Equal(t, []uint32{1, 3, 4}, []uint32{active.Commitments[0].Index, active.Commitments[1].Index, active.Commitments[2].Index})
	assert.True(t, active.MasterPublicKey().Equal(master.Public()))

	// 接收者不被修改
	assert.Equal(t, StatePending, s.State)
	assert.Empty(t, s.Commitments)
}

func TestActivateRejectsBadInput(t *testing.T) {
	s, master, cs := fixture(t)

	_, err := s.Activate(1, master, cs[:2], 5)
	assert.ErrorIs(t, err, shares.ErrInsufficientShares)

	_, err = s.Activate(1, master, []ShareCommitment{cs[0], cs[1], cs[1]}, 5)
	assert.ErrorIs(t, err, ErrDuplicateNode)

	bad := cs[2]
	bad.Point = shares.MulBase(shares.RandomScalar())
	_, err = s.Activate(1, master, []ShareCommitment{cs[0], cs[1], bad}, 5)
	assert.ErrorIs(t, err, ErrInvalidCommitment)

	wrongIdx := cs[2]
	wrongIdx.Index = 4
	_, err = s.Activate(1, master, []ShareCommitment{cs[0], cs[1], wrongIdx}, 5)
	assert.ErrorIs(t, err, ErrNotHolder)

	_, err = s.Activate(2, master, cs[:3], 5)
	assert.ErrorIs(t, err, ErrStaleRound)
}

func TestLateCommitmentsUpToN(t *testing.T) {
	s, master, cs := fixture(t)
	active, err := s.Activate(1, master, cs[:3], 5)
	require.NoError(t, err)

	active, err = active.AddLateCommitment(cs[4], 6)
	require.NoError(t, err)
	active, err = active.AddLateCommitment(cs[3], 7)
	require.NoError(t, err)
	assert.Len(t, active.Commitments, 5)
	assert.Equal(t, uint64(7), active.UpdatedHeight)

	_, err = active.AddLateCommitment(cs[3], 8)
	assert.ErrorIs(t, err, ErrDuplicateNode)

	stale := cs[4]
	stale.Round = 0
	_, err = active.AddLateCommitment(stale, 8)
	assert.ErrorIs(t, err, ErrStaleRound)
}

func TestRoundRules(t *testing.T) {
	s, master, cs := fixture(t)
	assert.ErrorIs(t, s.CheckOpen(1, testGap), ErrStaleRound)
	assert.ErrorIs(t, s.CheckOpen(0, testGap), ErrStaleRound)
	assert.NoError(t, s.CheckOpen(2, testGap))

	active, err := s.Activate(1, master, cs[:3], 5)
	require.NoError(t, err)
	// 轮换必须使用更大的轮次
	assert.ErrorIs(t, active.CheckOpen(1, testGap), ErrStaleRound)
	assert.NoError(t, active.CheckOpen(5, testGap))
}

func TestRoundGapIsBounded(t *testing.T) {
	s, master, cs := fixture(t)
	assert.NoError(t, s.CheckOpen(1+testGap, testGap))
	assert.ErrorIs(t, s.CheckOpen(2+testGap, testGap), ErrRoundTooFar)
	assert.ErrorIs(t, s.CheckOpen(math.MaxUint64, testGap), ErrRoundTooFar)

	_, err := s.OpenRound(math.MaxUint64, testGap, 3)
	assert.ErrorIs(t, err, ErrRoundTooFar)

	// 窗口随 LastOpenedRound 前移
	active, err := s.Activate(1, master, cs[:3], 5)
	require.NoError(t, err)
	moved, err := active.OpenRound(10, testGap, 6)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), moved.LastOpenedRound)
	assert.NoError(t, moved.CheckOpen(10+testGap, testGap))
	assert.ErrorIs(t, moved.CheckOpen(11+testGap, testGap), ErrRoundTooFar)
}

func TestRevokedIsTerminal(t *testing.T) {
	s, master, cs := fixture(t)
	active, err := s.Activate(1, master, cs[:3], 5)
	require.NoError(t, err)

	revoked, err := active.Revoke(9)
	require.NoError(t, err)
	assert.Equal(t, StateRevoked, revoked.State)

	assert.ErrorIs(t, revoked.CheckOpen(2, testGap), ErrInvalidTransition)
	_, err = revoked.AddLateCommitment(cs[3], 10)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = revoked.Revoke(10)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = revoked.EvolveKey([]byte("k2"), 1, 10)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// 失败的迁移不产生任何变化
	assert.Equal(t, Encode(revoked), Encode(revoked.clone()))
}

func TestEvolveKey(t *testing.T) {
	s, _, _ := fixture(t)
	next, err := s.EvolveKey([]byte("k1"), 1, 3)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), next.KeyIndex)
	assert.Equal(t, []byte("k1"), next.SubjectKey)

	_, err = next.EvolveKey([]byte("k3"), 3, 4)
	assert.ErrorIs(t, err, ErrStaleRound)
}

func TestRegistryStore(t *testing.T) {
	kv := mapKV{}
	reg := New(kv)

	_, err := reg.Get("nobody")
	assert.ErrorIs(t, err, ErrUnknownSubject)

	s, master, cs := fixture(t)
	active, err := s.Activate(1, master, cs[:3], 5)
	require.NoError(t, err)
	reg.Put(active)

	other, err := NewSubject("bob", 2, holders[:3], nil, 4)
	require.NoError(t, err)
	reg.Put(other)

	got, err := reg.Get("alice")
	require.NoError(t, err)
	assert.Equal(t, Encode(active), Encode(got))
	assert.True(t, got.Master.Equal(master))

	list, err := reg.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "alice", list[0].ID)
	assert.Equal(t, "bob", list[1].ID)

	h1, err := reg.StateHash()
	require.NoError(t, err)

	// 同样的写入顺序不同的另一个副本，摘要相同
	kv2 := mapKV{}
	reg2 := New(kv2)
	reg2.Put(other)
	reg2.Put(got)
	h2, err := reg2.StateHash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}
