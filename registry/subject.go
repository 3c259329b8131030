// Package registry 维护每个 subject 的生命周期：
//
//	Pending --(t 个承诺被接受)--> Active --(RevokeTx)--> Revoked
//
// Subject 上的迁移方法都返回新值，不修改接收者，
// 调用方（VM 回放循环）决定何时把新值写回状态。
package registry

import (
	"errors"
	"fmt"
	"sort"

	"fedpi/crypto/shares"

	"go.dedis.ch/kyber/v3"
)

var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrStaleRound        = errors.New("stale round")
	ErrUnknownSubject    = errors.New("unknown subject")
	ErrDuplicateNode     = errors.New("duplicate node in round")
	ErrNotHolder         = errors.New("node is not a holder of this subject")
	ErrInvalidCommitment = errors.New("commitment does not verify against master polynomial")
	ErrInvalidSubject    = errors.New("invalid subject parameters")
	ErrRoundTooFar       = errors.New("round too far ahead of last opened round")
)

// State subject 生命周期状态
type State uint32

const (
	StatePending State = iota
	StateActive
	StateRevoked
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateActive:
		return "Active"
	case StateRevoked:
		return "Revoked"
	default:
		return fmt.Sprintf("State(%d)", uint32(s))
	}
}

// ShareCommitment 某节点对自己份额的承诺 Y = x·G（不含份额本身），接受后不可变
type ShareCommitment struct {
	NodeID         string
	Index          uint32
	Round          uint64
	Point          kyber.Point
	Signature      []byte
	AcceptedHeight uint64
}

// Commitment 转成 shares 包的承诺类型，用于校验
func (c ShareCommitment) Commitment() shares.Commitment {
	return shares.Commitment{Index: c.Index, Point: c.Point}
}

// Subject SS-ID 主体。Holders[k] 持有 index 为 k+1 的份额。
type Subject struct {
	ID              string
	State           State
	Threshold       uint32
	Holders         []string
	SubjectKey      []byte // secp256k1 x-only，签 create/revoke/evolve
	KeyIndex        uint32
	Round           uint64 // 最近一次 Committed 的轮次，0 表示从未提交
	LastOpenedRound uint64
	Master          *shares.PublicPolynomial // Pending 时为 nil
	Commitments     []ShareCommitment        // 按 Index 升序
	CreatedHeight   uint64
	UpdatedHeight   uint64
}

// NewSubject CreateSubject 迁移：校验参数并返回 Pending 状态的 subject
func NewSubject(id string, t uint32, holders []string, subjectKey []byte, height uint64) (Subject, error) {
	if id == "" {
		return Subject{}, fmt.Errorf("%w: empty subject id", ErrInvalidSubject)
	}
	n := uint32(len(holders))
	if t < 1 || t > n {
		return Subject{}, fmt.Errorf("%w: t=%d n=%d", shares.ErrInvalidThreshold, t, n)
	}
	seen := make(map[string]struct{}, n)
	for _, h := range holders {
		if h == "" {
			return Subject{}, fmt.Errorf("%w: empty holder id", ErrInvalidSubject)
		}
		if _, ok := seen[h]; ok {
			return Subject{}, fmt.Errorf("%w: holder %s listed twice", ErrDuplicateNode, h)
		}
		seen[h] = struct{}{}
	}
	return Subject{
		ID:            id,
		State:         StatePending,
		Threshold:     t,
		Holders:       append([]string(nil), holders...),
		SubjectKey:    append([]byte(nil), subjectKey...),
		CreatedHeight: height,
		UpdatedHeight: height,
	}, nil
}

// N 持有节点数
func (s Subject) N() uint32 {
	return uint32(len(s.Holders))
}

// HolderIndex 节点的份额 index（从 1 开始）
func (s Subject) HolderIndex(node string) (uint32, bool) {
	for i, h := range s.Holders {
		if h == node {
			return uint32(i + 1), true
		}
	}
	return 0, false
}

// MasterPublicKey 主公钥，Pending 时为 nil
func (s Subject) MasterPublicKey() kyber.Point {
	if s.Master == nil {
		return nil
	}
	return s.Master.Public()
}

// HasCommitment 当前轮次是否已记录该节点的承诺
func (s Subject) HasCommitment(node string) bool {
	for _, c := range s.Commitments {
		if c.NodeID == node {
			return true
		}
	}
	return false
}

// CheckOpen 能否为该 subject 开启 round 轮协商。
// round 必须落在 (LastOpenedRound, LastOpenedRound+maxGap] 内，
// 单个持有者无法用一个极大的轮次号把后续轮次全部堵死。
func (s Subject) CheckOpen(round, maxGap uint64) error {
	if s.State == StateRevoked {
		return fmt.Errorf("%w: subject %x is revoked", ErrInvalidTransition, s.ID)
	}
	if round == 0 || round <= s.LastOpenedRound {
		return fmt.Errorf("%w: round %d, last opened %d", ErrStaleRound, round, s.LastOpenedRound)
	}
	if round-s.LastOpenedRound > maxGap {
		return fmt.Errorf("%w: round %d, last opened %d, max gap %d", ErrRoundTooFar, round, s.LastOpenedRound, maxGap)
	}
	return nil
}

// OpenRound 记录新开启的轮次
func (s Subject) OpenRound(round, maxGap, height uint64) (Subject, error) {
	if err := s.CheckOpen(round, maxGap); err != nil {
		return s, err
	}
	next := s.clone()
	next.LastOpenedRound = round
	next.UpdatedHeight = height
	return next, nil
}

// CheckCommitment 校验承诺的节点、index、轮次与签名之外的密码学一致性
func (s Subject) CheckCommitment(c ShareCommitment, master *shares.PublicPolynomial) error {
	idx, ok := s.HolderIndex(c.NodeID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotHolder, c.NodeID)
	}
	if idx != c.Index {
		return fmt.Errorf("%w: %s holds index %d, commitment claims %d", ErrNotHolder, c.NodeID, idx, c.Index)
	}
	if master == nil || master.Threshold() != s.Threshold {
		return fmt.Errorf("%w: master polynomial must have %d coefficients", ErrInvalidCommitment, s.Threshold)
	}
	if !shares.VerifyCommitment(c.Commitment(), c.Index, master) {
		return fmt.Errorf("%w: node %s index %d", ErrInvalidCommitment, c.NodeID, c.Index)
	}
	return nil
}

// Activate 协商提交：Pending 首次激活，或 Active 的密钥轮换
func (s Subject) Activate(round uint64, master *shares.PublicPolynomial, commitments []ShareCommitment, height uint64) (Subject, error) {
	if s.State == StateRevoked {
		return s, fmt.Errorf("%w: subject %x is revoked", ErrInvalidTransition, s.ID)
	}
	if round <= s.Round || round != s.LastOpenedRound {
		return s, fmt.Errorf("%w: activate round %d (committed %d, opened %d)", ErrStaleRound, round, s.Round, s.LastOpenedRound)
	}
	if uint32(len(commitments)) < s.Threshold {
		return s, fmt.Errorf("%w: %d commitments, need %d", shares.ErrInsufficientShares, len(commitments), s.Threshold)
	}
	seen := make(map[string]struct{}, len(commitments))
	for _, c := range commitments {
		if _, ok := seen[c.NodeID]; ok {
			return s, fmt.Errorf("%w: %s", ErrDuplicateNode, c.NodeID)
		}
		seen[c.NodeID] = struct{}{}
		if c.Round != round {
			return s, fmt.Errorf("%w: commitment from %s is for round %d", ErrStaleRound, c.NodeID, c.Round)
		}
		if err := s.CheckCommitment(c, master); err != nil {
			return s, err
		}
	}

	next := s.clone()
	next.State = StateActive
	next.Round = round
	next.Master = master
	next.Commitments = append([]ShareCommitment(nil), commitments...)
	sortCommitments(next.Commitments)
	next.UpdatedHeight = height
	return next, nil
}

// AddLateCommitment 已提交轮次里晚到的有效承诺（来自尚未记录的持有者），最多到 n 个
func (s Subject) AddLateCommitment(c ShareCommitment, height uint64) (Subject, error) {
	if s.State != StateActive {
		return s, fmt.Errorf("%w: late commitment on %s subject", ErrInvalidTransition, s.State)
	}
	if c.Round != s.Round {
		return s, fmt.Errorf("%w: late commitment for round %d, committed round is %d", ErrStaleRound, c.Round, s.Round)
	}
	if s.HasCommitment(c.NodeID) {
		return s, fmt.Errorf("%w: %s", ErrDuplicateNode, c.NodeID)
	}
	if uint32(len(s.Commitments)) >= s.N() {
		return s, fmt.Errorf("%w: all %d holders already committed", ErrInvalidTransition, s.N())
	}
	if err := s.CheckCommitment(c, s.Master); err != nil {
		return s, err
	}

	next := s.clone()
	next.Commitments = append(next.Commitments, c)
	sortCommitments(next.Commitments)
	next.UpdatedHeight = height
	return next, nil
}

// Revoke 吊销（终态）。Pending 的 subject 也可以被放弃吊销。
func (s Subject) Revoke(height uint64) (Subject, error) {
	if s.State == StateRevoked {
		return s, fmt.Errorf("%w: subject %x already revoked", ErrInvalidTransition, s.ID)
	}
	next := s.clone()
	next.State = StateRevoked
	next.UpdatedHeight = height
	return next, nil
}

// EvolveKey 替换 subject 密钥，index 必须恰好加一
func (s Subject) EvolveKey(newKey []byte, index uint32, height uint64) (Subject, error) {
	if s.State == StateRevoked {
		return s, fmt.Errorf("%w: subject %x is revoked", ErrInvalidTransition, s.ID)
	}
	if index != s.KeyIndex+1 {
		return s, fmt.Errorf("%w: key index %d, expected %d", ErrStaleRound, index, s.KeyIndex+1)
	}
	next := s.clone()
	next.SubjectKey = append([]byte(nil), newKey...)
	next.KeyIndex = index
	next.UpdatedHeight = height
	return next, nil
}

func (s Subject) clone() Subject {
	next := s
	next.Holders = append([]string(nil), s.Holders...)
	next.SubjectKey = append([]byte(nil), s.SubjectKey...)
	next.Commitments = append([]ShareCommitment(nil), s.Commitments...)
	return next
}

func sortCommitments(cs []ShareCommitment) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].Index < cs[j].Index })
}
