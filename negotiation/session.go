// Package negotiation 主密钥协商：每个 (subject, round) 一个会话，
//
//	Collecting --(截止前收到 ≥t 个有效且一致的承诺)--> Committed
//	Collecting --(截止高度已过, <t)--> Aborted
//
// 会话只在 Collecting 期间存在于状态中，结束后由执行器归档进审计链。
package negotiation

import (
	"errors"
	"fmt"
	"sort"

	"fedpi/config"
	"fedpi/crypto/shares"
	"fedpi/pb"
	"fedpi/registry"

	"github.com/RoaringBitmap/roaring"
)

var (
	ErrNegotiationTimeout = errors.New("negotiation timeout")
	ErrSessionClosed      = errors.New("negotiation session is not collecting")
)

// Status 会话状态
type Status uint32

const (
	StatusCollecting Status = iota
	StatusCommitted
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusCollecting:
		return "Collecting"
	case StatusCommitted:
		return "Committed"
	case StatusAborted:
		return "Aborted"
	default:
		return fmt.Sprintf("Status(%d)", uint32(s))
	}
}

// Submission 节点在本轮的提交：份额承诺 + 它声明的联合 Feldman 多项式
type Submission struct {
	Commitment registry.ShareCommitment
	Master     *shares.PublicPolynomial
}

// Outcome Submit 的结果。Committed 为 true 时给出胜出的多项式与承诺集合。
type Outcome struct {
	Committed   bool
	Master      *shares.PublicPolynomial
	Commitments []registry.ShareCommitment
}

// Session 一轮协商
type Session struct {
	SubjectID    string
	Round        uint64
	Threshold    uint32
	Holders      []string
	OpenedHeight uint64
	Deadline     uint64 // 高度超过 Deadline 即超时
	Status       Status

	submissions map[string]Submission
	// 按声明多项式的摘要分组，每组记录已接受的份额 index
	groups map[[32]byte]*roaring.Bitmap
}

// Open 为 subject 开启 round 轮协商，截止高度 = height + cfg.DeadlineBlocks。
// subject 是开启之前的状态，调用方随后用 OpenRound 记录轮次。
func Open(subject registry.Subject, round, height uint64, cfg config.NegotiationConfig) (*Session, error) {
	if err := subject.CheckOpen(round, cfg.MaxRoundGap); err != nil {
		return nil, err
	}
	return &Session{
		SubjectID:    subject.ID,
		Round:        round,
		Threshold:    subject.Threshold,
		Holders:      append([]string(nil), subject.Holders...),
		OpenedHeight: height,
		Deadline:     height + cfg.DeadlineBlocks,
		Status:       StatusCollecting,
		submissions:  make(map[string]Submission),
		groups:       make(map[[32]byte]*roaring.Bitmap),
	}, nil
}

func (s *Session) holderIndex(node string) (uint32, bool) {
	for i, h := range s.Holders {
		if h == node {
			return uint32(i + 1), true
		}
	}
	return 0, false
}

// Len 已接受的提交数
func (s *Session) Len() int {
	return len(s.submissions)
}

// Nodes 已提交的节点，按 id 排序
func (s *Session) Nodes() []string {
	out := make([]string, 0, len(s.submissions))
	for n := range s.submissions {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Validate 不修改会话，只检查一份提交能否被计入
func (s *Session) Validate(sub Submission, height uint64) error {
	if s.Status != StatusCollecting {
		return fmt.Errorf("%w: %s", ErrSessionClosed, s.Status)
	}
	if height > s.Deadline {
		return fmt.Errorf("%w: height %d past deadline %d", ErrNegotiationTimeout, height, s.Deadline)
	}
	c := sub.Commitment
	if c.Round != s.Round {
		return fmt.Errorf("%w: commitment for round %d, session is round %d", registry.ErrStaleRound, c.Round, s.Round)
	}
	idx, ok := s.holderIndex(c.NodeID)
	if !ok || idx != c.Index {
		return fmt.Errorf("%w: %s with index %d", registry.ErrNotHolder, c.NodeID, c.Index)
	}
	if _, dup := s.submissions[c.NodeID]; dup {
		return fmt.Errorf("%w: %s already submitted in round %d", registry.ErrDuplicateNode, c.NodeID, s.Round)
	}
	if sub.Master == nil || sub.Master.Threshold() != s.Threshold {
		return fmt.Errorf("%w: master polynomial must have %d coefficients", registry.ErrInvalidCommitment, s.Threshold)
	}
	if !shares.VerifyCommitment(c.Commitment(), c.Index, sub.Master) {
		return fmt.Errorf("%w: node %s index %d", registry.ErrInvalidCommitment, c.NodeID, c.Index)
	}
	return nil
}

// Submit 计入一份提交。无效或重复的提交返回带原因的错误，会话保持 Collecting。
// 第一组（声明同一多项式）达到 t 个的提交使会话进入 Committed。
func (s *Session) Submit(sub Submission, height uint64) (Outcome, error) {
	if err := s.Validate(sub, height); err != nil {
		return Outcome{}, err
	}

	c := sub.Commitment
	c.AcceptedHeight = height
	sub.Commitment = c
	s.submissions[c.NodeID] = sub

	digest := sub.Master.Digest()
	group, ok := s.groups[digest]
	if !ok {
		group = roaring.New()
		s.groups[digest] = group
	}
	group.Add(c.Index)

	if group.GetCardinality() < uint64(s.Threshold) {
		return Outcome{}, nil
	}

	s.Status = StatusCommitted
	return Outcome{
		Committed:   true,
		Master:      sub.Master,
		Commitments: s.groupCommitments(digest),
	}, nil
}

func (s *Session) groupCommitments(digest [32]byte) []registry.ShareCommitment {
	group := s.groups[digest]
	out := make([]registry.ShareCommitment, 0, group.GetCardinality())
	for _, sub := range s.submissions {
		if sub.Master.Digest() == digest {
			out = append(out, sub.Commitment)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Expire 高度超过截止高度且仍在 Collecting 时转为 Aborted
func (s *Session) Expire(height uint64) bool {
	if s.Status != StatusCollecting || height <= s.Deadline {
		return false
	}
	s.Status = StatusAborted
	return true
}

// ========== 持久化 ==========

// ToState 会话的确定性编码形式，提交按节点 id 排序
func (s *Session) ToState() *pb.SessionState {
	m := &pb.SessionState{
		SubjectId:    []byte(s.SubjectID),
		Round:        s.Round,
		Threshold:    s.Threshold,
		Holders:      s.Holders,
		OpenedHeight: s.OpenedHeight,
		Deadline:     s.Deadline,
		Status:       uint32(s.Status),
	}
	for _, node := range s.Nodes() {
		sub := s.submissions[node]
		m.Submissions = append(m.Submissions, &pb.SubmissionState{
			Commitment: registry.EncodeCommitment(sub.Commitment),
			Master:     sub.Master.Marshal(),
		})
	}
	return m
}

// Encode 会话字节
func (s *Session) Encode() []byte {
	return s.ToState().Marshal()
}

// Decode 恢复会话并重建分组
func Decode(raw []byte) (*Session, error) {
	m, err := pb.UnmarshalSessionState(raw)
	if err != nil {
		return nil, err
	}
	s := &Session{
		SubjectID:    string(m.SubjectId),
		Round:        m.Round,
		Threshold:    m.Threshold,
		Holders:      m.Holders,
		OpenedHeight: m.OpenedHeight,
		Deadline:     m.Deadline,
		Status:       Status(m.Status),
		submissions:  make(map[string]Submission, len(m.Submissions)),
		groups:       make(map[[32]byte]*roaring.Bitmap),
	}
	for _, sm := range m.Submissions {
		if sm.Commitment == nil {
			return nil, fmt.Errorf("session %x: submission without commitment", s.SubjectID)
		}
		c, err := registry.DecodeCommitment(sm.Commitment)
		if err != nil {
			return nil, err
		}
		master, err := shares.UnmarshalPublicPolynomial(sm.Master)
		if err != nil {
			return nil, err
		}
		s.submissions[c.NodeID] = Submission{Commitment: c, Master: master}
		digest := master.Digest()
		group, ok := s.groups[digest]
		if !ok {
			group = roaring.New()
			s.groups[digest] = group
		}
		group.Add(c.Index)
	}
	return s, nil
}
