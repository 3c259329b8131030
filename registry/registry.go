package registry

import (
	"fmt"
	"sort"

	"fedpi/crypto/shares"
	"fedpi/keys"
	"fedpi/pb"

	"golang.org/x/crypto/sha3"
)

// KV Registry 需要的最小存储视图。VM 里由 StateView 提供，
// 所以同一区块内的写入可以随交易一起回滚。
type KV interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, val []byte)
	Scan(prefix string) (map[string][]byte, error)
}

// Registry subject 的读写入口
type Registry struct {
	kv KV
}

func New(kv KV) *Registry {
	return &Registry{kv: kv}
}

// Get 读取 subject，不存在时返回 ErrUnknownSubject
func (r *Registry) Get(id string) (Subject, error) {
	raw, ok, err := r.kv.Get(keys.KeySubject(id))
	if err != nil {
		return Subject{}, err
	}
	if !ok {
		return Subject{}, fmt.Errorf("%w: %x", ErrUnknownSubject, id)
	}
	return Decode(raw)
}

// Exists subject 是否已创建
func (r *Registry) Exists(id string) (bool, error) {
	_, ok, err := r.kv.Get(keys.KeySubject(id))
	return ok, err
}

// Put 写回 subject
func (r *Registry) Put(s Subject) {
	r.kv.Set(keys.KeySubject(s.ID), Encode(s))
}

// List 所有 subject，按 id 排序
func (r *Registry) List() ([]Subject, error) {
	m, err := r.kv.Scan(keys.KeySubjectPrefix())
	if err != nil {
		return nil, err
	}
	ks := sortedKeys(m)
	out := make([]Subject, 0, len(ks))
	for _, k := range ks {
		s, err := Decode(m[k])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// StateHash 全部 subject 编码的摘要，两个副本回放同一序列后必须相同
func (r *Registry) StateHash() ([32]byte, error) {
	var d [32]byte
	m, err := r.kv.Scan(keys.KeySubjectPrefix())
	if err != nil {
		return d, err
	}
	h := sha3.New256()
	for _, k := range sortedKeys(m) {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write(m[k])
	}
	copy(d[:], h.Sum(nil))
	return d, nil
}

func sortedKeys(m map[string][]byte) []string {
	ks := make([]string, 0, len(m))
	for k := range m {
		ks = append(ks, k)
	}
	sort.Strings(ks)
	return ks
}

// ========== 编解码 ==========

// EncodeCommitment 承诺的持久化形式
func EncodeCommitment(c ShareCommitment) *pb.CommitmentState {
	return &pb.CommitmentState{
		NodeId:         c.NodeID,
		Index:          c.Index,
		Round:          c.Round,
		Point:          shares.MarshalPoint(c.Point),
		Signature:      c.Signature,
		AcceptedHeight: c.AcceptedHeight,
	}
}

// DecodeCommitment EncodeCommitment 的逆操作
func DecodeCommitment(m *pb.CommitmentState) (ShareCommitment, error) {
	pt, err := shares.UnmarshalPoint(m.Point)
	if err != nil {
		return ShareCommitment{}, fmt.Errorf("commitment of %s: %w", m.NodeId, err)
	}
	return ShareCommitment{
		NodeID:         m.NodeId,
		Index:          m.Index,
		Round:          m.Round,
		Point:          pt,
		Signature:      m.Signature,
		AcceptedHeight: m.AcceptedHeight,
	}, nil
}

// Encode subject 的确定性编码
func Encode(s Subject) []byte {
	m := &pb.SubjectState{
		SubjectId:       []byte(s.ID),
		State:           uint32(s.State),
		Threshold:       s.Threshold,
		Holders:         s.Holders,
		SubjectKey:      s.SubjectKey,
		KeyIndex:        s.KeyIndex,
		Round:           s.Round,
		LastOpenedRound: s.LastOpenedRound,
		CreatedHeight:   s.CreatedHeight,
		UpdatedHeight:   s.UpdatedHeight,
	}
	if s.Master != nil {
		m.Master = s.Master.Marshal()
	}
	for _, c := range s.Commitments {
		m.Commitments = append(m.Commitments, EncodeCommitment(c))
	}
	return m.Marshal()
}

// Decode Encode 的逆操作
func Decode(raw []byte) (Subject, error) {
	m, err := pb.UnmarshalSubjectState(raw)
	if err != nil {
		return Subject{}, err
	}
	s := Subject{
		ID:              string(m.SubjectId),
		State:           State(m.State),
		Threshold:       m.Threshold,
		Holders:         m.Holders,
		SubjectKey:      m.SubjectKey,
		KeyIndex:        m.KeyIndex,
		Round:           m.Round,
		LastOpenedRound: m.LastOpenedRound,
		CreatedHeight:   m.CreatedHeight,
		UpdatedHeight:   m.UpdatedHeight,
	}
	if len(m.Master) > 0 {
		if s.Master, err = shares.UnmarshalPublicPolynomial(m.Master); err != nil {
			return Subject{}, err
		}
	}
	for _, cm := range m.Commitments {
		c, err := DecodeCommitment(cm)
		if err != nil {
			return Subject{}, err
		}
		s.Commitments = append(s.Commitments, c)
	}
	return s, nil
}
