// Package audit 追加式哈希链审计日志。
// 每条记录的 Hash = SHA3-256(PrevHash ‖ 记录编码(Hash 置空))，
// 任何一条被篡改都会在 VerifyChain 时定位到确切的偏移。
package audit

import (
	"bytes"
	"errors"
	"fmt"

	"fedpi/pb"

	"golang.org/x/crypto/sha3"
)

// Outcome 交易或会话的处理结果
type Outcome uint32

const (
	OutcomeAccepted Outcome = iota
	OutcomeRejected
	OutcomeCommitted
	OutcomeAborted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "Accepted"
	case OutcomeRejected:
		return "Rejected"
	case OutcomeCommitted:
		return "Committed"
	case OutcomeAborted:
		return "Aborted"
	default:
		return fmt.Sprintf("Outcome(%d)", uint32(o))
	}
}

var ErrChainBroken = errors.New("audit chain broken")

// ChainBrokenError 第一处哈希不匹配的位置。
//
// Offset 是校验失败的记录。Suspect 是最早可能被改写的记录：
// 记录 k 被改写并重算了自身哈希时，k 本身仍能通过校验，
// 不一致要到 k+1 的 PrevHash 才暴露，此时 Offset=k+1，Suspect=k。
type ChainBrokenError struct {
	Offset  uint64
	Suspect uint64
	Reason  string
}

func (e *ChainBrokenError) Error() string {
	if e.Suspect != e.Offset {
		return fmt.Sprintf("audit chain broken at offset %d (suspect %d): %s", e.Offset, e.Suspect, e.Reason)
	}
	return fmt.Sprintf("audit chain broken at offset %d: %s", e.Offset, e.Reason)
}

func (e *ChainBrokenError) Unwrap() error {
	return ErrChainBroken
}

// Record 一条审计记录。追加后不再修改或删除。
type Record struct {
	Seq           uint64
	PrevHash      []byte
	SubjectID     string
	Kind          string
	Round         uint64
	Node          string
	PayloadDigest []byte
	Outcome       Outcome
	Reason        string
	Height        uint64
	Hash          []byte
}

func (r Record) toPB() *pb.AuditRecord {
	return &pb.AuditRecord{
		Seq:           r.Seq,
		PrevHash:      r.PrevHash,
		SubjectId:     []byte(r.SubjectID),
		Kind:          r.Kind,
		Round:         r.Round,
		Node:          r.Node,
		PayloadDigest: r.PayloadDigest,
		Outcome:       uint32(r.Outcome),
		Reason:        r.Reason,
		Height:        r.Height,
		Hash:          r.Hash,
	}
}

func fromPB(m *pb.AuditRecord) Record {
	return Record{
		Seq:           m.Seq,
		PrevHash:      m.PrevHash,
		SubjectID:     string(m.SubjectId),
		Kind:          m.Kind,
		Round:         m.Round,
		Node:          m.Node,
		PayloadDigest: m.PayloadDigest,
		Outcome:       Outcome(m.Outcome),
		Reason:        m.Reason,
		Height:        m.Height,
		Hash:          m.Hash,
	}
}

// Encode 记录的确定性编码
func Encode(r Record) []byte {
	return r.toPB().Marshal()
}

// Decode Encode 的逆操作
func Decode(raw []byte) (Record, error) {
	m, err := pb.UnmarshalAuditRecord(raw)
	if err != nil {
		return Record{}, err
	}
	return fromPB(m), nil
}

// ComputeHash H(prev ‖ encode(record with empty hash))
func ComputeHash(r Record) []byte {
	r.Hash = nil
	h := sha3.New256()
	h.Write(r.PrevHash)
	h.Write(Encode(r))
	return h.Sum(nil)
}

// check 校验单条记录在链上 seq 位置的一致性
func check(r Record, seq uint64, prev []byte) error {
	if r.Seq != seq {
		return &ChainBrokenError{Offset: seq, Suspect: seq, Reason: fmt.Sprintf("record carries seq %d", r.Seq)}
	}
	if !bytes.Equal(r.PrevHash, prev) {
		// seq 为 0 时 prev 恒为 nil，只可能是 seq 自身被改
		suspect := seq
		if seq > 0 {
			suspect = seq - 1
		}
		return &ChainBrokenError{Offset: seq, Suspect: suspect, Reason: "prev hash mismatch"}
	}
	if !bytes.Equal(r.Hash, ComputeHash(r)) {
		return &ChainBrokenError{Offset: seq, Suspect: seq, Reason: "hash mismatch"}
	}
	return nil
}
