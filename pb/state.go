// pb/state.go
// 落库的状态消息：subject、协商会话、审计记录、应用状态
package pb

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// CommitmentState 已接受的份额承诺
type CommitmentState struct {
	NodeId         string
	Index          uint32
	Round          uint64
	Point          []byte
	Signature      []byte
	AcceptedHeight uint64
}

// SubjectState subject 持久化形式
type SubjectState struct {
	SubjectId       []byte
	State           uint32
	Threshold       uint32
	Holders         []string
	SubjectKey      []byte
	KeyIndex        uint32
	Round           uint64 // 最近一次 Committed 的轮次
	LastOpenedRound uint64
	Master          [][]byte
	Commitments     []*CommitmentState
	CreatedHeight   uint64
	UpdatedHeight   uint64
}

// SubmissionState 会话中某节点的提交（承诺 + 声明的联合多项式）
type SubmissionState struct {
	Commitment *CommitmentState
	Master     [][]byte
}

// SessionState 协商会话持久化形式，Submissions 按 node id 排序
type SessionState struct {
	SubjectId    []byte
	Round        uint64
	Threshold    uint32
	Holders      []string
	OpenedHeight uint64
	Deadline     uint64
	Status       uint32
	Submissions  []*SubmissionState
}

// AuditRecord 审计链记录；Hash 计算时该字段置空
type AuditRecord struct {
	Seq           uint64
	PrevHash      []byte
	SubjectId     []byte
	Kind          string
	Round         uint64
	Node          string
	PayloadDigest []byte
	Outcome       uint32
	Reason        string
	Height        uint64
	Hash          []byte
}

// AppState 最新已提交高度与 app hash
type AppState struct {
	Height  uint64
	AppHash []byte
}

// Block 排序服务交付的区块
type Block struct {
	Height uint64
	Txs    [][]byte
}

// ========== 编码 ==========

func (m *CommitmentState) Marshal() []byte {
	var e encoder
	e.str(1, m.NodeId)
	e.uvarint(2, uint64(m.Index))
	e.uvarint(3, m.Round)
	e.bytes(4, m.Point)
	e.bytes(5, m.Signature)
	e.uvarint(6, m.AcceptedHeight)
	return e.b
}

func (m *SubjectState) Marshal() []byte {
	var e encoder
	e.bytes(1, m.SubjectId)
	e.uvarint(2, uint64(m.State))
	e.uvarint(3, uint64(m.Threshold))
	e.repeatedStr(4, m.Holders)
	e.bytes(5, m.SubjectKey)
	e.uvarint(6, uint64(m.KeyIndex))
	e.uvarint(7, m.Round)
	e.uvarint(8, m.LastOpenedRound)
	e.repeatedBytes(9, m.Master)
	for _, c := range m.Commitments {
		e.message(10, c.Marshal())
	}
	e.uvarint(11, m.CreatedHeight)
	e.uvarint(12, m.UpdatedHeight)
	return e.b
}

func (m *SubmissionState) Marshal() []byte {
	var e encoder
	if m.Commitment != nil {
		e.message(1, m.Commitment.Marshal())
	}
	e.repeatedBytes(2, m.Master)
	return e.b
}

func (m *SessionState) Marshal() []byte {
	var e encoder
	e.bytes(1, m.SubjectId)
	e.uvarint(2, m.Round)
	e.uvarint(3, uint64(m.Threshold))
	e.repeatedStr(4, m.Holders)
	e.uvarint(5, m.OpenedHeight)
	e.uvarint(6, m.Deadline)
	e.uvarint(7, uint64(m.Status))
	for _, s := range m.Submissions {
		e.message(8, s.Marshal())
	}
	return e.b
}

func (m *AuditRecord) Marshal() []byte {
	var e encoder
	e.uvarint(1, m.Seq)
	e.bytes(2, m.PrevHash)
	e.bytes(3, m.SubjectId)
	e.str(4, m.Kind)
	e.uvarint(5, m.Round)
	e.str(6, m.Node)
	e.bytes(7, m.PayloadDigest)
	e.uvarint(8, uint64(m.Outcome))
	e.str(9, m.Reason)
	e.uvarint(10, m.Height)
	e.bytes(11, m.Hash)
	return e.b
}

func (m *AppState) Marshal() []byte {
	var e encoder
	e.uvarint(1, m.Height)
	e.bytes(2, m.AppHash)
	return e.b
}

// ========== 解码 ==========

func varint(f field) (uint64, error) {
	if err := f.want(protowire.VarintType); err != nil {
		return 0, err
	}
	return f.u, nil
}

func UnmarshalCommitmentState(b []byte) (*CommitmentState, error) {
	m := &CommitmentState{}
	err := walk(b, func(f field) error {
		var err error
		var v uint64
		switch f.num {
		case 1:
			m.NodeId = string(f.raw)
		case 2:
			v, err = varint(f)
			m.Index = uint32(v)
		case 3:
			m.Round, err = varint(f)
		case 4:
			m.Point = f.bytesCopy()
		case 5:
			m.Signature = f.bytesCopy()
		case 6:
			m.AcceptedHeight, err = varint(f)
		default:
			err = unknown(f)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("commitment: %w", err)
	}
	return m, nil
}

func UnmarshalSubjectState(b []byte) (*SubjectState, error) {
	m := &SubjectState{}
	err := walk(b, func(f field) error {
		var err error
		var v uint64
		switch f.num {
		case 1:
			m.SubjectId = f.bytesCopy()
		case 2:
			v, err = varint(f)
			m.State = uint32(v)
		case 3:
			v, err = varint(f)
			m.Threshold = uint32(v)
		case 4:
			m.Holders = append(m.Holders, string(f.raw))
		case 5:
			m.SubjectKey = f.bytesCopy()
		case 6:
			v, err = varint(f)
			m.KeyIndex = uint32(v)
		case 7:
			m.Round, err = varint(f)
		case 8:
			m.LastOpenedRound, err = varint(f)
		case 9:
			m.Master = append(m.Master, f.bytesCopy())
		case 10:
			var c *CommitmentState
			c, err = UnmarshalCommitmentState(f.raw)
			m.Commitments = append(m.Commitments, c)
		case 11:
			m.CreatedHeight, err = varint(f)
		case 12:
			m.UpdatedHeight, err = varint(f)
		default:
			err = unknown(f)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("subject: %w", err)
	}
	return m, nil
}

func unmarshalSubmissionState(b []byte) (*SubmissionState, error) {
	m := &SubmissionState{}
	err := walk(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			m.Commitment, err = UnmarshalCommitmentState(f.raw)
		case 2:
			m.Master = append(m.Master, f.bytesCopy())
		default:
			err = unknown(f)
		}
		return err
	})
	return m, err
}

func UnmarshalSessionState(b []byte) (*SessionState, error) {
	m := &SessionState{}
	err := walk(b, func(f field) error {
		var err error
		var v uint64
		switch f.num {
		case 1:
			m.SubjectId = f.bytesCopy()
		case 2:
			m.Round, err = varint(f)
		case 3:
			v, err = varint(f)
			m.Threshold = uint32(v)
		case 4:
			m.Holders = append(m.Holders, string(f.raw))
		case 5:
			m.OpenedHeight, err = varint(f)
		case 6:
			m.Deadline, err = varint(f)
		case 7:
			v, err = varint(f)
			m.Status = uint32(v)
		case 8:
			var s *SubmissionState
			s, err = unmarshalSubmissionState(f.raw)
			m.Submissions = append(m.Submissions, s)
		default:
			err = unknown(f)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	return m, nil
}

func UnmarshalAuditRecord(b []byte) (*AuditRecord, error) {
	m := &AuditRecord{}
	err := walk(b, func(f field) error {
		var err error
		var v uint64
		switch f.num {
		case 1:
			m.Seq, err = varint(f)
		case 2:
			m.PrevHash = f.bytesCopy()
		case 3:
			m.SubjectId = f.bytesCopy()
		case 4:
			m.Kind = string(f.raw)
		case 5:
			m.Round, err = varint(f)
		case 6:
			m.Node = string(f.raw)
		case 7:
			m.PayloadDigest = f.bytesCopy()
		case 8:
			v, err = varint(f)
			m.Outcome = uint32(v)
		case 9:
			m.Reason = string(f.raw)
		case 10:
			m.Height, err = varint(f)
		case 11:
			m.Hash = f.bytesCopy()
		default:
			err = unknown(f)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("audit record: %w", err)
	}
	return m, nil
}

func UnmarshalAppState(b []byte) (*AppState, error) {
	m := &AppState{}
	err := walk(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			m.Height, err = varint(f)
		case 2:
			m.AppHash = f.bytesCopy()
		default:
			err = unknown(f)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("app state: %w", err)
	}
	return m, nil
}
