// pb/anytx.go
// 交易信封 AnyTx 及各类交易体
package pb

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// CreateSubjectTx 创建 subject，由 subject 自己的密钥签名
type CreateSubjectTx struct {
	SubjectId  []byte
	Threshold  uint32
	Holders    []string // 持有节点，位置 k 对应份额 index k+1
	SubjectKey []byte   // secp256k1 x-only 公钥
	Signature  []byte
}

// SubmitCommitmentTx 节点提交自己在某一轮协商中的份额承诺
type SubmitCommitmentTx struct {
	SubjectId  []byte
	Round      uint64
	NodeId     string
	Index      uint32
	Master     [][]byte // 声明的联合 Feldman 多项式
	Commitment []byte   // Y = x·G
	Signature  []byte   // 节点身份密钥签名
}

// RevokeSubjectTx 吊销 subject（终态）
type RevokeSubjectTx struct {
	SubjectId []byte
	Reason    string
	Signature []byte
}

// EvolveKeyTx subject 密钥演进：新密钥 index = 当前 index + 1，由当前密钥签名
type EvolveKeyTx struct {
	SubjectId []byte
	NewKey    []byte
	KeyIndex  uint32
	Signature []byte
}

// AnyTx 交易信封，Content 必须且只能是下面四种之一
type AnyTx struct {
	Content isAnyTx_Content
}

type isAnyTx_Content interface {
	isAnyTx_Content()
}

type AnyTx_CreateSubject struct {
	CreateSubject *CreateSubjectTx
}

type AnyTx_SubmitCommitment struct {
	SubmitCommitment *SubmitCommitmentTx
}

type AnyTx_RevokeSubject struct {
	RevokeSubject *RevokeSubjectTx
}

type AnyTx_EvolveKey struct {
	EvolveKey *EvolveKeyTx
}

func (*AnyTx_CreateSubject) isAnyTx_Content()    {}
func (*AnyTx_SubmitCommitment) isAnyTx_Content() {}
func (*AnyTx_RevokeSubject) isAnyTx_Content()    {}
func (*AnyTx_EvolveKey) isAnyTx_Content()        {}

func (m *AnyTx) GetContent() isAnyTx_Content {
	if m == nil {
		return nil
	}
	return m.Content
}

func (m *AnyTx) GetCreateSubject() *CreateSubjectTx {
	if c, ok := m.GetContent().(*AnyTx_CreateSubject); ok {
		return c.CreateSubject
	}
	return nil
}

func (m *AnyTx) GetSubmitCommitment() *SubmitCommitmentTx {
	if c, ok := m.GetContent().(*AnyTx_SubmitCommitment); ok {
		return c.SubmitCommitment
	}
	return nil
}

func (m *AnyTx) GetRevokeSubject() *RevokeSubjectTx {
	if c, ok := m.GetContent().(*AnyTx_RevokeSubject); ok {
		return c.RevokeSubject
	}
	return nil
}

func (m *AnyTx) GetEvolveKey() *EvolveKeyTx {
	if c, ok := m.GetContent().(*AnyTx_EvolveKey); ok {
		return c.EvolveKey
	}
	return nil
}

// ========== 编码 ==========

func (m *CreateSubjectTx) Marshal() []byte {
	var e encoder
	e.bytes(1, m.SubjectId)
	e.uvarint(2, uint64(m.Threshold))
	e.repeatedStr(3, m.Holders)
	e.bytes(4, m.SubjectKey)
	e.bytes(5, m.Signature)
	return e.b
}

func (m *SubmitCommitmentTx) Marshal() []byte {
	var e encoder
	e.bytes(1, m.SubjectId)
	e.uvarint(2, m.Round)
	e.str(3, m.NodeId)
	e.uvarint(4, uint64(m.Index))
	e.repeatedBytes(5, m.Master)
	e.bytes(6, m.Commitment)
	e.bytes(7, m.Signature)
	return e.b
}

func (m *RevokeSubjectTx) Marshal() []byte {
	var e encoder
	e.bytes(1, m.SubjectId)
	e.str(2, m.Reason)
	e.bytes(3, m.Signature)
	return e.b
}

func (m *EvolveKeyTx) Marshal() []byte {
	var e encoder
	e.bytes(1, m.SubjectId)
	e.bytes(2, m.NewKey)
	e.uvarint(3, uint64(m.KeyIndex))
	e.bytes(4, m.Signature)
	return e.b
}

// Marshal 编码信封；Content 为空时返回空字节（解码会报 ErrEmptyEnvelope）
func (m *AnyTx) Marshal() []byte {
	var e encoder
	switch c := m.GetContent().(type) {
	case *AnyTx_CreateSubject:
		e.message(1, c.CreateSubject.Marshal())
	case *AnyTx_SubmitCommitment:
		e.message(2, c.SubmitCommitment.Marshal())
	case *AnyTx_RevokeSubject:
		e.message(3, c.RevokeSubject.Marshal())
	case *AnyTx_EvolveKey:
		e.message(4, c.EvolveKey.Marshal())
	}
	return e.b
}

// ========== 解码 ==========

func (m *CreateSubjectTx) unmarshal(b []byte) error {
	return walk(b, func(f field) error {
		switch f.num {
		case 1:
			m.SubjectId = f.bytesCopy()
		case 2:
			if err := f.want(protowire.VarintType); err != nil {
				return err
			}
			m.Threshold = uint32(f.u)
		case 3:
			m.Holders = append(m.Holders, string(f.raw))
		case 4:
			m.SubjectKey = f.bytesCopy()
		case 5:
			m.Signature = f.bytesCopy()
		default:
			return unknown(f)
		}
		return nil
	})
}

func (m *SubmitCommitmentTx) unmarshal(b []byte) error {
	return walk(b, func(f field) error {
		switch f.num {
		case 1:
			m.SubjectId = f.bytesCopy()
		case 2:
			if err := f.want(protowire.VarintType); err != nil {
				return err
			}
			m.Round = f.u
		case 3:
			m.NodeId = string(f.raw)
		case 4:
			if err := f.want(protowire.VarintType); err != nil {
				return err
			}
			m.Index = uint32(f.u)
		case 5:
			m.Master = append(m.Master, f.bytesCopy())
		case 6:
			m.Commitment = f.bytesCopy()
		case 7:
			m.Signature = f.bytesCopy()
		default:
			return unknown(f)
		}
		return nil
	})
}

func (m *RevokeSubjectTx) unmarshal(b []byte) error {
	return walk(b, func(f field) error {
		switch f.num {
		case 1:
			m.SubjectId = f.bytesCopy()
		case 2:
			m.Reason = string(f.raw)
		case 3:
			m.Signature = f.bytesCopy()
		default:
			return unknown(f)
		}
		return nil
	})
}

func (m *EvolveKeyTx) unmarshal(b []byte) error {
	return walk(b, func(f field) error {
		switch f.num {
		case 1:
			m.SubjectId = f.bytesCopy()
		case 2:
			m.NewKey = f.bytesCopy()
		case 3:
			if err := f.want(protowire.VarintType); err != nil {
				return err
			}
			m.KeyIndex = uint32(f.u)
		case 4:
			m.Signature = f.bytesCopy()
		default:
			return unknown(f)
		}
		return nil
	})
}

// UnmarshalAnyTx 严格解码：未知字段、多个 content、非规范编码都会被拒绝
func UnmarshalAnyTx(b []byte) (*AnyTx, error) {
	m := &AnyTx{}
	err := walk(b, func(f field) error {
		if f.num < 1 || f.num > 4 {
			return unknown(f)
		}
		if err := f.want(protowire.BytesType); err != nil {
			return err
		}
		if m.Content != nil {
			return ErrMultipleFields
		}
		switch f.num {
		case 1:
			tx := &CreateSubjectTx{}
			if err := tx.unmarshal(f.raw); err != nil {
				return fmt.Errorf("create_subject: %w", err)
			}
			m.Content = &AnyTx_CreateSubject{CreateSubject: tx}
		case 2:
			tx := &SubmitCommitmentTx{}
			if err := tx.unmarshal(f.raw); err != nil {
				return fmt.Errorf("submit_commitment: %w", err)
			}
			m.Content = &AnyTx_SubmitCommitment{SubmitCommitment: tx}
		case 3:
			tx := &RevokeSubjectTx{}
			if err := tx.unmarshal(f.raw); err != nil {
				return fmt.Errorf("revoke_subject: %w", err)
			}
			m.Content = &AnyTx_RevokeSubject{RevokeSubject: tx}
		case 4:
			tx := &EvolveKeyTx{}
			if err := tx.unmarshal(f.raw); err != nil {
				return fmt.Errorf("evolve_key: %w", err)
			}
			m.Content = &AnyTx_EvolveKey{EvolveKey: tx}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if m.Content == nil {
		return nil, ErrEmptyEnvelope
	}
	if err := canonical(b, m); err != nil {
		return nil, err
	}
	return m, nil
}
