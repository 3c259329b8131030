// pb/anytx_ext.go
package pb

import (
	"encoding/binary"
	"fmt"

	"fedpi/crypto/identity"

	"golang.org/x/crypto/sha3"
)

// 交易种类，VM 按这些字符串路由到对应 handler
const (
	KindCreateSubject    = "create_subject"
	KindSubmitCommitment = "submit_commitment"
	KindRevokeSubject    = "revoke_subject"
	KindEvolveKey        = "evolve_key"
)

// Kinds 全部交易种类
func Kinds() []string {
	return []string{KindCreateSubject, KindSubmitCommitment, KindRevokeSubject, KindEvolveKey}
}

// Kind 交易种类，Content 为空时返回 ""
func (m *AnyTx) Kind() string {
	switch m.GetContent().(type) {
	case *AnyTx_CreateSubject:
		return KindCreateSubject
	case *AnyTx_SubmitCommitment:
		return KindSubmitCommitment
	case *AnyTx_RevokeSubject:
		return KindRevokeSubject
	case *AnyTx_EvolveKey:
		return KindEvolveKey
	default:
		return ""
	}
}

// SubjectID 交易涉及的 subject
func (m *AnyTx) SubjectID() string {
	switch c := m.GetContent().(type) {
	case *AnyTx_CreateSubject:
		return string(c.CreateSubject.SubjectId)
	case *AnyTx_SubmitCommitment:
		return string(c.SubmitCommitment.SubjectId)
	case *AnyTx_RevokeSubject:
		return string(c.RevokeSubject.SubjectId)
	case *AnyTx_EvolveKey:
		return string(c.EvolveKey.SubjectId)
	default:
		return ""
	}
}

// IdempotencyKey (subject, round, node)。非承诺类交易用固定的伪 round/node 占位。
func (m *AnyTx) IdempotencyKey() (subject string, round uint64, node string) {
	switch c := m.GetContent().(type) {
	case *AnyTx_CreateSubject:
		return string(c.CreateSubject.SubjectId), 0, "#create"
	case *AnyTx_SubmitCommitment:
		tx := c.SubmitCommitment
		return string(tx.SubjectId), tx.Round, tx.NodeId
	case *AnyTx_RevokeSubject:
		return string(c.RevokeSubject.SubjectId), 0, "#revoke"
	case *AnyTx_EvolveKey:
		tx := c.EvolveKey
		return string(tx.SubjectId), uint64(tx.KeyIndex), "#evolve"
	default:
		return "", 0, ""
	}
}

// IdempotencyString 幂等键的字符串形式（日志、LRU 用）
func (m *AnyTx) IdempotencyString() string {
	s, r, n := m.IdempotencyKey()
	return fmt.Sprintf("%x/%d/%s", s, r, n)
}

// Digest 交易字节的 SHA3-256 摘要
func Digest(raw []byte) []byte {
	d := sha3.Sum256(raw)
	return d[:]
}

func be32(v uint32) []byte { return binary.BigEndian.AppendUint32(nil, v) }
func be64(v uint64) []byte { return binary.BigEndian.AppendUint64(nil, v) }

// SigningDigest 签名覆盖除 Signature 外的全部字段
func (m *CreateSubjectTx) SigningDigest() []byte {
	parts := [][]byte{m.SubjectId, be32(m.Threshold), be32(uint32(len(m.Holders)))}
	for _, h := range m.Holders {
		parts = append(parts, []byte(h))
	}
	parts = append(parts, m.SubjectKey)
	return identity.Digest(identity.TagCreateSubject, parts...)
}

func (m *SubmitCommitmentTx) SigningDigest() []byte {
	parts := [][]byte{m.SubjectId, be64(m.Round), []byte(m.NodeId), be32(m.Index), be32(uint32(len(m.Master)))}
	parts = append(parts, m.Master...)
	parts = append(parts, m.Commitment)
	return identity.Digest(identity.TagSubmitCommitment, parts...)
}

func (m *RevokeSubjectTx) SigningDigest() []byte {
	return identity.Digest(identity.TagRevokeSubject, m.SubjectId, []byte(m.Reason))
}

func (m *EvolveKeyTx) SigningDigest() []byte {
	return identity.Digest(identity.TagEvolveKey, m.SubjectId, m.NewKey, be32(m.KeyIndex))
}

// Wrap 系列：把交易体装进信封
func WrapCreateSubject(tx *CreateSubjectTx) *AnyTx {
	return &AnyTx{Content: &AnyTx_CreateSubject{CreateSubject: tx}}
}

func WrapSubmitCommitment(tx *SubmitCommitmentTx) *AnyTx {
	return &AnyTx{Content: &AnyTx_SubmitCommitment{SubmitCommitment: tx}}
}

func WrapRevokeSubject(tx *RevokeSubjectTx) *AnyTx {
	return &AnyTx{Content: &AnyTx_RevokeSubject{RevokeSubject: tx}}
}

func WrapEvolveKey(tx *EvolveKeyTx) *AnyTx {
	return &AnyTx{Content: &AnyTx_EvolveKey{EvolveKey: tx}}
}
