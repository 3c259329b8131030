package vm

import (
	"context"
	"fmt"

	"fedpi/crypto/identity"
	"fedpi/negotiation"
	"fedpi/pb"
	"fedpi/registry"

	"golang.org/x/sync/errgroup"
)

// VerifyStateless 不依赖链上状态的签名检查：
//   - create_subject 由交易里声明的 subject 密钥签名
//   - submit_commitment 由节点的身份密钥签名（名册中查找）
//
// revoke/evolve 需要当前 subject 密钥，在 handler 里顺序校验。
func VerifyStateless(tx *pb.AnyTx, roster *negotiation.Roster) error {
	if tx == nil {
		return ErrNilTx
	}
	switch c := tx.GetContent().(type) {
	case *pb.AnyTx_CreateSubject:
		return identity.Verify(c.CreateSubject.SubjectKey, c.CreateSubject.SigningDigest(), c.CreateSubject.Signature)
	case *pb.AnyTx_SubmitCommitment:
		key, ok := roster.IdentityKey(c.SubmitCommitment.NodeId)
		if !ok {
			return fmt.Errorf("%w: %s is not a federation member", registry.ErrNotHolder, c.SubmitCommitment.NodeId)
		}
		return identity.Verify(key, c.SubmitCommitment.SigningDigest(), c.SubmitCommitment.Signature)
	case *pb.AnyTx_RevokeSubject, *pb.AnyTx_EvolveKey:
		return nil
	default:
		return fmt.Errorf("%w: %T", ErrUnknownKind, c)
	}
}

// VerifyWithSubject 需要 subject 当前密钥的签名检查
func VerifyWithSubject(tx *pb.AnyTx, subject registry.Subject) error {
	switch c := tx.GetContent().(type) {
	case *pb.AnyTx_RevokeSubject:
		return identity.Verify(subject.SubjectKey, c.RevokeSubject.SigningDigest(), c.RevokeSubject.Signature)
	case *pb.AnyTx_EvolveKey:
		return identity.Verify(subject.SubjectKey, c.EvolveKey.SigningDigest(), c.EvolveKey.Signature)
	default:
		return nil
	}
}

// verifyBlock 并行校验区块内全部交易的签名，结果按交易位置存放
func verifyBlock(txs []*pb.AnyTx, roster *negotiation.Roster, workers int) []error {
	results := make([]error, len(txs))
	g, _ := errgroup.WithContext(context.Background())
	if workers > 0 {
		g.SetLimit(workers)
	}
	for i, tx := range txs {
		if tx == nil {
			continue
		}
		g.Go(func() error {
			results[i] = VerifyStateless(tx, roster)
			return nil
		})
	}
	_ = g.Wait()
	return results
}
