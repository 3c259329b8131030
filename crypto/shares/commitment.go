package shares

import "go.dedis.ch/kyber/v3"

// Commitment 份额承诺 Y = v·G，不泄露 v
type Commitment struct {
	Index uint32
	Point kyber.Point
}

// Commit 计算份额承诺
func Commit(s Share) Commitment {
	return Commitment{Index: s.Index, Point: MulBase(s.Value)}
}

// VerifyCommitment 检查 Y == Σ A_k·index^k，无需知道份额本身
func VerifyCommitment(c Commitment, index uint32, master *PublicPolynomial) bool {
	if master == nil || c.Point == nil || index == 0 || c.Index != index {
		return false
	}
	if master.Threshold() == 0 {
		return false
	}
	return master.Eval(index).Equal(c.Point)
}
