package shares

import (
	"fmt"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/share"
	"golang.org/x/crypto/sha3"
)

// Share 某个持有者的秘密份额 f(Index)，Index 从 1 开始
type Share struct {
	Index uint32
	Value kyber.Scalar
}

// SplitSecret 构造 t-1 阶随机多项式（常数项为 secret），在 1..n 处求值。
// 同时返回 Feldman 承诺多项式，其常数项就是 secret·G。
func SplitSecret(secret kyber.Scalar, t, n uint32) ([]Share, *PublicPolynomial, error) {
	if t < 1 || t > n {
		return nil, nil, fmt.Errorf("%w: t=%d n=%d", ErrInvalidThreshold, t, n)
	}
	if secret == nil {
		return nil, nil, fmt.Errorf("shares: nil secret")
	}

	pri := share.NewPriPoly(suite, int(t), secret, suite.RandomStream())
	priShares := pri.Shares(int(n))

	out := make([]Share, n)
	for i, ps := range priShares {
		// kyber 的 PriShare.I 从 0 开始，对应 x = I+1
		out[i] = Share{Index: uint32(ps.I + 1), Value: ps.V}
	}
	_, commits := pri.Commit(nil).Info()
	return out, NewPublicPolynomial(commits), nil
}

// PublicPolynomial Feldman 承诺 [a_0·G, a_1·G, ..., a_(t-1)·G]
type PublicPolynomial struct {
	commits []kyber.Point
}

// NewPublicPolynomial 拷贝传入的承诺点
func NewPublicPolynomial(commits []kyber.Point) *PublicPolynomial {
	cs := make([]kyber.Point, len(commits))
	for i, c := range commits {
		cs[i] = c.Clone()
	}
	return &PublicPolynomial{commits: cs}
}

// Threshold 多项式系数个数 t
func (p *PublicPolynomial) Threshold() uint32 {
	return uint32(len(p.commits))
}

// Public 常数项承诺，即主公钥
func (p *PublicPolynomial) Public() kyber.Point {
	return p.commits[0].Clone()
}

// Commitments 承诺点副本
func (p *PublicPolynomial) Commitments() []kyber.Point {
	out := make([]kyber.Point, len(p.commits))
	for i, c := range p.commits {
		out[i] = c.Clone()
	}
	return out
}

// Eval 计算 Σ A_k·x^k（Horner）
func (p *PublicPolynomial) Eval(index uint32) kyber.Point {
	x := scalarFromIndex(index)
	acc := p.commits[len(p.commits)-1].Clone()
	for k := len(p.commits) - 2; k >= 0; k-- {
		acc = suite.Point().Add(suite.Point().Mul(x, acc), p.commits[k])
	}
	return acc
}

// Add 逐项相加，要求门限相同
func (p *PublicPolynomial) Add(q *PublicPolynomial) (*PublicPolynomial, error) {
	if p.Threshold() != q.Threshold() {
		return nil, fmt.Errorf("%w: threshold %d vs %d", ErrInvalidThreshold, p.Threshold(), q.Threshold())
	}
	sum := make([]kyber.Point, len(p.commits))
	for i := range p.commits {
		sum[i] = suite.Point().Add(p.commits[i], q.commits[i])
	}
	return &PublicPolynomial{commits: sum}, nil
}

// Equal 逐项比较
func (p *PublicPolynomial) Equal(q *PublicPolynomial) bool {
	if p == nil || q == nil {
		return p == q
	}
	if len(p.commits) != len(q.commits) {
		return false
	}
	for i := range p.commits {
		if !p.commits[i].Equal(q.commits[i]) {
			return false
		}
	}
	return true
}

// Marshal 每个承诺点的压缩编码
func (p *PublicPolynomial) Marshal() [][]byte {
	out := make([][]byte, len(p.commits))
	for i, c := range p.commits {
		out[i] = MarshalPoint(c)
	}
	return out
}

// Digest 多项式的 SHA3-256 指纹，协商时用它给一致的承诺分组
func (p *PublicPolynomial) Digest() [32]byte {
	h := sha3.New256()
	for _, b := range p.Marshal() {
		h.Write(b)
	}
	var d [32]byte
	copy(d[:], h.Sum(nil))
	return d
}

// UnmarshalPublicPolynomial 解析承诺多项式
func UnmarshalPublicPolynomial(points [][]byte) (*PublicPolynomial, error) {
	if len(points) == 0 {
		return nil, fmt.Errorf("%w: empty commitment polynomial", ErrInvalidThreshold)
	}
	commits := make([]kyber.Point, len(points))
	for i, b := range points {
		pt, err := UnmarshalPoint(b)
		if err != nil {
			return nil, fmt.Errorf("commitment %d: %w", i, err)
		}
		commits[i] = pt
	}
	return &PublicPolynomial{commits: commits}, nil
}

// AggregatePolynomials 多个 dealer 的承诺多项式求和，得到联合多项式
func AggregatePolynomials(polys ...*PublicPolynomial) (*PublicPolynomial, error) {
	if len(polys) == 0 {
		return nil, fmt.Errorf("%w: no polynomials", ErrInsufficientShares)
	}
	acc := NewPublicPolynomial(polys[0].commits)
	for _, p := range polys[1:] {
		var err error
		if acc, err = acc.Add(p); err != nil {
			return nil, err
		}
	}
	return acc, nil
}
