package shares

import (
	"fmt"
	"runtime"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/share"
	"golang.org/x/sync/errgroup"
)

const padDomain = "fedpi/dkg-pad/v1"

// Dealing 一个 dealer 在 DKG 中的贡献：
// Public 是 dealer 随机多项式 f_i 的 Feldman 承诺；
// 对每个接收者 j（1..n），Encrypted[j-1] = f_i(j) + k_ij，Pads[j-1] = k_ij·G，
// k_ij 由双方交换密钥的 DH 结果与会话号派生。任何人都能校验 e·G - P == F_i(j)，
// 只有 j 能解出 f_i(j)。
type Dealing struct {
	Dealer    uint32
	Public    *PublicPolynomial
	Encrypted []kyber.Scalar
	Pads      []kyber.Point
}

// NewDealing 生成 dealer 的随机多项式并为每个接收者加密份额。
// recipients[j-1] 是 index 为 j 的接收者的交换公钥（包括 dealer 自己）。
func NewDealing(dealer, t uint32, session []byte, exchangeSecret kyber.Scalar, recipients []kyber.Point) (*Dealing, error) {
	n := uint32(len(recipients))
	if t < 1 || t > n {
		return nil, fmt.Errorf("%w: t=%d n=%d", ErrInvalidThreshold, t, n)
	}
	if dealer == 0 || dealer > n {
		return nil, fmt.Errorf("%w: dealer %d outside 1..%d", ErrInvalidIndex, dealer, n)
	}

	pri := share.NewPriPoly(suite, int(t), nil, suite.RandomStream())
	priShares := pri.Shares(int(n))
	_, commits := pri.Commit(nil).Info()

	d := &Dealing{
		Dealer:    dealer,
		Public:    NewPublicPolynomial(commits),
		Encrypted: make([]kyber.Scalar, n),
		Pads:      make([]kyber.Point, n),
	}
	for j := uint32(1); j <= n; j++ {
		k := padScalar(suite.Point().Mul(exchangeSecret, recipients[j-1]), session, dealer, j)
		d.Encrypted[j-1] = suite.Scalar().Add(priShares[j-1].V, k)
		d.Pads[j-1] = MulBase(k)
	}
	return d, nil
}

// Verify 公开校验每个接收者的加密份额。各接收者的检查相互独立，并行执行，
// 结果按接收者 index 顺序合并，返回 index 最小的失败项。
func (d *Dealing) Verify() error {
	if d.Public == nil || d.Public.Threshold() == 0 {
		return fmt.Errorf("%w: dealing from %d has no commitments", ErrInvalidThreshold, d.Dealer)
	}
	n := len(d.Encrypted)
	if n == 0 || len(d.Pads) != n {
		return fmt.Errorf("%w: dealing from %d has %d shares and %d pads", ErrInconsistentShares, d.Dealer, n, len(d.Pads))
	}
	if int(d.Public.Threshold()) > n {
		return fmt.Errorf("%w: t=%d n=%d", ErrInvalidThreshold, d.Public.Threshold(), n)
	}

	ok := make([]bool, n)
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for j := 0; j < n; j++ {
		g.Go(func() error {
			if d.Encrypted[j] == nil || d.Pads[j] == nil {
				return nil
			}
			lhs := suite.Point().Sub(MulBase(d.Encrypted[j]), d.Pads[j])
			ok[j] = lhs.Equal(d.Public.Eval(uint32(j + 1)))
			return nil
		})
	}
	_ = g.Wait()

	for j, good := range ok {
		if !good {
			return &DealingError{Dealer: d.Dealer, Recipient: uint32(j + 1)}
		}
	}
	return nil
}

// Open 接收者解出自己的份额 f_i(recipient) 并用承诺校验
func (d *Dealing) Open(recipient uint32, session []byte, exchangeSecret kyber.Scalar, dealerKey kyber.Point) (Share, error) {
	if recipient == 0 || int(recipient) > len(d.Encrypted) {
		return Share{}, fmt.Errorf("%w: recipient %d", ErrInvalidIndex, recipient)
	}
	k := padScalar(suite.Point().Mul(exchangeSecret, dealerKey), session, d.Dealer, recipient)
	v := suite.Scalar().Sub(d.Encrypted[recipient-1], k)
	s := Share{Index: recipient, Value: v}
	if !VerifyCommitment(Commit(s), recipient, d.Public) {
		return Share{}, &DealingError{Dealer: d.Dealer, Recipient: recipient}
	}
	return s, nil
}

func padScalar(dh kyber.Point, session []byte, dealer, recipient uint32) kyber.Scalar {
	return hashToScalar(padDomain, MarshalPoint(dh), session, u32(dealer), u32(recipient))
}
