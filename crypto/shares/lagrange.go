package shares

import (
	"fmt"

	"go.dedis.ch/kyber/v3"
)

// LagrangeCoefficients 计算在 x=0 处的拉格朗日系数 λ_i = Π_{j≠i} x_j / (x_j - x_i)
func LagrangeCoefficients(indices []uint32) []kyber.Scalar {
	coeffs := make([]kyber.Scalar, len(indices))
	for i, idx := range indices {
		xi := scalarFromIndex(idx)
		num := suite.Scalar().One()
		den := suite.Scalar().One()
		for j, other := range indices {
			if i == j {
				continue
			}
			xj := scalarFromIndex(other)
			num = suite.Scalar().Mul(num, xj)
			den = suite.Scalar().Mul(den, suite.Scalar().Sub(xj, xi))
		}
		coeffs[i] = suite.Scalar().Div(num, den)
	}
	return coeffs
}

// Reconstruct 用至少 t 个不同 index 的份额在 x=0 处插值恢复秘密，并用主公钥校验结果。
// 使用全部传入份额插值，多余份额中任何一个被篡改都会导致校验失败。
// 失败时不指出是哪个份额有问题，调用方需逐个用 VerifyCommitment 定位。
func Reconstruct(shares []Share, t uint32, masterPublic kyber.Point) (kyber.Scalar, error) {
	if t < 1 {
		return nil, fmt.Errorf("%w: t=%d", ErrInvalidThreshold, t)
	}
	if masterPublic == nil {
		return nil, fmt.Errorf("%w: master public key required", ErrInvalidKey)
	}

	seen := make(map[uint32]struct{}, len(shares))
	indices := make([]uint32, 0, len(shares))
	for _, s := range shares {
		if s.Index == 0 {
			return nil, ErrInvalidIndex
		}
		if _, dup := seen[s.Index]; dup {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateIndex, s.Index)
		}
		seen[s.Index] = struct{}{}
		indices = append(indices, s.Index)
	}
	if uint32(len(indices)) < t {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientShares, len(indices), t)
	}

	lambdas := LagrangeCoefficients(indices)
	secret := suite.Scalar().Zero()
	for i, s := range shares {
		secret = suite.Scalar().Add(secret, suite.Scalar().Mul(lambdas[i], s.Value))
	}

	if !MulBase(secret).Equal(masterPublic) {
		return nil, ErrInconsistentShares
	}
	return secret, nil
}

// CombineShares 同一 index 上多个 dealer 份额求和，得到联合份额
func CombineShares(index uint32, parts []Share) (Share, error) {
	sum := suite.Scalar().Zero()
	for _, p := range parts {
		if p.Index != index {
			return Share{}, fmt.Errorf("%w: expected index %d, got %d", ErrInconsistentShares, index, p.Index)
		}
		sum = suite.Scalar().Add(sum, p.Value)
	}
	return Share{Index: index, Value: sum}, nil
}
