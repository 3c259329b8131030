package shares

import (
	"encoding/binary"
	"fmt"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/group/edwards25519"
)

// 所有份额、承诺、pad 都在 edwards25519 素数阶子群上运算
var suite = edwards25519.NewBlakeSHA256Ed25519()

// Group 返回底层群，供 share 包等 kyber 组件使用
func Group() kyber.Group {
	return suite
}

// NewScalar 零标量
func NewScalar() kyber.Scalar {
	return suite.Scalar().Zero()
}

// BasePoint 生成元 G
func BasePoint() kyber.Point {
	return suite.Point().Base()
}

// MulBase 计算 s·G
func MulBase(s kyber.Scalar) kyber.Point {
	return suite.Point().Mul(s, nil)
}

// GenerateKeyPair 从标量域均匀随机取私钥。私钥只留在本节点，调用方不得记录日志或落库。
func GenerateKeyPair() (kyber.Scalar, kyber.Point) {
	priv := suite.Scalar().Pick(suite.RandomStream())
	return priv, MulBase(priv)
}

// RandomScalar 随机标量
func RandomScalar() kyber.Scalar {
	return suite.Scalar().Pick(suite.RandomStream())
}

func scalarFromIndex(i uint32) kyber.Scalar {
	return suite.Scalar().SetInt64(int64(i))
}

// MarshalPoint 点的 32 字节压缩编码
func MarshalPoint(p kyber.Point) []byte {
	b, err := p.MarshalBinary()
	if err != nil {
		// edwards25519 点编码不会失败
		panic(fmt.Sprintf("shares: marshal point: %v", err))
	}
	return b
}

// UnmarshalPoint 解析点，拒绝非法编码
func UnmarshalPoint(b []byte) (kyber.Point, error) {
	p := suite.Point()
	if err := p.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("shares: invalid point encoding: %w", err)
	}
	return p, nil
}

// MarshalScalar 标量编码（little-endian 32字节）
func MarshalScalar(s kyber.Scalar) []byte {
	b, err := s.MarshalBinary()
	if err != nil {
		panic(fmt.Sprintf("shares: marshal scalar: %v", err))
	}
	return b
}

// UnmarshalScalar 解析标量
func UnmarshalScalar(b []byte) (kyber.Scalar, error) {
	s := suite.Scalar()
	if err := s.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("shares: invalid scalar encoding: %w", err)
	}
	return s, nil
}

// hashToScalar 带域分隔的 hash-to-scalar，输入各部分按长度前缀拼接
func hashToScalar(domain string, parts ...[]byte) kyber.Scalar {
	seed := make([]byte, 0, 64)
	seed = appendPart(seed, []byte(domain))
	for _, p := range parts {
		seed = appendPart(seed, p)
	}
	return suite.Scalar().Pick(suite.XOF(seed))
}

func appendPart(dst, p []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(p)))
	return append(dst, p...)
}

func u32(v uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, v)
}
