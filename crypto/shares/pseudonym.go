package shares

import (
	"encoding/hex"
	"fmt"

	"go.dedis.ch/kyber/v3"
	"golang.org/x/crypto/sha3"
)

const pseudonymDomain = "fedpi/pseudonym/v1"

// PseudonymTag 由公开信息和 subject 公钥派生的假名
type PseudonymTag [32]byte

func (p PseudonymTag) String() string {
	return hex.EncodeToString(p[:])
}

// DerivePseudonym tag = SHA3-256(domain ‖ h·K ‖ publicInfo)，h = H(publicInfo)。
// 同样的输入总得到同样的 tag，不需要任何共享状态。
func DerivePseudonym(publicInfo []byte, subjectKey kyber.Point) (PseudonymTag, error) {
	var tag PseudonymTag
	if subjectKey == nil || subjectKey.Equal(suite.Point().Null()) {
		return tag, fmt.Errorf("%w: subject key is empty", ErrInvalidKey)
	}

	h := hashToScalar(pseudonymDomain, publicInfo)
	blinded := suite.Point().Mul(h, subjectKey)

	d := sha3.New256()
	d.Write(appendPart(nil, []byte(pseudonymDomain)))
	d.Write(appendPart(nil, MarshalPoint(blinded)))
	d.Write(appendPart(nil, publicInfo))
	copy(tag[:], d.Sum(nil))
	return tag, nil
}
