// crypto/identity/identity.go
// 节点身份密钥与 subject 密钥：secp256k1 上的 BIP-340 Schnorr 签名

package identity

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// 签名摘要的 tag，不同用途的消息互不可替换
const (
	TagCreateSubject    = "fedpi/create_subject"
	TagSubmitCommitment = "fedpi/submit_commitment"
	TagRevokeSubject    = "fedpi/revoke_subject"
	TagEvolveKey        = "fedpi/evolve_key"
	TagCeremonyShare    = "fedpi/ceremony_share"
)

var (
	ErrBadPublicKey = errors.New("identity: malformed public key")
	ErrBadSignature = errors.New("identity: signature verification failed")
)

// PublicKeySize x-only 公钥长度
const PublicKeySize = schnorr.PubKeyBytesLen

// GenerateKey 生成新的身份私钥
func GenerateKey() (*btcec.PrivateKey, error) {
	return btcec.NewPrivateKey()
}

// PrivateKeyFromHex 从 hex 恢复私钥
func PrivateKeyFromHex(s string) (*btcec.PrivateKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return nil, fmt.Errorf("identity: private key must be 32 bytes hex")
	}
	priv, _ := btcec.PrivKeyFromBytes(b)
	return priv, nil
}

// PublicKeyBytes 返回 32 字节 x-only 公钥
func PublicKeyBytes(priv *btcec.PrivateKey) []byte {
	return schnorr.SerializePubKey(priv.PubKey())
}

// ParsePublicKey 解析 x-only 公钥
func ParsePublicKey(b []byte) (*btcec.PublicKey, error) {
	pub, err := schnorr.ParsePubKey(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPublicKey, err)
	}
	return pub, nil
}

// Digest 带 tag 的消息摘要。各部分先写长度再写内容，避免拼接歧义。
func Digest(tag string, parts ...[]byte) []byte {
	msgs := make([][]byte, 0, len(parts)*2)
	for _, p := range parts {
		msgs = append(msgs, lengthPrefix(len(p)), p)
	}
	h := chainhash.TaggedHash([]byte(tag), msgs...)
	return h[:]
}

func lengthPrefix(n int) []byte {
	return []byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}
}

// Sign 对摘要签名
func Sign(priv *btcec.PrivateKey, digest []byte) ([]byte, error) {
	sig, err := schnorr.Sign(priv, digest)
	if err != nil {
		return nil, fmt.Errorf("identity: sign: %w", err)
	}
	return sig.Serialize(), nil
}

// Verify 用 x-only 公钥验证签名
func Verify(pubKey, digest, sig []byte) error {
	pub, err := ParsePublicKey(pubKey)
	if err != nil {
		return err
	}
	s, err := schnorr.ParseSignature(sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !s.Verify(digest, pub) {
		return ErrBadSignature
	}
	return nil
}
