package identity

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerify(t *testing.T) {
	priv, err := GenerateKey()
	require.NoError(t, err)
	pub := PublicKeyBytes(priv)
	assert.Len(t, pub, PublicKeySize)

	digest := Digest(TagSubmitCommitment, []byte("subject"), []byte{1})
	sig, err := Sign(priv, digest)
	require.NoError(t, err)
	require.NoError(t, Verify(pub, digest, sig))

	// 换一个 tag 后同样内容的摘要不同，签名失效
	other := Digest(TagRevokeSubject, []byte("subject"), []byte{1})
	assert.ErrorIs(t, Verify(pub, other, sig), ErrBadSignature)

	sig[10] ^= 0x01
	assert.ErrorIs(t, Verify(pub, digest, sig), ErrBadSignature)
}

func TestDigestIsUnambiguous(t *testing.T) {
	a := Digest(TagCreateSubject, []byte("ab"), []byte("c"))
	b := Digest(TagCreateSubject, []byte("a"), []byte("bc"))
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 32)
}

func TestPrivateKeyFromHex(t *testing.T) {
	priv, err := GenerateKey()
	require.NoError(t, err)

	restored, err := PrivateKeyFromHex(hex.EncodeToString(priv.Serialize()))
	require.NoError(t, err)
	assert.Equal(t, PublicKeyBytes(priv), PublicKeyBytes(restored))

	_, err = PrivateKeyFromHex("zz")
	assert.Error(t, err)
}

func TestParsePublicKeyRejectsGarbage(t *testing.T) {
	_, err := ParsePublicKey([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrBadPublicKey)
}
