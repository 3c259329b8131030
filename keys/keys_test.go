// keys/keys_test.go
package keys

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubjectKeys(t *testing.T) {
	t.Run("KeySubject", func(t *testing.T) {
		assert.Equal(t, "v1_subject_616c696365", KeySubject("alice"))
	})

	t.Run("opaque bytes", func(t *testing.T) {
		sid := string([]byte{0x00, 0xff, '_'})
		key := KeySubject(sid)
		assert.Equal(t, "v1_subject_00ff5f", key)

		decoded, err := DecodeSubjectID(StripVersion(key)[len("subject_"):])
		require.NoError(t, err)
		assert.Equal(t, sid, decoded)
	})

	t.Run("KeyApplied", func(t *testing.T) {
		assert.Equal(t, "v1_applied_616c696365_3_node-1", KeyApplied("alice", 3, "node-1"))
	})
}

func TestAuditKeysSortBySeq(t *testing.T) {
	// 定长补零后字典序与数值序一致
	assert.Less(t, KeyAuditRecord(9), KeyAuditRecord(10))
	assert.Less(t, KeyAuditRecord(99), KeyAuditRecord(100))
	assert.Equal(t, "v1_audit_00000000000000000042", KeyAuditRecord(42))
}
