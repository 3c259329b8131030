package vm

import (
	"testing"

	"fedpi/db"
	"fedpi/pb"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateViewRevertAndDiff(t *testing.T) {
	base := db.NewMemDB()
	base.Put("v1_subject_01", []byte("a"))
	base.Put("v1_subject_02", []byte("b"))
	sv := NewStateView(base.Get, base.Scan)

	sv.Set("v1_subject_03", []byte("c"))
	snap := sv.Snapshot()
	sv.Del("v1_subject_01")
	sv.Set("v1_subject_03", []byte("changed"))

	m, err := sv.Scan("v1_subject_")
	require.NoError(t, err)
	assert.Len(t, m, 2)
	assert.Equal(t, []byte("changed"), m["v1_subject_03"])

	require.NoError(t, sv.Revert(snap))
	v, ok, err := sv.Get("v1_subject_03")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("c"), v)
	_, ok, err = sv.Get("v1_subject_01")
	require.NoError(t, err)
	assert.True(t, ok)

	sv.Del("v1_subject_02")
	sv.Set("v1_audit_00000000000000000000", []byte("r"))
	diff := sv.Diff()
	require.Len(t, diff, 3)
	assert.Equal(t, "v1_audit_00000000000000000000", diff[0].Key)
	assert.Equal(t, "audit", diff[0].Category)
	assert.Equal(t, "v1_subject_02", diff[1].Key)
	assert.True(t, diff[1].Del)
	assert.Equal(t, "v1_subject_03", diff[2].Key)

	assert.ErrorIs(t, sv.Revert(100), ErrInvalidSnapshot)
}

func TestHandlerRegistry(t *testing.T) {
	r := DefaultHandlers()
	assert.Equal(t, []string{"create_subject", "evolve_key", "revoke_subject", "submit_commitment"}, r.List())
	_, ok := r.Get("transfer")
	assert.False(t, ok)

	_, err := NewHandlerRegistry(&CreateSubjectHandler{}, &CreateSubjectHandler{})
	assert.Error(t, err)

	partial, err := NewHandlerRegistry(&CreateSubjectHandler{})
	require.NoError(t, err)
	assert.ErrorIs(t, partial.Covers(pb.Kinds()...), ErrUnknownKind)
}
