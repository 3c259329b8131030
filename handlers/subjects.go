package handlers

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"

	"fedpi/crypto/shares"
	"fedpi/keys"
	"fedpi/registry"

	"github.com/gin-gonic/gin"
)

// ThresholdView t-of-n
type ThresholdView struct {
	T uint32 `json:"t"`
	N uint32 `json:"n"`
}

// CommitmentView 公开的份额承诺
type CommitmentView struct {
	NodeID         string `json:"node_id"`
	Index          uint32 `json:"index"`
	Commitment     string `json:"commitment"`
	AcceptedHeight uint64 `json:"accepted_height"`
}

// SubjectResponse 不包含任何份额，只有主公钥与承诺
type SubjectResponse struct {
	SubjectID       string           `json:"subject_id"`
	State           string           `json:"state"`
	MasterPublicKey string           `json:"master_public_key,omitempty"`
	Threshold       ThresholdView    `json:"threshold"`
	Round           uint64           `json:"round"`
	KeyIndex        uint32           `json:"key_index"`
	Holders         []string         `json:"holders"`
	Commitments     []CommitmentView `json:"commitments"`
	UpdatedHeight   uint64           `json:"updated_height"`
}

func subjectView(s registry.Subject) SubjectResponse {
	resp := SubjectResponse{
		SubjectID:     keys.EncodeSubjectID(s.ID),
		State:         s.State.String(),
		Threshold:     ThresholdView{T: s.Threshold, N: s.N()},
		Round:         s.Round,
		KeyIndex:      s.KeyIndex,
		Holders:       s.Holders,
		Commitments:   make([]CommitmentView, 0, len(s.Commitments)),
		UpdatedHeight: s.UpdatedHeight,
	}
	if pub := s.MasterPublicKey(); pub != nil {
		resp.MasterPublicKey = hex.EncodeToString(shares.MarshalPoint(pub))
	}
	for _, c := range s.Commitments {
		resp.Commitments = append(resp.Commitments, CommitmentView{
			NodeID:         c.NodeID,
			Index:          c.Index,
			Commitment:     hex.EncodeToString(shares.MarshalPoint(c.Point)),
			AcceptedHeight: c.AcceptedHeight,
		})
	}
	return resp
}

// loadSubject 路径里的 id 是 subject id 的 hex
func (hm *HandlerManager) loadSubject(c *gin.Context, encoded string) (registry.Subject, bool) {
	id, err := keys.DecodeSubjectID(encoded)
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return registry.Subject{}, false
	}
	s, err := hm.query.Subject(id)
	if errors.Is(err, registry.ErrUnknownSubject) {
		writeError(c, http.StatusNotFound, err)
		return registry.Subject{}, false
	}
	if err != nil {
		writeError(c, http.StatusInternalServerError, err)
		return registry.Subject{}, false
	}
	return s, true
}

// HandleGetSubject GET /v1/subjects/:id
func (hm *HandlerManager) HandleGetSubject(c *gin.Context) {
	s, ok := hm.loadSubject(c, c.Param("id"))
	if !ok {
		return
	}
	c.JSON(http.StatusOK, subjectView(s))
}

// PseudonymRequest public_info 原样参与派生
type PseudonymRequest struct {
	SubjectID  string `json:"subject_id" binding:"required"`
	PublicInfo string `json:"public_info" binding:"required"`
}

type PseudonymResponse struct {
	SubjectID string `json:"subject_id"`
	Round     uint64 `json:"round"`
	Tag       string `json:"tag"`
}

// HandleDerivePseudonym POST /v1/pseudonyms
// 只依赖已提交的主公钥，任何节点对同样的输入给出同样的 tag
func (hm *HandlerManager) HandleDerivePseudonym(c *gin.Context) {
	var req PseudonymRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	s, ok := hm.loadSubject(c, req.SubjectID)
	if !ok {
		return
	}
	if s.State != registry.StateActive {
		writeError(c, http.StatusConflict, fmt.Errorf("%w: subject is %s", registry.ErrInvalidTransition, s.State))
		return
	}
	tag, err := shares.DerivePseudonym([]byte(req.PublicInfo), s.MasterPublicKey())
	if err != nil {
		writeError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, PseudonymResponse{SubjectID: req.SubjectID, Round: s.Round, Tag: tag.String()})
}
