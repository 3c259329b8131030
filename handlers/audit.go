package handlers

import (
	"encoding/hex"
	"errors"
	"net/http"

	"fedpi/audit"
	"fedpi/keys"

	"github.com/gin-gonic/gin"
)

// RecordView 审计记录的 JSON 形式
type RecordView struct {
	Seq           uint64 `json:"seq"`
	PrevHash      string `json:"prev_hash"`
	SubjectID     string `json:"subject_id"`
	Kind          string `json:"kind"`
	Round         uint64 `json:"round"`
	Node          string `json:"node,omitempty"`
	PayloadDigest string `json:"payload_digest,omitempty"`
	Outcome       string `json:"outcome"`
	Reason        string `json:"reason,omitempty"`
	Height        uint64 `json:"height"`
	Hash          string `json:"hash"`
}

func recordView(r audit.Record) RecordView {
	return RecordView{
		Seq:           r.Seq,
		PrevHash:      hex.EncodeToString(r.PrevHash),
		SubjectID:     keys.EncodeSubjectID(r.SubjectID),
		Kind:          r.Kind,
		Round:         r.Round,
		Node:          r.Node,
		PayloadDigest: hex.EncodeToString(r.PayloadDigest),
		Outcome:       r.Outcome.String(),
		Reason:        r.Reason,
		Height:        r.Height,
		Hash:          hex.EncodeToString(r.Hash),
	}
}

// HandleGetHistory GET /v1/audit/:id
func (hm *HandlerManager) HandleGetHistory(c *gin.Context) {
	id, err := keys.DecodeSubjectID(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	records := make([]RecordView, 0)
	for rec := range hm.query.History(id) {
		records = append(records, recordView(rec))
	}
	c.JSON(http.StatusOK, gin.H{"subject_id": c.Param("id"), "records": records})
}

// HandleVerifyAudit GET /v1/audit/verify
func (hm *HandlerManager) HandleVerifyAudit(c *gin.Context) {
	err := hm.query.VerifyChain()
	var broken *audit.ChainBrokenError
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"ok": true})
	case errors.As(err, &broken):
		c.JSON(http.StatusConflict, gin.H{"ok": false, "offset": broken.Offset, "reason": broken.Reason})
	default:
		writeError(c, http.StatusInternalServerError, err)
	}
}
