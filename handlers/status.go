package handlers

import (
	"encoding/hex"
	"net/http"
	"strings"

	"fedpi/logs"
	"fedpi/pb"

	"github.com/gin-gonic/gin"
)

// 处理状态查询
func (hm *HandlerManager) HandleStatus(c *gin.Context) {
	st, err := hm.query.Status()
	if err != nil {
		writeError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"node_id": hm.nodeID, "status": st})
}

// SubmitTxRequest tx 为 AnyTx 的 hex 编码
type SubmitTxRequest struct {
	Tx string `json:"tx" binding:"required"`
}

// HandleSubmitTx POST /v1/txs 把客户端签好的交易交给排序服务
func (hm *HandlerManager) HandleSubmitTx(c *gin.Context) {
	var req SubmitTxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(req.Tx, "0x"))
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	tx, err := pb.UnmarshalAnyTx(raw)
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	if err := hm.submit.Submit(c.Request.Context(), tx); err != nil {
		logs.Verbose("[API] submit %s rejected: %v", tx.Kind(), err)
		writeError(c, http.StatusUnprocessableEntity, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"kind":   tx.Kind(),
		"key":    tx.IdempotencyString(),
		"digest": hex.EncodeToString(pb.Digest(raw)),
	})
}
