package vm

import (
	"errors"
	"fmt"

	"fedpi/audit"
	"fedpi/db"
)

// ========== 错误定义 ==========

var (
	ErrNilBlock         = errors.New("nil block")
	ErrNilTx            = errors.New("nil transaction")
	ErrInvalidSnapshot  = errors.New("invalid snapshot index")
	ErrHalted           = errors.New("executor halted")
	ErrUnexpectedHeight = errors.New("unexpected block height")
	ErrUnknownKind      = errors.New("no handler for transaction kind")
)

// StorageError 底层存储读失败。回放时遇到它是致命的：
// 读不到状态就无法保证与其他副本得到相同结果。
type StorageError struct {
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage read %q: %v", e.Key, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// ========== 基础类型定义 ==========

// WriteOp “要怎么改状态”的清单，与 db 层共用同一结构
type WriteOp = db.WriteOp

// 回执状态
const (
	StatusSucceed = "SUCCEED"
	StatusFailed  = "FAILED"
	StatusSkipped = "SKIPPED" // 重投或幂等键已生效
)

// Receipt 记录单笔交易的执行结果
type Receipt struct {
	TxID        string // 交易字节摘要（hex）
	Kind        string
	SubjectID   string
	Status      string
	Error       string
	BlockHeight uint64
	WriteCount  int

	// Followups 交易被接受后紧跟在 Accepted 记录之后写入审计链的记录（会话提交等）
	Followups []audit.Record
}

// BlockResult 一个区块的执行结果
type BlockResult struct {
	Height   uint64
	AppHash  []byte
	Receipts []*Receipt
	Diff     []WriteOp // 参与 app hash 的写集（不含 appstate 元数据）
}

// Status 执行器对外状态
type Status struct {
	Height      uint64 `json:"height"`
	AppHash     string `json:"app_hash"`
	AuditLength uint64 `json:"audit_length"`
	AuditHead   string `json:"audit_head"`
	Halted      bool   `json:"halted"`
	HaltReason  string `json:"halt_reason,omitempty"`
}
