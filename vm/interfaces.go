package vm

import (
	"fedpi/audit"
	"fedpi/config"
	"fedpi/negotiation"
	"fedpi/pb"
)

// ========== 核心接口定义 ==========

// StateView 状态视图接口
type StateView interface {
	//读/写/删某个 key 的状态；写入只写进这个视图，不直接落到底层 DB。
	Get(key string) ([]byte, bool, error)
	Set(key string, val []byte)
	Del(key string)
	//做一个快照点、必要时回滚到该点，实现失败交易的回滚。
	Snapshot() int
	Revert(snap int) error
	//把这个区块累积的写入集合（写集）按 key 排序导出，给 app hash 和落库用。
	Diff() []WriteOp
	// 扫描指定前缀下的所有键值对（合并 overlay 与底层存储）
	Scan(prefix string) (map[string][]byte, error)
}

// Env 交易执行时可见的区块级上下文
type Env struct {
	Height      uint64
	TxDigest    []byte
	Negotiation config.NegotiationConfig
	Roster      *negotiation.Roster
	Audit       *audit.Log          // 写入同一个 StateView，失败时随交易一起回滚
}

// TxHandler 交易处理器接口
type TxHandler interface {
	//标识这个 Handler 处理哪种交易类型（比如 "submit_commitment"）。
	Kind() string
	//在给定 StateView 上执行；返回错误时执行器回滚该交易的全部写入并记为 Rejected。
	DryRun(tx *pb.AnyTx, env *Env, sv StateView) (*Receipt, error)
}

// DBManager 数据库管理器接口（db.Manager 与 db.MemDB 都满足）
type DBManager interface {
	Get(key string) ([]byte, error)
	Scan(prefix string) (map[string][]byte, error)
	ApplyBatch(ops []WriteOp) error
}

// （读穿函数）
// 当 StateView.Get 本地 overlay 没命中时，定义“如何从底层存储读真实值”的函数签名
type ReadThroughFn func(key string) ([]byte, error)

// ScanFn 用于 StateView 从底层存储做前缀扫描
type ScanFn func(prefix string) (map[string][]byte, error)
