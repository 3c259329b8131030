package consensus

import (
	"context"

	"fedpi/pb"
	"fedpi/registry"
	"fedpi/vm"
)

// OrderingService 外部排序服务：只负责全序，不理解交易内容。
// 交付语义是至少一次，同一区块可能被重复交付。
type OrderingService interface {
	// Broadcast 提交不透明的交易字节
	Broadcast(ctx context.Context, tx []byte) error
	// Subscribe 从 fromHeight 开始按高度顺序交付区块；ctx 结束时关闭通道
	Subscribe(ctx context.Context, fromHeight uint64) (<-chan *pb.Block, error)
}

// Replica 重放循环驱动的本地副本（*vm.Executor）
type Replica interface {
	ApplyBlock(b *pb.Block) (*vm.BlockResult, error)
	Height() uint64
	AppHash(height uint64) ([]byte, error)
	Subject(id string) (registry.Subject, error)
}
