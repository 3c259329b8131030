package consensus

import (
	"context"
	"errors"
	"sync"
	"time"

	"fedpi/logs"
	"fedpi/pb"
)

var ErrOrderingClosed = errors.New("simulated ordering closed")

// SimulatedOrdering 进程内的排序服务：交易先进入待打包队列，
// Seal 把队列封成下一个高度的区块，再扇出给所有订阅者。
// 用于开发模式和测试，支持人为重投已交付的区块。
type SimulatedOrdering struct {
	mu      sync.Mutex
	pending [][]byte
	blocks  []*pb.Block // blocks[i].Height == i+1
	subs    map[int]*simSubscriber
	nextSub int
	buffer  int
	changed chan struct{} // 每次有新区块或重投时关闭并替换
	closed  bool
}

type simSubscriber struct {
	next  uint64
	extra []*pb.Block // 待重投的区块
}

func NewSimulatedOrdering(buffer int) *SimulatedOrdering {
	if buffer <= 0 {
		buffer = 16
	}
	return &SimulatedOrdering{
		subs:    make(map[int]*simSubscriber),
		buffer:  buffer,
		changed: make(chan struct{}),
	}
}

func (o *SimulatedOrdering) Broadcast(ctx context.Context, tx []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrOrderingClosed
	}
	o.pending = append(o.pending, append([]byte(nil), tx...))
	return nil
}

// Seal 把当前待打包的交易（可以为空）封成下一个区块
func (o *SimulatedOrdering) Seal() *pb.Block {
	o.mu.Lock()
	defer o.mu.Unlock()
	b := &pb.Block{Height: uint64(len(o.blocks)) + 1, Txs: o.pending}
	o.pending = nil
	o.blocks = append(o.blocks, b)
	o.notifyLocked()
	logs.Trace("[Ordering] sealed block %d with %d txs", b.Height, len(b.Txs))
	return b
}

// Redeliver 让所有当前订阅者再收到一次 height 处的区块
func (o *SimulatedOrdering) Redeliver(height uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if height == 0 || height > uint64(len(o.blocks)) {
		return false
	}
	b := o.blocks[height-1]
	for _, s := range o.subs {
		s.extra = append(s.extra, b)
	}
	o.notifyLocked()
	return true
}

// Height 已封装的最高区块
func (o *SimulatedOrdering) Height() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return uint64(len(o.blocks))
}

// RunSealer 按固定间隔封块，截止高度依赖区块推进，所以空队列也会出块
func (o *SimulatedOrdering) RunSealer(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Seal()
		}
	}
}

// Close 关闭服务，所有订阅通道随之关闭
func (o *SimulatedOrdering) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.closed {
		o.closed = true
		o.notifyLocked()
	}
}

func (o *SimulatedOrdering) notifyLocked() {
	close(o.changed)
	o.changed = make(chan struct{})
}

func (o *SimulatedOrdering) Subscribe(ctx context.Context, fromHeight uint64) (<-chan *pb.Block, error) {
	if fromHeight == 0 {
		fromHeight = 1
	}
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrOrderingClosed
	}
	id := o.nextSub
	o.nextSub++
	sub := &simSubscriber{next: fromHeight}
	o.subs[id] = sub
	o.mu.Unlock()

	ch := make(chan *pb.Block, o.buffer)
	go o.pump(ctx, id, sub, ch)
	return ch, nil
}

// pump 每个订阅者一个 goroutine，按高度顺序推送，重投的区块优先
func (o *SimulatedOrdering) pump(ctx context.Context, id int, sub *simSubscriber, ch chan<- *pb.Block) {
	defer func() {
		o.mu.Lock()
		delete(o.subs, id)
		o.mu.Unlock()
		close(ch)
	}()

	for {
		o.mu.Lock()
		if o.closed {
			o.mu.Unlock()
			return
		}
		var b *pb.Block
		switch {
		case len(sub.extra) > 0:
			b = sub.extra[0]
			sub.extra = sub.extra[1:]
		case sub.next <= uint64(len(o.blocks)):
			b = o.blocks[sub.next-1]
			sub.next++
		}
		wait := o.changed
		o.mu.Unlock()

		if b == nil {
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return
			}
		}
		select {
		case ch <- b:
		case <-ctx.Done():
			return
		}
	}
}
