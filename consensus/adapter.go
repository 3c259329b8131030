package consensus

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"fedpi/config"
	"fedpi/logs"
	"fedpi/negotiation"
	"fedpi/pb"
	"fedpi/vm"

	lru "github.com/hashicorp/golang-lru"
)

var (
	ErrAlreadySubmitted = errors.New("transaction already submitted")
	ErrOutOfOrder       = errors.New("block delivered out of order")
	ErrDivergence       = errors.New("app hash diverges from peer")
	ErrStreamClosed     = errors.New("ordering stream closed")
)

// Adapter 集中处理本节点与排序服务之间的交互：
// 本地意图只提交一次；交付的区块按顺序交给副本重放；与其他节点交叉核对 app hash。
// 排序权完全属于排序服务，Adapter 自己从不重排交易。
type Adapter struct {
	ordering OrderingService
	replica  Replica
	roster   *negotiation.Roster
	bus      *EventBus

	mu        sync.Mutex
	submitted *lru.Cache // 幂等键 -> struct{}
	fatal     error
	stop      chan struct{}
}

func NewAdapter(ordering OrderingService, replica Replica, roster *negotiation.Roster, cfg config.ConsensusConfig, bus *EventBus) (*Adapter, error) {
	size := cfg.SubmitCacheSize
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("submit cache: %w", err)
	}
	return &Adapter{
		ordering:  ordering,
		replica:   replica,
		roster:    roster,
		bus:       bus,
		submitted: cache,
		stop:      make(chan struct{}),
	}, nil
}

// Submit 校验签名后把交易交给排序服务。同一幂等键只提交一次。
func (a *Adapter) Submit(ctx context.Context, tx *pb.AnyTx) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.Fatal(); err != nil {
		return err
	}
	if err := vm.VerifyStateless(tx, a.roster); err != nil {
		return err
	}
	switch tx.Kind() {
	case pb.KindRevokeSubject, pb.KindEvolveKey:
		subject, err := a.replica.Subject(tx.SubjectID())
		if err != nil {
			return err
		}
		if err := vm.VerifyWithSubject(tx, subject); err != nil {
			return err
		}
	}

	key := tx.IdempotencyString()
	a.mu.Lock()
	if a.submitted.Contains(key) {
		a.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadySubmitted, key)
	}
	a.submitted.Add(key, struct{}{})
	a.mu.Unlock()

	if err := a.ordering.Broadcast(ctx, tx.Marshal()); err != nil {
		a.submitted.Remove(key)
		return fmt.Errorf("broadcast %s: %w", key, err)
	}
	logs.Debug("[Consensus] submitted %s %s", tx.Kind(), key)
	return nil
}

// Run 订阅已排序的区块流并按交付顺序重放，直到 ctx 结束或遇到致命错误
func (a *Adapter) Run(ctx context.Context) error {
	ch, err := a.ordering.Subscribe(ctx, a.replica.Height()+1)
	if err != nil {
		return err
	}
	logs.Info("[Consensus] replaying from height %d", a.replica.Height()+1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.stop:
			return a.Fatal()
		case b, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return ErrStreamClosed
			}
			if err := a.deliver(b); err != nil {
				return err
			}
		}
	}
}

// deliver 处理一个交付的区块：不高于已提交高度的是重投，直接跳过；
// 跳过高度说明排序流本身有问题，属于致命错误。
func (a *Adapter) deliver(b *pb.Block) error {
	if b == nil {
		return nil
	}
	applied := a.replica.Height()
	if b.Height <= applied {
		logs.Debug("[Consensus] skip redelivered block %d (applied %d)", b.Height, applied)
		a.bus.Publish(Event{Type: EventRedelivered, Height: b.Height})
		return nil
	}
	if b.Height != applied+1 {
		return a.fail(fmt.Errorf("%w: got %d, expected %d", ErrOutOfOrder, b.Height, applied+1))
	}

	res, err := a.replica.ApplyBlock(b)
	if err != nil {
		return a.fail(err)
	}
	a.bus.Publish(Event{Type: EventBlockApplied, Height: res.Height, AppHash: res.AppHash})
	return nil
}

// CrossCheck 与其他节点在同一高度的 app hash 比对。不一致是致命的，不做任何修复。
func (a *Adapter) CrossCheck(height uint64, peerHash []byte) error {
	local, err := a.replica.AppHash(height)
	if err != nil {
		return err
	}
	if local == nil {
		return fmt.Errorf("no app hash at height %d (applied %d)", height, a.replica.Height())
	}
	if !bytes.Equal(local, peerHash) {
		err := fmt.Errorf("%w: height %d local %x peer %x", ErrDivergence, height, local, peerHash)
		a.bus.Publish(Event{Type: EventDivergence, Height: height, AppHash: local, Err: err})
		return a.fail(err)
	}
	return nil
}

// Fatal 致命错误，未发生时为 nil
func (a *Adapter) Fatal() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fatal
}

func (a *Adapter) fail(err error) error {
	a.mu.Lock()
	first := a.fatal == nil
	if first {
		a.fatal = err
		close(a.stop)
	}
	a.mu.Unlock()
	if first {
		logs.Error("[Consensus] replica stopped: %v", err)
		a.bus.Publish(Event{Type: EventHalted, Height: a.replica.Height(), Err: err})
	}
	return err
}
