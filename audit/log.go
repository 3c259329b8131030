package audit

import (
	"bytes"
	"iter"
	"sync"

	"fedpi/logs"
)

// Log 审计链。追加前总会重新校验链尾，链尾损坏时返回 ErrChainBroken（致命）。
type Log struct {
	mu    sync.Mutex
	store Store
}

func NewLog(store Store) *Log {
	return &Log{store: store}
}

// Append 补齐 Seq/PrevHash/Hash 后写入，返回最终记录
func (l *Log) Append(rec Record) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n, err := l.store.Len()
	if err != nil {
		return Record{}, err
	}

	var prev []byte
	if n > 0 {
		tail, err := l.store.Get(n - 1)
		if err != nil {
			return Record{}, err
		}
		if tail.Seq != n-1 || !bytes.Equal(tail.Hash, ComputeHash(tail)) {
			return Record{}, &ChainBrokenError{Offset: n - 1, Suspect: n - 1, Reason: "tail hash mismatch"}
		}
		prev = tail.Hash
	}

	rec.Seq = n
	rec.PrevHash = prev
	rec.Hash = ComputeHash(rec)
	if err := l.store.Put(rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Len 记录条数
func (l *Log) Len() (uint64, error) {
	return l.store.Len()
}

// Head 最后一条记录的哈希，空链返回 nil
func (l *Log) Head() ([]byte, error) {
	n, err := l.store.Len()
	if err != nil || n == 0 {
		return nil, err
	}
	tail, err := l.store.Get(n - 1)
	if err != nil {
		return nil, err
	}
	return tail.Hash, nil
}

// VerifyChain 从头重算整条链，返回第一处不一致的 *ChainBrokenError。
// 改写后重算过哈希的记录在下一条才被发现，定位改写位置看 Suspect 而不是 Offset。
func (l *Log) VerifyChain() error {
	n, err := l.store.Len()
	if err != nil {
		return err
	}
	var prev []byte
	for seq := uint64(0); seq < n; seq++ {
		rec, err := l.store.Get(seq)
		if err != nil {
			return err
		}
		if err := check(rec, seq, prev); err != nil {
			return err
		}
		prev = rec.Hash
	}
	return nil
}

// History 某个 subject 的有序子历史。序列是惰性的，每次 range 都从头重新扫描。
func (l *Log) History(subjectID string) iter.Seq[Record] {
	return func(yield func(Record) bool) {
		n, err := l.store.Len()
		if err != nil {
			logs.Warn("[Audit] history of %x: %v", subjectID, err)
			return
		}
		for seq := uint64(0); seq < n; seq++ {
			rec, err := l.store.Get(seq)
			if err != nil {
				logs.Warn("[Audit] history of %x stopped at %d: %v", subjectID, seq, err)
				return
			}
			if rec.SubjectID != subjectID {
				continue
			}
			if !yield(rec) {
				return
			}
		}
	}
}
