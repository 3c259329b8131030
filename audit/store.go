package audit

import (
	"encoding/binary"
	"fmt"
	"sync"

	"fedpi/keys"
)

// Store 按 seq 顺序存放记录的追加式存储
type Store interface {
	Len() (uint64, error)
	Get(seq uint64) (Record, error)
	// Put 只能写入 seq == Len() 的记录
	Put(rec Record) error
}

// MemoryStore 节点本地（仪式等）使用的内存存储
type MemoryStore struct {
	mu   sync.RWMutex
	recs [][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Len() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.recs)), nil
}

func (m *MemoryStore) Get(seq uint64) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if seq >= uint64(len(m.recs)) {
		return Record{}, fmt.Errorf("audit: no record %d", seq)
	}
	return Decode(m.recs[seq])
}

func (m *MemoryStore) Put(rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.Seq != uint64(len(m.recs)) {
		return fmt.Errorf("audit: put seq %d at length %d", rec.Seq, len(m.recs))
	}
	m.recs = append(m.recs, Encode(rec))
	return nil
}

// KV KVStore 需要的存储视图，VM 里是区块的 StateView
type KV interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, val []byte)
}

// KVStore 记录存放在 v1_audit_<seq>，长度存放在 v1_auditlen
type KVStore struct {
	kv KV
}

func NewKVStore(kv KV) *KVStore {
	return &KVStore{kv: kv}
}

func (s *KVStore) Len() (uint64, error) {
	raw, ok, err := s.kv.Get(keys.KeyAuditLength())
	if err != nil || !ok {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, &ChainBrokenError{Reason: fmt.Sprintf("length entry has %d bytes", len(raw))}
	}
	return binary.BigEndian.Uint64(raw), nil
}

func (s *KVStore) Get(seq uint64) (Record, error) {
	raw, ok, err := s.kv.Get(keys.KeyAuditRecord(seq))
	if err != nil {
		return Record{}, err
	}
	if !ok {
		return Record{}, &ChainBrokenError{Offset: seq, Suspect: seq, Reason: "record missing"}
	}
	rec, err := Decode(raw)
	if err != nil {
		return Record{}, &ChainBrokenError{Offset: seq, Suspect: seq, Reason: err.Error()}
	}
	return rec, nil
}

func (s *KVStore) Put(rec Record) error {
	n, err := s.Len()
	if err != nil {
		return err
	}
	if rec.Seq != n {
		return fmt.Errorf("audit: put seq %d at length %d", rec.Seq, n)
	}
	s.kv.Set(keys.KeyAuditRecord(rec.Seq), Encode(rec))
	s.kv.Set(keys.KeyAuditLength(), binary.BigEndian.AppendUint64(nil, n+1))
	return nil
}
