package db

import (
	"strings"
	"sync"
)

// MemDB 纯内存实现，方法集与 Manager 一致，测试和模拟节点用
type MemDB struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemDB() *MemDB {
	return &MemDB{data: make(map[string][]byte)}
}

func (m *MemDB) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyBytes(m.data[key]), nil
}

func (m *MemDB) Scan(prefix string) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]byte)
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix) {
			out[k] = copyBytes(v)
		}
	}
	return out, nil
}

func (m *MemDB) ApplyBatch(ops []WriteOp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range ops {
		if op.Del {
			delete(m.data, op.Key)
			continue
		}
		m.data[op.Key] = copyBytes(op.Value)
	}
	return nil
}

// Put 直接写入单个 key（测试里用来篡改状态）
func (m *MemDB) Put(key string, val []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = copyBytes(val)
}

func (m *MemDB) Close() error { return nil }
