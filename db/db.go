package db

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"fedpi/config"
	"fedpi/keys"
	"fedpi/logs"

	"github.com/dgraph-io/badger/v2"
	"github.com/dgraph-io/badger/v2/options"
	lru "github.com/hashicorp/golang-lru"
)

var ErrClosed = errors.New("database is not initialized or closed")

// WriteOp 一条待落库的写操作（执行器导出的写集元素）
type WriteOp struct {
	Key      string // 完整的 key（包括版本前缀）
	Value    []byte // 序列化后的值
	Del      bool   // true表示删除操作
	Category string // subject/session/audit/applied/meta，便于统计
}

// Manager 封装 BadgerDB 的管理器
type Manager struct {
	Db *badger.DB
	mu sync.RWMutex

	// subject 读缓存，只缓存 keys.IsCacheable 的 key
	cache *lru.Cache
}

// NewManager 打开（或创建）数据库。cfg.InMemory 时 path 被忽略。
func NewManager(path string, cfg config.DatabaseConfig) (*Manager, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	} else {
		// badger v2 不自动创建父目录，需要手动创建
		if err := os.MkdirAll(path, 0755); err != nil {
			return nil, fmt.Errorf("failed to create db dir: %w", err)
		}
		// 使用 FileIO 模式减少 mmap 内存占用
		opts.TableLoadingMode = options.FileIO
		opts.ValueLogLoadingMode = options.FileIO
	}
	if cfg.ValueLogFileSize > 0 {
		opts.ValueLogFileSize = cfg.ValueLogFileSize
	}
	if cfg.NumMemtables > 0 {
		opts.NumMemtables = cfg.NumMemtables
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	manager := &Manager{Db: db}
	if cfg.ReadCacheSize > 0 {
		c, err := lru.New(cfg.ReadCacheSize)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to create read cache: %w", err)
		}
		manager.cache = c
	}
	logs.Info("[DB] opened badger (inMemory=%v, path=%s)", cfg.InMemory, path)
	return manager, nil
}

func (manager *Manager) handle() (*badger.DB, error) {
	manager.mu.RLock()
	defer manager.mu.RUnlock()
	if manager.Db == nil {
		return nil, ErrClosed
	}
	return manager.Db, nil
}

// Get 读取 key，不存在时返回 (nil, nil)
func (manager *Manager) Get(key string) ([]byte, error) {
	if manager.cache != nil {
		if v, ok := manager.cache.Get(key); ok {
			return copyBytes(v.([]byte)), nil
		}
	}

	db, err := manager.handle()
	if err != nil {
		return nil, err
	}

	var value []byte
	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if manager.cache != nil && keys.IsCacheable(key) {
		manager.cache.Add(key, copyBytes(value))
	}
	return value, nil
}

// Scan 扫描指定前缀的所有键值对
func (manager *Manager) Scan(prefix string) (map[string][]byte, error) {
	db, err := manager.handle()
	if err != nil {
		return nil, err
	}

	result := make(map[string][]byte)
	err = db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			k := item.KeyCopy(nil)
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			result[string(k)] = v
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ApplyBatch 在一个 badger 事务里提交整批写操作：要么全部可见，要么全部不可见。
// 一个区块的写集必须原子落库，所以这里不像写队列那样拆分子批次。
func (manager *Manager) ApplyBatch(ops []WriteOp) error {
	if len(ops) == 0 {
		return nil
	}
	db, err := manager.handle()
	if err != nil {
		return err
	}

	err = db.Update(func(txn *badger.Txn) error {
		for _, op := range ops {
			var err error
			if op.Del {
				err = txn.Delete([]byte(op.Key))
			} else {
				err = txn.Set([]byte(op.Key), op.Value)
			}
			if err != nil {
				return fmt.Errorf("key %q: %w", op.Key, err)
			}
		}
		return nil
	})
	if err != nil {
		logs.Error("[DB] apply batch of %d ops failed: %v", len(ops), err)
		return err
	}

	if manager.cache != nil {
		for _, op := range ops {
			if !keys.IsCacheable(op.Key) {
				continue
			}
			if op.Del {
				manager.cache.Remove(op.Key)
			} else {
				manager.cache.Add(op.Key, copyBytes(op.Value))
			}
		}
	}
	return nil
}

// Close 关闭数据库，重复调用安全
func (manager *Manager) Close() error {
	manager.mu.Lock()
	defer manager.mu.Unlock()

	if manager.cache != nil {
		manager.cache.Purge()
	}
	if manager.Db == nil {
		return nil
	}
	err := manager.Db.Close()
	manager.Db = nil
	return err
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
