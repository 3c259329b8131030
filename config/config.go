// config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config 主配置结构
type Config struct {
	Node        NodeConfig        `json:"node"`
	Federation  FederationConfig  `json:"federation"`
	Negotiation NegotiationConfig `json:"negotiation"`
	Database    DatabaseConfig    `json:"database"`
	Consensus   ConsensusConfig   `json:"consensus"`
	API         APIConfig         `json:"api"`
	Log         LogConfig         `json:"log"`
}

// NodeConfig 本节点身份与数据目录
type NodeConfig struct {
	ID      string `json:"id"`
	DataDir string `json:"dataDir"`
	KeyFile string `json:"keyFile"` // 节点私钥文件（hex），见 federation.go
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	InMemory         bool  `json:"inMemory"`         // badger 内存模式（测试/开发）
	ValueLogFileSize int64 `json:"valueLogFileSize"` // 64 << 20 (64MB)
	NumMemtables     int   `json:"numMemtables"`     // 2
	ReadCacheSize    int   `json:"readCacheSize"`    // subject 读缓存条数
}

// ConsensusConfig 与外部排序服务交互的配置
type ConsensusConfig struct {
	SubmitCacheSize int           `json:"submitCacheSize"` // 已提交幂等键的 LRU 容量
	SubscribeBuffer int           `json:"subscribeBuffer"` // 区块订阅通道缓冲
	SealInterval    time.Duration `json:"sealInterval"`    // 单机开发模式下模拟出块间隔
	VerifyWorkers   int           `json:"verifyWorkers"`   // 区块内并行验签的 worker 数
}

// APIConfig 查询接口
type APIConfig struct {
	Enabled      bool          `json:"enabled"`
	ListenAddr   string        `json:"listenAddr"`
	ReadTimeout  time.Duration `json:"readTimeout"`
	WriteTimeout time.Duration `json:"writeTimeout"`
	RateLimit    int           `json:"rateLimit"` // 每个 IP 每秒请求上限，0 不限
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `json:"level"`
	JSON       bool   `json:"json"`
	File       string `json:"file"`
	MaxSizeMB  int    `json:"maxSizeMB"`
	MaxBackups int    `json:"maxBackups"`
	MaxAgeDays int    `json:"maxAgeDays"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			ID:      "node-1",
			DataDir: "./data",
		},
		Negotiation: DefaultNegotiationConfig(),
		Database: DatabaseConfig{
			ValueLogFileSize: 64 << 20,
			NumMemtables:     2,
			ReadCacheSize:    4096,
		},
		Consensus: ConsensusConfig{
			SubmitCacheSize: 100000,
			SubscribeBuffer: 256,
			SealInterval:    500 * time.Millisecond,
			VerifyWorkers:   8,
		},
		API: APIConfig{
			Enabled:      true,
			ListenAddr:   "127.0.0.1:8645",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			RateLimit:    200,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
	}
}

// LoadFromFile 读取 JSON 配置文件，覆盖在默认配置之上
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 验证配置合法性
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id must not be empty")
	}
	if !c.Database.InMemory && c.Node.DataDir == "" {
		return fmt.Errorf("node.dataDir must be set unless database.inMemory")
	}
	if c.Consensus.SubmitCacheSize <= 0 {
		return fmt.Errorf("consensus.submitCacheSize must be positive")
	}
	if c.API.RateLimit < 0 {
		return fmt.Errorf("api.rateLimit must not be negative")
	}
	if c.Consensus.VerifyWorkers <= 0 {
		return fmt.Errorf("consensus.verifyWorkers must be positive")
	}
	if err := c.Negotiation.Validate(); err != nil {
		return err
	}
	if err := c.Federation.Validate(); err != nil {
		return err
	}
	if len(c.Federation.Members) > 0 && !c.Federation.Has(c.Node.ID) {
		return fmt.Errorf("node %s is not a federation member", c.Node.ID)
	}
	return nil
}
