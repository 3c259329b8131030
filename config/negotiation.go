package config

import "fmt"

// NegotiationConfig 主密钥协商配置（超时以区块数为单位，不依赖墙上时钟）
type NegotiationConfig struct {
	DeadlineBlocks uint64 `json:"deadlineBlocks"` // 会话从开启到超时的区块数（默认20）
	MinThreshold   uint32 `json:"minThreshold"`   // 允许的最小门限 t（默认2）
	MaxHolders     uint32 `json:"maxHolders"`     // 单个 subject 最多持有节点数 n（默认64）
	MaxRoundGap    uint64 `json:"maxRoundGap"`    // 新轮次最多比已开启的轮次大多少（默认16）
}

// DefaultNegotiationConfig 返回 NegotiationConfig 默认值
func DefaultNegotiationConfig() NegotiationConfig {
	return NegotiationConfig{
		DeadlineBlocks: 20,
		MinThreshold:   2,
		MaxHolders:     64,
		MaxRoundGap:    16,
	}
}

// Validate 校验协商参数
func (c NegotiationConfig) Validate() error {
	if c.DeadlineBlocks == 0 {
		return fmt.Errorf("negotiation.deadlineBlocks must be positive")
	}
	if c.MinThreshold == 0 {
		return fmt.Errorf("negotiation.minThreshold must be at least 1")
	}
	if c.MaxRoundGap == 0 {
		return fmt.Errorf("negotiation.maxRoundGap must be positive")
	}
	if c.MaxHolders < c.MinThreshold {
		return fmt.Errorf("negotiation.maxHolders (%d) < minThreshold (%d)", c.MaxHolders, c.MinThreshold)
	}
	return nil
}
