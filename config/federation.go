package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
)

// FederationConfig 联邦成员列表（所有节点必须使用同一份）
type FederationConfig struct {
	Members []MemberConfig `json:"members"`
}

// MemberConfig 单个联邦节点的公开信息
type MemberConfig struct {
	ID          string `json:"id"`
	IdentityKey string `json:"identityKey"` // secp256k1 x-only 公钥（hex，32字节）
	ExchangeKey string `json:"exchangeKey"` // edwards25519 公钥（hex，32字节），用于 DKG pad 派生
}

// Has 是否包含指定节点
func (f FederationConfig) Has(id string) bool {
	for _, m := range f.Members {
		if m.ID == id {
			return true
		}
	}
	return false
}

// Validate 校验成员 id 唯一、公钥格式正确
func (f FederationConfig) Validate() error {
	seen := make(map[string]struct{}, len(f.Members))
	for i, m := range f.Members {
		if m.ID == "" {
			return fmt.Errorf("federation.members[%d]: empty id", i)
		}
		if _, ok := seen[m.ID]; ok {
			return fmt.Errorf("federation.members[%d]: duplicate id %s", i, m.ID)
		}
		seen[m.ID] = struct{}{}
		if b, err := hex.DecodeString(m.IdentityKey); err != nil || len(b) != 32 {
			return fmt.Errorf("federation member %s: identityKey must be 32 bytes hex", m.ID)
		}
		if b, err := hex.DecodeString(m.ExchangeKey); err != nil || len(b) != 32 {
			return fmt.Errorf("federation member %s: exchangeKey must be 32 bytes hex", m.ID)
		}
	}
	return nil
}

// KeyFile 节点私钥文件内容。私钥只在本地使用，不写日志、不上链。
type KeyFile struct {
	IdentitySecret string `json:"identitySecret"` // secp256k1 私钥（hex）
	ExchangeSecret string `json:"exchangeSecret"` // edwards25519 标量（hex，little-endian）
}

// LoadKeyFile 读取节点私钥文件
func LoadKeyFile(path string) (*KeyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	var kf KeyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("parse key file: %w", err)
	}
	if kf.IdentitySecret == "" || kf.ExchangeSecret == "" {
		return nil, fmt.Errorf("key file %s is incomplete", path)
	}
	return &kf, nil
}

// SaveKeyFile 写入节点私钥文件（权限 0600）
func SaveKeyFile(path string, kf *KeyFile) error {
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
