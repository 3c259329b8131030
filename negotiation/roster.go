package negotiation

import (
	"encoding/hex"
	"fmt"
	"sort"

	"fedpi/config"
	"fedpi/crypto/shares"
	"fedpi/crypto/identity"

	"go.dedis.ch/kyber/v3"
)

// Member 联邦成员的公开信息。会话和承诺里只按 id 引用成员。
type Member struct {
	ID          string
	IdentityKey []byte      // secp256k1 x-only
	ExchangeKey kyber.Point // edwards25519，DKG pad 派生用
}

// Roster 联邦成员表，只读
type Roster struct {
	members map[string]Member
}

func NewRoster(members []Member) (*Roster, error) {
	r := &Roster{members: make(map[string]Member, len(members))}
	for _, m := range members {
		if _, dup := r.members[m.ID]; dup {
			return nil, fmt.Errorf("roster: duplicate member %s", m.ID)
		}
		if _, err := identity.ParsePublicKey(m.IdentityKey); err != nil {
			return nil, fmt.Errorf("roster: member %s: %w", m.ID, err)
		}
		if m.ExchangeKey == nil {
			return nil, fmt.Errorf("roster: member %s has no exchange key", m.ID)
		}
		r.members[m.ID] = m
	}
	return r, nil
}

// RosterFromConfig 从配置文件的成员列表构建
func RosterFromConfig(cfg config.FederationConfig) (*Roster, error) {
	members := make([]Member, 0, len(cfg.Members))
	for _, mc := range cfg.Members {
		idKey, err := hex.DecodeString(mc.IdentityKey)
		if err != nil {
			return nil, fmt.Errorf("member %s identityKey: %w", mc.ID, err)
		}
		exRaw, err := hex.DecodeString(mc.ExchangeKey)
		if err != nil {
			return nil, fmt.Errorf("member %s exchangeKey: %w", mc.ID, err)
		}
		exKey, err := shares.UnmarshalPoint(exRaw)
		if err != nil {
			return nil, fmt.Errorf("member %s exchangeKey: %w", mc.ID, err)
		}
		members = append(members, Member{ID: mc.ID, IdentityKey: idKey, ExchangeKey: exKey})
	}
	return NewRoster(members)
}

func (r *Roster) Get(id string) (Member, bool) {
	m, ok := r.members[id]
	return m, ok
}

// IdentityKey 成员身份公钥
func (r *Roster) IdentityKey(id string) ([]byte, bool) {
	m, ok := r.members[id]
	if !ok {
		return nil, false
	}
	return m.IdentityKey, true
}

// ExchangeKeys 按 ids 顺序返回交换公钥
func (r *Roster) ExchangeKeys(ids []string) ([]kyber.Point, error) {
	out := make([]kyber.Point, len(ids))
	for i, id := range ids {
		m, ok := r.members[id]
		if !ok {
			return nil, fmt.Errorf("roster: unknown member %s", id)
		}
		out[i] = m.ExchangeKey
	}
	return out, nil
}

// Contains 所有 ids 都是成员
func (r *Roster) Contains(ids []string) error {
	for _, id := range ids {
		if _, ok := r.members[id]; !ok {
			return fmt.Errorf("roster: unknown member %s", id)
		}
	}
	return nil
}

// IDs 成员 id，排序
func (r *Roster) IDs() []string {
	out := make([]string, 0, len(r.members))
	for id := range r.members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *Roster) Len() int {
	return len(r.members)
}
