package app

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"fedpi/config"
	"fedpi/crypto/identity"
	"fedpi/crypto/shares"
	"fedpi/logs"
	"fedpi/negotiation"
	"fedpi/pb"
)

// ErrObserver 节点没有配置私钥文件，不能参与协商
var ErrObserver = errors.New("node has no key file, running as observer")

// loadParticipant 读取私钥文件并构建本地 DKG 参与者。
// 两把私钥都必须与名册里本节点登记的公钥一致。
func loadParticipant(node config.NodeConfig, roster *negotiation.Roster) (*negotiation.Participant, error) {
	kf, err := config.LoadKeyFile(node.KeyFile)
	if err != nil {
		return nil, err
	}
	member, ok := roster.Get(node.ID)
	if !ok {
		return nil, fmt.Errorf("node %s is not in the federation roster", node.ID)
	}

	idKey, err := identity.PrivateKeyFromHex(kf.IdentitySecret)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(identity.PublicKeyBytes(idKey), member.IdentityKey) {
		return nil, fmt.Errorf("key file %s does not match identity key of %s", node.KeyFile, node.ID)
	}

	raw, err := hex.DecodeString(kf.ExchangeSecret)
	if err != nil {
		return nil, fmt.Errorf("exchange secret: %w", err)
	}
	exSecret, err := shares.UnmarshalScalar(raw)
	if err != nil {
		return nil, err
	}
	if !shares.MulBase(exSecret).Equal(member.ExchangeKey) {
		return nil, fmt.Errorf("key file %s does not match exchange key of %s", node.KeyFile, node.ID)
	}
	return negotiation.NewParticipant(node.ID, idKey, exSecret, roster), nil
}

// CommitLocal 汇总本节点在 (subject, round) 收到的 dealing，
// 把签名后的承诺交易提交给排序服务。dealing 由调用方通过 Participant 收发。
func (c *Container) CommitLocal(ctx context.Context, subjectID string, round uint64) error {
	if c.Participant == nil {
		return ErrObserver
	}
	tx, err := c.Participant.Finalize(subjectID, round)
	if err != nil {
		return err
	}
	if err := c.Adapter.Submit(ctx, pb.WrapSubmitCommitment(tx)); err != nil {
		return err
	}
	logs.Info("[Node] submitted commitment for subject %x round %d", subjectID, round)
	return nil
}
