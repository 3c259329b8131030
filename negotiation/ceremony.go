package negotiation

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"fedpi/audit"
	"fedpi/crypto/identity"
	"fedpi/crypto/shares"
	"fedpi/logs"
	"fedpi/registry"

	"go.dedis.ch/kyber/v3"
)

const (
	KindCeremonyContribution = "ceremony_contribution"
	KindCeremonyReconstruct  = "ceremony_reconstruct"
)

var ErrCeremonyClosed = errors.New("ceremony already finished")

// Contribution 持有者为重建仪式提交的份额，带身份签名
type Contribution struct {
	SubjectID string
	NodeID    string
	Round     uint64
	Share     shares.Share
	Signature []byte
}

// SigningDigest 签名覆盖份额承诺而不是份额本身
func (c Contribution) SigningDigest() []byte {
	y := shares.MarshalPoint(shares.Commit(c.Share).Point)
	return identity.Digest(identity.TagCeremonyShare,
		[]byte(c.SubjectID),
		binary.BigEndian.AppendUint64(nil, c.Round),
		[]byte(c.NodeID),
		binary.BigEndian.AppendUint32(nil, c.Share.Index),
		y,
	)
}

// Ceremony 一次受审计的主密钥重建。需要 t 个经过认证的持有者份额，
// 重建出的标量只在 Run 的回调内可见，回调返回后清零。
type Ceremony struct {
	subject registry.Subject
	roster  *Roster
	log     *audit.Log

	mu            sync.Mutex
	contributions map[string]shares.Share
	done          bool
}

// NewCeremony 只能对 Active 的 subject 发起
func NewCeremony(subject registry.Subject, roster *Roster, log *audit.Log) (*Ceremony, error) {
	if subject.State != registry.StateActive {
		return nil, fmt.Errorf("%w: ceremony on %s subject", registry.ErrInvalidTransition, subject.State)
	}
	return &Ceremony{
		subject:       subject,
		roster:        roster,
		log:           log,
		contributions: make(map[string]shares.Share),
	}, nil
}

func (c *Ceremony) record(node string, outcome audit.Outcome, kind, reason string, digest []byte) error {
	_, err := c.log.Append(audit.Record{
		SubjectID:     c.subject.ID,
		Kind:          kind,
		Round:         c.subject.Round,
		Node:          node,
		PayloadDigest: digest,
		Outcome:       outcome,
		Reason:        reason,
	})
	return err
}

// Add 校验并收下一份贡献：签名、持有者身份、份额与链上承诺一致。每一步都写审计。
func (c *Ceremony) Add(contrib Contribution) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	digest := contrib.SigningDigest()
	if err := c.verify(contrib, digest); err != nil {
		if aerr := c.record(contrib.NodeID, audit.OutcomeRejected, KindCeremonyContribution, err.Error(), digest); aerr != nil {
			return aerr
		}
		logs.Warn("[Ceremony] subject %x: rejected contribution from %s: %v", c.subject.ID, contrib.NodeID, err)
		return err
	}
	c.contributions[contrib.NodeID] = contrib.Share
	return c.record(contrib.NodeID, audit.OutcomeAccepted, KindCeremonyContribution, "", digest)
}

func (c *Ceremony) verify(contrib Contribution, digest []byte) error {
	if c.done {
		return ErrCeremonyClosed
	}
	if contrib.SubjectID != c.subject.ID || contrib.Round != c.subject.Round {
		return fmt.Errorf("%w: contribution for %x round %d", registry.ErrStaleRound, contrib.SubjectID, contrib.Round)
	}
	if _, dup := c.contributions[contrib.NodeID]; dup {
		return fmt.Errorf("%w: %s", registry.ErrDuplicateNode, contrib.NodeID)
	}
	pub, ok := c.roster.IdentityKey(contrib.NodeID)
	if !ok {
		return fmt.Errorf("%w: %s is not a federation member", registry.ErrNotHolder, contrib.NodeID)
	}
	if err := identity.Verify(pub, digest, contrib.Signature); err != nil {
		return err
	}
	var recorded *registry.ShareCommitment
	for i := range c.subject.Commitments {
		if c.subject.Commitments[i].NodeID == contrib.NodeID {
			recorded = &c.subject.Commitments[i]
		}
	}
	if recorded == nil || recorded.Index != contrib.Share.Index {
		return fmt.Errorf("%w: %s has no recorded commitment at index %d", registry.ErrNotHolder, contrib.NodeID, contrib.Share.Index)
	}
	if !shares.Commit(contrib.Share).Point.Equal(recorded.Point) {
		return fmt.Errorf("%w: share of %s does not match its commitment", registry.ErrInvalidCommitment, contrib.NodeID)
	}
	return nil
}

// Len 已收下的贡献数
func (c *Ceremony) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.contributions)
}

// Run 用已收集的份额重建主私钥并交给 fn。fn 不得保存标量；
// 无论 fn 结果如何，返回前标量和份额都被清零，仪式结束。
func (c *Ceremony) Run(fn func(secret kyber.Scalar) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return ErrCeremonyClosed
	}
	c.done = true

	nodes := make([]string, 0, len(c.contributions))
	for n := range c.contributions {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	parts := make([]shares.Share, 0, len(nodes))
	for _, n := range nodes {
		parts = append(parts, c.contributions[n])
	}
	defer func() {
		for _, s := range parts {
			s.Value.Zero()
		}
		c.contributions = nil
	}()

	secret, err := shares.Reconstruct(parts, c.subject.Threshold, c.subject.MasterPublicKey())
	if err != nil {
		if aerr := c.record("", audit.OutcomeAborted, KindCeremonyReconstruct, err.Error(), nil); aerr != nil {
			return aerr
		}
		return err
	}
	defer secret.Zero()

	if err := fn(secret); err != nil {
		if aerr := c.record("", audit.OutcomeAborted, KindCeremonyReconstruct, err.Error(), nil); aerr != nil {
			return aerr
		}
		return err
	}
	logs.Info("[Ceremony] subject %x: reconstruction completed with %d holders", c.subject.ID, len(parts))
	return c.record("", audit.OutcomeCommitted, KindCeremonyReconstruct, fmt.Sprintf("%d holders", len(parts)), nil)
}
