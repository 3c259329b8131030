package negotiation

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"fedpi/crypto/identity"
	"fedpi/crypto/shares"
	"fedpi/keys"
	"fedpi/logs"
	"fedpi/pb"
	"fedpi/registry"

	"github.com/btcsuite/btcd/btcec/v2"
	"go.dedis.ch/kyber/v3"
)

var (
	ErrNoRun          = errors.New("no DKG run for this subject and round")
	ErrNotEnoughDeals = errors.New("not enough valid dealings to finalize")
	ErrNoShare        = errors.New("no local share for this subject and round")
)

type runKey struct {
	subject string
	round   uint64
}

// run 本节点在某一轮 DKG 中的本地进度
type run struct {
	threshold uint32
	holders   []string
	index     uint32
	dealings  map[uint32]*shares.Dealing // dealer index -> 已验证的 dealing
}

// Participant 本节点的 DKG 驱动：生成 dealing、校验并打开他人的 dealing、
// 汇总出联合份额，产出签名后的 SubmitCommitment 交易。份额只保存在本地。
type Participant struct {
	NodeID string

	identity *btcec.PrivateKey
	exchange kyber.Scalar
	roster   *Roster

	mu     sync.Mutex
	runs   map[runKey]*run
	shares map[runKey]shares.Share
}

func NewParticipant(nodeID string, identityKey *btcec.PrivateKey, exchangeSecret kyber.Scalar, roster *Roster) *Participant {
	return &Participant{
		NodeID:   nodeID,
		identity: identityKey,
		exchange: exchangeSecret,
		roster:   roster,
		runs:     make(map[runKey]*run),
		shares:   make(map[runKey]shares.Share),
	}
}

// Deal 开始本节点在 (subject, round) 的 DKG，返回要广播给其他持有者的 dealing
func (p *Participant) Deal(subjectID string, round uint64, t uint32, holders []string) (*shares.Dealing, error) {
	index := uint32(0)
	for i, h := range holders {
		if h == p.NodeID {
			index = uint32(i + 1)
		}
	}
	if index == 0 {
		return nil, fmt.Errorf("%w: %s", registry.ErrNotHolder, p.NodeID)
	}
	recipients, err := p.roster.ExchangeKeys(holders)
	if err != nil {
		return nil, err
	}

	d, err := shares.NewDealing(index, t, keys.SessionID(subjectID, round), p.exchange, recipients)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	r := &run{
		threshold: t,
		holders:   append([]string(nil), holders...),
		index:     index,
		dealings:  map[uint32]*shares.Dealing{index: d},
	}
	p.runs[runKey{subjectID, round}] = r
	logs.Debug("[DKG] %s dealt for subject %x round %d as index %d", p.NodeID, subjectID, round, index)
	return d, nil
}

// Receive 公开校验其他持有者的 dealing，通过后记录
func (p *Participant) Receive(subjectID string, round uint64, d *shares.Dealing) error {
	p.mu.Lock()
	r, ok := p.runs[runKey{subjectID, round}]
	p.mu.Unlock()
	if !ok {
		return ErrNoRun
	}
	if d.Dealer == 0 || int(d.Dealer) > len(r.holders) {
		return fmt.Errorf("%w: dealer %d", shares.ErrInvalidIndex, d.Dealer)
	}
	if len(d.Encrypted) != len(r.holders) || d.Public == nil || d.Public.Threshold() != r.threshold {
		return fmt.Errorf("%w: dealing from %d has wrong shape", shares.ErrInconsistentShares, d.Dealer)
	}
	if err := d.Verify(); err != nil {
		logs.Warn("[DKG] %s rejected dealing from %d: %v", p.NodeID, d.Dealer, err)
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	r.dealings[d.Dealer] = d
	return nil
}

// Finalize 打开所有已验证 dealing 中属于自己的份额并求和，
// 联合多项式 = 各 dealer 多项式之和（按 dealer index 顺序）。
// 返回签好名的承诺交易；份额留在本地。
func (p *Participant) Finalize(subjectID string, round uint64) (*pb.SubmitCommitmentTx, error) {
	key := runKey{subjectID, round}
	p.mu.Lock()
	r, ok := p.runs[key]
	p.mu.Unlock()
	if !ok {
		return nil, ErrNoRun
	}
	if uint32(len(r.dealings)) < r.threshold {
		return nil, fmt.Errorf("%w: %d of %d", ErrNotEnoughDeals, len(r.dealings), r.threshold)
	}

	dealers := make([]uint32, 0, len(r.dealings))
	for idx := range r.dealings {
		dealers = append(dealers, idx)
	}
	sort.Slice(dealers, func(i, j int) bool { return dealers[i] < dealers[j] })

	session := keys.SessionID(subjectID, round)
	parts := make([]shares.Share, 0, len(dealers))
	polys := make([]*shares.PublicPolynomial, 0, len(dealers))
	for _, dealer := range dealers {
		d := r.dealings[dealer]
		m, ok := p.roster.Get(r.holders[dealer-1])
		if !ok {
			return nil, fmt.Errorf("roster: unknown dealer %s", r.holders[dealer-1])
		}
		part, err := d.Open(r.index, session, p.exchange, m.ExchangeKey)
		if err != nil {
			return nil, err
		}
		parts = append(parts, part)
		polys = append(polys, d.Public)
	}

	share, err := shares.CombineShares(r.index, parts)
	if err != nil {
		return nil, err
	}
	master, err := shares.AggregatePolynomials(polys...)
	if err != nil {
		return nil, err
	}

	tx := &pb.SubmitCommitmentTx{
		SubjectId:  []byte(subjectID),
		Round:      round,
		NodeId:     p.NodeID,
		Index:      r.index,
		Master:     master.Marshal(),
		Commitment: shares.MarshalPoint(shares.Commit(share).Point),
	}
	if tx.Signature, err = identity.Sign(p.identity, tx.SigningDigest()); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.shares[key] = share
	delete(p.runs, key)
	p.mu.Unlock()
	logs.Info("[DKG] %s finalized subject %x round %d with %d dealers", p.NodeID, subjectID, round, len(dealers))
	return tx, nil
}

// Contribute 为重建仪式签出本地份额
func (p *Participant) Contribute(subjectID string, round uint64) (Contribution, error) {
	p.mu.Lock()
	share, ok := p.shares[runKey{subjectID, round}]
	p.mu.Unlock()
	if !ok {
		return Contribution{}, ErrNoShare
	}
	c := Contribution{
		SubjectID: subjectID,
		NodeID:    p.NodeID,
		Round:     round,
		// 仪式结束时会清零贡献里的标量，本地保存的份额不受影响
		Share: shares.Share{Index: share.Index, Value: share.Value.Clone()},
	}
	sig, err := identity.Sign(p.identity, c.SigningDigest())
	if err != nil {
		return Contribution{}, err
	}
	c.Signature = sig
	return c, nil
}

// Forget 丢弃本地份额（密钥轮换后旧轮次不再需要）
func (p *Participant) Forget(subjectID string, round uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := runKey{subjectID, round}
	if s, ok := p.shares[key]; ok {
		s.Value.Zero()
		delete(p.shares, key)
	}
	delete(p.runs, key)
}

// SubmissionFromTx 把承诺交易解析成会话提交（不校验签名）
func SubmissionFromTx(tx *pb.SubmitCommitmentTx, height uint64) (Submission, error) {
	pt, err := shares.UnmarshalPoint(tx.Commitment)
	if err != nil {
		return Submission{}, fmt.Errorf("%w: %v", registry.ErrInvalidCommitment, err)
	}
	master, err := shares.UnmarshalPublicPolynomial(tx.Master)
	if err != nil {
		return Submission{}, fmt.Errorf("%w: %v", registry.ErrInvalidCommitment, err)
	}
	return Submission{
		Commitment: registry.ShareCommitment{
			NodeID:         tx.NodeId,
			Index:          tx.Index,
			Round:          tx.Round,
			Point:          pt,
			Signature:      append([]byte(nil), tx.Signature...),
			AcceptedHeight: height,
		},
		Master: master,
	}, nil
}
