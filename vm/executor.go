package vm

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"iter"
	"sort"
	"sync"

	"fedpi/audit"
	"fedpi/config"
	"fedpi/keys"
	"fedpi/logs"
	"fedpi/negotiation"
	"fedpi/pb"
	"fedpi/registry"

	"golang.org/x/crypto/sha3"
)

// kindMalformed 无法解码的交易在审计链中的类型
const kindMalformed = "malformed"

// Executor 单副本的重放循环：按交付顺序逐块执行，写集原子落库。
// 只有 ApplyBlock 会修改状态；查询接口走已提交的存储。
type Executor struct {
	mu sync.RWMutex

	DB     DBManager
	Reg    *HandlerRegistry
	ReadFn ReadThroughFn
	ScanFn ScanFn

	cfg     config.NegotiationConfig
	roster  *negotiation.Roster
	workers int

	height  uint64
	appHash []byte
	halted  error
}

// NewExecutor 从存储恢复已提交高度，并在启动时校验整条审计链。
// 审计链损坏时执行器直接进入停机状态，等待人工处理。
func NewExecutor(db DBManager, roster *negotiation.Roster, cfg config.NegotiationConfig, workers int) (*Executor, error) {
	if roster == nil {
		return nil, errors.New("executor: nil roster")
	}
	x := &Executor{
		DB:      db,
		Reg:     DefaultHandlers(),
		ReadFn:  db.Get,
		ScanFn:  db.Scan,
		cfg:     cfg,
		roster:  roster,
		workers: workers,
	}

	raw, err := db.Get(keys.KeyAppState())
	if err != nil {
		return nil, fmt.Errorf("load app state: %w", err)
	}
	if raw != nil {
		st, err := pb.UnmarshalAppState(raw)
		if err != nil {
			return nil, fmt.Errorf("decode app state: %w", err)
		}
		x.height = st.Height
		x.appHash = st.AppHash
	}

	if err := x.auditLog(x.view()).VerifyChain(); err != nil {
		x.halt(err)
	}
	logs.Info("[VM] executor ready at height %d, app hash %x", x.height, x.appHash)
	return x, nil
}

func (x *Executor) view() StateView {
	return NewStateView(x.ReadFn, x.ScanFn)
}

func (x *Executor) auditLog(sv StateView) *audit.Log {
	return audit.NewLog(audit.NewKVStore(sv))
}

func (x *Executor) halt(err error) {
	if x.halted == nil {
		x.halted = err
		logs.Error("[VM] executor halted at height %d: %v", x.height, err)
	}
}

// isFatal 审计链损坏或存储读失败：不能继续执行，也不能自行修复
func isFatal(err error) bool {
	var se *StorageError
	return errors.Is(err, audit.ErrChainBroken) || errors.As(err, &se)
}

// ApplyBlock 执行下一个区块。高度必须恰好是已提交高度 + 1。
// 单笔交易失败只会被回滚并记为 Rejected；返回错误意味着区块未被提交。
func (x *Executor) ApplyBlock(b *pb.Block) (*BlockResult, error) {
	if b == nil {
		return nil, ErrNilBlock
	}
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.halted != nil {
		return nil, fmt.Errorf("%w: %w", ErrHalted, x.halted)
	}
	if b.Height != x.height+1 {
		return nil, fmt.Errorf("%w: got %d, applied %d", ErrUnexpectedHeight, b.Height, x.height)
	}

	res, err := x.executeBlock(b)
	if err != nil {
		x.halt(err)
		return nil, fmt.Errorf("%w: %w", ErrHalted, err)
	}

	ops := append(res.Diff[:len(res.Diff):len(res.Diff)],
		WriteOp{
			Key:      keys.KeyAppState(),
			Value:    (&pb.AppState{Height: b.Height, AppHash: res.AppHash}).Marshal(),
			Category: string(keys.CategoryMeta),
		},
		WriteOp{
			Key:      keys.KeyAppHash(b.Height),
			Value:    res.AppHash,
			Category: string(keys.CategoryMeta),
		},
	)
	if err := x.DB.ApplyBatch(ops); err != nil {
		err = &StorageError{Key: "batch", Err: err}
		x.halt(err)
		return nil, fmt.Errorf("%w: %w", ErrHalted, err)
	}

	x.height = b.Height
	x.appHash = res.AppHash
	logs.Debug("[VM] block %d committed: %d txs, %d writes, app hash %x", b.Height, len(b.Txs), len(res.Diff), res.AppHash)
	return res, nil
}

func (x *Executor) executeBlock(b *pb.Block) (*BlockResult, error) {
	sv := x.view()
	log := x.auditLog(sv)
	env := &Env{
		Height:      b.Height,
		Negotiation: x.cfg,
		Roster:      x.roster,
		Audit:       log,
	}

	if err := x.sweepExpired(sv, log, b.Height); err != nil {
		return nil, err
	}

	txs := make([]*pb.AnyTx, len(b.Txs))
	decodeErrs := make([]error, len(b.Txs))
	for i, raw := range b.Txs {
		txs[i], decodeErrs[i] = pb.UnmarshalAnyTx(raw)
	}
	verifyErrs := verifyBlock(txs, x.roster, x.workers)

	receipts := make([]*Receipt, 0, len(b.Txs))
	for i, raw := range b.Txs {
		verr := decodeErrs[i]
		if verr == nil {
			verr = verifyErrs[i]
		}
		rc, err := x.applyTx(sv, env, raw, txs[i], verr)
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, rc)
	}

	diff := sv.Diff()
	return &BlockResult{
		Height:   b.Height,
		AppHash:  computeAppHash(x.appHash, b.Height, diff),
		Receipts: receipts,
		Diff:     diff,
	}, nil
}

// sweepExpired 区块开始时中止所有超过截止高度的会话，按 subject 排序处理
func (x *Executor) sweepExpired(sv StateView, log *audit.Log, height uint64) error {
	m, err := sv.Scan(keys.KeySessionPrefix())
	if err != nil {
		return err
	}
	ks := make([]string, 0, len(m))
	for k := range m {
		ks = append(ks, k)
	}
	sort.Strings(ks)

	for _, k := range ks {
		sess, err := negotiation.Decode(m[k])
		if err != nil {
			return fmt.Errorf("decode session %s: %w", k, err)
		}
		if !sess.Expire(height) {
			continue
		}
		sv.Del(k)
		if _, err := log.Append(sessionRecord(sess, audit.OutcomeAborted, negotiation.ErrNegotiationTimeout.Error(), height)); err != nil {
			return err
		}
		logs.Info("[VM] negotiation %x round %d aborted at height %d with %d/%d commitments",
			sess.SubjectID, sess.Round, height, sess.Len(), sess.Threshold)
	}
	return nil
}

// applyTx 顺序执行单笔交易。只有致命错误会返回 error。
func (x *Executor) applyTx(sv StateView, env *Env, raw []byte, tx *pb.AnyTx, preErr error) (*Receipt, error) {
	digest := pb.Digest(raw)
	rc := &Receipt{TxID: hex.EncodeToString(digest), BlockHeight: env.Height}

	seenKey := keys.KeySeenTx(digest)
	_, seen, err := sv.Get(seenKey)
	if err != nil {
		return nil, err
	}
	if seen {
		rc.Status = StatusSkipped
		return rc, nil
	}
	sv.Set(seenKey, binary.BigEndian.AppendUint64(nil, env.Height))

	rec := audit.Record{Kind: kindMalformed, PayloadDigest: digest, Height: env.Height}
	if tx != nil {
		rc.Kind = tx.Kind()
		rc.SubjectID = tx.SubjectID()
		rec.Kind = rc.Kind
		rec.SubjectID = rc.SubjectID
		if c := tx.GetSubmitCommitment(); c != nil {
			rec.Round = c.Round
			rec.Node = c.NodeId
		}
	}
	if preErr != nil {
		return x.reject(env.Audit, rc, rec, preErr)
	}

	var appliedKey string
	if c := tx.GetSubmitCommitment(); c != nil {
		sid, round, node := tx.IdempotencyKey()
		appliedKey = keys.KeyApplied(sid, round, node)
		_, applied, err := sv.Get(appliedKey)
		if err != nil {
			return nil, err
		}
		if applied {
			rc.Status = StatusSkipped
			return rc, nil
		}
	}

	h, ok := x.Reg.Get(rc.Kind)
	if !ok {
		return x.reject(env.Audit, rc, rec, fmt.Errorf("%w: %q", ErrUnknownKind, rc.Kind))
	}

	snap := sv.Snapshot()
	env.TxDigest = digest
	out, err := h.DryRun(tx, env, sv)
	if err != nil {
		if isFatal(err) {
			return nil, err
		}
		if rerr := sv.Revert(snap); rerr != nil {
			return nil, rerr
		}
		return x.reject(env.Audit, rc, rec, err)
	}
	if appliedKey != "" {
		sv.Set(appliedKey, digest)
	}

	rec.Outcome = audit.OutcomeAccepted
	if _, err := env.Audit.Append(rec); err != nil {
		return nil, err
	}
	for _, f := range out.Followups {
		if _, err := env.Audit.Append(f); err != nil {
			return nil, err
		}
		if f.Outcome == audit.OutcomeCommitted {
			logs.Info("[VM] subject %x committed round %d at height %d", f.SubjectID, f.Round, env.Height)
		}
	}

	rc.Status = StatusSucceed
	rc.WriteCount = sv.Snapshot() - snap
	return rc, nil
}

func (x *Executor) reject(log *audit.Log, rc *Receipt, rec audit.Record, cause error) (*Receipt, error) {
	rec.Outcome = audit.OutcomeRejected
	rec.Reason = cause.Error()
	if _, err := log.Append(rec); err != nil {
		return nil, err
	}
	rc.Status = StatusFailed
	rc.Error = cause.Error()
	logs.Verbose("[VM] tx %s (%s) rejected at height %d: %v", rc.TxID, rc.Kind, rc.BlockHeight, cause)
	return rc, nil
}

// computeAppHash H(prev ‖ height ‖ 按 key 排序的写集)
func computeAppHash(prev []byte, height uint64, diff []WriteOp) []byte {
	h := sha3.New256()
	h.Write(prev)
	h.Write(binary.BigEndian.AppendUint64(nil, height))
	for _, op := range diff {
		h.Write(binary.BigEndian.AppendUint32(nil, uint32(len(op.Key))))
		h.Write([]byte(op.Key))
		if op.Del {
			h.Write([]byte{1})
			continue
		}
		h.Write([]byte{0})
		h.Write(binary.BigEndian.AppendUint32(nil, uint32(len(op.Value))))
		h.Write(op.Value)
	}
	return h.Sum(nil)
}

// ========== 查询接口 ==========

// Subject 已提交的 subject 状态
func (x *Executor) Subject(id string) (registry.Subject, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return registry.New(x.view()).Get(id)
}

// Subjects 所有 subject，按 id 排序
func (x *Executor) Subjects() ([]registry.Subject, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return registry.New(x.view()).List()
}

// StateHash registry 状态摘要，用于副本间比对
func (x *Executor) StateHash() ([32]byte, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return registry.New(x.view()).StateHash()
}

// History subject 的审计子历史，惰性读取已提交的记录
func (x *Executor) History(subjectID string) iter.Seq[audit.Record] {
	return x.auditLog(x.view()).History(subjectID)
}

// VerifyChain 重新校验整条审计链
func (x *Executor) VerifyChain() error {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.auditLog(x.view()).VerifyChain()
}

// AppHash 某个已提交高度的 app hash
func (x *Executor) AppHash(height uint64) ([]byte, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if height == x.height {
		return append([]byte(nil), x.appHash...), nil
	}
	return x.DB.Get(keys.KeyAppHash(height))
}

// Height 已提交高度
func (x *Executor) Height() uint64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.height
}

// Halted 停机原因，未停机时为 nil
func (x *Executor) Halted() error {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.halted
}

// Status 执行器概况
func (x *Executor) Status() (Status, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	log := x.auditLog(x.view())
	st := Status{
		Height:  x.height,
		AppHash: hex.EncodeToString(x.appHash),
		Halted:  x.halted != nil,
	}
	if x.halted != nil {
		st.HaltReason = x.halted.Error()
	}
	n, err := log.Len()
	if err != nil {
		return st, err
	}
	head, err := log.Head()
	if err != nil {
		return st, err
	}
	st.AuditLength = n
	st.AuditHead = hex.EncodeToString(head)
	return st, nil
}
