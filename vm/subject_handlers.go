package vm

import (
	"fmt"

	"fedpi/audit"
	"fedpi/crypto/identity"
	"fedpi/keys"
	"fedpi/negotiation"
	"fedpi/pb"
	"fedpi/registry"
)

// KindNegotiation 会话级事件（提交/中止）在审计链中的类型
const KindNegotiation = "negotiation"

func sessionRecord(sess *negotiation.Session, outcome audit.Outcome, reason string, height uint64) audit.Record {
	return audit.Record{
		SubjectID: sess.SubjectID,
		Kind:      KindNegotiation,
		Round:     sess.Round,
		Outcome:   outcome,
		Reason:    reason,
		Height:    height,
	}
}

// loadSession 读取 subject 当前的协商会话，没有时返回 nil
func loadSession(sv StateView, subjectID string) (*negotiation.Session, error) {
	raw, ok, err := sv.Get(keys.KeySession(subjectID))
	if err != nil || !ok {
		return nil, err
	}
	return negotiation.Decode(raw)
}

// ========== create_subject ==========

// CreateSubjectHandler 注册新的 subject，初始为 Pending
type CreateSubjectHandler struct{}

func (h *CreateSubjectHandler) Kind() string { return pb.KindCreateSubject }

func (h *CreateSubjectHandler) DryRun(tx *pb.AnyTx, env *Env, sv StateView) (*Receipt, error) {
	c := tx.GetCreateSubject()
	if c == nil {
		return nil, ErrNilTx
	}
	sid := string(c.SubjectId)
	reg := registry.New(sv)

	exists, err := reg.Exists(sid)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: subject %x already exists", registry.ErrInvalidTransition, sid)
	}
	if c.Threshold < env.Negotiation.MinThreshold {
		return nil, fmt.Errorf("%w: threshold %d below federation minimum %d", registry.ErrInvalidSubject, c.Threshold, env.Negotiation.MinThreshold)
	}
	if uint32(len(c.Holders)) > env.Negotiation.MaxHolders {
		return nil, fmt.Errorf("%w: %d holders exceeds %d", registry.ErrInvalidSubject, len(c.Holders), env.Negotiation.MaxHolders)
	}
	if err := env.Roster.Contains(c.Holders); err != nil {
		return nil, fmt.Errorf("%w: %v", registry.ErrNotHolder, err)
	}
	if _, err := identity.ParsePublicKey(c.SubjectKey); err != nil {
		return nil, err
	}

	subject, err := registry.NewSubject(sid, c.Threshold, c.Holders, c.SubjectKey, env.Height)
	if err != nil {
		return nil, err
	}
	reg.Put(subject)
	return &Receipt{Kind: h.Kind(), SubjectID: sid, Status: StatusSucceed}, nil
}

// ========== revoke_subject ==========

// RevokeSubjectHandler 吊销 subject，同时中止进行中的协商
type RevokeSubjectHandler struct{}

func (h *RevokeSubjectHandler) Kind() string { return pb.KindRevokeSubject }

func (h *RevokeSubjectHandler) DryRun(tx *pb.AnyTx, env *Env, sv StateView) (*Receipt, error) {
	c := tx.GetRevokeSubject()
	if c == nil {
		return nil, ErrNilTx
	}
	sid := string(c.SubjectId)
	reg := registry.New(sv)

	subject, err := reg.Get(sid)
	if err != nil {
		return nil, err
	}
	if err := VerifyWithSubject(tx, subject); err != nil {
		return nil, err
	}
	revoked, err := subject.Revoke(env.Height)
	if err != nil {
		return nil, err
	}
	reg.Put(revoked)

	rc := &Receipt{Kind: h.Kind(), SubjectID: sid, Status: StatusSucceed}
	sess, err := loadSession(sv, sid)
	if err != nil {
		return nil, err
	}
	if sess != nil {
		sv.Del(keys.KeySession(sid))
		rc.Followups = append(rc.Followups, sessionRecord(sess, audit.OutcomeAborted, "subject revoked", env.Height))
	}
	return rc, nil
}

// ========== evolve_key ==========

// EvolveKeyHandler 用当前 subject 密钥授权替换为新密钥
type EvolveKeyHandler struct{}

func (h *EvolveKeyHandler) Kind() string { return pb.KindEvolveKey }

func (h *EvolveKeyHandler) DryRun(tx *pb.AnyTx, env *Env, sv StateView) (*Receipt, error) {
	c := tx.GetEvolveKey()
	if c == nil {
		return nil, ErrNilTx
	}
	sid := string(c.SubjectId)
	reg := registry.New(sv)

	subject, err := reg.Get(sid)
	if err != nil {
		return nil, err
	}
	if err := VerifyWithSubject(tx, subject); err != nil {
		return nil, err
	}
	if _, err := identity.ParsePublicKey(c.NewKey); err != nil {
		return nil, err
	}
	evolved, err := subject.EvolveKey(c.NewKey, c.KeyIndex, env.Height)
	if err != nil {
		return nil, err
	}
	reg.Put(evolved)
	return &Receipt{Kind: h.Kind(), SubjectID: sid, Status: StatusSucceed}, nil
}
