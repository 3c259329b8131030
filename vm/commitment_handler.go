package vm

import (
	"fmt"

	"fedpi/audit"
	"fedpi/keys"
	"fedpi/negotiation"
	"fedpi/pb"
	"fedpi/registry"
)

// SubmitCommitmentHandler 把节点的份额承诺计入协商会话：
//   - 有进行中的会话：只接受该轮的承诺，凑齐 t 个一致承诺即激活 subject
//   - 无会话且是已提交轮次：作为晚到承诺补记，最多到 n 个
//   - 否则：开启新一轮会话（轮次必须大于所有已开启的轮次，且不超过 MaxRoundGap）
type SubmitCommitmentHandler struct{}

func (h *SubmitCommitmentHandler) Kind() string { return pb.KindSubmitCommitment }

func (h *SubmitCommitmentHandler) DryRun(tx *pb.AnyTx, env *Env, sv StateView) (*Receipt, error) {
	c := tx.GetSubmitCommitment()
	if c == nil {
		return nil, ErrNilTx
	}
	sid := string(c.SubjectId)
	reg := registry.New(sv)

	subject, err := reg.Get(sid)
	if err != nil {
		return nil, err
	}
	sub, err := negotiation.SubmissionFromTx(c, env.Height)
	if err != nil {
		return nil, err
	}
	sess, err := loadSession(sv, sid)
	if err != nil {
		return nil, err
	}

	rc := &Receipt{Kind: h.Kind(), SubjectID: sid, Status: StatusSucceed}

	switch {
	case sess != nil:
		if c.Round < sess.Round {
			return nil, fmt.Errorf("%w: round %d, session is collecting round %d", registry.ErrStaleRound, c.Round, sess.Round)
		}
		if c.Round != sess.Round {
			return nil, fmt.Errorf("%w: round %d cannot open while round %d is collecting", registry.ErrInvalidTransition, c.Round, sess.Round)
		}

	case subject.State == registry.StateActive && c.Round == subject.Round:
		if !sub.Master.Equal(subject.Master) {
			return nil, fmt.Errorf("%w: late commitment declares a different master polynomial", registry.ErrInvalidCommitment)
		}
		next, err := subject.AddLateCommitment(sub.Commitment, env.Height)
		if err != nil {
			return nil, err
		}
		reg.Put(next)
		return rc, nil

	default:
		// 先按开启前的 subject 建会话，再记录已开启的轮次
		sess, err = negotiation.Open(subject, c.Round, env.Height, env.Negotiation)
		if err != nil {
			return nil, err
		}
		subject, err = subject.OpenRound(c.Round, env.Negotiation.MaxRoundGap, env.Height)
		if err != nil {
			return nil, err
		}
		reg.Put(subject)
	}

	out, err := sess.Submit(sub, env.Height)
	if err != nil {
		return nil, err
	}
	if !out.Committed {
		sv.Set(keys.KeySession(sid), sess.Encode())
		return rc, nil
	}

	active, err := subject.Activate(sess.Round, out.Master, out.Commitments, env.Height)
	if err != nil {
		return nil, err
	}
	reg.Put(active)
	sv.Del(keys.KeySession(sid))
	rc.Followups = append(rc.Followups, sessionRecord(sess, audit.OutcomeCommitted, "", env.Height))
	return rc, nil
}
