package vm

import (
	"errors"
	"fmt"
	"sort"

	"fedpi/pb"
)

// HandlerRegistry 交易种类到 handler 的映射，构建后只读
type HandlerRegistry struct {
	byKind map[string]TxHandler
	kinds  []string
}

// NewHandlerRegistry 每个 kind 只能有一个 handler
func NewHandlerRegistry(hs ...TxHandler) (*HandlerRegistry, error) {
	r := &HandlerRegistry{byKind: make(map[string]TxHandler, len(hs))}
	for _, h := range hs {
		if h == nil {
			return nil, errors.New("nil handler")
		}
		kind := h.Kind()
		if kind == "" {
			return nil, errors.New("empty handler kind")
		}
		if _, dup := r.byKind[kind]; dup {
			return nil, fmt.Errorf("duplicate handler kind: %s", kind)
		}
		r.byKind[kind] = h
		r.kinds = append(r.kinds, kind)
	}
	sort.Strings(r.kinds)
	return r, nil
}

// DefaultHandlers 全部交易种类都必须有 handler，缺一个直接 panic
func DefaultHandlers() *HandlerRegistry {
	r, err := NewHandlerRegistry(
		&CreateSubjectHandler{},
		&SubmitCommitmentHandler{},
		&RevokeSubjectHandler{},
		&EvolveKeyHandler{},
	)
	if err == nil {
		err = r.Covers(pb.Kinds()...)
	}
	if err != nil {
		panic(err)
	}
	return r
}

// Covers 检查给定的 kind 都已注册
func (r *HandlerRegistry) Covers(kinds ...string) error {
	for _, k := range kinds {
		if _, ok := r.byKind[k]; !ok {
			return fmt.Errorf("%w: no handler for %q", ErrUnknownKind, k)
		}
	}
	return nil
}

func (r *HandlerRegistry) Get(kind string) (TxHandler, bool) {
	h, ok := r.byKind[kind]
	return h, ok
}

// List 已注册的 kind，按字典序
func (r *HandlerRegistry) List() []string {
	return append([]string(nil), r.kinds...)
}
