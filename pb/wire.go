// pb/wire.go
// 手写的 protobuf 线格式编解码。字段按编号升序写出、零值省略，
// 同一消息总是得到同样的字节，交易摘要和 app hash 都依赖这一点。
package pb

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	ErrNonCanonical   = errors.New("pb: non-canonical encoding")
	ErrUnknownField   = errors.New("pb: unknown field")
	ErrWireType       = errors.New("pb: unexpected wire type")
	ErrEmptyEnvelope  = errors.New("pb: AnyTx has no content")
	ErrMultipleFields = errors.New("pb: AnyTx has more than one content field")
)

type encoder struct {
	b []byte
}

func (e *encoder) uvarint(num protowire.Number, v uint64) {
	if v == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.VarintType)
	e.b = protowire.AppendVarint(e.b, v)
}

func (e *encoder) bytes(num protowire.Number, v []byte) {
	if len(v) == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, v)
}

func (e *encoder) str(num protowire.Number, v string) {
	if v == "" {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendString(e.b, v)
}

// message 嵌套消息即使为空也写出（oneof 需要）
func (e *encoder) message(num protowire.Number, v []byte) {
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, v)
}

func (e *encoder) repeatedBytes(num protowire.Number, vs [][]byte) {
	for _, v := range vs {
		e.message(num, v)
	}
}

func (e *encoder) repeatedStr(num protowire.Number, vs []string) {
	for _, v := range vs {
		e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
		e.b = protowire.AppendString(e.b, v)
	}
}

// field 解码时回调的单个字段
type field struct {
	num protowire.Number
	typ protowire.Type
	raw []byte // BytesType
	u   uint64 // VarintType
}

func (f field) want(typ protowire.Type) error {
	if f.typ != typ {
		return fmt.Errorf("%w: field %d has type %d", ErrWireType, f.num, f.typ)
	}
	return nil
}

// bytesCopy 解码出的字节切片引用输入缓冲区，存入结构体前复制一份
func (f field) bytesCopy() []byte {
	if len(f.raw) == 0 {
		return nil
	}
	out := make([]byte, len(f.raw))
	copy(out, f.raw)
	return out
}

func walk(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			f.u = v
			b = b[m:]
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			f.raw = v
			b = b[m:]
		default:
			return fmt.Errorf("%w: %d", ErrWireType, typ)
		}
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func unknown(f field) error {
	return fmt.Errorf("%w: %d", ErrUnknownField, f.num)
}

// canonical 解码后重新编码必须与输入逐字节一致
func canonical(in []byte, m interface{ Marshal() []byte }) error {
	out := m.Marshal()
	if string(out) != string(in) {
		return ErrNonCanonical
	}
	return nil
}
