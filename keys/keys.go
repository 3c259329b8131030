// keys/keys.go
// 统一的 Key 定义包，供 VM、DB 和查询接口共同使用
package keys

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// ===================== 版本控制 =====================
// 设置全局 Key 版本前缀（例如 "v1" → 产出 "v1_<key>"）。
const KeyVersion = "v1"

// withVer 把版本号拼到最前面（保持下划线风格：v1_<...>）
func withVer(s string) string {
	if KeyVersion == "" {
		return s
	}
	return KeyVersion + "_" + s
}

// StripVersion 去掉版本前缀
func StripVersion(prefixed string) string {
	if KeyVersion == "" {
		return prefixed
	}
	return strings.TrimPrefix(prefixed, KeyVersion+"_")
}

// EncodeSubjectID subject id 是不透明字节串，落库前统一转为 hex
func EncodeSubjectID(subjectID string) string {
	return hex.EncodeToString([]byte(subjectID))
}

// DecodeSubjectID EncodeSubjectID 的逆操作
func DecodeSubjectID(encoded string) (string, error) {
	b, err := hex.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode subject id %q: %w", encoded, err)
	}
	return string(b), nil
}

// ===================== Subject =====================

// KeySubject subject 当前状态
// 例：v1_subject_<hex(sid)>
func KeySubject(subjectID string) string {
	return withVer("subject_" + EncodeSubjectID(subjectID))
}

// KeySubjectPrefix 所有 subject 的前缀（用于 List/StateHash）
func KeySubjectPrefix() string {
	return withVer("subject_")
}

// ===================== 协商会话 =====================

// KeySession 进行中的协商会话，每个 subject 同时最多一个
// 例：v1_session_<hex(sid)>
func KeySession(subjectID string) string {
	return withVer("session_" + EncodeSubjectID(subjectID))
}

// KeySessionPrefix 会话前缀（区块开始时扫描超时会话）
func KeySessionPrefix() string {
	return withVer("session_")
}

// SessionID DKG 会话标识，参与 pad 派生与签名摘要
func SessionID(subjectID string, round uint64) []byte {
	return []byte(fmt.Sprintf("fedpi_session_%s_%d", EncodeSubjectID(subjectID), round))
}

// ===================== 幂等 =====================

// KeyApplied 已生效的幂等键 (subject, round, node)
// 例：v1_applied_<hex(sid)>_<round>_<node>
func KeyApplied(subjectID string, round uint64, node string) string {
	return withVer(fmt.Sprintf("applied_%s_%d_%s", EncodeSubjectID(subjectID), round, node))
}

// KeySeenTx 已处理过的交易摘要（包括被拒绝的），重投时直接跳过
// 例：v1_seentx_<hex(digest)>
func KeySeenTx(digest []byte) string {
	return withVer("seentx_" + hex.EncodeToString(digest))
}

// ===================== 审计链 =====================

// KeyAuditRecord 审计记录，序号定长补零保证前缀扫描有序
// 例：v1_audit_00000000000000000042
func KeyAuditRecord(seq uint64) string {
	return withVer(fmt.Sprintf("audit_%020d", seq))
}

// KeyAuditRecordPrefix 审计记录前缀
func KeyAuditRecordPrefix() string {
	return withVer("audit_")
}

// KeyAuditLength 审计链长度
func KeyAuditLength() string {
	return withVer("auditlen")
}

// ===================== 应用状态 =====================

// KeyAppState 最新已提交高度与 app hash
func KeyAppState() string {
	return withVer("appstate")
}

// KeyAppHash 每个高度的 app hash（用于与其他节点交叉核对）
// 例：v1_apphash_00000000000000000042
func KeyAppHash(height uint64) string {
	return withVer(fmt.Sprintf("apphash_%020d", height))
}
