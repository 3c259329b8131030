// keys/category.go
// Key 分类：写集落库时用于统计与缓存策略
package keys

import "strings"

// KeyCategory 数据分类
type KeyCategory string

const (
	CategorySubject KeyCategory = "subject"
	CategorySession KeyCategory = "session"
	CategoryAudit   KeyCategory = "audit"
	CategoryApplied KeyCategory = "applied"
	CategoryMeta    KeyCategory = "meta"
)

var categoryPrefixes = []struct {
	prefix   string
	category KeyCategory
}{
	{withVer("subject_"), CategorySubject},
	{withVer("session_"), CategorySession},
	{withVer("audit"), CategoryAudit},
	{withVer("applied_"), CategoryApplied},
	{withVer("seentx_"), CategoryApplied},
}

// CategorizeKey 判断 key 的分类，未命中的一律视为 meta
func CategorizeKey(key string) KeyCategory {
	for _, p := range categoryPrefixes {
		if strings.HasPrefix(key, p.prefix) {
			return p.category
		}
	}
	return CategoryMeta
}

// IsCacheable 只有 subject 会被查询接口频繁读取，值得放进读缓存
func IsCacheable(key string) bool {
	return CategorizeKey(key) == CategorySubject
}
