package keys

import "testing"

func TestCategorizeKey(t *testing.T) {
	t.Parallel()

	cases := map[string]KeyCategory{
		KeySubject("alice"):         CategorySubject,
		KeySession("alice"):         CategorySession,
		KeyAuditRecord(42):          CategoryAudit,
		KeyAuditLength():            CategoryAudit,
		KeyApplied("alice", 1, "n"): CategoryApplied,
		KeySeenTx([]byte{1, 2}):     CategoryApplied,
		KeyAppState():               CategoryMeta,
		KeyAppHash(7):               CategoryMeta,
	}
	for key, want := range cases {
		if got := CategorizeKey(key); got != want {
			t.Fatalf("CategorizeKey(%s) = %s, want %s", key, got, want)
		}
	}
}

func TestOnlySubjectsAreCacheable(t *testing.T) {
	t.Parallel()

	if !IsCacheable(KeySubject("alice")) {
		t.Fatalf("subject key should be cacheable")
	}
	for _, key := range []string{KeySession("alice"), KeyAuditRecord(0), KeyAppState(), KeySeenTx([]byte{1})} {
		if IsCacheable(key) {
			t.Fatalf("expected non-cacheable key: %s", key)
		}
	}
}
