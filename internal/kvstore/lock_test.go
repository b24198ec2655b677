package kvstore

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSanitizeLockKey_StripsControlCharsAndWhitespace(t *testing.T) {
	require.Equal(t, "abc123", SanitizeLockKey("a b\tc1\n2\r3"))
}

func TestSanitizeLockKey_ShortKeyPassesThrough(t *testing.T) {
	require.Equal(t, "0xabc123", SanitizeLockKey("0xabc123"))
}

func TestSanitizeLockKey_TruncatesLongKeys(t *testing.T) {
	long := strings.Repeat("a", 250)
	got := SanitizeLockKey(long)
	require.LessOrEqual(t, len(got), 200)
	require.Len(t, got, 191+1+8)
	require.True(t, strings.HasPrefix(got, strings.Repeat("a", 191)+":"))
}

func TestFingerprint_DeterministicAndTruncatesTextTo30Runes(t *testing.T) {
	a := Fingerprint("x", "alice", "2026-07-31T00:00:00Z", "hello world this is a very long post body")
	b := Fingerprint("x", "alice", "2026-07-31T00:00:00Z", "hello world this is a very long post body, changed tail")
	require.Equal(t, a, b, "fingerprint only depends on first 30 runes of text")
}

func TestFingerprint_DiffersOnAuthor(t *testing.T) {
	a := Fingerprint("x", "alice", "2026-07-31T00:00:00Z", "same text")
	b := Fingerprint("x", "bob", "2026-07-31T00:00:00Z", "same text")
	require.NotEqual(t, a, b)
}
