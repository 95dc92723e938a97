package util

import (
	"cmp"
	"strconv"
	"strings"
	"sync"
)

func TrimSP[T ~string](s T) T { return T(strings.TrimSpace(string(s))) }

func CmpKVs[T ~string](kv1, kv2 []T) int { return cmp.Compare(kv1[0], kv2[0]) }

func Quote(s string) string { return strconv.Quote(s) }

func Unquote(s string) string {
	qs, err := strconv.Unquote(s)
	if err != nil {
		return s
	}
	return qs
}

func LCase[T ~string](s T) T { return T(strings.ToLower(string(s))) }

func UCase[T ~string](s T) T { return T(strings.ToUpper(string(s))) }

func EqFold[T1, T2 ~string](s1 T1, s2 T2) bool {
	return strings.EqualFold(string(s1), string(s2))
}

// Ellipsis truncates s to at most n runes, appending "..." when truncated.
func Ellipsis(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}

var sbPool = sync.Pool{
	New: func() any {
		sb := new(strings.Builder)
		sb.Grow(512)
		return sb
	},
}

func GetStringBuilder() *strings.Builder {
	return sbPool.Get().(*strings.Builder) //nolint:forcetypeassert
}

func FreeStringBuilder(sb *strings.Builder) {
	sb.Reset()
	sbPool.Put(sb)
}
