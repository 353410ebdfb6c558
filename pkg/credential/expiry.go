package credential

import (
	"strconv"
	"strings"
	"time"
)

const expirySegmentKey = "exp"

// ParseExpiry extracts the Unix expiry from a short-lived token of the form
// "tid=...;exp=1731950502;sku=...". It returns 0 (already expired) when no
// parseable exp segment is present.
func ParseExpiry(token string) int64 {
	for _, part := range strings.Split(token, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || key != expirySegmentKey {
			continue
		}
		exp, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			continue
		}
		return exp
	}
	return 0
}

// WithExpiry returns token with its exp segment set to exp, replacing an
// existing segment in place or appending one.
func WithExpiry(token string, exp int64) string {
	segment := expirySegmentKey + "=" + strconv.FormatInt(exp, 10)
	if strings.TrimSpace(token) == "" {
		return segment
	}
	parts := strings.Split(token, ";")
	for i, part := range parts {
		key, _, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && key == expirySegmentKey {
			parts[i] = segment
			return strings.Join(parts, ";")
		}
	}
	return token + ";" + segment
}

// IsExpired reports exp < now at one-second resolution. A token whose expiry
// equals the current second is still valid.
func IsExpired(exp int64, now time.Time) bool {
	return exp < now.Unix()
}
