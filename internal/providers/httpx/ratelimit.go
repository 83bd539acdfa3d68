package httpx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/junctionhq/junction/internal/providers/registry"
)

// ParseRateLimit extracts rate limit headers from a provider response.
// Both the X-RateLimit and X-Rate-Limit spellings are recognized; the
// reset value may be epoch seconds or a delta in seconds. Returns nil
// when the response carries no limit header.
func ParseRateLimit(h http.Header, now time.Time) *registry.RateLimit {
	limit := intHeader(h, "X-RateLimit-Limit", "X-Rate-Limit-Limit")
	if limit <= 0 {
		return nil
	}
	rl := &registry.RateLimit{
		Limit:     limit,
		Remaining: intHeader(h, "X-RateLimit-Remaining", "X-Rate-Limit-Remaining"),
	}
	if reset := intHeader(h, "X-RateLimit-Reset", "X-Rate-Limit-Reset"); reset > 0 {
		// Heuristic: values beyond a year's worth of seconds are epochs.
		if reset > 365*24*3600 {
			rl.ResetAt = time.Unix(int64(reset), 0).UTC()
		} else {
			rl.ResetAt = now.Add(time.Duration(reset) * time.Second).UTC()
		}
	}
	return rl
}

func intHeader(h http.Header, names ...string) int {
	for _, name := range names {
		v := h.Get(name)
		if v == "" {
			continue
		}
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}
