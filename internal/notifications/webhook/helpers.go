package webhook

import (
	"math"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"skyhook/internal/types"
)

// defaultRetryAfter applies when a 429 carries no usable hint.
const defaultRetryAfter = 5 * time.Second

// parseRetryAfter extracts the retry delay from a 429 response. Discord sends
// Retry-After in (possibly fractional) seconds and repeats it as retry_after
// in the body; HTTP-date values are honoured for proxies in front of it.
func parseRetryAfter(header string, body []byte, clock types.Clock) time.Duration {
	if header != "" {
		if secs, err := strconv.ParseFloat(header, 64); err == nil {
			return secondsToDuration(secs)
		}
		if t, err := time.Parse(time.RFC1123, header); err == nil {
			if d := t.Sub(clock.Now()); d > 0 {
				return d
			}
			return time.Second
		}
	}

	var de discordError
	if len(body) > 0 && json.Unmarshal(body, &de) == nil && de.RetryAfter > 0 {
		return secondsToDuration(de.RetryAfter)
	}

	return defaultRetryAfter
}

func secondsToDuration(secs float64) time.Duration {
	if secs <= 0 || math.IsNaN(secs) {
		return time.Second
	}
	return time.Duration(math.Ceil(secs*1000)) * time.Millisecond
}

// discordErrorCode returns the JSON error code from a Discord error body, or 0.
func discordErrorCode(body []byte) int {
	var de discordError
	if json.Unmarshal(body, &de) != nil {
		return 0
	}
	return de.Code
}

// truncateBody limits a response body for logging.
func truncateBody(body []byte) string {
	const maxLen = 200
	if len(body) <= maxLen {
		return string(body)
	}
	return string(body[:maxLen]) + "..."
}

// truncateRunes cuts s to at most n codepoints, marking the cut with an
// ellipsis.
func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}

// truncateMarkdown is truncateRunes for rendered post text. A cut that would
// land inside a [text](uri) link backs up to before its opening bracket.
func truncateMarkdown(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	cut := n - 1
	if open := unclosedLink(runes[:cut], runes); open >= 0 {
		cut = open
	}
	return string(runes[:cut]) + "…"
}

// unclosedLink returns the index of the '[' of a link left open at the end
// of prefix, or -1. full is the untruncated text prefix was cut from.
func unclosedLink(prefix, full []rune) int {
	open, inURI := -1, false
	for i, r := range prefix {
		switch {
		case inURI:
			if r == ')' {
				open, inURI = -1, false
			}
		case r == '[':
			open = i
		case r == ']' && open >= 0:
			if i+1 < len(full) && full[i+1] == '(' {
				inURI = true
			} else {
				open = -1
			}
		}
	}
	return open
}
