package tghtml

import "strings"

// DefaultTextLimit is a safe per-message size for Telegram sendMessage.
// The hard API cap is 4096 characters.
const DefaultTextLimit = 4090

// SplitText breaks s into chunks of at most limit runes for sending as
// separate Telegram messages. Chunks prefer to end on a newline, and for HTML
// parse mode the split point backs out of an unterminated tag so Telegram does
// not reject the chunk.
func SplitText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = DefaultTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	htmlMode := strings.EqualFold(parseMode, "HTML")
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	for start := 0; start < len(rs); {
		end := splitPoint(rs, start, limit, htmlMode)
		if chunk := strings.TrimRight(string(rs[start:end]), "\n"); chunk != "" {
			out = append(out, chunk)
		}
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	if len(out) == 0 {
		return []string{""}
	}
	return out
}

// splitPoint picks where the chunk starting at start should end.
func splitPoint(rs []rune, start, limit int, htmlMode bool) int {
	end := start + limit
	if end >= len(rs) {
		return len(rs)
	}

	// A newline in the back of the window beats a mid-line cut, as long as
	// the resulting chunk is not degenerately short.
	for i := end - 1; i > start; i-- {
		if rs[i] == '\n' && i-start >= limit/3 {
			end = i + 1
			break
		}
	}

	if htmlMode && end < len(rs) {
		if open := danglingTag(rs, start, end); open > start+1 {
			end = open
			if end <= start {
				end = start + limit
				if end > len(rs) {
					end = len(rs)
				}
			}
		}
	}
	return end
}

// danglingTag returns the index of a '<' in rs[start:end) whose matching '>'
// falls outside the window, or -1 when every tag in the window is closed.
func danglingTag(rs []rune, start, end int) int {
	lastOpen, lastClose := -1, -1
	for i := start; i < end; i++ {
		switch rs[i] {
		case '<':
			lastOpen = i
		case '>':
			lastClose = i
		}
	}
	if lastOpen > lastClose {
		return lastOpen
	}
	return -1
}
