package handler

import (
	"strings"
)

// statusPrefixes mark messages weft itself sent. Inbound text starting
// with one of these is an echo of our own status output and is dropped
// before dispatch.
var statusPrefixes = []string{"⏳", "💭", "🔧", "✅", "❌", "🚀", "🤖", "📋", "📊", "🔄", "⏹", "🧠", "🛠", "⚠️", "💥"}

func isOwnStatusText(text string) bool {
	for _, p := range statusPrefixes {
		if strings.HasPrefix(text, p) {
			return true
		}
	}
	return false
}

// maxStatusLength leaves headroom under the common 4096-character
// platform limit.
const maxStatusLength = 3800

// statusComponents accumulates the pieces of one evolving status message
// as turn events arrive.
type statusComponents struct {
	thinking  []string
	tools     []string
	subagents []string
	content   []string
	errors    []string
}

func (c *statusComponents) empty() bool {
	return len(c.thinking) == 0 && len(c.tools) == 0 && len(c.subagents) == 0 &&
		len(c.content) == 0 && len(c.errors) == 0
}

// render assembles the unified status message: thinking, tools,
// subagents, content, errors, then the current status line at the
// bottom. Truncated from the top so the newest output survives.
func (c *statusComponents) render(status string) string {
	var lines []string

	if len(c.thinking) > 0 {
		thinking := truncateTail(strings.Join(c.thinking, ""), 800)
		lines = append(lines, "💭 **Thinking:**\n```\n"+thinking+"\n```")
	}

	if len(c.tools) > 0 {
		seen := make(map[string]bool)
		var unique []string
		for _, t := range c.tools {
			if !seen[t] {
				unique = append(unique, t)
				seen[t] = true
			}
		}
		lines = append(lines, "🛠 **Tools:** `"+strings.Join(unique, ", ")+"`")
	}

	for _, task := range c.subagents {
		lines = append(lines, "🤖 **Subagent:** `"+task+"`")
	}

	if len(c.content) > 0 {
		lines = append(lines, strings.Join(c.content, ""))
	}

	for _, err := range c.errors {
		lines = append(lines, "⚠️ **Error:** `"+err+"`")
	}

	if status != "" {
		lines = append(lines, "", status)
	}

	return truncateHead(strings.Join(lines, "\n"), maxStatusLength)
}

// truncateError keeps error text short enough for a status line.
func truncateError(msg string) string {
	return truncateTail(msg, 200)
}

// truncateTail keeps at most n runes from the front, marking the cut.
// Truncation counts runes, never bytes, so a multi-byte character is
// never split into invalid text.
func truncateTail(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

// truncateHead keeps at most n runes from the end, marking the cut, so
// the newest output survives.
func truncateHead(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return "..." + string(r[len(r)-n+3:])
}
