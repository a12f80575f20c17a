// Package privacy removes private and injected content from text before it is persisted.
package privacy

import (
	"regexp"
	"strings"
)

// ContextTag wraps context that the engine injects into the agent conversation.
// Injected blocks are stripped on capture so the engine never stores its own output.
const ContextTag = "engram-context"

// Redacted replaces secret values.
const Redacted = "[REDACTED]"

var (
	privateTagRegex = regexp.MustCompile(`(?s)<private>.*?</private>`)
	contextTagRegex = regexp.MustCompile(`(?s)<` + ContextTag + `>.*?</` + ContextTag + `>`)

	// Each secret pattern keeps group 1 (the key or prefix) and drops the value.
	secretPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)((?:api[_-]?key|secret|token|passw(?:or)?d|pwd|auth)["']?\s*[:=]\s*)["']?[^\s"']{4,}["']?`),
		regexp.MustCompile(`(?i)(bearer\s+)[a-z0-9._~+/=-]{8,}`),
		regexp.MustCompile(`()\bsk-[A-Za-z0-9_-]{20,}`),
		regexp.MustCompile(`()\bgh[pousr]_[A-Za-z0-9]{30,}`),
		regexp.MustCompile(`()\bAKIA[0-9A-Z]{16}\b`),
		regexp.MustCompile(`(://[^:/\s]+:)[^@/\s]+(@)`),
	}
)

// StripPrivateTags removes all <private>...</private> content from text.
func StripPrivateTags(text string) string {
	return privateTagRegex.ReplaceAllString(text, "")
}

// StripContextTags removes all injected <engram-context> blocks from text.
func StripContextTags(text string) string {
	return contextTagRegex.ReplaceAllString(text, "")
}

// StripAllTags removes both private and injected context blocks.
func StripAllTags(text string) string {
	return StripContextTags(StripPrivateTags(text))
}

// IsEntirelyPrivate checks if the text is entirely within <private> tags.
func IsEntirelyPrivate(text string) bool {
	return strings.TrimSpace(StripPrivateTags(text)) == ""
}

// RedactSecrets masks credential-shaped values.
func RedactSecrets(text string) string {
	for i, re := range secretPatterns {
		if i == len(secretPatterns)-1 {
			text = re.ReplaceAllString(text, "${1}"+Redacted+"${2}")
			continue
		}
		text = re.ReplaceAllString(text, "${1}"+Redacted)
	}
	return text
}

// Clean strips tags, redacts secrets and trims whitespace.
// This is the function to use before storing any captured content.
func Clean(text string) string {
	return strings.TrimSpace(RedactSecrets(StripAllTags(text)))
}

// WrapContext encloses text in the injected-context tag.
func WrapContext(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	return "<" + ContextTag + ">\n" + text + "\n</" + ContextTag + ">"
}
