package capture

import (
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/goccy/go-json"
	"golang.org/x/crypto/blake2b"

	"github.com/thebtf/engram-context/internal/classifier"
	"github.com/thebtf/engram-context/pkg/models"
)

const (
	maxPromptChars = 300
	truncatedMark  = "... (truncated)"
)

// RepresentativePrompt is the short deterministic summary of what an event did.
func RepresentativePrompt(tool string, input models.ToolInput) string {
	var p string
	switch in := input.(type) {
	case models.CommandInput:
		p = "Execute command: " + normalizeSpace(in.Command)
	case models.FileEditInput:
		p = "Edit file: " + in.FilePath
	case models.FileWriteInput:
		p = "Write file: " + in.FilePath
	case models.FileReadInput:
		p = "Read file: " + in.FilePath
	case models.SearchInput:
		p = "Search: " + in.Pattern
		if in.Path != "" {
			p += " in " + in.Path
		}
	case models.FetchInput:
		p = "Fetch URL: " + in.URL
	case models.TaskInput:
		p = "Delegate task: " + normalizeSpace(firstNonEmpty(in.Description, in.Prompt))
	default:
		p = "Use tool " + tool
	}
	return truncate(p, maxPromptChars)
}

// Signature identifies repeated captures of the same action with the same result.
func Signature(tool string, input models.ToolInput, class models.Classification) string {
	h, _ := blake2b.New256(nil)
	for _, part := range []string{tool, string(class), signatureKey(input)} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}

func signatureKey(input models.ToolInput) string {
	switch in := input.(type) {
	case models.CommandInput:
		return normalizeSpace(in.Command)
	case models.FileEditInput:
		return filepath.Clean(in.FilePath) + "\x00" + in.OldString + "\x00" + in.NewString
	case models.FileWriteInput:
		return filepath.Clean(in.FilePath) + "\x00" + in.Content
	case models.FileReadInput:
		return filepath.Clean(in.FilePath)
	case models.SearchInput:
		return in.Pattern + "\x00" + in.Path
	case models.FetchInput:
		return in.URL + "\x00" + in.Prompt
	case models.TaskInput:
		return in.Description + "\x00" + in.Prompt
	case models.UnstructuredInput:
		data, err := json.Marshal(in.Fields)
		if err != nil {
			return fmt.Sprint(in.Fields)
		}
		return string(data)
	}
	return ""
}

// narrative renders the detailed account stored in the record payload.
func narrative(ev models.ToolEvent, input models.ToolInput, outcome models.Outcome, prompt string, maxResponse int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Tool: %s\n", ev.Tool)
	fmt.Fprintf(&sb, "Action: %s\n", prompt)
	fmt.Fprintf(&sb, "Outcome: %s\n", outcome.Classification)
	if len(outcome.ErrorPatterns) > 0 {
		fmt.Fprintf(&sb, "Errors: %s\n", classifier.Describe(outcome.ErrorPatterns))
	}
	if len(outcome.SuccessPatterns) > 0 {
		fmt.Fprintf(&sb, "Signals: %s\n", classifier.Describe(outcome.SuccessPatterns))
	}
	if len(outcome.Files) > 0 {
		fmt.Fprintf(&sb, "Files: %s\n", strings.Join(outcome.Files, ", "))
	}
	fmt.Fprintf(&sb, "Category: %s\n", classifier.Category(input))
	if d := description(input); d != "" {
		fmt.Fprintf(&sb, "Description: %s\n", d)
	}
	if ev.SessionID != "" {
		fmt.Fprintf(&sb, "Session: %s\n", ev.SessionID)
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	fmt.Fprintf(&sb, "Time: %s\n", ts.UTC().Format(time.RFC3339))

	if resp := strings.TrimSpace(ev.ResponseText()); resp != "" {
		sb.WriteString("Response:\n")
		sb.WriteString(truncate(resp, maxResponse))
		sb.WriteString("\n")
	}
	return sb.String()
}

func description(input models.ToolInput) string {
	switch in := input.(type) {
	case models.CommandInput:
		return in.Description
	case models.TaskInput:
		return in.Description
	case models.FetchInput:
		return in.Prompt
	case models.UnstructuredInput:
		keys := make([]string, 0, len(in.Fields))
		for k := range in.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return "parameters " + strings.Join(keys, ", ")
	}
	return ""
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// truncate shortens s to at most maxLen bytes on a rune boundary.
func truncate(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncatedMark
}
