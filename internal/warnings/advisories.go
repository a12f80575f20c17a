package warnings

import (
	"context"

	"github.com/thebtf/engram-context/internal/classifier"
	"github.com/thebtf/engram-context/pkg/models"
)

// Advisory is a message derived from a classified outcome.
type Advisory struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

var advisoryMessages = map[string]string{
	classifier.TagFileNotFound:     "A path used here did not exist. Check the path before retrying.",
	classifier.TagPermissionDenied: "The operation lacked permission. Avoid retrying with elevated rights unless asked to.",
	classifier.TagCommandNotFound:  "The command is not installed in this environment.",
	classifier.TagSyntaxError:      "The last change left a syntax error.",
	classifier.TagCompilationError: "The build is broken. Fix compilation errors before continuing.",
	classifier.TagTestFailure:      "Tests are failing.",
	classifier.TagTimeout:          "The operation timed out. Consider a narrower command.",
	classifier.TagNetworkError:     "A network call failed. The host may be unreachable from here.",
	classifier.TagOutOfMemory:      "The process ran out of memory.",
	classifier.TagMergeConflict:    "There are unresolved merge conflicts.",
	classifier.TagDependencyError:  "A dependency could not be resolved.",
	classifier.TagStringNotFound:   "The edit target was not found. Re-read the file before editing it.",
	classifier.TagAlreadyExists:    "The target already exists.",
}

// AdvisoriesFor returns the advisories for the error patterns of outcome, in
// pattern order.
func AdvisoriesFor(outcome models.Outcome) []Advisory {
	out := []Advisory{}
	for _, tag := range outcome.ErrorPatterns {
		if msg, ok := advisoryMessages[tag]; ok {
			out = append(out, Advisory{Type: tag, Message: msg})
		}
	}
	return out
}

// Due filters advisories through the tracker, recording the ones shown.
func (t *Tracker) Due(ctx context.Context, sessionID string, advisories []Advisory) []Advisory {
	out := []Advisory{}
	if sessionID == "" {
		return out
	}
	for _, a := range advisories {
		if t.TryShow(ctx, sessionID, a.Type) {
			out = append(out, a)
		}
	}
	return out
}
