// Package classifier turns completed tool events into structured outcomes.
package classifier

import (
	"strings"

	"github.com/thebtf/engram-context/pkg/models"
)

// Classifier maps a ToolEvent to an Outcome. Classify has no side effects and
// never fails; once constructed a Classifier is safe for concurrent use.
type Classifier struct {
	registry        *Registry
	errorMatchers   []Matcher
	successMatchers []Matcher
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithErrorMatchers appends error matchers after the built-in ones.
func WithErrorMatchers(m ...Matcher) Option {
	return func(c *Classifier) {
		c.errorMatchers = append(c.errorMatchers, m...)
	}
}

// WithSuccessMatchers appends success matchers after the built-in ones.
func WithSuccessMatchers(m ...Matcher) Option {
	return func(c *Classifier) {
		c.successMatchers = append(c.successMatchers, m...)
	}
}

// New creates a Classifier. A nil registry uses the built-in one.
func New(registry *Registry, opts ...Option) *Classifier {
	if registry == nil {
		registry = NewRegistry()
	}
	c := &Classifier{
		registry:        registry,
		errorMatchers:   DefaultErrorMatchers(),
		successMatchers: DefaultSuccessMatchers(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Registry returns the extractor registry.
func (c *Classifier) Registry() *Registry {
	return c.registry
}

// Input returns the typed input of an event, or an error if its parameters are malformed.
func (c *Classifier) Input(ev models.ToolEvent) (models.ToolInput, error) {
	return c.registry.Extract(ev.Tool, ev.Input)
}

// Classify derives the outcome of ev.
//
// An explicit failure flag yields failure unless an override success pattern is
// present, in which case the result is partial_success. A success flag with any
// error pattern yields partial_success. Without a flag the patterns decide, and
// with neither a flag nor a pattern the outcome is unknown.
func (c *Classifier) Classify(ev models.ToolEvent) models.Outcome {
	input, err := c.Input(ev)
	if err != nil {
		return models.UnknownOutcome()
	}

	text := ev.ResponseText()
	out := models.Outcome{
		ErrorPatterns:   match(c.errorMatchers, text),
		SuccessPatterns: match(c.successMatchers, text),
		Files:           InputFiles(input),
	}
	hasErrors := len(out.ErrorPatterns) > 0
	hasSuccess := len(out.SuccessPatterns) > 0

	flag, flagged := ev.ReportedSuccess()
	switch {
	case flagged && !flag:
		if c.hasOverride(out.SuccessPatterns) {
			out.Classification = models.ClassificationPartialSuccess
		} else {
			out.Classification = models.ClassificationFailure
		}
	case flagged:
		if hasErrors {
			out.Classification = models.ClassificationPartialSuccess
		} else {
			out.Classification = models.ClassificationSuccess
		}
	case hasErrors && hasSuccess:
		out.Classification = models.ClassificationPartialSuccess
	case hasErrors:
		out.Classification = models.ClassificationFailure
	case hasSuccess:
		out.Classification = models.ClassificationSuccess
	default:
		out.Classification = models.ClassificationUnknown
	}
	return out
}

func (c *Classifier) hasOverride(tags []string) bool {
	for _, m := range c.successMatchers {
		if !m.Override {
			continue
		}
		for _, t := range tags {
			if t == m.Tag {
				return true
			}
		}
	}
	return false
}

// Describe renders a tag list for humans, e.g. "file not found, timeout".
func Describe(tags []string) string {
	out := make([]string, len(tags))
	for i, t := range tags {
		out[i] = strings.ReplaceAll(t, "_", " ")
	}
	return strings.Join(out, ", ")
}
