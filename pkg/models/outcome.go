package models

// Classification is the coarse result of a tool invocation.
type Classification string

const (
	ClassificationSuccess        Classification = "success"
	ClassificationPartialSuccess Classification = "partial_success"
	ClassificationFailure        Classification = "failure"
	ClassificationUnknown        Classification = "unknown"
)

// Valid reports whether c is one of the four known classifications.
func (c Classification) Valid() bool {
	switch c {
	case ClassificationSuccess, ClassificationPartialSuccess, ClassificationFailure, ClassificationUnknown:
		return true
	}
	return false
}

// Outcome is the structured classification of a ToolEvent.
// Pattern tags keep matcher order; Files keeps first-seen order without duplicates.
type Outcome struct {
	Classification  Classification `json:"classification"`
	ErrorPatterns   []string       `json:"error_patterns"`
	SuccessPatterns []string       `json:"success_patterns"`
	Files           []string       `json:"files"`
}

// UnknownOutcome is the result when there is no evidence either way.
func UnknownOutcome() Outcome {
	return Outcome{
		Classification:  ClassificationUnknown,
		ErrorPatterns:   []string{},
		SuccessPatterns: []string{},
		Files:           []string{},
	}
}

// HasErrorPattern reports whether tag is among the error patterns.
func (o Outcome) HasErrorPattern(tag string) bool {
	for _, p := range o.ErrorPatterns {
		if p == tag {
			return true
		}
	}
	return false
}
