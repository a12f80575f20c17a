package classifier

import "regexp"

// Matcher tags response text that matches its expression.
type Matcher struct {
	Tag string
	Re  *regexp.Regexp
	// Override marks success evidence strong enough to outweigh an explicit failure flag.
	Override bool
	// Generic error tags apply only when no specific error tag matched.
	Generic bool
}

// Pattern tags reported in Outcome.
const (
	TagFileNotFound     = "file_not_found"
	TagPermissionDenied = "permission_denied"
	TagCommandNotFound  = "command_not_found"
	TagSyntaxError      = "syntax_error"
	TagCompilationError = "compilation_error"
	TagTestFailure      = "test_failure"
	TagTimeout          = "timeout"
	TagNetworkError     = "network_error"
	TagOutOfMemory      = "out_of_memory"
	TagMergeConflict    = "merge_conflict"
	TagDependencyError  = "dependency_error"
	TagStringNotFound   = "string_not_found"
	TagAlreadyExists    = "already_exists"
	TagGenericError     = "generic_error"
	TagTestsPassed      = "tests_passed"
	TagBuildSucceeded   = "build_succeeded"
	TagFileUpdated      = "file_updated"
	TagInstalled        = "installed"
	TagCommitted        = "committed"
	TagExitZero         = "exit_zero"
)

// DefaultErrorMatchers returns the built-in error matchers in evaluation order.
func DefaultErrorMatchers() []Matcher {
	return []Matcher{
		{Tag: TagFileNotFound, Re: regexp.MustCompile(`(?i)no such file or directory|file not found|cannot find the (?:file|path)|\bENOENT\b|(?:file|path|directory) does not exist`)},
		{Tag: TagPermissionDenied, Re: regexp.MustCompile(`(?i)permission denied|\bEACCES\b|\bEPERM\b|operation not permitted|access (?:is )?denied`)},
		{Tag: TagCommandNotFound, Re: regexp.MustCompile(`(?i)command not found|is not recognized as an internal or external command|executable file not found`)},
		{Tag: TagSyntaxError, Re: regexp.MustCompile(`(?i)syntax ?error|unexpected token|parse error|unexpected end of (?:file|input)`)},
		{Tag: TagCompilationError, Re: regexp.MustCompile(`(?i)compilation (?:failed|error)|build failed|\bundefined: \w|cannot use .+ as .+ value|error TS\d+|error\[E\d+\]`)},
		{Tag: TagTestFailure, Re: regexp.MustCompile(`(?m)(?:^--- FAIL|^FAIL\b)|(?i:\b[1-9]\d* (?:tests? )?failed\b|\btests? failed\b|assertionerror)`)},
		{Tag: TagTimeout, Re: regexp.MustCompile(`(?i)timed out|deadline exceeded|\bETIMEDOUT\b`)},
		{Tag: TagNetworkError, Re: regexp.MustCompile(`(?i)connection refused|connection reset|network is unreachable|could not resolve host|no route to host|\bECONNREFUSED\b|temporary failure in name resolution`)},
		{Tag: TagOutOfMemory, Re: regexp.MustCompile(`(?i)out of memory|cannot allocate memory|\bOOMKilled\b`)},
		{Tag: TagMergeConflict, Re: regexp.MustCompile(`(?i)merge conflict|\bCONFLICT \(`)},
		{Tag: TagDependencyError, Re: regexp.MustCompile(`(?i)module not found|cannot find module|cannot find package|no matching version|could not resolve dependencies|ModuleNotFoundError|ImportError|no required module provides package`)},
		{Tag: TagStringNotFound, Re: regexp.MustCompile(`(?i)string to replace not found|old_string not found|no match(?:es)? found for`)},
		{Tag: TagAlreadyExists, Re: regexp.MustCompile(`(?i)already exists|\bEEXIST\b`)},
		{Tag: TagGenericError, Generic: true, Re: regexp.MustCompile(`(?im)^(?:error|fatal|panic)(?:\[\w+\])?:|traceback \(most recent call last\)|\bexception:`)},
	}
}

// DefaultSuccessMatchers returns the built-in success matchers in evaluation order.
func DefaultSuccessMatchers() []Matcher {
	return []Matcher{
		{Tag: TagTestsPassed, Override: true, Re: regexp.MustCompile(`(?m)^ok\s+\S+|^PASS$|(?i:\ball tests passed\b|\b[1-9]\d* (?:tests? )?passed\b)`)},
		{Tag: TagBuildSucceeded, Override: true, Re: regexp.MustCompile(`(?i)build succeeded|successfully (?:built|compiled)|compiled successfully|\bbuild complete`)},
		{Tag: TagFileUpdated, Re: regexp.MustCompile(`(?i)has been (?:updated|created|modified)|file (?:created|written|updated) successfully|successfully (?:wrote|updated|created|modified)`)},
		{Tag: TagInstalled, Re: regexp.MustCompile(`(?i)successfully installed|\badded \d+ packages?\b|\bup to date\b`)},
		{Tag: TagCommitted, Re: regexp.MustCompile(`(?m)^\[[\w./-]+ [0-9a-f]{7,}\]`)},
		{Tag: TagExitZero, Re: regexp.MustCompile(`(?i)exit (?:code|status):? 0\b`)},
	}
}

// match returns the tags of matchers that hit text, in matcher order.
func match(matchers []Matcher, text string) []string {
	tags := []string{}
	if text == "" {
		return tags
	}
	specific := false
	for _, m := range matchers {
		if m.Generic && specific {
			continue
		}
		if m.Re.MatchString(text) {
			tags = append(tags, m.Tag)
			if !m.Generic {
				specific = true
			}
		}
	}
	return tags
}
