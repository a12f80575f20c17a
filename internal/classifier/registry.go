package classifier

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/thebtf/engram-context/pkg/models"
)

// ErrMalformedInput is returned by an extractor whose tool parameters have the wrong shape.
var ErrMalformedInput = errors.New("malformed tool input")

// Extractor turns raw tool parameters into a typed input.
type Extractor func(params map[string]any) (models.ToolInput, error)

// Field names understood in tool rules and used as default parameter keys.
const (
	FieldCommand     = "command"
	FieldDescription = "description"
	FieldFilePath    = "file_path"
	FieldOldString   = "old_string"
	FieldNewString   = "new_string"
	FieldContent     = "content"
	FieldPattern     = "pattern"
	FieldPath        = "path"
	FieldURL         = "url"
	FieldPrompt      = "prompt"
)

// Rule declares how to extract input for a tool the built-in registry does not know.
type Rule struct {
	Name   string            `yaml:"name"`
	Kind   models.InputKind  `yaml:"kind"`
	Fields map[string]string `yaml:"fields"`
}

// RulesFile is the top-level YAML structure of a tool rules file.
type RulesFile struct {
	Tools []Rule `yaml:"tools"`
}

// Registry maps tool names to extractors. Unregistered tools use the generic extractor.
type Registry struct {
	mu     sync.RWMutex
	byTool map[string]Extractor
}

// NewRegistry returns a registry with the built-in agent tools.
func NewRegistry() *Registry {
	r := &Registry{byTool: make(map[string]Extractor)}

	r.Register("Bash", KindExtractor(models.InputCommand, nil))
	r.Register("Edit", KindExtractor(models.InputFileEdit, nil))
	r.Register("MultiEdit", KindExtractor(models.InputFileEdit, nil))
	r.Register("NotebookEdit", KindExtractor(models.InputFileEdit, map[string]string{
		FieldFilePath:  "notebook_path",
		FieldNewString: "new_source",
	}))
	r.Register("Write", KindExtractor(models.InputFileWrite, nil))
	r.Register("Read", KindExtractor(models.InputFileRead, nil))
	r.Register("Grep", KindExtractor(models.InputSearch, nil))
	r.Register("Glob", KindExtractor(models.InputSearch, nil))
	r.Register("LS", KindExtractor(models.InputSearch, nil))
	r.Register("WebFetch", KindExtractor(models.InputFetch, nil))
	r.Register("WebSearch", KindExtractor(models.InputSearch, map[string]string{FieldPattern: "query"}))
	r.Register("Task", KindExtractor(models.InputTask, nil))

	return r
}

// Register adds or replaces the extractor for tool.
func (r *Registry) Register(tool string, ex Extractor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byTool[tool] = ex
}

// Tools returns the registered tool names, sorted.
func (r *Registry) Tools() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byTool))
	for name := range r.byTool {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Extract returns the typed input for tool.
func (r *Registry) Extract(tool string, params map[string]any) (models.ToolInput, error) {
	r.mu.RLock()
	ex, ok := r.byTool[tool]
	r.mu.RUnlock()
	if !ok {
		return GenericExtractor(params)
	}
	return ex(params)
}

// ApplyRules registers every rule.
func (r *Registry) ApplyRules(rules []Rule) error {
	for _, rule := range rules {
		if rule.Name == "" {
			return fmt.Errorf("tool rule without name")
		}
		switch rule.Kind {
		case models.InputCommand, models.InputFileEdit, models.InputFileWrite, models.InputFileRead,
			models.InputSearch, models.InputFetch, models.InputTask:
		default:
			return fmt.Errorf("tool rule %q: unknown kind %q", rule.Name, rule.Kind)
		}
		r.Register(rule.Name, KindExtractor(rule.Kind, rule.Fields))
	}
	return nil
}

// LoadRules reads a YAML rules file. A missing file yields no rules.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var file RulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse tool rules %s: %w", path, err)
	}
	return file.Tools, nil
}

// KindExtractor builds an extractor for an input kind. fields overrides the
// parameter key used for each variant field.
func KindExtractor(kind models.InputKind, fields map[string]string) Extractor {
	key := func(field string) string {
		if k, ok := fields[field]; ok && k != "" {
			return k
		}
		return field
	}

	return func(params map[string]any) (models.ToolInput, error) {
		f := fieldReader{params: params}
		var in models.ToolInput
		switch kind {
		case models.InputCommand:
			in = models.CommandInput{
				Command:     f.required(key(FieldCommand)),
				Description: f.optional(key(FieldDescription)),
			}
		case models.InputFileEdit:
			in = models.FileEditInput{
				FilePath:  f.required(key(FieldFilePath)),
				OldString: f.optional(key(FieldOldString)),
				NewString: f.optional(key(FieldNewString)),
			}
		case models.InputFileWrite:
			in = models.FileWriteInput{
				FilePath: f.required(key(FieldFilePath)),
				Content:  f.optional(key(FieldContent)),
			}
		case models.InputFileRead:
			in = models.FileReadInput{FilePath: f.required(key(FieldFilePath))}
		case models.InputSearch:
			in = models.SearchInput{
				Pattern: f.optional(key(FieldPattern)),
				Path:    f.optional(key(FieldPath)),
			}
		case models.InputFetch:
			in = models.FetchInput{
				URL:    f.required(key(FieldURL)),
				Prompt: f.optional(key(FieldPrompt)),
			}
		case models.InputTask:
			in = models.TaskInput{
				Description: f.optional(key(FieldDescription)),
				Prompt:      f.optional(key(FieldPrompt)),
			}
		default:
			return models.UnstructuredInput{Fields: params}, nil
		}
		if f.err != nil {
			return nil, f.err
		}
		return in, nil
	}
}

// GenericExtractor guesses the input shape from well-known parameter names.
// It never fails; values of the wrong type are ignored.
func GenericExtractor(params map[string]any) (models.ToolInput, error) {
	get := func(keys ...string) string {
		for _, k := range keys {
			if s, ok := params[k].(string); ok && s != "" {
				return s
			}
		}
		return ""
	}

	if cmd := get("command", "cmd"); cmd != "" {
		return models.CommandInput{Command: cmd, Description: get("description")}, nil
	}
	if path := get("file_path", "notebook_path", "filePath"); path != "" {
		oldStr, newStr := get("old_string"), get("new_string")
		content := get("content")
		switch {
		case oldStr != "" || newStr != "":
			return models.FileEditInput{FilePath: path, OldString: oldStr, NewString: newStr}, nil
		case content != "":
			return models.FileWriteInput{FilePath: path, Content: content}, nil
		default:
			return models.FileReadInput{FilePath: path}, nil
		}
	}
	if url := get("url"); url != "" {
		return models.FetchInput{URL: url, Prompt: get("prompt")}, nil
	}
	if pattern := get("pattern", "query"); pattern != "" {
		return models.SearchInput{Pattern: pattern, Path: get("path")}, nil
	}
	return models.UnstructuredInput{Fields: params}, nil
}

// fieldReader reads string parameters and remembers the first shape error.
type fieldReader struct {
	params map[string]any
	err    error
}

func (f *fieldReader) optional(key string) string {
	v, ok := f.params[key]
	if !ok || v == nil {
		return ""
	}
	s, ok := v.(string)
	if !ok && f.err == nil {
		f.err = fmt.Errorf("%w: %s is %T, want string", ErrMalformedInput, key, v)
	}
	return s
}

func (f *fieldReader) required(key string) string {
	s := f.optional(key)
	if s == "" && f.err == nil {
		f.err = fmt.Errorf("%w: missing %s", ErrMalformedInput, key)
	}
	return s
}
