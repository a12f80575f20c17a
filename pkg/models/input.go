package models

// InputKind names a tool input variant.
type InputKind string

const (
	InputCommand      InputKind = "command"
	InputFileEdit     InputKind = "edit"
	InputFileWrite    InputKind = "write"
	InputFileRead     InputKind = "read"
	InputSearch       InputKind = "search"
	InputFetch        InputKind = "fetch"
	InputTask         InputKind = "task"
	InputUnstructured InputKind = "unstructured"
)

// ToolInput is the typed view of a tool's input parameters.
// The set of variants is closed; unknown shapes become UnstructuredInput.
type ToolInput interface {
	Kind() InputKind
}

// CommandInput is a shell command invocation.
type CommandInput struct {
	Command     string
	Description string
}

// FileEditInput is an in-place modification of one file.
type FileEditInput struct {
	FilePath  string
	OldString string
	NewString string
}

// FileWriteInput creates or overwrites a file.
type FileWriteInput struct {
	FilePath string
	Content  string
}

// FileReadInput reads a file.
type FileReadInput struct {
	FilePath string
}

// SearchInput is a pattern search over the workspace.
type SearchInput struct {
	Pattern string
	Path    string
}

// FetchInput retrieves a remote resource.
type FetchInput struct {
	URL    string
	Prompt string
}

// TaskInput delegates work to a sub-agent.
type TaskInput struct {
	Description string
	Prompt      string
}

// UnstructuredInput keeps parameters of tools with no registered shape.
type UnstructuredInput struct {
	Fields map[string]any
}

func (CommandInput) Kind() InputKind      { return InputCommand }
func (FileEditInput) Kind() InputKind     { return InputFileEdit }
func (FileWriteInput) Kind() InputKind    { return InputFileWrite }
func (FileReadInput) Kind() InputKind     { return InputFileRead }
func (SearchInput) Kind() InputKind       { return InputSearch }
func (FetchInput) Kind() InputKind        { return InputFetch }
func (TaskInput) Kind() InputKind         { return InputTask }
func (UnstructuredInput) Kind() InputKind { return InputUnstructured }
