package classifier

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/thebtf/engram-context/pkg/models"
)

const maxCommandFiles = 20

// Categories recorded in capture metadata.
const (
	CategoryDelete     = "delete"
	CategoryMove       = "move"
	CategoryList       = "list"
	CategoryRead       = "read"
	CategorySearch     = "search"
	CategoryBuild      = "build"
	CategoryTest       = "test"
	CategoryVCS        = "vcs"
	CategoryInstall    = "install"
	CategoryNetwork    = "network"
	CategoryEdit       = "edit"
	CategoryExecute    = "execute"
	CategoryFileChange = "file_change"
	CategoryFileRead   = "file_read"
	CategoryFetch      = "fetch"
	CategoryDelegate   = "delegate"
	CategoryToolUse    = "tool_use"
)

var (
	commandCategories = map[string]string{
		"rm": CategoryDelete, "rmdir": CategoryDelete, "unlink": CategoryDelete, "shred": CategoryDelete,
		"mv": CategoryMove, "cp": CategoryMove, "ln": CategoryMove,
		"ls": CategoryList, "tree": CategoryList, "find": CategoryList, "du": CategoryList, "df": CategoryList,
		"pwd": CategoryList, "stat": CategoryList, "file": CategoryList, "wc": CategoryList,
		"cat": CategoryRead, "head": CategoryRead, "tail": CategoryRead, "less": CategoryRead, "more": CategoryRead, "bat": CategoryRead,
		"grep": CategorySearch, "rg": CategorySearch, "ag": CategorySearch, "ack": CategorySearch, "fd": CategorySearch,
		"make": CategoryBuild, "tsc": CategoryBuild, "gcc": CategoryBuild, "g++": CategoryBuild, "clang": CategoryBuild,
		"javac": CategoryBuild, "mvn": CategoryBuild, "gradle": CategoryBuild, "cmake": CategoryBuild,
		"pytest": CategoryTest, "jest": CategoryTest, "vitest": CategoryTest, "rspec": CategoryTest, "phpunit": CategoryTest,
		"git": CategoryVCS, "gh": CategoryVCS, "hg": CategoryVCS, "svn": CategoryVCS,
		"pip": CategoryInstall, "pip3": CategoryInstall, "apt": CategoryInstall, "apt-get": CategoryInstall, "brew": CategoryInstall,
		"curl": CategoryNetwork, "wget": CategoryNetwork, "ssh": CategoryNetwork, "scp": CategoryNetwork, "ping": CategoryNetwork, "nc": CategoryNetwork,
		"touch": CategoryEdit, "mkdir": CategoryEdit, "chmod": CategoryEdit, "chown": CategoryEdit, "tee": CategoryEdit,
		"vim": CategoryEdit, "nano": CategoryEdit,
	}

	// Toolchains whose category depends on the subcommand.
	subcommandCategories = map[string]map[string]string{
		"go":     {"build": CategoryBuild, "vet": CategoryBuild, "test": CategoryTest, "get": CategoryInstall, "mod": CategoryInstall, "install": CategoryInstall},
		"cargo":  {"build": CategoryBuild, "check": CategoryBuild, "test": CategoryTest, "add": CategoryInstall, "install": CategoryInstall},
		"npm":    {"test": CategoryTest, "install": CategoryInstall, "i": CategoryInstall, "ci": CategoryInstall, "build": CategoryBuild},
		"yarn":   {"test": CategoryTest, "add": CategoryInstall, "install": CategoryInstall, "build": CategoryBuild},
		"pnpm":   {"test": CategoryTest, "add": CategoryInstall, "install": CategoryInstall, "build": CategoryBuild},
		"poetry": {"add": CategoryInstall, "install": CategoryInstall},
		"docker": {"build": CategoryBuild, "pull": CategoryNetwork, "push": CategoryNetwork},
		"sed":    {"-i": CategoryEdit},
	}

	inspectionCommands = map[string]bool{
		"echo": true, "which": true, "whoami": true, "date": true, "env": true, "printenv": true,
		"ps": true, "type": true, "uname": true, "hostname": true, "id": true,
	}

	readOnlyVCS = map[string]bool{
		"status": true, "log": true, "diff": true, "show": true, "branch": true, "remote": true,
	}

	commandSeparators = regexp.MustCompile(`\s*(?:&&|\|\||;|\|)\s*`)
	fileExtension     = regexp.MustCompile(`\.[A-Za-z0-9]{1,8}$`)
	envAssignment     = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*=`)
)

// splitArgs splits a shell segment into words, honoring simple quoting.
func splitArgs(segment string) []string {
	var (
		args  []string
		cur   strings.Builder
		quote rune
	)
	flush := func() {
		if cur.Len() > 0 {
			args = append(args, cur.String())
			cur.Reset()
		}
	}
	for _, r := range segment {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
				continue
			}
			cur.WriteRune(r)
		case r == '\'' || r == '"':
			quote = r
		case r == ' ' || r == '\t' || r == '\n':
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return args
}

// commandWords returns the words of the first segment of a command line with
// leading environment assignments and wrappers removed.
func commandWords(command string) []string {
	segments := commandSeparators.Split(strings.TrimSpace(command), -1)
	if len(segments) == 0 {
		return nil
	}
	words := splitArgs(segments[0])
	for len(words) > 0 {
		w := words[0]
		if envAssignment.MatchString(w) || w == "sudo" || w == "time" || w == "nohup" || w == "exec" {
			words = words[1:]
			continue
		}
		break
	}
	if len(words) > 0 {
		words[0] = filepath.Base(words[0])
	}
	return words
}

// CommandCategory classifies a shell command line by its leading program.
func CommandCategory(command string) string {
	words := commandWords(command)
	if len(words) == 0 {
		return CategoryExecute
	}
	if subs, ok := subcommandCategories[words[0]]; ok {
		for _, w := range words[1:] {
			if strings.HasPrefix(w, "-") && subs[w] == "" {
				continue
			}
			if c, ok := subs[w]; ok {
				return c
			}
			if w == "run" {
				continue
			}
			break
		}
		return CategoryExecute
	}
	if c, ok := commandCategories[words[0]]; ok {
		return c
	}
	return CategoryExecute
}

// Category names the kind of work an input represents.
func Category(input models.ToolInput) string {
	switch in := input.(type) {
	case models.CommandInput:
		return CommandCategory(in.Command)
	case models.FileEditInput, models.FileWriteInput:
		return CategoryFileChange
	case models.FileReadInput:
		return CategoryFileRead
	case models.SearchInput:
		return CategorySearch
	case models.FetchInput:
		return CategoryFetch
	case models.TaskInput:
		return CategoryDelegate
	default:
		return CategoryToolUse
	}
}

// IsInspection reports whether an input only looks at the workspace.
func IsInspection(input models.ToolInput) bool {
	switch in := input.(type) {
	case models.FileReadInput, models.SearchInput:
		return true
	case models.CommandInput:
		words := commandWords(in.Command)
		if len(words) == 0 {
			return false
		}
		if inspectionCommands[words[0]] {
			return true
		}
		switch CommandCategory(in.Command) {
		case CategoryList, CategoryRead, CategorySearch:
			return true
		case CategoryVCS:
			return len(words) > 1 && readOnlyVCS[words[1]]
		}
	}
	return false
}

// commandFiles returns path-like arguments of every segment of a command line.
func commandFiles(command string) []string {
	var files []string
	for _, segment := range commandSeparators.Split(command, -1) {
		words := splitArgs(segment)
		if len(words) < 2 {
			continue
		}
		for _, w := range words[1:] {
			if looksLikePath(w) {
				files = append(files, w)
				if len(files) >= maxCommandFiles {
					return files
				}
			}
		}
	}
	return files
}

func looksLikePath(w string) bool {
	switch {
	case w == "" || strings.HasPrefix(w, "-") || strings.Contains(w, "="):
		return false
	case strings.Contains(w, "://") || strings.Contains(w, "..."):
		return false
	case strings.ContainsAny(w, "<>&*$`"):
		return false
	case w == "/dev/null":
		return false
	}
	return strings.Contains(w, "/") || fileExtension.MatchString(w)
}

// InputFiles returns the files an input touches, in first-seen order.
func InputFiles(input models.ToolInput) []string {
	var files []string
	switch in := input.(type) {
	case models.CommandInput:
		files = commandFiles(in.Command)
	case models.FileEditInput:
		files = []string{in.FilePath}
	case models.FileWriteInput:
		files = []string{in.FilePath}
	case models.FileReadInput:
		files = []string{in.FilePath}
	}
	return dedupe(files)
}

func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
