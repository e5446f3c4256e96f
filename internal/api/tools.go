package api

import (
	"github.com/anthropics/anthropic-sdk-go"

	"github.com/ShayCichocki/spectree/pkg/models"
)

// Tool names offered to agent sessions.
const (
	ToolRead    = "Read"
	ToolWrite   = "Write"
	ToolEdit    = "Edit"
	ToolBash    = "Bash"
	ToolGlob    = "Glob"
	ToolGrep    = "Grep"
	ToolListDir = "ListDir"
)

// Only the Implementer changes files. The Verifier may run commands to check
// the work; the remaining roles only read.
var roleTools = map[models.Role][]string{
	models.RoleImplementer: {ToolRead, ToolWrite, ToolEdit, ToolBash, ToolGlob, ToolGrep, ToolListDir},
	models.RoleVerifier:    {ToolRead, ToolBash, ToolGlob, ToolGrep, ToolListDir},
	models.RoleProposer:    {ToolRead, ToolGlob, ToolGrep, ToolListDir},
	models.RoleCritic:      {ToolRead, ToolGlob, ToolGrep, ToolListDir},
	models.RoleResearcher:  {ToolRead, ToolGlob, ToolGrep, ToolListDir},
	models.RoleCoordinator: {ToolRead, ToolGlob, ToolListDir},
}

// ToolNamesForRole returns the tool names a role may call.
func ToolNamesForRole(role models.Role) []string {
	return roleTools[role]
}

// ToolsForRole returns the tool schemas offered to a role.
func ToolsForRole(role models.Role) []anthropic.ToolUnionParam {
	defs := toolSchemas()
	names := roleTools[role]
	tools := make([]anthropic.ToolUnionParam, 0, len(names))
	for _, name := range names {
		tools = append(tools, defs[name])
	}
	return tools
}

func stringProp(desc string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": desc}
}

func intProp(desc string) map[string]interface{} {
	return map[string]interface{}{"type": "integer", "description": desc}
}

func toolParam(name, desc string, props map[string]interface{}, required ...string) anthropic.ToolUnionParam {
	return anthropic.ToolUnionParam{
		OfTool: &anthropic.ToolParam{
			Name:        name,
			Description: anthropic.String(desc),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: props,
				Required:   required,
			},
		},
	}
}

func toolSchemas() map[string]anthropic.ToolUnionParam {
	return map[string]anthropic.ToolUnionParam{
		ToolRead: toolParam(ToolRead,
			"Read a file from the working tree. Returns file contents with line numbers.",
			map[string]interface{}{
				"file_path": stringProp("Path to the file, relative to the working tree or absolute"),
				"offset":    intProp("Line number to start reading from (1-indexed, optional)"),
				"limit":     intProp("Maximum number of lines to read (optional)"),
			}, "file_path"),
		ToolWrite: toolParam(ToolWrite,
			"Write content to a file. Creates parent directories if needed. Only paths in the spec's scope are writable.",
			map[string]interface{}{
				"file_path": stringProp("Path to the file to write"),
				"content":   stringProp("Content to write to the file"),
			}, "file_path", "content"),
		ToolEdit: toolParam(ToolEdit,
			"Edit a file by replacing text. The old_string must be unique unless replace_all is true. Only paths in the spec's scope are writable.",
			map[string]interface{}{
				"file_path":  stringProp("Path to the file to edit"),
				"old_string": stringProp("The exact text to find and replace"),
				"new_string": stringProp("The text to replace it with"),
				"replace_all": map[string]interface{}{
					"type":        "boolean",
					"description": "If true, replace all occurrences (default: false)",
				},
			}, "file_path", "old_string", "new_string"),
		ToolBash: toolParam(ToolBash,
			"Execute a bash command in the working tree and return the output.",
			map[string]interface{}{
				"command":     stringProp("The bash command to execute"),
				"timeout":     intProp("Timeout in milliseconds (optional, default 120000)"),
				"description": stringProp("Description of what this command does"),
			}, "command"),
		ToolGlob: toolParam(ToolGlob,
			"Find files matching a glob pattern. ** matches any number of directories.",
			map[string]interface{}{
				"pattern": stringProp("Glob pattern to match (e.g., '**/*.go', 'internal/*/doc.go')"),
				"path":    stringProp("Directory to search in (optional, defaults to working tree)"),
			}, "pattern"),
		ToolGrep: toolParam(ToolGrep,
			"Search file contents using regex patterns.",
			map[string]interface{}{
				"pattern": stringProp("Regex pattern to search for"),
				"path":    stringProp("File or directory to search in (optional)"),
				"glob":    stringProp("Glob pattern to filter files (e.g., '*.go')"),
				"context": intProp("Number of context lines to show around matches"),
			}, "pattern"),
		ToolListDir: toolParam(ToolListDir,
			"List contents of a directory.",
			map[string]interface{}{
				"path": stringProp("Directory path to list"),
			}, "path"),
	}
}
