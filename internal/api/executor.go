package api

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/ShayCichocki/spectree/internal/scope"
)

const maxToolOutput = 30000

// ToolExecutor executes tool calls for one agent session. Writes are confined
// to the working tree and to the spec's allowed paths.
type ToolExecutor struct {
	workDir   string
	allowed   []string
	forbidden []string
	// tools limits which tools may run; nil allows all.
	tools map[string]bool
}

// ExecutorOption configures a ToolExecutor.
type ExecutorOption func(*ToolExecutor)

// WithScope restricts writes to allowed paths minus forbidden ones.
func WithScope(allowed, forbidden []string) ExecutorOption {
	return func(e *ToolExecutor) {
		e.allowed = allowed
		e.forbidden = forbidden
	}
}

// WithTools restricts the executor to the named tools.
func WithTools(names ...string) ExecutorOption {
	return func(e *ToolExecutor) {
		e.tools = make(map[string]bool, len(names))
		for _, n := range names {
			e.tools[n] = true
		}
	}
}

// NewToolExecutor creates a tool executor rooted at workDir.
func NewToolExecutor(workDir string, opts ...ExecutorOption) *ToolExecutor {
	if abs, err := filepath.Abs(workDir); err == nil {
		workDir = abs
	}
	e := &ToolExecutor{workDir: workDir}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ToolResult is the outcome of one tool call.
type ToolResult struct {
	Content string
	IsError bool
}

func toolError(format string, args ...interface{}) ToolResult {
	return ToolResult{Content: fmt.Sprintf(format, args...), IsError: true}
}

// Execute runs a tool by name with the given JSON input.
func (e *ToolExecutor) Execute(ctx context.Context, name string, input json.RawMessage) ToolResult {
	if e.tools != nil && !e.tools[name] {
		return toolError("Tool %s is not available to this role", name)
	}
	switch name {
	case ToolRead:
		return e.execRead(input)
	case ToolWrite:
		return e.execWrite(input)
	case ToolEdit:
		return e.execEdit(input)
	case ToolBash:
		return e.execBash(ctx, input)
	case ToolGlob:
		return e.execGlob(input)
	case ToolGrep:
		return e.execGrep(ctx, input)
	case ToolListDir:
		return e.execListDir(input)
	default:
		return toolError("Unknown tool: %s", name)
	}
}

func (e *ToolExecutor) execRead(input json.RawMessage) ToolResult {
	var params struct {
		FilePath string `json:"file_path"`
		Offset   int    `json:"offset"`
		Limit    int    `json:"limit"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return toolError("Invalid parameters: %v", err)
	}

	content, err := os.ReadFile(e.resolvePath(params.FilePath))
	if err != nil {
		return toolError("Failed to read file: %v", err)
	}
	lines := strings.Split(string(content), "\n")

	start := 0
	if params.Offset > 0 {
		start = params.Offset - 1
		if start >= len(lines) {
			return toolError("Offset beyond end of file")
		}
	}
	end := len(lines)
	if params.Limit > 0 {
		end = min(start+params.Limit, len(lines))
	}

	var b strings.Builder
	for i := start; i < end; i++ {
		fmt.Fprintf(&b, "%6d\t%s\n", i+1, lines[i])
	}
	return ToolResult{Content: b.String()}
}

func (e *ToolExecutor) execWrite(input json.RawMessage) ToolResult {
	var params struct {
		FilePath string `json:"file_path"`
		Content  string `json:"content"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return toolError("Invalid parameters: %v", err)
	}

	path, err := e.writablePath(params.FilePath)
	if err != nil {
		return toolError("%v", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return toolError("Failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(params.Content), 0644); err != nil {
		return toolError("Failed to write file: %v", err)
	}
	return ToolResult{Content: fmt.Sprintf("Wrote %d bytes to %s", len(params.Content), params.FilePath)}
}

func (e *ToolExecutor) execEdit(input json.RawMessage) ToolResult {
	var params struct {
		FilePath   string `json:"file_path"`
		OldString  string `json:"old_string"`
		NewString  string `json:"new_string"`
		ReplaceAll bool   `json:"replace_all"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return toolError("Invalid parameters: %v", err)
	}

	path, err := e.writablePath(params.FilePath)
	if err != nil {
		return toolError("%v", err)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return toolError("Failed to read file: %v", err)
	}

	text := string(content)
	count := strings.Count(text, params.OldString)
	switch {
	case params.OldString == "" || count == 0:
		return toolError("old_string not found in file")
	case !params.ReplaceAll && count > 1:
		return toolError("old_string found %d times; must be unique or use replace_all=true", count)
	}

	n := 1
	if params.ReplaceAll {
		n = -1
	}
	if err := os.WriteFile(path, []byte(strings.Replace(text, params.OldString, params.NewString, n)), 0644); err != nil {
		return toolError("Failed to write file: %v", err)
	}
	if params.ReplaceAll {
		return ToolResult{Content: fmt.Sprintf("Replaced %d occurrences", count)}
	}
	return ToolResult{Content: "Edit successful"}
}

func (e *ToolExecutor) execBash(ctx context.Context, input json.RawMessage) ToolResult {
	var params struct {
		Command     string `json:"command"`
		Timeout     int    `json:"timeout"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return toolError("Invalid parameters: %v", err)
	}

	timeout := 120 * time.Second
	if params.Timeout > 0 {
		timeout = time.Duration(params.Timeout) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "bash", "-c", params.Command)
	cmd.Dir = e.workDir
	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return toolError("Command timed out after %v:\n%s", timeout, output)
		}
		return toolError("%s\nError: %v", output, err)
	}
	return ToolResult{Content: truncateOutput(string(output))}
}

func (e *ToolExecutor) execGlob(input json.RawMessage) ToolResult {
	var params struct {
		Pattern string `json:"pattern"`
		Path    string `json:"path"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return toolError("Invalid parameters: %v", err)
	}

	root := e.workDir
	if params.Path != "" {
		root = e.resolvePath(params.Path)
	}
	baseOnly := !strings.Contains(params.Pattern, "/")

	var matches []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		rel = filepath.ToSlash(rel)
		var ok bool
		if baseOnly {
			ok, _ = filepath.Match(params.Pattern, d.Name())
		} else {
			ok = scope.Match(rel, params.Pattern)
		}
		if ok {
			matches = append(matches, rel)
		}
		return nil
	})
	if err != nil {
		return toolError("Glob error: %v", err)
	}
	if len(matches) == 0 {
		return ToolResult{Content: "No files matched the pattern"}
	}
	return ToolResult{Content: strings.Join(matches, "\n")}
}

func (e *ToolExecutor) execGrep(ctx context.Context, input json.RawMessage) ToolResult {
	var params struct {
		Pattern string `json:"pattern"`
		Path    string `json:"path"`
		Glob    string `json:"glob"`
		Context int    `json:"context"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return toolError("Invalid parameters: %v", err)
	}

	args := []string{"--color=never", "-n"}
	if params.Context > 0 {
		args = append(args, "-C", fmt.Sprintf("%d", params.Context))
	}
	if params.Glob != "" {
		args = append(args, "--glob", params.Glob)
	}
	target := e.workDir
	if params.Path != "" {
		target = e.resolvePath(params.Path)
	}
	args = append(args, params.Pattern, target)

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// rg exits non-zero when nothing matches.
	output, _ := exec.CommandContext(ctx, "rg", args...).CombinedOutput()
	if len(output) == 0 {
		return ToolResult{Content: "No matches found"}
	}
	return ToolResult{Content: truncateOutput(string(output))}
}

func (e *ToolExecutor) execListDir(input json.RawMessage) ToolResult {
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return toolError("Invalid parameters: %v", err)
	}

	entries, err := os.ReadDir(e.resolvePath(params.Path))
	if err != nil {
		return toolError("Failed to read directory: %v", err)
	}

	var b strings.Builder
	for _, entry := range entries {
		info, _ := entry.Info()
		switch {
		case info == nil:
			fmt.Fprintf(&b, "? %s\n", entry.Name())
		case entry.IsDir():
			fmt.Fprintf(&b, "d %s/\n", entry.Name())
		default:
			fmt.Fprintf(&b, "- %s (%d bytes)\n", entry.Name(), info.Size())
		}
	}
	return ToolResult{Content: b.String()}
}

func (e *ToolExecutor) resolvePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(e.workDir, path)
}

// writablePath resolves path and checks it against the working tree and the
// spec's scope.
func (e *ToolExecutor) writablePath(path string) (string, error) {
	abs := e.resolvePath(path)
	rel, err := filepath.Rel(e.workDir, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s is outside the working tree", path)
	}
	if ok, reason := scope.Check(filepath.ToSlash(rel), e.allowed, e.forbidden); !ok {
		return "", fmt.Errorf("write to %s denied: %s", rel, reason)
	}
	return abs, nil
}

func truncateOutput(s string) string {
	if len(s) > maxToolOutput {
		return s[:maxToolOutput] + "\n... (output truncated)"
	}
	return s
}

// FormatToolAction returns a short description of a tool call for logs and
// the live view.
func FormatToolAction(name string, input json.RawMessage) string {
	var p struct {
		FilePath    string `json:"file_path"`
		Command     string `json:"command"`
		Description string `json:"description"`
		Pattern     string `json:"pattern"`
		Path        string `json:"path"`
	}
	_ = json.Unmarshal(input, &p)

	switch name {
	case ToolRead:
		return "Reading " + filepath.Base(p.FilePath)
	case ToolWrite:
		return "Writing " + filepath.Base(p.FilePath)
	case ToolEdit:
		return "Editing " + filepath.Base(p.FilePath)
	case ToolBash:
		if p.Description != "" {
			return p.Description
		}
		cmd := strings.Split(p.Command, " ")[0]
		if len(cmd) > 20 {
			cmd = cmd[:17] + "..."
		}
		return "Running " + cmd
	case ToolGlob:
		return "Searching " + p.Pattern
	case ToolGrep:
		pat := p.Pattern
		if len(pat) > 15 {
			pat = pat[:12] + "..."
		}
		return "Grep " + pat
	case ToolListDir:
		return "Listing " + p.Path
	default:
		return name
	}
}
