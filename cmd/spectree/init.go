package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/spectree/internal/config"
)

var (
	initForce    bool
	initNoIgnore bool
	initExample  bool
)

var initCmd = &cobra.Command{
	Use:   "init [directory]",
	Short: "Initialize a spectree project",
	Long: `Initialize a directory for use with spectree.

This command:
  - Creates the .spectree state directory with logs and decisions
  - Adds spectree entries to .gitignore
  - Writes a .spectree.yaml template
  - Optionally writes an example spec.yaml

Examples:
  spectree init              # Initialize current directory
  spectree init ./myproject  # Initialize specific directory
  spectree init --example    # Also write an example spec.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Reinitialize even if already set up")
	initCmd.Flags().BoolVar(&initNoIgnore, "no-gitignore", false, "Leave .gitignore untouched")
	initCmd.Flags().BoolVar(&initExample, "example", false, "Write an example spec.yaml")
}

func runInit(cmd *cobra.Command, args []string) error {
	targetDir := "."
	if len(args) > 0 {
		targetDir = args[0]
	}
	absPath, err := filepath.Abs(targetDir)
	if err != nil {
		return fmt.Errorf("resolving absolute path: %w", err)
	}
	if err := os.MkdirAll(absPath, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", absPath, err)
	}

	fmt.Printf("Initializing spectree in %s...\n\n", absPath)

	stateDir := filepath.Join(absPath, config.Default().Store.Dir)
	if _, err := os.Stat(stateDir); err == nil && !initForce {
		fmt.Printf("Directory already initialized. Use --force to reinitialize.\n")
		return nil
	}

	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		printStatus("⚠", "ANTHROPIC_API_KEY not set (you can set it later)", color.FgYellow)
	} else {
		printStatus("✓", "ANTHROPIC_API_KEY is set", color.FgGreen)
	}

	if err := createStateDirs(stateDir); err != nil {
		return err
	}
	printStatus("✓", "Created .spectree directory structure", color.FgGreen)

	if !initNoIgnore {
		if err := updateGitignore(absPath); err != nil {
			return fmt.Errorf("updating .gitignore: %w", err)
		}
		printStatus("✓", "Updated .gitignore with spectree entries", color.FgGreen)
	}

	created, err := writeTemplate(filepath.Join(absPath, config.ProjectConfigName), projectConfigTemplate)
	if err != nil {
		return fmt.Errorf("creating project config: %w", err)
	}
	if created {
		printStatus("✓", "Created .spectree.yaml template", color.FgGreen)
	}

	if initExample {
		created, err := writeTemplate(filepath.Join(absPath, "spec.yaml"), exampleSpec)
		if err != nil {
			return fmt.Errorf("creating example spec: %w", err)
		}
		if created {
			printStatus("✓", "Created example spec.yaml", color.FgGreen)
		}
	}

	fmt.Printf("\n%s spectree initialization complete!\n\n", color.GreenString("✓"))
	fmt.Println("Next steps:")
	if apiKey == "" {
		fmt.Println("  1. Set your API key:")
		fmt.Println("     export ANTHROPIC_API_KEY=your-key-here")
		fmt.Println()
	}
	fmt.Println("  2. Submit a spec and run:")
	fmt.Println("     spectree submit spec.yaml")
	fmt.Println("     spectree run --watch")
	fmt.Println()
	fmt.Println("  3. Learn more:")
	fmt.Println("     spectree --help")
	return nil
}

func createStateDirs(stateDir string) error {
	for _, dir := range []string{stateDir, filepath.Join(stateDir, "logs"), filepath.Join(stateDir, "decisions")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}

var gitignoreEntries = []string{
	".spectree/state.db*",
	".spectree/logs/",
	".spectree/decisions/",
}

// updateGitignore appends missing spectree entries to .gitignore.
func updateGitignore(repoPath string) error {
	gitignorePath := filepath.Join(repoPath, ".gitignore")

	var existing string
	if data, err := os.ReadFile(gitignorePath); err == nil {
		existing = string(data)
	}

	var missing []string
	for _, entry := range gitignoreEntries {
		if !strings.Contains(existing, entry) {
			missing = append(missing, entry)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString(existing)
	if len(existing) > 0 && !strings.HasSuffix(existing, "\n") {
		b.WriteString("\n")
	}
	b.WriteString("\n# spectree\n")
	for _, entry := range missing {
		b.WriteString(entry + "\n")
	}
	return os.WriteFile(gitignorePath, []byte(b.String()), 0644)
}

// writeTemplate writes content unless the file already exists.
func writeTemplate(path, content string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return false, err
	}
	return true, nil
}

const projectConfigTemplate = `# spectree project configuration
# This file overrides defaults from ~/.config/spectree/config.yaml

# caps:
#   max_concurrent: 3
#   max_depth: 3
#   max_agents: 50
#   max_cost: 0           # 0 means unlimited
#   max_iterations: 10
#   max_arch_iterations: 5

# store:
#   driver: sqlite        # or sqlite3 (cgo)

# bus:
#   backend: sqlite       # or redis
#   redis:
#     addr: localhost:6379

# anthropic:
#   model: claude-sonnet-4-20250514
#   use_bedrock: false

# server:
#   addr: 127.0.0.1:7420
`

const exampleSpec = `name: service
title: Example service
description: A small HTTP service with storage behind it.
acceptance:
  - go test ./... passes
children:
  - name: storage
    title: Storage layer
    leaf: true
    allowed_paths: [internal/storage/]
  - name: api
    title: HTTP API
    leaf: true
    depends_on: [storage]
    allowed_paths: [internal/api/]
`

// printStatus prints a status line with color
func printStatus(symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}
