package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/spectree/internal/specfile"
)

var submitCmd = &cobra.Command{
	Use:   "submit <spec.yaml>",
	Short: "Submit a root spec",
	Long: `Submit a root spec from a YAML file. The spec starts in PENDING and is
picked up by the next 'spectree run'.

Children listed under the root are planned up front; they are created when
the root decomposes.`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

func runSubmit(cmd *cobra.Command, args []string) error {
	spec, err := specfile.Load(args[0])
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openApp(context.Background(), cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	node, err := a.orch.Submit(*spec)
	if err != nil {
		return fmt.Errorf("submit %s: %w", spec.Name, err)
	}
	printStatus("✓", fmt.Sprintf("Submitted %s (%d specs, depth %d)",
		node.ID, specfile.Count(spec), specfile.Depth(spec)), color.FgGreen)
	return nil
}
