package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/spectree/internal/api"
)

var signalCmd = &cobra.Command{
	Use:       "signal <pause|resume|stop>",
	Short:     "Pause, resume or stop a running orchestrator",
	Long:      `Drop a control signal into the decisions directory. The running orchestrator applies it within one poll; in-flight rounds always finish.`,
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{api.SignalPause, api.SignalResume, api.SignalStop},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := api.WriteSignal(cfg.DecisionsDir(), args[0]); err != nil {
			return err
		}
		printStatus("✓", fmt.Sprintf("Sent %s signal", args[0]), color.FgGreen)
		return nil
	},
}
