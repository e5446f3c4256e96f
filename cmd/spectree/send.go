package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/spectree/pkg/models"
)

var (
	sendFrom     string
	sendType     string
	sendPriority string
)

var sendCmd = &cobra.Command{
	Use:   "send <to-spec-id> [payload-json]",
	Short: "Send a message on the bus",
	Long: `Send a message to a spec. Without --from the message comes from the
system and may go to any spec; with --from the recipient must be the
sender's direct parent or a direct child.

Blocking and urgent messages wake a hibernating recipient.

Examples:
  spectree send app/api '{"note":"use the shared auth type"}' --type context_update
  spectree send app --from app/api --type escalation --priority blocking '{"reason":"schema conflict"}'`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runSend,
}

func init() {
	sendCmd.Flags().StringVar(&sendFrom, "from", "", "Sending spec (default: system)")
	sendCmd.Flags().StringVarP(&sendType, "type", "t", string(models.MessageContextUpdate), "Message type")
	sendCmd.Flags().StringVarP(&sendPriority, "priority", "p", string(models.PriorityNormal), "normal, blocking or urgent")
}

func runSend(cmd *cobra.Command, args []string) error {
	var payload json.RawMessage
	if len(args) == 2 {
		if !json.Valid([]byte(args[1])) {
			return fmt.Errorf("payload is not valid JSON")
		}
		payload = json.RawMessage(args[1])
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
	a.drainEvents()

	msg, err := a.orch.Send(context.Background(), sendFrom, args[0], models.MessageType(sendType), models.Priority(sendPriority), payload)
	if err != nil {
		return err
	}
	printStatus("✓", fmt.Sprintf("Sent %s %s -> %s (%s)", msg.Type, msg.From, msg.To, msg.ID), color.FgGreen)
	return nil
}
