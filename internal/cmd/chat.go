package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/elkinlatorre/FINA/internal/service"
)

var (
	chatUserID   string
	chatThreadID string
	chatJSON     bool
)

var chatCmd = &cobra.Command{
	Use:   "chat <message>",
	Short: "Send one message through the advisory workflow",
	Args:  cobra.ExactArgs(1),
	RunE:  runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatUserID, "user", "cli-user", "user id owning the thread")
	chatCmd.Flags().StringVar(&chatThreadID, "thread", "", "continue an existing thread")
	chatCmd.Flags().BoolVar(&chatJSON, "json", false, "print the full result as JSON")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "chat")
	defer span.End()

	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	var result *service.ChatResult
	if chatThreadID != "" {
		result, err = a.svc.ProcessChatOnThread(ctx, chatThreadID, args[0], chatUserID)
	} else {
		result, err = a.svc.ProcessChat(ctx, args[0], chatUserID)
	}
	if err != nil {
		return err
	}

	if chatJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	switch result.Status {
	case service.StatusPendingReview:
		fmt.Printf("Thread %s is pending supervisor review.\n\n", result.ThreadID)
		fmt.Printf("Preview:\n%s\n", result.Preview)
	default:
		fmt.Printf("Thread %s\n\n%s\n", result.ThreadID, result.Response)
	}
	fmt.Printf("\nTokens: %d prompt / %d completion (est. $%.6f)\n",
		result.Usage.PromptTokens, result.Usage.CompletionTokens, result.Usage.EstimatedCost)
	return nil
}
