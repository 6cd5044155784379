package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var threadsJSON bool

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "Inspect conversation threads",
}

var threadsPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List threads waiting for supervisor review",
	RunE:  runThreadsPending,
}

var threadsShowCmd = &cobra.Command{
	Use:   "show <thread-id>",
	Short: "Show the full history and usage of a thread",
	Args:  cobra.ExactArgs(1),
	RunE:  runThreadsShow,
}

func init() {
	threadsCmd.PersistentFlags().BoolVar(&threadsJSON, "json", false, "print results as JSON")
	threadsCmd.AddCommand(threadsPendingCmd)
	threadsCmd.AddCommand(threadsShowCmd)
	rootCmd.AddCommand(threadsCmd)
}

func runThreadsPending(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "threads.pending")
	defer span.End()

	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	reviews, err := a.svc.PendingReviews(ctx)
	if err != nil {
		return err
	}

	if threadsJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(reviews)
	}

	if len(reviews) == 0 {
		fmt.Println("No pending reviews.")
		return nil
	}
	for _, r := range reviews {
		preview := r.Preview
		if len(preview) > 80 {
			preview = preview[:80] + "..."
		}
		fmt.Printf("%s  user=%s  since=%s\n  %s\n",
			r.ThreadID, r.UserID, r.UpdatedAt.Format("2006-01-02 15:04"), preview)
	}
	return nil
}

func runThreadsShow(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "threads.show")
	defer span.End()

	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	status, err := a.svc.GetThreadStatus(ctx, args[0])
	if err != nil {
		return err
	}

	if threadsJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}

	fmt.Printf("Thread %s  user=%s  status=%s", status.ThreadID, status.UserID, status.Status)
	if status.FinalDecision != "" {
		fmt.Printf("  decision=%s", status.FinalDecision)
	}
	fmt.Println()
	for _, m := range status.Messages {
		fmt.Printf("\n[%s] %s\n", m.Role, m.Content)
	}
	fmt.Printf("\nTokens: %d total (est. $%.6f)\n",
		status.Usage.TotalTokens, status.Usage.EstimatedCost)
	return nil
}
