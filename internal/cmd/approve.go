package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/elkinlatorre/FINA/internal/governance"
)

var (
	approveSupervisor string
	approveUser       string
	approveReject     bool
	approveEdited     string
	approveJSON       bool
)

var approveCmd = &cobra.Command{
	Use:   "approve <thread-id>",
	Short: "Approve or reject a pending recommendation",
	Args:  cobra.ExactArgs(1),
	RunE:  runApprove,
}

func init() {
	approveCmd.Flags().StringVar(&approveSupervisor, "supervisor", "", "supervisor id (required)")
	approveCmd.Flags().StringVar(&approveUser, "user", "", "id of the user who requested the thread (required)")
	approveCmd.Flags().BoolVar(&approveReject, "reject", false, "reject instead of approve")
	approveCmd.Flags().StringVar(&approveEdited, "edited-response", "", "supervisor-edited replacement for the recommendation")
	approveCmd.Flags().BoolVar(&approveJSON, "json", false, "print the full result as JSON")
	_ = approveCmd.MarkFlagRequired("supervisor")
	_ = approveCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(approveCmd)
}

func runApprove(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "approve")
	defer span.End()

	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	result, err := a.svc.ProcessApproval(ctx, &governance.Request{
		ThreadID:       args[0],
		UserID:         approveUser,
		SupervisorID:   approveSupervisor,
		Approve:        !approveReject,
		EditedResponse: approveEdited,
	})
	if err != nil {
		return err
	}

	if approveJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	fmt.Printf("Thread %s: %s\n", result.ThreadID, result.Status)
	if result.Auditor != "" {
		fmt.Printf("Auditor: %s\n", result.Auditor)
	}
	if result.Message != "" {
		fmt.Println(result.Message)
	}
	if result.Response != "" {
		fmt.Printf("\n%s\n", result.Response)
	}
	return nil
}
