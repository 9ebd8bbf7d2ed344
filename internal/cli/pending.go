package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ppiankov/fleetgate/internal/approval"
)

var pendingRoot string

func init() {
	rootCmd.AddCommand(pendingCmd)
	pendingCmd.Flags().StringVar(&pendingRoot, "root", ".", "Repository root holding autonomy/state")
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List pending approval requests",
	Long:  "Reads the approval directory directly and prints every pending request, regardless of owning chat.",
	RunE:  runPending,
}

func runPending(cmd *cobra.Command, args []string) error {
	dir := filepath.Join(pendingRoot, "autonomy", "state", "telegram-approvals")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("No pending approvals.")
			return nil
		}
		return fmt.Errorf("read approval directory: %w", err)
	}

	var rows []*approval.Request
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "req_") && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		var req approval.Request
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		if req.Status == approval.StatusPending {
			rows = append(rows, &req)
		}
	}

	if len(rows) == 0 {
		fmt.Println("No pending approvals.")
		return nil
	}

	fmt.Printf("%-28s %-10s %-32s %-24s %s\n", "ID", "CHAT", "REASON", "CREATED", "COMMAND")
	for _, r := range rows {
		fmt.Printf("%-28s %-10s %-32s %-24s %s\n",
			r.ID, r.ChatID, truncate(r.Reason, 32), r.CreatedAt, truncate(r.CommandText, 48))
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
