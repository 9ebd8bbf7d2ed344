package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/ppiankov/fleetgate/internal/approval"
)

var watchRoot string

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&watchRoot, "root", ".", "Repository root holding autonomy/state")
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Tail the approval ledger",
	Long:  "Follows the approval directory with fsnotify and prints every request creation and resolution as it lands on disk.",
	RunE:  runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	dir := filepath.Join(watchRoot, "autonomy", "state", "telegram-approvals")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create approval directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(dir); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	fmt.Printf("watching %s\n", dir)

	// Writers land records via tmp+rename, so the rename target is the
	// authoritative event.
	seen := map[string]approval.Status{}
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			name := filepath.Base(event.Name)
			if !strings.HasPrefix(name, "req_") || !strings.HasSuffix(name, ".json") {
				continue
			}
			printTransition(event.Name, seen)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "watch error: %v\n", err)
		}
	}
}

func printTransition(path string, seen map[string]approval.Status) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var req approval.Request
	if err := json.Unmarshal(data, &req); err != nil || req.ID == "" {
		return
	}
	if prev, ok := seen[req.ID]; ok && prev == req.Status {
		return
	}
	seen[req.ID] = req.Status

	switch req.Status {
	case approval.StatusPending:
		fmt.Printf("%s  PENDING   %s  reason=%s  cmd=%s\n", req.CreatedAt, req.ID, req.Reason, req.CommandText)
	default:
		fmt.Printf("%s  %-9s %s  by=%s\n", req.ResolvedAt, strings.ToUpper(string(req.Status)), req.ID, req.ResolvedByChatID)
	}
}
