package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bellujrb/hackathon-onco/internal/api"
	"github.com/bellujrb/hackathon-onco/internal/chat"
	"github.com/bellujrb/hackathon-onco/internal/config"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const defaultServerAddr = "http://localhost:3001"

func newPairCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "WhatsApp pairing commands",
	}

	cmd.AddCommand(newPairStatusCmd())
	cmd.AddCommand(newPairResetCmd())
	return cmd
}

func newPairStatusCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the connection state of a running server",
		Long:  "Queries /api/status and prints the pairing QR code in the terminal while pairing.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPairStatus(cmd, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", defaultServerAddr, "base URL of the onco server")
	return cmd
}

func newPairResetCmd() *cobra.Command {
	var (
		configPath string
		yes        bool
	)

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete stored WhatsApp credentials",
		Long: `Removes chat.creds_dir so the bridge shows a fresh QR code on its next start.
Needed after the account was logged out from the phone.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPairReset(cmd, configPath, yes)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation prompt")
	return cmd
}

func fetchStatus(ctx context.Context, addr string) (api.StatusResponse, error) {
	var status api.StatusResponse
	url := strings.TrimRight(addr, "/") + "/api/status"

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return status, fmt.Errorf("build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return status, fmt.Errorf("query %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return status, fmt.Errorf("query %s: unexpected status %s", url, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return status, fmt.Errorf("decode status: %w", err)
	}
	return status, nil
}

func runPairStatus(cmd *cobra.Command, addr string) error {
	out := cmd.OutOrStdout()

	status, err := fetchStatus(cmd.Context(), addr)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "State:     %s\n", status.State)
	if status.Platform != "" {
		fmt.Fprintf(out, "Platform:  %s\n", status.Platform)
	}
	fmt.Fprintf(out, "Message:   %s\n", status.Message)
	if !status.Since.IsZero() {
		fmt.Fprintf(out, "Since:     %s\n", status.Since.Local().Format(time.RFC3339))
	}
	if status.LastError != "" {
		fmt.Fprintf(out, "LastError: %s\n", status.LastError)
	}
	fmt.Fprintf(out, "Sessions:  %d\n", status.Sessions)
	fmt.Fprintf(out, "Queues:    %d\n", status.Queues)
	fmt.Fprintf(out, "Chats:     %d\n", status.Conversations)
	if len(status.Jobs) > 0 {
		names := make([]string, 0, len(status.Jobs))
		for name := range status.Jobs {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintln(out, "Jobs:")
		for _, name := range names {
			fmt.Fprintf(out, "  %-15s next %s\n", name, status.Jobs[name].Local().Format(time.RFC3339))
		}
	}

	if status.LoggedOut {
		fmt.Fprintln(out, "\nThe account was logged out. Run `onco pair reset` and restart the bridge to pair again.")
	}
	if !status.HasQRCode || status.QR == "" {
		return nil
	}

	if !isTerminal(out) {
		fmt.Fprintf(out, "\nOpen %s/api/qrcode to scan the pairing code.\n", strings.TrimRight(addr, "/"))
		return nil
	}
	art, err := chat.QRTerminal(status.QR)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "\nScan with WhatsApp > Linked devices:")
	fmt.Fprint(out, art)
	return nil
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func runPairReset(cmd *cobra.Command, configPath string, skipConfirm bool) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	dir := filepath.Clean(cfg.Chat.CredsDir)
	if dir == "." || dir == string(filepath.Separator) {
		return fmt.Errorf("refusing to remove chat.creds_dir %q", cfg.Chat.CredsDir)
	}

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		fmt.Fprintf(out, "No credentials at %s; nothing to reset.\n", dir)
		return nil
	}

	if !skipConfirm && !confirmPairReset(cmd, dir) {
		fmt.Fprintln(out, "Aborted.")
		return nil
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove %s: %w", dir, err)
	}
	fmt.Fprintf(out, "Removed %s. Restart the bridge to pair again.\n", dir)
	return nil
}

func confirmPairReset(cmd *cobra.Command, dir string) bool {
	out := cmd.OutOrStdout()
	in := cmd.InOrStdin()

	fmt.Fprintf(out, "WARNING: This will delete the WhatsApp credentials in %q.\n", dir)
	fmt.Fprintln(out, "The phone will have to scan a new QR code.")
	fmt.Fprintln(out)
	fmt.Fprint(out, "Type \"yes\" to confirm: ")

	scanner := bufio.NewScanner(in)
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text()) == "yes"
	}
	return false
}
