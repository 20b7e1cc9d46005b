package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/bellujrb/hackathon-onco/internal/config"
	"github.com/bellujrb/hackathon-onco/internal/db"
	"github.com/bellujrb/hackathon-onco/internal/logging"
	"github.com/bellujrb/hackathon-onco/internal/session"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect and manage persisted test-link sessions",
		Long: "Reads the session table the server persists (file or SQL store). Run these\n" +
			"while the server is stopped; a running server overwrites the table on its next flush.",
	}

	cmd.AddCommand(newSessionListCmd())
	cmd.AddCommand(newSessionRevokeCmd())
	cmd.AddCommand(newSessionPurgeCmd())
	return cmd
}

func newSessionListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List active sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionList(cmd, configPath)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newSessionRevokeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "revoke <token>",
		Short: "Invalidate one session token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionRevoke(cmd, configPath, args[0])
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newSessionPurgeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Remove expired sessions from the persisted table",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionPurge(cmd, configPath)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

// loadPersistedSessions restores the configured session table into a
// store. The returned closer releases the database, if one was opened.
func loadPersistedSessions(ctx context.Context, configPath string) (*session.Store, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Sessions.Store == "memory" {
		return nil, nil, fmt.Errorf("sessions.store is memory; nothing is persisted")
	}

	closer := func() {}
	var gormDB *gorm.DB
	if cfg.Sessions.Store == "sql" {
		gormDB, err = db.Connect(cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			return nil, nil, err
		}
		if err := db.AutoMigrate(gormDB); err != nil {
			db.Close(gormDB)
			return nil, nil, err
		}
		closer = func() { db.Close(gormDB) }
	}

	store, err := openSessionStore(cfg, gormDB, logging.Discard())
	if err != nil {
		closer()
		return nil, nil, err
	}
	if err := store.Load(ctx); err != nil {
		closer()
		return nil, nil, err
	}
	return store, closer, nil
}

func runSessionList(cmd *cobra.Command, configPath string) error {
	store, closer, err := loadPersistedSessions(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer closer()

	out := cmd.OutOrStdout()
	sessions := store.List()
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No active sessions.")
		return nil
	}

	now := time.Now()
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TOKEN\tOWNER\tCREATED\tEXPIRES IN")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			s.ID, s.OwnerID, s.CreatedAt.Local().Format("2006-01-02 15:04"),
			s.ExpiresAt.Sub(now).Truncate(time.Minute))
	}
	w.Flush()
	return nil
}

func runSessionRevoke(cmd *cobra.Command, configPath, token string) error {
	store, closer, err := loadPersistedSessions(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer closer()

	if _, err := store.Get(token); err != nil {
		return fmt.Errorf("session %s: %w", token, err)
	}
	store.Delete(token)
	if err := store.Flush(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Session %s revoked.\n", token)
	return nil
}

func runSessionPurge(cmd *cobra.Command, configPath string) error {
	store, closer, err := loadPersistedSessions(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer closer()

	// Load already skips expired rows; flushing rewrites the table without them.
	store.Sweep()
	if err := store.Flush(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Purged expired sessions; %d active remain.\n", store.Len())
	return nil
}
