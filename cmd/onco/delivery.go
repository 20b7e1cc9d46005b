package main

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/bellujrb/hackathon-onco/internal/config"
	"github.com/bellujrb/hackathon-onco/internal/db"
	"github.com/bellujrb/hackathon-onco/internal/delivery"
	"github.com/spf13/cobra"
)

func newDeliveryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delivery",
		Short: "Inspect the result delivery audit trail",
	}

	cmd.AddCommand(newDeliveryListCmd())
	return cmd
}

func newDeliveryListCmd() *cobra.Command {
	var (
		configPath string
		status     string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent deliveries",
		Long:  "Shows the latest audited webhook deliveries and a count per status. Requires delivery.audit.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeliveryList(cmd, configPath, status, limit)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&status, "status", "", "filter by status (delivered, skipped, failed)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows to show")
	return cmd
}

func runDeliveryList(cmd *cobra.Command, configPath, status string, limit int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn is not configured")
	}

	gormDB, err := db.Connect(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer db.Close(gormDB)
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}

	rows, err := delivery.Recent(gormDB, status, limit)
	if err != nil {
		return err
	}
	counts, err := delivery.Counts(gormDB)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(rows) == 0 {
		fmt.Fprintln(out, "No deliveries recorded.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSESSION\tSTATUS\tRISK\tFALLBACK\tERROR")
	for _, d := range rows {
		risk := d.RiskLevel
		if risk == "" {
			risk = "-"
		}
		errText := d.Error
		if errText == "" {
			errText = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n",
			d.CreatedAt.Local().Format("2006-01-02 15:04:05"), d.SessionID, d.Status, risk, d.Fallback, errText)
	}
	w.Flush()

	statuses := make([]string, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)
	fmt.Fprint(out, "\nTotals:")
	for _, s := range statuses {
		fmt.Fprintf(out, " %s=%d", s, counts[s])
	}
	fmt.Fprintln(out)
	return nil
}
