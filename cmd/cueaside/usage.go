package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/eliteGoblin/focusd/cueaside/internal/infra"
)

const dateLayout = "2006-01-02"

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show foreground time per app for a day",
	Long: `Shows how long each app was in the foreground on a given local day,
as recorded by the tracker. Defaults to today.`,
	RunE: runUsage,
}

var (
	usageDate     string
	usageTimeline bool
)

func init() {
	usageCmd.Flags().StringVar(&usageDate, "date", "", "Day to report as YYYY-MM-DD (default today)")
	usageCmd.Flags().BoolVar(&usageTimeline, "timeline", false, "List individual foreground intervals")

	rootCmd.AddCommand(usageCmd)
}

// parseDay parses a YYYY-MM-DD day in the local zone; empty means today.
func parseDay(value string, now time.Time) (time.Time, error) {
	if value == "" {
		return now, nil
	}
	day, err := time.ParseInLocation(dateLayout, value, now.Location())
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --date %q, want YYYY-MM-DD", value)
	}
	return day, nil
}

// formatUsage renders a duration as e.g. "1h05m" or "42s".
func formatUsage(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	switch {
	case h > 0:
		return fmt.Sprintf("%dh%02dm", h, m)
	case m > 0:
		return fmt.Sprintf("%dm%02ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}

func runUsage(cmd *cobra.Command, args []string) error {
	now := time.Now()
	day, err := parseDay(usageDate, now)
	if err != nil {
		return err
	}

	env, err := loadEnvironment()
	if err != nil {
		return err
	}
	logger := cliLogger()
	defer func() { _ = logger.Sync() }()

	store, err := env.openStore(logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	ledger := infra.NewUsageLedger(store)
	totals, err := ledger.DailyTotals(ctx, day)
	if err != nil {
		return err
	}

	fmt.Printf("\n=== Usage for %s ===\n", day.Format(dateLayout))
	if len(totals) == 0 {
		fmt.Println("No foreground time recorded.")
		return nil
	}

	var sum time.Duration
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, u := range totals {
		sum += u.Duration
		fmt.Fprintf(w, "%s\t%s\n", u.App, formatUsage(u.Duration))
	}
	fmt.Fprintf(w, "TOTAL\t%s\n", formatUsage(sum))
	if err := w.Flush(); err != nil {
		return err
	}

	if usageTimeline {
		y, m, d := day.Date()
		since := time.Date(y, m, d, 0, 0, 0, 0, day.Location())
		until := since.AddDate(0, 0, 1)
		if now.Before(until) {
			until = now
		}
		intervals, err := ledger.Intervals(ctx, since, until)
		if err != nil {
			return err
		}
		fmt.Println("\nTimeline:")
		for _, iv := range intervals {
			fmt.Printf("  %s-%s  %s\n",
				iv.Start.Format("15:04:05"), iv.End.Format("15:04:05"), iv.App)
		}
	}
	return nil
}
