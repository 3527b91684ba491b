package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/voxdrop/internal/ratelimit"
)

var ratelimitCmd = &cobra.Command{
	Use:   "ratelimit",
	Short: "Rate limit commands",
}

var ratelimitShowCmd = &cobra.Command{
	Use:   "show <campaign_id>",
	Short: "Show send counters of a campaign",
	Args:  cobra.ExactArgs(1),
	RunE:  runRatelimitShow,
}

func init() {
	ratelimitCmd.AddCommand(ratelimitShowCmd)
	rootCmd.AddCommand(ratelimitCmd)
}

func runRatelimitShow(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()

	c, err := store.Get(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to get campaign: %w", err)
	}

	loc := time.UTC
	if window, err := c.Schedule.Window(); err == nil {
		loc = window.Location
	}

	limiter, err := ratelimit.NewLimiter(store.DB(), nil)
	if err != nil {
		return fmt.Errorf("failed to open rate limiter: %w", err)
	}
	defer limiter.Stop()

	stats, err := limiter.GetStats(ctx, c.ID, loc)
	if err != nil {
		return fmt.Errorf("failed to get rate limit stats: %w", err)
	}

	fmt.Printf("Rate limits for %s (%s)\n", c.Name, c.ID)
	fmt.Println("==========================")
	fmt.Printf("Sent this hour: %d / %d\n", stats.HourlyCount, c.Schedule.MaxPerHour)
	if c.Schedule.DailyLimit > 0 {
		fmt.Printf("Sent today:     %d / %d (%s)\n", stats.DailyCount, c.Schedule.DailyLimit, stats.Day)
	} else {
		fmt.Printf("Sent today:     %d\n", stats.DailyCount)
	}
	if !stats.LastSend.IsZero() {
		fmt.Printf("Last send:      %s\n", stats.LastSend.In(loc).Format(time.RFC3339))
		if c.Schedule.DelayMinutes > 0 {
			next := stats.LastSend.Add(time.Duration(c.Schedule.DelayMinutes) * time.Minute)
			fmt.Printf("Next allowed:   %s\n", next.In(loc).Format(time.RFC3339))
		}
	}

	return nil
}
