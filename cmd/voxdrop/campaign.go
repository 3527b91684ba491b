package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/voxdrop/internal/campaign"
	"github.com/foxzi/voxdrop/internal/delivery"
)

var (
	contactsStatus string
	contactsLimit  int
	contactsOffset int
)

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Campaign management commands",
	Long: `Inspect and control campaigns directly in the database.
The database is locked while the server runs, so stop it first or use the HTTP API.`,
}

var campaignListCmd = &cobra.Command{
	Use:   "list",
	Short: "List campaigns",
	RunE:  runCampaignList,
}

var campaignShowCmd = &cobra.Command{
	Use:   "show <campaign_id>",
	Short: "Show campaign details",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignShow,
}

var campaignContactsCmd = &cobra.Command{
	Use:   "contacts <campaign_id>",
	Short: "List the contact queue of a campaign",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignContacts,
}

func init() {
	campaignContactsCmd.Flags().StringVar(&contactsStatus, "status", "", "Filter by status (pending, sent, failed, cancelled)")
	campaignContactsCmd.Flags().IntVar(&contactsLimit, "limit", 50, "Maximum number of contacts to show")
	campaignContactsCmd.Flags().IntVar(&contactsOffset, "offset", 0, "Number of contacts to skip")

	campaignCmd.AddCommand(
		campaignListCmd,
		campaignShowCmd,
		campaignContactsCmd,
		newActionCmd(campaign.ActionPause, "Pause a campaign"),
		newActionCmd(campaign.ActionResume, "Resume a paused campaign"),
		newActionCmd(campaign.ActionCancel, "Cancel a campaign and its pending contacts"),
	)
	rootCmd.AddCommand(campaignCmd)
}

func newActionCmd(action campaign.Action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   string(action) + " <campaign_id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCampaignAction(action, args[0])
		},
	}
}

func openStore() (*campaign.BoltStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	store, err := campaign.NewBoltStore(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open campaign storage: %w", err)
	}

	return store, nil
}

func runCampaignList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	campaigns, err := store.List(context.Background())
	if err != nil {
		return fmt.Errorf("failed to list campaigns: %w", err)
	}

	if len(campaigns) == 0 {
		fmt.Println("No campaigns")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tPROGRESS\tCREATED")
	fmt.Fprintln(w, "--\t----\t------\t--------\t-------")

	for _, c := range campaigns {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			truncate(c.ID, 8),
			truncate(c.Name, 30),
			c.Status,
			formatProgress(c.Progress),
			c.CreatedAt.Format("2006-01-02 15:04"),
		)
	}

	w.Flush()
	fmt.Printf("\nTotal: %d campaigns\n", len(campaigns))

	return nil
}

func runCampaignShow(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	c, err := store.Get(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get campaign: %w", err)
	}

	s := c.Schedule
	fmt.Printf("Campaign: %s\n\n", c.ID)
	fmt.Printf("Name:        %s\n", c.Name)
	fmt.Printf("Status:      %s\n", c.Status)
	fmt.Printf("Sender:      %s\n", c.Sender)
	fmt.Printf("Created:     %s\n", c.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated:     %s\n", c.UpdatedAt.Format(time.RFC3339))
	if c.ProviderCampaignID != "" {
		fmt.Printf("Provider ID: %s\n", c.ProviderCampaignID)
	}
	if c.WebhookURL != "" {
		fmt.Printf("Webhook:     %s\n", c.WebhookURL)
	}

	fmt.Println("\nSchedule")
	fmt.Println("--------")
	fmt.Printf("Window:      %s-%s %s\n", s.StartTime, s.EndTime, s.Timezone)
	fmt.Printf("Days:        %v\n", s.Days)
	fmt.Printf("Max/hour:    %d\n", s.MaxPerHour)
	if s.DailyLimit > 0 {
		fmt.Printf("Daily limit: %d\n", s.DailyLimit)
	}
	if s.DelayMinutes > 0 {
		fmt.Printf("Delay:       %dm\n", s.DelayMinutes)
	}

	p := c.Progress
	fmt.Println("\nProgress")
	fmt.Println("--------")
	fmt.Printf("Total:     %d\n", p.Total)
	fmt.Printf("Pending:   %d\n", p.Pending)
	fmt.Printf("Sent:      %d\n", p.Sent)
	fmt.Printf("Failed:    %d\n", p.Failed)
	fmt.Printf("Cancelled: %d\n", p.Cancelled)

	fmt.Println("\nScript:")
	fmt.Println("---")
	fmt.Println(c.Script)
	fmt.Println("---")

	return nil
}

func runCampaignContacts(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.Entries(context.Background(), args[0], campaign.EntryFilter{
		Status: campaign.EntryStatus(contactsStatus),
		Limit:  contactsLimit,
		Offset: contactsOffset,
	})
	if err != nil {
		return fmt.Errorf("failed to list contacts: %w", err)
	}

	if len(entries) == 0 {
		fmt.Println("No contacts")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CONTACT\tPHONE\tSTATUS\tRETRIES\tPROVIDER STATUS\tLAST ERROR")
	fmt.Fprintln(w, "-------\t-----\t------\t-------\t---------------\t----------")

	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			e.ContactID,
			e.Contact.Phone,
			e.Status,
			e.RetryCount,
			orDash(e.ProviderStatus),
			orDash(truncate(e.LastError, 40)),
		)
	}

	w.Flush()
	return nil
}

func runCampaignAction(action campaign.Action, id string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := campaign.NewBoltStore(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open campaign storage: %w", err)
	}
	defer store.Close()

	// Provider status is mirrored the same way the server does it
	client := delivery.NewClient(delivery.Config{
		BaseURL:      cfg.Provider.BaseURL,
		APIKey:       cfg.Provider.APIKey,
		VoiceCloneID: cfg.Provider.VoiceCloneID,
		Timeout:      cfg.Provider.Timeout,
	})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	service := campaign.NewService(store, client, nil, logger)

	c, err := service.Update(context.Background(), id, &campaign.UpdateRequest{Action: action})
	if err != nil {
		return fmt.Errorf("failed to %s campaign: %w", action, err)
	}

	fmt.Printf("Campaign %s is now %s (%s)\n", c.ID, c.Status, formatProgress(c.Progress))
	return nil
}

func formatProgress(p campaign.Progress) string {
	return fmt.Sprintf("%d/%d sent, %d failed, %d pending", p.Sent, p.Total, p.Failed, p.Pending)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
