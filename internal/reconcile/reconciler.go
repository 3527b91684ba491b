// Package reconcile applies provider-reported delivery outcomes to the
// campaign store, from webhook callbacks and from downloaded reports.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/foxzi/voxdrop/internal/campaign"
	"github.com/foxzi/voxdrop/internal/delivery"
	"github.com/foxzi/voxdrop/internal/metrics"
)

// Store is the part of the campaign store the reconciler needs
type Store interface {
	Get(ctx context.Context, id string) (*campaign.Campaign, error)
	GetEntry(ctx context.Context, id, contactID string) (*campaign.Entry, error)
	FindEntryByPhone(ctx context.Context, id, phone string) (*campaign.Entry, error)
	Entries(ctx context.Context, id string, filter campaign.EntryFilter) ([]*campaign.Entry, error)
	ApplyStatusUpdate(ctx context.Context, id, contactID string, u campaign.StatusUpdate) (*campaign.Entry, bool, error)
}

// ReportFetcher downloads provider reports
type ReportFetcher interface {
	FetchReport(ctx context.Context, providerCampaignID string) ([]byte, error)
}

// Callback is a status notification pushed by the provider
type Callback struct {
	ProviderID string            `json:"id,omitempty"`
	Status     string            `json:"status"`
	To         string            `json:"to,omitempty"`
	Callback   bool              `json:"callback,omitempty"`
	Metadata   delivery.Metadata `json:"metadata"`
}

// Reconciler ingests provider outcomes
type Reconciler struct {
	store   Store
	fetcher ReportFetcher
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a new reconciler. fetcher may be nil when reports are unavailable.
func New(store Store, fetcher ReportFetcher, timeout time.Duration, logger *slog.Logger) *Reconciler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Reconciler{
		store:   store,
		fetcher: fetcher,
		timeout: timeout,
		logger:  logger,
		now:     time.Now,
	}
}

// HandleCallback applies one provider callback. Unknown campaigns or
// contacts return campaign.ErrNotFound.
func (r *Reconciler) HandleCallback(ctx context.Context, cb *Callback) (*campaign.Entry, bool, error) {
	if cb == nil || cb.Metadata.CampaignID == "" {
		metrics.IncCallbacks("ignored")
		return nil, false, fmt.Errorf("callback without campaign id: %w", campaign.ErrNotFound)
	}
	campaignID := cb.Metadata.CampaignID

	entry, err := r.lookup(ctx, campaignID, cb.Metadata.ContactID, cb.To)
	if err != nil {
		metrics.IncCallbacks("ignored")
		return nil, false, err
	}

	kind := Classify(cb.Status)
	if kind == KindUnknown {
		r.logger.Warn("unknown provider status, recording only",
			"campaign_id", campaignID,
			"contact_id", entry.ContactID,
			"status", cb.Status,
		)
	}
	metrics.IncCallbacks(kind.String())

	updated, changed, err := r.store.ApplyStatusUpdate(ctx, campaignID, entry.ContactID, campaign.StatusUpdate{
		Status:         kind.entryStatus(),
		ProviderStatus: cb.Status,
		ProviderID:     cb.ProviderID,
		Callback:       cb.Callback || isCallback(cb.Status),
		At:             r.now(),
	})
	if err != nil {
		return nil, false, err
	}

	if changed {
		r.logger.Info("provider status applied",
			"campaign_id", campaignID,
			"contact_id", entry.ContactID,
			"provider_status", cb.Status,
			"status", updated.Status,
		)
	}

	return updated, changed, nil
}

func (r *Reconciler) lookup(ctx context.Context, campaignID, contactID, phone string) (*campaign.Entry, error) {
	if contactID != "" {
		e, err := r.store.GetEntry(ctx, campaignID, contactID)
		if err == nil || !errors.Is(err, campaign.ErrNotFound) || phone == "" {
			return e, err
		}
	}
	if phone != "" {
		return r.store.FindEntryByPhone(ctx, campaignID, phone)
	}
	return nil, fmt.Errorf("callback without contact id or phone: %w", campaign.ErrNotFound)
}

// Statistics is the delivery summary of one campaign
type Statistics struct {
	CampaignID string `json:"campaign_id"`
	Name       string `json:"name"`
	// Source is "provider" when built from the provider report, "local"
	// otherwise. "local_fallback" marks a local summary served because the
	// report could not be pulled.
	Source      string            `json:"source"`
	Warning     string            `json:"warning,omitempty"`
	Total       int               `json:"total"`
	Delivered   int               `json:"delivered"`
	Failed      int               `json:"failed"`
	Pending     int               `json:"pending"`
	Cancelled   int               `json:"cancelled,omitempty"`
	Callbacks   int               `json:"callbacks"`
	Skipped     int               `json:"skipped"`
	Applied     int               `json:"applied"`
	Progress    campaign.Progress `json:"progress"`
	Details     []Detail          `json:"details"`
	GeneratedAt time.Time         `json:"generated_at"`
}

// Detail is the per-recipient row of the statistics
type Detail struct {
	ContactID      string               `json:"contact_id,omitempty"`
	Phone          string               `json:"phone"`
	Name           string               `json:"name,omitempty"`
	ProviderStatus string               `json:"provider_status,omitempty"`
	Status         campaign.EntryStatus `json:"status,omitempty"`
	Callback       bool                 `json:"callback,omitempty"`
}

func (s *Statistics) count(kind Kind, callback bool) {
	s.Total++
	switch kind {
	case KindSent:
		s.Delivered++
	case KindFailed:
		s.Failed++
	default:
		s.Pending++
	}
	if callback {
		s.Callbacks++
	}
}

// Statistics pulls the provider report for the campaign, applies every row
// forward-only and returns the aggregated result. Campaigns the provider
// does not know are summarized from local state.
func (r *Reconciler) Statistics(ctx context.Context, campaignID string) (*Statistics, error) {
	c, err := r.store.Get(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	if c.ProviderCampaignID == "" || r.fetcher == nil {
		return r.localStatistics(ctx, c)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, r.timeout)
	data, err := r.fetcher.FetchReport(fetchCtx, c.ProviderCampaignID)
	cancel()
	if err != nil {
		return r.fallbackStatistics(ctx, c, fmt.Errorf("failed to fetch report: %w", err))
	}

	report, err := ParseReport(data)
	if err != nil {
		return r.fallbackStatistics(ctx, c, err)
	}

	entries, err := r.store.Entries(ctx, campaignID, campaign.EntryFilter{})
	if err != nil {
		return nil, err
	}
	byContact := make(map[string]*campaign.Entry, len(entries))
	byPhone := make(map[string]*campaign.Entry, len(entries))
	for _, e := range entries {
		byContact[e.ContactID] = e
		if p := campaign.NormalizePhone(e.Contact.Phone); p != "" {
			if _, dup := byPhone[p]; !dup {
				byPhone[p] = e
			}
		}
	}

	stats := &Statistics{
		CampaignID:  c.ID,
		Name:        c.Name,
		Source:      "provider",
		Skipped:     report.Skipped,
		Details:     make([]Detail, 0, len(report.Rows)),
		GeneratedAt: r.now().UTC(),
	}

	for _, row := range report.Rows {
		entry := byContact[row.ContactID]
		if entry == nil {
			entry = byPhone[campaign.NormalizePhone(row.Phone)]
		}
		if entry == nil {
			r.logger.Debug("report row matches no contact",
				"campaign_id", campaignID,
				"line", row.Line,
				"phone", row.Phone,
			)
			stats.Skipped++
			continue
		}

		kind := Classify(row.Status)
		callback := row.Callback || isCallback(row.Status)
		stats.count(kind, callback)

		status := entry.Status
		updated, changed, err := r.store.ApplyStatusUpdate(ctx, campaignID, entry.ContactID, campaign.StatusUpdate{
			Status:         kind.entryStatus(),
			ProviderStatus: row.Status,
			ProviderID:     row.ProviderID,
			Callback:       callback,
			At:             r.now(),
		})
		if err != nil {
			r.logger.Warn("failed to apply report row",
				"campaign_id", campaignID,
				"contact_id", entry.ContactID,
				"line", row.Line,
				"error", err,
			)
			stats.Skipped++
			continue
		}
		if changed {
			stats.Applied++
			status = updated.Status
		}

		stats.Details = append(stats.Details, Detail{
			ContactID:      entry.ContactID,
			Phone:          entry.Contact.Phone,
			Name:           fullName(entry.Contact),
			ProviderStatus: row.Status,
			Status:         status,
			Callback:       callback,
		})
	}

	metrics.AddReportRows("applied", stats.Applied)
	metrics.AddReportRows("unchanged", stats.Total-stats.Applied)
	metrics.AddReportRows("skipped", stats.Skipped)

	// Re-read after applying so progress reflects this report
	c, err = r.store.Get(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	stats.Progress = c.Progress

	r.logger.Info("campaign report reconciled",
		"campaign_id", campaignID,
		"rows", stats.Total,
		"applied", stats.Applied,
		"skipped", stats.Skipped,
	)

	return stats, nil
}

// fallbackStatistics serves local state when the provider report is unavailable
func (r *Reconciler) fallbackStatistics(ctx context.Context, c *campaign.Campaign, cause error) (*Statistics, error) {
	r.logger.Warn("provider report unavailable, using local state",
		"campaign_id", c.ID,
		"provider_campaign_id", c.ProviderCampaignID,
		"error", cause,
	)

	stats, err := r.localStatistics(ctx, c)
	if err != nil {
		return nil, err
	}
	stats.Source = "local_fallback"
	stats.Warning = cause.Error()
	return stats, nil
}

func (r *Reconciler) localStatistics(ctx context.Context, c *campaign.Campaign) (*Statistics, error) {
	entries, err := r.store.Entries(ctx, c.ID, campaign.EntryFilter{})
	if err != nil {
		return nil, err
	}

	stats := &Statistics{
		CampaignID:  c.ID,
		Name:        c.Name,
		Source:      "local",
		Progress:    c.Progress,
		Details:     make([]Detail, 0, len(entries)),
		GeneratedAt: r.now().UTC(),
	}

	for _, e := range entries {
		switch e.Status {
		case campaign.EntrySent:
			stats.count(KindSent, e.Callback)
		case campaign.EntryFailed:
			stats.count(KindFailed, e.Callback)
		case campaign.EntryCancelled:
			stats.Total++
			stats.Cancelled++
		default:
			stats.count(KindInterim, e.Callback)
		}
		stats.Details = append(stats.Details, Detail{
			ContactID:      e.ContactID,
			Phone:          e.Contact.Phone,
			Name:           fullName(e.Contact),
			ProviderStatus: e.ProviderStatus,
			Status:         e.Status,
			Callback:       e.Callback,
		})
	}

	return stats, nil
}

func fullName(c campaign.Contact) string {
	switch {
	case c.FirstName == "":
		return c.LastName
	case c.LastName == "":
		return c.FirstName
	default:
		return c.FirstName + " " + c.LastName
	}
}
