// Package dispatch drives campaigns forward one contact at a time.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/foxzi/voxdrop/internal/campaign"
	"github.com/foxzi/voxdrop/internal/delivery"
	"github.com/foxzi/voxdrop/internal/metrics"
	"github.com/foxzi/voxdrop/internal/ratelimit"
	"github.com/foxzi/voxdrop/internal/schedule"
	"github.com/foxzi/voxdrop/internal/template"
)

// Store is the part of the campaign store the dispatcher needs
type Store interface {
	ActiveCampaignIDs(ctx context.Context) ([]string, error)
	Get(ctx context.Context, id string) (*campaign.Campaign, error)
	ListEligiblePending(ctx context.Context, id string, limit int) ([]*campaign.Entry, error)
	RecordAttemptResult(ctx context.Context, id, contactID string, r campaign.AttemptResult) (*campaign.Entry, error)
}

// Admitter grants send slots per campaign
type Admitter interface {
	Acquire(ctx context.Context, req *ratelimit.Request) (*ratelimit.Result, error)
	Release(res *ratelimit.Result)
}

// Submitter hands a voicemail to the provider
type Submitter interface {
	Submit(ctx context.Context, s *delivery.Submission) (*delivery.Accepted, error)
}

// Config contains dispatcher configuration
type Config struct {
	Interval    time.Duration
	Workers     int
	MaxRetries  int
	SendTimeout time.Duration
	// CallbackURL is used when a campaign has no webhook URL of its own
	CallbackURL string
}

// Outcome is what one campaign step did
type Outcome string

const (
	OutcomeSent     Outcome = "sent"
	OutcomeRetry    Outcome = "retry"
	OutcomeFailed   Outcome = "failed"
	OutcomeDeferred Outcome = "deferred"
	OutcomeIdle     Outcome = "idle"
	OutcomeBusy     Outcome = "busy"
)

// CycleStats summarizes one dispatch cycle
type CycleStats struct {
	Campaigns int
	Sent      int
	Retried   int
	Failed    int
	Deferred  int
}

func (s *CycleStats) add(o Outcome) {
	switch o {
	case OutcomeSent:
		s.Sent++
	case OutcomeRetry:
		s.Retried++
	case OutcomeFailed:
		s.Failed++
	case OutcomeDeferred:
		s.Deferred++
	}
}

// Dispatcher sends at most one contact per active campaign per cycle
type Dispatcher struct {
	store   Store
	limiter Admitter
	sender  Submitter
	config  Config
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	running   map[string]bool      // campaigns with a step in flight
	notBefore map[string]time.Time // campaign -> earliest next attempt

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a new dispatcher
func New(store Store, limiter Admitter, sender Submitter, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = campaign.DefaultMaxRetries
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}

	return &Dispatcher{
		store:     store,
		limiter:   limiter,
		sender:    sender,
		config:    cfg,
		logger:    logger,
		now:       time.Now,
		running:   make(map[string]bool),
		notBefore: make(map[string]time.Time),
		stopCh:    make(chan struct{}),
	}
}

// Start starts the dispatch loop
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("starting dispatcher",
		"interval", d.config.Interval,
		"workers", d.config.Workers,
		"max_retries", d.config.MaxRetries,
	)

	d.wg.Add(1)
	go d.loop(ctx)
}

// Stop stops the loop and waits for the current cycle to finish
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.logger.Info("stopping dispatcher")
		close(d.stopCh)
	})
	d.wg.Wait()
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			if _, err := d.RunCycle(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error("dispatch cycle failed", "error", err)
			}
		}
	}
}

// RunCycle performs one step for every active campaign.
// A failing campaign is logged and does not stop the others.
func (d *Dispatcher) RunCycle(ctx context.Context) (*CycleStats, error) {
	start := time.Now()
	defer func() {
		metrics.ObserveDispatchCycle(time.Since(start).Seconds())
	}()

	ids, err := d.store.ActiveCampaignIDs(ctx)
	if err != nil {
		return nil, err
	}

	stats := &CycleStats{Campaigns: len(ids)}
	outcomes := make([]Outcome, len(ids))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(d.config.Workers)

	for i, id := range ids {
		eg.Go(func() error {
			outcome, err := d.Step(egCtx, id)
			if err != nil {
				if egCtx.Err() != nil {
					return egCtx.Err()
				}
				d.logger.Error("campaign step failed", "campaign_id", id, "error", err)
			}
			outcomes[i] = outcome
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return stats, err
	}

	for _, o := range outcomes {
		stats.add(o)
	}

	if stats.Sent+stats.Retried+stats.Failed > 0 {
		d.logger.Debug("dispatch cycle completed",
			"campaigns", stats.Campaigns,
			"sent", stats.Sent,
			"retried", stats.Retried,
			"failed", stats.Failed,
			"deferred", stats.Deferred,
		)
	}

	return stats, nil
}

// Step advances one campaign by at most one contact
func (d *Dispatcher) Step(ctx context.Context, id string) (Outcome, error) {
	if !d.tryLock(id) {
		return OutcomeBusy, nil
	}
	defer d.unlock(id)

	now := d.now()
	if d.waiting(id, now) {
		return OutcomeDeferred, nil
	}

	c, err := d.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, campaign.ErrNotFound) {
			d.clearWait(id)
			return OutcomeIdle, nil
		}
		return OutcomeIdle, err
	}
	if c.Status != campaign.StatusActive {
		return OutcomeIdle, nil
	}

	window, err := c.Schedule.Window()
	if err != nil {
		return OutcomeIdle, err
	}

	decision := schedule.Decide(window, now)
	if decision.Never {
		return OutcomeIdle, nil
	}
	if !decision.SendNow {
		d.deferUntil(id, decision.WaitUntil)
		metrics.IncDispatchDeferred("schedule")
		return OutcomeDeferred, nil
	}

	slot, err := d.limiter.Acquire(ctx, &ratelimit.Request{
		Key: c.ID,
		Limits: ratelimit.Limits{
			MaxPerHour: c.Schedule.MaxPerHour,
			DailyLimit: c.Schedule.DailyLimit,
			Delay:      time.Duration(c.Schedule.DelayMinutes) * time.Minute,
		},
		Location: window.Location,
		Now:      now,
	})
	if err != nil {
		return OutcomeIdle, err
	}
	if !slot.Allowed {
		d.deferUntil(id, slot.RetryAt)
		metrics.IncDispatchDeferred(string(slot.DeniedBy))
		return OutcomeDeferred, nil
	}

	entries, err := d.store.ListEligiblePending(ctx, c.ID, 1)
	if err != nil || len(entries) == 0 {
		d.limiter.Release(slot)
		return OutcomeIdle, err
	}

	// Pause or cancel may have landed since the first read
	current, err := d.store.Get(ctx, c.ID)
	if err != nil || current.Status != campaign.StatusActive {
		d.limiter.Release(slot)
		if errors.Is(err, campaign.ErrNotFound) {
			return OutcomeIdle, nil
		}
		return OutcomeIdle, err
	}

	return d.deliver(ctx, current, entries[0], slot)
}

func (d *Dispatcher) deliver(ctx context.Context, c *campaign.Campaign, entry *campaign.Entry, slot *ratelimit.Result) (Outcome, error) {
	logger := d.logger.With("campaign_id", c.ID, "contact_id", entry.ContactID)

	callbackURL := c.WebhookURL
	if callbackURL == "" {
		callbackURL = d.config.CallbackURL
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.config.SendTimeout)
	accepted, sendErr := d.sender.Submit(sendCtx, &delivery.Submission{
		Sender:      c.Sender,
		To:          entry.Contact.Phone,
		Script:      template.Render(c.Script, entry.Contact.Vars()),
		CallbackURL: callbackURL,
		Metadata:    delivery.Metadata{CampaignID: c.ID, ContactID: entry.ContactID},
	})
	cancel()

	result := campaign.AttemptResult{
		MaxRetries: d.config.MaxRetries,
		At:         d.now(),
	}
	if sendErr == nil {
		result.Accepted = true
		result.ProviderID = accepted.ProviderID
	} else {
		d.limiter.Release(slot)
		result.Error = sendErr.Error()
		result.Permanent = delivery.IsPermanent(sendErr)
	}

	updated, err := d.store.RecordAttemptResult(ctx, c.ID, entry.ContactID, result)
	if err != nil {
		logger.Error("failed to record attempt result", "accepted", result.Accepted, "error", err)
		return OutcomeIdle, err
	}

	switch {
	case sendErr == nil:
		metrics.IncDeliveries("accepted")
		logger.Info("voicemail submitted", "provider_id", result.ProviderID)
		return OutcomeSent, nil
	case updated.Status == campaign.EntryFailed:
		metrics.IncDeliveries("failed")
		logger.Warn("contact failed",
			"retry_count", updated.RetryCount,
			"permanent", result.Permanent,
			"error", sendErr,
		)
		return OutcomeFailed, nil
	case updated.Status == campaign.EntryPending:
		metrics.IncDeliveries("retry")
		metrics.IncDeliveryRetries()
		logger.Warn("delivery attempt failed, will retry",
			"retry_count", updated.RetryCount,
			"max_retries", d.config.MaxRetries,
			"error", sendErr,
		)
		return OutcomeRetry, nil
	default:
		// Cancelled while the attempt was in flight
		return OutcomeIdle, nil
	}
}

func (d *Dispatcher) tryLock(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running[id] {
		return false
	}
	d.running[id] = true
	return true
}

func (d *Dispatcher) unlock(id string) {
	d.mu.Lock()
	delete(d.running, id)
	d.mu.Unlock()
}

func (d *Dispatcher) waiting(id string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	until, ok := d.notBefore[id]
	if !ok {
		return false
	}
	if now.Before(until) {
		return true
	}
	delete(d.notBefore, id)
	return false
}

func (d *Dispatcher) deferUntil(id string, until time.Time) {
	d.mu.Lock()
	d.notBefore[id] = until
	d.mu.Unlock()
}

func (d *Dispatcher) clearWait(id string) {
	d.mu.Lock()
	delete(d.notBefore, id)
	d.mu.Unlock()
}

// Wake drops any remembered wait for the campaign, so the next cycle
// re-evaluates it. Called after resume or a schedule change.
func (d *Dispatcher) Wake(id string) {
	d.clearWait(id)
}
