package campaign

import (
	"context"
	"log/slog"
	"sort"

	"github.com/foxzi/voxdrop/internal/delivery"
	"github.com/foxzi/voxdrop/internal/template"
)

// Registrar mirrors campaigns on the provider side
type Registrar interface {
	RegisterCampaign(ctx context.Context, reg *delivery.CampaignRegistration) (string, error)
	SetCampaignStatus(ctx context.Context, providerCampaignID, status string) error
}

// Forgetter drops per-campaign state kept outside the store
type Forgetter interface {
	Forget(key string) error
}

// Waker is told when a campaign may be dispatchable again
type Waker interface {
	Wake(id string)
}

// Provider-side statuses mirrored on lifecycle actions
var providerStatuses = map[Action]string{
	ActionPause:  "paused",
	ActionResume: "active",
	ActionCancel: "archived",
}

// UpdateRequest combines a lifecycle action with schedule overrides
type UpdateRequest struct {
	Action   Action             `json:"action,omitempty"`
	Schedule *ScheduleOverrides `json:"schedule,omitempty"`
}

// Service is the command facade over the store
type Service struct {
	store     *BoltStore
	registrar Registrar
	forgetter Forgetter
	waker     Waker
	logger    *slog.Logger
}

// NewService creates a new campaign service. registrar and forgetter may be nil.
func NewService(store *BoltStore, registrar Registrar, forgetter Forgetter, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		registrar: registrar,
		forgetter: forgetter,
		logger:    logger,
	}
}

// SetWaker registers the component to notify after resume or reschedule
func (s *Service) SetWaker(w Waker) {
	s.waker = w
}

// Store returns the underlying store
func (s *Service) Store() *BoltStore {
	return s.store
}

// Create stores a campaign and registers it with the provider.
// It returns the placeholders the script uses that no contact can fill.
func (s *Service) Create(ctx context.Context, nc *NewCampaign) (*Campaign, []string, error) {
	c, err := s.store.Create(ctx, nc)
	if err != nil {
		return nil, nil, err
	}

	unknown := unknownPlaceholders(nc)
	if len(unknown) > 0 {
		s.logger.Warn("script references unknown placeholders",
			"campaign_id", c.ID,
			"placeholders", unknown,
		)
	}

	s.logger.Info("campaign created",
		"campaign_id", c.ID,
		"name", c.Name,
		"contacts", c.Progress.Total,
	)

	if s.registrar != nil {
		providerID, err := s.registrar.RegisterCampaign(ctx, registration(c))
		if err != nil {
			s.logger.Warn("failed to register campaign with provider", "campaign_id", c.ID, "error", err)
		} else if providerID != "" {
			if err := s.store.SetProviderCampaignID(ctx, c.ID, providerID); err != nil {
				s.logger.Warn("failed to save provider campaign id", "campaign_id", c.ID, "error", err)
			} else {
				c.ProviderCampaignID = providerID
			}
		}
	}

	return c, unknown, nil
}

func registration(c *Campaign) *delivery.CampaignRegistration {
	return &delivery.CampaignRegistration{
		Name:       c.Name,
		Script:     c.Script,
		From:       c.Sender,
		WebhookURL: c.WebhookURL,
		Schedule: delivery.RegistrationSchedule{
			DaysOfWeek:   c.Schedule.Days,
			StartTime:    c.Schedule.StartTime,
			EndTime:      c.Schedule.EndTime,
			Timezone:     c.Schedule.Timezone,
			MaxPerHour:   c.Schedule.MaxPerHour,
			DelayMinutes: c.Schedule.DelayMinutes,
			DailyLimit:   c.Schedule.DailyLimit,
		},
	}
}

func unknownPlaceholders(nc *NewCampaign) []string {
	vars := Contact{}.Vars()
	for _, contact := range nc.Contacts {
		for k := range contact.Custom {
			vars[k] = ""
		}
	}
	unknown := template.Unknown(nc.Script, vars)
	sort.Strings(unknown)
	return unknown
}

// Update applies schedule overrides and then the lifecycle action. Nothing
// is saved when either part is rejected.
func (s *Service) Update(ctx context.Context, id string, req *UpdateRequest) (*Campaign, error) {
	if req == nil || (req.Action == "" && req.Schedule.Empty()) {
		return nil, &ValidationError{Problems: []string{"action or schedule is required"}}
	}

	c, err := s.store.Modify(ctx, id, req.Schedule, req.Action)
	if err != nil {
		return nil, err
	}

	if !req.Schedule.Empty() {
		s.logger.Info("campaign schedule updated", "campaign_id", id)
	}

	if req.Action != "" {
		s.logger.Info("campaign status changed",
			"campaign_id", id,
			"action", req.Action,
			"status", c.Status,
		)
		s.mirrorStatus(ctx, c, req.Action)
	}

	if s.waker != nil && c.Status == StatusActive {
		s.waker.Wake(id)
	}

	return c, nil
}

func (s *Service) mirrorStatus(ctx context.Context, c *Campaign, action Action) {
	if s.registrar == nil || c.ProviderCampaignID == "" {
		return
	}
	status, ok := providerStatuses[action]
	if !ok {
		return
	}
	if err := s.registrar.SetCampaignStatus(ctx, c.ProviderCampaignID, status); err != nil {
		s.logger.Warn("failed to update provider campaign status",
			"campaign_id", c.ID,
			"provider_campaign_id", c.ProviderCampaignID,
			"status", status,
			"error", err,
		)
	}
}

// Get retrieves a campaign by ID
func (s *Service) Get(ctx context.Context, id string) (*Campaign, error) {
	return s.store.Get(ctx, id)
}

// List returns all campaigns, newest first
func (s *Service) List(ctx context.Context) ([]*Campaign, error) {
	return s.store.List(ctx)
}

// Entries lists the contact queue of a campaign
func (s *Service) Entries(ctx context.Context, id string, filter EntryFilter) ([]*Entry, error) {
	return s.store.Entries(ctx, id, filter)
}

// Delete removes a campaign and its queue
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.forget(id)
	s.logger.Info("campaign deleted", "campaign_id", id)
	return nil
}

func (s *Service) forget(id string) {
	if s.forgetter == nil {
		return
	}
	if err := s.forgetter.Forget(id); err != nil {
		s.logger.Warn("failed to drop rate limit state", "campaign_id", id, "error", err)
	}
}
