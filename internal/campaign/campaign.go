// Package campaign owns campaigns and their contact queues.
package campaign

import (
	"time"

	"github.com/foxzi/voxdrop/internal/template"
)

// Status represents the lifecycle state of a campaign
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCancelled Status = "cancelled"
)

// EntryStatus represents the delivery state of one contact
type EntryStatus string

const (
	EntryPending   EntryStatus = "pending"
	EntrySent      EntryStatus = "sent"
	EntryFailed    EntryStatus = "failed"
	EntryCancelled EntryStatus = "cancelled"
)

// Terminal reports whether no further delivery work is expected
func (s EntryStatus) Terminal() bool {
	return s != EntryPending
}

// Action is a lifecycle command
type Action string

const (
	ActionPause  Action = "pause"
	ActionResume Action = "resume"
	ActionCancel Action = "cancel"
)

// DefaultMaxRetries is the number of failed attempts after which an entry is failed
const DefaultMaxRetries = 3

// Schedule controls when and how fast a campaign sends
type Schedule struct {
	StartTime    string   `json:"start_time"`
	EndTime      string   `json:"end_time"`
	Timezone     string   `json:"timezone"`
	Days         []string `json:"days"`
	MaxPerHour   int      `json:"max_per_hour"`
	DailyLimit   int      `json:"daily_limit,omitempty"`
	DelayMinutes int      `json:"delay_minutes,omitempty"`
}

// Progress holds per-campaign counters.
// Pending + Sent + Failed + Cancelled always equals Total.
type Progress struct {
	Total     int `json:"total"`
	Sent      int `json:"sent"`
	Pending   int `json:"pending"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

func (p *Progress) add(s EntryStatus, n int) {
	switch s {
	case EntryPending:
		p.Pending += n
	case EntrySent:
		p.Sent += n
	case EntryFailed:
		p.Failed += n
	case EntryCancelled:
		p.Cancelled += n
	}
}

func (p *Progress) move(from, to EntryStatus) {
	if from == to {
		return
	}
	p.add(from, -1)
	p.add(to, 1)
}

// Campaign represents an outbound voice-drop campaign
type Campaign struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	Script             string    `json:"script"`
	Sender             string    `json:"sender"`
	Schedule           Schedule  `json:"schedule"`
	Status             Status    `json:"status"`
	WebhookURL         string    `json:"webhook_url,omitempty"`
	ProviderCampaignID string    `json:"provider_campaign_id,omitempty"`
	Progress           Progress  `json:"progress"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Contact holds the personalization fields of one recipient
type Contact struct {
	ID           string            `json:"id,omitempty"`
	FirstName    string            `json:"first_name,omitempty"`
	LastName     string            `json:"last_name,omitempty"`
	StreetName   string            `json:"street_name,omitempty"`
	Address      string            `json:"address,omitempty"`
	City         string            `json:"city,omitempty"`
	State        string            `json:"state,omitempty"`
	Zip          string            `json:"zip,omitempty"`
	Phone        string            `json:"phone" validate:"required"`
	Email        string            `json:"email,omitempty"`
	PropertyLink string            `json:"property_link,omitempty"`
	Custom       map[string]string `json:"custom,omitempty"`
}

// Vars returns the template variables for the contact. Every known field is
// present, empty when unset, so such placeholders render as empty text.
func (c Contact) Vars() map[string]string {
	vars := make(map[string]string, len(template.KnownFields)+len(c.Custom))
	for k, v := range c.Custom {
		vars[k] = v
	}
	vars[template.FieldFirstName] = c.FirstName
	vars[template.FieldLastName] = c.LastName
	vars[template.FieldStreetName] = c.StreetName
	vars[template.FieldAddress] = c.Address
	vars[template.FieldCity] = c.City
	vars[template.FieldState] = c.State
	vars[template.FieldZip] = c.Zip
	vars[template.FieldPhone] = c.Phone
	vars[template.FieldEmail] = c.Email
	vars[template.FieldPropertyLink] = c.PropertyLink
	return vars
}

// Entry is one contact in a campaign queue
type Entry struct {
	CampaignID     string      `json:"campaign_id"`
	ContactID      string      `json:"contact_id"`
	Seq            int         `json:"seq"`
	Contact        Contact     `json:"contact"`
	Status         EntryStatus `json:"status"`
	RetryCount     int         `json:"retry_count"`
	LastError      string      `json:"last_error,omitempty"`
	ProviderID     string      `json:"provider_id,omitempty"`
	ProviderStatus string      `json:"provider_status,omitempty"`
	Callback       bool        `json:"callback,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	SentAt         time.Time   `json:"sent_at,omitempty"`
}

// NewCampaign is a creation request
type NewCampaign struct {
	Name       string    `json:"name" validate:"required,max=200"`
	Script     string    `json:"script" validate:"required"`
	Sender     string    `json:"sender" validate:"required"`
	WebhookURL string    `json:"webhook_url,omitempty" validate:"omitempty,url"`
	Schedule   Schedule  `json:"schedule"`
	Contacts   []Contact `json:"contacts" validate:"required,min=1,dive"`
}

// ScheduleOverrides is a partial schedule update. Nil fields are unchanged.
type ScheduleOverrides struct {
	StartTime    *string  `json:"start_time,omitempty"`
	EndTime      *string  `json:"end_time,omitempty"`
	Timezone     *string  `json:"timezone,omitempty"`
	Days         []string `json:"days,omitempty"`
	MaxPerHour   *int     `json:"max_per_hour,omitempty"`
	DailyLimit   *int     `json:"daily_limit,omitempty"`
	DelayMinutes *int     `json:"delay_minutes,omitempty"`
}

// Empty reports whether the overrides change nothing
func (o *ScheduleOverrides) Empty() bool {
	return o == nil || (o.StartTime == nil && o.EndTime == nil && o.Timezone == nil && o.Days == nil &&
		o.MaxPerHour == nil && o.DailyLimit == nil && o.DelayMinutes == nil)
}

func (o *ScheduleOverrides) apply(s Schedule) Schedule {
	if o == nil {
		return s
	}
	if o.StartTime != nil {
		s.StartTime = *o.StartTime
	}
	if o.EndTime != nil {
		s.EndTime = *o.EndTime
	}
	if o.Timezone != nil {
		s.Timezone = *o.Timezone
	}
	if o.Days != nil {
		s.Days = append([]string(nil), o.Days...)
	}
	if o.MaxPerHour != nil {
		s.MaxPerHour = *o.MaxPerHour
	}
	if o.DailyLimit != nil {
		s.DailyLimit = *o.DailyLimit
	}
	if o.DelayMinutes != nil {
		s.DelayMinutes = *o.DelayMinutes
	}
	return s
}

// AttemptResult is the outcome of one delivery attempt
type AttemptResult struct {
	Accepted   bool
	ProviderID string
	// Error is recorded as LastError on failure
	Error string
	// Permanent fails the entry without further retries
	Permanent  bool
	MaxRetries int
	At         time.Time
}

// StatusUpdate is a provider-reported status for one entry.
// Status is empty for interim statuses, which are recorded but never move the entry.
type StatusUpdate struct {
	Status         EntryStatus
	ProviderStatus string
	ProviderID     string
	Callback       bool
	At             time.Time
}

// EntryFilter represents filter options for listing entries
type EntryFilter struct {
	Status EntryStatus
	Limit  int
	Offset int
}
