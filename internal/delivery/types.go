package delivery

// Metadata is echoed back by the provider in status callbacks
type Metadata struct {
	CampaignID string `json:"campaignId"`
	ContactID  string `json:"contactId"`
}

// Submission is one personalized voice drop
type Submission struct {
	Sender      string
	To          string
	Script      string
	CallbackURL string
	Metadata    Metadata
}

// Accepted is returned when the provider queued the drop
type Accepted struct {
	ProviderID string `json:"id"`
	Status     string `json:"status,omitempty"`
}

// CampaignRegistration describes a campaign created on the provider side
type CampaignRegistration struct {
	Name       string
	Script     string
	From       string
	WebhookURL string
	Schedule   RegistrationSchedule
}

// RegistrationSchedule is the provider's view of a sending schedule
type RegistrationSchedule struct {
	DaysOfWeek   []string `json:"days_of_week"`
	StartTime    string   `json:"start_time"`
	EndTime      string   `json:"end_time"`
	Timezone     string   `json:"timezone"`
	MaxPerHour   int      `json:"max_per_hour"`
	DelayMinutes int      `json:"delay_minutes,omitempty"`
	DailyLimit   int      `json:"daily_limit,omitempty"`
}

type voicemailRequest struct {
	VoiceCloneID           string   `json:"voice_clone_id"`
	Script                 string   `json:"script"`
	To                     string   `json:"to"`
	From                   string   `json:"from"`
	ValidateRecipientPhone bool     `json:"validate_recipient_phone"`
	SendStatusToWebhook    string   `json:"send_status_to_webhook,omitempty"`
	Metadata               Metadata `json:"metadata"`
}

type voicemailResponse struct {
	ID         string `json:"id"`
	MessageID  string `json:"message_id"`
	Status     string `json:"status"`
	ProviderID string `json:"voicemail_id"`
}

type campaignRequest struct {
	Name         string               `json:"name"`
	Script       string               `json:"script"`
	VoiceCloneID string               `json:"voice_clone_id"`
	FromNumber   string               `json:"from_number"`
	Schedule     RegistrationSchedule `json:"schedule"`
	WebhookURL   string               `json:"webhook_url,omitempty"`
}

type campaignResponse struct {
	ID string `json:"id"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type reportResponse struct {
	CSVURL string `json:"csv_url"`
}

// errorResponse covers the error shapes the provider returns
type errorResponse struct {
	Code    string `json:"code"`
	Error   string `json:"error"`
	Message string `json:"message"`
}
