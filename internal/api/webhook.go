package api

import (
	"errors"
	"net/http"

	"github.com/foxzi/voxdrop/internal/campaign"
	"github.com/foxzi/voxdrop/internal/reconcile"
)

// WebhookResponse is the response for provider callbacks
type WebhookResponse struct {
	Status  string `json:"status"`
	Changed bool   `json:"changed,omitempty"`
}

// handleWebhook handles POST /webhooks/voicemail
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if s.webhook.Token != "" {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = r.Header.Get("X-Webhook-Token")
		}
		if !secretEqual(token, s.webhook.Token) {
			s.logger.Warn("webhook rejected: bad token", "remote_addr", r.RemoteAddr)
			s.sendError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
	}

	var cb reconcile.Callback
	if !s.decodeBody(w, r, &cb) {
		return
	}

	_, changed, err := s.reconciler.HandleCallback(r.Context(), &cb)
	if err != nil {
		if errors.Is(err, campaign.ErrNotFound) {
			// Acknowledge so the provider stops retrying
			s.logger.Info("webhook for unknown target ignored",
				"campaign_id", cb.Metadata.CampaignID,
				"contact_id", cb.Metadata.ContactID,
				"status", cb.Status,
			)
			s.sendJSON(w, http.StatusOK, WebhookResponse{Status: "ignored"})
			return
		}
		s.logger.Error("failed to apply webhook", "campaign_id", cb.Metadata.CampaignID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to apply callback")
		return
	}

	s.sendJSON(w, http.StatusOK, WebhookResponse{Status: "ok", Changed: changed})
}
