package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/voxdrop/internal/campaign"
	"github.com/foxzi/voxdrop/internal/delivery"
	"github.com/foxzi/voxdrop/internal/ratelimit"
	"github.com/foxzi/voxdrop/internal/reconcile"
)

// Version is reported by the health endpoint
var Version = "dev"

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// CreateCampaignResponse is the response for POST /campaigns
type CreateCampaignResponse struct {
	*campaign.Campaign
	// Warnings lists placeholders that no contact field fills
	Warnings []string `json:"warnings,omitempty"`
}

// CampaignListResponse is the response for GET /campaigns
type CampaignListResponse struct {
	Campaigns []*campaign.Campaign `json:"campaigns"`
}

// ContactListResponse is the response for GET /campaigns/{id}/contacts
type ContactListResponse struct {
	Contacts []*campaign.Entry `json:"contacts"`
	Count    int               `json:"count"`
}

// RateLimitResponse is the response for GET /campaigns/{id}/ratelimit
type RateLimitResponse struct {
	*ratelimit.Stats
	MaxPerHour   int `json:"max_per_hour"`
	DailyLimit   int `json:"daily_limit,omitempty"`
	DelayMinutes int `json:"delay_minutes,omitempty"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

// handleCreateCampaign handles POST /api/v1/campaigns
func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req campaign.NewCampaign
	if !s.decodeBody(w, r, &req) {
		return
	}

	c, warnings, err := s.campaigns.Create(r.Context(), &req)
	if err != nil {
		s.sendServiceError(w, "failed to create campaign", err)
		return
	}

	s.sendJSON(w, http.StatusCreated, CreateCampaignResponse{
		Campaign: c,
		Warnings: warnings,
	})
}

// handleListCampaigns handles GET /api/v1/campaigns
func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	campaigns, err := s.campaigns.List(r.Context())
	if err != nil {
		s.sendServiceError(w, "failed to list campaigns", err)
		return
	}
	if campaigns == nil {
		campaigns = []*campaign.Campaign{}
	}

	s.sendJSON(w, http.StatusOK, CampaignListResponse{Campaigns: campaigns})
}

// handleGetCampaign handles GET /api/v1/campaigns/{id}
func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.campaigns.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendServiceError(w, "failed to get campaign", err)
		return
	}

	s.sendJSON(w, http.StatusOK, c)
}

// handleUpdateCampaign handles PATCH /api/v1/campaigns/{id}
func (s *Server) handleUpdateCampaign(w http.ResponseWriter, r *http.Request) {
	var req campaign.UpdateRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	c, err := s.campaigns.Update(r.Context(), chi.URLParam(r, "id"), &req)
	if err != nil {
		s.sendServiceError(w, "failed to update campaign", err)
		return
	}

	s.sendJSON(w, http.StatusOK, c)
}

// handleDeleteCampaign handles DELETE /api/v1/campaigns/{id}
func (s *Server) handleDeleteCampaign(w http.ResponseWriter, r *http.Request) {
	if err := s.campaigns.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.sendServiceError(w, "failed to delete campaign", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleListContacts handles GET /api/v1/campaigns/{id}/contacts
func (s *Server) handleListContacts(w http.ResponseWriter, r *http.Request) {
	filter, err := parseEntryFilter(r)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := s.campaigns.Entries(r.Context(), chi.URLParam(r, "id"), filter)
	if err != nil {
		s.sendServiceError(w, "failed to list contacts", err)
		return
	}
	if entries == nil {
		entries = []*campaign.Entry{}
	}

	s.sendJSON(w, http.StatusOK, ContactListResponse{
		Contacts: entries,
		Count:    len(entries),
	})
}

func parseEntryFilter(r *http.Request) (campaign.EntryFilter, error) {
	var filter campaign.EntryFilter
	q := r.URL.Query()

	if status := q.Get("status"); status != "" {
		switch st := campaign.EntryStatus(status); st {
		case campaign.EntryPending, campaign.EntrySent, campaign.EntryFailed, campaign.EntryCancelled:
			filter.Status = st
		default:
			return filter, fmt.Errorf("invalid status: %s", status)
		}
	}

	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return filter, fmt.Errorf("invalid %s: %s", name, raw)
		}
		*dst = n
	}

	return filter, nil
}

// handleStatistics handles GET /api/v1/campaigns/{id}/statistics
func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.reconciler.Statistics(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendServiceError(w, "failed to build statistics", err)
		return
	}

	s.sendJSON(w, http.StatusOK, stats)
}

// handleStatisticsXLSX handles GET /api/v1/campaigns/{id}/statistics.xlsx
func (s *Server) handleStatisticsXLSX(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	stats, err := s.reconciler.Statistics(r.Context(), id)
	if err != nil {
		s.sendServiceError(w, "failed to build statistics", err)
		return
	}

	data, err := reconcile.ExportXLSX(stats)
	if err != nil {
		s.logger.Error("failed to export statistics", "campaign_id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to export statistics")
		return
	}

	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "campaign-"+id+"-statistics.xlsx"))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// handleRateLimit handles GET /api/v1/campaigns/{id}/ratelimit
func (s *Server) handleRateLimit(w http.ResponseWriter, r *http.Request) {
	c, err := s.campaigns.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendServiceError(w, "failed to get campaign", err)
		return
	}

	loc := time.UTC
	if window, err := c.Schedule.Window(); err == nil {
		loc = window.Location
	}

	stats, err := s.rateStats.GetStats(r.Context(), c.ID, loc)
	if err != nil {
		s.sendServiceError(w, "failed to get rate limit stats", err)
		return
	}

	s.sendJSON(w, http.StatusOK, RateLimitResponse{
		Stats:        stats,
		MaxPerHour:   c.Schedule.MaxPerHour,
		DailyLimit:   c.Schedule.DailyLimit,
		DelayMinutes: c.Schedule.DelayMinutes,
	})
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: Version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	})
}

// decodeBody decodes a JSON request body and answers 400 or 413 on failure
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil {
		return true
	}

	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		s.sendError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return false
	}
	s.sendError(w, http.StatusBadRequest, "invalid request body")
	return false
}

// sendServiceError maps domain errors to HTTP status codes
func (s *Server) sendServiceError(w http.ResponseWriter, msg string, err error) {
	var ve *campaign.ValidationError

	switch {
	case errors.As(err, &ve):
		s.sendJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation failed", Details: ve.Problems})
	case errors.Is(err, campaign.ErrNotFound):
		s.sendError(w, http.StatusNotFound, "campaign not found")
	case campaign.IsInvalidTransition(err):
		s.sendError(w, http.StatusConflict, err.Error())
	case delivery.IsTransport(err) || delivery.IsRejection(err):
		s.logger.Warn(msg, "error", err)
		s.sendError(w, http.StatusBadGateway, "provider request failed")
	default:
		s.logger.Error(msg, "error", err)
		s.sendError(w, http.StatusInternalServerError, msg)
	}
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}
