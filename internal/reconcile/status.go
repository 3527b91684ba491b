package reconcile

import (
	"strings"

	"github.com/foxzi/voxdrop/internal/campaign"
)

// Kind classifies a provider status string
type Kind int

const (
	KindUnknown Kind = iota
	KindInterim
	KindSent
	KindFailed
)

func (k Kind) String() string {
	switch k {
	case KindInterim:
		return "interim"
	case KindSent:
		return "sent"
	case KindFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var statusKinds = map[string]Kind{
	"delivered":     KindSent,
	"completed":     KindSent,
	"success":       KindSent,
	"sent":          KindSent,
	"callback":      KindSent,
	"failed":        KindFailed,
	"error":         KindFailed,
	"undeliverable": KindFailed,
	"rejected":      KindFailed,
	"invalid":       KindFailed,
	"pending":       KindInterim,
	"scheduled":     KindInterim,
	"queued":        KindInterim,
	"processing":    KindInterim,
	"in_progress":   KindInterim,
}

// normalizeStatus lower-cases and joins words with underscores ("In Progress" -> "in_progress")
func normalizeStatus(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Join(strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '-' || r == '_'
	}), "_")
}

// Classify maps a provider status to its kind
func Classify(providerStatus string) Kind {
	return statusKinds[normalizeStatus(providerStatus)]
}

// entryStatus returns the entry status a kind moves to, empty for no move
func (k Kind) entryStatus() campaign.EntryStatus {
	switch k {
	case KindSent:
		return campaign.EntrySent
	case KindFailed:
		return campaign.EntryFailed
	default:
		return ""
	}
}

// isCallback reports whether the status itself means the recipient called back
func isCallback(providerStatus string) bool {
	return normalizeStatus(providerStatus) == "callback"
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "y", "t":
		return true
	}
	return false
}
