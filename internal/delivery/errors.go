package delivery

import (
	"errors"
	"fmt"
)

// TransportError means the request may not have reached the provider:
// timeouts, refused connections, 5xx or undecodable replies.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transport: %s: HTTP %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RejectionError is a provider-level refusal of a well-formed request
type RejectionError struct {
	StatusCode int
	Code       string
	Message    string
	// Permanent rejections will not succeed on retry
	Permanent bool
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("rejected:%s: %s", e.Code, e.Message)
}

// Rejection codes that retrying cannot fix
var permanentCodes = map[string]bool{
	"invalid_phone":        true,
	"invalid_number":       true,
	"invalid_recipient":    true,
	"landline":             true,
	"do_not_call":          true,
	"unsupported_country":  true,
	"invalid_voice_clone":  true,
	"invalid_request":      true,
	"validation_error":     true,
	"recipient_opted_out":  true,
	"number_not_reachable": true,
}

// IsTransport reports whether err is a TransportError
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsRejection reports whether err is a RejectionError
func IsRejection(err error) bool {
	var re *RejectionError
	return errors.As(err, &re)
}

// IsPermanent reports whether retrying err is pointless
func IsPermanent(err error) bool {
	var re *RejectionError
	return errors.As(err, &re) && re.Permanent
}
