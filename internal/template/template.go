// Package template personalizes voicemail scripts with contact fields.
package template

import "strings"

// Recognized placeholder names. A script references them as {{first_name}}.
const (
	FieldFirstName    = "first_name"
	FieldLastName     = "last_name"
	FieldStreetName   = "street_name"
	FieldAddress      = "address"
	FieldCity         = "city"
	FieldState        = "state"
	FieldZip          = "zip"
	FieldPhone        = "phone"
	FieldEmail        = "email"
	FieldPropertyLink = "property_link"
)

// KnownFields lists the placeholders every contact can satisfy
var KnownFields = []string{
	FieldFirstName,
	FieldLastName,
	FieldStreetName,
	FieldAddress,
	FieldCity,
	FieldState,
	FieldZip,
	FieldPhone,
	FieldEmail,
	FieldPropertyLink,
}

const (
	openDelim  = "{{"
	closeDelim = "}}"
)

// Placeholders returns the distinct placeholder names used in script, in order of first use
func Placeholders(script string) []string {
	var names []string
	seen := make(map[string]bool)

	scan(script, func(name, _ string) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		names = append(names, name)
	}, nil)

	return names
}

// Unknown returns the placeholders in script that vars cannot satisfy
func Unknown(script string, vars map[string]string) []string {
	var unknown []string
	for _, name := range Placeholders(script) {
		if _, ok := vars[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	return unknown
}

// scan walks script once, calling onToken for every {{...}} token and onText
// for the literal text between tokens. Unterminated tokens are reported as text.
func scan(script string, onToken func(name, raw string), onText func(text string)) {
	for script != "" {
		start := strings.Index(script, openDelim)
		if start < 0 {
			break
		}
		end := strings.Index(script[start+len(openDelim):], closeDelim)
		if end < 0 {
			break
		}
		end += start + len(openDelim)

		if onText != nil && start > 0 {
			onText(script[:start])
		}
		raw := script[start : end+len(closeDelim)]
		onToken(strings.TrimSpace(script[start+len(openDelim):end]), raw)

		script = script[end+len(closeDelim):]
	}

	if onText != nil && script != "" {
		onText(script)
	}
}
