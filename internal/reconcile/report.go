package reconcile

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Header names accepted for each report column, first match wins
var (
	phoneColumns     = []string{"phone", "recipient", "to", "prospect_phone", "phone_number"}
	contactColumns   = []string{"contact_id", "contactid", "prospect_id"}
	statusColumns    = []string{"status", "delivery_status"}
	callbackColumns  = []string{"callback", "called_back"}
	providerIDColumn = []string{"id", "voicemail_id", "message_id"}
)

// ReportRow is one parsed line of a provider report
type ReportRow struct {
	Line       int
	ContactID  string
	Phone      string
	Status     string
	Callback   bool
	ProviderID string
}

// Report is a parsed provider CSV report
type Report struct {
	Rows []ReportRow
	// Skipped counts lines that could not be parsed or carry no recipient
	Skipped int
}

type columns struct {
	phone, contact, status, callback, providerID int
}

func (c columns) get(record []string, idx int) string {
	if idx < 0 || idx >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[idx])
}

// ParseReport parses a provider CSV report. Columns are located by header
// name, so extra, reordered or missing optional columns are tolerated.
// Without a status column every row carries an empty, unknown status.
func ParseReport(data []byte) (*Report, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err == io.EOF {
		return &Report{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read report header: %w", err)
	}

	index := make(map[string]int, len(header))
	for i, name := range header {
		name = normalizeStatus(name)
		if _, dup := index[name]; !dup {
			index[name] = i
		}
	}
	find := func(names []string) int {
		for _, n := range names {
			if i, ok := index[n]; ok {
				return i
			}
		}
		return -1
	}

	cols := columns{
		phone:      find(phoneColumns),
		contact:    find(contactColumns),
		status:     find(statusColumns),
		callback:   find(callbackColumns),
		providerID: find(providerIDColumn),
	}
	if cols.phone < 0 && cols.contact < 0 {
		return nil, fmt.Errorf("report has no recipient column (header: %s)", strings.Join(header, ","))
	}

	report := &Report{}
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				report.Skipped++
				continue
			}
			return nil, fmt.Errorf("failed to read report: %w", err)
		}

		line, _ := r.FieldPos(0)
		row := ReportRow{
			Line:       line,
			ContactID:  cols.get(record, cols.contact),
			Phone:      cols.get(record, cols.phone),
			Status:     cols.get(record, cols.status),
			Callback:   parseBool(cols.get(record, cols.callback)),
			ProviderID: cols.get(record, cols.providerID),
		}
		if row.ContactID == "" && row.Phone == "" {
			report.Skipped++
			continue
		}
		report.Rows = append(report.Rows, row)
	}

	return report, nil
}
