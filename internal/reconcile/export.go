package reconcile

import (
	"fmt"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"
)

const (
	summarySheet = "Summary"
	detailsSheet = "Details"
)

// ExportXLSX renders statistics as an Excel workbook with a summary sheet
// and one row per recipient
func ExportXLSX(stats *Statistics) ([]byte, error) {
	xl := excelize.NewFile()
	defer func() { _ = xl.Close() }()

	if err := xl.SetSheetName(xl.GetSheetName(0), summarySheet); err != nil {
		return nil, fmt.Errorf("failed to rename sheet: %w", err)
	}

	summary := [][]any{
		{"Campaign", stats.Name},
		{"Campaign ID", stats.CampaignID},
		{"Source", stats.Source},
		{"Generated", stats.GeneratedAt.UTC().Format(time.RFC3339)},
		{},
		{"Total", stats.Total},
		{"Delivered", stats.Delivered},
		{"Failed", stats.Failed},
		{"Pending", stats.Pending},
		{"Cancelled", stats.Cancelled},
		{"Callbacks", stats.Callbacks},
		{"Skipped", stats.Skipped},
		{},
		{"Local progress"},
		{"Sent", stats.Progress.Sent},
		{"Pending", stats.Progress.Pending},
		{"Failed", stats.Progress.Failed},
		{"Cancelled", stats.Progress.Cancelled},
	}
	for i, row := range summary {
		if len(row) == 0 {
			continue
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := xl.SetSheetRow(summarySheet, cell, &row); err != nil {
			return nil, fmt.Errorf("failed to write summary: %w", err)
		}
	}

	if _, err := xl.NewSheet(detailsSheet); err != nil {
		return nil, fmt.Errorf("failed to create details sheet: %w", err)
	}

	header := []string{"contact_id", "name", "phone", "provider_status", "status", "callback"}
	if err := xl.SetSheetRow(detailsSheet, "A1", &header); err != nil {
		return nil, fmt.Errorf("failed to write details header: %w", err)
	}
	for i, d := range stats.Details {
		record := []string{
			d.ContactID,
			d.Name,
			d.Phone,
			d.ProviderStatus,
			string(d.Status),
			strconv.FormatBool(d.Callback),
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := xl.SetSheetRow(detailsSheet, cell, &record); err != nil {
			return nil, fmt.Errorf("failed to write details: %w", err)
		}
	}

	buf, err := xl.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to write workbook: %w", err)
	}
	return buf.Bytes(), nil
}
