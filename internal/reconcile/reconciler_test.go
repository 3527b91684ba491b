package reconcile

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/foxzi/voxdrop/internal/campaign"
	"github.com/foxzi/voxdrop/internal/delivery"
)

type fakeFetcher struct {
	report []byte
	err    error
	asked  []string
}

func (f *fakeFetcher) FetchReport(ctx context.Context, providerCampaignID string) ([]byte, error) {
	f.asked = append(f.asked, providerCampaignID)
	return f.report, f.err
}

func newTestReconciler(t *testing.T, fetcher ReportFetcher) (*Reconciler, *campaign.BoltStore) {
	t.Helper()

	store, err := campaign.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(store, fetcher, 0, logger), store
}

func createCampaign(t *testing.T, store *campaign.BoltStore) *campaign.Campaign {
	t.Helper()

	c, err := store.Create(context.Background(), &campaign.NewCampaign{
		Name:   "Spring outreach",
		Script: "Hi {{first_name}}",
		Sender: "+12125550100",
		Schedule: campaign.Schedule{
			StartTime:  "10:00",
			EndTime:    "16:00",
			Timezone:   "America/New_York",
			Days:       []string{"mon", "tue", "wed", "thu", "fri"},
			MaxPerHour: 10,
		},
		Contacts: []campaign.Contact{
			{ID: "c1", FirstName: "Jane", LastName: "Doe", Phone: "+12125550101"},
			{ID: "c2", FirstName: "John", Phone: "+12125550102"},
			{ID: "c3", Phone: "+12125550103"},
		},
	})
	require.NoError(t, err)
	return c
}

func TestClassify(t *testing.T) {
	tests := []struct {
		status string
		want   Kind
	}{
		{"delivered", KindSent},
		{"Completed", KindSent},
		{"success", KindSent},
		{"sent", KindSent},
		{"callback", KindSent},
		{"failed", KindFailed},
		{"ERROR", KindFailed},
		{"undeliverable", KindFailed},
		{"rejected", KindFailed},
		{"invalid", KindFailed},
		{"pending", KindInterim},
		{"scheduled", KindInterim},
		{"queued", KindInterim},
		{"processing", KindInterim},
		{"In Progress", KindInterim},
		{"in-progress", KindInterim},
		{"teleported", KindUnknown},
		{"", KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.status))
		})
	}
}

func TestHandleCallback(t *testing.T) {
	r, store := newTestReconciler(t, nil)
	ctx := context.Background()
	c := createCampaign(t, store)

	cb := &Callback{
		ProviderID: "vm-1",
		Status:     "delivered",
		Metadata:   delivery.Metadata{CampaignID: c.ID, ContactID: "c1"},
	}

	e, changed, err := r.HandleCallback(ctx, cb)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, campaign.EntrySent, e.Status)
	assert.Equal(t, "vm-1", e.ProviderID)

	// Duplicate delivery is a no-op
	_, changed, err = r.HandleCallback(ctx, cb)
	require.NoError(t, err)
	assert.False(t, changed)

	// Interim statuses never move an entry back
	e, _, err = r.HandleCallback(ctx, &Callback{
		Status:   "queued",
		Metadata: delivery.Metadata{CampaignID: c.ID, ContactID: "c1"},
	})
	require.NoError(t, err)
	assert.Equal(t, campaign.EntrySent, e.Status)
	assert.Equal(t, "queued", e.ProviderStatus)

	got, err := store.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, campaign.Progress{Total: 3, Sent: 1, Pending: 2}, got.Progress)
}

func TestHandleCallbackMatchesByPhone(t *testing.T) {
	r, store := newTestReconciler(t, nil)
	c := createCampaign(t, store)

	e, _, err := r.HandleCallback(context.Background(), &Callback{
		Status:   "callback",
		To:       "(212) 555-0102",
		Metadata: delivery.Metadata{CampaignID: c.ID},
	})
	require.NoError(t, err)
	assert.Equal(t, "c2", e.ContactID)
	assert.Equal(t, campaign.EntrySent, e.Status)
	assert.True(t, e.Callback)
}

func TestHandleCallbackUnknownTargets(t *testing.T) {
	r, store := newTestReconciler(t, nil)
	ctx := context.Background()
	c := createCampaign(t, store)

	tests := []struct {
		name string
		cb   *Callback
	}{
		{"no metadata", &Callback{Status: "delivered"}},
		{"unknown campaign", &Callback{Status: "delivered", Metadata: delivery.Metadata{CampaignID: "nope", ContactID: "c1"}}},
		{"unknown contact", &Callback{Status: "delivered", Metadata: delivery.Metadata{CampaignID: c.ID, ContactID: "c9"}}},
		{"unknown phone", &Callback{Status: "delivered", To: "5559999999", Metadata: delivery.Metadata{CampaignID: c.ID}}},
		{"no recipient", &Callback{Status: "delivered", Metadata: delivery.Metadata{CampaignID: c.ID}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := r.HandleCallback(ctx, tt.cb)
			assert.ErrorIs(t, err, campaign.ErrNotFound)
		})
	}
}

func TestHandleCallbackLeavesCancelledEntries(t *testing.T) {
	r, store := newTestReconciler(t, nil)
	ctx := context.Background()
	c := createCampaign(t, store)

	_, err := store.Transition(ctx, c.ID, campaign.ActionCancel)
	require.NoError(t, err)

	e, _, err := r.HandleCallback(ctx, &Callback{
		Status:   "delivered",
		Metadata: delivery.Metadata{CampaignID: c.ID, ContactID: "c1"},
	})
	require.NoError(t, err)
	assert.Equal(t, campaign.EntryCancelled, e.Status)
	assert.Equal(t, "delivered", e.ProviderStatus)
}

func TestHandleCallbackFailedAfterSent(t *testing.T) {
	r, store := newTestReconciler(t, nil)
	ctx := context.Background()
	c := createCampaign(t, store)

	meta := delivery.Metadata{CampaignID: c.ID, ContactID: "c3"}
	_, _, err := r.HandleCallback(ctx, &Callback{Status: "sent", Metadata: meta})
	require.NoError(t, err)

	e, changed, err := r.HandleCallback(ctx, &Callback{Status: "undeliverable", Metadata: meta})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, campaign.EntryFailed, e.Status)

	got, err := store.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, campaign.Progress{Total: 3, Failed: 1, Pending: 2}, got.Progress)
}

func TestParseReport(t *testing.T) {
	data := "\xef\xbb\xbfCampaign,Prospect Phone,Status,Callback,Notes\n" +
		"x,(212) 555-0101,Delivered,yes,first\n" +
		"x,2125550102,failed\n" +
		"x,,queued,no,no recipient\n" +
		"x,\"2125550103\",\"in progress\",0,\"quoted \"\"note\"\"\"\n"

	report, err := ParseReport([]byte(data))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	require.Len(t, report.Rows, 3)

	assert.Equal(t, "(212) 555-0101", report.Rows[0].Phone)
	assert.Equal(t, "Delivered", report.Rows[0].Status)
	assert.True(t, report.Rows[0].Callback)

	assert.Equal(t, "failed", report.Rows[1].Status)
	assert.False(t, report.Rows[1].Callback)

	assert.Equal(t, "2125550103", report.Rows[2].Phone)
	assert.Equal(t, "in progress", report.Rows[2].Status)
}

func TestParseReportColumns(t *testing.T) {
	report, err := ParseReport([]byte("status,contact_id\ndelivered,c1\n"))
	require.NoError(t, err)
	require.Len(t, report.Rows, 1)
	assert.Equal(t, "c1", report.Rows[0].ContactID)

	_, err = ParseReport([]byte("name,status\nJane,delivered\n"))
	assert.Error(t, err, "no recipient column")

	report, err = ParseReport([]byte("phone,callback\n2125550101,yes\n2125550102,\n"))
	require.NoError(t, err)
	require.Len(t, report.Rows, 2)
	assert.Empty(t, report.Rows[0].Status)
	assert.True(t, report.Rows[0].Callback)
	assert.Equal(t, KindUnknown, Classify(report.Rows[1].Status))

	report, err = ParseReport(nil)
	require.NoError(t, err)
	assert.Empty(t, report.Rows)
}

func TestStatisticsFromReport(t *testing.T) {
	fetcher := &fakeFetcher{report: []byte(
		"phone,status,callback\n" +
			"+1 212 555 0101,delivered,true\n" +
			"212-555-0102,failed,false\n" +
			"2125550103,queued,\n" +
			"5559999999,delivered,\n",
	)}
	r, store := newTestReconciler(t, fetcher)
	ctx := context.Background()
	c := createCampaign(t, store)
	require.NoError(t, store.SetProviderCampaignID(ctx, c.ID, "vdc-1"))

	stats, err := r.Statistics(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"vdc-1"}, fetcher.asked)

	assert.Equal(t, "provider", stats.Source)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Delivered)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.Callbacks)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, campaign.Progress{Total: 3, Sent: 1, Failed: 1, Pending: 1}, stats.Progress)
	require.Len(t, stats.Details, 3)
	assert.Equal(t, "Jane Doe", stats.Details[0].Name)
	assert.Equal(t, campaign.EntrySent, stats.Details[0].Status)

	// Pulling the same report again changes nothing
	stats, err = r.Statistics(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Applied)
	assert.Equal(t, campaign.Progress{Total: 3, Sent: 1, Failed: 1, Pending: 1}, stats.Progress)
}

func TestStatisticsFetchError(t *testing.T) {
	fetcher := &fakeFetcher{err: &delivery.TransportError{Op: "fetch report", StatusCode: 502}}
	r, store := newTestReconciler(t, fetcher)
	ctx := context.Background()
	c := createCampaign(t, store)
	require.NoError(t, store.SetProviderCampaignID(ctx, c.ID, "vdc-1"))

	stats, err := r.Statistics(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "local_fallback", stats.Source)
	assert.Contains(t, stats.Warning, "fetch report")
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 3, stats.Pending)
	assert.Equal(t, 0, stats.Applied)
	assert.Len(t, stats.Details, 3)

	_, err = r.Statistics(ctx, "missing")
	assert.ErrorIs(t, err, campaign.ErrNotFound)
}

func TestStatisticsReportWithoutStatusColumn(t *testing.T) {
	fetcher := &fakeFetcher{report: []byte("phone,callback\n2125550101,yes\n2125550102,\n")}
	r, store := newTestReconciler(t, fetcher)
	ctx := context.Background()
	c := createCampaign(t, store)
	require.NoError(t, store.SetProviderCampaignID(ctx, c.ID, "vdc-1"))

	stats, err := r.Statistics(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "provider", stats.Source)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.Pending)
	assert.Equal(t, 1, stats.Callbacks)
	assert.Equal(t, campaign.Progress{Total: 3, Pending: 3}, stats.Progress)
}

func TestStatisticsLocal(t *testing.T) {
	r, store := newTestReconciler(t, &fakeFetcher{})
	ctx := context.Background()
	c := createCampaign(t, store)

	_, err := store.RecordAttemptResult(ctx, c.ID, "c1", campaign.AttemptResult{Accepted: true})
	require.NoError(t, err)
	_, err = store.Transition(ctx, c.ID, campaign.ActionCancel)
	require.NoError(t, err)

	stats, err := r.Statistics(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "local", stats.Source)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Delivered)
	assert.Equal(t, 2, stats.Cancelled)
	assert.Equal(t, 0, stats.Pending)
	assert.Len(t, stats.Details, 3)
}

func TestExportXLSX(t *testing.T) {
	stats := &Statistics{
		CampaignID: "camp-1",
		Name:       "Spring outreach",
		Source:     "provider",
		Total:      2,
		Delivered:  1,
		Failed:     1,
		Details: []Detail{
			{ContactID: "c1", Name: "Jane Doe", Phone: "2125550101", ProviderStatus: "delivered", Status: campaign.EntrySent, Callback: true},
			{ContactID: "c2", Phone: "2125550102", ProviderStatus: "failed", Status: campaign.EntryFailed},
		},
	}

	data, err := ExportXLSX(stats)
	require.NoError(t, err)

	xl, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer xl.Close()

	assert.Equal(t, []string{"Summary", "Details"}, xl.GetSheetList())

	name, err := xl.GetCellValue("Summary", "B1")
	require.NoError(t, err)
	assert.Equal(t, "Spring outreach", name)

	total, err := xl.GetCellValue("Summary", "B6")
	require.NoError(t, err)
	assert.Equal(t, "2", total)

	rows, err := xl.GetRows("Details")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"c1", "Jane Doe", "2125550101", "delivered", "sent", "true"}, rows[1])
}
