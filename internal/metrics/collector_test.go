package metrics

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	bolt "go.etcd.io/bbolt"
)

type mockCampaignStats struct {
	stats *CampaignStats
}

func (m *mockCampaignStats) CampaignStats(ctx context.Context) (*CampaignStats, error) {
	return m.stats, nil
}

func openTestDB(t *testing.T, path string) *bolt.DB {
	t.Helper()
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	return db
}

func TestCollectorPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.db")
	db := openTestDB(t, path)

	m := New()
	c, err := NewCollector(db, m, nil, path, 10*time.Second)
	if err != nil {
		t.Fatalf("Failed to create collector: %v", err)
	}

	m.DeliveriesTotal.WithLabelValues("accepted").Add(2)
	m.DeliveriesTotal.WithLabelValues("failed").Inc()
	m.DeliveryRetriesTotal.Inc()
	m.APIRequestsTotal.WithLabelValues("GET", "/api/v1/campaigns", "200").Inc()

	if err := c.Stop(); err != nil {
		t.Errorf("Failed to stop collector: %v", err)
	}
	db.Close()

	db2 := openTestDB(t, path)
	defer db2.Close()

	m2 := New()
	c2, err := NewCollector(db2, m2, nil, path, 10*time.Second)
	if err != nil {
		t.Fatalf("Failed to recreate collector: %v", err)
	}
	defer c2.Stop()

	if got := testutil.ToFloat64(m2.DeliveriesTotal.WithLabelValues("accepted")); got != 2 {
		t.Errorf("Expected accepted = 2, got %f", got)
	}
	if got := testutil.ToFloat64(m2.DeliveriesTotal.WithLabelValues("failed")); got != 1 {
		t.Errorf("Expected failed = 1, got %f", got)
	}
	if got := testutil.ToFloat64(m2.DeliveryRetriesTotal); got != 1 {
		t.Errorf("Expected retries = 1, got %f", got)
	}
	if got := testutil.ToFloat64(m2.APIRequestsTotal.WithLabelValues("GET", "/api/v1/campaigns", "200")); got != 1 {
		t.Errorf("Expected api requests = 1, got %f", got)
	}
}

func TestCollectorSystemMetrics(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.db")
	db := openTestDB(t, path)
	defer db.Close()

	m := New()
	stats := &mockCampaignStats{stats: &CampaignStats{Active: 3, Paused: 1, Cancelled: 2}}

	c, err := NewCollector(db, m, stats, path, 10*time.Second)
	if err != nil {
		t.Fatalf("Failed to create collector: %v", err)
	}

	c.Start(context.Background())
	defer c.Stop()

	if got := testutil.ToFloat64(m.Campaigns.WithLabelValues("active")); got != 3 {
		t.Errorf("Expected active = 3, got %f", got)
	}
	if got := testutil.ToFloat64(m.Campaigns.WithLabelValues("cancelled")); got != 2 {
		t.Errorf("Expected cancelled = 2, got %f", got)
	}
	if got := testutil.ToFloat64(m.StorageUsedBytes); got <= 0 {
		t.Errorf("Expected storage size > 0, got %f", got)
	}
	if got := testutil.ToFloat64(m.Goroutines); got <= 0 {
		t.Errorf("Expected goroutines > 0, got %f", got)
	}
}

func TestCollectorStopTwice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.db")
	db := openTestDB(t, path)
	defer db.Close()

	c, err := NewCollector(db, New(), nil, "", 0)
	if err != nil {
		t.Fatalf("Failed to create collector: %v", err)
	}
	c.Start(context.Background())

	if err := c.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}
