package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	bolt "go.etcd.io/bbolt"
)

// CampaignStats contains campaign counts by status
type CampaignStats struct {
	Active    int
	Paused    int
	Cancelled int
}

// CampaignStatsProvider provides campaign statistics for metrics
type CampaignStatsProvider interface {
	CampaignStats(ctx context.Context) (*CampaignStats, error)
}

var (
	bucketMetrics = []byte("metrics")
	countersKey   = []byte("counters")
)

// sample is one persisted counter series
type sample struct {
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}

// Collector keeps counters across restarts and refreshes gauges
type Collector struct {
	db            *bolt.DB
	metrics       *Metrics
	campaignStats CampaignStatsProvider
	storagePath   string
	flushInterval time.Duration
	startTime     time.Time

	// counters that survive restarts, by metric name
	restorers map[string]func(labels map[string]string, v float64)

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCollector creates a collector and restores persisted counter values
func NewCollector(db *bolt.DB, m *Metrics, stats CampaignStatsProvider, storagePath string, flushInterval time.Duration) (*Collector, error) {
	if flushInterval == 0 {
		flushInterval = 10 * time.Second
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMetrics)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics bucket: %w", err)
	}

	c := &Collector{
		db:            db,
		metrics:       m,
		campaignStats: stats,
		storagePath:   storagePath,
		flushInterval: flushInterval,
		startTime:     time.Now(),
		restorers: map[string]func(map[string]string, float64){
			"voxdrop_deliveries_total":        vecRestorer(m.DeliveriesTotal),
			"voxdrop_delivery_retries_total":  counterRestorer(m.DeliveryRetriesTotal),
			"voxdrop_dispatch_deferred_total": vecRestorer(m.DispatchDeferredTotal),
			"voxdrop_callbacks_total":         vecRestorer(m.CallbacksTotal),
			"voxdrop_report_rows_total":       vecRestorer(m.ReportRowsTotal),
			"voxdrop_api_requests_total":      vecRestorer(m.APIRequestsTotal),
			"voxdrop_api_errors_total":        vecRestorer(m.APIErrorsTotal),
		},
		stopCh: make(chan struct{}),
	}

	if err := c.loadCounters(); err != nil {
		return nil, fmt.Errorf("failed to load counters: %w", err)
	}

	return c, nil
}

func vecRestorer(vec *prometheus.CounterVec) func(map[string]string, float64) {
	return func(labels map[string]string, v float64) {
		counter, err := vec.GetMetricWith(labels)
		if err != nil {
			return // label set changed between versions
		}
		counter.Add(v)
	}
}

func counterRestorer(c prometheus.Counter) func(map[string]string, float64) {
	return func(_ map[string]string, v float64) {
		c.Add(v)
	}
}

// Start begins the collector background tasks
func (c *Collector) Start(ctx context.Context) {
	c.collectSystemMetrics(ctx)

	c.wg.Add(2)
	go c.persistLoop(ctx)
	go c.updateSystemMetrics(ctx)
}

// Stop stops the collector and persists final values
func (c *Collector) Stop() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	return c.persistCounters()
}

// loadCounters adds persisted values to the freshly registered counters
func (c *Collector) loadCounters() error {
	return c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMetrics).Get(countersKey)
		if data == nil {
			return nil
		}

		var saved map[string][]sample
		if err := json.Unmarshal(data, &saved); err != nil {
			return nil // Skip invalid data
		}

		for name, samples := range saved {
			restore, ok := c.restorers[name]
			if !ok {
				continue
			}
			for _, s := range samples {
				if s.Value > 0 {
					restore(s.Labels, s.Value)
				}
			}
		}
		return nil
	})
}

// snapshot reads the current value of every persisted counter
func (c *Collector) snapshot() (map[string][]sample, error) {
	families, err := c.metrics.Registry().Gather()
	if err != nil {
		return nil, err
	}

	out := make(map[string][]sample)
	for _, mf := range families {
		if mf.GetType() != dto.MetricType_COUNTER {
			continue
		}
		if _, ok := c.restorers[mf.GetName()]; !ok {
			continue
		}
		for _, m := range mf.GetMetric() {
			s := sample{Value: m.GetCounter().GetValue()}
			if len(m.GetLabel()) > 0 {
				s.Labels = make(map[string]string, len(m.GetLabel()))
				for _, lp := range m.GetLabel() {
					s.Labels[lp.GetName()] = lp.GetValue()
				}
			}
			out[mf.GetName()] = append(out[mf.GetName()], s)
		}
	}
	return out, nil
}

// persistCounters saves counter values to BoltDB
func (c *Collector) persistCounters() error {
	snap, err := c.snapshot()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMetrics).Put(countersKey, data)
	})
}

// persistLoop periodically persists counter values
func (c *Collector) persistLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.persistCounters()
		}
	}
}

// updateSystemMetrics periodically updates gauges
func (c *Collector) updateSystemMetrics(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.collectSystemMetrics(ctx)
		}
	}
}

func (c *Collector) collectSystemMetrics(ctx context.Context) {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.storagePath != "" {
		if info, err := os.Stat(c.storagePath); err == nil {
			c.metrics.StorageUsedBytes.Set(float64(info.Size()))
		}
	}

	if c.campaignStats != nil {
		stats, err := c.campaignStats.CampaignStats(ctx)
		if err == nil {
			c.metrics.Campaigns.WithLabelValues("active").Set(float64(stats.Active))
			c.metrics.Campaigns.WithLabelValues("paused").Set(float64(stats.Paused))
			c.metrics.Campaigns.WithLabelValues("cancelled").Set(float64(stats.Cancelled))
		}
	}
}
