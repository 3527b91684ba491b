package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/voxdrop/internal/schedule"
)

var bucketRateLimits = []byte("rate_limits")

// Level identifies which limit denied an admission
type Level string

const (
	LevelHourly Level = "hourly"
	LevelDaily  Level = "daily"
	LevelDelay  Level = "delay"
)

// Config contains rate limiter settings
type Config struct {
	// Persistence settings
	FlushInterval time.Duration `yaml:"flush_interval,omitempty"`
}

// Limits are the caps applied to one key
type Limits struct {
	MaxPerHour int           // admissions in any trailing 60 minutes
	DailyLimit int           // admissions since local midnight (0 = unlimited)
	Delay      time.Duration // minimum gap between admissions (0 = none)
}

// Counter tracks admissions for one key
type Counter struct {
	Sends      []time.Time `json:"sends"` // admissions in the trailing hour, ascending
	Day        string      `json:"day"`
	DailyCount int         `json:"daily_count"`
	LastSend   time.Time   `json:"last_send"`
}

// Limiter admits sends per key. Checking and counting happen under one lock,
// so concurrent callers can never both take the last free slot.
type Limiter struct {
	db       *bolt.DB
	config   *Config
	counters map[string]*Counter // key -> counter
	mu       sync.RWMutex
	now      func() time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewLimiter creates a new rate limiter
func NewLimiter(db *bolt.DB, cfg *Config) (*Limiter, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	// Create bucket if not exists
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRateLimits)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limits bucket: %w", err)
	}

	l := &Limiter{
		db:       db,
		config:   cfg,
		counters: make(map[string]*Counter),
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}

	// Load persisted counters
	if err := l.loadCounters(); err != nil {
		return nil, fmt.Errorf("failed to load counters: %w", err)
	}

	// Start background persistence
	go l.persistLoop()

	return l, nil
}

// Request describes one admission attempt
type Request struct {
	Key    string
	Limits Limits
	// Location defines the day boundary for Limits.DailyLimit
	Location *time.Location
	// Now overrides the limiter clock when set
	Now time.Time
}

// Result contains the admission outcome
type Result struct {
	Allowed    bool
	DeniedBy   Level
	RetryAt    time.Time
	RetryAfter time.Duration

	key      string
	at       time.Time
	day      string
	prevLast time.Time
}

// Stats contains rate limit statistics for a key
type Stats struct {
	Key         string    `json:"key"`
	HourlyCount int       `json:"hourly_count"`
	DailyCount  int       `json:"daily_count"`
	Day         string    `json:"day,omitempty"`
	LastSend    time.Time `json:"last_send,omitempty"`
	WindowStart time.Time `json:"window_start,omitempty"`
}

// Acquire checks every configured limit for the key and, when all pass,
// records the admission before returning.
func (l *Limiter) Acquire(ctx context.Context, req *Request) (*Result, error) {
	if req == nil || req.Key == "" {
		return nil, fmt.Errorf("rate limit key is required")
	}

	now := req.Now
	if now.IsZero() {
		now = l.now()
	}
	day := schedule.DayKey(now, req.Location)

	l.mu.Lock()
	defer l.mu.Unlock()

	counter := l.getOrCreateCounter(req.Key)
	resetExpired(counter, now, day)

	result := &Result{}
	deny := func(level Level, at time.Time) {
		if result.RetryAt.IsZero() || at.After(result.RetryAt) {
			result.RetryAt = at
			result.DeniedBy = level
		}
	}

	limits := req.Limits

	// Check hourly limit
	if limits.MaxPerHour > 0 && len(counter.Sends) >= limits.MaxPerHour {
		// A slot frees up when enough of the oldest admissions leave the window.
		oldest := counter.Sends[len(counter.Sends)-limits.MaxPerHour]
		deny(LevelHourly, oldest.Add(time.Hour))
	}

	// Check daily limit
	if limits.DailyLimit > 0 && counter.DailyCount >= limits.DailyLimit {
		deny(LevelDaily, schedule.NextMidnight(now, req.Location))
	}

	// Check inter-send delay
	if limits.Delay > 0 && !counter.LastSend.IsZero() && now.Sub(counter.LastSend) < limits.Delay {
		deny(LevelDelay, counter.LastSend.Add(limits.Delay))
	}

	if !result.RetryAt.IsZero() {
		result.RetryAfter = result.RetryAt.Sub(now)
		return result, nil
	}

	result.Allowed = true
	result.key = req.Key
	result.at = now
	result.day = day
	result.prevLast = counter.LastSend

	counter.Sends = insertSorted(counter.Sends, now)
	counter.DailyCount++
	counter.LastSend = now

	return result, nil
}

// Release gives back an admission that did not result in a send
func (l *Limiter) Release(res *Result) {
	if res == nil || !res.Allowed || res.key == "" {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	counter, exists := l.counters[res.key]
	if !exists {
		return
	}

	for i, ts := range counter.Sends {
		if ts.Equal(res.at) {
			counter.Sends = append(counter.Sends[:i], counter.Sends[i+1:]...)
			break
		}
	}
	if counter.Day == res.day && counter.DailyCount > 0 {
		counter.DailyCount--
	}
	if counter.LastSend.Equal(res.at) {
		counter.LastSend = res.prevLast
	}

	// Released twice is a no-op.
	res.key = ""
}

// GetStats returns current statistics for a key
func (l *Limiter) GetStats(ctx context.Context, key string, loc *time.Location) (*Stats, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	counter, exists := l.counters[key]
	if !exists {
		return &Stats{Key: key}, nil
	}

	now := l.now()
	stats := &Stats{
		Key:      key,
		Day:      counter.Day,
		LastSend: counter.LastSend,
	}

	for _, ts := range counter.Sends {
		if now.Sub(ts) < time.Hour {
			if stats.WindowStart.IsZero() {
				stats.WindowStart = ts
			}
			stats.HourlyCount++
		}
	}

	// Reset if the day has rolled over
	if counter.Day == schedule.DayKey(now, loc) {
		stats.DailyCount = counter.DailyCount
	}

	return stats, nil
}

// Forget drops all state for a key
func (l *Limiter) Forget(key string) error {
	l.mu.Lock()
	delete(l.counters, key)
	l.mu.Unlock()

	return l.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRateLimits)
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(key))
	})
}

// Stop stops the rate limiter and persists counters
func (l *Limiter) Stop() error {
	l.stopOnce.Do(func() { close(l.stopCh) })
	return l.persistCounters()
}

func (l *Limiter) getOrCreateCounter(key string) *Counter {
	counter, exists := l.counters[key]
	if !exists {
		counter = &Counter{}
		l.counters[key] = counter
	}
	return counter
}

func resetExpired(counter *Counter, now time.Time, day string) {
	keep := counter.Sends[:0]
	for _, ts := range counter.Sends {
		if now.Sub(ts) < time.Hour {
			keep = append(keep, ts)
		}
	}
	counter.Sends = keep

	if counter.Day != day {
		counter.Day = day
		counter.DailyCount = 0
	}
}

func insertSorted(sends []time.Time, ts time.Time) []time.Time {
	i := sort.Search(len(sends), func(i int) bool { return sends[i].After(ts) })
	sends = append(sends, time.Time{})
	copy(sends[i+1:], sends[i:])
	sends[i] = ts
	return sends
}

func (l *Limiter) loadCounters() error {
	return l.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRateLimits)
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			var counter Counter
			if err := json.Unmarshal(v, &counter); err != nil {
				return nil // Skip invalid entries
			}
			l.counters[string(k)] = &counter
			return nil
		})
	})
}

func (l *Limiter) persistCounters() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRateLimits)
		if bucket == nil {
			return nil
		}

		for key, counter := range l.counters {
			data, err := json.Marshal(counter)
			if err != nil {
				continue
			}
			if err := bucket.Put([]byte(key), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *Limiter) persistLoop() {
	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.persistCounters()
		}
	}
}
