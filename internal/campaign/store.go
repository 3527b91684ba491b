package campaign

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketCampaigns     = []byte("campaigns")
	bucketCampaignIndex = []byte("campaign_index")
	bucketEntries       = []byte("entries")
	bucketContacts      = []byte("contacts")
	bucketPending       = []byte("pending")
)

// BoltStore stores campaigns and contact queues in BoltDB.
// Every mutation of one campaign is serialized by a per-campaign lock and
// commits the entry change and the campaign counters in one transaction.
type BoltStore struct {
	db    *bolt.DB
	locks *keyedMutex
	now   func() time.Time
}

// NewBoltStore opens (or creates) the store at path
func NewBoltStore(path string) (*BoltStore, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store, err := NewBoltStoreFromDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewBoltStoreFromDB creates the store on an already opened database
func NewBoltStoreFromDB(db *bolt.DB) (*BoltStore, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketCampaigns, bucketCampaignIndex, bucketEntries, bucketContacts, bucketPending} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &BoltStore{
		db:    db,
		locks: newKeyedMutex(),
		now:   time.Now,
	}, nil
}

// Close closes the database connection
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying bolt.DB instance
func (s *BoltStore) DB() *bolt.DB {
	return s.db
}

// Create validates the request and stores the campaign with all contacts pending
func (s *BoltStore) Create(ctx context.Context, nc *NewCampaign) (*Campaign, error) {
	sched, err := validateNew(nc)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	c := &Campaign{
		ID:         uuid.NewString(),
		Name:       strings.TrimSpace(nc.Name),
		Script:     nc.Script,
		Sender:     strings.TrimSpace(nc.Sender),
		Schedule:   sched,
		Status:     StatusActive,
		WebhookURL: nc.WebhookURL,
		Progress: Progress{
			Total:   len(nc.Contacts),
			Pending: len(nc.Contacts),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		if err := putCampaign(tx, c); err != nil {
			return err
		}
		if err := tx.Bucket(bucketCampaignIndex).Put(makeIndexKey(c.CreatedAt, c.ID), []byte(c.ID)); err != nil {
			return fmt.Errorf("failed to add to campaign index: %w", err)
		}

		pending := tx.Bucket(bucketPending)
		contacts := tx.Bucket(bucketContacts)
		for i, contact := range nc.Contacts {
			contact.Phone = strings.TrimSpace(contact.Phone)
			if contact.ID == "" {
				contact.ID = uuid.NewString()
			}

			e := &Entry{
				CampaignID: c.ID,
				ContactID:  contact.ID,
				Seq:        i,
				Contact:    contact,
				Status:     EntryPending,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			key := entryKey(c.ID, i)
			if err := putEntry(tx, key, e); err != nil {
				return err
			}
			if err := contacts.Put(contactKey(c.ID, contact.ID), key); err != nil {
				return fmt.Errorf("failed to add to contact index: %w", err)
			}
			if err := pending.Put(key, []byte(contact.ID)); err != nil {
				return fmt.Errorf("failed to add to pending index: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return c, nil
}

// Transition applies a lifecycle action. Cancel moves every pending entry to cancelled.
func (s *BoltStore) Transition(ctx context.Context, id string, action Action) (*Campaign, error) {
	if action == "" {
		return nil, &ValidationError{Problems: []string{"action is required"}}
	}
	return s.Modify(ctx, id, nil, action)
}

// Modify applies schedule overrides and then a lifecycle action in one
// transaction. Either part failing leaves the campaign unchanged.
func (s *BoltStore) Modify(ctx context.Context, id string, overrides *ScheduleOverrides, action Action) (*Campaign, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	var c *Campaign
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		c, err = getCampaign(tx, id)
		if err != nil {
			return err
		}
		if overrides.Empty() && action == "" {
			return nil
		}

		now := s.now().UTC()

		if !overrides.Empty() {
			if c.Status == StatusCancelled {
				return &InvalidTransitionError{From: c.Status, Action: "reschedule"}
			}
			ve := &ValidationError{}
			sched := validateSchedule(ve, overrides.apply(c.Schedule))
			if err := ve.orNil(); err != nil {
				return err
			}
			c.Schedule = sched
		}

		if action != "" {
			next, err := nextStatus(c.Status, action)
			if err != nil {
				return err
			}
			if next == StatusCancelled {
				if err := cancelPending(tx, c, now); err != nil {
					return err
				}
			}
			c.Status = next
		}

		c.UpdatedAt = now
		return putCampaign(tx, c)
	})
	if err != nil {
		return nil, err
	}

	return c, nil
}

func nextStatus(from Status, action Action) (Status, error) {
	switch action {
	case ActionPause:
		if from == StatusActive {
			return StatusPaused, nil
		}
	case ActionResume:
		if from == StatusPaused {
			return StatusActive, nil
		}
	case ActionCancel:
		if from == StatusActive || from == StatusPaused {
			return StatusCancelled, nil
		}
	default:
		return "", &ValidationError{Problems: []string{fmt.Sprintf("unknown action %q", action)}}
	}
	return "", &InvalidTransitionError{From: from, Action: action}
}

func cancelPending(tx *bolt.Tx, c *Campaign, now time.Time) error {
	pending := tx.Bucket(bucketPending)
	prefix := campaignPrefix(c.ID)

	var keys [][]byte
	cur := pending.Cursor()
	for k, _ := cur.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cur.Next() {
		keys = append(keys, append([]byte{}, k...))
	}

	for _, key := range keys {
		e, err := loadEntry(tx, key)
		if err != nil {
			return err
		}
		if e != nil && e.Status == EntryPending {
			c.Progress.move(e.Status, EntryCancelled)
			e.Status = EntryCancelled
			e.UpdatedAt = now
			if err := putEntry(tx, key, e); err != nil {
				return err
			}
		}
		if err := pending.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

// UpdateSchedule applies partial schedule overrides
func (s *BoltStore) UpdateSchedule(ctx context.Context, id string, overrides *ScheduleOverrides) (*Campaign, error) {
	return s.Modify(ctx, id, overrides, "")
}

// SetProviderCampaignID records the provider-side campaign id
func (s *BoltStore) SetProviderCampaignID(ctx context.Context, id, providerID string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		c, err := getCampaign(tx, id)
		if err != nil {
			return err
		}
		c.ProviderCampaignID = providerID
		return putCampaign(tx, c)
	})
}

// ListEligiblePending returns up to limit pending entries, oldest first.
// Campaigns that are not active have no eligible entries.
func (s *BoltStore) ListEligiblePending(ctx context.Context, id string, limit int) ([]*Entry, error) {
	var entries []*Entry

	err := s.db.View(func(tx *bolt.Tx) error {
		c, err := getCampaign(tx, id)
		if err != nil {
			return err
		}
		if c.Status != StatusActive {
			return nil
		}

		prefix := campaignPrefix(id)
		cur := tx.Bucket(bucketPending).Cursor()
		for k, _ := cur.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cur.Next() {
			e, err := loadEntry(tx, k)
			if err != nil {
				return err
			}
			if e == nil || e.Status != EntryPending {
				continue
			}
			entries = append(entries, e)
			if limit > 0 && len(entries) >= limit {
				break
			}
		}
		return nil
	})

	return entries, err
}

// RecordAttemptResult stores the outcome of a delivery attempt.
// Results for entries that are no longer pending are kept for bookkeeping only.
func (s *BoltStore) RecordAttemptResult(ctx context.Context, id, contactID string, r AttemptResult) (*Entry, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	now := r.At
	if now.IsZero() {
		now = s.now()
	}
	now = now.UTC()

	maxRetries := r.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	var e *Entry
	err := s.db.Update(func(tx *bolt.Tx) error {
		c, err := getCampaign(tx, id)
		if err != nil {
			return err
		}
		var key []byte
		e, key, err = getEntry(tx, id, contactID)
		if err != nil {
			return err
		}

		e.UpdatedAt = now

		if e.Status != EntryPending {
			if r.Accepted {
				if e.ProviderID == "" {
					e.ProviderID = r.ProviderID
				}
				if e.SentAt.IsZero() {
					e.SentAt = now
				}
			} else if r.Error != "" {
				e.LastError = r.Error
			}
			return putEntry(tx, key, e)
		}

		from := e.Status
		if r.Accepted {
			e.Status = EntrySent
			e.ProviderID = r.ProviderID
			e.SentAt = now
			e.LastError = ""
		} else {
			e.RetryCount++
			e.LastError = r.Error
			if r.Permanent || e.RetryCount >= maxRetries {
				e.Status = EntryFailed
			}
		}

		if e.Status != from {
			if err := tx.Bucket(bucketPending).Delete(key); err != nil {
				return err
			}
			c.Progress.move(from, e.Status)
			c.UpdatedAt = now
			if err := putCampaign(tx, c); err != nil {
				return err
			}
		}

		return putEntry(tx, key, e)
	})
	if err != nil {
		return nil, err
	}

	return e, nil
}

func statusRank(s EntryStatus) int {
	switch s {
	case EntrySent:
		return 1
	case EntryFailed:
		return 2
	default:
		return 0
	}
}

// ApplyStatusUpdate applies a provider-reported status. Status only moves
// forward (pending < sent < failed). Entries of a cancelled campaign keep
// their status and only record provider fields, so
// repeated or reordered updates converge on the same state.
func (s *BoltStore) ApplyStatusUpdate(ctx context.Context, id, contactID string, u StatusUpdate) (*Entry, bool, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	now := u.At
	if now.IsZero() {
		now = s.now()
	}
	now = now.UTC()

	var (
		e       *Entry
		changed bool
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		c, err := getCampaign(tx, id)
		if err != nil {
			return err
		}
		var key []byte
		e, key, err = getEntry(tx, id, contactID)
		if err != nil {
			return err
		}

		if u.ProviderStatus != "" && u.ProviderStatus != e.ProviderStatus {
			e.ProviderStatus = u.ProviderStatus
			changed = true
		}
		if u.ProviderID != "" && e.ProviderID == "" {
			e.ProviderID = u.ProviderID
			changed = true
		}
		if u.Callback && !e.Callback {
			e.Callback = true
			changed = true
		}

		if c.Status != StatusCancelled && e.Status != EntryCancelled && u.Status != "" && statusRank(u.Status) > statusRank(e.Status) {
			from := e.Status
			e.Status = u.Status
			if e.Status == EntrySent && e.SentAt.IsZero() {
				e.SentAt = now
			}
			if from == EntryPending {
				if err := tx.Bucket(bucketPending).Delete(key); err != nil {
					return err
				}
			}
			c.Progress.move(from, e.Status)
			c.UpdatedAt = now
			if err := putCampaign(tx, c); err != nil {
				return err
			}
			changed = true
		}

		if !changed {
			return nil
		}
		e.UpdatedAt = now
		return putEntry(tx, key, e)
	})
	if err != nil {
		return nil, false, err
	}

	return e, changed, nil
}

// Get retrieves a campaign by ID
func (s *BoltStore) Get(ctx context.Context, id string) (*Campaign, error) {
	var c *Campaign
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		c, err = getCampaign(tx, id)
		return err
	})
	return c, err
}

// List returns all campaigns, newest first
func (s *BoltStore) List(ctx context.Context) ([]*Campaign, error) {
	var campaigns []*Campaign

	err := s.db.View(func(tx *bolt.Tx) error {
		cur := tx.Bucket(bucketCampaignIndex).Cursor()
		for k, v := cur.Last(); k != nil; k, v = cur.Prev() {
			c, err := getCampaign(tx, string(v))
			if err != nil {
				continue
			}
			campaigns = append(campaigns, c)
		}
		return nil
	})

	return campaigns, err
}

// ActiveCampaignIDs returns the IDs of campaigns in the active state
func (s *BoltStore) ActiveCampaignIDs(ctx context.Context) ([]string, error) {
	var ids []string

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCampaigns).ForEach(func(k, v []byte) error {
			var c Campaign
			if err := json.Unmarshal(v, &c); err != nil {
				return nil
			}
			if c.Status == StatusActive {
				ids = append(ids, c.ID)
			}
			return nil
		})
	})

	return ids, err
}

// Entries lists the contact queue of a campaign in creation order
func (s *BoltStore) Entries(ctx context.Context, id string, filter EntryFilter) ([]*Entry, error) {
	var entries []*Entry

	err := s.db.View(func(tx *bolt.Tx) error {
		if _, err := getCampaign(tx, id); err != nil {
			return err
		}

		prefix := campaignPrefix(id)
		cur := tx.Bucket(bucketEntries).Cursor()
		skipped := 0
		for k, v := cur.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cur.Next() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}

			// Apply status filter
			if filter.Status != "" && e.Status != filter.Status {
				continue
			}

			// Apply offset
			if skipped < filter.Offset {
				skipped++
				continue
			}

			entries = append(entries, &e)

			// Apply limit
			if filter.Limit > 0 && len(entries) >= filter.Limit {
				break
			}
		}
		return nil
	})

	return entries, err
}

// GetEntry retrieves one entry by contact ID
func (s *BoltStore) GetEntry(ctx context.Context, id, contactID string) (*Entry, error) {
	var e *Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		if _, err := getCampaign(tx, id); err != nil {
			return err
		}
		var err error
		e, _, err = getEntry(tx, id, contactID)
		return err
	})
	return e, err
}

// FindEntryByPhone returns the first entry whose normalized phone matches
func (s *BoltStore) FindEntryByPhone(ctx context.Context, id, phone string) (*Entry, error) {
	want := NormalizePhone(phone)
	if want == "" {
		return nil, ErrNotFound
	}

	entries, err := s.Entries(ctx, id, EntryFilter{})
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if NormalizePhone(e.Contact.Phone) == want {
			return e, nil
		}
	}
	return nil, ErrNotFound
}

// Delete removes a campaign together with its entries and index rows
func (s *BoltStore) Delete(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		c, err := getCampaign(tx, id)
		if err != nil {
			return err
		}
		return deleteCampaign(tx, c)
	})
}

func deleteCampaign(tx *bolt.Tx, c *Campaign) error {
	prefix := campaignPrefix(c.ID)
	for _, name := range [][]byte{bucketEntries, bucketContacts, bucketPending} {
		bucket := tx.Bucket(name)

		var keys [][]byte
		cur := bucket.Cursor()
		for k, _ := cur.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cur.Next() {
			keys = append(keys, append([]byte{}, k...))
		}
		for _, k := range keys {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
	}

	if err := tx.Bucket(bucketCampaignIndex).Delete(makeIndexKey(c.CreatedAt, c.ID)); err != nil {
		return err
	}
	return tx.Bucket(bucketCampaigns).Delete([]byte(c.ID))
}

// Stats contains campaign counts by status
type Stats struct {
	Active    int64 `json:"active"`
	Paused    int64 `json:"paused"`
	Cancelled int64 `json:"cancelled"`
	Total     int64 `json:"total"`
}

// Stats returns campaign counts by status
func (s *BoltStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCampaigns).ForEach(func(k, v []byte) error {
			var c Campaign
			if err := json.Unmarshal(v, &c); err != nil {
				return nil
			}

			stats.Total++
			switch c.Status {
			case StatusActive:
				stats.Active++
			case StatusPaused:
				stats.Paused++
			case StatusCancelled:
				stats.Cancelled++
			}
			return nil
		})
	})

	return stats, err
}

// CleanupFinished deletes campaigns with no pending work that were last
// updated before maxAge ago. It returns the deleted campaign IDs.
func (s *BoltStore) CleanupFinished(ctx context.Context, maxAge time.Duration) ([]string, error) {
	if maxAge <= 0 {
		return nil, nil
	}

	cutoff := s.now().Add(-maxAge)

	var candidates []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCampaigns).ForEach(func(k, v []byte) error {
			var c Campaign
			if err := json.Unmarshal(v, &c); err != nil {
				return nil
			}
			if finished(&c) && c.UpdatedAt.Before(cutoff) {
				candidates = append(candidates, c.ID)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	var deleted []string
	for _, id := range candidates {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}

		unlock := s.locks.Lock(id)
		err := s.db.Update(func(tx *bolt.Tx) error {
			c, err := getCampaign(tx, id)
			if err != nil {
				return err
			}
			// Re-check under the lock
			if !finished(c) || !c.UpdatedAt.Before(cutoff) {
				return ErrNotFound
			}
			return deleteCampaign(tx, c)
		})
		unlock()

		if err == nil {
			deleted = append(deleted, id)
		} else if !errors.Is(err, ErrNotFound) {
			return deleted, err
		}
	}

	return deleted, nil
}

func finished(c *Campaign) bool {
	return c.Status == StatusCancelled || c.Progress.Pending == 0
}

func getCampaign(tx *bolt.Tx, id string) (*Campaign, error) {
	data := tx.Bucket(bucketCampaigns).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}

	c := &Campaign{}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal campaign: %w", err)
	}
	return c, nil
}

func putCampaign(tx *bolt.Tx, c *Campaign) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal campaign: %w", err)
	}
	if err := tx.Bucket(bucketCampaigns).Put([]byte(c.ID), data); err != nil {
		return fmt.Errorf("failed to store campaign: %w", err)
	}
	return nil
}

func getEntry(tx *bolt.Tx, campaignID, contactID string) (*Entry, []byte, error) {
	key := tx.Bucket(bucketContacts).Get(contactKey(campaignID, contactID))
	if key == nil {
		return nil, nil, fmt.Errorf("contact %s: %w", contactID, ErrNotFound)
	}
	key = append([]byte{}, key...)

	e, err := loadEntry(tx, key)
	if err != nil {
		return nil, nil, err
	}
	if e == nil {
		return nil, nil, fmt.Errorf("contact %s: %w", contactID, ErrNotFound)
	}
	return e, key, nil
}

func loadEntry(tx *bolt.Tx, key []byte) (*Entry, error) {
	data := tx.Bucket(bucketEntries).Get(key)
	if data == nil {
		return nil, nil
	}

	e := &Entry{}
	if err := json.Unmarshal(data, e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
	}
	return e, nil
}

func putEntry(tx *bolt.Tx, key []byte, e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	if err := tx.Bucket(bucketEntries).Put(key, data); err != nil {
		return fmt.Errorf("failed to store entry: %w", err)
	}
	return nil
}

func campaignPrefix(id string) []byte {
	return []byte(id + "/")
}

// entryKey orders entries of a campaign by creation sequence
func entryKey(campaignID string, seq int) []byte {
	return []byte(fmt.Sprintf("%s/%010d", campaignID, seq))
}

func contactKey(campaignID, contactID string) []byte {
	return []byte(campaignID + "/" + contactID)
}

// Fixed-width so keys sort chronologically
const indexTimeFormat = "2006-01-02T15:04:05.000000000Z"

// makeIndexKey creates a sortable key from timestamp and ID
func makeIndexKey(t time.Time, id string) []byte {
	// Format: timestamp + ":" + id
	return []byte(t.UTC().Format(indexTimeFormat) + ":" + id)
}

// NormalizePhone reduces a phone number to its digits, dropping a leading
// US country code.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) == 11 && digits[0] == '1' {
		digits = digits[1:]
	}
	return digits
}
