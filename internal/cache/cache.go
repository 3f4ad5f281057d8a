// Package cache provides the two per-invocation caches used while a report
// is being processed. Both are created at the start of one processing task
// and discarded when it returns; nothing is shared across invocations.
//
// Eviction is FIFO above a fixed entry cap. Hit, miss and size counters are
// tracked so the processor can log cache effectiveness per run.
package cache

import (
	"context"
	"sync"

	"github.com/veilhealth/exposure-service/internal/model"
	"github.com/veilhealth/exposure-service/internal/store"
)

// Stats is a point-in-time counter snapshot.
type Stats struct {
	Hits   int
	Misses int
	Size   int
}

// ── interaction query cache ───────────────────────────────────────────────

const (
	// DefaultInteractionEntries caps the interaction cache.
	DefaultInteractionEntries = 1000

	// DefaultUserEntries caps the user lookup cache.
	DefaultUserEntries = 500

	queryTypePartnerWindow = "partner_window"
)

type interactionKey struct {
	queryType   string
	partnerID   string
	windowStart int64
	windowEnd   int64
}

// InteractionCache memoizes windowed interaction queries keyed by partner
// and window bounds. Identical windows recur constantly when one user
// appears on many paths of the same propagation run.
type InteractionCache struct {
	reader store.Reader
	max    int

	mu      sync.Mutex
	entries map[interactionKey][]model.Interaction
	order   []interactionKey
	hits    int
	misses  int
}

func NewInteractionCache(reader store.Reader, maxEntries int) *InteractionCache {
	if maxEntries <= 0 {
		maxEntries = DefaultInteractionEntries
	}
	return &InteractionCache{
		reader:  reader,
		max:     maxEntries,
		entries: make(map[interactionKey][]model.Interaction),
	}
}

// Window returns all interactions naming partnerID as partner with
// recordedAt inside [windowStart, windowEnd], from cache when possible.
func (c *InteractionCache) Window(ctx context.Context, partnerID string, windowStart, windowEnd int64) ([]model.Interaction, error) {
	key := interactionKey{queryTypePartnerWindow, partnerID, windowStart, windowEnd}

	c.mu.Lock()
	if cached, ok := c.entries[key]; ok {
		c.hits++
		c.mu.Unlock()
		return cached, nil
	}
	c.misses++
	c.mu.Unlock()

	docs, err := c.reader.Query(ctx, model.CollectionInteractions,
		store.Where("partnerAnonymousId", store.OpEqual, partnerID).
			And("recordedAt", store.OpGreaterOrEqual, windowStart).
			And("recordedAt", store.OpLessOrEqual, windowEnd))
	if err != nil {
		return nil, err
	}

	out := make([]model.Interaction, 0, len(docs))
	for _, d := range docs {
		var in model.Interaction
		if err := model.FromDoc(d.Data, &in); err != nil {
			return nil, err
		}
		out = append(out, in)
	}

	c.mu.Lock()
	c.insert(key, out)
	c.mu.Unlock()
	return out, nil
}

func (c *InteractionCache) insert(key interactionKey, value []model.Interaction) {
	if _, exists := c.entries[key]; exists {
		c.entries[key] = value
		return
	}
	if len(c.order) >= c.max {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.entries[key] = value
	c.order = append(c.order, key)
}

func (c *InteractionCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Hits: c.hits, Misses: c.misses, Size: len(c.entries)}
}

// ── user lookup cache ─────────────────────────────────────────────────────

// UserRecord is one resolved lookup: the user document id (the uid) plus
// the decoded user.
type UserRecord struct {
	UID  string
	User model.User
}

type userEntry struct {
	record UserRecord
	found  bool
}

// UserCache memoizes hash→user lookups on one hashed field, caching "not
// found" explicitly so absent users cost one query, not one per path.
type UserCache struct {
	reader store.Reader
	field  string
	max    int

	mu      sync.Mutex
	entries map[string]userEntry
	order   []string
	hits    int
	misses  int
}

// NewUserCache builds a cache resolving users by the given hashed field,
// typically "hashedInteractionId" or "hashedNotificationId".
func NewUserCache(reader store.Reader, field string, maxEntries int) *UserCache {
	if maxEntries <= 0 {
		maxEntries = DefaultUserEntries
	}
	return &UserCache{
		reader:  reader,
		field:   field,
		max:     maxEntries,
		entries: make(map[string]userEntry),
	}
}

// Lookup resolves a hash to its user. The second return distinguishes a
// user that does not exist from a lookup failure.
func (c *UserCache) Lookup(ctx context.Context, hash string) (UserRecord, bool, error) {
	c.mu.Lock()
	if e, ok := c.entries[hash]; ok {
		c.hits++
		c.mu.Unlock()
		return e.record, e.found, nil
	}
	c.misses++
	c.mu.Unlock()

	docs, err := c.reader.Query(ctx, model.CollectionUsers,
		store.Where(c.field, store.OpEqual, hash).Limited(1))
	if err != nil {
		return UserRecord{}, false, err
	}

	var entry userEntry
	if len(docs) > 0 {
		var u model.User
		if err := model.FromDoc(docs[0].Data, &u); err != nil {
			return UserRecord{}, false, err
		}
		entry = userEntry{record: UserRecord{UID: docs[0].ID, User: u}, found: true}
	}

	c.mu.Lock()
	c.insert(hash, entry)
	c.mu.Unlock()
	return entry.record, entry.found, nil
}

func (c *UserCache) insert(hash string, e userEntry) {
	if _, exists := c.entries[hash]; exists {
		c.entries[hash] = e
		return
	}
	if len(c.order) >= c.max {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.entries[hash] = e
	c.order = append(c.order, hash)
}

func (c *UserCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Hits: c.hits, Misses: c.misses, Size: len(c.entries)}
}
