// Package cache memoizes calendar query windows per user. Every entry key
// embeds the user's version counter, so bumping the counter makes all of
// that user's earlier entries unreachable at once. The cache is
// best-effort: store failures degrade to misses and no-op invalidations.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	appLog "famcal/internal/log"
	"famcal/internal/model"
)

// Window identifies one query result for a user.
type Window struct {
	Start         time.Time
	End           time.Time
	Timezone      string
	ParticipantID string
}

func (w Window) hash() string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%s|%s",
		w.Start.UTC().Format(time.RFC3339Nano), w.End.UTC().Format(time.RFC3339Nano), w.Timezone, w.ParticipantID))
	return hex.EncodeToString(sum[:])
}

// Cache combines a VersionStore with an EntryStore.
type Cache struct {
	versions VersionStore
	entries  EntryStore
	ttl      time.Duration
}

func New(versions VersionStore, entries EntryStore, ttl time.Duration) *Cache {
	return &Cache{versions: versions, entries: entries, ttl: ttl}
}

// Key returns the entry key of w for ownerID. The key embeds the owner's
// version and, when w.ParticipantID names someone else, that participant's
// version too: writes by third parties to shared events bump only the
// participant. ok is false when a version cannot be read; the caller should
// then bypass the cache entirely.
func (c *Cache) Key(ctx context.Context, ownerID string, w Window) (key string, ok bool) {
	v, err := c.versions.Version(ctx, ownerID)
	if err != nil {
		appLog.Warn("cache: version lookup failed, bypassing", "owner_id", ownerID, "err", err)
		return "", false
	}
	if w.ParticipantID == "" || w.ParticipantID == ownerID {
		return fmt.Sprintf("calendar:%s:v%d:%s", ownerID, v, w.hash()), true
	}
	pv, err := c.versions.Version(ctx, w.ParticipantID)
	if err != nil {
		appLog.Warn("cache: version lookup failed, bypassing", "owner_id", w.ParticipantID, "err", err)
		return "", false
	}
	return fmt.Sprintf("calendar:%s:v%d:p%d:%s", ownerID, v, pv, w.hash()), true
}

// Get returns the entry stored under key. Any store error is a miss.
func (c *Cache) Get(ctx context.Context, key string) ([]model.Occurrence, bool) {
	val, ok, err := c.entries.Get(ctx, key)
	if err != nil {
		appLog.Warn("cache: read failed", "key", key, "err", err)
		return nil, false
	}
	return val, ok
}

// Put stores value under key. Failures are logged and dropped.
func (c *Cache) Put(ctx context.Context, key string, value []model.Occurrence) {
	if err := c.entries.Set(ctx, key, value, c.ttl); err != nil {
		appLog.Warn("cache: write failed", "key", key, "err", err)
	}
}

// Invalidate bumps the version of every listed user. It never fails.
func (c *Cache) Invalidate(ctx context.Context, userIDs ...string) {
	for _, id := range userIDs {
		if id == "" {
			continue
		}
		v, err := c.versions.Increment(ctx, id)
		if err != nil {
			appLog.Warn("cache: invalidate failed", "owner_id", id, "err", err)
			continue
		}
		appLog.Debug("cache: invalidated", "owner_id", id, "version", v)
	}
}
