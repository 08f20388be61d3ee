// Package cache provides the tiered TTL cache in front of the
// conversation store and the model client. The cache is advisory: a miss
// or an error only costs latency, never correctness, so nothing in this
// package returns an error to its caller.
package cache

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// TTLClass buckets entries by expected lifetime.
type TTLClass int

const (
	ClassShort TTLClass = iota
	ClassMedium
	ClassLong
	ClassVeryLong
)

func (c TTLClass) String() string {
	switch c {
	case ClassShort:
		return "short"
	case ClassMedium:
		return "medium"
	case ClassLong:
		return "long"
	case ClassVeryLong:
		return "very_long"
	}
	return "unknown"
}

// recencyWindow splits hot conversation data from cold: anything touched
// within the window caches SHORT, older data caches MEDIUM.
const recencyWindow = 24 * time.Hour

// Options configures the cache TTLs and janitor cadence.
type Options struct {
	ShortTTL    time.Duration
	MediumTTL   time.Duration
	LongTTL     time.Duration
	VeryLongTTL time.Duration

	// JanitorSchedule is a cron spec for the expired-entry sweep.
	// Empty disables the janitor; expired entries then only vanish
	// lazily on access.
	JanitorSchedule string
}

// DefaultOptions returns the default TTL table.
func DefaultOptions() Options {
	return Options{
		ShortTTL:        5 * time.Minute,
		MediumTTL:       30 * time.Minute,
		LongTTL:         2 * time.Hour,
		VeryLongTTL:     24 * time.Hour,
		JanitorSchedule: "@every 5m",
	}
}

type entry struct {
	value     any
	expiresAt time.Time
}

// Tiered is an in-process key/value cache with per-class TTLs and
// prefix-pattern deletion.
type Tiered struct {
	opts   Options
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]entry

	cron *cron.Cron
}

// New creates a cache and starts its janitor when a schedule is set.
func New(opts Options, logger *slog.Logger) *Tiered {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultOptions()
	if opts.ShortTTL <= 0 {
		opts.ShortTTL = defaults.ShortTTL
	}
	if opts.MediumTTL <= 0 {
		opts.MediumTTL = defaults.MediumTTL
	}
	if opts.LongTTL <= 0 {
		opts.LongTTL = defaults.LongTTL
	}
	if opts.VeryLongTTL <= 0 {
		opts.VeryLongTTL = defaults.VeryLongTTL
	}

	t := &Tiered{
		opts:    opts,
		logger:  logger.With("component", "cache"),
		entries: make(map[string]entry),
	}

	if opts.JanitorSchedule != "" {
		t.cron = cron.New()
		if _, err := t.cron.AddFunc(opts.JanitorSchedule, t.sweep); err != nil {
			// Bad schedule degrades to lazy expiry only.
			t.logger.Warn("invalid janitor schedule, sweep disabled",
				"schedule", opts.JanitorSchedule,
				"error", err)
			t.cron = nil
		} else {
			t.cron.Start()
		}
	}

	return t
}

// Close stops the janitor.
func (t *Tiered) Close() {
	if t.cron != nil {
		t.cron.Stop()
	}
}

func (t *Tiered) ttlFor(class TTLClass) time.Duration {
	switch class {
	case ClassShort:
		return t.opts.ShortTTL
	case ClassMedium:
		return t.opts.MediumTTL
	case ClassLong:
		return t.opts.LongTTL
	case ClassVeryLong:
		return t.opts.VeryLongTTL
	}
	return t.opts.ShortTTL
}

// Get returns the cached value for key, if present and unexpired.
func (t *Tiered) Get(key string) (any, bool) {
	t.mu.RLock()
	e, ok := t.entries[key]
	t.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		t.mu.Lock()
		delete(t.entries, key)
		t.mu.Unlock()
		return nil, false
	}
	return e.value, true
}

// Set stores value under key with the TTL of its class.
func (t *Tiered) Set(key string, value any, class TTLClass) {
	t.mu.Lock()
	t.entries[key] = entry{value: value, expiresAt: time.Now().Add(t.ttlFor(class))}
	t.mu.Unlock()
}

// Delete removes a single key.
func (t *Tiered) Delete(key string) {
	t.mu.Lock()
	delete(t.entries, key)
	t.mu.Unlock()
}

// DeletePattern removes every key with the given prefix.
func (t *Tiered) DeletePattern(prefix string) {
	t.mu.Lock()
	for key := range t.entries {
		if strings.HasPrefix(key, prefix) {
			delete(t.entries, key)
		}
	}
	t.mu.Unlock()
}

// Len reports the current entry count, expired or not.
func (t *Tiered) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// sweep drops expired entries.
func (t *Tiered) sweep() {
	now := time.Now()
	t.mu.Lock()
	removed := 0
	for key, e := range t.entries {
		if now.After(e.expiresAt) {
			delete(t.entries, key)
			removed++
		}
	}
	t.mu.Unlock()
	if removed > 0 {
		t.logger.Debug("swept expired cache entries", "removed", removed)
	}
}

// ClassForRecency applies the recency rule for conversation and
// message-page entries.
func ClassForRecency(lastActivity time.Time) TTLClass {
	if time.Since(lastActivity) < recencyWindow {
		return ClassShort
	}
	return ClassMedium
}
