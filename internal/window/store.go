// Package window provides the per-actor sliding-window event store used by
// rule predicates.
package window

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/gigmarket-labs/kestrel/internal/domain"
)

// Entry is one recorded observation inside a window.
type Entry struct {
	At       time.Time
	Category domain.EventCategory
	Amount   float64
	Attrs    map[string]string
}

// Attr returns the named attribute, or "" when absent.
func (e Entry) Attr(key string) string {
	if e.Attrs == nil {
		return ""
	}
	return e.Attrs[key]
}

// Predicate filters entries during a windowed count.
type Predicate func(Entry) bool

const shardCount = 64

// retention is the hard bound on how long any entry can matter; rules cannot
// configure windows beyond it, so anything older is prunable.
const retention = time.Duration(domain.MaxWindowMinutes) * time.Minute

// Store keeps time-ordered entries per (actor, rule type) key. Keys are
// sharded so concurrent actors do not contend on one lock; operations on a
// single key are linearizable under the shard lock.
type Store struct {
	shards [shardCount]*shard

	alertMu sync.Mutex
	alerts  map[string]time.Time
}

type shard struct {
	mu   sync.RWMutex
	keys map[string]*record
}

type record struct {
	entries []Entry
}

// NewStore creates an empty window store.
func NewStore() *Store {
	s := &Store{alerts: make(map[string]time.Time)}
	for i := range s.shards {
		s.shards[i] = &shard{keys: make(map[string]*record)}
	}
	return s
}

func key(actorID string, rt domain.RuleType) string {
	return actorID + "|" + string(rt)
}

func (s *Store) shardFor(k string) *shard {
	h := fnv.New32a()
	h.Write([]byte(k))
	return s.shards[h.Sum32()%shardCount]
}

// Record appends an entry for (actorID, rt), keeping entries ordered by
// timestamp even when events arrive out of order. Entries older than the
// maximum configurable window are pruned opportunistically.
func (s *Store) Record(actorID string, rt domain.RuleType, e Entry) {
	k := key(actorID, rt)
	sh := s.shardFor(k)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.keys[k]
	if !ok {
		rec = &record{entries: make([]Entry, 0, 16)}
		sh.keys[k] = rec
	}

	n := len(rec.entries)
	if n == 0 || !e.At.Before(rec.entries[n-1].At) {
		rec.entries = append(rec.entries, e)
	} else {
		// Late arrival: insert at its time-ordered position.
		i := sort.Search(n, func(i int) bool {
			return rec.entries[i].At.After(e.At)
		})
		rec.entries = append(rec.entries, Entry{})
		copy(rec.entries[i+1:], rec.entries[i:])
		rec.entries[i] = e
	}

	rec.prune(e.At.Add(-retention))
}

// Count returns the number of entries for (actorID, rt) with timestamps in
// [now-window, now] that satisfy pred. A nil pred counts every entry.
func (s *Store) Count(actorID string, rt domain.RuleType, now time.Time, window time.Duration, pred Predicate) int {
	k := key(actorID, rt)
	sh := s.shardFor(k)

	sh.mu.RLock()
	defer sh.mu.RUnlock()

	rec, ok := sh.keys[k]
	if !ok {
		return 0
	}

	count := 0
	for _, e := range rec.inWindow(now, window) {
		if pred == nil || pred(e) {
			count++
		}
	}
	return count
}

// AmountSeries returns the amounts of in-window entries in timestamp order.
// Used for rolling-average comparisons.
func (s *Store) AmountSeries(actorID string, rt domain.RuleType, now time.Time, window time.Duration) []float64 {
	k := key(actorID, rt)
	sh := s.shardFor(k)

	sh.mu.RLock()
	defer sh.mu.RUnlock()

	rec, ok := sh.keys[k]
	if !ok {
		return nil
	}

	in := rec.inWindow(now, window)
	out := make([]float64, 0, len(in))
	for _, e := range in {
		out = append(out, e.Amount)
	}
	return out
}

// Series returns the values of the named attribute for in-window entries in
// timestamp order, skipping entries where the attribute is absent.
func (s *Store) Series(actorID string, rt domain.RuleType, now time.Time, window time.Duration, attr string) []string {
	k := key(actorID, rt)
	sh := s.shardFor(k)

	sh.mu.RLock()
	defer sh.mu.RUnlock()

	rec, ok := sh.keys[k]
	if !ok {
		return nil
	}

	var out []string
	for _, e := range rec.inWindow(now, window) {
		if v := e.Attr(attr); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// DistinctCount returns the number of distinct values of the named attribute
// among in-window entries.
func (s *Store) DistinctCount(actorID string, rt domain.RuleType, now time.Time, window time.Duration, attr string) int {
	seen := make(map[string]struct{})
	for _, v := range s.Series(actorID, rt, now, window, attr) {
		seen[v] = struct{}{}
	}
	return len(seen)
}

// Sweep prunes entries older than the maximum configurable window across all
// keys and drops empty keys. Reads never count expired entries regardless of
// sweep timing, so the cadence only bounds memory.
func (s *Store) Sweep(now time.Time) {
	cutoff := now.Add(-retention)
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, rec := range sh.keys {
			rec.prune(cutoff)
			if len(rec.entries) == 0 {
				delete(sh.keys, k)
			}
		}
		sh.mu.Unlock()
	}
	s.sweepAlerts(now)
}

// RunSweeper prunes on the given interval until ctx is cancelled.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			s.Sweep(t)
		}
	}
}

// inWindow returns the slice of entries with At in [now-window, now].
// Entries are ascending by time, so both bounds are found by binary search
// and the scan is O(window size).
func (r *record) inWindow(now time.Time, window time.Duration) []Entry {
	cutoff := now.Add(-window)
	lo := sort.Search(len(r.entries), func(i int) bool {
		return !r.entries[i].At.Before(cutoff)
	})
	hi := sort.Search(len(r.entries), func(i int) bool {
		return r.entries[i].At.After(now)
	})
	if lo >= hi {
		return nil
	}
	return r.entries[lo:hi]
}

func (r *record) prune(cutoff time.Time) {
	i := sort.Search(len(r.entries), func(i int) bool {
		return !r.entries[i].At.Before(cutoff)
	})
	if i == 0 {
		return
	}
	remaining := len(r.entries) - i
	copy(r.entries, r.entries[i:])
	r.entries = r.entries[:remaining]
}

// MarkAlert records that ruleID fired for actorID with the given change key
// (e.g. the edited profile field). Used for cooldown suppression.
func (s *Store) MarkAlert(actorID, ruleID, changeKey string, at time.Time) {
	s.alertMu.Lock()
	defer s.alertMu.Unlock()
	s.alerts[alertKey(actorID, ruleID, changeKey)] = at
}

// LastAlert returns the time the rule last fired for this actor and change
// key, if it ever did.
func (s *Store) LastAlert(actorID, ruleID, changeKey string) (time.Time, bool) {
	s.alertMu.Lock()
	defer s.alertMu.Unlock()
	t, ok := s.alerts[alertKey(actorID, ruleID, changeKey)]
	return t, ok
}

func alertKey(actorID, ruleID, changeKey string) string {
	return actorID + "|" + ruleID + "|" + changeKey
}

// sweepAlerts drops alert markers past the longest possible cooldown so the
// map does not grow without bound.
func (s *Store) sweepAlerts(now time.Time) {
	const maxCooldown = 400 * 24 * time.Hour
	s.alertMu.Lock()
	defer s.alertMu.Unlock()
	for k, t := range s.alerts {
		if now.Sub(t) > maxCooldown {
			delete(s.alerts, k)
		}
	}
}
