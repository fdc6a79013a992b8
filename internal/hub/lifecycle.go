package hub

import (
	"context"
	"sort"
	"time"
)

// Stats is a point-in-time view of the hub.
type Stats struct {
	TotalTopicsTracked            int            `json:"totalTopicsTracked"`
	TotalConnectedClients         int            `json:"totalConnectedClients"`
	AverageSubscriptionsPerClient float64        `json:"averageSubscriptionsPerClient"`
	TopicSubscriberCounts         map[string]int `json:"topicSubscriberCounts"`
}

// TopicInfo describes one tracked topic.
type TopicInfo struct {
	Topic           string `json:"parcelId"`
	SubscriberCount int    `json:"subscriberCount"`
	Active          bool   `json:"isActive"`
}

// SweepResult counts what a sweep removed.
type SweepResult struct {
	RemovedConnections int `json:"removedConnections"`
	RemovedTopics      int `json:"removedTopics"`
}

// CleanupReport brackets a forced sweep with the stats taken right before and
// right after it.
type CleanupReport struct {
	Before  Stats
	After   Stats
	Removed SweepResult
}

// Counters are monotonically increasing totals since the hub was created.
type Counters struct {
	Published        uint64
	Delivered        uint64
	Dropped          uint64
	SweptConnections uint64
}

// Stats returns a consistent snapshot taken under a single read lock.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.statsLocked()
}

func (h *Hub) statsLocked() Stats {
	counts := make(map[string]int, len(h.topics))
	for topic, set := range h.topics {
		counts[topic] = len(set)
	}

	total := 0
	for _, subs := range h.conns {
		total += len(subs)
	}
	avg := 0.0
	if len(h.conns) > 0 {
		avg = float64(total) / float64(len(h.conns))
	}

	return Stats{
		TotalTopicsTracked:            len(h.topics),
		TotalConnectedClients:         len(h.conns),
		AverageSubscriptionsPerClient: avg,
		TopicSubscriberCounts:         counts,
	}
}

// TrackedTopics lists every topic with at least one subscriber, sorted by topic.
func (h *Hub) TrackedTopics() []TopicInfo {
	h.mu.RLock()
	out := make([]TopicInfo, 0, len(h.topics))
	for topic, set := range h.topics {
		out = append(out, TopicInfo{Topic: topic, SubscriberCount: len(set), Active: len(set) > 0})
	}
	h.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}

func (h *Hub) Counters() Counters {
	return Counters{
		Published:        h.published.Load(),
		Delivered:        h.delivered.Load(),
		Dropped:          h.dropped.Load(),
		SweptConnections: h.swept.Load(),
	}
}

// SweepStale removes every registered connection that reports closed and
// repairs any index entry that disagrees with the registry. Running it twice
// with no new disconnects removes nothing the second time.
func (h *Hub) SweepStale() SweepResult {
	h.mu.Lock()
	res := h.sweepLocked()
	h.mu.Unlock()

	if res.RemovedConnections > 0 || res.RemovedTopics > 0 {
		h.logger.Info("swept stale connections",
			"connections", res.RemovedConnections, "topics", res.RemovedTopics)
	}
	return res
}

// ForceCleanup sweeps and reports the stats around the sweep. All three steps
// run under one write lock, so Before and After differ by exactly what the
// sweep removed.
func (h *Hub) ForceCleanup() CleanupReport {
	h.mu.Lock()
	before := h.statsLocked()
	removed := h.sweepLocked()
	after := h.statsLocked()
	h.mu.Unlock()

	h.logger.Info("forced cleanup",
		"connections_before", before.TotalConnectedClients,
		"connections_after", after.TotalConnectedClients,
		"topics_before", before.TotalTopicsTracked,
		"topics_after", after.TotalTopicsTracked)

	return CleanupReport{Before: before, After: after, Removed: removed}
}

func (h *Hub) sweepLocked() SweepResult {
	var res SweepResult

	var stale []Conn
	for c := range h.conns {
		if !c.IsOpen() {
			stale = append(stale, c)
		}
	}
	for _, c := range stale {
		res.RemovedTopics += h.removeLocked(c)
	}
	res.RemovedConnections = len(stale)
	h.swept.Add(uint64(len(stale)))

	res.RemovedTopics += h.reconcileLocked()
	return res
}

// reconcileLocked restores the registry/index invariant if it was ever broken.
// The registry is authoritative: index entries for unknown connections are
// dropped, and registry topics missing from the index are re-indexed.
func (h *Hub) reconcileLocked() int {
	type pair struct {
		topic string
		conn  Conn
	}

	var orphans []pair
	for topic, set := range h.topics {
		for c := range set {
			subs, ok := h.conns[c]
			if !ok {
				orphans = append(orphans, pair{topic, c})
				continue
			}
			if _, ok := subs[topic]; !ok {
				orphans = append(orphans, pair{topic, c})
			}
		}
	}

	removed := 0
	for _, p := range orphans {
		if h.unindexLocked(p.topic, p.conn) {
			removed++
		}
	}

	repaired := 0
	for c, subs := range h.conns {
		for topic := range subs {
			set, ok := h.topics[topic]
			if !ok {
				set = make(map[Conn]struct{})
				h.topics[topic] = set
			}
			if _, ok := set[c]; !ok {
				set[c] = struct{}{}
				repaired++
			}
		}
	}

	for _, empty := range h.emptyTopicsLocked() {
		delete(h.topics, empty)
		removed++
	}

	if len(orphans) > 0 || repaired > 0 {
		h.logger.Warn("repaired subscription index", "orphans", len(orphans), "reindexed", repaired)
	}
	return removed
}

func (h *Hub) emptyTopicsLocked() []string {
	var empty []string
	for topic, set := range h.topics {
		if len(set) == 0 {
			empty = append(empty, topic)
		}
	}
	return empty
}

// Run sweeps stale connections on every tick until ctx is cancelled, then
// closes every connection still registered. Without a positive sweep interval
// it only waits for cancellation.
func (h *Hub) Run(ctx context.Context) {
	if h.sweepInterval <= 0 {
		<-ctx.Done()
		h.Shutdown()
		return
	}

	ticker := time.NewTicker(h.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.Shutdown()
			return
		case <-ticker.C:
			h.SweepStale()
		}
	}
}

// Shutdown unregisters and closes every connection.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	conns := make([]Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[Conn]map[string]struct{})
	h.topics = make(map[string]map[Conn]struct{})
	h.mu.Unlock()

	for _, c := range conns {
		if err := c.Close(); err != nil {
			h.logger.Debug("close on shutdown failed", "conn", c.ID(), "err", err)
		}
	}
	h.logger.Info("hub shut down", "closed", len(conns))
}
