// Package blackboard wraps storage.BlackboardStorage with well-known
// topic defaults and subscribe/catch-up semantics, plus a short-lived
// read cache so a swarm full of polling workers does not turn every
// repeated Read call into a SQLite query (Subscribe always reads the
// store). The cache is a patrickmn/go-cache
// instance with an explicit per-entry TTL, not a hand-rolled map+timer.
package blackboard

import (
	"fmt"
	"sort"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/2389-research/fleetd/internal/eventbus"
	"github.com/2389-research/fleetd/internal/log"
	"github.com/2389-research/fleetd/internal/storage"
)

// Well-known topics and their default expiries.
const (
	TopicBroadcast = "broadcast"
	TopicAlerts    = "alerts"
	TopicStatusPrefix = "status/"

	statusDefaultExpiry = time.Hour
	alertsDefaultExpiry = 24 * time.Hour

	readCacheTTL = 2 * time.Second
)

// PostOptions are the optional fields accepted by Post.
type PostOptions struct {
	TargetHandle string
	Priority     storage.Priority
	ExpiresIn    time.Duration
}

// Board is the domain-level Blackboard: swarm-scoped pub/sub with durable
// backing plus a bounded read cache.
type Board struct {
	store storage.BlackboardStorage
	bus   *eventbus.Bus
	cache *gocache.Cache
}

// New constructs a Board backed by store, emitting blackboard:posted on bus.
func New(store storage.BlackboardStorage, bus *eventbus.Bus) *Board {
	return &Board{
		store: store,
		bus:   bus,
		cache: gocache.New(readCacheTTL, readCacheTTL*5),
	}
}

// Post publishes a message. status/<handle> posts default to a 1-hour
// expiry and alerts posts default to a 24-hour expiry unless the caller
// supplies an explicit ExpiresIn.
func (b *Board) Post(swarmID, senderHandle string, msgType storage.MessageType, payload []byte, topic string, opts PostOptions) (*storage.BlackboardMessage, error) {
	priority := opts.Priority
	if priority == "" {
		priority = storage.PriorityNormal
	}

	expiresIn := opts.ExpiresIn
	if expiresIn == 0 {
		switch {
		case topic == TopicAlerts:
			expiresIn = alertsDefaultExpiry
		case len(topic) > len(TopicStatusPrefix) && topic[:len(TopicStatusPrefix)] == TopicStatusPrefix:
			expiresIn = statusDefaultExpiry
		}
	}

	m := &storage.BlackboardMessage{
		SwarmID:      swarmID,
		SenderHandle: senderHandle,
		TargetHandle: opts.TargetHandle,
		Type:         msgType,
		Priority:     priority,
		Payload:      payload,
	}
	if expiresIn > 0 {
		exp := time.Now().Add(expiresIn)
		m.ExpiresAt = &exp
	}

	if err := b.store.PostMessage(m); err != nil {
		return nil, err
	}
	b.cache.Flush() // simplest correct invalidation: any post can change any read's result set
	if b.bus != nil {
		b.bus.Emit(eventbus.BlackboardPosted, map[string]any{"id": m.ID, "swarmID": swarmID, "topic": topic})
	}
	return m, nil
}

// Read applies f's ordering and unreadOnly filter, serving repeated
// identical reads from cache within readCacheTTL.
func (b *Board) Read(swarmID string, f storage.BlackboardFilter) ([]*storage.BlackboardMessage, error) {
	key := cacheKey(swarmID, f)
	if cached, ok := b.cache.Get(key); ok {
		return cached.([]*storage.BlackboardMessage), nil
	}
	msgs, err := b.store.ReadMessages(swarmID, f)
	if err != nil {
		return nil, err
	}
	b.cache.Set(key, msgs, gocache.DefaultExpiration)
	return msgs, nil
}

// Subscribe is a bounded catch-up read: every unarchived, unexpired
// message with id > lastSeenID, in insertion order, plus the new high
// watermark the caller should pass on the next poll.
func (b *Board) Subscribe(swarmID string, lastSeenID int64) ([]*storage.BlackboardMessage, int64, error) {
	msgs, err := b.store.ReadMessages(swarmID, storage.BlackboardFilter{})
	if err != nil {
		return nil, lastSeenID, err
	}
	var fresh []*storage.BlackboardMessage
	newWatermark := lastSeenID
	for _, m := range msgs {
		if m.ID > lastSeenID {
			fresh = append(fresh, m)
			if m.ID > newWatermark {
				newWatermark = m.ID
			}
		}
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i].ID < fresh[j].ID })
	return fresh, newWatermark, nil
}

// Archive archives the given message ids.
func (b *Board) Archive(ids []int64) error {
	for _, id := range ids {
		if err := b.store.ArchiveMessage(id); err != nil {
			return err
		}
	}
	b.cache.Flush()
	return nil
}

// ArchiveOld archives every message in swarmID created at least maxAge
// ago, compared at one-second resolution.
func (b *Board) ArchiveOld(swarmID string, maxAge time.Duration) (int, error) {
	n, err := b.store.ArchiveOldMessages(swarmID, maxAge)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		b.cache.Flush()
		log.Info(log.CatBlackboard, "archived old messages", "swarm", swarmID, "count", n)
	}
	return n, nil
}

// MarkRead records swarmID's reader as having seen ids.
func (b *Board) MarkRead(ids []int64, reader string) error {
	if err := b.store.MarkRead(ids, reader); err != nil {
		return err
	}
	b.cache.Flush() // unreadOnly reads change with every mark
	return nil
}

func cacheKey(swarmID string, f storage.BlackboardFilter) string {
	since := ""
	if f.Since != nil {
		since = f.Since.Format(time.RFC3339Nano)
	}
	return fmt.Sprintf("%s|%s|%s|%v|%s|%d|%s", swarmID, f.Type, f.MinPriority, f.UnreadOnly, f.ReaderHandle, f.Limit, since)
}
