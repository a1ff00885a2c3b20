package cache

import (
	"sort"
	"sync"

	"github.com/vinayprograms/overbot/gateway"
)

// DefaultMessageCacheSize is the per-channel message retention cap.
const DefaultMessageCacheSize = 128

// ResourceType selects which gateway resources the cache tracks.
type ResourceType uint8

const (
	// ResourceMessage caches message snapshots per channel.
	ResourceMessage ResourceType = 1 << iota
	// ResourceChannel drops a channel's messages when the channel or
	// thread is deleted.
	ResourceChannel
)

// Has reports whether r includes other.
func (r ResourceType) Has(other ResourceType) bool {
	return r&other == other
}

// Config configures the cache.
type Config struct {
	// MessageCacheSize caps messages kept per channel. <= 0 means
	// DefaultMessageCacheSize.
	MessageCacheSize int

	// ResourceTypes to track. Zero means ResourceMessage.
	ResourceTypes ResourceType

	// Index mirrors cached messages for full-text search. Optional.
	Index *Index
}

// Stats is a point-in-time view of cache activity.
type Stats struct {
	Channels    int    `json:"channels"`
	Messages    int    `json:"messages"`
	Applied     uint64 `json:"applied"`
	Ignored     uint64 `json:"ignored"`
	Evictions   uint64 `json:"evictions"`
	IndexErrors uint64 `json:"index_errors"`
}

// Cache is the in-memory entity cache shared by every shard loop. It keeps
// the most recent messages of each channel, oldest first, evicting the
// oldest when a channel reaches its cap. Safe for concurrent use.
type Cache struct {
	size      int
	resources ResourceType
	index     *Index

	mu       sync.RWMutex
	channels map[string][]gateway.Message
	stats    Stats
}

// New creates an empty cache.
func New(cfg Config) *Cache {
	if cfg.MessageCacheSize <= 0 {
		cfg.MessageCacheSize = DefaultMessageCacheSize
	}
	if cfg.ResourceTypes == 0 {
		cfg.ResourceTypes = ResourceMessage
	}
	return &Cache{
		size:      cfg.MessageCacheSize,
		resources: cfg.ResourceTypes,
		index:     cfg.Index,
		channels:  make(map[string][]gateway.Message),
	}
}

// Apply folds one inbound event into the cache. Event types the cache does
// not track, and payloads that failed to decode, leave it unchanged.
func (c *Cache) Apply(ev *gateway.Event) {
	if ev == nil || ev.Kind != gateway.KindDispatch {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	applied := false
	switch {
	case ev.Message != nil && c.resources.Has(ResourceMessage):
		c.push(ev.Message.Clone())
		applied = true
	case ev.MessageUpdate != nil && c.resources.Has(ResourceMessage):
		applied = c.update(ev.MessageUpdate)
	case ev.MessageDelete != nil && c.resources.Has(ResourceMessage):
		applied = c.remove(ev.MessageDelete.ChannelID, ev.MessageDelete.ID)
	case ev.BulkDelete != nil && c.resources.Has(ResourceMessage):
		for _, id := range ev.BulkDelete.IDs {
			if c.remove(ev.BulkDelete.ChannelID, id) {
				applied = true
			}
		}
	case ev.Channel != nil && c.resources.Has(ResourceChannel):
		applied = c.dropScope(ev.Channel.ID)
	}

	if applied {
		c.stats.Applied++
	} else {
		c.stats.Ignored++
	}
}

// push appends m to its channel, evicting the oldest message at the cap.
// Caller holds c.mu.
func (c *Cache) push(m gateway.Message) {
	msgs := c.channels[m.ChannelID]

	// A repeated create replaces the existing snapshot in place.
	for i := range msgs {
		if msgs[i].ID == m.ID {
			msgs[i] = m
			c.indexPut(m)
			return
		}
	}

	if len(msgs) >= c.size {
		evicted := msgs[0]
		copy(msgs, msgs[1:])
		msgs = msgs[:len(msgs)-1]
		c.stats.Evictions++
		c.indexRemove(evicted.ChannelID, evicted.ID)
	}
	c.channels[m.ChannelID] = append(msgs, m)
	c.indexPut(m)
}

// update patches a cached message. Caller holds c.mu.
func (c *Cache) update(u *gateway.MessageUpdate) bool {
	msgs := c.channels[u.ChannelID]
	for i := range msgs {
		if msgs[i].ID != u.ID {
			continue
		}
		m := &msgs[i]
		if u.Content != nil {
			m.Content = *u.Content
		}
		if u.EditedTimestamp != nil {
			ts := *u.EditedTimestamp
			m.EditedTimestamp = &ts
		}
		if u.Embeds != nil {
			m.Embeds = gateway.Message{Embeds: *u.Embeds}.Clone().Embeds
		}
		c.indexPut(*m)
		return true
	}
	return false
}

// remove deletes one message. Caller holds c.mu.
func (c *Cache) remove(channelID, id string) bool {
	msgs := c.channels[channelID]
	for i := range msgs {
		if msgs[i].ID != id {
			continue
		}
		msgs = append(msgs[:i], msgs[i+1:]...)
		if len(msgs) == 0 {
			delete(c.channels, channelID)
		} else {
			c.channels[channelID] = msgs
		}
		c.indexRemove(channelID, id)
		return true
	}
	return false
}

// dropScope forgets a channel. Caller holds c.mu.
func (c *Cache) dropScope(channelID string) bool {
	msgs, ok := c.channels[channelID]
	if !ok {
		return false
	}
	delete(c.channels, channelID)
	if c.index != nil {
		ids := make([]string, len(msgs))
		for i, m := range msgs {
			ids[i] = m.ID
		}
		if err := c.index.removeAll(channelID, ids); err != nil {
			c.stats.IndexErrors++
		}
	}
	return true
}

func (c *Cache) indexPut(m gateway.Message) {
	if c.index == nil {
		return
	}
	if err := c.index.put(m); err != nil {
		c.stats.IndexErrors++
	}
}

func (c *Cache) indexRemove(channelID, id string) {
	if c.index == nil {
		return
	}
	if err := c.index.removeAll(channelID, []string{id}); err != nil {
		c.stats.IndexErrors++
	}
}

// Messages returns a copy of a channel's cached messages, oldest first.
// Unknown channels yield an empty slice.
func (c *Cache) Messages(channelID string) []gateway.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	msgs := c.channels[channelID]
	out := make([]gateway.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// Message returns one cached message.
func (c *Cache) Message(channelID, id string) (gateway.Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, m := range c.channels[channelID] {
		if m.ID == id {
			return m.Clone(), true
		}
	}
	return gateway.Message{}, false
}

// Channels returns the ids of channels with cached messages, sorted.
func (c *Cache) Channels() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.channels))
	for id := range c.channels {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stats returns current counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := c.stats
	s.Channels = len(c.channels)
	for _, msgs := range c.channels {
		s.Messages += len(msgs)
	}
	return s
}

// Index returns the search index, or nil when search is disabled.
func (c *Cache) Index() *Index {
	return c.index
}

// Capacity returns the per-channel cap.
func (c *Cache) Capacity() int {
	return c.size
}
