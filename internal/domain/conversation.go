package domain

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Conversation is an ordered collection of messages between its participants.
// It owns its messages exclusively and is the locking granule for structural
// changes; different conversations proceed fully in parallel.
type Conversation struct {
	ID             uuid.UUID `json:"id"`
	Participants   []string  `json:"participants"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	IsActive       bool      `json:"is_active"`

	mu       sync.Mutex
	units    []*Message
	lastUnit *Message
}

// NewConversation builds an active conversation. Participants must be
// non-empty; the caller validates identities.
func NewConversation(participants []string, now time.Time) *Conversation {
	return &Conversation{
		ID:             uuid.New(),
		Participants:   append([]string(nil), participants...),
		CreatedAt:      now,
		LastActivityAt: now,
		IsActive:       true,
	}
}

// HasParticipant reports whether identity takes part in the conversation.
func (c *Conversation) HasParticipant(identity string) bool {
	return containsIdentity(c.Participants, identity)
}

// SetUnits replaces the in-memory collection, used when rebuilding the
// aggregate from the durable store. Insertion order is kept as given.
func (c *Conversation) SetUnits(units []*Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.units = append([]*Message(nil), units...)
	c.lastUnit = latestUnit(c.units)
}

// AddUnit appends a message and refreshes LastUnit and LastActivityAt.
func (c *Conversation) AddUnit(m *Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.units = append(c.units, m)
	if c.lastUnit == nil || !m.CreatedAt.Before(c.lastUnit.CreatedAt) {
		c.lastUnit = m
	}
	if m.CreatedAt.After(c.LastActivityAt) {
		c.LastActivityAt = m.CreatedAt
	}
}

// RemoveUnit removes the message with the given id and returns it, or nil if
// absent. When the removed message was LastUnit, the chronologically latest
// remaining message takes its place.
func (c *Conversation) RemoveUnit(id uuid.UUID) *Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, m := range c.units {
		if m.ID == id {
			c.units = append(c.units[:i], c.units[i+1:]...)
			if c.lastUnit != nil && c.lastUnit.ID == id {
				c.lastUnit = latestUnit(c.units)
			}
			return m
		}
	}
	return nil
}

// LastUnit returns the most recent message, or nil for an empty conversation.
func (c *Conversation) LastUnit() *Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUnit
}

// Len returns the number of messages currently held.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.units)
}

// UnitsOrderedByTime returns a sorted copy of the messages. The stored
// collection is not mutated. Equal timestamps keep their insertion order, so
// repeated calls over the same snapshot see the same sequence.
func (c *Conversation) UnitsOrderedByTime(ascending bool) []*Message {
	c.mu.Lock()
	out := append([]*Message(nil), c.units...)
	c.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if ascending {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[j].CreatedAt.Before(out[i].CreatedAt)
	})
	return out
}

// UnreadUnitsFor returns the messages addressed to identity that identity has
// not yet viewed.
func (c *Conversation) UnreadUnitsFor(identity string) []*Message {
	c.mu.Lock()
	snapshot := append([]*Message(nil), c.units...)
	c.mu.Unlock()

	var out []*Message
	for _, m := range snapshot {
		if m.ReceiverID == identity && !m.HasViewed(identity) {
			out = append(out, m)
		}
	}
	return out
}

// MarkAllAsReadFor views every unread message addressed to identity. A
// message that cannot be viewed anymore (expired between filtering and
// viewing) is skipped, it does not abort the batch. Returns the messages
// whose state actually changed together with their deltas.
func (c *Conversation) MarkAllAsReadFor(identity string, now time.Time) map[*Message]FieldDelta {
	viewed := make(map[*Message]FieldDelta)
	for _, m := range c.UnreadUnitsFor(identity) {
		if ok, delta := m.View(identity, now); ok && delta != nil {
			viewed[m] = delta
		}
	}
	return viewed
}

// CleanupExpired removes every message whose ShouldAutoDelete holds and
// returns them so the caller can finish their removal (store delete, blob
// delete, change events). LastUnit is recomputed.
func (c *Conversation) CleanupExpired(now time.Time) []*Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	var removed []*Message
	kept := c.units[:0]
	for _, m := range c.units {
		if m.ShouldAutoDelete(now) {
			removed = append(removed, m)
			continue
		}
		kept = append(kept, m)
	}
	if len(removed) > 0 {
		c.units = kept
		c.lastUnit = latestUnit(c.units)
	}
	return removed
}

// latestUnit picks the chronologically latest message, preferring the later
// insertion on equal timestamps. Caller holds the conversation lock. CreatedAt
// is set once at construction, so the unit lock is not needed here.
func latestUnit(units []*Message) *Message {
	var last *Message
	for _, m := range units {
		if last == nil || !m.CreatedAt.Before(last.CreatedAt) {
			last = m
		}
	}
	return last
}

// ConversationStore is the durable-store face for conversation metadata.
// Messages travel through MessageStore; the aggregate is rebuilt from both.
type ConversationStore interface {
	CreateConversation(ctx context.Context, c *Conversation) error
	GetConversation(ctx context.Context, id uuid.UUID) (*Conversation, error)
	UpdateConversation(ctx context.Context, id uuid.UUID, delta FieldDelta) error
	DeleteConversation(ctx context.Context, id uuid.UUID) error
	ConversationsForParticipant(ctx context.Context, identity string) ([]*Conversation, error)
	ActiveConversationIDs(ctx context.Context) ([]uuid.UUID, error)
}
