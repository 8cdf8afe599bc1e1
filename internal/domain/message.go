package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type MessageKind string

const (
	MessageKindText  MessageKind = "text"
	MessageKindImage MessageKind = "image"
	MessageKindVideo MessageKind = "video"
	MessageKindAudio MessageKind = "audio"
)

// IsMedia reports whether the kind carries a blob locator as its content.
func (k MessageKind) IsMedia() bool {
	return k == MessageKindImage || k == MessageKindVideo || k == MessageKindAudio
}

func (k MessageKind) Valid() bool {
	switch k {
	case MessageKindText, MessageKindImage, MessageKindVideo, MessageKindAudio:
		return true
	}
	return false
}

type MessageStatus string

const (
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusViewed    MessageStatus = "viewed"
	MessageStatusExpired   MessageStatus = "expired"
)

// Message is an ephemeral chat unit inside a conversation. Its status walks
// sent -> delivered -> viewed, with expired reachable from any non-terminal
// state via the cleanup sweep; expired is terminal.
type Message struct {
	EphemeralUnit
	ConversationID uuid.UUID     `json:"conversation_id"`
	SenderID       string        `json:"sender_id"`
	ReceiverID     string        `json:"receiver_id"`
	Content        string        `json:"content"`
	Kind           MessageKind   `json:"kind"`
	Status         MessageStatus `json:"status"`
	ViewedAt       *time.Time    `json:"viewed_at,omitempty"`
}

type CreateMessageParams struct {
	ConversationID      string
	SenderID            string
	ReceiverID          string
	Content             string
	Kind                MessageKind
	ViewDurationSeconds int
}

// NewMessage builds a message in the sent state, addressed to its receiver
// as the single recipient with a single-view cap.
func NewMessage(conversationID uuid.UUID, senderID, receiverID, content string, kind MessageKind, viewDurationSeconds int, now time.Time) *Message {
	return &Message{
		EphemeralUnit: EphemeralUnit{
			ID:                  uuid.New(),
			OwnerID:             senderID,
			Recipients:          []string{receiverID},
			CreatedAt:           now,
			MaxViews:            DefaultSnapMaxViews,
			ViewDurationSeconds: viewDurationSeconds,
		},
		ConversationID: conversationID,
		SenderID:       senderID,
		ReceiverID:     receiverID,
		Content:        content,
		Kind:           kind,
		Status:         MessageStatusSent,
	}
}

// MarkDelivered moves sent -> delivered. Calling it in any later state is an
// idempotent no-op returning false with a nil delta.
func (m *Message) MarkDelivered() (bool, FieldDelta) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Status != MessageStatusSent {
		return false, nil
	}
	m.Status = MessageStatusDelivered
	return true, FieldDelta{FieldStatus: m.Status}
}

// View records a completed view by identity and, if the view was newly
// counted, moves the status to viewed and stamps ViewedAt. It returns the
// combined field delta of the unit and the status machine.
func (m *Message) View(identity string, at time.Time) (bool, FieldDelta) {
	ok, delta := m.MarkAsViewed(identity, at)
	if !ok || delta == nil {
		return ok, nil
	}

	m.mu.Lock()
	if m.Status != MessageStatusExpired {
		m.Status = MessageStatusViewed
		m.ViewedAt = &at
		delta[FieldStatus] = m.Status
		delta[FieldViewedAt] = at
	}
	m.mu.Unlock()

	return true, delta
}

// Expire moves the message to the terminal expired state. Only the cleanup
// sweep calls this. Returns false if already expired.
func (m *Message) Expire() (bool, FieldDelta) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Status == MessageStatusExpired {
		return false, nil
	}
	m.Status = MessageStatusExpired
	return true, FieldDelta{FieldStatus: m.Status}
}

// MessageStore is the durable-store face for messages. ApplyMessageView is a
// compare-and-set on view_count, failing with ErrConflictRetryable when the
// stored count moved underneath the caller.
type MessageStore interface {
	CreateMessage(ctx context.Context, m *Message) error
	GetMessage(ctx context.Context, id uuid.UUID) (*Message, error)
	UpdateMessage(ctx context.Context, id uuid.UUID, delta FieldDelta) error
	ApplyMessageView(ctx context.Context, id uuid.UUID, prevViewCount int, delta FieldDelta) error
	DeleteMessage(ctx context.Context, id uuid.UUID) error
	MessagesByConversation(ctx context.Context, conversationID uuid.UUID) ([]*Message, error)
	MessagesBySender(ctx context.Context, senderID string) ([]*Message, error)
	MessageSweepCandidates(ctx context.Context, now time.Time) ([]*Message, error)
}
