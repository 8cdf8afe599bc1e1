package domain

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wispchat/backend/internal/notify"
	"github.com/wispchat/backend/internal/storage"
	"github.com/wispchat/backend/pkg/validator"
)

type MessageService struct {
	messages      MessageStore
	conversations ConversationStore
	blobs         storage.FileStorage
	feed          *notify.ChangeFeed
	clock         Clock
	viewSeconds   int
	logger        *zap.Logger
}

func NewMessageService(messages MessageStore, conversations ConversationStore, blobs storage.FileStorage, feed *notify.ChangeFeed, clock Clock, viewSeconds int, logger *zap.Logger) *MessageService {
	return &MessageService{
		messages:      messages,
		conversations: conversations,
		blobs:         blobs,
		feed:          feed,
		clock:         clock,
		viewSeconds:   viewSeconds,
		logger:        logger,
	}
}

type SendMessageParams struct {
	ConversationID uuid.UUID
	SenderID       string
	ReceiverID     string
	Content        string
	Kind           MessageKind
	// Media is read and uploaded to the blob store for media kinds; the
	// resulting locator becomes the message content.
	Media       io.Reader
	Filename    string
	ContentType string
}

// SendMessage validates the addressing against the conversation, uploads
// media if the kind carries any, persists the message in the sent state and
// notifies the receiver.
func (s *MessageService) SendMessage(ctx context.Context, params SendMessageParams) (*Message, error) {
	if !validator.ValidIdentity(params.SenderID) || !validator.ValidIdentity(params.ReceiverID) {
		return nil, fmt.Errorf("%w: invalid identity", ErrValidation)
	}
	if params.SenderID == params.ReceiverID {
		return nil, fmt.Errorf("%w: cannot message yourself", ErrValidation)
	}
	if !params.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown message kind %q", ErrValidation, params.Kind)
	}

	conv, err := s.conversations.GetConversation(ctx, params.ConversationID)
	if err != nil {
		return nil, storeErr("get conversation", err)
	}
	if !conv.HasParticipant(params.SenderID) || !conv.HasParticipant(params.ReceiverID) {
		return nil, ErrPermissionDenied
	}

	content := params.Content
	if params.Kind.IsMedia() {
		if params.Media == nil {
			return nil, fmt.Errorf("%w: media message without media", ErrValidation)
		}
		locator, err := s.blobs.SaveFile(ctx, params.Media, params.Filename, params.ContentType)
		if err != nil {
			return nil, fmt.Errorf("%w: blob upload: %v", ErrCollaboratorUnavailable, err)
		}
		content = locator
	} else if !validator.ValidMessageContent(content) {
		return nil, fmt.Errorf("%w: empty or oversized content", ErrValidation)
	}

	now := s.clock.Now()
	msg := NewMessage(conv.ID, params.SenderID, params.ReceiverID, content, params.Kind, s.viewSeconds, now)

	if err := s.messages.CreateMessage(ctx, msg); err != nil {
		if params.Kind.IsMedia() {
			if delErr := s.blobs.DeleteFile(ctx, content); delErr != nil {
				s.logger.Warn("orphan blob left after failed message create",
					zap.String("locator", content), zap.Error(delErr))
			}
		}
		return nil, fmt.Errorf("%w: persist message: %v", ErrCollaboratorUnavailable, err)
	}

	if err := s.conversations.UpdateConversation(ctx, conv.ID, FieldDelta{FieldLastActivityAt: now}); err != nil {
		s.logger.Warn("failed to bump conversation activity",
			zap.String("conversation_id", conv.ID.String()), zap.Error(err))
	}

	s.feed.Publish(notify.Event{
		Collection: CollectionMessages,
		Type:       notify.EventCreated,
		ID:         msg.ID.String(),
		Audience:   []string{msg.ReceiverID},
		Payload:    msg,
	})

	return msg, nil
}

// MarkDelivered moves the message from sent to delivered. Receiver only.
// Already-delivered or viewed messages are an idempotent no-op.
func (s *MessageService) MarkDelivered(ctx context.Context, id uuid.UUID, identity string) (*Message, error) {
	msg, err := s.messages.GetMessage(ctx, id)
	if err != nil {
		return nil, storeErr("get message", err)
	}
	if msg.ReceiverID != identity {
		return nil, ErrPermissionDenied
	}

	changed, delta := msg.MarkDelivered()
	if !changed {
		return msg, nil
	}
	if err := s.messages.UpdateMessage(ctx, id, delta); err != nil {
		return nil, storeErr("update message status", err)
	}

	s.publishUpdate(msg)
	return msg, nil
}

// ViewMessage records a completed view by identity, driving both the
// ephemeral unit and the status machine. A lost store race surfaces as
// ErrConflictRetryable so the caller can retry against fresh state.
func (s *MessageService) ViewMessage(ctx context.Context, id uuid.UUID, identity string) (*Message, error) {
	if !validator.ValidIdentity(identity) {
		return nil, fmt.Errorf("%w: invalid identity", ErrValidation)
	}

	msg, err := s.messages.GetMessage(ctx, id)
	if err != nil {
		return nil, storeErr("get message", err)
	}

	now := s.clock.Now()
	ok, delta := msg.View(identity, now)
	if !ok {
		if msg.HasExpired(now) {
			return nil, ErrAlreadyExpired
		}
		return nil, ErrPermissionDenied
	}
	if delta == nil {
		return msg, nil
	}

	prev := delta[FieldViewCount].(int) - 1
	if err := s.messages.ApplyMessageView(ctx, id, prev, delta); err != nil {
		return nil, storeErr("apply message view", err)
	}

	s.publishUpdate(msg)
	return msg, nil
}

func (s *MessageService) publishUpdate(msg *Message) {
	s.feed.Publish(notify.Event{
		Collection: CollectionMessages,
		Type:       notify.EventUpdated,
		ID:         msg.ID.String(),
		Audience:   []string{msg.SenderID, msg.ReceiverID},
		Payload:    msg,
	})
}
