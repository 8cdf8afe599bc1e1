package domain

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wispchat/backend/internal/notify"
	"github.com/wispchat/backend/internal/storage"
	"github.com/wispchat/backend/pkg/validator"
)

type ConversationService struct {
	store    ConversationStore
	messages MessageStore
	blobs    storage.FileStorage
	feed     *notify.ChangeFeed
	clock    Clock
	logger   *zap.Logger
}

func NewConversationService(store ConversationStore, messages MessageStore, blobs storage.FileStorage, feed *notify.ChangeFeed, clock Clock, logger *zap.Logger) *ConversationService {
	return &ConversationService{
		store:    store,
		messages: messages,
		blobs:    blobs,
		feed:     feed,
		clock:    clock,
		logger:   logger,
	}
}

// CreateConversation starts a conversation between the given participants.
func (s *ConversationService) CreateConversation(ctx context.Context, participants []string) (*Conversation, error) {
	if len(participants) == 0 {
		return nil, fmt.Errorf("%w: a conversation needs at least one participant", ErrValidation)
	}
	seen := make(map[string]struct{}, len(participants))
	for _, p := range participants {
		if !validator.ValidIdentity(p) {
			return nil, fmt.Errorf("%w: invalid participant identity %q", ErrValidation, p)
		}
		if _, dup := seen[p]; dup {
			return nil, fmt.Errorf("%w: duplicate participant %q", ErrValidation, p)
		}
		seen[p] = struct{}{}
	}

	conv := NewConversation(participants, s.clock.Now())
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("%w: persist conversation: %v", ErrCollaboratorUnavailable, err)
	}

	s.feed.Publish(notify.Event{
		Collection: CollectionConversations,
		Type:       notify.EventCreated,
		ID:         conv.ID.String(),
		Audience:   conv.Participants,
		Payload:    conv,
	})

	return conv, nil
}

// GetConversation returns the hydrated aggregate. Participants only.
func (s *ConversationService) GetConversation(ctx context.Context, id uuid.UUID, identity string) (*Conversation, error) {
	conv, err := s.loadAggregate(ctx, id)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(identity) {
		return nil, ErrPermissionDenied
	}
	return conv, nil
}

// ListConversations returns every conversation identity takes part in.
func (s *ConversationService) ListConversations(ctx context.Context, identity string) ([]*Conversation, error) {
	convs, err := s.store.ConversationsForParticipant(ctx, identity)
	if err != nil {
		return nil, storeErr("conversations for participant", err)
	}
	return convs, nil
}

// Messages returns the conversation's messages ordered by time.
func (s *ConversationService) Messages(ctx context.Context, id uuid.UUID, identity string, ascending bool) ([]*Message, error) {
	conv, err := s.GetConversation(ctx, id, identity)
	if err != nil {
		return nil, err
	}
	return conv.UnitsOrderedByTime(ascending), nil
}

// UnreadFor returns the messages addressed to identity with no recorded view.
func (s *ConversationService) UnreadFor(ctx context.Context, id uuid.UUID, identity string) ([]*Message, error) {
	conv, err := s.GetConversation(ctx, id, identity)
	if err != nil {
		return nil, err
	}
	return conv.UnreadUnitsFor(identity), nil
}

// MarkAllAsRead views every unread message addressed to identity. Messages
// that expired between filtering and viewing, or whose persisted view lost a
// race, are skipped without aborting the batch. Returns how many views were
// recorded durably.
func (s *ConversationService) MarkAllAsRead(ctx context.Context, id uuid.UUID, identity string) (int, error) {
	conv, err := s.GetConversation(ctx, id, identity)
	if err != nil {
		return 0, err
	}

	persisted := 0
	for msg, delta := range conv.MarkAllAsReadFor(identity, s.clock.Now()) {
		prev := delta[FieldViewCount].(int) - 1
		if err := s.messages.ApplyMessageView(ctx, msg.ID, prev, delta); err != nil {
			s.logger.Warn("mark-all-read skipped a message",
				zap.String("message_id", msg.ID.String()), zap.Error(err))
			continue
		}
		persisted++
		s.feed.Publish(notify.Event{
			Collection: CollectionMessages,
			Type:       notify.EventUpdated,
			ID:         msg.ID.String(),
			Audience:   []string{msg.SenderID, msg.ReceiverID},
			Payload:    msg,
		})
	}
	return persisted, nil
}

// CleanupExpired sweeps one conversation, removing every message whose
// ShouldAutoDelete holds, and returns the number removed. Idempotent; a
// message already removed by a concurrent sweep counts as already gone.
func (s *ConversationService) CleanupExpired(ctx context.Context, id uuid.UUID) (int, error) {
	conv, err := s.loadAggregate(ctx, id)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, msg := range conv.CleanupExpired(s.clock.Now()) {
		msg.Expire()
		if err := s.removeMessage(ctx, msg); err != nil {
			s.logger.Warn("conversation sweep removal failed",
				zap.String("message_id", msg.ID.String()), zap.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}

// SweepAll runs CleanupExpired over every active conversation and returns
// the total number of removed messages. Each invocation re-evaluates state
// from scratch, so it is safe to cancel and reschedule freely.
func (s *ConversationService) SweepAll(ctx context.Context) (int, error) {
	ids, err := s.store.ActiveConversationIDs(ctx)
	if err != nil {
		return 0, storeErr("active conversation ids", err)
	}

	total := 0
	for _, id := range ids {
		n, err := s.CleanupExpired(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			s.logger.Warn("sweep failed for conversation",
				zap.String("conversation_id", id.String()), zap.Error(err))
			continue
		}
		total += n
	}
	return total, nil
}

func (s *ConversationService) removeMessage(ctx context.Context, msg *Message) error {
	if err := s.messages.DeleteMessage(ctx, msg.ID); err != nil {
		if errors.Is(err, ErrNotFound) {
			// Another sweep got there first.
			return nil
		}
		return storeErr("delete message", err)
	}
	if msg.Kind.IsMedia() {
		if err := s.blobs.DeleteFile(ctx, msg.Content); err != nil {
			s.logger.Warn("failed to delete message media",
				zap.String("locator", msg.Content), zap.Error(err))
		}
	}

	s.feed.Publish(notify.Event{
		Collection: CollectionMessages,
		Type:       notify.EventDeleted,
		ID:         msg.ID.String(),
		Audience:   []string{msg.SenderID, msg.ReceiverID},
	})
	return nil
}

func (s *ConversationService) loadAggregate(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return nil, storeErr("get conversation", err)
	}
	msgs, err := s.messages.MessagesByConversation(ctx, id)
	if err != nil {
		return nil, storeErr("messages by conversation", err)
	}
	conv.SetUnits(msgs)
	return conv, nil
}
