package domain

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wispchat/backend/internal/notify"
)

type fakeMessageStore struct {
	messages   map[uuid.UUID]*Message
	createErr  error
	applyErr   error
	deleteErr  error
	applyCalls int
}

func newFakeMessageStore() *fakeMessageStore {
	return &fakeMessageStore{messages: make(map[uuid.UUID]*Message)}
}

func (f *fakeMessageStore) CreateMessage(ctx context.Context, m *Message) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.messages[m.ID] = m
	return nil
}

func (f *fakeMessageStore) GetMessage(ctx context.Context, id uuid.UUID) (*Message, error) {
	m, ok := f.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m, nil
}

func (f *fakeMessageStore) UpdateMessage(ctx context.Context, id uuid.UUID, delta FieldDelta) error {
	if _, ok := f.messages[id]; !ok {
		return ErrNotFound
	}
	return nil
}

func (f *fakeMessageStore) ApplyMessageView(ctx context.Context, id uuid.UUID, prevViewCount int, delta FieldDelta) error {
	f.applyCalls++
	if f.applyErr != nil {
		return f.applyErr
	}
	if _, ok := f.messages[id]; !ok {
		return ErrNotFound
	}
	return nil
}

func (f *fakeMessageStore) DeleteMessage(ctx context.Context, id uuid.UUID) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	if _, ok := f.messages[id]; !ok {
		return ErrNotFound
	}
	delete(f.messages, id)
	return nil
}

func (f *fakeMessageStore) MessagesByConversation(ctx context.Context, conversationID uuid.UUID) ([]*Message, error) {
	var out []*Message
	for _, m := range f.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeMessageStore) MessagesBySender(ctx context.Context, senderID string) ([]*Message, error) {
	var out []*Message
	for _, m := range f.messages {
		if m.SenderID == senderID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeMessageStore) MessageSweepCandidates(ctx context.Context, now time.Time) ([]*Message, error) {
	var out []*Message
	for _, m := range f.messages {
		if m.ShouldAutoDelete(now) {
			out = append(out, m)
		}
	}
	return out, nil
}

type fakeConversationStore struct {
	conversations map[uuid.UUID]*Conversation
	updateErr     error
	updateCalls   int
}

func newFakeConversationStore() *fakeConversationStore {
	return &fakeConversationStore{conversations: make(map[uuid.UUID]*Conversation)}
}

func (f *fakeConversationStore) CreateConversation(ctx context.Context, c *Conversation) error {
	f.conversations[c.ID] = c
	return nil
}

func (f *fakeConversationStore) GetConversation(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	c, ok := f.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

func (f *fakeConversationStore) UpdateConversation(ctx context.Context, id uuid.UUID, delta FieldDelta) error {
	f.updateCalls++
	if f.updateErr != nil {
		return f.updateErr
	}
	if _, ok := f.conversations[id]; !ok {
		return ErrNotFound
	}
	return nil
}

func (f *fakeConversationStore) DeleteConversation(ctx context.Context, id uuid.UUID) error {
	if _, ok := f.conversations[id]; !ok {
		return ErrNotFound
	}
	delete(f.conversations, id)
	return nil
}

func (f *fakeConversationStore) ConversationsForParticipant(ctx context.Context, identity string) ([]*Conversation, error) {
	var out []*Conversation
	for _, c := range f.conversations {
		if c.HasParticipant(identity) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeConversationStore) ActiveConversationIDs(ctx context.Context) ([]uuid.UUID, error) {
	var out []uuid.UUID
	for id, c := range f.conversations {
		if c.IsActive {
			out = append(out, id)
		}
	}
	return out, nil
}

func newMessageServiceForTest(t *testing.T) (*MessageService, *fakeMessageStore, *fakeConversationStore, *fakeBlobs, *fakeClock, *notify.ChangeFeed) {
	t.Helper()
	msgs := newFakeMessageStore()
	convs := newFakeConversationStore()
	blobs := &fakeBlobs{}
	clock := &fakeClock{now: time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)}
	feed := notify.NewChangeFeed(16, zap.NewNop())
	svc := NewMessageService(msgs, convs, blobs, feed, clock, 10, zap.NewNop())
	return svc, msgs, convs, blobs, clock, feed
}

func seedConversation(t *testing.T, convs *fakeConversationStore, participants ...string) *Conversation {
	t.Helper()
	c := NewConversation(participants, time.Date(2026, 1, 10, 11, 0, 0, 0, time.UTC))
	convs.conversations[c.ID] = c
	return c
}

func TestSendMessageText(t *testing.T) {
	svc, msgs, convs, _, clock, _ := newMessageServiceForTest(t)
	conv := seedConversation(t, convs, "alice", "bob")

	msg, err := svc.SendMessage(context.Background(), SendMessageParams{
		ConversationID: conv.ID,
		SenderID:       "alice",
		ReceiverID:     "bob",
		Content:        "see you at 8",
		Kind:           MessageKindText,
	})
	require.NoError(t, err)

	assert.Equal(t, MessageStatusSent, msg.Status)
	assert.Equal(t, clock.Now(), msg.CreatedAt)
	assert.Contains(t, msgs.messages, msg.ID)
	assert.Equal(t, 1, convs.updateCalls)
}

func TestSendMessageRejectsOutsiders(t *testing.T) {
	svc, _, convs, _, _, _ := newMessageServiceForTest(t)
	conv := seedConversation(t, convs, "alice", "bob")
	ctx := context.Background()

	_, err := svc.SendMessage(ctx, SendMessageParams{
		ConversationID: conv.ID,
		SenderID:       "carol",
		ReceiverID:     "bob",
		Content:        "hi",
		Kind:           MessageKindText,
	})
	assert.ErrorIs(t, err, ErrPermissionDenied)

	_, err = svc.SendMessage(ctx, SendMessageParams{
		ConversationID: conv.ID,
		SenderID:       "alice",
		ReceiverID:     "alice",
		Content:        "hi",
		Kind:           MessageKindText,
	})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.SendMessage(ctx, SendMessageParams{
		ConversationID: uuid.New(),
		SenderID:       "alice",
		ReceiverID:     "bob",
		Content:        "hi",
		Kind:           MessageKindText,
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSendMessageMediaUploadsBlob(t *testing.T) {
	svc, _, convs, blobs, _, _ := newMessageServiceForTest(t)
	conv := seedConversation(t, convs, "alice", "bob")

	msg, err := svc.SendMessage(context.Background(), SendMessageParams{
		ConversationID: conv.ID,
		SenderID:       "alice",
		ReceiverID:     "bob",
		Kind:           MessageKindImage,
		Media:          strings.NewReader("jpegbytes"),
		Filename:       "pic.jpg",
		ContentType:    "image/jpeg",
	})
	require.NoError(t, err)

	require.Len(t, blobs.saved, 1)
	assert.Equal(t, blobs.saved[0], msg.Content)
}

func TestSendMessageMediaRollsBackBlobOnPersistFailure(t *testing.T) {
	svc, msgs, convs, blobs, _, _ := newMessageServiceForTest(t)
	conv := seedConversation(t, convs, "alice", "bob")
	msgs.createErr = errors.New("db down")

	_, err := svc.SendMessage(context.Background(), SendMessageParams{
		ConversationID: conv.ID,
		SenderID:       "alice",
		ReceiverID:     "bob",
		Kind:           MessageKindImage,
		Media:          strings.NewReader("jpegbytes"),
		Filename:       "pic.jpg",
		ContentType:    "image/jpeg",
	})
	require.ErrorIs(t, err, ErrCollaboratorUnavailable)

	require.Len(t, blobs.deleted, 1)
	assert.Equal(t, blobs.saved[0], blobs.deleted[0])
}

func TestMarkDeliveredReceiverOnly(t *testing.T) {
	svc, msgs, convs, _, clock, _ := newMessageServiceForTest(t)
	conv := seedConversation(t, convs, "alice", "bob")
	ctx := context.Background()

	msg := NewMessage(conv.ID, "alice", "bob", "hi", MessageKindText, 10, clock.Now())
	msgs.messages[msg.ID] = msg

	_, err := svc.MarkDelivered(ctx, msg.ID, "alice")
	assert.ErrorIs(t, err, ErrPermissionDenied)

	out, err := svc.MarkDelivered(ctx, msg.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, MessageStatusDelivered, out.Status)

	// second receipt stays delivered without another store write
	out, err = svc.MarkDelivered(ctx, msg.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, MessageStatusDelivered, out.Status)
}

func TestViewMessageDrivesStatusMachine(t *testing.T) {
	svc, msgs, convs, _, clock, _ := newMessageServiceForTest(t)
	conv := seedConversation(t, convs, "alice", "bob")
	ctx := context.Background()

	msg := NewMessage(conv.ID, "alice", "bob", "hi", MessageKindText, 10, clock.Now())
	msgs.messages[msg.ID] = msg

	out, err := svc.ViewMessage(ctx, msg.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, MessageStatusViewed, out.Status)
	require.NotNil(t, out.ViewedAt)
	require.NotNil(t, out.ExpiresAt)
	assert.Equal(t, clock.Now().Add(10*time.Second), *out.ExpiresAt)

	clock.Advance(11 * time.Second)
	_, err = svc.ViewMessage(ctx, msg.ID, "bob")
	assert.ErrorIs(t, err, ErrAlreadyExpired)
}

func TestViewMessageSurfacesLostRace(t *testing.T) {
	svc, msgs, convs, _, clock, _ := newMessageServiceForTest(t)
	conv := seedConversation(t, convs, "alice", "bob")

	msg := NewMessage(conv.ID, "alice", "bob", "hi", MessageKindText, 10, clock.Now())
	msgs.messages[msg.ID] = msg
	msgs.applyErr = ErrConflictRetryable

	_, err := svc.ViewMessage(context.Background(), msg.ID, "bob")
	assert.ErrorIs(t, err, ErrConflictRetryable)
}
