package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/wispchat/backend/internal/fcm"
)

// TokenSource looks up the push tokens registered for an identity.
type TokenSource interface {
	DeviceTokens(ctx context.Context, identity string) ([]string, error)
}

// PushRelay bridges the change feed to Firebase push: newly created units
// produce a push notification for every identity in the event audience.
type PushRelay struct {
	feed   *ChangeFeed
	client *fcm.Client
	tokens TokenSource
	logger *zap.Logger
	sub    *Subscription
}

func NewPushRelay(feed *ChangeFeed, client *fcm.Client, tokens TokenSource, logger *zap.Logger) *PushRelay {
	return &PushRelay{
		feed:   feed,
		client: client,
		tokens: tokens,
		logger: logger,
	}
}

// Start begins relaying created events. No-op when no FCM client is
// configured.
func (r *PushRelay) Start(ctx context.Context) {
	if r.client == nil {
		return
	}
	r.sub = r.feed.Subscribe("", func(e Event) bool { return e.Type == EventCreated }, func(e Event) {
		r.deliver(ctx, e)
	})
}

// Stop cancels the relay's subscription.
func (r *PushRelay) Stop() {
	if r.sub != nil {
		r.sub.Cancel()
	}
}

func (r *PushRelay) deliver(ctx context.Context, e Event) {
	title := "New message"
	if e.Collection == "snaps" {
		title = "New snap"
	}

	for _, identity := range e.Audience {
		tokens, err := r.tokens.DeviceTokens(ctx, identity)
		if err != nil {
			r.logger.Warn("failed to look up device tokens",
				zap.String("identity", identity), zap.Error(err))
			continue
		}
		for _, token := range tokens {
			_ = r.client.Send(ctx, token, title, "Open the app to view it before it disappears", map[string]string{
				"collection": e.Collection,
				"id":         e.ID,
			})
		}
	}
}
