package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// StoryWindow is the fixed lifetime of a broadcast story, counted from
// creation. It is not extendable.
const StoryWindow = 24 * time.Hour

// DefaultSnapMaxViews is the view cap for a standard snap.
const DefaultSnapMaxViews = 1

// Snap is a single-view or count-limited media unit addressed to an explicit
// recipient set, or broadcast to all viewers for 24 hours when IsStory is set.
type Snap struct {
	EphemeralUnit
	MediaLocator string  `json:"media_locator"`
	Caption      *string `json:"caption,omitempty"`
	IsStory      bool    `json:"is_story,omitempty"`
}

type CreateSnapParams struct {
	OwnerID             string
	Recipients          []string
	Caption             *string
	IsStory             bool
	MaxViews            int
	ViewDurationSeconds int
}

// NewSnap builds a snap from params. A story ignores recipients, has no view
// cap and expires exactly StoryWindow after creation. A standard snap
// defaults to a single view.
func NewSnap(params CreateSnapParams, mediaLocator string, now time.Time) *Snap {
	s := &Snap{
		EphemeralUnit: EphemeralUnit{
			ID:                  uuid.New(),
			OwnerID:             params.OwnerID,
			CreatedAt:           now,
			ViewDurationSeconds: params.ViewDurationSeconds,
		},
		MediaLocator: mediaLocator,
		Caption:      params.Caption,
		IsStory:      params.IsStory,
	}

	if params.IsStory {
		s.IsBroadcast = true
		exp := now.Add(StoryWindow)
		s.ExpiresAt = &exp
		return s
	}

	s.Recipients = append([]string(nil), params.Recipients...)
	s.MaxViews = params.MaxViews
	if s.MaxViews <= 0 {
		s.MaxViews = DefaultSnapMaxViews
	}
	return s
}

// SnapStore is the durable-store face for snaps. ApplySnapView is a
// compare-and-set on view_count: it fails with ErrConflictRetryable when the
// stored count no longer matches prevViewCount.
type SnapStore interface {
	CreateSnap(ctx context.Context, s *Snap) error
	GetSnap(ctx context.Context, id uuid.UUID) (*Snap, error)
	UpdateSnap(ctx context.Context, id uuid.UUID, delta FieldDelta) error
	ApplySnapView(ctx context.Context, id uuid.UUID, prevViewCount int, delta FieldDelta) error
	DeleteSnap(ctx context.Context, id uuid.UUID) error
	SnapsForRecipient(ctx context.Context, identity string) ([]*Snap, error)
	ActiveStories(ctx context.Context, now time.Time) ([]*Snap, error)
	SnapSweepCandidates(ctx context.Context, now time.Time) ([]*Snap, error)
}
