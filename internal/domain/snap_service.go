package domain

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wispchat/backend/internal/notify"
	"github.com/wispchat/backend/internal/storage"
	"github.com/wispchat/backend/pkg/validator"
)

type SnapService struct {
	store  SnapStore
	blobs  storage.FileStorage
	feed   *notify.ChangeFeed
	clock  Clock
	logger *zap.Logger
}

func NewSnapService(store SnapStore, blobs storage.FileStorage, feed *notify.ChangeFeed, clock Clock, logger *zap.Logger) *SnapService {
	return &SnapService{
		store:  store,
		blobs:  blobs,
		feed:   feed,
		clock:  clock,
		logger: logger,
	}
}

// CreateSnap uploads the media bytes, persists the snap, and notifies the
// recipients. If persisting fails the uploaded blob is deleted again so no
// orphan remains.
func (s *SnapService) CreateSnap(ctx context.Context, params CreateSnapParams, file io.Reader, filename, contentType string) (*Snap, error) {
	if !validator.ValidIdentity(params.OwnerID) {
		return nil, fmt.Errorf("%w: invalid owner identity", ErrValidation)
	}
	if !params.IsStory && len(params.Recipients) == 0 {
		return nil, fmt.Errorf("%w: a snap needs at least one recipient", ErrValidation)
	}
	for _, r := range params.Recipients {
		if !validator.ValidIdentity(r) {
			return nil, fmt.Errorf("%w: invalid recipient identity %q", ErrValidation, r)
		}
	}
	if params.Caption != nil && !validator.ValidCaption(*params.Caption) {
		return nil, fmt.Errorf("%w: caption too long", ErrValidation)
	}

	locator, err := s.blobs.SaveFile(ctx, file, filename, contentType)
	if err != nil {
		return nil, fmt.Errorf("%w: blob upload: %v", ErrCollaboratorUnavailable, err)
	}

	snap := NewSnap(params, locator, s.clock.Now())

	if err := s.store.CreateSnap(ctx, snap); err != nil {
		if delErr := s.blobs.DeleteFile(ctx, locator); delErr != nil {
			s.logger.Warn("orphan blob left after failed snap create",
				zap.String("locator", locator), zap.Error(delErr))
		}
		return nil, fmt.Errorf("%w: persist snap: %v", ErrCollaboratorUnavailable, err)
	}

	s.feed.Publish(notify.Event{
		Collection: CollectionSnaps,
		Type:       notify.EventCreated,
		ID:         snap.ID.String(),
		Audience:   snap.Recipients,
		Payload:    snap,
	})

	return snap, nil
}

// ViewSnap records a completed view by identity. Permission and expiry
// failures come back as ErrPermissionDenied / ErrAlreadyExpired so callers
// can tell "you may not see this" from "try again later". A lost store race
// surfaces as ErrConflictRetryable.
func (s *SnapService) ViewSnap(ctx context.Context, id uuid.UUID, identity string) (*Snap, error) {
	if !validator.ValidIdentity(identity) {
		return nil, fmt.Errorf("%w: invalid identity", ErrValidation)
	}

	snap, err := s.store.GetSnap(ctx, id)
	if err != nil {
		return nil, storeErr("get snap", err)
	}

	now := s.clock.Now()
	ok, delta := snap.MarkAsViewed(identity, now)
	if !ok {
		if snap.HasExpired(now) {
			return nil, ErrAlreadyExpired
		}
		return nil, ErrPermissionDenied
	}
	if delta == nil {
		// Repeat view by the same identity: nothing changed.
		return snap, nil
	}

	prev := delta[FieldViewCount].(int) - 1
	if err := s.store.ApplySnapView(ctx, id, prev, delta); err != nil {
		return nil, storeErr("apply snap view", err)
	}

	s.feed.Publish(notify.Event{
		Collection: CollectionSnaps,
		Type:       notify.EventUpdated,
		ID:         snap.ID.String(),
		Audience:   append([]string{snap.OwnerID}, snap.Recipients...),
		Payload:    snap,
	})

	return snap, nil
}

// AddRecipient grants identity access to an existing snap. Owner only.
func (s *SnapService) AddRecipient(ctx context.Context, id uuid.UUID, owner, identity string) error {
	return s.mutateRecipients(ctx, id, owner, identity, true)
}

// RemoveRecipient revokes identity's access. Owner only.
func (s *SnapService) RemoveRecipient(ctx context.Context, id uuid.UUID, owner, identity string) error {
	return s.mutateRecipients(ctx, id, owner, identity, false)
}

func (s *SnapService) mutateRecipients(ctx context.Context, id uuid.UUID, owner, identity string, add bool) error {
	if !validator.ValidIdentity(identity) {
		return fmt.Errorf("%w: invalid identity", ErrValidation)
	}

	snap, err := s.store.GetSnap(ctx, id)
	if err != nil {
		return storeErr("get snap", err)
	}
	if snap.OwnerID != owner {
		return ErrPermissionDenied
	}
	changed := false
	if add {
		changed = snap.AddRecipient(identity)
	} else {
		changed = snap.RemoveRecipient(identity)
	}
	if !changed {
		// No-op mutations have nothing to persist.
		return nil
	}

	delta := FieldDelta{FieldRecipients: append([]string(nil), snap.Recipients...)}
	if err := s.store.UpdateSnap(ctx, id, delta); err != nil {
		return storeErr("update snap recipients", err)
	}

	s.feed.Publish(notify.Event{
		Collection: CollectionSnaps,
		Type:       notify.EventUpdated,
		ID:         snap.ID.String(),
		Audience:   append([]string{snap.OwnerID}, snap.Recipients...),
		Payload:    snap,
	})
	return nil
}

// DeleteSnap removes the snap and its media. Owner only. Removal is
// terminal; there is no undo.
func (s *SnapService) DeleteSnap(ctx context.Context, id uuid.UUID, identity string) error {
	snap, err := s.store.GetSnap(ctx, id)
	if err != nil {
		return storeErr("get snap", err)
	}
	if snap.OwnerID != identity {
		return ErrPermissionDenied
	}
	return s.removeSnap(ctx, snap)
}

// GetInbox returns the snaps addressed to identity that are still viewable
// candidates (not yet eligible for deletion).
func (s *SnapService) GetInbox(ctx context.Context, identity string) ([]*Snap, error) {
	snaps, err := s.store.SnapsForRecipient(ctx, identity)
	if err != nil {
		return nil, storeErr("snaps for recipient", err)
	}

	now := s.clock.Now()
	out := snaps[:0]
	for _, snap := range snaps {
		if !snap.ShouldAutoDelete(now) {
			out = append(out, snap)
		}
	}
	return out, nil
}

// GetStoryFeed returns every story still inside its 24 hour window.
func (s *SnapService) GetStoryFeed(ctx context.Context) ([]*Snap, error) {
	stories, err := s.store.ActiveStories(ctx, s.clock.Now())
	if err != nil {
		return nil, storeErr("active stories", err)
	}
	return stories, nil
}

// SweepExpired removes every snap whose ShouldAutoDelete holds and returns
// how many were removed. Safe to run concurrently with views and with other
// sweeps: a snap already removed by another pass counts as already gone.
func (s *SnapService) SweepExpired(ctx context.Context) (int, error) {
	now := s.clock.Now()
	candidates, err := s.store.SnapSweepCandidates(ctx, now)
	if err != nil {
		return 0, storeErr("snap sweep candidates", err)
	}

	removed := 0
	for _, snap := range candidates {
		if !snap.ShouldAutoDelete(now) {
			continue
		}
		if err := s.removeSnap(ctx, snap); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			s.logger.Warn("snap sweep removal failed",
				zap.String("snap_id", snap.ID.String()), zap.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}

func (s *SnapService) removeSnap(ctx context.Context, snap *Snap) error {
	if err := s.store.DeleteSnap(ctx, snap.ID); err != nil {
		return storeErr("delete snap", err)
	}
	if err := s.blobs.DeleteFile(ctx, snap.MediaLocator); err != nil {
		s.logger.Warn("failed to delete snap media",
			zap.String("locator", snap.MediaLocator), zap.Error(err))
	}

	s.feed.Publish(notify.Event{
		Collection: CollectionSnaps,
		Type:       notify.EventDeleted,
		ID:         snap.ID.String(),
		Audience:   append([]string{snap.OwnerID}, snap.Recipients...),
	})
	return nil
}

// storeErr keeps domain sentinels intact and wraps everything else as a
// collaborator failure.
func storeErr(op string, err error) error {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflictRetryable) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrCollaboratorUnavailable, op, err)
}
