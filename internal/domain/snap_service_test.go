package domain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wispchat/backend/internal/notify"
)

// fakeClock serves a fixed instant that tests can advance.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type fakeSnapStore struct {
	snaps      map[uuid.UUID]*Snap
	createErr  error
	applyErr   error
	applyCalls int
}

func newFakeSnapStore() *fakeSnapStore {
	return &fakeSnapStore{snaps: make(map[uuid.UUID]*Snap)}
}

func (f *fakeSnapStore) CreateSnap(ctx context.Context, s *Snap) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.snaps[s.ID] = s
	return nil
}

func (f *fakeSnapStore) GetSnap(ctx context.Context, id uuid.UUID) (*Snap, error) {
	s, ok := f.snaps[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

func (f *fakeSnapStore) UpdateSnap(ctx context.Context, id uuid.UUID, delta FieldDelta) error {
	if _, ok := f.snaps[id]; !ok {
		return ErrNotFound
	}
	return nil
}

func (f *fakeSnapStore) ApplySnapView(ctx context.Context, id uuid.UUID, prevViewCount int, delta FieldDelta) error {
	f.applyCalls++
	if f.applyErr != nil {
		return f.applyErr
	}
	if _, ok := f.snaps[id]; !ok {
		return ErrNotFound
	}
	return nil
}

func (f *fakeSnapStore) DeleteSnap(ctx context.Context, id uuid.UUID) error {
	if _, ok := f.snaps[id]; !ok {
		return ErrNotFound
	}
	delete(f.snaps, id)
	return nil
}

func (f *fakeSnapStore) SnapsForRecipient(ctx context.Context, identity string) ([]*Snap, error) {
	var out []*Snap
	for _, s := range f.snaps {
		if containsIdentity(s.Recipients, identity) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSnapStore) ActiveStories(ctx context.Context, now time.Time) ([]*Snap, error) {
	var out []*Snap
	for _, s := range f.snaps {
		if s.IsStory && !s.HasExpired(now) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSnapStore) SnapSweepCandidates(ctx context.Context, now time.Time) ([]*Snap, error) {
	var out []*Snap
	for _, s := range f.snaps {
		if s.ShouldAutoDelete(now) {
			out = append(out, s)
		}
	}
	return out, nil
}

// fakeBlobs implements storage.FileStorage in memory.
type fakeBlobs struct {
	saveErr error
	saved   []string
	deleted []string
	seq     int
}

func (f *fakeBlobs) SaveFile(ctx context.Context, file io.Reader, filename, contentType string) (string, error) {
	if f.saveErr != nil {
		return "", f.saveErr
	}
	f.seq++
	locator := fmt.Sprintf("media/%d-%s", f.seq, filename)
	f.saved = append(f.saved, locator)
	return locator, nil
}

func (f *fakeBlobs) DeleteFile(ctx context.Context, locator string) error {
	f.deleted = append(f.deleted, locator)
	return nil
}

func newSnapServiceForTest(t *testing.T) (*SnapService, *fakeSnapStore, *fakeBlobs, *fakeClock, *notify.ChangeFeed) {
	t.Helper()
	store := newFakeSnapStore()
	blobs := &fakeBlobs{}
	clock := &fakeClock{now: time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)}
	feed := notify.NewChangeFeed(16, zap.NewNop())
	svc := NewSnapService(store, blobs, feed, clock, zap.NewNop())
	return svc, store, blobs, clock, feed
}

func TestCreateSnapUploadsAndPersists(t *testing.T) {
	svc, store, blobs, _, _ := newSnapServiceForTest(t)

	snap, err := svc.CreateSnap(context.Background(), CreateSnapParams{
		OwnerID:             "alice",
		Recipients:          []string{"bob"},
		ViewDurationSeconds: 10,
	}, strings.NewReader("jpegbytes"), "pic.jpg", "image/jpeg")
	require.NoError(t, err)

	assert.Len(t, blobs.saved, 1)
	assert.Equal(t, blobs.saved[0], snap.MediaLocator)
	assert.Contains(t, store.snaps, snap.ID)
}

func TestCreateSnapValidation(t *testing.T) {
	svc, _, blobs, _, _ := newSnapServiceForTest(t)
	ctx := context.Background()

	_, err := svc.CreateSnap(ctx, CreateSnapParams{OwnerID: "alice"}, strings.NewReader("x"), "p.jpg", "image/jpeg")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.CreateSnap(ctx, CreateSnapParams{OwnerID: "", Recipients: []string{"bob"}}, strings.NewReader("x"), "p.jpg", "image/jpeg")
	assert.ErrorIs(t, err, ErrValidation)

	// validation failures never reach the blob store
	assert.Empty(t, blobs.saved)
}

func TestCreateSnapRollsBackBlobOnPersistFailure(t *testing.T) {
	svc, store, blobs, _, _ := newSnapServiceForTest(t)
	store.createErr = errors.New("db down")

	_, err := svc.CreateSnap(context.Background(), CreateSnapParams{
		OwnerID:    "alice",
		Recipients: []string{"bob"},
	}, strings.NewReader("x"), "p.jpg", "image/jpeg")
	require.ErrorIs(t, err, ErrCollaboratorUnavailable)

	require.Len(t, blobs.saved, 1)
	require.Len(t, blobs.deleted, 1)
	assert.Equal(t, blobs.saved[0], blobs.deleted[0])
	assert.Empty(t, store.snaps)
}

func TestViewSnapErrorTaxonomy(t *testing.T) {
	svc, store, _, clock, _ := newSnapServiceForTest(t)
	ctx := context.Background()

	snap := NewSnap(CreateSnapParams{
		OwnerID:             "alice",
		Recipients:          []string{"bob"},
		ViewDurationSeconds: 10,
	}, "media/p.jpg", clock.Now())
	store.snaps[snap.ID] = snap

	_, err := svc.ViewSnap(ctx, uuid.New(), "bob")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.ViewSnap(ctx, snap.ID, "carol")
	assert.ErrorIs(t, err, ErrPermissionDenied)

	viewed, err := svc.ViewSnap(ctx, snap.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, viewed.ViewCount)

	clock.Advance(11 * time.Second)
	_, err = svc.ViewSnap(ctx, snap.ID, "bob")
	assert.ErrorIs(t, err, ErrAlreadyExpired)
}

func TestViewSnapRepeatViewSkipsStore(t *testing.T) {
	svc, store, _, _, _ := newSnapServiceForTest(t)
	ctx := context.Background()

	snap := NewSnap(CreateSnapParams{
		OwnerID:             "alice",
		Recipients:          []string{"bob", "carol"},
		MaxViews:            2,
		ViewDurationSeconds: 3600,
	}, "media/p.jpg", time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC))
	store.snaps[snap.ID] = snap

	_, err := svc.ViewSnap(ctx, snap.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, store.applyCalls)

	_, err = svc.ViewSnap(ctx, snap.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, store.applyCalls)
}

func TestViewSnapSurfacesLostRace(t *testing.T) {
	svc, store, _, _, _ := newSnapServiceForTest(t)

	snap := NewSnap(CreateSnapParams{
		OwnerID:             "alice",
		Recipients:          []string{"bob"},
		ViewDurationSeconds: 10,
	}, "media/p.jpg", time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC))
	store.snaps[snap.ID] = snap
	store.applyErr = ErrConflictRetryable

	_, err := svc.ViewSnap(context.Background(), snap.ID, "bob")
	assert.ErrorIs(t, err, ErrConflictRetryable)
}

func TestDeleteSnapOwnerOnly(t *testing.T) {
	svc, store, blobs, _, _ := newSnapServiceForTest(t)
	ctx := context.Background()

	snap := NewSnap(CreateSnapParams{
		OwnerID:    "alice",
		Recipients: []string{"bob"},
	}, "media/p.jpg", time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC))
	store.snaps[snap.ID] = snap

	err := svc.DeleteSnap(ctx, snap.ID, "bob")
	assert.ErrorIs(t, err, ErrPermissionDenied)

	err = svc.DeleteSnap(ctx, snap.ID, "alice")
	require.NoError(t, err)
	assert.NotContains(t, store.snaps, snap.ID)
	assert.Equal(t, []string{"media/p.jpg"}, blobs.deleted)
}

func TestGetInboxFiltersDeletable(t *testing.T) {
	svc, store, _, clock, _ := newSnapServiceForTest(t)
	ctx := context.Background()

	fresh := NewSnap(CreateSnapParams{
		OwnerID:             "alice",
		Recipients:          []string{"bob"},
		ViewDurationSeconds: 10,
	}, "media/a.jpg", clock.Now())
	spent := NewSnap(CreateSnapParams{
		OwnerID:             "alice",
		Recipients:          []string{"bob"},
		ViewDurationSeconds: 10,
	}, "media/b.jpg", clock.Now())
	ok, _ := spent.MarkAsViewed("bob", clock.Now())
	require.True(t, ok)

	store.snaps[fresh.ID] = fresh
	store.snaps[spent.ID] = spent

	clock.Advance(time.Minute)
	inbox, err := svc.GetInbox(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, fresh.ID, inbox[0].ID)
}

func TestSweepExpiredRemovesAndCounts(t *testing.T) {
	svc, store, blobs, clock, _ := newSnapServiceForTest(t)

	spent := NewSnap(CreateSnapParams{
		OwnerID:             "alice",
		Recipients:          []string{"bob"},
		ViewDurationSeconds: 10,
	}, "media/b.jpg", clock.Now())
	ok, _ := spent.MarkAsViewed("bob", clock.Now())
	require.True(t, ok)
	store.snaps[spent.ID] = spent

	keep := NewSnap(CreateSnapParams{
		OwnerID:             "alice",
		Recipients:          []string{"carol"},
		ViewDurationSeconds: 10,
	}, "media/a.jpg", clock.Now())
	store.snaps[keep.ID] = keep

	clock.Advance(time.Minute)
	n, err := svc.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NotContains(t, store.snaps, spent.ID)
	assert.Contains(t, store.snaps, keep.ID)
	assert.Equal(t, []string{"media/b.jpg"}, blobs.deleted)

	// nothing left to sweep
	n, err = svc.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestViewSnapPublishesUpdate(t *testing.T) {
	svc, store, _, clock, feed := newSnapServiceForTest(t)

	snap := NewSnap(CreateSnapParams{
		OwnerID:             "alice",
		Recipients:          []string{"bob"},
		ViewDurationSeconds: 3600,
	}, "media/p.jpg", clock.Now())
	store.snaps[snap.ID] = snap

	events := make(chan notify.Event, 1)
	sub := feed.Subscribe(CollectionSnaps, nil, func(e notify.Event) {
		events <- e
	})
	defer sub.Cancel()

	_, err := svc.ViewSnap(context.Background(), snap.ID, "bob")
	require.NoError(t, err)

	select {
	case e := <-events:
		assert.Equal(t, notify.EventUpdated, e.Type)
		assert.Equal(t, snap.ID.String(), e.ID)
	case <-time.After(time.Second):
		t.Fatal("no change event delivered")
	}
}
