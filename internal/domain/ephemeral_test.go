package domain

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestUnit(owner string, recipients []string, maxViews, viewSeconds int) *EphemeralUnit {
	return &EphemeralUnit{
		ID:                  uuid.New(),
		OwnerID:             owner,
		Recipients:          append([]string(nil), recipients...),
		CreatedAt:           time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC),
		MaxViews:            maxViews,
		ViewDurationSeconds: viewSeconds,
	}
}

func TestMarkAsViewedStartsCountdownOnce(t *testing.T) {
	u := newTestUnit("alice", []string{"bob", "carol"}, 2, 10)
	t0 := u.CreatedAt

	ok, delta := u.MarkAsViewed("bob", t0)
	require.True(t, ok)
	require.NotNil(t, delta)
	assert.Equal(t, 1, delta[FieldViewCount])

	exp, found := delta[FieldExpiresAt]
	require.True(t, found)
	assert.Equal(t, t0.Add(10*time.Second), exp)

	// A later view never pushes the expiration out.
	ok, delta = u.MarkAsViewed("carol", t0.Add(5*time.Second))
	require.True(t, ok)
	require.NotNil(t, delta)
	_, found = delta[FieldExpiresAt]
	assert.False(t, found)
	assert.Equal(t, t0.Add(10*time.Second), *u.ExpiresAt)
}

func TestMarkAsViewedReViewIsNoOp(t *testing.T) {
	u := newTestUnit("alice", []string{"bob"}, 1, 10)
	t0 := u.CreatedAt

	ok, delta := u.MarkAsViewed("bob", t0)
	require.True(t, ok)
	require.NotNil(t, delta)

	ok, delta = u.MarkAsViewed("bob", t0.Add(3*time.Second))
	assert.True(t, ok)
	assert.Nil(t, delta)
	assert.Equal(t, 1, u.ViewCount)
	assert.Equal(t, []string{"bob"}, u.ViewedBy)
}

func TestMarkAsViewedDeniedAfterExpiry(t *testing.T) {
	u := newTestUnit("alice", []string{"bob"}, 1, 10)
	t0 := u.CreatedAt
	exp := t0.Add(10 * time.Second)
	u.ExpiresAt = &exp

	ok, delta := u.MarkAsViewed("bob", exp)
	assert.False(t, ok)
	assert.Nil(t, delta)
	assert.Equal(t, 0, u.ViewCount)

	// A re-viewer is also locked out once the unit is gone.
	u2 := newTestUnit("alice", []string{"bob"}, 1, 10)
	ok, _ = u2.MarkAsViewed("bob", t0)
	require.True(t, ok)
	ok, delta = u2.MarkAsViewed("bob", t0.Add(time.Minute))
	assert.False(t, ok)
	assert.Nil(t, delta)
}

func TestMarkAsViewedDeniedForNonRecipient(t *testing.T) {
	u := newTestUnit("alice", []string{"bob"}, 1, 10)
	t0 := u.CreatedAt

	ok, delta := u.MarkAsViewed("carol", t0)
	assert.False(t, ok)
	assert.Nil(t, delta)

	ok, delta = u.MarkAsViewed("", t0)
	assert.False(t, ok)
	assert.Nil(t, delta)
}

func TestCanBeViewedByRespectsCap(t *testing.T) {
	u := newTestUnit("alice", []string{"bob", "carol"}, 1, 10)
	t0 := u.CreatedAt

	assert.True(t, u.CanBeViewedBy("bob", t0))
	assert.True(t, u.CanBeViewedBy("alice", t0))
	assert.False(t, u.CanBeViewedBy("dave", t0))

	ok, _ := u.MarkAsViewed("bob", t0)
	require.True(t, ok)

	assert.False(t, u.CanBeViewedBy("carol", t0))
}

func TestBroadcastUnitIsUnbounded(t *testing.T) {
	u := newTestUnit("alice", nil, 0, 0)
	u.IsBroadcast = true
	t0 := u.CreatedAt

	for _, viewer := range []string{"bob", "carol", "dave", "erin"} {
		ok, delta := u.MarkAsViewed(viewer, t0)
		require.True(t, ok)
		require.NotNil(t, delta)
		// No cap means no per-view countdown.
		_, found := delta[FieldExpiresAt]
		assert.False(t, found)
	}
	assert.Equal(t, 4, u.ViewCount)
	assert.Nil(t, u.ExpiresAt)
}

func TestZeroViewDurationExpiresInstantly(t *testing.T) {
	u := newTestUnit("alice", []string{"bob", "carol"}, 2, 0)
	t0 := u.CreatedAt

	ok, _ := u.MarkAsViewed("bob", t0)
	require.True(t, ok)

	assert.True(t, u.HasExpired(t0))
	assert.False(t, u.CanBeViewedBy("carol", t0))
}

func TestShouldAutoDelete(t *testing.T) {
	t0 := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

	t.Run("expired unit", func(t *testing.T) {
		u := newTestUnit("alice", []string{"bob"}, 1, 10)
		exp := t0.Add(time.Second)
		u.ExpiresAt = &exp
		assert.False(t, u.ShouldAutoDelete(t0))
		assert.True(t, u.ShouldAutoDelete(t0.Add(time.Second)))
	})

	t.Run("all recipients viewed", func(t *testing.T) {
		u := newTestUnit("alice", []string{"bob", "carol"}, 2, 3600)
		ok, _ := u.MarkAsViewed("bob", t0)
		require.True(t, ok)
		assert.False(t, u.ShouldAutoDelete(t0))

		ok, _ = u.MarkAsViewed("carol", t0)
		require.True(t, ok)
		assert.True(t, u.ShouldAutoDelete(t0))
	})

	t.Run("unbounded unit never completes by views", func(t *testing.T) {
		u := newTestUnit("alice", []string{"bob"}, 0, 0)
		ok, _ := u.MarkAsViewed("bob", t0)
		require.True(t, ok)
		assert.False(t, u.ShouldAutoDelete(t0))
	})
}

func TestRemainingTimeClampsToZero(t *testing.T) {
	u := newTestUnit("alice", []string{"bob"}, 1, 10)
	assert.Nil(t, u.RemainingTime(u.CreatedAt))

	exp := u.CreatedAt.Add(10 * time.Second)
	u.ExpiresAt = &exp

	d := u.RemainingTime(u.CreatedAt.Add(4 * time.Second))
	require.NotNil(t, d)
	assert.Equal(t, 6*time.Second, *d)

	d = u.RemainingTime(u.CreatedAt.Add(time.Minute))
	require.NotNil(t, d)
	assert.Equal(t, time.Duration(0), *d)
}

func TestRecipientMutation(t *testing.T) {
	u := newTestUnit("alice", []string{"bob"}, 1, 10)

	assert.False(t, u.AddRecipient(""))
	assert.False(t, u.AddRecipient("alice"))
	assert.False(t, u.AddRecipient("bob"))
	assert.True(t, u.AddRecipient("carol"))
	assert.Equal(t, []string{"bob", "carol"}, u.Recipients)

	assert.True(t, u.RemoveRecipient("bob"))
	assert.False(t, u.RemoveRecipient("bob"))
	assert.Equal(t, []string{"carol"}, u.Recipients)
}

func TestConcurrentViewersNeverExceedCap(t *testing.T) {
	viewers := []string{"v1", "v2", "v3", "v4", "v5", "v6", "v7", "v8"}
	u := newTestUnit("alice", viewers, 2, 3600)
	t0 := u.CreatedAt

	var wg sync.WaitGroup
	granted := make(chan string, len(viewers))
	for _, v := range viewers {
		wg.Add(1)
		go func(identity string) {
			defer wg.Done()
			if ok, delta := u.MarkAsViewed(identity, t0); ok && delta != nil {
				granted <- identity
			}
		}(v)
	}
	wg.Wait()
	close(granted)

	var winners []string
	for v := range granted {
		winners = append(winners, v)
	}
	assert.Len(t, winners, 2)
	assert.Equal(t, 2, u.ViewCount)
	assert.Len(t, u.ViewedBy, 2)
}
