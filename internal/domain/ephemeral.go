package domain

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EphemeralUnit is the lifecycle state machine shared by Snap and Message:
// visibility gating, view counting, expiration and auto-delete eligibility.
// It is embedded, never instantiated on its own.
//
// MaxViews == 0 means unbounded (broadcast/story content). For count-limited
// units (MaxViews > 0) the first successful view starts the expiration
// countdown; later views never reset it. A ViewDurationSeconds of zero or
// negative means "gone the instant it is viewed" and is not an error.
type EphemeralUnit struct {
	ID                  uuid.UUID  `json:"id"`
	OwnerID             string     `json:"owner_id"`
	Recipients          []string   `json:"recipients,omitempty"`
	IsBroadcast         bool       `json:"is_broadcast,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	ExpiresAt           *time.Time `json:"expires_at,omitempty"`
	ViewedBy            []string   `json:"viewed_by,omitempty"`
	ViewCount           int        `json:"view_count"`
	MaxViews            int        `json:"max_views"`
	ViewDurationSeconds int        `json:"view_duration_seconds"`

	mu sync.Mutex
}

// HasExpired reports whether the unit is past its expiration instant.
// Units with no ExpiresAt never expire by time.
func (u *EphemeralUnit) HasExpired(now time.Time) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.hasExpiredLocked(now)
}

func (u *EphemeralUnit) hasExpiredLocked(now time.Time) bool {
	return u.ExpiresAt != nil && !u.ExpiresAt.After(now)
}

// CanBeViewedBy reports whether identity may complete a view right now:
// the unit has not expired, the view cap is not exhausted, and identity is
// the owner, a recipient, or the unit is broadcast. Pure, no side effects.
func (u *EphemeralUnit) CanBeViewedBy(identity string, now time.Time) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.canBeViewedByLocked(identity, now)
}

func (u *EphemeralUnit) canBeViewedByLocked(identity string, now time.Time) bool {
	if identity == "" {
		return false
	}
	if u.hasExpiredLocked(now) {
		return false
	}
	if u.MaxViews > 0 && u.ViewCount >= u.MaxViews {
		return false
	}
	if identity == u.OwnerID || u.IsBroadcast {
		return true
	}
	return containsIdentity(u.Recipients, identity)
}

// MarkAsViewed records a completed view by identity at the given instant.
//
// Re-viewing by an identity already in ViewedBy is a successful no-op: it
// returns true with a nil delta, does not touch ViewCount and does not reset
// an already-running countdown, as long as the unit has not expired. Any
// other caller that fails CanBeViewedBy gets false and no state change.
//
// On a first view by identity the returned FieldDelta carries exactly the
// fields that changed (viewed_by, view_count and, when the countdown starts,
// expires_at) so the caller can forward them to the durable store.
func (u *EphemeralUnit) MarkAsViewed(identity string, at time.Time) (bool, FieldDelta) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.hasExpiredLocked(at) {
		return false, nil
	}
	if containsIdentity(u.ViewedBy, identity) {
		return true, nil
	}
	if !u.canBeViewedByLocked(identity, at) {
		return false, nil
	}

	u.ViewedBy = append(u.ViewedBy, identity)
	u.ViewCount++

	delta := FieldDelta{
		FieldViewedBy:  append([]string(nil), u.ViewedBy...),
		FieldViewCount: u.ViewCount,
	}

	// Count-limited units start their countdown on the first qualifying view.
	// ExpiresAt only ever moves earlier, never later.
	if u.MaxViews > 0 && u.ExpiresAt == nil {
		exp := at.Add(time.Duration(u.ViewDurationSeconds) * time.Second)
		u.ExpiresAt = &exp
		delta[FieldExpiresAt] = exp
	}

	return true, delta
}

// HasViewed reports whether identity has a recorded view of the unit.
func (u *EphemeralUnit) HasViewed(identity string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return containsIdentity(u.ViewedBy, identity)
}

// ShouldAutoDelete reports whether the unit must be physically removed:
// it has expired, or every recipient of a count-limited unit has viewed it.
func (u *EphemeralUnit) ShouldAutoDelete(now time.Time) bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.hasExpiredLocked(now) {
		return true
	}
	if u.MaxViews <= 0 || u.ViewCount < u.MaxViews || len(u.Recipients) == 0 {
		return false
	}
	for _, r := range u.Recipients {
		if !containsIdentity(u.ViewedBy, r) {
			return false
		}
	}
	return true
}

// RemainingTime returns how long the unit stays readable, or nil if no
// expiration has been set. Never negative.
func (u *EphemeralUnit) RemainingTime(now time.Time) *time.Duration {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.ExpiresAt == nil {
		return nil
	}
	d := u.ExpiresAt.Sub(now)
	if d < 0 {
		d = 0
	}
	return &d
}

// AddRecipient authorizes identity to view the unit. Adding the owner, an
// empty identity or an already-present identity is a no-op returning false.
// Adding after expiry is permitted; HasExpired still gates visibility.
func (u *EphemeralUnit) AddRecipient(identity string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	if identity == "" || identity == u.OwnerID || containsIdentity(u.Recipients, identity) {
		return false
	}
	u.Recipients = append(u.Recipients, identity)
	return true
}

// RemoveRecipient revokes identity's authorization. Returns false if the
// identity was not a recipient. ViewedBy is never shrunk.
func (u *EphemeralUnit) RemoveRecipient(identity string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	for i, r := range u.Recipients {
		if r == identity {
			u.Recipients = append(u.Recipients[:i], u.Recipients[i+1:]...)
			return true
		}
	}
	return false
}

func containsIdentity(list []string, identity string) bool {
	for _, v := range list {
		if v == identity {
			return true
		}
	}
	return false
}
