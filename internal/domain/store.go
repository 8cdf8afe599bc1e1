package domain

// FieldDelta is a partial update: column name to new value. Mutating
// operations on the core return exactly the fields they changed so the
// durable store can apply a per-field update instead of a full rewrite.
type FieldDelta map[string]interface{}

// Field names shared between the core and the durable store.
const (
	FieldViewedBy       = "viewed_by"
	FieldViewCount      = "view_count"
	FieldExpiresAt      = "expires_at"
	FieldRecipients     = "recipients"
	FieldStatus         = "status"
	FieldViewedAt       = "viewed_at"
	FieldLastActivityAt = "last_activity_at"
	FieldIsActive       = "is_active"
)

// Collection names used by the durable store and the change feed.
const (
	CollectionSnaps         = "snaps"
	CollectionMessages      = "messages"
	CollectionConversations = "conversations"
)
