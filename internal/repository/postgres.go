package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wispchat/backend/internal/domain"
)

// PostgresStore implements the domain store interfaces over PostgreSQL.
//
// Snaps and messages share a single units table behind a kind discriminator,
// mirroring the persisted record layout: recipient and viewer sets are jsonb
// arrays, optional fields are nullable and omitted when absent.
//
//	units(id uuid pk, kind text, owner_id text, recipients jsonb,
//	      is_broadcast bool, created_at timestamptz, expires_at timestamptz,
//	      viewed_by jsonb, view_count int, max_views int,
//	      view_duration_seconds int, media_locator text, caption text,
//	      is_story bool, conversation_id uuid, sender_id text,
//	      receiver_id text, content text, msg_kind text, status text,
//	      viewed_at timestamptz)
//	conversations(id uuid pk, participants jsonb, created_at timestamptz,
//	      last_activity_at timestamptz, is_active bool)
//	device_tokens(identity text, token text, created_at timestamptz,
//	      primary key(identity, token))
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

const (
	kindSnap    = "snap"
	kindMessage = "message"
)

// deltaColumns whitelists the fields a partial update may touch.
var deltaColumns = map[string]bool{
	domain.FieldViewedBy:       true,
	domain.FieldViewCount:      true,
	domain.FieldExpiresAt:      true,
	domain.FieldRecipients:     true,
	domain.FieldStatus:         true,
	domain.FieldViewedAt:       true,
	domain.FieldLastActivityAt: true,
	domain.FieldIsActive:       true,
}

// buildSet turns a field delta into a SET clause. Set-valued fields are
// encoded as jsonb; everything else passes through as-is.
func buildSet(delta domain.FieldDelta, startArg int) (string, []interface{}, error) {
	clauses := make([]string, 0, len(delta))
	args := make([]interface{}, 0, len(delta))
	i := startArg
	for field, value := range delta {
		if !deltaColumns[field] {
			return "", nil, fmt.Errorf("field %q is not updatable", field)
		}
		switch field {
		case domain.FieldViewedBy, domain.FieldRecipients:
			b, err := json.Marshal(value)
			if err != nil {
				return "", nil, err
			}
			value = b
		}
		clauses = append(clauses, fmt.Sprintf("%s = $%d", field, i))
		args = append(args, value)
		i++
	}
	return strings.Join(clauses, ", "), args, nil
}

// --- Snaps ---

const snapColumns = `id, owner_id, recipients, is_broadcast, created_at, expires_at,
	viewed_by, view_count, max_views, view_duration_seconds, media_locator, caption, is_story`

// CreateSnap persists a snap
func (s *PostgresStore) CreateSnap(ctx context.Context, snap *domain.Snap) error {
	recipients, viewedBy, err := marshalSets(snap.Recipients, snap.ViewedBy)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO units (id, kind, owner_id, recipients, is_broadcast, created_at, expires_at,
			viewed_by, view_count, max_views, view_duration_seconds, media_locator, caption, is_story)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err = s.db.Exec(ctx, query,
		snap.ID, kindSnap, snap.OwnerID, recipients, snap.IsBroadcast, snap.CreatedAt,
		snap.ExpiresAt, viewedBy, snap.ViewCount, snap.MaxViews, snap.ViewDurationSeconds,
		snap.MediaLocator, snap.Caption, snap.IsStory,
	)
	return err
}

// GetSnap retrieves a snap by ID
func (s *PostgresStore) GetSnap(ctx context.Context, id uuid.UUID) (*domain.Snap, error) {
	query := `SELECT ` + snapColumns + ` FROM units WHERE id = $1 AND kind = $2`
	return scanSnap(s.db.QueryRow(ctx, query, id, kindSnap))
}

// UpdateSnap applies a field delta to a snap
func (s *PostgresStore) UpdateSnap(ctx context.Context, id uuid.UUID, delta domain.FieldDelta) error {
	return s.updateUnit(ctx, id, kindSnap, delta)
}

// ApplySnapView applies a view delta iff the stored view count still matches
// prevViewCount; a mismatch means the caller lost a race.
func (s *PostgresStore) ApplySnapView(ctx context.Context, id uuid.UUID, prevViewCount int, delta domain.FieldDelta) error {
	return s.applyViewDelta(ctx, id, kindSnap, prevViewCount, delta)
}

// DeleteSnap removes a snap
func (s *PostgresStore) DeleteSnap(ctx context.Context, id uuid.UUID) error {
	return s.deleteUnit(ctx, id, kindSnap)
}

// SnapsForRecipient retrieves non-story snaps addressed to identity
func (s *PostgresStore) SnapsForRecipient(ctx context.Context, identity string) ([]*domain.Snap, error) {
	query := `
		SELECT ` + snapColumns + ` FROM units
		WHERE kind = $1 AND recipients ? $2
		ORDER BY created_at DESC, id
	`
	rows, err := s.db.Query(ctx, query, kindSnap, identity)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSnaps(rows)
}

// ActiveStories retrieves stories still inside their window
func (s *PostgresStore) ActiveStories(ctx context.Context, now time.Time) ([]*domain.Snap, error) {
	query := `
		SELECT ` + snapColumns + ` FROM units
		WHERE kind = $1 AND is_story = TRUE AND expires_at > $2
		ORDER BY created_at DESC, id
	`
	rows, err := s.db.Query(ctx, query, kindSnap, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSnaps(rows)
}

// SnapSweepCandidates retrieves snaps that look eligible for auto-deletion;
// the caller re-checks eligibility before removal.
func (s *PostgresStore) SnapSweepCandidates(ctx context.Context, now time.Time) ([]*domain.Snap, error) {
	query := `
		SELECT ` + snapColumns + ` FROM units
		WHERE kind = $1 AND (expires_at <= $2 OR (max_views > 0 AND view_count >= max_views))
	`
	rows, err := s.db.Query(ctx, query, kindSnap, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSnaps(rows)
}

// --- Messages ---

const messageColumns = `id, owner_id, recipients, is_broadcast, created_at, expires_at,
	viewed_by, view_count, max_views, view_duration_seconds, conversation_id, sender_id,
	receiver_id, content, msg_kind, status, viewed_at`

// CreateMessage persists a message
func (s *PostgresStore) CreateMessage(ctx context.Context, m *domain.Message) error {
	recipients, viewedBy, err := marshalSets(m.Recipients, m.ViewedBy)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO units (id, kind, owner_id, recipients, is_broadcast, created_at, expires_at,
			viewed_by, view_count, max_views, view_duration_seconds, conversation_id, sender_id,
			receiver_id, content, msg_kind, status, viewed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`
	_, err = s.db.Exec(ctx, query,
		m.ID, kindMessage, m.OwnerID, recipients, m.IsBroadcast, m.CreatedAt,
		m.ExpiresAt, viewedBy, m.ViewCount, m.MaxViews, m.ViewDurationSeconds,
		m.ConversationID, m.SenderID, m.ReceiverID, m.Content, string(m.Kind), string(m.Status), m.ViewedAt,
	)
	return err
}

// GetMessage retrieves a message by ID
func (s *PostgresStore) GetMessage(ctx context.Context, id uuid.UUID) (*domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM units WHERE id = $1 AND kind = $2`
	return scanMessage(s.db.QueryRow(ctx, query, id, kindMessage))
}

// UpdateMessage applies a field delta to a message
func (s *PostgresStore) UpdateMessage(ctx context.Context, id uuid.UUID, delta domain.FieldDelta) error {
	return s.updateUnit(ctx, id, kindMessage, delta)
}

// ApplyMessageView applies a view delta guarded by the expected prior count
func (s *PostgresStore) ApplyMessageView(ctx context.Context, id uuid.UUID, prevViewCount int, delta domain.FieldDelta) error {
	return s.applyViewDelta(ctx, id, kindMessage, prevViewCount, delta)
}

// DeleteMessage removes a message
func (s *PostgresStore) DeleteMessage(ctx context.Context, id uuid.UUID) error {
	return s.deleteUnit(ctx, id, kindMessage)
}

// MessagesByConversation retrieves a conversation's messages in insertion order
func (s *PostgresStore) MessagesByConversation(ctx context.Context, conversationID uuid.UUID) ([]*domain.Message, error) {
	query := `
		SELECT ` + messageColumns + ` FROM units
		WHERE kind = $1 AND conversation_id = $2
		ORDER BY created_at, id
	`
	rows, err := s.db.Query(ctx, query, kindMessage, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

// MessagesBySender retrieves messages sent by identity
func (s *PostgresStore) MessagesBySender(ctx context.Context, senderID string) ([]*domain.Message, error) {
	query := `
		SELECT ` + messageColumns + ` FROM units
		WHERE kind = $1 AND sender_id = $2
		ORDER BY created_at, id
	`
	rows, err := s.db.Query(ctx, query, kindMessage, senderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

// MessageSweepCandidates retrieves messages that look eligible for
// auto-deletion; the caller re-checks eligibility before removal.
func (s *PostgresStore) MessageSweepCandidates(ctx context.Context, now time.Time) ([]*domain.Message, error) {
	query := `
		SELECT ` + messageColumns + ` FROM units
		WHERE kind = $1 AND (expires_at <= $2 OR (max_views > 0 AND view_count >= max_views))
	`
	rows, err := s.db.Query(ctx, query, kindMessage, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

// --- Conversations ---

const conversationColumns = `id, participants, created_at, last_activity_at, is_active`

// CreateConversation persists a conversation
func (s *PostgresStore) CreateConversation(ctx context.Context, c *domain.Conversation) error {
	participants, err := json.Marshal(c.Participants)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO conversations (id, participants, created_at, last_activity_at, is_active)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err = s.db.Exec(ctx, query, c.ID, participants, c.CreatedAt, c.LastActivityAt, c.IsActive)
	return err
}

// GetConversation retrieves a conversation by ID
func (s *PostgresStore) GetConversation(ctx context.Context, id uuid.UUID) (*domain.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = $1`
	return scanConversation(s.db.QueryRow(ctx, query, id))
}

// UpdateConversation applies a field delta to a conversation
func (s *PostgresStore) UpdateConversation(ctx context.Context, id uuid.UUID, delta domain.FieldDelta) error {
	set, args, err := buildSet(delta, 2)
	if err != nil {
		return err
	}
	query := `UPDATE conversations SET ` + set + ` WHERE id = $1`
	tag, err := s.db.Exec(ctx, query, append([]interface{}{id}, args...)...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// DeleteConversation removes a conversation
func (s *PostgresStore) DeleteConversation(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ConversationsForParticipant retrieves every conversation identity takes part in
func (s *PostgresStore) ConversationsForParticipant(ctx context.Context, identity string) ([]*domain.Conversation, error) {
	query := `
		SELECT ` + conversationColumns + ` FROM conversations
		WHERE participants ? $1 AND is_active = TRUE
		ORDER BY last_activity_at DESC
	`
	rows, err := s.db.Query(ctx, query, identity)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ActiveConversationIDs retrieves the IDs the sweep iterates over
func (s *PostgresStore) ActiveConversationIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.Query(ctx, `SELECT id FROM conversations WHERE is_active = TRUE`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Device tokens (push) ---

// RegisterDeviceToken stores a push token for identity
func (s *PostgresStore) RegisterDeviceToken(ctx context.Context, identity, token string) error {
	query := `
		INSERT INTO device_tokens (identity, token, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (identity, token) DO NOTHING
	`
	_, err := s.db.Exec(ctx, query, identity, token)
	return err
}

// DeviceTokens retrieves the push tokens registered for identity
func (s *PostgresStore) DeviceTokens(ctx context.Context, identity string) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT token FROM device_tokens WHERE identity = $1`, identity)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// --- shared helpers ---

func (s *PostgresStore) updateUnit(ctx context.Context, id uuid.UUID, kind string, delta domain.FieldDelta) error {
	set, args, err := buildSet(delta, 3)
	if err != nil {
		return err
	}
	query := `UPDATE units SET ` + set + ` WHERE id = $1 AND kind = $2`
	tag, err := s.db.Exec(ctx, query, append([]interface{}{id, kind}, args...)...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) applyViewDelta(ctx context.Context, id uuid.UUID, kind string, prevViewCount int, delta domain.FieldDelta) error {
	set, args, err := buildSet(delta, 4)
	if err != nil {
		return err
	}
	query := `UPDATE units SET ` + set + ` WHERE id = $1 AND kind = $2 AND view_count = $3`
	tag, err := s.db.Exec(ctx, query, append([]interface{}{id, kind, prevViewCount}, args...)...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// Distinguish a lost race from a missing row.
	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM units WHERE id = $1 AND kind = $2)`, id, kind).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return domain.ErrNotFound
	}
	return domain.ErrConflictRetryable
}

func (s *PostgresStore) deleteUnit(ctx context.Context, id uuid.UUID, kind string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM units WHERE id = $1 AND kind = $2`, id, kind)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func marshalSets(recipients, viewedBy []string) ([]byte, []byte, error) {
	if recipients == nil {
		recipients = []string{}
	}
	if viewedBy == nil {
		viewedBy = []string{}
	}
	r, err := json.Marshal(recipients)
	if err != nil {
		return nil, nil, err
	}
	v, err := json.Marshal(viewedBy)
	if err != nil {
		return nil, nil, err
	}
	return r, v, nil
}

func scanSnap(row pgx.Row) (*domain.Snap, error) {
	var snap domain.Snap
	var recipients, viewedBy []byte

	err := row.Scan(
		&snap.ID, &snap.OwnerID, &recipients, &snap.IsBroadcast, &snap.CreatedAt,
		&snap.ExpiresAt, &viewedBy, &snap.ViewCount, &snap.MaxViews,
		&snap.ViewDurationSeconds, &snap.MediaLocator, &snap.Caption, &snap.IsStory,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if err := unmarshalSets(recipients, viewedBy, &snap.EphemeralUnit); err != nil {
		return nil, err
	}
	return &snap, nil
}

func collectSnaps(rows pgx.Rows) ([]*domain.Snap, error) {
	var out []*domain.Snap
	for rows.Next() {
		snap, err := scanSnap(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func scanMessage(row pgx.Row) (*domain.Message, error) {
	var m domain.Message
	var recipients, viewedBy []byte
	var kind, status string

	err := row.Scan(
		&m.ID, &m.OwnerID, &recipients, &m.IsBroadcast, &m.CreatedAt,
		&m.ExpiresAt, &viewedBy, &m.ViewCount, &m.MaxViews, &m.ViewDurationSeconds,
		&m.ConversationID, &m.SenderID, &m.ReceiverID, &m.Content, &kind, &status, &m.ViewedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	m.Kind = domain.MessageKind(kind)
	m.Status = domain.MessageStatus(status)
	if err := unmarshalSets(recipients, viewedBy, &m.EphemeralUnit); err != nil {
		return nil, err
	}
	return &m, nil
}

func collectMessages(rows pgx.Rows) ([]*domain.Message, error) {
	var out []*domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanConversation(row pgx.Row) (*domain.Conversation, error) {
	var c domain.Conversation
	var participants []byte

	err := row.Scan(&c.ID, &participants, &c.CreatedAt, &c.LastActivityAt, &c.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(participants, &c.Participants); err != nil {
		return nil, err
	}
	return &c, nil
}

func unmarshalSets(recipients, viewedBy []byte, u *domain.EphemeralUnit) error {
	if len(recipients) > 0 {
		if err := json.Unmarshal(recipients, &u.Recipients); err != nil {
			return err
		}
	}
	if len(viewedBy) > 0 {
		if err := json.Unmarshal(viewedBy, &u.ViewedBy); err != nil {
			return err
		}
	}
	if len(u.Recipients) == 0 {
		u.Recipients = nil
	}
	if len(u.ViewedBy) == 0 {
		u.ViewedBy = nil
	}
	return nil
}
