package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/google/uuid"
	"github.com/lib/pq"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/example/chat-delivery/internal/model"
)

// Postgres implements Store on PostgreSQL. Participant membership lives in
// a join table so that add/remove are single-row statements with set
// semantics; the room row itself is never rewritten.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens the database with otelsql instrumentation and waits for
// it to become reachable.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	db, err := otelsql.Open("postgres", databaseURL,
		otelsql.WithAttributes(semconv.DBSystemPostgreSQL))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	otelsql.RegisterDBStatsMetrics(db, otelsql.WithAttributes(semconv.DBSystemPostgreSQL))

	for attempt := 1; attempt <= 30; attempt++ {
		if err = db.PingContext(ctx); err == nil {
			break
		}
		slog.Info("Waiting for PostgreSQL", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("database not ready: %w", err)
	}
	return &Postgres{db: db}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

func (p *Postgres) FindRoomByID(ctx context.Context, roomID string) (*model.Room, error) {
	room := &model.Room{}
	var passwordHash sql.NullString
	err := p.db.QueryRowContext(ctx,
		"SELECT id, name, COALESCE(creator_id, ''), password_hash, created_at FROM rooms WHERE id = $1",
		roomID).Scan(&room.ID, &room.Name, &room.CreatorID, &passwordHash, &room.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query room %s: %w", roomID, err)
	}
	if passwordHash.Valid {
		room.PasswordHash = passwordHash.String
	}

	rows, err := p.db.QueryContext(ctx,
		"SELECT user_id FROM room_participants WHERE room_id = $1", roomID)
	if err != nil {
		return nil, fmt.Errorf("query participants of %s: %w", roomID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, err
		}
		room.ParticipantIDs = append(room.ParticipantIDs, userID)
	}
	return room, rows.Err()
}

func (p *Postgres) AddParticipant(ctx context.Context, roomID, userID string) error {
	_, err := p.db.ExecContext(ctx,
		"INSERT INTO room_participants (room_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING",
		roomID, userID)
	if err != nil {
		return fmt.Errorf("add participant %s to %s: %w", userID, roomID, err)
	}
	return nil
}

func (p *Postgres) RemoveParticipant(ctx context.Context, roomID, userID string) error {
	_, err := p.db.ExecContext(ctx,
		"DELETE FROM room_participants WHERE room_id = $1 AND user_id = $2",
		roomID, userID)
	if err != nil {
		return fmt.Errorf("remove participant %s from %s: %w", userID, roomID, err)
	}
	return nil
}

func (p *Postgres) SaveMessage(ctx context.Context, msg *model.Message) (*model.Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	reactions, err := json.Marshal(orEmptyReactions(msg.Reactions))
	if err != nil {
		return nil, err
	}
	metadata, err := json.Marshal(orEmptyMetadata(msg.Metadata))
	if err != nil {
		return nil, err
	}

	_, err = p.db.ExecContext(ctx,
		`INSERT INTO messages (id, room_id, sender_id, content, type, timestamp, readers, is_deleted, reactions, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		msg.ID, msg.RoomID, nullableString(msg.SenderID), msg.Content, string(msg.Type),
		msg.Timestamp, pq.Array(orEmptySlice(msg.Readers)), msg.IsDeleted, reactions, metadata)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

func (p *Postgres) FindMessagesPage(ctx context.Context, roomID string, before time.Time, limit int) ([]model.Message, bool, error) {
	// limit+1 fetch detects hasMore without a COUNT query.
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, room_id, COALESCE(sender_id, ''), content, type, timestamp, readers, reactions
		 FROM messages
		 WHERE room_id = $1 AND is_deleted = FALSE AND timestamp < $2
		 ORDER BY timestamp DESC LIMIT $3`,
		roomID, before, limit+1)
	if err != nil {
		return nil, false, fmt.Errorf("query messages of %s: %w", roomID, err)
	}
	defer rows.Close()

	var messages []model.Message
	for rows.Next() {
		var m model.Message
		var msgType string
		var reactionsJSON []byte
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.Content, &msgType,
			&m.Timestamp, pq.Array(&m.Readers), &reactionsJSON); err != nil {
			slog.Warn("Failed to scan message row", "error", err)
			continue
		}
		m.Type = model.MessageType(msgType)
		if len(reactionsJSON) > 0 {
			_ = json.Unmarshal(reactionsJSON, &m.Reactions)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	hasMore := len(messages) > limit
	if hasMore {
		messages = messages[:limit]
	}

	// Reverse to chronological order (query was DESC).
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, hasMore, nil
}

func (p *Postgres) FindUserByID(ctx context.Context, userID string) (*model.User, error) {
	user := &model.User{}
	err := p.db.QueryRowContext(ctx,
		"SELECT id, name, COALESCE(email, ''), COALESCE(profile_image, '') FROM users WHERE id = $1",
		userID).Scan(&user.ID, &user.Name, &user.Email, &user.ProfileImage)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user %s: %w", userID, err)
	}
	return user, nil
}

func (p *Postgres) FindUsersByIDs(ctx context.Context, userIDs []string) ([]model.User, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	rows, err := p.db.QueryContext(ctx,
		"SELECT id, name, COALESCE(email, ''), COALESCE(profile_image, '') FROM users WHERE id = ANY($1)",
		pq.Array(userIDs))
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &u.ProfileImage); err != nil {
			slog.Warn("Failed to scan user row", "error", err)
			continue
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (p *Postgres) MarkMessagesRead(ctx context.Context, messageIDs []string, userID string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	// array_append with a containment guard keeps readers a set.
	_, err := p.db.ExecContext(ctx,
		`UPDATE messages SET readers = array_append(readers, $1)
		 WHERE id = ANY($2) AND NOT (readers @> ARRAY[$1])`,
		userID, pq.Array(messageIDs))
	if err != nil {
		return fmt.Errorf("mark messages read: %w", err)
	}
	return nil
}

func (p *Postgres) SoftDeleteMessage(ctx context.Context, messageID string) error {
	res, err := p.db.ExecContext(ctx,
		"UPDATE messages SET is_deleted = TRUE WHERE id = $1", messageID)
	if err != nil {
		return fmt.Errorf("soft delete message %s: %w", messageID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func orEmptyReactions(m map[string][]string) map[string][]string {
	if m == nil {
		return map[string][]string{}
	}
	return m
}

func orEmptyMetadata(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
