// Package store provides PostgreSQL-backed persistence for users, teams, and
// chat messages. It is the durable collaborator of the real-time layer:
// messages are persisted here before any fan-out occurs, and team membership
// is the source of truth for room resolution and send authorization.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Message type discriminators, matching the messages.message_type CHECK
// constraint.
const (
	TypeDirect = "direct"
	TypeTeam   = "team"
)

// MaxContentChars is the storage bound on message content, enforced both
// here and by the CHECK constraint on the messages table.
const MaxContentChars = 1000

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// ValidateContent checks that message content is non-empty after trimming
// and within the storage bound. It returns the trimmed content.
func ValidateContent(content string) (string, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", fmt.Errorf("Message content is required")
	}
	if utf8.RuneCountInString(trimmed) > MaxContentChars {
		return "", fmt.Errorf("Message exceeds the %d character limit", MaxContentChars)
	}
	return trimmed, nil
}

// User is a stored account row.
type User struct {
	ID       string
	Username string
	Avatar   string
	IsOnline bool
	LastSeen time.Time
}

// Team is a stored team row.
type Team struct {
	ID   string
	Name string
}

// Message is a stored chat message.
type Message struct {
	ID          string
	SenderID    string
	RecipientID string // set for direct messages
	TeamID      string // set for team messages
	Content     string
	MessageType string // "direct" or "team"
	CreatedAt   time.Time
}

// PopulatedMessage is a message enriched with sender (and recipient, for
// direct messages) display data, ready to travel in a fan-out envelope.
type PopulatedMessage struct {
	Message
	Sender    User
	Recipient *User
}

// Store wraps the database handle.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL with the given DSN and verifies the connection.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return &Store{db: db}, nil
}

// NewStore wraps an existing database handle (used by tests).
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate applies all pending schema migrations.
func (s *Store) Migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: migration source: %w", err)
	}

	driver, err := postgres.WithInstance(s.db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("store: migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("store: migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateMessage inserts a message, assigning its ID and creation timestamp.
func (s *Store) CreateMessage(ctx context.Context, m *Message) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}

	const query = `
		INSERT INTO messages (id, sender_id, recipient_id, team_id, content, message_type)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6)
		RETURNING created_at`

	err := s.db.QueryRowContext(ctx, query,
		m.ID, m.SenderID, m.RecipientID, m.TeamID, m.Content, m.MessageType,
	).Scan(&m.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: create message: %w", err)
	}
	return nil
}

// GetMessage returns a message with its sender and recipient resolved to
// display data. Returns ErrNotFound if the message does not exist.
func (s *Store) GetMessage(ctx context.Context, id string) (*PopulatedMessage, error) {
	const query = `
		SELECT m.id, m.sender_id, COALESCE(m.recipient_id, ''), COALESCE(m.team_id, ''),
		       m.content, m.message_type, m.created_at,
		       s.username, COALESCE(s.avatar, ''),
		       r.username, r.avatar
		FROM messages m
		JOIN users s ON s.id = m.sender_id
		LEFT JOIN users r ON r.id = m.recipient_id
		WHERE m.id = $1`

	var (
		pm                PopulatedMessage
		recipientUsername sql.NullString
		recipientAvatar   sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&pm.ID, &pm.SenderID, &pm.RecipientID, &pm.TeamID,
		&pm.Content, &pm.MessageType, &pm.CreatedAt,
		&pm.Sender.Username, &pm.Sender.Avatar,
		&recipientUsername, &recipientAvatar,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get message %s: %w", id, err)
	}

	pm.Sender.ID = pm.SenderID
	if pm.RecipientID != "" {
		pm.Recipient = &User{
			ID:       pm.RecipientID,
			Username: recipientUsername.String,
			Avatar:   recipientAvatar.String,
		}
	}
	return &pm, nil
}

// GetUser returns a user's display data. Returns ErrNotFound if absent.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	const query = `
		SELECT id, username, COALESCE(avatar, ''), is_online, COALESCE(last_seen, 'epoch'::timestamptz)
		FROM users WHERE id = $1`

	var u User
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&u.ID, &u.Username, &u.Avatar, &u.IsOnline, &u.LastSeen,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user %s: %w", id, err)
	}
	return &u, nil
}

// GetTeam returns a team row. Returns ErrNotFound if absent.
func (s *Store) GetTeam(ctx context.Context, id string) (*Team, error) {
	const query = `SELECT id, name FROM teams WHERE id = $1`

	var t Team
	err := s.db.QueryRowContext(ctx, query, id).Scan(&t.ID, &t.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get team %s: %w", id, err)
	}
	return &t, nil
}

// IsTeamMember reports whether the user is a current member of the team.
// Checked against the store at send time, never cached, so revoked members
// lose send access immediately.
func (s *Store) IsTeamMember(ctx context.Context, teamID, userID string) (bool, error) {
	const query = `SELECT EXISTS(SELECT 1 FROM team_members WHERE team_id = $1 AND user_id = $2)`

	var ok bool
	if err := s.db.QueryRowContext(ctx, query, teamID, userID).Scan(&ok); err != nil {
		return false, fmt.Errorf("store: is team member: %w", err)
	}
	return ok, nil
}

// TeamsForUser returns the IDs of all teams the user belongs to.
func (s *Store) TeamsForUser(ctx context.Context, userID string) ([]string, error) {
	const query = `SELECT team_id FROM team_members WHERE user_id = $1`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("store: teams for user: %w", err)
	}
	defer rows.Close()

	var teams []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: teams for user scan: %w", err)
		}
		teams = append(teams, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: teams for user rows: %w", err)
	}
	return teams, nil
}

// TeamMemberIDs returns the user IDs of all members of a team. Used to scope
// offline notifications to users who actually share a room with the subject.
func (s *Store) TeamMemberIDs(ctx context.Context, teamID string) ([]string, error) {
	const query = `SELECT user_id FROM team_members WHERE team_id = $1`

	rows, err := s.db.QueryContext(ctx, query, teamID)
	if err != nil {
		return nil, fmt.Errorf("store: team member ids: %w", err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: team member ids scan: %w", err)
		}
		members = append(members, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: team member ids rows: %w", err)
	}
	return members, nil
}

// UpdateUserStatus records a user's online flag and last-seen timestamp.
func (s *Store) UpdateUserStatus(ctx context.Context, userID string, isOnline bool, lastSeen time.Time) error {
	const query = `UPDATE users SET is_online = $2, last_seen = $3 WHERE id = $1`

	if _, err := s.db.ExecContext(ctx, query, userID, isOnline, lastSeen); err != nil {
		return fmt.Errorf("store: update user status: %w", err)
	}
	return nil
}
