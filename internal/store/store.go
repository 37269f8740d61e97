// Package store holds the persistence operations behind the real-time
// session: message create/edit/mark-read, contact pair bookkeeping and the
// user_status table. REST handlers query the database directly; sessions
// only go through this store.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mkoohi/pejvak/internal/models"
)

var (
	ErrEmptyContent = errors.New("message content is empty")
	ErrNotFound     = errors.New("message not found")
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateMessage persists a new message and returns it with its assigned id
// and creation time.
func (s *Store) CreateMessage(senderID, receiverID int, content string, isImage bool, imageURL *string) (*models.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyContent
	}

	now := time.Now().UTC()
	result, err := s.db.Exec(`
		INSERT INTO messages (sender_id, receiver_id, content, is_read, is_image, image_url, created_at)
		VALUES (?, ?, ?, 0, ?, ?, ?)
	`, senderID, receiverID, content, isImage, imageURL, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get message id: %w", err)
	}

	return &models.Message{
		ID:         int(id),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		IsImage:    isImage,
		ImageURL:   imageURL,
		CreatedAt:  now,
	}, nil
}

// EditMessage replaces the content of a message owned by senderID. The
// first edit snapshots the pre-edit text into original_content; later
// edits leave the snapshot untouched. Returns ErrNotFound when the message
// does not exist or belongs to another sender.
func (s *Store) EditMessage(messageID, senderID int, newContent string) (*models.Message, error) {
	newContent = strings.TrimSpace(newContent)
	if newContent == "" {
		return nil, ErrEmptyContent
	}

	msg := &models.Message{}
	var imageURL, originalContent sql.NullString
	var editedAt sql.NullTime
	err := s.db.QueryRow(`
		SELECT id, sender_id, receiver_id, content, is_read, is_image, image_url, original_content, edited_at, created_at
		FROM messages WHERE id = ? AND sender_id = ?
	`, messageID, senderID).Scan(
		&msg.ID, &msg.SenderID, &msg.ReceiverID, &msg.Content, &msg.IsRead,
		&msg.IsImage, &imageURL, &originalContent, &editedAt, &msg.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch message: %w", err)
	}

	if imageURL.Valid {
		msg.ImageURL = &imageURL.String
	}

	now := time.Now().UTC()
	original := msg.Content
	if originalContent.Valid {
		// Only the first edit captures the original text.
		original = originalContent.String
	}

	// COALESCE against the row's current values keeps the snapshot
	// atomic when two sessions race on the first edit.
	_, err = s.db.Exec(`
		UPDATE messages SET original_content = COALESCE(original_content, content), content = ?, edited_at = ?
		WHERE id = ? AND sender_id = ?
	`, newContent, now, messageID, senderID)
	if err != nil {
		return nil, fmt.Errorf("failed to edit message: %w", err)
	}

	msg.Content = newContent
	msg.OriginalContent = &original
	msg.EditedAt = &now
	return msg, nil
}

// MarkMessagesRead flips is_read on every unread message from senderID to
// readerID and reports how many rows changed.
func (s *Store) MarkMessagesRead(senderID, readerID int) (int64, error) {
	result, err := s.db.Exec(`
		UPDATE messages SET is_read = 1
		WHERE sender_id = ? AND receiver_id = ? AND is_read = 0
	`, senderID, readerID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark messages read: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// UpdateLastMessage points both directions of the sender/receiver contact
// pair at the given message. At most two rows match.
func (s *Store) UpdateLastMessage(msg *models.Message) error {
	_, err := s.db.Exec(`
		UPDATE contacts SET last_message_id = ?
		WHERE (user_id = ? AND contact_user_id = ?) OR (user_id = ? AND contact_user_id = ?)
	`, msg.ID, msg.SenderID, msg.ReceiverID, msg.ReceiverID, msg.SenderID)
	if err != nil {
		return fmt.Errorf("failed to update last message: %w", err)
	}
	return nil
}

// ContactsOf returns the ids of every user who has userID in their contact
// list (the reverse edge, used for presence fan-out).
func (s *Store) ContactsOf(userID int) ([]int, error) {
	rows, err := s.db.Query("SELECT user_id FROM contacts WHERE contact_user_id = ?", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query contacts: %w", err)
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetOnline upserts the user's status row and returns the stored record.
// The row is created lazily on the first status change.
func (s *Store) SetOnline(userID int, online bool) (*models.UserStatus, error) {
	now := time.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO user_status (user_id, is_online, last_seen) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET is_online = excluded.is_online, last_seen = excluded.last_seen
	`, userID, online, now)
	if err != nil {
		return nil, fmt.Errorf("failed to set online status: %w", err)
	}
	return &models.UserStatus{UserID: userID, IsOnline: online, LastSeen: now}, nil
}

// CreateContactPair inserts both directed contact rows for the two users
// and returns the row owned by userID.
func (s *Store) CreateContactPair(userID, contactUserID int) (*models.Contact, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(
		"INSERT INTO contacts (user_id, contact_user_id) VALUES (?, ?)",
		userID, contactUserID,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, fmt.Errorf("contact already exists")
		}
		return nil, fmt.Errorf("failed to create contact: %w", err)
	}

	if _, err := tx.Exec(
		"INSERT INTO contacts (user_id, contact_user_id) VALUES (?, ?)",
		contactUserID, userID,
	); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, fmt.Errorf("contact already exists")
		}
		return nil, fmt.Errorf("failed to create contact: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit contact pair: %w", err)
	}

	id, _ := result.LastInsertId()
	return &models.Contact{
		ID:            int(id),
		UserID:        userID,
		ContactUserID: contactUserID,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// GetUser loads the public profile fields used in outbound events.
func (s *Store) GetUser(userID int) (*models.User, error) {
	user := &models.User{}
	var displayName, avatarURL sql.NullString
	err := s.db.QueryRow(
		"SELECT id, username, email, display_name, avatar_url, created_at FROM users WHERE id = ?",
		userID,
	).Scan(&user.ID, &user.Username, &user.Email, &displayName, &avatarURL, &user.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch user: %w", err)
	}
	if displayName.Valid {
		user.DisplayName = &displayName.String
	}
	if avatarURL.Valid {
		user.AvatarURL = &avatarURL.String
	}
	return user, nil
}
