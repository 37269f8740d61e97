package models

import "time"

type User struct {
	ID          int       `json:"id"`
	Username    string    `json:"username"`
	Email       string    `json:"email,omitempty"`
	DisplayName *string   `json:"display_name,omitempty"`
	AvatarURL   *string   `json:"avatar_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type Message struct {
	ID              int        `json:"id"`
	SenderID        int        `json:"sender_id"`
	ReceiverID      int        `json:"receiver_id"`
	Content         string     `json:"content"`
	IsRead          bool       `json:"is_read"`
	IsImage         bool       `json:"is_image"`
	ImageURL        *string    `json:"image_url,omitempty"`
	OriginalContent *string    `json:"original_content,omitempty"`
	EditedAt        *time.Time `json:"edited_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Contact is one direction of a contact pair. Rows are created two at a
// time (owner->counterpart and counterpart->owner) so each side keeps its
// own last-message pointer and unread count.
type Contact struct {
	ID            int       `json:"id"`
	UserID        int       `json:"user_id"`
	ContactUserID int       `json:"contact_user_id"`
	LastMessageID *int      `json:"last_message_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type UserStatus struct {
	UserID   int       `json:"user_id"`
	IsOnline bool      `json:"is_online"`
	LastSeen time.Time `json:"last_seen"`
}
