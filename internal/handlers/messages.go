package handlers

import (
	"database/sql"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

type MessageHandler struct {
	db            *sql.DB
	onlineChecker OnlineChecker
}

func NewMessageHandler(db *sql.DB, onlineChecker OnlineChecker) *MessageHandler {
	return &MessageHandler{db: db, onlineChecker: onlineChecker}
}

type messageView struct {
	ID              int     `json:"id"`
	SenderID        int     `json:"sender_id"`
	ReceiverID      int     `json:"receiver_id"`
	Content         string  `json:"content"`
	IsRead          bool    `json:"is_read"`
	IsImage         bool    `json:"is_image"`
	ImageURL        *string `json:"image_url,omitempty"`
	OriginalContent *string `json:"original_content,omitempty"`
	EditedAt        *string `json:"edited_at,omitempty"`
	CreatedAt       string  `json:"created_at"`
	SenderName      string  `json:"sender_name"`
	SenderAvatar    *string `json:"sender_avatar,omitempty"`
}

// GetMessages returns the conversation history with one contact, oldest
// first. The counterpart must be in the caller's contact list.
func (h *MessageHandler) GetMessages(c *gin.Context) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	contactIDStr := c.Query("contact_id")
	if contactIDStr == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "contact_id query parameter required"})
		return
	}

	contactUserID, err := strconv.Atoi(contactIDStr)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid contact_id"})
		return
	}

	currentUserID := userID.(int)

	var hasContact bool
	err = h.db.QueryRow(
		"SELECT EXISTS(SELECT 1 FROM contacts WHERE user_id = ? AND contact_user_id = ?)",
		currentUserID, contactUserID,
	).Scan(&hasContact)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to check contact"})
		return
	}
	if !hasContact {
		c.JSON(http.StatusNotFound, gin.H{"error": "contact not found"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit > 100 {
		limit = 100
	}

	rows, err := h.db.Query(`
		SELECT m.id, m.sender_id, m.receiver_id, m.content, m.is_read, m.is_image,
			m.image_url, m.original_content, m.edited_at, m.created_at,
			u.username, u.avatar_url
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE (m.sender_id = ? AND m.receiver_id = ?) OR (m.sender_id = ? AND m.receiver_id = ?)
		ORDER BY m.created_at ASC
		LIMIT ? OFFSET ?
	`, currentUserID, contactUserID, contactUserID, currentUserID, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch messages"})
		return
	}
	defer rows.Close()

	messages := []*messageView{}
	for rows.Next() {
		mv := &messageView{}
		var imageURL, originalContent, senderAvatar sql.NullString
		var editedAt sql.NullTime
		var createdAt time.Time

		if err := rows.Scan(
			&mv.ID, &mv.SenderID, &mv.ReceiverID, &mv.Content, &mv.IsRead, &mv.IsImage,
			&imageURL, &originalContent, &editedAt, &createdAt,
			&mv.SenderName, &senderAvatar,
		); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to scan message"})
			return
		}

		mv.CreatedAt = createdAt.Format(time.RFC3339)
		if imageURL.Valid {
			mv.ImageURL = &imageURL.String
		}
		if originalContent.Valid {
			mv.OriginalContent = &originalContent.String
		}
		if editedAt.Valid {
			formatted := editedAt.Time.Format(time.RFC3339)
			mv.EditedAt = &formatted
		}
		if senderAvatar.Valid {
			mv.SenderAvatar = &senderAvatar.String
		}

		messages = append(messages, mv)
	}

	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

// GetUsers retrieves users other than the caller, optionally filtered by a
// search query, for the invite flow.
func (h *MessageHandler) GetUsers(c *gin.Context) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	searchQuery := strings.TrimSpace(c.Query("q"))

	var rows *sql.Rows
	var err error

	if searchQuery != "" {
		rows, err = h.db.Query(`
			SELECT id, username, display_name, avatar_url FROM users
			WHERE id != ? AND (username LIKE ? OR display_name LIKE ? OR email LIKE ?)
			ORDER BY username LIMIT 20
		`, userID, "%"+searchQuery+"%", "%"+searchQuery+"%", "%"+searchQuery+"%")
	} else {
		rows, err = h.db.Query(`
			SELECT id, username, display_name, avatar_url FROM users WHERE id != ? ORDER BY username LIMIT 20
		`, userID)
	}

	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch users"})
		return
	}
	defer rows.Close()

	type userWithOnline struct {
		ID          int     `json:"id"`
		Username    string  `json:"username"`
		DisplayName *string `json:"display_name,omitempty"`
		AvatarURL   *string `json:"avatar_url,omitempty"`
		IsOnline    bool    `json:"is_online"`
	}

	users := []userWithOnline{}
	for rows.Next() {
		var u userWithOnline
		var displayName, avatarURL sql.NullString
		if err := rows.Scan(&u.ID, &u.Username, &displayName, &avatarURL); err != nil {
			continue
		}
		if displayName.Valid {
			u.DisplayName = &displayName.String
		}
		if avatarURL.Valid {
			u.AvatarURL = &avatarURL.String
		}
		u.IsOnline = h.onlineChecker != nil && h.onlineChecker.IsUserOnline(u.ID)
		users = append(users, u)
	}

	c.JSON(http.StatusOK, users)
}

// ToggleStatus flips the caller's persisted online flag, creating the
// status row online on first use.
func (h *MessageHandler) ToggleStatus(c *gin.Context) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	currentUserID := userID.(int)

	var isOnline bool
	err := h.db.QueryRow("SELECT is_online FROM user_status WHERE user_id = ?", currentUserID).Scan(&isOnline)
	switch {
	case err == sql.ErrNoRows:
		isOnline = true
		_, err = h.db.Exec(
			"INSERT INTO user_status (user_id, is_online, last_seen) VALUES (?, 1, CURRENT_TIMESTAMP)",
			currentUserID,
		)
	case err == nil:
		isOnline = !isOnline
		_, err = h.db.Exec(
			"UPDATE user_status SET is_online = ?, last_seen = CURRENT_TIMESTAMP WHERE user_id = ?",
			isOnline, currentUserID,
		)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update status"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"user_id": currentUserID, "is_online": isOnline})
}
