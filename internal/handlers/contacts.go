package handlers

import (
	"database/sql"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mkoohi/pejvak/internal/store"
)

// OnlineChecker interface for checking user online status
type OnlineChecker interface {
	IsUserOnline(userID int) bool
}

type ContactHandler struct {
	db            *sql.DB
	store         *store.Store
	onlineChecker OnlineChecker
}

func NewContactHandler(db *sql.DB, st *store.Store, onlineChecker OnlineChecker) *ContactHandler {
	return &ContactHandler{db: db, store: st, onlineChecker: onlineChecker}
}

type lastMessagePreview struct {
	ID        int    `json:"id"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	IsRead    bool   `json:"is_read"`
	IsImage   bool   `json:"is_image"`
}

type contactPreview struct {
	ID          int                 `json:"id"`
	UserID      int                 `json:"user_id"`
	Username    string              `json:"username"`
	DisplayName *string             `json:"display_name,omitempty"`
	AvatarURL   *string             `json:"avatar_url,omitempty"`
	IsOnline    bool                `json:"is_online"`
	UnreadCount int                 `json:"unread_count"`
	LastMessage *lastMessagePreview `json:"last_message,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
}

// GetContacts lists the caller's contacts with counterpart details, unread
// counts and the latest message, most recently active first.
func (h *ContactHandler) GetContacts(c *gin.Context) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	currentUserID := userID.(int)

	rows, err := h.db.Query(`
		SELECT c.id, c.contact_user_id, u.username, u.display_name, u.avatar_url, c.created_at,
			lm.id, lm.content, lm.created_at, lm.is_read, lm.is_image,
			(SELECT COUNT(*) FROM messages m
			 WHERE m.sender_id = c.contact_user_id AND m.receiver_id = c.user_id AND m.is_read = 0)
		FROM contacts c
		JOIN users u ON u.id = c.contact_user_id
		LEFT JOIN messages lm ON lm.id = c.last_message_id
		WHERE c.user_id = ?
		ORDER BY lm.created_at IS NULL, lm.created_at DESC
	`, currentUserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch contacts"})
		return
	}
	defer rows.Close()

	contacts := []*contactPreview{}
	for rows.Next() {
		cp := &contactPreview{}
		var displayName, avatarURL, lmContent sql.NullString
		var lmID sql.NullInt64
		var lmCreatedAt sql.NullTime
		var lmIsRead, lmIsImage sql.NullBool

		if err := rows.Scan(
			&cp.ID, &cp.UserID, &cp.Username, &displayName, &avatarURL, &cp.CreatedAt,
			&lmID, &lmContent, &lmCreatedAt, &lmIsRead, &lmIsImage, &cp.UnreadCount,
		); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to scan contact"})
			return
		}

		if displayName.Valid {
			cp.DisplayName = &displayName.String
		}
		if avatarURL.Valid {
			cp.AvatarURL = &avatarURL.String
		}
		if lmID.Valid {
			cp.LastMessage = &lastMessagePreview{
				ID:        int(lmID.Int64),
				Content:   lmContent.String,
				Timestamp: lmCreatedAt.Time.Format(time.RFC3339),
				IsRead:    lmIsRead.Bool,
				IsImage:   lmIsImage.Bool,
			}
		}
		cp.IsOnline = h.onlineChecker != nil && h.onlineChecker.IsUserOnline(cp.UserID)

		contacts = append(contacts, cp)
	}

	c.JSON(http.StatusOK, gin.H{"contacts": contacts})
}

type InviteRequest struct {
	Email string `json:"email" binding:"required"`
}

// InviteContact creates the two directed contact rows between the caller
// and the user owning the given email address.
func (h *ContactHandler) InviteContact(c *gin.Context) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req InviteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))

	var contactUserID int
	err := h.db.QueryRow("SELECT id FROM users WHERE email = ?", email).Scan(&contactUserID)
	if err != nil {
		if err == sql.ErrNoRows {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch user"})
		return
	}

	currentUserID := userID.(int)
	if contactUserID == currentUserID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot add yourself as a contact"})
		return
	}

	contact, err := h.store.CreateContactPair(currentUserID, contactUserID)
	if err != nil {
		if strings.Contains(err.Error(), "already exists") {
			c.JSON(http.StatusConflict, gin.H{"error": "contact already exists"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create contact"})
		return
	}

	c.JSON(http.StatusCreated, contact)
}

// MarkContactRead flips every unread message from the contact to the
// caller, mirroring the websocket read frame for clients catching up over
// REST.
func (h *ContactHandler) MarkContactRead(c *gin.Context) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	contactID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid contact id"})
		return
	}

	currentUserID := userID.(int)

	var contactUserID int
	err = h.db.QueryRow(
		"SELECT contact_user_id FROM contacts WHERE id = ? AND user_id = ?",
		contactID, currentUserID,
	).Scan(&contactUserID)
	if err != nil {
		if err == sql.ErrNoRows {
			c.JSON(http.StatusNotFound, gin.H{"error": "contact not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch contact"})
		return
	}

	if _, err := h.store.MarkMessagesRead(contactUserID, currentUserID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update messages"})
		return
	}

	c.Status(http.StatusNoContent)
}
