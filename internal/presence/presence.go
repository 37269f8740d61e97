// Package presence keeps the persisted online/offline state per user and
// fans status changes out to the users who have them as a contact.
package presence

import (
	"log"

	"github.com/mkoohi/pejvak/internal/models"
	"github.com/mkoohi/pejvak/internal/store"
)

// Broadcaster delivers an event to every live session of one user.
type Broadcaster interface {
	BroadcastToUser(userID int, event interface{})
}

type statusEvent struct {
	Type     string `json:"type"`
	UserID   int    `json:"user_id"`
	IsOnline bool   `json:"is_online"`
}

type Tracker struct {
	store    *store.Store
	registry Broadcaster
}

func NewTracker(st *store.Store, registry Broadcaster) *Tracker {
	return &Tracker{store: st, registry: registry}
}

// SetOnline persists the flag, creating the status row on first use.
func (t *Tracker) SetOnline(userID int, online bool) (*models.UserStatus, error) {
	return t.store.SetOnline(userID, online)
}

// NotifyContacts broadcasts a user_status event to everyone holding the
// user as a contact. Lookup failures are logged and absorbed; a missed
// notification is not worth tearing a session down for.
func (t *Tracker) NotifyContacts(userID int, online bool) {
	contacts, err := t.store.ContactsOf(userID)
	if err != nil {
		log.Printf("presence: failed to resolve contacts of user %d: %v", userID, err)
		return
	}

	event := statusEvent{Type: "user_status", UserID: userID, IsOnline: online}
	for _, contactID := range contacts {
		t.registry.BroadcastToUser(contactID, event)
	}
}
