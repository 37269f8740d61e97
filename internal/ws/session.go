package ws

import (
	"encoding/json"
	"log"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mkoohi/pejvak/internal/models"
	"github.com/mkoohi/pejvak/internal/presence"
	"github.com/mkoohi/pejvak/internal/store"
)

// Session lifecycle. Transitions only move forward; Closed is terminal.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateJoined
	StateActive
	StateClosing
	StateClosed
)

const (
	readTimeout    = 60 * time.Second
	writeTimeout   = 10 * time.Second
	pingInterval   = 54 * time.Second
	sendBufferSize = 256
)

// Session owns one client's live connection: it decodes inbound frames,
// runs the matching handler against the store, and serializes events
// queued by the registry back to the client.
type Session struct {
	userID    int
	username  string
	avatar    *string
	contactID string

	conn     *websocket.Conn
	registry *Registry
	store    *store.Store
	presence *presence.Tracker

	send      chan interface{}
	done      chan struct{}
	closeOnce sync.Once
	state     atomic.Int32
	groups    []string
}

func newSession(user *models.User, contactID string, conn *websocket.Conn, registry *Registry, st *store.Store, tracker *presence.Tracker) *Session {
	s := &Session{
		userID:    user.ID,
		username:  user.Username,
		avatar:    user.AvatarURL,
		contactID: contactID,
		conn:      conn,
		registry:  registry,
		store:     st,
		presence:  tracker,
		send:      make(chan interface{}, sendBufferSize),
		done:      make(chan struct{}),
	}
	s.state.Store(int32(StateAuthenticated))
	return s
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// join registers the session under its user group and the target
// conversation group, marks the user online and tells their contacts.
func (s *Session) join() {
	s.groups = []string{UserGroup(s.userID), ConversationGroup(s.contactID)}
	for _, group := range s.groups {
		s.registry.Join(group, s)
	}
	s.setState(StateJoined)

	if _, err := s.presence.SetOnline(s.userID, true); err != nil {
		log.Printf("ws: failed to set user %d online: %v", s.userID, err)
	}
	s.presence.NotifyContacts(s.userID, true)

	s.setState(StateActive)
}

// Close tears the session down exactly once: deregister from every joined
// group, mark the user offline, notify contacts, and release the
// transport. Each step runs even if an earlier one fails.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.setState(StateClosing)

		for _, group := range s.groups {
			s.registry.Leave(group, s)
		}

		if len(s.groups) > 0 {
			if _, err := s.presence.SetOnline(s.userID, false); err != nil {
				log.Printf("ws: failed to set user %d offline: %v", s.userID, err)
			}
			s.presence.NotifyContacts(s.userID, false)
		}

		close(s.done)
		if s.conn != nil {
			s.conn.Close()
		}
		s.setState(StateClosed)
	})
}

// enqueue hands an event to the session's outbound queue without blocking.
// It reports false when the session is gone or its queue is full.
func (s *Session) enqueue(event interface{}) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.send <- event:
		return true
	default:
		return false
	}
}

func (s *Session) readPump() {
	defer s.Close()

	s.conn.SetReadDeadline(time.Now().Add(readTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("ws: read error for user %d: %v", s.userID, err)
			}
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Printf("ws: malformed frame from user %d: %v", s.userID, err)
			continue
		}

		switch frame.Type {
		case "message":
			s.handleMessage(frame)
		case "edit":
			s.handleEdit(frame)
		case "typing":
			s.handleTyping(frame)
		case "read":
			s.handleRead(frame)
		default:
			// Unknown types are ignored without an error frame.
		}
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case event := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			data, err := json.Marshal(event)
			if err != nil {
				log.Printf("ws: failed to marshal event for user %d: %v", s.userID, err)
				continue
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// handleMessage persists a new message, repoints both contact rows at it,
// and fans the chat_message event out to the receiver's sessions and back
// to the sender's own sessions.
func (s *Session) handleMessage(frame inboundFrame) {
	if frame.Receiver == 0 || strings.TrimSpace(frame.Content) == "" {
		log.Printf("ws: message frame from user %d missing receiver or content", s.userID)
		return
	}

	msg, err := s.store.CreateMessage(s.userID, frame.Receiver, frame.Content, frame.IsImage, frame.ImageURL)
	if err != nil {
		log.Printf("ws: failed to save message from user %d: %v", s.userID, err)
		s.enqueue(errorEvent{Type: "error", Message: "Failed to send message"})
		return
	}

	if err := s.store.UpdateLastMessage(msg); err != nil {
		log.Printf("ws: failed to update last message for %d->%d: %v", s.userID, frame.Receiver, err)
		s.enqueue(errorEvent{Type: "error", Message: "Failed to send message"})
		return
	}

	event := chatMessageEvent{
		Type: "chat_message",
		Message: chatMessagePayload{
			ID:           strconv.Itoa(msg.ID),
			Content:      msg.Content,
			SenderID:     strconv.Itoa(s.userID),
			SenderName:   s.username,
			SenderAvatar: s.avatar,
			IsImage:      msg.IsImage,
			ImageURL:     msg.ImageURL,
			Timestamp:    msg.CreatedAt.Format(time.RFC3339),
			IsRead:       false,
		},
	}

	s.registry.BroadcastToUser(frame.Receiver, event)
	s.registry.BroadcastToUser(s.userID, event)
}

// handleEdit lets the original sender change a message's content. A
// missing or foreign message is a silent no-op.
func (s *Session) handleEdit(frame inboundFrame) {
	if frame.MessageID == 0 || strings.TrimSpace(frame.Content) == "" {
		log.Printf("ws: edit frame from user %d missing message_id or content", s.userID)
		return
	}

	msg, err := s.store.EditMessage(frame.MessageID, s.userID, frame.Content)
	if err != nil {
		if err != store.ErrNotFound {
			log.Printf("ws: failed to edit message %d for user %d: %v", frame.MessageID, s.userID, err)
		}
		return
	}

	event := messageEditedEvent{
		Type: "message_edited",
		Message: editedMessagePayload{
			ID:       msg.ID,
			Content:  msg.Content,
			EditedAt: msg.EditedAt.Format(time.RFC3339),
		},
	}

	s.registry.BroadcastToUser(s.userID, event)
	s.registry.BroadcastToUser(msg.ReceiverID, event)
}

// handleTyping forwards the indicator to the receiver's sessions only.
// Nothing is persisted.
func (s *Session) handleTyping(frame inboundFrame) {
	if frame.Receiver == 0 {
		return
	}

	s.registry.BroadcastToUser(frame.Receiver, typingEvent{
		Type:     "typing",
		UserID:   s.userID,
		IsTyping: frame.IsTyping,
	})
}

// handleRead acknowledges every unread message from the named sender to
// this user, then tells the sender's sessions.
func (s *Session) handleRead(frame inboundFrame) {
	if frame.Sender == 0 {
		return
	}

	if _, err := s.store.MarkMessagesRead(frame.Sender, s.userID); err != nil {
		log.Printf("ws: failed to mark messages from %d read for user %d: %v", frame.Sender, s.userID, err)
		return
	}

	s.registry.BroadcastToUser(frame.Sender, readStatusEvent{
		Type:     "read_status",
		ReaderID: s.userID,
	})
}
