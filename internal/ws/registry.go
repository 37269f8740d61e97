package ws

import (
	"fmt"
	"log"
	"sync"
)

// UserGroup is the per-user broadcast group key. Every live session a user
// owns is registered under it.
func UserGroup(userID int) string {
	return fmt.Sprintf("user:%d", userID)
}

// ConversationGroup is the per-conversation broadcast group key.
func ConversationGroup(contactID string) string {
	return "conversation:" + contactID
}

// Registry maps group keys to the sessions subscribed to them. It is the
// only state shared between connection goroutines.
type Registry struct {
	mu     sync.RWMutex
	groups map[string]map[*Session]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		groups: make(map[string]map[*Session]struct{}),
	}
}

// Join registers a session under a group key. Joining twice is a no-op.
func (r *Registry) Join(group string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.groups[group]
	if !ok {
		members = make(map[*Session]struct{})
		r.groups[group] = members
	}
	members[s] = struct{}{}
}

// Leave removes a session from a group. Leaving a group the session never
// joined is a no-op.
func (r *Registry) Leave(group string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.groups[group]
	if !ok {
		return
	}
	delete(members, s)
	if len(members) == 0 {
		delete(r.groups, group)
	}
}

// Broadcast delivers an event to every session currently in the group.
// Membership is snapshotted first so concurrent join/leave cannot break the
// iteration. A session that cannot accept the event is skipped for this
// round and torn down as if it had disconnected; other recipients are not
// affected.
func (r *Registry) Broadcast(group string, event interface{}) {
	r.mu.RLock()
	members := make([]*Session, 0, len(r.groups[group]))
	for s := range r.groups[group] {
		members = append(members, s)
	}
	r.mu.RUnlock()

	for _, s := range members {
		if !s.enqueue(event) {
			log.Printf("ws: dropping slow session for user %d in group %s", s.userID, group)
			go s.Close()
		}
	}
}

// BroadcastToUser sends an event to every session of one user.
func (r *Registry) BroadcastToUser(userID int, event interface{}) {
	r.Broadcast(UserGroup(userID), event)
}

// CloseAll tears down every live session. Called on server shutdown so
// each connected user is deregistered and marked offline before the
// process exits.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	sessions := make(map[*Session]struct{})
	for _, members := range r.groups {
		for s := range members {
			sessions[s] = struct{}{}
		}
	}
	r.mu.RUnlock()

	for s := range sessions {
		s.Close()
	}
}

// GroupSize reports the current number of sessions in a group.
func (r *Registry) GroupSize(group string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups[group])
}

// IsUserOnline reports whether the user has at least one live session.
func (r *Registry) IsUserOnline(userID int) bool {
	return r.GroupSize(UserGroup(userID)) > 0
}

// OnlineUserCount reports how many distinct users have a live session.
func (r *Registry) OnlineUserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for key, members := range r.groups {
		if len(members) > 0 && len(key) > 5 && key[:5] == "user:" {
			count++
		}
	}
	return count
}
