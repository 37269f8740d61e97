package ws

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	_ "github.com/mattn/go-sqlite3"

	"github.com/mkoohi/pejvak/internal/db"
	"github.com/mkoohi/pejvak/internal/presence"
	"github.com/mkoohi/pejvak/internal/store"
)

type testEnv struct {
	server   *httptest.Server
	db       *sql.DB
	registry *Registry
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("Failed to open test db: %v", err)
	}
	// Serialize access: shared-cache in-memory databases lock per table.
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec(db.Schema); err != nil {
		t.Fatalf("Failed to create schema: %v", err)
	}

	seed := []string{
		"INSERT INTO users (id, username, email, password_hash) VALUES (1, 'alice', 'alice@example.com', 'hash')",
		"INSERT INTO users (id, username, email, password_hash) VALUES (2, 'bob', 'bob@example.com', 'hash')",
		"INSERT INTO users (id, username, email, password_hash) VALUES (3, 'carol', 'carol@example.com', 'hash')",
		"INSERT INTO contacts (id, user_id, contact_user_id) VALUES (10, 1, 2)",
		"INSERT INTO contacts (id, user_id, contact_user_id) VALUES (11, 2, 1)",
	}
	for _, stmt := range seed {
		if _, err := conn.Exec(stmt); err != nil {
			t.Fatalf("Failed to seed data: %v", err)
		}
	}

	convStore := store.New(conn)
	registry := NewRegistry()
	tracker := presence.NewTracker(convStore, registry)
	gateway := NewGateway(registry, convStore, tracker)

	router := gin.New()
	// Test stand-in for the auth middleware: the uid query parameter names
	// the authenticated user.
	router.GET("/ws", func(c *gin.Context) {
		uid, err := strconv.Atoi(c.Query("uid"))
		if err == nil {
			c.Set("user_id", uid)
		}
		gateway.HandleWebSocket(c)
	})

	server := httptest.NewServer(router)
	t.Cleanup(func() {
		server.Close()
		conn.Close()
	})

	return &testEnv{server: server, db: conn, registry: registry}
}

func (env *testEnv) dial(t *testing.T, userID int, contactID string) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws?uid=" + strconv.Itoa(userID)
	if contactID != "" {
		wsURL += "&contact_id=" + contactID
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to connect user %d: %v", userID, err)
	}
	t.Cleanup(func() { conn.Close() })

	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame map[string]interface{}) {
	t.Helper()
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("Failed to send frame: %v", err)
	}
}

// framePumps feeds frames from each connection through a channel so the
// read helpers can wait with timeouts. Reading with a deadline directly on
// a gorilla conn would poison it: a timeout error is sticky and every later
// read fails immediately.
var (
	framePumpMu sync.Mutex
	framePumps  = map[*websocket.Conn]chan []byte{}
)

func frameChannel(conn *websocket.Conn) chan []byte {
	framePumpMu.Lock()
	defer framePumpMu.Unlock()

	ch, ok := framePumps[conn]
	if !ok {
		ch = make(chan []byte, 64)
		framePumps[conn] = ch
		go func() {
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					close(ch)
					framePumpMu.Lock()
					delete(framePumps, conn)
					framePumpMu.Unlock()
					return
				}
				ch <- data
			}
		}()
	}
	return ch
}

// readEventOfType skims frames until one with the wanted type arrives.
func readEventOfType(t *testing.T, conn *websocket.Conn, eventType string) map[string]interface{} {
	t.Helper()

	ch := frameChannel(conn)
	deadline := time.After(2 * time.Second)
	for {
		select {
		case data, ok := <-ch:
			if !ok {
				t.Fatalf("Failed waiting for %s event: connection closed", eventType)
			}

			var event map[string]interface{}
			if err := json.Unmarshal(data, &event); err != nil {
				continue
			}
			if event["type"] == eventType {
				return event
			}

		case <-deadline:
			t.Fatalf("Timed out waiting for %s event", eventType)
		}
	}
}

// expectNoEventOfType drains the connection briefly and fails if an event
// of the given type shows up.
func expectNoEventOfType(t *testing.T, conn *websocket.Conn, eventType string) {
	t.Helper()

	ch := frameChannel(conn)
	timeout := time.After(300 * time.Millisecond)
	for {
		select {
		case data, ok := <-ch:
			if !ok {
				return
			}

			var event map[string]interface{}
			if err := json.Unmarshal(data, &event); err != nil {
				continue
			}
			if event["type"] == eventType {
				t.Fatalf("Received unexpected %s event: %v", eventType, event)
			}

		case <-timeout:
			return
		}
	}
}

func waitForRegistration(t *testing.T, env *testEnv, userID int) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if env.registry.IsUserOnline(userID) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("User %d was never registered", userID)
}

func TestMessageDelivery(t *testing.T) {
	env := setupTestEnv(t)

	alice := env.dial(t, 1, "10")
	bob := env.dial(t, 2, "11")
	waitForRegistration(t, env, 1)
	waitForRegistration(t, env, 2)

	sendFrame(t, alice, map[string]interface{}{
		"type": "message", "receiver": 2, "content": "hi",
	})

	for _, conn := range []*websocket.Conn{bob, alice} {
		event := readEventOfType(t, conn, "chat_message")
		msg := event["message"].(map[string]interface{})
		if msg["content"] != "hi" {
			t.Errorf("Expected content 'hi', got %v", msg["content"])
		}
		if msg["senderName"] != "alice" {
			t.Errorf("Expected senderName 'alice', got %v", msg["senderName"])
		}
		if msg["isRead"] != false {
			t.Errorf("Expected isRead false, got %v", msg["isRead"])
		}
	}

	var count int
	env.db.QueryRow("SELECT COUNT(*) FROM messages WHERE sender_id = 1 AND receiver_id = 2").Scan(&count)
	if count != 1 {
		t.Errorf("Expected 1 persisted message, got %d", count)
	}

	// Both directions of the contact pair point at the new message.
	var updated int
	env.db.QueryRow("SELECT COUNT(*) FROM contacts WHERE last_message_id IS NOT NULL").Scan(&updated)
	if updated != 2 {
		t.Errorf("Expected 2 contact rows updated, got %d", updated)
	}
}

func TestMessageFrameMissingFieldsDroppedSilently(t *testing.T) {
	env := setupTestEnv(t)

	alice := env.dial(t, 1, "10")
	waitForRegistration(t, env, 1)

	sendFrame(t, alice, map[string]interface{}{"type": "message", "content": "no receiver"})
	sendFrame(t, alice, map[string]interface{}{"type": "message", "receiver": 2, "content": "   "})

	expectNoEventOfType(t, alice, "error")

	var count int
	env.db.QueryRow("SELECT COUNT(*) FROM messages").Scan(&count)
	if count != 0 {
		t.Errorf("Expected no persisted messages, got %d", count)
	}
}

func TestEditMessageSnapshotsOriginalOnce(t *testing.T) {
	env := setupTestEnv(t)

	alice := env.dial(t, 1, "10")
	bob := env.dial(t, 2, "11")
	waitForRegistration(t, env, 1)
	waitForRegistration(t, env, 2)

	sendFrame(t, alice, map[string]interface{}{
		"type": "message", "receiver": 2, "content": "first",
	})
	event := readEventOfType(t, bob, "chat_message")
	msgID, _ := strconv.Atoi(event["message"].(map[string]interface{})["id"].(string))

	sendFrame(t, alice, map[string]interface{}{
		"type": "edit", "message_id": msgID, "content": "second",
	})
	edited := readEventOfType(t, bob, "message_edited")
	editedMsg := edited["message"].(map[string]interface{})
	if editedMsg["content"] != "second" {
		t.Errorf("Expected edited content 'second', got %v", editedMsg["content"])
	}

	sendFrame(t, alice, map[string]interface{}{
		"type": "edit", "message_id": msgID, "content": "third",
	})
	readEventOfType(t, bob, "message_edited")

	var content, original string
	env.db.QueryRow("SELECT content, original_content FROM messages WHERE id = ?", msgID).Scan(&content, &original)
	if content != "third" {
		t.Errorf("Expected content 'third', got %q", content)
	}
	if original != "first" {
		t.Errorf("Expected original_content to stay 'first', got %q", original)
	}
}

func TestEditForeignMessageIsSilentNoOp(t *testing.T) {
	env := setupTestEnv(t)

	alice := env.dial(t, 1, "10")
	bob := env.dial(t, 2, "11")
	waitForRegistration(t, env, 1)
	waitForRegistration(t, env, 2)

	sendFrame(t, alice, map[string]interface{}{
		"type": "message", "receiver": 2, "content": "mine",
	})
	event := readEventOfType(t, bob, "chat_message")
	msgID, _ := strconv.Atoi(event["message"].(map[string]interface{})["id"].(string))

	// Bob tries to edit Alice's message.
	sendFrame(t, bob, map[string]interface{}{
		"type": "edit", "message_id": msgID, "content": "hijacked",
	})

	expectNoEventOfType(t, alice, "message_edited")
	expectNoEventOfType(t, bob, "error")

	var content string
	env.db.QueryRow("SELECT content FROM messages WHERE id = ?", msgID).Scan(&content)
	if content != "mine" {
		t.Errorf("Expected content unchanged, got %q", content)
	}
}

func TestTypingIsolation(t *testing.T) {
	env := setupTestEnv(t)

	alice := env.dial(t, 1, "10")
	bob := env.dial(t, 2, "11")
	carol := env.dial(t, 3, "99")
	waitForRegistration(t, env, 1)
	waitForRegistration(t, env, 2)
	waitForRegistration(t, env, 3)

	sendFrame(t, alice, map[string]interface{}{
		"type": "typing", "receiver": 2, "is_typing": true,
	})

	event := readEventOfType(t, bob, "typing")
	if event["user_id"] != float64(1) {
		t.Errorf("Expected user_id 1, got %v", event["user_id"])
	}
	if event["is_typing"] != true {
		t.Errorf("Expected is_typing true, got %v", event["is_typing"])
	}

	expectNoEventOfType(t, carol, "typing")

	var count int
	env.db.QueryRow("SELECT COUNT(*) FROM messages").Scan(&count)
	if count != 0 {
		t.Errorf("Typing indicator was persisted: %d messages", count)
	}
}

func TestReadReceipts(t *testing.T) {
	env := setupTestEnv(t)

	env.db.Exec("INSERT INTO messages (sender_id, receiver_id, content) VALUES (1, 2, 'one')")
	env.db.Exec("INSERT INTO messages (sender_id, receiver_id, content) VALUES (1, 2, 'two')")
	env.db.Exec("INSERT INTO messages (sender_id, receiver_id, content) VALUES (3, 2, 'from carol')")

	alice := env.dial(t, 1, "10")
	bob := env.dial(t, 2, "11")
	waitForRegistration(t, env, 1)
	waitForRegistration(t, env, 2)

	sendFrame(t, bob, map[string]interface{}{"type": "read", "sender": 1})

	event := readEventOfType(t, alice, "read_status")
	if event["reader_id"] != float64(2) {
		t.Errorf("Expected reader_id 2, got %v", event["reader_id"])
	}

	var unreadFromAlice, unreadFromCarol int
	env.db.QueryRow("SELECT COUNT(*) FROM messages WHERE sender_id = 1 AND receiver_id = 2 AND is_read = 0").Scan(&unreadFromAlice)
	env.db.QueryRow("SELECT COUNT(*) FROM messages WHERE sender_id = 3 AND receiver_id = 2 AND is_read = 0").Scan(&unreadFromCarol)

	if unreadFromAlice != 0 {
		t.Errorf("Expected all messages from alice read, %d still unread", unreadFromAlice)
	}
	if unreadFromCarol != 1 {
		t.Errorf("Messages from carol should be untouched, %d unread", unreadFromCarol)
	}
}

func TestPresenceOnConnectAndDisconnect(t *testing.T) {
	env := setupTestEnv(t)

	bob := env.dial(t, 2, "11")
	waitForRegistration(t, env, 2)

	alice := env.dial(t, 1, "10")
	waitForRegistration(t, env, 1)

	event := readEventOfType(t, bob, "user_status")
	if event["user_id"] != float64(1) || event["is_online"] != true {
		t.Errorf("Expected online status for user 1, got %v", event)
	}

	var isOnline bool
	env.db.QueryRow("SELECT is_online FROM user_status WHERE user_id = 1").Scan(&isOnline)
	if !isOnline {
		t.Error("Expected user 1 persisted as online")
	}

	alice.Close()

	event = readEventOfType(t, bob, "user_status")
	if event["user_id"] != float64(1) || event["is_online"] != false {
		t.Errorf("Expected offline status for user 1, got %v", event)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		env.db.QueryRow("SELECT is_online FROM user_status WHERE user_id = 1").Scan(&isOnline)
		if !isOnline {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if isOnline {
		t.Error("Expected user 1 persisted as offline after disconnect")
	}
}

func TestMissingContactIDClosesConnection(t *testing.T) {
	env := setupTestEnv(t)

	conn := env.dial(t, 1, "")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if err == nil {
		t.Fatal("Expected connection to be closed")
	}
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Errorf("Expected policy violation close, got %v", err)
	}

	if env.registry.IsUserOnline(1) {
		t.Error("Session without contact_id must not be registered")
	}
}

func TestUnauthenticatedConnectionRefused(t *testing.T) {
	env := setupTestEnv(t)

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws?contact_id=10"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("Expected handshake to fail without credentials")
	}
	if resp == nil || resp.StatusCode != 401 {
		t.Errorf("Expected 401 refusal, got %v", resp)
	}
}

func TestUnknownFrameTypeIgnored(t *testing.T) {
	env := setupTestEnv(t)

	alice := env.dial(t, 1, "10")
	bob := env.dial(t, 2, "11")
	waitForRegistration(t, env, 1)
	waitForRegistration(t, env, 2)

	sendFrame(t, alice, map[string]interface{}{"type": "bogus", "receiver": 2})
	expectNoEventOfType(t, alice, "error")

	// Session keeps working after the unknown frame.
	sendFrame(t, alice, map[string]interface{}{"type": "typing", "receiver": 2, "is_typing": true})
	readEventOfType(t, bob, "typing")
}

func TestPersistenceFailureSendsErrorFrameToSenderOnly(t *testing.T) {
	env := setupTestEnv(t)

	alice := env.dial(t, 1, "10")
	bob := env.dial(t, 2, "11")
	waitForRegistration(t, env, 1)
	waitForRegistration(t, env, 2)

	// Break the write path so CreateMessage fails.
	if _, err := env.db.Exec("DROP TABLE messages"); err != nil {
		t.Fatalf("Failed to drop messages table: %v", err)
	}

	sendFrame(t, alice, map[string]interface{}{
		"type": "message", "receiver": 2, "content": "doomed",
	})

	event := readEventOfType(t, alice, "error")
	if event["message"] != "Failed to send message" {
		t.Errorf("Unexpected error message: %v", event["message"])
	}

	expectNoEventOfType(t, bob, "chat_message")
	expectNoEventOfType(t, bob, "error")
	expectNoEventOfType(t, alice, "error")

	// The session survives the failed write.
	sendFrame(t, alice, map[string]interface{}{
		"type": "typing", "receiver": 2, "is_typing": true,
	})
	readEventOfType(t, bob, "typing")
}

func TestShutdownSweepMarksUsersOffline(t *testing.T) {
	env := setupTestEnv(t)

	alice := env.dial(t, 1, "10")
	bob := env.dial(t, 2, "11")
	waitForRegistration(t, env, 1)
	waitForRegistration(t, env, 2)

	env.registry.CloseAll()

	if env.registry.IsUserOnline(1) || env.registry.IsUserOnline(2) {
		t.Error("Expected all sessions deregistered after the sweep")
	}

	for userID := 1; userID <= 2; userID++ {
		var isOnline bool
		env.db.QueryRow("SELECT is_online FROM user_status WHERE user_id = ?", userID).Scan(&isOnline)
		if isOnline {
			t.Errorf("Expected user %d persisted as offline", userID)
		}
	}

	for _, conn := range []*websocket.Conn{alice, bob} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}
}
