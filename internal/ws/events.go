package ws

// inboundFrame is the decoded form of every client frame. The type
// discriminator selects which of the remaining fields matter; handlers
// validate their own required fields and drop the frame when they are
// missing.
type inboundFrame struct {
	Type      string  `json:"type"`
	Receiver  int     `json:"receiver"`
	Sender    int     `json:"sender"`
	Content   string  `json:"content"`
	MessageID int     `json:"message_id"`
	IsImage   bool    `json:"is_image"`
	ImageURL  *string `json:"image_url"`
	IsTyping  bool    `json:"is_typing"`
}

type chatMessagePayload struct {
	ID           string  `json:"id"`
	Content      string  `json:"content"`
	SenderID     string  `json:"senderId"`
	SenderName   string  `json:"senderName"`
	SenderAvatar *string `json:"senderAvatar"`
	IsImage      bool    `json:"isImage"`
	ImageURL     *string `json:"imageUrl"`
	Timestamp    string  `json:"timestamp"`
	IsRead       bool    `json:"isRead"`
}

type chatMessageEvent struct {
	Type    string             `json:"type"`
	Message chatMessagePayload `json:"message"`
}

type editedMessagePayload struct {
	ID       int    `json:"id"`
	Content  string `json:"content"`
	EditedAt string `json:"edited_at"`
}

type messageEditedEvent struct {
	Type    string               `json:"type"`
	Message editedMessagePayload `json:"message"`
}

type typingEvent struct {
	Type     string `json:"type"`
	UserID   int    `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

type readStatusEvent struct {
	Type     string `json:"type"`
	ReaderID int    `json:"reader_id"`
}

type errorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
