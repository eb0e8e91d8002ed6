package gateway

import (
	"encoding/json"

	"github.com/MininduBimsara/SocketSphere/cache"
	"github.com/MininduBimsara/SocketSphere/presence"
)

// Inbound events.
const (
	EventJoin              = "join"
	EventSendMessage       = "sendMessage"
	EventGetRecentMessages = "getRecentMessages"
	EventTyping            = "typing"
	EventStopTyping        = "stopTyping"
	EventGetOnlineUsers    = "getOnlineUsers"
	EventLeave             = "leave"
)

// Outbound events.
const (
	EventConnected         = "connected"
	EventJoinSuccess       = "joinSuccess"
	EventUserJoined        = "userJoined"
	EventUserLeft          = "userLeft"
	EventOnlineCount       = "onlineCount"
	EventNewMessage        = "newMessage"
	EventRecentMessages    = "recentMessages"
	EventUserTyping        = "userTyping"
	EventUserStoppedTyping = "userStoppedTyping"
	EventOnlineUsers       = "onlineUsers"
	EventError             = "error"
)

// Envelope is the inbound wire shape: a named event with an opaque payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// JoinPayload is the payload of the join event.
type JoinPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// SendMessagePayload is the payload of the sendMessage event.
type SendMessagePayload struct {
	UserID string `json:"userId"`
	Text   string `json:"text"`
}

// RecentMessagesPayload is the payload of the getRecentMessages event.
type RecentMessagesPayload struct {
	Limit int `json:"limit,omitempty"`
}

// TypingPayload is the payload of the typing and stopTyping events.
type TypingPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
}

// LeavePayload is the payload of the leave event.
type LeavePayload struct {
	UserID string `json:"userId"`
}

// ConnectedPayload acknowledges a new connection.
type ConnectedPayload struct {
	ConnectionID string `json:"connectionId"`
}

// OnlineCountPayload carries the cluster-wide online count.
type OnlineCountPayload struct {
	Count int64 `json:"count"`
}

// JoinSuccessPayload confirms a join to the joining connection only.
type JoinSuccessPayload struct {
	Session presence.Session `json:"session"`
}

// UserEventPayload announces a user joining, leaving, or typing.
type UserEventPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
}

// RecentMessagesResponse carries recent history, oldest first.
type RecentMessagesResponse struct {
	Messages []cache.ChatMessage `json:"messages"`
}

// OnlineUsersPayload lists the user IDs currently online cluster-wide.
type OnlineUsersPayload struct {
	Users []string `json:"users"`
}
