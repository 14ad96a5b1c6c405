package chatsync

import "time"

// ============================================================================
// Messages
// ============================================================================

// DeliveryState tracks an outgoing message through the send pipeline.
// Messages loaded from history or sent by other participants are always
// DeliverySent.
type DeliveryState string

const (
	DeliveryPending DeliveryState = "pending"
	DeliverySent    DeliveryState = "sent"
	DeliveryFailed  DeliveryState = "failed"
)

// Message is the canonical, normalized chat message held in a conversation
// view. ID is either a server id or a provisional id ("prov-<uuid>") for a
// message that has not been acknowledged yet.
type Message struct {
	ID             string        `json:"id" yaml:"id"`
	ConversationID string        `json:"conversationId" yaml:"conversation_id"`
	SenderID       string        `json:"senderId" yaml:"sender_id"`
	SenderName     string        `json:"senderName" yaml:"sender_name"`
	Body           string        `json:"body" yaml:"body"`
	CreatedAt      time.Time     `json:"createdAt" yaml:"created_at"`
	DeliveryState  DeliveryState `json:"deliveryState" yaml:"delivery_state"`

	// ClientID keeps the provisional id after acknowledgment so a late echo
	// of the same send can still be recognized.
	ClientID string `json:"clientId,omitempty" yaml:"client_id,omitempty"`

	// undated is set when the record carried no timestamp and CreatedAt
	// was filled in locally.
	undated bool
}

// Provisional reports whether m has not been acknowledged by the server.
func (m Message) Provisional() bool {
	return m.DeliveryState == DeliveryPending || m.DeliveryState == DeliveryFailed
}

// ============================================================================
// Conversations
// ============================================================================

type ConversationKind string

const (
	KindPrivate ConversationKind = "private"
	KindProject ConversationKind = "project"
	KindGroup   ConversationKind = "group"
)

// Valid reports whether k is one of the known kinds.
func (k ConversationKind) Valid() bool {
	switch k {
	case KindPrivate, KindProject, KindGroup:
		return true
	}
	return false
}

// Conversation is a chat room: a private one-to-one chat, a project room or
// a free-form group.
type Conversation struct {
	ID        string           `json:"id" yaml:"id"`
	Name      string           `json:"name" yaml:"name"`
	Kind      ConversationKind `json:"kind" yaml:"kind"`
	MemberIDs []string         `json:"memberIds" yaml:"member_ids"`
	ProjectID string           `json:"projectId,omitempty" yaml:"project_id,omitempty"`
	CreatedBy string           `json:"createdBy,omitempty" yaml:"created_by,omitempty"`
}

// HasMember reports whether userID belongs to the conversation.
func (c Conversation) HasMember(userID string) bool {
	for _, id := range c.MemberIDs {
		if id == userID {
			return true
		}
	}
	return false
}

type CreateConversationOptions struct {
	Name      string
	Kind      ConversationKind
	MemberIDs []string
	CreatedBy string
	ProjectID string
}

// ============================================================================
// People
// ============================================================================

type Friend struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

// Identity is the authenticated user a Session acts as.
type Identity struct {
	ID   string `json:"id" toml:"id"`
	Name string `json:"name" toml:"name"`
	Role string `json:"role,omitempty" toml:"role"`
}

type LoginResult struct {
	Token    string
	Identity Identity
}

// ============================================================================
// Wire payloads
// ============================================================================

// WireSender is the sender object embedded in outgoing and echoed messages.
type WireSender struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// SendMessagePayload is emitted on the send event and posted to the REST
// send endpoint.
type SendMessagePayload struct {
	Content   string     `json:"content"`
	Sender    WireSender `json:"sender"`
	Room      string     `json:"room"`
	Timestamp string     `json:"timestamp"`
	ClientID  string     `json:"clientId,omitempty"`
}

type TypingPayload struct {
	Room   string `json:"room"`
	UserID string `json:"userId"`
}

// EventNames maps the synchronizer's logical events onto the names the
// backend uses on the wire.
type EventNames struct {
	JoinRoom     string
	LeaveRoom    string
	JoinUserRoom string
	SendMessage  string
	NewMessage   string
	Typing       string
	UserTyping   string
	RoomUpdated  string
}

// DefaultEventNames returns the event names used by the dashboard backend.
func DefaultEventNames() EventNames {
	return EventNames{
		JoinRoom:     "joinRoom",
		LeaveRoom:    "leaveRoom",
		JoinUserRoom: "joinUserRoom",
		SendMessage:  "sendMessage",
		NewMessage:   "newMessage",
		Typing:       "typing",
		UserTyping:   "userTyping",
		RoomUpdated:  "roomUpdated",
	}
}

func (e *EventNames) defaults() {
	d := DefaultEventNames()
	if e.JoinRoom == "" {
		e.JoinRoom = d.JoinRoom
	}
	if e.LeaveRoom == "" {
		e.LeaveRoom = d.LeaveRoom
	}
	if e.JoinUserRoom == "" {
		e.JoinUserRoom = d.JoinUserRoom
	}
	if e.SendMessage == "" {
		e.SendMessage = d.SendMessage
	}
	if e.NewMessage == "" {
		e.NewMessage = d.NewMessage
	}
	if e.Typing == "" {
		e.Typing = d.Typing
	}
	if e.UserTyping == "" {
		e.UserTyping = d.UserTyping
	}
	if e.RoomUpdated == "" {
		e.RoomUpdated = d.RoomUpdated
	}
}
