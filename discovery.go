package chatsync

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// ============================================================================
// Rooms
// ============================================================================

type RoomsClient struct{ c *Client }

// Create creates a room. Private rooms are created by OpenPrivate; Create
// accepts them too for callers managing their own lookup.
func (r *RoomsClient) Create(ctx context.Context, opts *CreateConversationOptions) (*Conversation, error) {
	if opts == nil {
		return nil, validationErr("room options are required")
	}
	if strings.TrimSpace(opts.Name) == "" {
		return nil, validationErr("room name is required")
	}
	if !opts.Kind.Valid() {
		return nil, validationErr("unknown room kind %q", opts.Kind)
	}
	if len(opts.MemberIDs) == 0 {
		return nil, validationErr("a room needs at least one member")
	}

	payload := map[string]any{
		"name":    opts.Name,
		"type":    wireKind(opts.Kind),
		"members": opts.MemberIDs,
	}
	if opts.CreatedBy != "" {
		payload["createdBy"] = opts.CreatedBy
	}
	if opts.ProjectID != "" {
		payload["project"] = opts.ProjectID
	}

	data, err := r.c.doRequest(ctx, http.MethodPost, "/chat/create", payload, nil)
	if err != nil {
		return nil, err
	}
	rec, err := unwrapRecord(data, "chatroom", "room", "data")
	if err != nil {
		return nil, err
	}
	room := r.c.normalizer.Conversation(rec)
	if room.ID == "" {
		return nil, fmt.Errorf("create room: response carries no room id: %w", ErrValidation)
	}
	return &room, nil
}

// List returns every room userID belongs to.
func (r *RoomsClient) List(ctx context.Context, userID string) ([]Conversation, error) {
	if userID == "" {
		return nil, validationErr("user id is required")
	}
	data, err := r.c.doRequest(ctx, http.MethodGet, "/chat/user/"+url.PathEscape(userID), nil, nil)
	if err != nil {
		return nil, err
	}
	records, err := decodeRecords(data, "chatrooms", "rooms", "data")
	if err != nil {
		return nil, err
	}
	rooms := make([]Conversation, 0, len(records))
	for _, rec := range records {
		rooms = append(rooms, r.c.normalizer.Conversation(rec))
	}
	return rooms, nil
}

// ListShared returns userID's project and group rooms, leaving out private
// chats.
func (r *RoomsClient) ListShared(ctx context.Context, userID string) ([]Conversation, error) {
	rooms, err := r.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	shared := rooms[:0]
	for _, room := range rooms {
		if room.Kind != KindPrivate {
			shared = append(shared, room)
		}
	}
	return shared, nil
}

// FindPrivate returns the first private room that has both users as
// members.
func FindPrivate(rooms []Conversation, userA, userB string) (Conversation, bool) {
	for _, room := range rooms {
		if room.Kind == KindPrivate && room.HasMember(userA) && room.HasMember(userB) {
			return room, true
		}
	}
	return Conversation{}, false
}

// PrivateRoomName is the name given to a new one-to-one room.
func PrivateRoomName(me, friend string) string {
	return fmt.Sprintf("Chat: %s & %s", me, friend)
}

func wireKind(k ConversationKind) string {
	if k == KindGroup {
		return "chatroom"
	}
	return string(k)
}

// OpenPrivate finds the private room shared with friend, creating it when
// there is none, and opens it. The lookup runs before every create, so
// repeating the call does not create a second room.
func (s *Session) OpenPrivate(ctx context.Context, friend Friend) (Conversation, []Message, error) {
	if friend.ID == "" {
		return Conversation{}, nil, validationErr("friend id is required")
	}
	if friend.ID == s.identity.ID {
		return Conversation{}, nil, validationErr("cannot open a private chat with yourself")
	}

	rooms, err := s.client.Rooms.List(ctx, s.identity.ID)
	if err != nil {
		return Conversation{}, nil, err
	}
	room, ok := FindPrivate(rooms, s.identity.ID, friend.ID)
	if !ok {
		created, err := s.client.Rooms.Create(ctx, &CreateConversationOptions{
			Name:      PrivateRoomName(s.identity.Name, friend.Name),
			Kind:      KindPrivate,
			MemberIDs: []string{s.identity.ID, friend.ID},
			CreatedBy: s.identity.ID,
		})
		if err != nil {
			return Conversation{}, nil, err
		}
		room = *created
		s.log.Info("private_room_created", zap.String("room", room.ID), zap.String("friend", friend.ID))
	}

	msgs, err := s.Open(ctx, room.ID)
	if err != nil {
		return room, nil, err
	}
	return room, msgs, nil
}

// ============================================================================
// Friends
// ============================================================================

type FriendsClient struct{ c *Client }

// List returns userID's friends. The backend stores either bare ids or
// populated user objects.
func (f *FriendsClient) List(ctx context.Context, userID string) ([]Friend, error) {
	if userID == "" {
		return nil, validationErr("user id is required")
	}
	data, err := f.c.doRequest(ctx, http.MethodGet, "/friendlist/"+url.PathEscape(userID), nil, nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[struct {
		FriendList struct {
			Friends []any `json:"friends"`
		} `json:"friendList"`
	}](data)
	if err != nil {
		return nil, err
	}
	friends := make([]Friend, 0, len(resp.FriendList.Friends))
	for _, v := range resp.FriendList.Friends {
		fr := f.c.normalizer.Friend(v)
		if fr.ID != "" {
			friends = append(friends, fr)
		}
	}
	return friends, nil
}
