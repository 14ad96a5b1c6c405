package chatsync

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
)

// UnknownSender is used when a record carries no sender name.
const UnknownSender = "Unknown"

// Sanitizer strips unsafe markup from message bodies. *bluemonday.Policy
// satisfies it.
type Sanitizer interface {
	Sanitize(s string) string
}

// DefaultSanitizer allows the markup users can produce in the composer and
// nothing that runs script.
func DefaultSanitizer() *bluemonday.Policy {
	return bluemonday.UGCPolicy()
}

// Normalizer turns loosely shaped backend records into canonical types.
// The backend is inconsistent across endpoints (id vs _id, sender object
// vs sender id, room vs conversationId); all of that is absorbed here.
type Normalizer struct {
	sanitizer Sanitizer
	now       func() time.Time
}

func NewNormalizer(s Sanitizer) *Normalizer {
	if s == nil {
		s = DefaultSanitizer()
	}
	return &Normalizer{sanitizer: s, now: time.Now}
}

// Sanitize cleans a body the same way incoming messages are cleaned.
func (n *Normalizer) Sanitize(body string) string {
	return n.sanitizer.Sanitize(body)
}

// Message normalizes a message record. fallbackConversation is used when
// the record does not say which conversation it belongs to, as with history
// responses.
func (n *Normalizer) Message(raw map[string]any, fallbackConversation string) Message {
	return n.message(raw, fallbackConversation, -1)
}

// message normalizes one record. pos is the record's index in a list
// response, or -1 for a record that arrived on its own.
func (n *Normalizer) message(raw map[string]any, fallbackConversation string, pos int) Message {
	m := Message{
		ID:             firstID(raw, "_id", "id"),
		ConversationID: firstID(raw, "conversationId", "room", "roomId", "chatRoom", "chat"),
		Body:           n.sanitizer.Sanitize(firstString(raw, "content", "body", "text", "message")),
		ClientID:       strOr(raw, "clientId", ""),
		DeliveryState:  DeliverySent,
	}
	if m.ConversationID == "" {
		m.ConversationID = fallbackConversation
	}

	switch s := raw["sender"].(type) {
	case map[string]any:
		m.SenderID = firstID(s, "_id", "id")
		m.SenderName = firstString(s, "name", "username", "fullName")
	case string:
		m.SenderID = s
	}
	if m.SenderID == "" {
		m.SenderID = strOr(raw, "senderId", "")
	}
	if m.SenderName == "" {
		m.SenderName = strOr(raw, "senderName", UnknownSender)
	}

	var dated bool
	m.CreatedAt, dated = n.timestamp(raw)
	m.undated = !dated
	if m.ID == "" {
		m.ID = syntheticID(m, pos)
	}
	return m
}

// Messages normalizes a list response. The backend answers either with a
// bare array or with {data|messages: [...]}.
func (n *Normalizer) Messages(data []byte, fallbackConversation string) ([]Message, error) {
	records, err := decodeRecords(data, "data", "messages")
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(records))
	for i, r := range records {
		out = append(out, n.message(r, fallbackConversation, i))
	}
	fillUndated(out)
	return out, nil
}

// fillUndated gives records without a timestamp the time of the closest
// dated record before them (or after them, for a leading run), so they keep
// their place in the response when sorted. A response with no dates at all
// keeps the normalizer's clock.
func fillUndated(msgs []Message) {
	var last time.Time
	pending := -1
	for i := range msgs {
		if !msgs[i].undated {
			last = msgs[i].CreatedAt
			if pending >= 0 {
				for j := pending; j < i; j++ {
					msgs[j].CreatedAt = last
				}
				pending = -1
			}
			continue
		}
		if last.IsZero() {
			if pending < 0 {
				pending = i
			}
			continue
		}
		msgs[i].CreatedAt = last
	}
}

func (n *Normalizer) Conversation(raw map[string]any) Conversation {
	c := Conversation{
		ID:        firstID(raw, "_id", "id"),
		Name:      strOr(raw, "name", ""),
		Kind:      normalizeKind(firstString(raw, "type", "kind")),
		ProjectID: firstID(raw, "project", "projectId"),
		CreatedBy: firstID(raw, "createdBy"),
	}
	if members, ok := raw["members"].([]any); ok {
		for _, v := range members {
			if id := idOf(v); id != "" {
				c.MemberIDs = append(c.MemberIDs, id)
			}
		}
	}
	return c
}

func (n *Normalizer) Friend(v any) Friend {
	f := Friend{ID: idOf(v)}
	if m, ok := v.(map[string]any); ok {
		f.Name = firstString(m, "name", "username")
	}
	if f.Name == "" {
		f.Name = "Friend " + lastN(f.ID, 4)
	}
	return f
}

func (n *Normalizer) timestamp(raw map[string]any) (time.Time, bool) {
	for _, key := range []string{"timestamp", "createdAt", "created_at"} {
		switch v := raw[key].(type) {
		case string:
			if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
				return t.UTC(), true
			}
			if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
				return time.UnixMilli(ms).UTC(), true
			}
		case float64:
			return time.UnixMilli(int64(v)).UTC(), true
		case json.Number:
			if ms, err := v.Int64(); err == nil {
				return time.UnixMilli(ms).UTC(), true
			}
		}
	}
	return n.now().UTC(), false
}

func normalizeKind(s string) ConversationKind {
	switch strings.ToLower(s) {
	case "private":
		return KindPrivate
	case "project":
		return KindProject
	default:
		return KindGroup
	}
}

// syntheticID derives a stable id for records that arrive without one, so
// loading the same history twice yields the same ids. An undated record in
// a list is keyed by its position instead of the clock.
func syntheticID(m Message, pos int) string {
	h := sha256.New()
	if m.undated && pos >= 0 {
		fmt.Fprintf(h, "%s|%s|@%d|%s", m.ConversationID, m.SenderID, pos, m.Body)
	} else {
		fmt.Fprintf(h, "%s|%s|%d|%s", m.ConversationID, m.SenderID, m.CreatedAt.UnixNano(), m.Body)
	}
	return "h-" + hex.EncodeToString(h.Sum(nil))[:16]
}

// ============================================================================
// Record helpers
// ============================================================================

func decodeRecords(data []byte, envelopeKeys ...string) ([]map[string]any, error) {
	var list []map[string]any
	if err := json.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	var env map[string]any
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	for _, key := range envelopeKeys {
		items, ok := env[key].([]any)
		if !ok {
			continue
		}
		list = make([]map[string]any, 0, len(items))
		for _, it := range items {
			if m, ok := it.(map[string]any); ok {
				list = append(list, m)
			}
		}
		return list, nil
	}
	return nil, nil
}

func idOf(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case map[string]any:
		return firstString(x, "_id", "id")
	}
	return ""
}

func firstID(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if id := idOf(m[k]); id != "" {
			return id
		}
	}
	return ""
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := strOr(m, k, ""); s != "" {
			return s
		}
	}
	return ""
}

func strOr(m map[string]any, key, fallback string) string {
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func lastN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
