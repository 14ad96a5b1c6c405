package chatsync

import (
	"testing"
	"time"
)

func fixedNormalizer(now time.Time) *Normalizer {
	n := NewNormalizer(nil)
	n.now = func() time.Time { return now }
	return n
}

func TestNormalizeMessage(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	n := fixedNormalizer(now)

	t.Run("populated sender", func(t *testing.T) {
		m := n.Message(map[string]any{
			"_id":       "m1",
			"room":      "R1",
			"content":   "hello",
			"sender":    map[string]any{"_id": "u2", "name": "Bob"},
			"timestamp": "2026-03-01T10:00:00.5Z",
		}, "")
		want := Message{
			ID:             "m1",
			ConversationID: "R1",
			SenderID:       "u2",
			SenderName:     "Bob",
			Body:           "hello",
			CreatedAt:      time.Date(2026, 3, 1, 10, 0, 0, 500_000_000, time.UTC),
			DeliveryState:  DeliverySent,
		}
		if m != want {
			t.Errorf("got %+v\nwant %+v", m, want)
		}
	})

	t.Run("bare sender id", func(t *testing.T) {
		m := n.Message(map[string]any{"id": "m2", "sender": "u3", "content": "x"}, "R9")
		if m.SenderID != "u3" || m.SenderName != UnknownSender {
			t.Errorf("unexpected sender %q/%q", m.SenderID, m.SenderName)
		}
		if m.ConversationID != "R9" {
			t.Errorf("fallback conversation not applied: %q", m.ConversationID)
		}
		if !m.CreatedAt.Equal(now) {
			t.Errorf("missing timestamp should default to now, got %s", m.CreatedAt)
		}
	})

	t.Run("flat sender fields", func(t *testing.T) {
		m := n.Message(map[string]any{"_id": "m3", "senderId": "u4", "senderName": "Dana", "text": "yo"}, "R1")
		if m.SenderID != "u4" || m.SenderName != "Dana" || m.Body != "yo" {
			t.Errorf("unexpected message %+v", m)
		}
	})

	t.Run("millisecond timestamps", func(t *testing.T) {
		at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		for _, v := range []any{float64(at.UnixMilli()), "1767323045000"} {
			m := n.Message(map[string]any{"_id": "m", "createdAt": v}, "R1")
			if !m.CreatedAt.Equal(at) {
				t.Errorf("timestamp %v parsed as %s", v, m.CreatedAt)
			}
		}
	})

	t.Run("populated room", func(t *testing.T) {
		m := n.Message(map[string]any{"_id": "m", "room": map[string]any{"_id": "R5", "name": "general"}}, "")
		if m.ConversationID != "R5" {
			t.Errorf("room object not resolved, got %q", m.ConversationID)
		}
	})

	t.Run("client id", func(t *testing.T) {
		m := n.Message(map[string]any{"_id": "m", "clientId": "prov-1"}, "R1")
		if m.ClientID != "prov-1" {
			t.Errorf("client id dropped: %+v", m)
		}
	})
}

func TestNormalizeMessageSyntheticID(t *testing.T) {
	n := NewNormalizer(nil)
	raw := map[string]any{
		"room":      "R1",
		"content":   "no id",
		"sender":    map[string]any{"id": "u2"},
		"timestamp": "2026-03-01T10:00:00Z",
	}
	a, b := n.Message(raw, ""), n.Message(raw, "")
	if a.ID == "" || a.ID != b.ID {
		t.Fatalf("synthetic ids must be stable, got %q and %q", a.ID, b.ID)
	}
	raw["content"] = "other"
	if c := n.Message(raw, ""); c.ID == a.ID {
		t.Error("different content produced the same synthetic id")
	}
}

func TestNormalizeSanitizes(t *testing.T) {
	n := NewNormalizer(nil)
	m := n.Message(map[string]any{"_id": "m", "content": `<script>alert(1)</script>hi <b>there</b>`}, "R1")
	if m.Body != "hi <b>there</b>" {
		t.Errorf("unexpected sanitized body %q", m.Body)
	}
}

type upperSanitizer struct{}

func (upperSanitizer) Sanitize(s string) string { return "[" + s + "]" }

func TestNormalizeCustomSanitizer(t *testing.T) {
	n := NewNormalizer(upperSanitizer{})
	if got := n.Sanitize("x"); got != "[x]" {
		t.Errorf("custom sanitizer not used, got %q", got)
	}
}

func TestNormalizeMessages(t *testing.T) {
	n := NewNormalizer(nil)
	for name, body := range map[string]string{
		"bare array":        `[{"_id":"a"},{"_id":"b"}]`,
		"data envelope":     `{"data":[{"_id":"a"},{"_id":"b"}]}`,
		"messages envelope": `{"messages":[{"_id":"a"},{"_id":"b"}]}`,
	} {
		t.Run(name, func(t *testing.T) {
			msgs, err := n.Messages([]byte(body), "R1")
			if err != nil {
				t.Fatal(err)
			}
			if len(msgs) != 2 || msgs[0].ID != "a" || msgs[1].ConversationID != "R1" {
				t.Errorf("unexpected messages %+v", msgs)
			}
		})
	}

	if _, err := n.Messages([]byte(`not json`), "R1"); err == nil {
		t.Error("expected error for invalid body")
	}
}

func TestNormalizeConversation(t *testing.T) {
	n := NewNormalizer(nil)
	tests := []struct {
		typ  any
		want ConversationKind
	}{
		{"private", KindPrivate},
		{"Project", KindProject},
		{"chatroom", KindGroup},
		{nil, KindGroup},
	}
	for _, tt := range tests {
		c := n.Conversation(map[string]any{"_id": "R1", "type": tt.typ})
		if c.Kind != tt.want {
			t.Errorf("type %v: kind = %s, want %s", tt.typ, c.Kind, tt.want)
		}
	}

	c := n.Conversation(map[string]any{
		"_id":       "R2",
		"name":      "Design",
		"type":      "project",
		"project":   map[string]any{"_id": "P1"},
		"createdBy": "u1",
		"members":   []any{"u1", map[string]any{"_id": "u2", "name": "Bob"}, 7},
	})
	if c.ProjectID != "P1" || c.CreatedBy != "u1" {
		t.Errorf("unexpected refs %+v", c)
	}
	if len(c.MemberIDs) != 2 || !c.HasMember("u2") || c.HasMember("u3") {
		t.Errorf("unexpected members %v", c.MemberIDs)
	}
}

func TestNormalizeFriend(t *testing.T) {
	n := NewNormalizer(nil)
	if f := n.Friend("64f0c0ffee1234"); f.ID != "64f0c0ffee1234" || f.Name != "Friend 1234" {
		t.Errorf("unexpected friend %+v", f)
	}
	if f := n.Friend(map[string]any{"_id": "u9", "name": "Zoe"}); f.ID != "u9" || f.Name != "Zoe" {
		t.Errorf("unexpected friend %+v", f)
	}
	if f := n.Friend(42); f.ID != "" {
		t.Errorf("non-id value produced %+v", f)
	}
}

func TestNormalizeMessagesUndated(t *testing.T) {
	data := []byte(`[
		{"content": "leading", "sender": "u2"},
		{"_id": "m1", "content": "dated", "sender": "u2", "timestamp": "2026-03-01T10:00:00Z"},
		{"content": "trailing", "sender": "u2"}
	]`)
	first, err := fixedNormalizer(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)).Messages(data, "R1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := fixedNormalizer(time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC)).Messages(data, "R1")
	if err != nil {
		t.Fatal(err)
	}

	dated := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Errorf("record %d: synthetic id depends on the clock: %q vs %q", i, first[i].ID, second[i].ID)
		}
		if !first[i].CreatedAt.Equal(dated) || !second[i].CreatedAt.Equal(dated) {
			t.Errorf("record %d: expected the neighbouring timestamp, got %s and %s", i, first[i].CreatedAt, second[i].CreatedAt)
		}
	}
	if first[0].ID == first[2].ID {
		t.Error("undated records at different positions share an id")
	}
}
