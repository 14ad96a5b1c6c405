package chatsync

import (
	"sync/atomic"
	"testing"
	"time"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func msgAt(id string, offset time.Duration) Message {
	return Message{ID: id, ConversationID: "R1", SenderID: "u2", Body: id, CreatedAt: t0.Add(offset), DeliveryState: DeliverySent}
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func equalIDs(t *testing.T, got []Message, want ...string) {
	t.Helper()
	g := ids(got)
	if len(g) != len(want) {
		t.Fatalf("ids = %v, want %v", g, want)
	}
	for i := range g {
		if g[i] != want[i] {
			t.Fatalf("ids = %v, want %v", g, want)
		}
	}
}

func TestViewInsertOrdering(t *testing.T) {
	v := &conversationView{}
	v.insert(msgAt("c", 3*time.Second))
	v.insert(msgAt("a", time.Second))
	v.insert(msgAt("b", 2*time.Second))
	v.insert(msgAt("b2", 2*time.Second))
	v.insert(msgAt("z", 0))
	equalIDs(t, v.messages, "z", "a", "b", "b2", "c")
}

func TestViewReplaceAt(t *testing.T) {
	t.Run("keeps position", func(t *testing.T) {
		v := &conversationView{}
		for i, id := range []string{"a", "b", "c"} {
			v.insert(msgAt(id, time.Duration(i)*time.Second))
		}
		v.replaceAt(1, msgAt("b'", 1500*time.Millisecond))
		equalIDs(t, v.messages, "a", "b'", "c")
	})

	t.Run("repositions when order would break", func(t *testing.T) {
		v := &conversationView{}
		for i, id := range []string{"a", "b", "c"} {
			v.insert(msgAt(id, time.Duration(i)*time.Second))
		}
		v.replaceAt(0, msgAt("a'", 5*time.Second))
		equalIDs(t, v.messages, "b", "c", "a'")
		checkViewInvariants(t, v.messages)
	})
}

func TestViewAcknowledge(t *testing.T) {
	v := &conversationView{}
	prov := msgAt("prov-1", time.Second)
	prov.SenderName = "Alice"
	prov.DeliveryState = DeliveryPending
	v.insert(msgAt("a", 0))
	v.insert(prov)

	server := msgAt("srv-1", 1200*time.Millisecond)
	server.SenderName = UnknownSender
	server.Body = prov.Body
	i := v.matchEcho(server, 10*time.Second)
	if i != 1 {
		t.Fatalf("matchEcho = %d, want 1", i)
	}
	got := v.acknowledge(i, server)
	if got.ID != "srv-1" || got.ClientID != "prov-1" || got.DeliveryState != DeliverySent || got.SenderName != "Alice" {
		t.Errorf("unexpected acknowledged entry %+v", got)
	}
	equalIDs(t, v.messages, "a", "srv-1")

	if v.matchEcho(server, 10*time.Second) != -1 {
		t.Error("acknowledged entry must not match again")
	}
}

func TestIsEcho(t *testing.T) {
	local := Message{ID: "prov-1", SenderID: "u1", Body: "hi", CreatedAt: t0}
	tests := []struct {
		name     string
		incoming Message
		want     bool
	}{
		{"client id", Message{ClientID: "prov-1", SenderID: "u9", Body: "other"}, true},
		{"same content in window", Message{SenderID: "u1", Body: "hi", CreatedAt: t0.Add(3 * time.Second)}, true},
		{"earlier within window", Message{SenderID: "u1", Body: "hi", CreatedAt: t0.Add(-3 * time.Second)}, true},
		{"outside window", Message{SenderID: "u1", Body: "hi", CreatedAt: t0.Add(11 * time.Second)}, false},
		{"other sender", Message{SenderID: "u2", Body: "hi", CreatedAt: t0}, false},
		{"other body", Message{SenderID: "u1", Body: "hi!", CreatedAt: t0}, false},
		{"other client id", Message{ClientID: "prov-2", SenderID: "u1", Body: "hi", CreatedAt: t0}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isEcho(local, tt.incoming, 10*time.Second); got != tt.want {
				t.Errorf("isEcho = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestViewReplaceHistory(t *testing.T) {
	v := &conversationView{}
	v.insert(msgAt("old", 0))
	pending := Message{ID: "prov-1", SenderID: "u1", Body: "hello", CreatedAt: t0.Add(10 * time.Second), DeliveryState: DeliveryPending}
	unknown := Message{ID: "prov-2", SenderID: "u1", Body: "not yet", CreatedAt: t0.Add(20 * time.Second), DeliveryState: DeliveryFailed}
	v.insert(pending)
	v.insert(unknown)

	history := []Message{
		msgAt("h1", 5*time.Second),
		{ID: "h2", SenderID: "u1", Body: "hello", CreatedAt: t0.Add(11 * time.Second), DeliveryState: DeliverySent},
		msgAt("h1", 5*time.Second),
	}
	resolved := v.replaceHistory(history, 10*time.Second)

	equalIDs(t, v.messages, "h1", "h2", "prov-2")
	if len(resolved) != 1 || resolved[0].provisionalID != "prov-1" || resolved[0].message.ID != "h2" {
		t.Errorf("unexpected resolutions %+v", resolved)
	}
	if v.messages[1].ClientID != "prov-1" {
		t.Errorf("resolved history entry should remember its client id")
	}
}

func TestStoreNotifiesOutsideLock(t *testing.T) {
	s := NewStore()
	var calls int32
	s.OnChange(func(conv string) {
		// Reading from the listener must not deadlock.
		_ = s.Messages(conv)
		atomic.AddInt32(&calls, 1)
	})

	s.merge("R1", func(v *conversationView) bool {
		v.insert(msgAt("a", 0))
		return true
	})
	s.merge("R1", func(v *conversationView) bool { return false })
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("expected 1 notification, got %d", n)
	}
}

func TestStoreUnread(t *testing.T) {
	s := NewStore()
	s.incrementUnread("R2")
	s.incrementUnread("R2")
	if n := s.UnreadCount("R2"); n != 2 {
		t.Errorf("unread = %d", n)
	}
	s.ResetUnread("R2")
	if n := s.UnreadCount("R2"); n != 0 {
		t.Errorf("unread after reset = %d", n)
	}
	if n := s.UnreadCount("never-seen"); n != 0 {
		t.Errorf("unknown conversation unread = %d", n)
	}
}

func TestStoreTypingClears(t *testing.T) {
	s := NewStore()
	s.setTyping("R1", "Bob", 30*time.Millisecond)
	snap := s.Snapshot("R1")
	if !snap.IsTyping || snap.TypingUser != "Bob" {
		t.Fatalf("expected Bob typing, got %+v", snap)
	}
	waitFor(t, time.Second, func() bool { return !s.IsTyping("R1") })
}

func TestStoreFind(t *testing.T) {
	s := NewStore()
	s.merge("R1", func(v *conversationView) bool { v.insert(msgAt("a", 0)); return true })
	s.merge("R2", func(v *conversationView) bool { v.insert(msgAt("b", 0)); return true })
	if m, ok := s.find("b"); !ok || m.ID != "b" {
		t.Errorf("find(b) = %+v, %v", m, ok)
	}
	if _, ok := s.find("zzz"); ok {
		t.Error("found a message that does not exist")
	}
	if _, ok := s.Message("R1", "b"); ok {
		t.Error("Message must be scoped to its conversation")
	}
}
