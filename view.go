package chatsync

import (
	"sort"
	"sync"
	"time"
)

// ============================================================================
// Conversation view
// ============================================================================

// conversationView is the mutable state behind one conversation. It is only
// touched inside Store.merge.
type conversationView struct {
	messages   []Message
	unread     int
	typingUser string
	typingGen  uint64
	typing     *time.Timer
	// live holds ids merged from realtime events that no loaded history
	// has contained so far.
	live map[string]bool
}

func (v *conversationView) indexOf(id string) int {
	for i := range v.messages {
		if v.messages[i].ID == id {
			return i
		}
	}
	return -1
}

// insert places m after every entry with an equal or earlier CreatedAt.
func (v *conversationView) insert(m Message) {
	i := sort.Search(len(v.messages), func(i int) bool {
		return v.messages[i].CreatedAt.After(m.CreatedAt)
	})
	v.messages = append(v.messages, Message{})
	copy(v.messages[i+1:], v.messages[i:])
	v.messages[i] = m
}

func (v *conversationView) removeAt(i int) {
	v.messages = append(v.messages[:i], v.messages[i+1:]...)
}

// replaceAt swaps the entry at i for m, keeping its position unless m's
// timestamp would break the ordering with its neighbours.
func (v *conversationView) replaceAt(i int, m Message) {
	v.messages[i] = m
	if (i > 0 && v.messages[i-1].CreatedAt.After(m.CreatedAt)) ||
		(i < len(v.messages)-1 && m.CreatedAt.After(v.messages[i+1].CreatedAt)) {
		v.removeAt(i)
		v.insert(m)
	}
}

// matchEcho returns the index of the provisional entry that incoming is the
// server copy of, or -1.
func (v *conversationView) matchEcho(incoming Message, window time.Duration) int {
	for i := range v.messages {
		if v.messages[i].Provisional() && isEcho(v.messages[i], incoming, window) {
			return i
		}
	}
	return -1
}

// acknowledge replaces the provisional entry i with its server copy.
func (v *conversationView) acknowledge(i int, ack Message) Message {
	ack.ClientID = v.messages[i].ID
	ack.DeliveryState = DeliverySent
	if ack.SenderName == "" || ack.SenderName == UnknownSender {
		ack.SenderName = v.messages[i].SenderName
	}
	v.replaceAt(i, ack)
	return ack
}

func (v *conversationView) setState(id string, from, to DeliveryState) bool {
	i := v.indexOf(id)
	if i < 0 || v.messages[i].DeliveryState != from {
		return false
	}
	v.messages[i].DeliveryState = to
	return true
}

// isEcho reports whether incoming is the server's copy of the provisional
// message local: it either carries local's client id, or has the same
// sender and body within window of local's timestamp.
func isEcho(local, incoming Message, window time.Duration) bool {
	if incoming.ClientID != "" && incoming.ClientID == local.ID {
		return true
	}
	if local.SenderID != incoming.SenderID || local.Body != incoming.Body {
		return false
	}
	d := local.CreatedAt.Sub(incoming.CreatedAt)
	if d < 0 {
		d = -d
	}
	return d <= window
}

type echoResolution struct {
	provisionalID string
	message       Message
}

// replaceHistory swaps the view's contents for a freshly loaded history.
// Local entries the server does not know about yet (provisional, just
// acknowledged, or delivered live and missing from the response) are kept;
// provisional ones the history already contains are resolved against it.
func (v *conversationView) replaceHistory(history []Message, window time.Duration) []echoResolution {
	previous := make(map[string]time.Time, len(v.messages))
	for _, m := range v.messages {
		previous[m.ID] = m.CreatedAt
	}

	seen := make(map[string]bool, len(history))
	fresh := make([]Message, 0, len(history))
	for _, m := range history {
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		if at, ok := previous[m.ID]; ok && m.undated {
			m.CreatedAt = at
		}
		fresh = append(fresh, m)
	}
	sort.SliceStable(fresh, func(i, j int) bool {
		return fresh[i].CreatedAt.Before(fresh[j].CreatedAt)
	})

	var locals []Message
	for _, m := range v.messages {
		if seen[m.ID] {
			continue
		}
		if m.Provisional() || m.ClientID != "" || v.live[m.ID] {
			locals = append(locals, m)
		}
	}
	for id := range v.live {
		if seen[id] {
			delete(v.live, id)
		}
	}

	v.messages = fresh
	var (
		resolved []echoResolution
		keep     []Message
	)
	claimed := make(map[string]bool)
	for _, l := range locals {
		if !l.Provisional() {
			keep = append(keep, l)
			continue
		}
		match := -1
		for i := range v.messages {
			c := v.messages[i]
			if !claimed[c.ID] && c.ClientID == "" && isEcho(l, c, window) {
				match = i
				break
			}
		}
		if match < 0 {
			keep = append(keep, l)
			continue
		}
		claimed[v.messages[match].ID] = true
		v.messages[match].ClientID = l.ID
		resolved = append(resolved, echoResolution{provisionalID: l.ID, message: v.messages[match]})
	}
	for _, m := range keep {
		v.insert(m)
	}
	return resolved
}

// insertLive inserts a message delivered by a realtime event. Such entries
// survive a history reload that does not contain them yet.
func (v *conversationView) insertLive(m Message) {
	v.insert(m)
	if v.live == nil {
		v.live = make(map[string]bool)
	}
	v.live[m.ID] = true
}

// ============================================================================
// Store
// ============================================================================

// ViewSnapshot is a read-only copy of a conversation's view model.
type ViewSnapshot struct {
	ConversationID string
	Messages       []Message
	UnreadCount    int
	IsTyping       bool
	TypingUser     string
}

// Store holds the view model of every conversation the session has seen.
// All writes go through merge, so a conversation is never mutated by two
// writers at once and every intermediate state is observable only between
// whole merges.
type Store struct {
	mu        sync.Mutex
	views     map[string]*conversationView
	listeners []func(conversationID string)
}

func NewStore() *Store {
	return &Store{views: make(map[string]*conversationView)}
}

// OnChange registers fn to be called after every change to a conversation.
// fn runs outside the store lock and may read the store.
func (s *Store) OnChange(fn func(conversationID string)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// merge applies fn to the conversation's view under the store lock. fn
// reports whether it changed anything.
func (s *Store) merge(conversationID string, fn func(v *conversationView) bool) bool {
	s.mu.Lock()
	v, ok := s.views[conversationID]
	if !ok {
		v = &conversationView{}
		s.views[conversationID] = v
	}
	changed := fn(v)
	listeners := s.listeners
	s.mu.Unlock()

	if changed {
		for _, l := range listeners {
			l(conversationID)
		}
	}
	return changed
}

func (s *Store) read(conversationID string, fn func(v *conversationView)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.views[conversationID]; ok {
		fn(v)
	}
}

// Snapshot returns a copy of the conversation's view model.
func (s *Store) Snapshot(conversationID string) ViewSnapshot {
	snap := ViewSnapshot{ConversationID: conversationID}
	s.read(conversationID, func(v *conversationView) {
		snap.Messages = append([]Message(nil), v.messages...)
		snap.UnreadCount = v.unread
		snap.TypingUser = v.typingUser
		snap.IsTyping = v.typingUser != ""
	})
	return snap
}

func (s *Store) Messages(conversationID string) []Message {
	return s.Snapshot(conversationID).Messages
}

func (s *Store) UnreadCount(conversationID string) int {
	return s.Snapshot(conversationID).UnreadCount
}

func (s *Store) IsTyping(conversationID string) bool {
	return s.Snapshot(conversationID).IsTyping
}

// Message looks up a single entry by id.
func (s *Store) Message(conversationID, id string) (Message, bool) {
	var (
		m  Message
		ok bool
	)
	s.read(conversationID, func(v *conversationView) {
		if i := v.indexOf(id); i >= 0 {
			m, ok = v.messages[i], true
		}
	})
	return m, ok
}

// find locates a message by id in any conversation.
func (s *Store) find(id string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.views {
		if i := v.indexOf(id); i >= 0 {
			return v.messages[i], true
		}
	}
	return Message{}, false
}

func (s *Store) ResetUnread(conversationID string) {
	s.merge(conversationID, func(v *conversationView) bool {
		if v.unread == 0 {
			return false
		}
		v.unread = 0
		return true
	})
}

func (s *Store) incrementUnread(conversationID string) {
	s.merge(conversationID, func(v *conversationView) bool {
		v.unread++
		return true
	})
}

// setTyping marks userID as typing in the conversation and clears the mark
// after timeout unless another typing event arrives first.
func (s *Store) setTyping(conversationID, userID string, timeout time.Duration) {
	s.merge(conversationID, func(v *conversationView) bool {
		v.typingGen++
		gen := v.typingGen
		if v.typing != nil {
			v.typing.Stop()
		}
		v.typing = time.AfterFunc(timeout, func() {
			s.merge(conversationID, func(v *conversationView) bool {
				if v.typingGen != gen || v.typingUser == "" {
					return false
				}
				v.typingUser = ""
				v.typing = nil
				return true
			})
		})
		changed := v.typingUser != userID
		v.typingUser = userID
		return changed
	})
}
