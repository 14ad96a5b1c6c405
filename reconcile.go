package chatsync

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// Outcome says what the reconciler did with an incoming message event.
type Outcome int

const (
	// OutcomeInserted: a new message was added to the open conversation.
	OutcomeInserted Outcome = iota
	// OutcomeAcknowledged: the event was the server copy of a provisional
	// message and replaced it.
	OutcomeAcknowledged
	// OutcomeDuplicate: the message was already present.
	OutcomeDuplicate
	// OutcomeInactive: the event belongs to a conversation that is not open.
	OutcomeInactive
	// OutcomeIgnored: the event could not be attributed to a conversation.
	OutcomeIgnored
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeAcknowledged:
		return "acknowledged"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeInactive:
		return "inactive"
	}
	return "ignored"
}

type activeSource interface {
	Active() string
}

type ackSink interface {
	resolve(provisionalID string, m Message)
}

// Reconciler merges realtime events into the view model without
// duplicating messages the client already shows.
type Reconciler struct {
	store         *Store
	active        activeSource
	acks          ackSink
	normalizer    *Normalizer
	self          string
	window        time.Duration
	typingTimeout time.Duration
	log           *zap.Logger
	metrics       *Metrics
}

// HandleMessage normalizes a raw message event and merges it.
func (r *Reconciler) HandleMessage(raw map[string]any) Outcome {
	return r.Merge(r.normalizer.Message(raw, ""))
}

// Merge applies a normalized incoming message:
//   - a message for a conversation other than the open one is not merged
//     and bumps that conversation's unread count;
//   - a message whose id is already present is dropped;
//   - the server copy of a provisional message replaces it in place;
//   - anything else is inserted in CreatedAt order.
func (r *Reconciler) Merge(m Message) Outcome {
	if m.ConversationID == "" {
		r.log.Debug("message_event_unattributed", zap.String("id", m.ID))
		return OutcomeIgnored
	}

	if m.ConversationID != r.active.Active() {
		return r.mergeInactive(m)
	}

	var (
		outcome       Outcome
		provisionalID string
		merged        Message
	)
	r.store.merge(m.ConversationID, func(v *conversationView) bool {
		if v.indexOf(m.ID) >= 0 {
			outcome = OutcomeDuplicate
			return false
		}
		if i := v.matchEcho(m, r.window); i >= 0 {
			provisionalID = v.messages[i].ID
			merged = v.acknowledge(i, m)
			outcome = OutcomeAcknowledged
			return true
		}
		v.insertLive(m)
		merged = m
		outcome = OutcomeInserted
		return true
	})

	switch outcome {
	case OutcomeDuplicate:
		r.metrics.duplicate()
		r.log.Debug("message_duplicate_dropped", zap.String("id", m.ID), zap.String("room", m.ConversationID))
	case OutcomeAcknowledged:
		r.metrics.echoMatched()
		r.acks.resolve(provisionalID, merged)
	case OutcomeInserted:
		if m.SenderID == r.self {
			r.acks.resolve("", merged)
		}
	}
	return outcome
}

// mergeInactive only lets through the server copy of one of our own
// provisional messages; that is an acknowledgment, not new content.
func (r *Reconciler) mergeInactive(m Message) Outcome {
	if m.SenderID == r.self {
		var (
			provisionalID string
			merged        Message
		)
		r.store.merge(m.ConversationID, func(v *conversationView) bool {
			i := v.matchEcho(m, r.window)
			if i < 0 {
				return false
			}
			provisionalID = v.messages[i].ID
			merged = v.acknowledge(i, m)
			return true
		})
		if provisionalID != "" {
			r.metrics.echoMatched()
			r.acks.resolve(provisionalID, merged)
			return OutcomeAcknowledged
		}
		r.acks.resolve("", m)
	} else {
		r.store.incrementUnread(m.ConversationID)
	}
	r.metrics.discarded()
	return OutcomeInactive
}

// HandleTyping applies an incoming typing event. The payload is either
// {room|conversationId, userId} or a bare user name for the open room.
func (r *Reconciler) HandleTyping(payload json.RawMessage) {
	var conversationID, user string

	var name string
	if json.Unmarshal(payload, &name) == nil {
		conversationID, user = r.active.Active(), name
	} else {
		var raw map[string]any
		if err := json.Unmarshal(payload, &raw); err != nil {
			r.log.Debug("typing_event_malformed", zap.Error(err))
			return
		}
		conversationID = firstID(raw, "conversationId", "room", "roomId")
		user = firstString(raw, "userId", "user", "username")
	}

	if conversationID == "" || user == "" || user == r.self {
		return
	}
	if conversationID != r.active.Active() {
		return
	}
	r.store.setTyping(conversationID, user, r.typingTimeout)
}
