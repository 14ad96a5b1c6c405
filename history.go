package chatsync

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
)

type historySource interface {
	History(ctx context.Context, roomID string) ([]Message, error)
	Direct(ctx context.Context, userA, userB string) ([]Message, error)
}

// DirectConversationID names the view that holds the one-to-one messages
// of two users. It is the same whichever user is passed first.
func DirectConversationID(userA, userB string) string {
	if userB < userA {
		userA, userB = userB, userA
	}
	return "direct:" + userA + ":" + userB
}

// HistoryLoader fetches a conversation's stored messages and replaces the
// conversation's view with them.
type HistoryLoader struct {
	source  historySource
	store   *Store
	timeout time.Duration
	window  time.Duration
	log     *zap.Logger
	metrics *Metrics
	// resolved is told about provisional messages the loaded history
	// already contains.
	resolved func(provisionalID string, m Message)
}

// Load fetches the history of conversationID, sorts it by CreatedAt and
// replaces the conversation's view. Loading twice with no sends in between
// yields the same sequence.
func (l *HistoryLoader) Load(ctx context.Context, conversationID string) ([]Message, error) {
	if conversationID == "" {
		return nil, validationErr("conversation id is required")
	}
	return l.load(ctx, conversationID, func(ctx context.Context) ([]Message, error) {
		return l.source.History(ctx, conversationID)
	})
}

// LoadDirect fetches the one-to-one messages of two users into the view
// named by DirectConversationID.
func (l *HistoryLoader) LoadDirect(ctx context.Context, userA, userB string) ([]Message, error) {
	if userA == "" || userB == "" {
		return nil, validationErr("both user ids are required")
	}
	return l.load(ctx, DirectConversationID(userA, userB), func(ctx context.Context) ([]Message, error) {
		return l.source.Direct(ctx, userA, userB)
	})
}

func (l *HistoryLoader) load(ctx context.Context, conversationID string, fetch func(context.Context) ([]Message, error)) ([]Message, error) {
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	start := time.Now()
	msgs, err := fetch(ctx)
	l.metrics.observeHistory(start)
	if err != nil {
		l.log.Warn("history_load_failed", zap.String("room", conversationID), zap.Error(err))
		return nil, err
	}
	for i := range msgs {
		msgs[i].ConversationID = conversationID
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})

	var resolved []echoResolution
	l.store.merge(conversationID, func(v *conversationView) bool {
		resolved = v.replaceHistory(msgs, l.window)
		return true
	})
	if l.resolved != nil {
		for _, r := range resolved {
			l.resolved(r.provisionalID, r.message)
		}
	}

	l.log.Debug("history_loaded", zap.String("room", conversationID), zap.Int("count", len(msgs)))
	return l.store.Messages(conversationID), nil
}
