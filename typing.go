package chatsync

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TypingNotifier emits the local user's typing events, at most one per
// throttle interval per conversation.
type TypingNotifier struct {
	emitter  Emitter
	event    string
	userID   string
	throttle time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewTypingNotifier(emitter Emitter, event, userID string, throttle time.Duration) *TypingNotifier {
	return &TypingNotifier{
		emitter:  emitter,
		event:    event,
		userID:   userID,
		throttle: throttle,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Notify reports keystrokes in conversationID. Calls inside the throttle
// interval are dropped and return nil.
func (t *TypingNotifier) Notify(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return validationErr("conversation id is required")
	}
	if !t.limiter(conversationID).Allow() {
		return nil
	}
	return t.emitter.Emit(ctx, t.event, TypingPayload{Room: conversationID, UserID: t.userID})
}

func (t *TypingNotifier) limiter(conversationID string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limiters[conversationID]
	if !ok {
		l = rate.NewLimiter(rate.Every(t.throttle), 1)
		t.limiters[conversationID] = l
	}
	return l
}
