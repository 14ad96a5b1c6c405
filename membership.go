package chatsync

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// Emitter sends fire-and-forget events over the realtime channel.
type Emitter interface {
	Emit(ctx context.Context, event string, payload any) error
}

// Tracker keeps the realtime room subscriptions in line with the single
// conversation the user has open.
type Tracker struct {
	emitter Emitter
	events  EventNames
	log     *zap.Logger

	mu       sync.Mutex
	active   string
	personal string
}

func NewTracker(emitter Emitter, events EventNames, log *zap.Logger) *Tracker {
	events.defaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{emitter: emitter, events: events, log: log}
}

// Active returns the open conversation id, "" when none is open.
func (t *Tracker) Active() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// SetActive switches the open conversation. The previous room is left
// before the new one is joined; id "" only leaves. The active id changes
// even when an emit fails, since Rejoin repairs the subscription once the
// connection is back.
func (t *Tracker) SetActive(ctx context.Context, id string) error {
	t.mu.Lock()
	prev := t.active
	if prev == id {
		t.mu.Unlock()
		return nil
	}
	t.active = id
	t.mu.Unlock()

	var errs []error
	if prev != "" {
		if err := t.emitter.Emit(ctx, t.events.LeaveRoom, prev); err != nil {
			t.log.Warn("leave_room_failed", zap.String("room", prev), zap.Error(err))
			errs = append(errs, err)
		}
	}
	if id != "" {
		if err := t.emitter.Emit(ctx, t.events.JoinRoom, id); err != nil {
			t.log.Warn("join_room_failed", zap.String("room", id), zap.Error(err))
			errs = append(errs, err)
		}
	}
	t.log.Debug("active_conversation_changed", zap.String("from", prev), zap.String("to", id))
	return errors.Join(errs...)
}

// JoinPersonal subscribes to the user's own room, which carries
// notifications about rooms the user is added to.
func (t *Tracker) JoinPersonal(ctx context.Context, userID string) error {
	t.mu.Lock()
	t.personal = userID
	t.mu.Unlock()
	if userID == "" {
		return nil
	}
	return t.emitter.Emit(ctx, t.events.JoinUserRoom, userID)
}

// Rejoin re-issues the subscriptions after a reconnect; the server forgets
// them when the socket drops.
func (t *Tracker) Rejoin(ctx context.Context) error {
	t.mu.Lock()
	active, personal := t.active, t.personal
	t.mu.Unlock()

	var errs []error
	if personal != "" {
		if err := t.emitter.Emit(ctx, t.events.JoinUserRoom, personal); err != nil {
			errs = append(errs, err)
		}
	}
	if active != "" {
		if err := t.emitter.Emit(ctx, t.events.JoinRoom, active); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		t.log.Warn("rejoin_failed", zap.String("room", active), zap.Error(err))
		return err
	}
	t.log.Info("rejoined", zap.String("room", active))
	return nil
}
