package chatsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SendMode selects how outgoing messages reach the server.
type SendMode int

const (
	// SendViaSocket emits the message on the realtime channel and treats
	// the server's echo as the acknowledgment.
	SendViaSocket SendMode = iota
	// SendViaREST posts the message and treats the response as the
	// acknowledgment.
	SendViaREST
)

func (m SendMode) String() string {
	if m == SendViaREST {
		return "rest"
	}
	return "socket"
}

type messageSender interface {
	Send(ctx context.Context, p SendMessagePayload) (Message, error)
}

// ProvisionalPrefix starts every id assigned before acknowledgment.
const ProvisionalPrefix = "prov-"

func newProvisionalID() string {
	return ProvisionalPrefix + uuid.NewString()
}

type inflight struct {
	msg      Message
	appended bool
	ack      chan Message
}

// Pipeline sends messages optimistically: the message shows up in the view
// as pending before any network I/O, and turns sent or failed once the
// server answers or the acknowledgment deadline passes.
type Pipeline struct {
	store      *Store
	emitter    Emitter
	rest       messageSender
	normalizer *Normalizer
	identity   Identity
	events     EventNames
	mode       SendMode
	optimistic bool
	ackTimeout time.Duration
	window     time.Duration
	log        *zap.Logger
	metrics    *Metrics
	newID      func() string
	now        func() time.Time

	mu       sync.Mutex
	inflight map[string]*inflight
}

// Send delivers body to conversationID. On failure the returned message is
// the failed entry, which can be passed to Retry by id.
func (p *Pipeline) Send(ctx context.Context, conversationID, body string) (Message, error) {
	if conversationID == "" {
		return Message{}, validationErr("conversation id is required")
	}
	if strings.TrimSpace(body) == "" {
		return Message{}, validationErr("message body is empty")
	}
	clean := p.normalizer.Sanitize(body)
	if strings.TrimSpace(clean) == "" {
		return Message{}, validationErr("message body is empty after sanitizing")
	}

	name := p.identity.Name
	if name == "" {
		name = UnknownSender
	}
	msg := Message{
		ID:             p.newID(),
		ConversationID: conversationID,
		SenderID:       p.identity.ID,
		SenderName:     name,
		Body:           clean,
		CreatedAt:      p.now().UTC(),
		DeliveryState:  DeliveryPending,
	}
	if p.optimistic {
		p.store.merge(conversationID, func(v *conversationView) bool {
			v.insert(msg)
			return true
		})
	}
	return p.deliver(ctx, msg, p.optimistic)
}

// Retry re-sends a failed message under its original provisional id.
func (p *Pipeline) Retry(ctx context.Context, messageID string) (Message, error) {
	m, ok := p.store.find(messageID)
	if !ok {
		return Message{}, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	if m.DeliveryState != DeliveryFailed {
		return Message{}, validationErr("message %s is %s, only failed messages can be retried", messageID, m.DeliveryState)
	}
	ok = p.store.merge(m.ConversationID, func(v *conversationView) bool {
		return v.setState(messageID, DeliveryFailed, DeliveryPending)
	})
	if !ok {
		return Message{}, validationErr("message %s is no longer failed", messageID)
	}
	p.metrics.retried()
	p.log.Info("message_retry", zap.String("id", messageID), zap.String("room", m.ConversationID))

	m.DeliveryState = DeliveryPending
	return p.deliver(ctx, m, true)
}

func (p *Pipeline) deliver(ctx context.Context, msg Message, appended bool) (Message, error) {
	w := p.track(msg, appended)
	defer p.untrack(msg.ID)

	ctx, cancel := context.WithTimeout(ctx, p.ackTimeout)
	defer cancel()

	payload := SendMessagePayload{
		Content:   msg.Body,
		Sender:    WireSender{ID: msg.SenderID, Name: msg.SenderName},
		Room:      msg.ConversationID,
		Timestamp: msg.CreatedAt.Format(time.RFC3339Nano),
		ClientID:  msg.ID,
	}

	var err error
	switch p.mode {
	case SendViaREST:
		var ack Message
		if ack, err = p.rest.Send(ctx, payload); err == nil {
			acked := p.acknowledgeDirect(msg, ack)
			p.metrics.sent()
			return acked, nil
		}
	default:
		if err = p.emitter.Emit(ctx, p.events.SendMessage, payload); err == nil {
			select {
			case acked := <-w.ack:
				p.metrics.sent()
				return acked, nil
			case <-ctx.Done():
				err = ctx.Err()
			}
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		err = ErrTimeout
	}
	return p.fail(msg, err)
}

// acknowledgeDirect applies a REST acknowledgment to the view.
func (p *Pipeline) acknowledgeDirect(msg, ack Message) Message {
	if ack.ID == "" {
		ack.ID = syntheticID(ack, -1)
	}
	var out Message
	p.store.merge(msg.ConversationID, func(v *conversationView) bool {
		if i := v.indexOf(msg.ID); i >= 0 && v.messages[i].Provisional() {
			out = v.acknowledge(i, ack)
			return true
		}
		if i := v.indexOf(ack.ID); i >= 0 {
			// The echo got here first.
			out = v.messages[i]
			return false
		}
		ack.ClientID = msg.ID
		ack.DeliveryState = DeliverySent
		v.insert(ack)
		out = ack
		return true
	})
	return out
}

// fail marks msg failed, unless an acknowledgment won the race with the
// deadline, in which case the acknowledged copy is returned.
func (p *Pipeline) fail(msg Message, cause error) (Message, error) {
	var (
		out   Message
		acked bool
	)
	p.store.merge(msg.ConversationID, func(v *conversationView) bool {
		if i := v.indexOf(msg.ID); i >= 0 {
			if v.messages[i].DeliveryState != DeliveryPending {
				out = v.messages[i]
				acked = out.DeliveryState == DeliverySent
				return false
			}
			v.messages[i].DeliveryState = DeliveryFailed
			out = v.messages[i]
			return true
		}
		for j := range v.messages {
			if v.messages[j].ClientID == msg.ID {
				out, acked = v.messages[j], true
				return false
			}
		}
		// Nothing was appended up front; keep the content as a failed
		// entry so it can be retried.
		out = msg
		out.DeliveryState = DeliveryFailed
		v.insert(out)
		return true
	})
	if acked {
		p.metrics.sent()
		return out, nil
	}

	p.metrics.sendFailed()
	p.log.Warn("message_send_failed",
		zap.String("id", msg.ID),
		zap.String("room", msg.ConversationID),
		zap.String("mode", p.mode.String()),
		zap.Error(cause))
	return out, fmt.Errorf("send %s: %w", msg.ID, cause)
}

func (p *Pipeline) track(msg Message, appended bool) *inflight {
	w := &inflight{msg: msg, appended: appended, ack: make(chan Message, 1)}
	p.mu.Lock()
	p.inflight[msg.ID] = w
	p.mu.Unlock()
	return w
}

func (p *Pipeline) untrack(id string) {
	p.mu.Lock()
	delete(p.inflight, id)
	p.mu.Unlock()
}

// resolve wakes the send waiting on provisionalID. With an empty
// provisionalID, m is matched against sends that were never appended to
// the view.
func (p *Pipeline) resolve(provisionalID string, m Message) {
	p.mu.Lock()
	w, ok := p.inflight[provisionalID]
	if !ok && provisionalID == "" {
		for _, cand := range p.inflight {
			if !cand.appended && isEcho(cand.msg, m, p.window) {
				w, ok = cand, true
				break
			}
		}
	}
	if ok {
		delete(p.inflight, w.msg.ID)
	}
	p.mu.Unlock()

	if !ok {
		return
	}
	select {
	case w.ack <- m:
	default:
	}
}
