package chatsync

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// gathered returns counter values and histogram sample counts by metric
// name.
func gathered(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	out := make(map[string]float64, len(families))
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			if c := metric.GetCounter(); c != nil {
				out[mf.GetName()] += c.GetValue()
			}
			if h := metric.GetHistogram(); h != nil {
				out[mf.GetName()] += float64(h.GetSampleCount())
			}
		}
	}
	return out
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.sent()
	m.sendFailed()
	m.retried()
	m.echoMatched()
	m.duplicate()
	m.discarded()
	m.connectionLost()
	m.reconnected()
	m.observeHistory(time.Now())
}

func TestSessionMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	s, sock, backend := newTestSession(t, WithMetrics(m), WithAckTimeout(50*time.Millisecond))
	ctx := context.Background()

	backend.setHistory("R1")
	if _, err := s.Open(ctx, "R1"); err != nil {
		t.Fatal(err)
	}

	sock.setHook(func(event string, payload any) {
		if event != "sendMessage" {
			return
		}
		p := payload.(SendMessagePayload)
		go sock.deliver(t, "newMessage", echoOf("srv-1", p))
	})
	if _, err := s.Send(ctx, "R1", "hello"); err != nil {
		t.Fatal(err)
	}
	sock.setHook(nil)

	sock.deliver(t, "newMessage", record("srv-1", "R1", "u1", "Alice", "hello", time.Now()))
	sock.deliver(t, "newMessage", record("x1", "R2", "u2", "Bob", "elsewhere", time.Now()))

	if _, err := s.Send(ctx, "R1", "lost"); err == nil {
		t.Fatal("expected timeout")
	}

	got := gathered(t, reg)
	for name, want := range map[string]float64{
		"chatsync_messages_sent_total":      1,
		"chatsync_echoes_reconciled_total":  1,
		"chatsync_duplicates_dropped_total": 1,
		"chatsync_events_discarded_total":   1,
		"chatsync_send_failures_total":      1,
		"chatsync_send_retries_total":       0,
		"chatsync_history_load_seconds":     1,
	} {
		if got[name] != want {
			t.Errorf("%s = %v, want %v", name, got[name], want)
		}
	}
}
