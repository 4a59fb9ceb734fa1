package notify

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"fleetgate/internal/events"
	"fleetgate/internal/metrics"
)

// mockSender records calls for assertion.
type mockSender struct {
	mu    sync.Mutex
	calls []string
	fail  bool
}

func (m *mockSender) Send(url, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, url+" "+message)
	if m.fail {
		return fmt.Errorf("mock send error")
	}
	return nil
}

func (m *mockSender) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func offline(agentID string) events.Event {
	return events.Event{
		Type:     events.AgentOffline,
		Severity: events.SeverityWarning,
		AgentID:  agentID,
		Hostname: "node1",
		Message:  "agent went offline",
	}
}

func TestDispatcherSendsWarnings(t *testing.T) {
	sender := &mockSender{}
	m := metrics.New(nil)
	d := NewDispatcher(Options{URLs: []string{"generic://a", "generic://b"}}, sender, m, nil)

	d.Handle(offline("a1"))

	if sender.callCount() != 2 {
		t.Fatalf("expected 2 sends, got %d", sender.callCount())
	}
	if sender.calls[0] != "generic://a [warning] [node1] agent went offline" {
		t.Errorf("unexpected message %q", sender.calls[0])
	}
	if got := testutil.ToFloat64(m.Notifications.WithLabelValues(ResultSent)); got != 2 {
		t.Errorf("sent = %v", got)
	}
}

func TestDispatcherSkipsInfo(t *testing.T) {
	sender := &mockSender{}
	d := NewDispatcher(Options{URLs: []string{"generic://a"}}, sender, nil, nil)

	d.Handle(events.Event{Type: events.AgentOnline, Severity: events.SeverityInfo, Message: "hello"})

	if sender.callCount() != 0 {
		t.Errorf("expected 0 sends for info, got %d", sender.callCount())
	}
}

func TestDispatcherEnforcesCooldown(t *testing.T) {
	sender := &mockSender{}
	m := metrics.New(nil)
	d := NewDispatcher(Options{URLs: []string{"generic://a"}, Cooldown: time.Minute}, sender, m, nil)
	base := time.Now()
	d.now = func() time.Time { return base }

	d.Handle(offline("a1"))
	d.Handle(offline("a1"))
	d.Handle(offline("a2"))

	if sender.callCount() != 2 {
		t.Errorf("expected 2 sends, got %d", sender.callCount())
	}
	if got := testutil.ToFloat64(m.Notifications.WithLabelValues(ResultSuppressed)); got != 1 {
		t.Errorf("suppressed = %v", got)
	}

	d.now = func() time.Time { return base.Add(2 * time.Minute) }
	d.Handle(offline("a1"))
	if sender.callCount() != 3 {
		t.Errorf("expected send after cooldown, got %d", sender.callCount())
	}
}

func TestDispatcherBreakerOpensAfterFailures(t *testing.T) {
	sender := &mockSender{fail: true}
	m := metrics.New(nil)
	d := NewDispatcher(Options{URLs: []string{"generic://a"}}, sender, m, nil)

	for i := range 5 {
		d.Handle(offline(fmt.Sprintf("a%d", i)))
	}

	if sender.callCount() != 3 {
		t.Errorf("sender called %d times, breaker should stop after 3", sender.callCount())
	}
	if got := testutil.ToFloat64(m.Notifications.WithLabelValues(ResultFailed)); got != 5 {
		t.Errorf("failed = %v", got)
	}
	if got := testutil.ToFloat64(m.BreakerState.WithLabelValues("notify-0")); got != 2 {
		t.Errorf("breaker state = %v, want open", got)
	}
}

func TestRunConsumesSubscription(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe(8)
	sender := &mockSender{}
	d := NewDispatcher(Options{URLs: []string{"generic://a"}}, sender, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx, sub)
		close(done)
	}()

	bus.Publish(offline("a1"))
	deadline := time.Now().Add(time.Second)
	for sender.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sender.callCount() != 1 {
		t.Errorf("expected 1 send, got %d", sender.callCount())
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestFormatMessageWithoutHostname(t *testing.T) {
	got := formatMessage(events.Event{Severity: events.SeverityCritical, Message: "boom"})
	if got != "[critical] boom" {
		t.Errorf("formatMessage = %q", got)
	}
}
