package agents

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"fleetgate/internal/events"
	"fleetgate/internal/metrics"
	"fleetgate/internal/protocol"
)

func setupDispatcher(t *testing.T) (*Registry, *Dispatcher) {
	t.Helper()
	r := NewRegistry(events.NewBus(), metrics.New(nil), nil)
	return r, NewDispatcher(r, DispatcherOptions{}, nil)
}

// echoAgent answers every request with {"method": <method>}.
func echoAgent(t *testing.T, r *Registry, id string) (*Session, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{}
	s, err := r.Register(id, tr, testMeta(id), LicenseActive)
	if err != nil {
		t.Fatal(err)
	}
	tr.setOnSend(func(m protocol.Message) {
		req, ok := m.(protocol.Request)
		if !ok {
			return
		}
		result, _ := json.Marshal(map[string]string{"method": req.Method})
		go s.Resolve(protocol.Response{ID: req.ID, Result: result})
	})
	return s, tr
}

func TestSendReturnsReply(t *testing.T) {
	r, d := setupDispatcher(t)
	_, tr := echoAgent(t, r, "a1")

	res, err := d.Send(context.Background(), "a1", "system_info", map[string]int{"depth": 1}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	var body map[string]string
	if err := json.Unmarshal(res, &body); err != nil {
		t.Fatal(err)
	}
	if body["method"] != "system_info" {
		t.Errorf("result = %s", res)
	}

	req := tr.frames()[0].(protocol.Request)
	if string(req.Params) != `{"depth":1}` {
		t.Errorf("params = %s", req.Params)
	}
}

func TestSendRemoteError(t *testing.T) {
	r, d := setupDispatcher(t)
	tr := &fakeTransport{}
	s, _ := r.Register("a1", tr, testMeta("a1"), LicenseActive)
	tr.setOnSend(func(m protocol.Message) {
		req := m.(protocol.Request)
		go s.Resolve(protocol.Response{ID: req.ID, Error: &protocol.ErrorBody{Kind: "security_denied", Message: "protected path"}})
	})

	_, err := d.Send(context.Background(), "a1", "fs_read", nil, time.Second)
	if !errors.Is(err, ErrSecurityDenied) {
		t.Fatalf("err = %v, want security denied", err)
	}
	if KindOf(err) != KindSecurityDenied {
		t.Errorf("kind = %s", KindOf(err))
	}
	if got := testutil.ToFloat64(d.metrics.SecurityDenials.WithLabelValues("fs_read")); got != 1 {
		t.Errorf("denials = %v", got)
	}
}

func TestSendAgentNotFound(t *testing.T) {
	_, d := setupDispatcher(t)
	_, err := d.Send(context.Background(), "ghost", "ping", nil, time.Second)
	if !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("err = %v, want AgentNotFound", err)
	}
}

func TestSendRefusedForExpiredLicense(t *testing.T) {
	r, d := setupDispatcher(t)
	tr := &fakeTransport{}
	r.Register("a1", tr, testMeta("a1"), LicenseExpired)

	_, err := d.Send(context.Background(), "a1", "ping", nil, time.Second)
	if !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("err = %v, want AgentNotFound", err)
	}
	if len(tr.frames()) != 0 {
		t.Error("no frame should be sent to an expired agent")
	}
}

func TestSendTimeoutDiscardsLateReply(t *testing.T) {
	r, d := setupDispatcher(t)
	tr := &fakeTransport{}
	s, _ := r.Register("a1", tr, testMeta("a1"), LicenseActive)
	sub := r.Subscribe(4, events.CommandTimeout)

	_, err := d.Send(context.Background(), "a1", "shell_exec", nil, 20*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want Timeout", err)
	}
	if s.pendingCount() != 0 {
		t.Errorf("pending = %d after timeout", s.pendingCount())
	}

	req := tr.frames()[0].(protocol.Request)
	if s.Resolve(protocol.Response{ID: req.ID, Result: json.RawMessage(`"late"`)}) {
		t.Error("late reply should be discarded")
	}

	select {
	case e := <-sub.C:
		if e.Metadata["correlation_id"] != req.ID {
			t.Errorf("timeout event for %q", e.Metadata["correlation_id"])
		}
	case <-time.After(time.Second):
		t.Error("no command_timeout event")
	}
}

func TestLateReplyDoesNotResolveOtherCommand(t *testing.T) {
	r, d := setupDispatcher(t)
	tr := &fakeTransport{}
	s, _ := r.Register("a1", tr, testMeta("a1"), LicenseActive)

	_, err := d.Send(context.Background(), "a1", "first", nil, 10*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatal(err)
	}
	firstID := tr.frames()[0].(protocol.Request).ID

	done := make(chan error, 1)
	go func() {
		_, err := d.Send(context.Background(), "a1", "second", nil, 100*time.Millisecond)
		done <- err
	}()

	// Wait for the second request, then deliver the stale reply only.
	deadline := time.Now().Add(time.Second)
	for len(tr.frames()) < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	secondID := tr.frames()[1].(protocol.Request).ID
	if firstID == secondID {
		t.Fatal("correlation id reused")
	}
	s.Resolve(protocol.Response{ID: firstID, Result: json.RawMessage(`1`)})

	if err := <-done; !errors.Is(err, ErrTimeout) {
		t.Errorf("second command err = %v, want Timeout", err)
	}
}

func TestSendConnectionLostOnRemoval(t *testing.T) {
	r, d := setupDispatcher(t)
	tr := &fakeTransport{}
	r.Register("a1", tr, testMeta("a1"), LicenseActive)
	tr.setOnSend(func(protocol.Message) {
		go r.Remove("a1")
	})

	_, err := d.Send(context.Background(), "a1", "fs_list", nil, 5*time.Second)
	if !errors.Is(err, ErrConnectionLost) {
		t.Errorf("err = %v, want ConnectionLost", err)
	}
}

func TestSendWriteFailure(t *testing.T) {
	r, d := setupDispatcher(t)
	tr := &fakeTransport{sendErr: errors.New("broken pipe")}
	s, _ := r.Register("a1", tr, testMeta("a1"), LicenseActive)

	_, err := d.Send(context.Background(), "a1", "ping", nil, time.Second)
	if !errors.Is(err, ErrConnectionLost) {
		t.Errorf("err = %v, want ConnectionLost", err)
	}
	if s.pendingCount() != 0 {
		t.Error("pending entry leaked after write failure")
	}
	if got := testutil.ToFloat64(d.metrics.Commands.WithLabelValues(metrics.OutcomeSendFailed)); got != 1 {
		t.Errorf("send_failed = %v", got)
	}
}

func TestSendContextCancelled(t *testing.T) {
	r, d := setupDispatcher(t)
	r.Register("a1", &fakeTransport{}, testMeta("a1"), LicenseActive)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := d.Send(ctx, "a1", "ping", nil, time.Minute)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v", err)
	}
}

func TestConcurrentSendsWithRemovalResolveExactlyOnce(t *testing.T) {
	r, d := setupDispatcher(t)
	tr := &fakeTransport{}
	s, _ := r.Register("a1", tr, testMeta("a1"), LicenseActive)

	var replies sync.WaitGroup
	tr.setOnSend(func(m protocol.Message) {
		req, ok := m.(protocol.Request)
		if !ok {
			return
		}
		replies.Add(1)
		go func() {
			defer replies.Done()
			time.Sleep(time.Millisecond)
			s.Resolve(protocol.Response{ID: req.ID, Result: json.RawMessage(`true`)})
		}()
	})

	const n = 200
	var wg sync.WaitGroup
	results := make(chan error, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Send(context.Background(), "a1", "ping", nil, time.Second)
			results <- err
		}()
	}
	time.Sleep(2 * time.Millisecond)
	r.Remove("a1")
	wg.Wait()
	replies.Wait()
	close(results)

	count := 0
	for err := range results {
		count++
		if err != nil && !errors.Is(err, ErrConnectionLost) && !errors.Is(err, ErrAgentNotFound) {
			t.Errorf("unexpected outcome %v", err)
		}
	}
	if count != n {
		t.Errorf("%d outcomes for %d sends", count, n)
	}
	if s.pendingCount() != 0 {
		t.Errorf("pending = %d", s.pendingCount())
	}
}

func TestTimeoutDefaultsAndClamp(t *testing.T) {
	r := NewRegistry(nil, nil, nil)
	d := NewDispatcher(r, DispatcherOptions{DefaultTimeout: 30 * time.Second, MaxTimeout: time.Minute}, nil)

	tests := []struct {
		in, want time.Duration
	}{
		{0, 30 * time.Second},
		{-time.Second, 30 * time.Second},
		{10 * time.Second, 10 * time.Second},
		{time.Hour, time.Minute},
	}
	for _, tt := range tests {
		if got := d.Timeout(tt.in); got != tt.want {
			t.Errorf("Timeout(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestSendWritesAuditLine(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	r := NewRegistry(nil, nil, nil)
	d := NewDispatcher(r, DispatcherOptions{}, zap.New(core))
	echoAgent(t, r, "a1")

	if _, err := d.Send(context.Background(), "a1", "ping", nil, time.Second); err != nil {
		t.Fatal(err)
	}
	d.Send(context.Background(), "ghost", "ping", nil, time.Second)

	entries := logs.FilterMessage("command").AllUntimed()
	if len(entries) != 2 {
		t.Fatalf("expected 2 audit lines, got %d", len(entries))
	}
	first := entries[0].ContextMap()
	if first["agent_id"] != "a1" || first["method"] != "ping" || first["outcome"] != "ok" {
		t.Errorf("unexpected audit fields %v", first)
	}
	if first["correlation_id"] == "" {
		t.Error("missing correlation id")
	}
	if entries[1].ContextMap()["outcome"] != "error" {
		t.Errorf("not-found outcome = %v", entries[1].ContextMap()["outcome"])
	}
}

func TestEncodeParamsRejectsInvalidJSON(t *testing.T) {
	r, d := setupDispatcher(t)
	echoAgent(t, r, "a1")
	if _, err := d.Send(context.Background(), "a1", "ping", json.RawMessage(`{bad`), time.Second); err == nil {
		t.Error("expected error for invalid raw params")
	}
}
