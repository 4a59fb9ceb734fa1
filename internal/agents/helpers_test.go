package agents

import (
	"context"
	"errors"
	"sync"

	"fleetgate/internal/protocol"
)

// fakeTransport records frames and optionally answers them.
type fakeTransport struct {
	mu      sync.Mutex
	sent    []protocol.Message
	closes  int
	sendErr error
	onSend  func(m protocol.Message)
}

func (f *fakeTransport) Send(_ context.Context, m protocol.Message) error {
	f.mu.Lock()
	if f.closes > 0 {
		f.mu.Unlock()
		return errors.New("transport closed")
	}
	if f.sendErr != nil {
		err := f.sendErr
		f.mu.Unlock()
		return err
	}
	f.sent = append(f.sent, m)
	hook := f.onSend
	f.mu.Unlock()

	if hook != nil {
		hook(m)
	}
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) frames() []protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Message(nil), f.sent...)
}

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func (f *fakeTransport) setOnSend(fn func(m protocol.Message)) {
	f.mu.Lock()
	f.onSend = fn
	f.mu.Unlock()
}

func testMeta(host string) Metadata {
	return Metadata{
		MachineID:    "machine-" + host,
		Hostname:     host,
		OSType:       "linux",
		Arch:         "x64",
		AgentVersion: "1.0.0",
	}
}

// correlationID returns the id of a request or wake frame.
func correlationID(m protocol.Message) string {
	switch f := m.(type) {
	case protocol.Request:
		return f.ID
	case protocol.Wake:
		return f.ID
	}
	return ""
}
