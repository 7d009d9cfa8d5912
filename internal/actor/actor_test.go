package actor

import (
	"context"
	"sync"
	"testing"
	"time"
)

type testMessage struct {
	kind string
}

func (m testMessage) Type() string { return m.kind }

// testActor records received messages and lifecycle calls.
type testActor struct {
	id string

	mu          sync.Mutex
	received    []Message
	startCalled bool
	stopCalled  bool
	notify      chan struct{}
}

func newTestActor(id string) *testActor {
	return &testActor{id: id, notify: make(chan struct{}, 64)}
}

func (a *testActor) Receive(ctx context.Context, msg Message) error {
	a.mu.Lock()
	a.received = append(a.received, msg)
	a.mu.Unlock()
	a.notify <- struct{}{}
	return nil
}

func (a *testActor) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.startCalled = true
	return nil
}

func (a *testActor) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopCalled = true
	return nil
}

func (a *testActor) ID() string { return a.id }

func (a *testActor) receivedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.received)
}

func TestRefStartStop(t *testing.T) {
	ctx := context.Background()
	act := newTestActor("a1")
	ref := NewRef("a1", act, 8)

	if err := ref.Start(ctx); err != nil {
		t.Fatalf("failed to start actor: %v", err)
	}
	if !act.startCalled {
		t.Error("Start() was not called on the actor")
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := ref.Stop(stopCtx); err != nil {
		t.Fatalf("failed to stop actor: %v", err)
	}
	if !act.stopCalled {
		t.Error("Stop() was not called on the actor")
	}
}

func TestRefSendDeliversInOrder(t *testing.T) {
	ctx := context.Background()
	act := newTestActor("a1")
	ref := NewRef("a1", act, 8)
	if err := ref.Start(ctx); err != nil {
		t.Fatalf("failed to start actor: %v", err)
	}
	defer ref.Stop(context.Background())

	for _, kind := range []string{"first", "second", "third"} {
		if err := ref.Send(testMessage{kind: kind}); err != nil {
			t.Fatalf("send failed: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		select {
		case <-act.notify:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for message delivery")
		}
	}

	act.mu.Lock()
	defer act.mu.Unlock()
	want := []string{"first", "second", "third"}
	for i, msg := range act.received {
		if msg.Type() != want[i] {
			t.Errorf("message %d: got %q, want %q", i, msg.Type(), want[i])
		}
	}
}

func TestRefSendAfterStopFails(t *testing.T) {
	ctx := context.Background()
	act := newTestActor("a1")
	ref := NewRef("a1", act, 8)
	if err := ref.Start(ctx); err != nil {
		t.Fatalf("failed to start actor: %v", err)
	}
	if err := ref.Stop(ctx); err != nil {
		t.Fatalf("failed to stop actor: %v", err)
	}
	if err := ref.Send(testMessage{kind: "late"}); err == nil {
		t.Error("expected send to a stopped actor to fail")
	}
}

func TestRefSendFullMailboxFails(t *testing.T) {
	act := newTestActor("a1")
	ref := NewRef("a1", act, 1)
	// Not started: nothing drains the mailbox.
	if err := ref.Send(testMessage{kind: "one"}); err != nil {
		t.Fatalf("first send should fit the mailbox: %v", err)
	}
	if err := ref.Send(testMessage{kind: "two"}); err == nil {
		t.Error("expected send to a full mailbox to fail")
	}
}

func TestTimerFires(t *testing.T) {
	fired := make(chan struct{})
	After(5*time.Millisecond, func() { close(fired) })
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestTimerCancelPreventsFire(t *testing.T) {
	fired := make(chan struct{}, 1)
	timer := After(50*time.Millisecond, func() { fired <- struct{}{} })
	if !timer.Cancel() {
		t.Fatal("expected Cancel to report success before deadline")
	}
	select {
	case <-fired:
		t.Fatal("cancelled timer fired")
	case <-time.After(120 * time.Millisecond):
	}
}

func TestTimerCancelAfterFireIsNoop(t *testing.T) {
	fired := make(chan struct{})
	timer := After(time.Millisecond, func() { close(fired) })
	<-fired
	if timer.Cancel() {
		t.Error("Cancel after fire should report false")
	}
	// second cancel is equally harmless
	if timer.Cancel() {
		t.Error("repeated Cancel should report false")
	}
}
