package actor

import (
	"context"
	"fmt"
	"sync"

	"github.com/collabpad/collabpad/internal/logger"
)

// Message represents a message sent between actors
type Message interface {
	Type() string
}

// Actor is an entity with single-threaded internal state: its Receive is
// never invoked concurrently. Rooms, client sessions, the runner proxy and
// the room manager all implement this interface.
type Actor interface {
	// Receive processes incoming messages
	Receive(ctx context.Context, msg Message) error
	// Start is called before the mailbox loop begins
	Start(ctx context.Context) error
	// Stop is called after the mailbox loop has drained
	Stop(ctx context.Context) error
	// ID returns the actor's unique identifier
	ID() string
}

// Ref is a handle for sending messages to a running actor. It owns the
// actor's mailbox and processing goroutine.
type Ref struct {
	id      string
	mailbox chan Message
	actor   Actor
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	mu      sync.RWMutex
	stopped bool
}

// NewRef creates a new actor reference with the given ID, actor
// implementation and mailbox size.
func NewRef(id string, actor Actor, mailboxSize int) *Ref {
	return &Ref{
		id:      id,
		actor:   actor,
		mailbox: make(chan Message, mailboxSize),
	}
}

// ID returns the actor's ID
func (ref *Ref) ID() string {
	return ref.id
}

// Send sends a message to the actor without blocking. It fails when the
// actor has stopped or its mailbox is full.
func (ref *Ref) Send(msg Message) error {
	ref.mu.RLock()
	stopped := ref.stopped
	ref.mu.RUnlock()
	if stopped {
		return fmt.Errorf("actor %s is stopped", ref.id)
	}

	select {
	case ref.mailbox <- msg:
		return nil
	default:
		return fmt.Errorf("actor %s mailbox is full", ref.id)
	}
}

// Start starts the actor's message processing loop
func (ref *Ref) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	ref.cancel = cancel

	if err := ref.actor.Start(ctx); err != nil {
		cancel()
		return err
	}

	ref.wg.Add(1)
	go ref.run(ctx)
	return nil
}

// Stop stops the actor gracefully. It is safe to call more than once.
func (ref *Ref) Stop(ctx context.Context) error {
	ref.mu.Lock()
	if ref.stopped {
		ref.mu.Unlock()
		return nil
	}
	ref.stopped = true
	ref.mu.Unlock()

	if ref.cancel != nil {
		ref.cancel()
	}

	done := make(chan struct{})
	go func() {
		ref.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return ref.actor.Stop(ctx)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the actor's main message processing loop
func (ref *Ref) run(ctx context.Context) {
	defer ref.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ref.mailbox:
			if err := ref.actor.Receive(ctx, msg); err != nil {
				// Log error but continue processing
				logger.Error("actor %s error processing message %s: %v", ref.id, msg.Type(), err)
			}
		}
	}
}
