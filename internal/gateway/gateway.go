package gateway

import (
	"context"
	"log"
	"strings"
	"sync"

	"github.com/rahul/stepwise/internal/chat"
	"github.com/rahul/stepwise/internal/wizard"
)

// Messenger defines the interface for communication gateways (HTTP, Telegram, Discord)
type Messenger interface {
	// Start begins the message listening loop
	Start() error
	// Send sends a message to a specific chat
	Send(chatID string, text string) error
	// Stop gracefully shuts down the gateway
	Stop() error
}

const eventBuffer = 256

// EventBus fans wizard events out to every gateway. Publish never blocks
// the wizard; delivery happens on the Run goroutine in publish order.
type EventBus struct {
	mu    sync.RWMutex
	sinks []func(wizard.Event)
	ch    chan wizard.Event
	done  chan struct{}
}

func NewEventBus() *EventBus {
	return &EventBus{
		ch:   make(chan wizard.Event, eventBuffer),
		done: make(chan struct{}),
	}
}

func (b *EventBus) Subscribe(sink func(wizard.Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, sink)
}

// Publish queues an event. When the queue is full the event is dropped.
func (b *EventBus) Publish(e wizard.Event) {
	select {
	case b.ch <- e:
	default:
		log.Printf("[EventBus] queue full, dropping %s for %s", e.Type, e.SessionID)
	}
}

// Run delivers queued events until ctx is done, then delivers whatever is
// still queued and closes Done.
func (b *EventBus) Run(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case e := <-b.ch:
					b.deliver(e)
				default:
					return
				}
			}
		case e := <-b.ch:
			b.deliver(e)
		}
	}
}

// Done is closed once Run has returned.
func (b *EventBus) Done() <-chan struct{} {
	return b.done
}

func (b *EventBus) deliver(e wizard.Event) {
	b.mu.RLock()
	sinks := make([]func(wizard.Event), len(b.sinks))
	copy(sinks, b.sinks)
	b.mu.RUnlock()
	for _, sink := range sinks {
		sink(e)
	}
}

// ChatSink forwards assistant messages of sessions owned by one chat
// gateway. Session ids are "<prefix><chatID>".
func ChatSink(prefix string, send func(chatID, text string) error) func(wizard.Event) {
	return func(e wizard.Event) {
		chatID, ok := strings.CutPrefix(e.SessionID, prefix)
		if !ok || e.Type != wizard.EventMessageAppended || e.Message == nil {
			return
		}
		if e.Message.Role != chat.RoleAssistant {
			return
		}
		if err := send(chatID, e.Message.Content); err != nil {
			log.Printf("[Gateway] failed to deliver message to %s: %v", e.SessionID, err)
		}
	}
}
