// Package notification delivers trigger events to external channels
// (webhooks, Telegram). Delivery is best effort and runs off the hot path:
// the journal already holds the event before any notifier sees it.
package notification

import (
	"context"
	"log"

	"tickalert/internal/model"
)

// Notifier is the interface for all delivery backends.
type Notifier interface {
	// Send delivers one trigger event. Returns an error if delivery fails.
	Send(ctx context.Context, ev model.TriggerEvent) error
}

// LogNotifier logs triggers instead of delivering them (development).
type LogNotifier struct{}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Send(ctx context.Context, ev model.TriggerEvent) error {
	log.Printf("[notify] rule %s fired on %s @ %v (%s)",
		ev.RuleID, ev.Symbol, ev.PriceAtFiring, ev.ID)
	return nil
}

// Sink consumes a trigger bus subscription and dispatches each event to
// every configured notifier. A failing notifier only costs a log line.
type Sink struct {
	notifiers []Notifier

	// OnSendFailed is called per failed delivery (optional).
	OnSendFailed func(ev model.TriggerEvent, err error)
}

// NewSink creates a sink over the given notifiers.
func NewSink(notifiers ...Notifier) *Sink {
	return &Sink{notifiers: notifiers}
}

// Run dispatches until ctx is cancelled or the subscription closes.
func (s *Sink) Run(ctx context.Context, events <-chan model.TriggerEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			for _, n := range s.notifiers {
				if err := n.Send(ctx, ev); err != nil {
					log.Printf("[notify] delivery failed for %s: %v", ev.ID, err)
					if s.OnSendFailed != nil {
						s.OnSendFailed(ev, err)
					}
				}
			}
		}
	}
}
