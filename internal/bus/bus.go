// Package bus turns admitted trigger decisions into journaled TriggerEvents
// and broadcasts them to N subscriber channels. The journal append happens
// before any fanout: the journal is the ground truth, delivery channels are
// best effort. A full subscriber channel sheds its oldest event so slow
// consumers see the freshest triggers without blocking the pipeline.
package bus

import (
	"context"
	"fmt"
	"log"
	"sync"

	"tickalert/internal/journal"
	"tickalert/internal/model"
)

// Publisher mirrors journaled events to an external channel (e.g. redis
// pub/sub). Optional; errors are reported but never block emission.
type Publisher interface {
	Publish(ctx context.Context, ev model.TriggerEvent) error
}

// Bus fans out journaled trigger events.
type Bus struct {
	mu      sync.RWMutex
	jnl     *journal.Journal
	outputs []chan model.TriggerEvent
	bufSize int
	pub     Publisher

	// OnDrop is called when a subscriber's oldest buffered event is shed.
	// subscriberIdx is the 0-based index of the slow consumer.
	OnDrop func(subscriberIdx int)
	// OnEmit is called after an event is journaled and fanned out (optional).
	OnEmit func(ev model.TriggerEvent)
}

// New creates a Bus writing to jnl with the given subscriber buffer size.
func New(jnl *journal.Journal, subscriberBufferSize int) *Bus {
	if subscriberBufferSize < 1 {
		subscriberBufferSize = 1
	}
	return &Bus{jnl: jnl, bufSize: subscriberBufferSize}
}

// SetPublisher attaches an external mirror. Call before Emit traffic starts.
func (b *Bus) SetPublisher(p Publisher) {
	b.mu.Lock()
	b.pub = p
	b.mu.Unlock()
}

// Subscribe creates and returns a new output channel.
func (b *Bus) Subscribe() <-chan model.TriggerEvent {
	ch := make(chan model.TriggerEvent, b.bufSize)
	b.mu.Lock()
	b.outputs = append(b.outputs, ch)
	b.mu.Unlock()
	return ch
}

// TriggerID derives the stable event id for a decision. The same
// (rule, bucket, seq) always maps to the same id, which is what makes
// journal appends idempotent across replays.
func TriggerID(d model.TriggerDecision) string {
	return fmt.Sprintf("%s:%s:%d:%d",
		d.RuleID, d.ThrottleTimeframe, d.BucketOpenTime.Unix(), d.Seq)
}

// Emit journals the decision and fans the resulting event out to all
// subscribers. The event is returned for the caller's bookkeeping. If the
// journal append fails the event is NOT delivered anywhere.
func (b *Bus) Emit(ctx context.Context, d model.TriggerDecision) (model.TriggerEvent, error) {
	ev := model.TriggerEvent{
		ID:                TriggerID(d),
		RuleID:            d.RuleID,
		Symbol:            d.Symbol,
		FiredAt:           d.FiredAt,
		PriceAtFiring:     d.PriceAtFiring,
		BucketOpenTime:    d.BucketOpenTime,
		ThrottleTimeframe: d.ThrottleTimeframe,
		Snapshot:          d.Snapshot,
	}

	if err := b.jnl.Append(ev); err != nil {
		return model.TriggerEvent{}, fmt.Errorf("bus journal append: %w", err)
	}

	b.mu.RLock()
	for i, ch := range b.outputs {
		select {
		case ch <- ev:
		default:
			// Shed the oldest buffered event, then enqueue the new one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
			if b.OnDrop != nil {
				b.OnDrop(i)
			} else {
				log.Printf("[bus] subscriber %d full, shed oldest event", i)
			}
		}
	}
	pub := b.pub
	b.mu.RUnlock()

	if pub != nil {
		if err := pub.Publish(ctx, ev); err != nil {
			log.Printf("[bus] external publish failed for %s: %v", ev.ID, err)
		}
	}

	if b.OnEmit != nil {
		b.OnEmit(ev)
	}
	return ev, nil
}

// Close closes all subscriber channels. Call once, after emitters stop.
func (b *Bus) Close() {
	b.mu.Lock()
	for _, ch := range b.outputs {
		close(ch)
	}
	b.outputs = nil
	b.mu.Unlock()
}

// ChannelStat reports (length, capacity) for a subscriber channel.
type ChannelStat struct {
	Len int
	Cap int
}

// ChannelStats returns saturation numbers for each subscriber channel.
func (b *Bus) ChannelStats() []ChannelStat {
	b.mu.RLock()
	defer b.mu.RUnlock()
	stats := make([]ChannelStat, len(b.outputs))
	for i, ch := range b.outputs {
		stats[i] = ChannelStat{Len: len(ch), Cap: cap(ch)}
	}
	return stats
}
