package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"tickalert/internal/journal"
	"tickalert/internal/model"
)

func testDecision(seq int) model.TriggerDecision {
	firedAt := time.Date(2024, 3, 13, 10, 15, 0, 0, time.UTC)
	return model.TriggerDecision{
		RuleID:            "r1",
		Symbol:            "BTCUSDT",
		FiredAt:           firedAt,
		PriceAtFiring:     64000,
		BucketOpenTime:    time.Date(2024, 3, 13, 10, 0, 0, 0, time.UTC),
		ThrottleTimeframe: model.TF1h,
		Seq:               seq,
		Snapshot:          model.PredicateSnapshot{Price: 64000},
	}
}

func openJournal(t *testing.T) *journal.Journal {
	t.Helper()
	j, err := journal.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestTriggerID_Stable(t *testing.T) {
	d := testDecision(2)
	want := "r1:1h:1710324000:2"
	if got := TriggerID(d); got != want {
		t.Errorf("TriggerID: got %q, want %q", got, want)
	}
}

func TestBus_EmitJournalsThenDelivers(t *testing.T) {
	j := openJournal(t)
	b := New(j, 4)
	ch := b.Subscribe()

	ev, err := b.Emit(context.Background(), testDecision(1))
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if !j.Has(ev.ID) {
		t.Error("event not journaled")
	}

	select {
	case got := <-ch:
		if got.ID != ev.ID || got.Symbol != "BTCUSDT" {
			t.Errorf("delivered event: %+v", got)
		}
	default:
		t.Fatal("no event delivered to subscriber")
	}
}

func TestBus_SlowSubscriberShedsOldest(t *testing.T) {
	j := openJournal(t)
	b := New(j, 2)
	drops := 0
	b.OnDrop = func(int) { drops++ }
	ch := b.Subscribe()

	ctx := context.Background()
	for seq := 1; seq <= 3; seq++ {
		if _, err := b.Emit(ctx, testDecision(seq)); err != nil {
			t.Fatalf("emit %d: %v", seq, err)
		}
	}

	if drops != 1 {
		t.Errorf("drops: got %d, want 1", drops)
	}
	// Oldest (seq 1) was shed; 2 and 3 remain in order.
	first := <-ch
	second := <-ch
	if first.ID != TriggerID(testDecision(2)) || second.ID != TriggerID(testDecision(3)) {
		t.Errorf("buffer after shed: got %s, %s", first.ID, second.ID)
	}
	// All three are journaled regardless of delivery.
	if j.Len() != 3 {
		t.Errorf("journal len: got %d, want 3", j.Len())
	}
}

type flakyPublisher struct {
	calls int
	err   error
}

func (p *flakyPublisher) Publish(_ context.Context, _ model.TriggerEvent) error {
	p.calls++
	return p.err
}

func TestBus_PublisherFailureDoesNotBlockEmission(t *testing.T) {
	j := openJournal(t)
	b := New(j, 4)
	pub := &flakyPublisher{err: errors.New("redis down")}
	b.SetPublisher(pub)
	ch := b.Subscribe()

	ev, err := b.Emit(context.Background(), testDecision(1))
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if pub.calls != 1 {
		t.Errorf("publisher calls: got %d", pub.calls)
	}
	select {
	case got := <-ch:
		if got.ID != ev.ID {
			t.Errorf("delivered: %s", got.ID)
		}
	default:
		t.Fatal("event not delivered despite publisher failure")
	}
}

func TestBus_EmitFailsWhenJournalClosed(t *testing.T) {
	j := openJournal(t)
	b := New(j, 4)
	ch := b.Subscribe()
	j.Close()

	if _, err := b.Emit(context.Background(), testDecision(1)); err == nil {
		t.Fatal("expected journal error")
	}
	select {
	case <-ch:
		t.Fatal("event delivered despite journal failure")
	default:
	}
}
