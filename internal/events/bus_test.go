package events

import (
	"sync"
	"testing"
	"time"
)

func TestNilBus(t *testing.T) {
	var b *Bus
	b.Publish(Event{Source: SourceAgent, Kind: KindTurnStart})
	b.Emit(SourceRelay, KindConnectionOpen, nil)
	if b.SubscriberCount() != 0 {
		t.Error("nil bus should report zero subscribers")
	}
}

func TestPublish_StampsAndDelivers(t *testing.T) {
	b := New()
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	b.now = func() time.Time { return fixed }

	a := b.Subscribe(4)
	c := b.Subscribe(4)
	defer a.Close()
	defer c.Close()

	b.Emit(SourceAgent, KindToolDone, map[string]any{"tool": "save_memory", "ok": true})

	for _, s := range []*Subscription{a, c} {
		select {
		case e := <-s.C:
			if e.Kind != KindToolDone || e.Source != SourceAgent || !e.Timestamp.Equal(fixed) {
				t.Errorf("event = %+v", e)
			}
			if e.Data["tool"] != "save_memory" {
				t.Errorf("data = %v", e.Data)
			}
		default:
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestPublish_DropsWhenFull(t *testing.T) {
	b := New()
	s := b.Subscribe(1)
	defer s.Close()

	b.Emit(SourceAgent, KindTurnStart, nil)
	b.Emit(SourceAgent, KindTurnComplete, nil)

	if e := <-s.C; e.Kind != KindTurnStart {
		t.Errorf("first event = %q", e.Kind)
	}
	select {
	case e := <-s.C:
		t.Errorf("second event should have been dropped, got %q", e.Kind)
	default:
	}
}

func TestSubscription_Close(t *testing.T) {
	b := New()
	s := b.Subscribe(1)
	if b.SubscriberCount() != 1 {
		t.Fatalf("SubscriberCount = %d", b.SubscriberCount())
	}
	s.Close()
	s.Close()

	if _, ok := <-s.C; ok {
		t.Error("channel should be closed")
	}
	if b.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount after Close = %d", b.SubscriberCount())
	}
	b.Emit(SourceAgent, KindTurnStart, nil)
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Emit(SourceAgent, KindLLMResponse, nil)
			}
		}()
		go func() {
			defer wg.Done()
			s := b.Subscribe(8)
			for j := 0; j < 10; j++ {
				select {
				case <-s.C:
				default:
				}
			}
			s.Close()
		}()
	}
	wg.Wait()
	if b.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount = %d, want 0", b.SubscriberCount())
	}
}
