package events

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestNilBus(t *testing.T) {
	var b *Bus
	// None of these may panic.
	b.Publish(Event{Source: SourceSession, Kind: KindSessionOpened})
	b.Emit(SourceFirmware, KindPhase, map[string]any{"to": "idle"})

	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", got)
	}
	if got := b.Recent(); got != nil {
		t.Errorf("Recent() = %v, want nil", got)
	}
	if got := b.Stats(); got != (Stats{}) {
		t.Errorf("Stats() = %+v, want zero", got)
	}
}

func TestPublish_FansOut(t *testing.T) {
	b := New()
	channels := make([]<-chan Event, 3)
	for i := range channels {
		channels[i] = b.Subscribe(8)
		defer b.Unsubscribe(channels[i])
	}

	b.Emit(SourceFirmware, KindPhase, map[string]any{"to": "downloading"})

	for i, ch := range channels {
		select {
		case got := <-ch:
			if got.Source != SourceFirmware || got.Kind != KindPhase || got.Data["to"] != "downloading" {
				t.Errorf("subscriber %d got %+v", i, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out", i)
		}
	}
}

func TestPublish_DropsForFullSubscriber(t *testing.T) {
	b := New()
	slow := b.Subscribe(1)
	defer b.Unsubscribe(slow)
	fast := b.Subscribe(4)
	defer b.Unsubscribe(fast)

	b.Publish(Event{Kind: "first"})
	b.Publish(Event{Kind: "second"})

	if got := <-slow; got.Kind != "first" {
		t.Errorf("slow subscriber got %q, want first", got.Kind)
	}
	select {
	case ev := <-slow:
		t.Errorf("slow subscriber got %q, want it dropped", ev.Kind)
	default:
	}
	if len(fast) != 2 {
		t.Errorf("fast subscriber has %d events, want 2", len(fast))
	}

	st := b.Stats()
	if st.Published != 2 || st.Dropped != 1 || st.Subscribers != 2 {
		t.Errorf("Stats() = %+v, want published 2, dropped 1, subscribers 2", st)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch1 := b.Subscribe(4)
	ch2 := b.Subscribe(4)
	if got := b.SubscriberCount(); got != 2 {
		t.Fatalf("SubscriberCount() = %d, want 2", got)
	}

	b.Unsubscribe(ch1)
	b.Unsubscribe(ch1)
	if _, ok := <-ch1; ok {
		t.Error("channel still open after Unsubscribe")
	}
	if got := b.SubscriberCount(); got != 1 {
		t.Errorf("SubscriberCount() = %d, want 1", got)
	}

	b.Unsubscribe(ch2)
	b.Publish(Event{Source: SourceSession, Kind: KindAttributes})
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", got)
	}
}

func TestEmit_StampsTime(t *testing.T) {
	b := New()
	at := time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC)
	b.now = func() time.Time { return at }
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	b.Emit(SourceTelemetry, KindSensorFailed, nil)

	got := <-ch
	if got.Source != SourceTelemetry || got.Kind != KindSensorFailed || !got.Timestamp.Equal(at) {
		t.Errorf("got %+v", got)
	}
}

func TestRecent(t *testing.T) {
	tests := []struct {
		name    string
		history int
		emit    int
		want    []string
	}{
		{"empty", 4, 0, nil},
		{"partial", 4, 2, []string{"0", "1"}},
		{"exactly full", 3, 3, []string{"0", "1", "2"}},
		{"wrapped", 3, 5, []string{"2", "3", "4"}},
		{"disabled", 0, 3, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewWithHistory(tt.history)
			for i := range tt.emit {
				b.Emit(SourceFirmware, KindProgress, map[string]any{"seq": fmt.Sprint(i)})
			}
			got := b.Recent()
			if len(got) != len(tt.want) {
				t.Fatalf("Recent() has %d events, want %d", len(got), len(tt.want))
			}
			for i, ev := range got {
				if ev.Data["seq"] != tt.want[i] {
					t.Errorf("Recent()[%d].seq = %v, want %s", i, ev.Data["seq"], tt.want[i])
				}
			}
		})
	}
}

func TestRecent_IsACopy(t *testing.T) {
	b := NewWithHistory(2)
	b.Emit(SourceSession, KindSessionOpened, nil)
	got := b.Recent()
	got[0].Kind = "mutated"
	if b.Recent()[0].Kind != KindSessionOpened {
		t.Error("Recent() exposes the history buffer")
	}
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	b := NewWithHistory(16)
	const publishers = 10
	const perPublisher = 100

	ch := b.Subscribe(64)
	var drained sync.WaitGroup
	drained.Add(1)
	received := 0
	go func() {
		defer drained.Done()
		for range ch {
			received++
		}
	}()

	var pub sync.WaitGroup
	for i := range publishers {
		pub.Add(1)
		go func() {
			defer pub.Done()
			for j := range perPublisher {
				b.Emit(SourceFirmware, KindProgress, map[string]any{"publisher": i, "seq": j})
				if j%10 == 0 {
					b.Recent()
				}
			}
		}()
	}
	pub.Wait()
	b.Unsubscribe(ch)
	drained.Wait()

	st := b.Stats()
	if st.Published != publishers*perPublisher {
		t.Errorf("Published = %d, want %d", st.Published, publishers*perPublisher)
	}
	if uint64(received)+st.Dropped != st.Published {
		t.Errorf("received %d + dropped %d != published %d", received, st.Dropped, st.Published)
	}
	if got := len(b.Recent()); got != 16 {
		t.Errorf("len(Recent()) = %d, want 16", got)
	}
}
