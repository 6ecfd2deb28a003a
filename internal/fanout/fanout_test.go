package fanout

import (
	"log/slog"
	"testing"
)

type fakeSub struct {
	frames [][]byte
	full   bool
}

func (f *fakeSub) Deliver(frame []byte) bool {
	if f.full {
		return false
	}
	f.frames = append(f.frames, frame)
	return true
}

func testHub() *Hub { return NewHub(slog.Default()) }

func TestPublishReachesOnlySubscribedChannel(t *testing.T) {
	h := testHub()
	a, b := &fakeSub{}, &fakeSub{}
	h.Subscribe(UserChannel("u1"), a)
	h.Subscribe(UserChannel("u2"), b)

	h.Publish(UserChannel("u1"), "driver_offer", map[string]any{"fare": 300})

	if len(a.frames) != 1 {
		t.Fatalf("expected 1 frame for u1, got %d", len(a.frames))
	}
	if len(b.frames) != 0 {
		t.Fatalf("expected no frames for u2, got %d", len(b.frames))
	}
}

func TestSubscribeIdempotent(t *testing.T) {
	h := testHub()
	s := &fakeSub{}
	h.Subscribe(PoolChannel, s)
	h.Subscribe(PoolChannel, s)
	h.Publish(PoolChannel, "new_ride_request", nil)
	if len(s.frames) != 1 {
		t.Fatalf("double subscribe must not double-deliver, got %d frames", len(s.frames))
	}
}

func TestDropRemovesFromAllChannels(t *testing.T) {
	h := testHub()
	s := &fakeSub{}
	h.Subscribe(PoolChannel, s)
	h.Subscribe(UserChannel("u1"), s)
	h.Subscribe(TripChannel("t1"), s)

	h.Drop(s)

	h.Publish(PoolChannel, "e", nil)
	h.Publish(UserChannel("u1"), "e", nil)
	h.Publish(TripChannel("t1"), "e", nil)
	if len(s.frames) != 0 {
		t.Fatalf("dropped subscriber still received %d frames", len(s.frames))
	}
}

func TestFullSubscriberDoesNotStopOthers(t *testing.T) {
	h := testHub()
	full := &fakeSub{full: true}
	ok := &fakeSub{}
	h.Subscribe(PoolChannel, full)
	h.Subscribe(PoolChannel, ok)

	h.Publish(PoolChannel, "new_ride_request", nil)

	if len(ok.frames) != 1 {
		t.Fatalf("healthy subscriber should still get the frame, got %d", len(ok.frames))
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	h := testHub()
	s := &fakeSub{}
	h.Subscribe(PoolChannel, s)
	h.Unsubscribe(PoolChannel, s)
	h.Unsubscribe(PoolChannel, s)
	if n := h.Subscribers(PoolChannel); n != 0 {
		t.Fatalf("expected 0 subscribers, got %d", n)
	}
}
