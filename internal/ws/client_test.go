package ws

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/example/ride-negotiation/internal/fanout"
	"github.com/example/ride-negotiation/internal/presence"
)

func TestDeliverDropsWhenBufferFull(t *testing.T) {
	c := &Client{send: make(chan []byte, 2), done: make(chan struct{})}

	if !c.Deliver([]byte("a")) || !c.Deliver([]byte("b")) {
		t.Fatal("delivery into a free buffer failed")
	}
	if c.Deliver([]byte("c")) {
		t.Error("delivery into a full buffer must drop, not block")
	}
	// draining makes room again
	<-c.send
	if !c.Deliver([]byte("d")) {
		t.Error("delivery after drain failed")
	}
}

func TestDeliverAfterTeardownDrops(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	g := NewGateway(GatewayConfig{Hub: fanout.NewHub(log), Presence: presence.NewIndex(), Logger: log})
	c := newClient(g, nil, "rider-1", false)

	if !c.Deliver([]byte("a")) {
		t.Fatal("delivery before teardown failed")
	}
	g.teardown(c)
	if c.Deliver([]byte("b")) {
		t.Error("delivery after teardown must report a drop")
	}
	g.teardown(c) // idempotent
}

type sink struct{}

func (sink) Deliver([]byte) bool { return true }

// A publisher may snapshot a channel's subscribers just before one of them
// is torn down and deliver to it just after. That interleaving must drop the
// frame, never crash the publishing goroutine.
func TestPublishRacingTeardownDoesNotPanic(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := fanout.NewHub(log)
	g := NewGateway(GatewayConfig{Hub: hub, Presence: presence.NewIndex(), Logger: log})

	channel := fanout.UserChannel("rider-1")
	for i := 0; i < 100; i++ {
		hub.Subscribe(channel, sink{})
	}

	for iter := 0; iter < 500; iter++ {
		c := newClient(g, nil, "rider-1", false)
		hub.Subscribe(channel, c)

		start := make(chan struct{})
		var wg sync.WaitGroup
		for p := 0; p < 4; p++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				hub.Publish(channel, "ping", nil)
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			g.teardown(c)
		}()
		close(start)
		wg.Wait()

		if c.Deliver([]byte("x")) {
			t.Fatal("delivery accepted after teardown")
		}
	}
}
