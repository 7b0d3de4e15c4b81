package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeActivator struct {
	mu     sync.Mutex
	calls  []string
	failOn map[string]error
}

func (f *fakeActivator) EnsureActive(ctx context.Context, pluginID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, pluginID)
	if f.failOn != nil {
		return f.failOn[pluginID]
	}
	return nil
}

func TestBus_SendAndReceive(t *testing.T) {
	b := New(nil)

	h, err := b.RegisterHandler("logger", "log.write", func(ctx context.Context, body any) (any, error) {
		return "wrote: " + body.(string), nil
	})
	if err != nil {
		t.Fatalf("RegisterHandler failed: %v", err)
	}
	defer h.Close()

	resp, err := b.Send(context.Background(), "logger", "log.write", "hello")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if resp != "wrote: hello" {
		t.Errorf("Send response = %v", resp)
	}
}

func TestBus_NoHandler(t *testing.T) {
	b := New(nil)
	_, err := b.Send(context.Background(), "nobody", "x", nil)
	if !errors.Is(err, ErrNoHandler) {
		t.Errorf("expected ErrNoHandler, got %v", err)
	}
}

func TestBus_HandlerRemovedOnClose(t *testing.T) {
	b := New(nil)
	h, err := b.RegisterHandler("p", "t", func(ctx context.Context, body any) (any, error) {
		return nil, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	h.Close()

	if _, err := b.Send(context.Background(), "p", "t", nil); !errors.Is(err, ErrNoHandler) {
		t.Errorf("expected ErrNoHandler after close, got %v", err)
	}
}

func TestBus_ReplaceHandler(t *testing.T) {
	b := New(nil)
	if _, err := b.RegisterHandler("p", "t", func(ctx context.Context, body any) (any, error) {
		return "first", nil
	}); err != nil {
		t.Fatal(err)
	}
	// Second registration for the same pair replaces the first.
	if _, err := b.RegisterHandler("p", "t", func(ctx context.Context, body any) (any, error) {
		return "second", nil
	}); err != nil {
		t.Fatal(err)
	}

	resp, err := b.Send(context.Background(), "p", "t", nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp != "second" {
		t.Errorf("Send response = %v, want second", resp)
	}
}

func TestBus_LazyActivation(t *testing.T) {
	b := New(nil)
	act := &fakeActivator{}
	b.SetActivator(act)

	if _, err := b.RegisterHandler("sleepy", "ping", func(ctx context.Context, body any) (any, error) {
		return "pong", nil
	}); err != nil {
		t.Fatal(err)
	}

	resp, err := b.Send(context.Background(), "sleepy", "ping", nil)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if resp != "pong" {
		t.Errorf("response = %v", resp)
	}
	if len(act.calls) != 1 || act.calls[0] != "sleepy" {
		t.Errorf("activator calls = %v", act.calls)
	}
}

func TestBus_ActivationFailed(t *testing.T) {
	b := New(nil)
	b.SetActivator(&fakeActivator{failOn: map[string]error{"broken": errors.New("boom")}})

	_, err := b.Send(context.Background(), "broken", "ping", nil)
	if !errors.Is(err, ErrActivationFailed) {
		t.Errorf("expected ErrActivationFailed, got %v", err)
	}
	if errors.Is(err, ErrNoHandler) {
		t.Error("activation failure must not be reported as ErrNoHandler")
	}
}

func TestBus_HandlerPanicContained(t *testing.T) {
	b := New(nil)
	if _, err := b.RegisterHandler("p", "t", func(ctx context.Context, body any) (any, error) {
		panic("kaboom")
	}); err != nil {
		t.Fatal(err)
	}

	_, err := b.Send(context.Background(), "p", "t", nil)
	if !errors.Is(err, ErrHandlerPanic) {
		t.Errorf("expected ErrHandlerPanic, got %v", err)
	}
}

func TestBus_BroadcastOrderAndContainment(t *testing.T) {
	b := New(nil)

	var mu sync.Mutex
	var order []string
	for _, name := range []string{"one", "two", "three"} {
		name := name
		fn := func(ctx context.Context, body any) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			if name == "two" {
				panic("subscriber two misbehaves")
			}
		}
		if _, err := b.Subscribe("tick", fn); err != nil {
			t.Fatal(err)
		}
	}

	b.Broadcast(context.Background(), "tick", nil)

	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(order) != "[one two three]" {
		t.Errorf("delivery order = %v, want [one two three]", order)
	}
}

func TestBus_NestedBroadcastQueued(t *testing.T) {
	b := New(nil)

	var order []string
	if _, err := b.Subscribe("outer", func(ctx context.Context, body any) {
		order = append(order, "outer-start")
		b.Broadcast(ctx, "inner", nil)
		order = append(order, "outer-end")
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Subscribe("inner", func(ctx context.Context, body any) {
		order = append(order, "inner")
	}); err != nil {
		t.Fatal(err)
	}

	b.Broadcast(context.Background(), "outer", nil)

	// The nested broadcast runs after the outer pass completes.
	want := "[outer-start outer-end inner]"
	if fmt.Sprint(order) != want {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestBus_ConcurrentBroadcastsSerialized(t *testing.T) {
	b := New(nil)

	var mu sync.Mutex
	var order []string
	entered := make(chan struct{})
	release := make(chan struct{})
	if _, err := b.Subscribe("tick", func(ctx context.Context, body any) {
		mu.Lock()
		order = append(order, fmt.Sprintf("start:%v", body))
		mu.Unlock()
		if body == "first" {
			close(entered)
			<-release
		}
		mu.Lock()
		order = append(order, fmt.Sprintf("end:%v", body))
		mu.Unlock()
	}); err != nil {
		t.Fatal(err)
	}

	go b.Broadcast(context.Background(), "tick", "first")
	<-entered

	// The first broadcast's drainer is parked inside delivery; a second
	// caller enqueues, returns, and its message is delivered by the
	// drainer after the first pass completes.
	done := make(chan struct{})
	go func() {
		b.Broadcast(context.Background(), "tick", "second")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("concurrent broadcast blocked behind the drainer")
	}
	close(release)

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := len(order)
		mu.Unlock()
		if n == 4 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("broadcasts not delivered, order = %v", order)
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	want := "[start:first end:first start:second end:second]"
	if fmt.Sprint(order) != want {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := New(nil)
	calls := 0
	h, err := b.Subscribe("t", func(ctx context.Context, body any) { calls++ })
	if err != nil {
		t.Fatal(err)
	}

	b.Broadcast(context.Background(), "t", nil)
	h.Close()
	b.Broadcast(context.Background(), "t", nil)

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if b.SubscriberCount("t") != 0 {
		t.Error("subscriber still registered after close")
	}
}
