package hook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestBus_EmitOrderAndPartialFailure(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil)
	var calls []int

	bus.On("e", "p1", func(ctx context.Context, ev Event) error {
		calls = append(calls, 1)
		return nil
	})
	bus.On("e", "p2", func(ctx context.Context, ev Event) error {
		calls = append(calls, 2)
		return errors.New("handler 2 failed")
	})
	bus.On("e", "p3", func(ctx context.Context, ev Event) error {
		calls = append(calls, 3)
		return nil
	})

	errs := bus.Emit(context.Background(), NewEvent("e", "test", nil))
	if len(errs) != 1 {
		t.Fatalf("expected exactly 1 collected error, got %d: %v", len(errs), errs)
	}
	if len(calls) != 3 {
		t.Fatalf("expected all 3 handlers invoked, got %v", calls)
	}
	for i, want := range []int{1, 2, 3} {
		if calls[i] != want {
			t.Errorf("call %d: got handler %d, want %d", i, calls[i], want)
		}
	}
}

func TestBus_OnceInvokedExactlyOnce(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil)
	count := 0
	bus.Once("e", "p", func(ctx context.Context, ev Event) error {
		count++
		return nil
	})

	bus.Emit(context.Background(), NewEvent("e", "test", nil))
	bus.Emit(context.Background(), NewEvent("e", "test", nil))

	if count != 1 {
		t.Fatalf("Once handler invoked %d times, want 1", count)
	}
	if n := bus.HandlerCount("e"); n != 0 {
		t.Errorf("expected 0 handlers after Once fired, got %d", n)
	}
}

func TestBus_OnceDeregistersOnError(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil)
	count := 0
	bus.Once("e", "p", func(ctx context.Context, ev Event) error {
		count++
		return errors.New("boom")
	})

	if errs := bus.Emit(context.Background(), NewEvent("e", "test", nil)); len(errs) != 1 {
		t.Fatalf("expected 1 error from first emit, got %v", errs)
	}
	if errs := bus.Emit(context.Background(), NewEvent("e", "test", nil)); len(errs) != 0 {
		t.Fatalf("expected no errors from second emit, got %v", errs)
	}
	if count != 1 {
		t.Fatalf("failing Once handler invoked %d times, want 1", count)
	}
}

func TestBus_OffUnknownSubscriptionIsNoop(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil)
	sub := bus.On("e", "p", func(ctx context.Context, ev Event) error { return nil })

	bus.Off(sub)
	bus.Off(sub) // second removal of the same subscription
	bus.Off(Subscription{})

	if n := bus.HandlerCount("e"); n != 0 {
		t.Errorf("expected 0 handlers, got %d", n)
	}
}

func TestBus_OffOwnerRemovesAcrossEventTypes(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil)
	h := func(ctx context.Context, ev Event) error { return nil }
	bus.On("a", "docker", h)
	bus.On("b", "docker", h)
	bus.On("a", "nginx", h)

	if removed := bus.OffOwner("docker"); removed != 2 {
		t.Fatalf("OffOwner removed %d, want 2", removed)
	}
	if n := bus.HandlerCount("a"); n != 1 {
		t.Errorf("event a: %d handlers left, want 1", n)
	}
	if n := bus.HandlerCount("b"); n != 0 {
		t.Errorf("event b: %d handlers left, want 0", n)
	}
}

func TestBus_HandlerMayMutateRegistrationsDuringDispatch(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil)
	lateCalled := false
	bus.On("e", "p", func(ctx context.Context, ev Event) error {
		// Registering from inside a handler must not deadlock, and the new
		// handler must not see the in-flight event.
		bus.On("e", "p", func(ctx context.Context, ev Event) error {
			lateCalled = true
			return nil
		})
		return nil
	})

	bus.Emit(context.Background(), NewEvent("e", "test", nil))
	if lateCalled {
		t.Error("handler registered during dispatch received the in-flight event")
	}

	bus.Emit(context.Background(), NewEvent("e", "test", nil))
	if !lateCalled {
		t.Error("handler registered during dispatch never invoked on next emit")
	}
}

func TestBus_PanickingHandlerIsCollected(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil)
	after := false
	bus.On("e", "bad", func(ctx context.Context, ev Event) error {
		panic("plugin bug")
	})
	bus.On("e", "good", func(ctx context.Context, ev Event) error {
		after = true
		return nil
	})

	errs := bus.Emit(context.Background(), NewEvent("e", "test", nil))
	if len(errs) != 1 {
		t.Fatalf("expected panic converted to 1 error, got %v", errs)
	}
	if !after {
		t.Error("handler after the panicking one was not invoked")
	}
}

func TestBus_ConcurrentEmitAndSubscribe(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			bus.On("e", fmt.Sprintf("owner-%d", n), func(ctx context.Context, ev Event) error { return nil })
		}(i)
		go func() {
			defer wg.Done()
			bus.Emit(context.Background(), NewEvent("e", "test", nil))
		}()
	}
	wg.Wait()

	if n := bus.HandlerCount("e"); n != 8 {
		t.Errorf("expected 8 handlers registered, got %d", n)
	}
}

func TestBus_CloseDropsHandlers(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil)
	called := false
	bus.On("e", "p", func(ctx context.Context, ev Event) error {
		called = true
		return nil
	})
	bus.Close()

	if errs := bus.Emit(context.Background(), NewEvent("e", "test", nil)); errs != nil {
		t.Fatalf("emit after close returned errors: %v", errs)
	}
	if called {
		t.Error("handler invoked after Close")
	}
	if sub := bus.On("e", "p", func(ctx context.Context, ev Event) error { return nil }); sub != (Subscription{}) {
		t.Error("On after Close returned a live subscription")
	}
}

func TestCatalogContainsPluginLifecycleEvents(t *testing.T) {
	t.Parallel()

	want := map[string]bool{EventPluginEnabled: false, EventPluginDisabled: false}
	for _, typ := range Catalog() {
		if _, ok := want[typ]; ok {
			want[typ] = true
		}
	}
	for typ, seen := range want {
		if !seen {
			t.Errorf("catalog missing %q", typ)
		}
	}
}
