package bus

import (
	"sync"
	"testing"
)

func TestBus_EmitDeliversToSubscriber(t *testing.T) {
	b := New()
	var got Payload
	var wg sync.WaitGroup
	wg.Add(1)
	b.On(KindSessionID, func(p Payload) {
		got = p
		wg.Done()
	})

	b.Emit(Payload{Kind: KindSessionID, SessionID: "sess-1"})
	wg.Wait()

	if got.SessionID != "sess-1" {
		t.Fatalf("expected sess-1, got %q", got.SessionID)
	}
}

func TestBus_EmitOnlyReachesMatchingKind(t *testing.T) {
	b := New()
	called := false
	b.On(KindProcessClosed, func(Payload) { called = true })

	b.Emit(Payload{Kind: KindProcessSpawned, PID: 42})

	if called {
		t.Fatal("handler for a different kind must not be invoked")
	}
}

func TestBus_MultipleSubscribersAllCalled(t *testing.T) {
	b := New()
	count := 0
	var mu sync.Mutex
	for i := 0; i < 3; i++ {
		b.On(KindActivity, func(Payload) {
			mu.Lock()
			count++
			mu.Unlock()
		})
	}

	b.Emit(Payload{Kind: KindActivity})

	if count != 3 {
		t.Fatalf("expected 3 handler invocations, got %d", count)
	}
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	called := false
	unsub := b.On(KindProcessClosed, func(Payload) { called = true })
	unsub()

	b.Emit(Payload{Kind: KindProcessClosed})

	if called {
		t.Fatal("handler should not fire after unsubscribe")
	}
}

func TestBus_HandlerPanicDoesNotStopOtherHandlers(t *testing.T) {
	b := New()
	secondCalled := false
	b.On(KindWatchdogMissingProcess, func(Payload) { panic("boom") })
	b.On(KindWatchdogMissingProcess, func(Payload) { secondCalled = true })

	b.Emit(Payload{Kind: KindWatchdogMissingProcess, LastSeenPID: 7})

	if !secondCalled {
		t.Fatal("expected second handler to run despite first handler panicking")
	}
}

func TestBus_UnsubscribeDuringIterationIsSafe(t *testing.T) {
	b := New()
	var unsub func()
	unsub = b.On(KindEvent, func(Payload) {
		unsub()
	})
	b.On(KindEvent, func(Payload) {})

	b.Emit(Payload{Kind: KindEvent})
	b.Emit(Payload{Kind: KindEvent})
}
