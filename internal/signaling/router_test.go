package signaling

import (
	"testing"
)

func TestRouter_DispatchInRegistrationOrder(t *testing.T) {
	r := NewRouter()
	var got []string
	r.On("ping", func(*Message) { got = append(got, "first") })
	r.On("ping", func(*Message) { got = append(got, "second") })
	r.On("other", func(*Message) { got = append(got, "other") })

	if !r.Dispatch(&Message{Event: "ping"}) {
		t.Fatalf("Dispatch reported no handler")
	}
	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Fatalf("handlers ran as %v", got)
	}
	if r.Dispatch(&Message{Event: "missing"}) {
		t.Fatalf("Dispatch reported a handler for an unknown event")
	}
}

func TestSubscription_UnsubscribeIsSymmetric(t *testing.T) {
	r := NewRouter()
	calls := 0
	sub := r.On("ping", func(*Message) { calls++ })
	keep := r.On("ping", func(*Message) {})

	if r.Handlers("ping") != 2 {
		t.Fatalf("Handlers = %d, want 2", r.Handlers("ping"))
	}

	sub.Unsubscribe()
	sub.Unsubscribe()

	if r.Handlers("ping") != 1 {
		t.Fatalf("Handlers after Unsubscribe = %d, want 1", r.Handlers("ping"))
	}
	r.Dispatch(&Message{Event: "ping"})
	if calls != 0 {
		t.Fatalf("removed handler ran %d times", calls)
	}

	keep.Unsubscribe()
	if r.Total() != 0 {
		t.Fatalf("Total = %d, want 0", r.Total())
	}
}

func TestSubscription_NilIsSafe(t *testing.T) {
	var sub *Subscription
	sub.Unsubscribe()
}

func TestRouter_UnsubscribeDuringDispatch(t *testing.T) {
	r := NewRouter()
	var second *Subscription
	ran := 0
	r.On("ping", func(*Message) { second.Unsubscribe() })
	second = r.On("ping", func(*Message) { ran++ })

	// The snapshot taken by Dispatch still includes the second handler.
	r.Dispatch(&Message{Event: "ping"})
	if ran != 1 {
		t.Fatalf("second handler ran %d times on first dispatch, want 1", ran)
	}

	r.Dispatch(&Message{Event: "ping"})
	if ran != 1 {
		t.Fatalf("second handler ran after Unsubscribe")
	}
}
