package eventbus

import "testing"

func TestDrain_DispatchesByKind(t *testing.T) {
	b := New()
	var got []string
	b.Subscribe(ResourceKind("device"), func(e Event) { got = append(got, e.What) })
	b.Subscribe(ResourceKind("sensor"), func(e Event) { got = append(got, "wrong:"+e.What) })

	b.Enqueue(NewEvent(ResourceKind("device"), EventPoll, "", 0))
	b.Drain()

	if len(got) != 1 || got[0] != EventPoll {
		t.Errorf("expected [%q], got %v", EventPoll, got)
	}
}

func TestDrain_UrgentRunsFirst(t *testing.T) {
	b := New()
	var order []string
	b.Subscribe("", func(e Event) { order = append(order, e.What) })

	b.Enqueue(NewEvent("device", "normal", "", 0))
	b.Enqueue(Event{Resource: "device", What: "urgent", Urgent: true})
	b.Drain()

	if len(order) != 2 || order[0] != "urgent" || order[1] != "normal" {
		t.Errorf("expected urgent before normal, got %v", order)
	}
}

func TestDrain_HandlerEnqueueIsProcessedNextPass(t *testing.T) {
	b := New()
	var seen []string
	b.Subscribe("", func(e Event) {
		seen = append(seen, e.What)
		if e.What == "first" {
			b.Enqueue(NewEvent("device", "second", "", 0))
		}
	})

	b.Enqueue(NewEvent("device", "first", "", 0))
	b.Drain()

	if len(seen) != 2 || seen[0] != "first" || seen[1] != "second" {
		t.Errorf("expected [first second], got %v", seen)
	}
}

func TestInlineRing_GenerationMismatchAfterOverwrite(t *testing.T) {
	b := New()
	e := b.PutInline("device", EventZCLResponse, 1, []byte("hello"))

	for i := 0; i < ringSlots; i++ {
		b.PutInline("device", EventZCLResponse, 1, []byte("filler"))
	}

	if _, ok := b.Inline(e); ok {
		t.Error("expected stale inline ref to fail generation check after the ring wrapped")
	}
}

func TestInlineRing_RoundTrip(t *testing.T) {
	b := New()
	e := b.PutInline("device", EventZCLResponse, 1, []byte("hello"))

	data, ok := b.Inline(e)
	if !ok {
		t.Fatal("expected fresh inline ref to resolve")
	}
	if string(data) != "hello" {
		t.Errorf("expected %q, got %q", "hello", data)
	}
}
