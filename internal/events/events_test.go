package events

import "testing"

func TestPushDrainFIFO(t *testing.T) {
	q := New(4)
	q.Push(Event{Kind: KindMotorState, Payload16: 1, TimeMs: 10})
	q.Push(Event{Kind: KindMotorError, Payload16: 2, TimeMs: 20})

	got := q.Drain()
	if len(got) != 2 {
		t.Fatalf("Drain returned %d events, want 2", len(got))
	}
	if got[0].Payload16 != 1 || got[1].Payload16 != 2 {
		t.Errorf("Drain order = %v, want FIFO [1,2]", got)
	}
}

func TestDrainEmptiesQueue(t *testing.T) {
	q := New(4)
	q.Push(Event{Kind: KindMotorReady})
	q.Drain()
	if got := q.Drain(); got != nil {
		t.Errorf("second Drain returned %v, want nil", got)
	}
}

func TestPushDropsOnFullQueue(t *testing.T) {
	q := New(2)
	q.Push(Event{Payload16: 1})
	q.Push(Event{Payload16: 2})
	q.Push(Event{Payload16: 3}) // should be dropped

	if q.QueueFull() != 1 {
		t.Errorf("QueueFull() = %d, want 1", q.QueueFull())
	}
	got := q.Drain()
	if len(got) != 2 || got[0].Payload16 != 1 || got[1].Payload16 != 2 {
		t.Errorf("Drain after overflow = %v, want [1,2]", got)
	}
}

func TestQueueWrapsAroundRingBuffer(t *testing.T) {
	q := New(3)
	q.Push(Event{Payload16: 1})
	q.Push(Event{Payload16: 2})
	q.Drain()
	q.Push(Event{Payload16: 3})
	q.Push(Event{Payload16: 4})
	q.Push(Event{Payload16: 5})

	got := q.Drain()
	want := []uint16{3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("Drain after wraparound = %v, want payloads %v", got, want)
	}
	for i, e := range got {
		if e.Payload16 != want[i] {
			t.Errorf("index %d: got %d, want %d", i, e.Payload16, want[i])
		}
	}
}

func TestStatePayloadRoundTrip(t *testing.T) {
	for _, tc := range []struct{ proto, opcode byte }{
		{0, 0x52}, {1, 0x14}, {2, 0x46}, {3, 0x11},
	} {
		packed := StatePayload(tc.proto, tc.opcode)
		gotProto, gotOpcode := SplitStatePayload(packed)
		if gotProto != tc.proto || gotOpcode != tc.opcode {
			t.Errorf("StatePayload/SplitStatePayload round trip: got (%d,%#x), want (%d,%#x)",
				gotProto, gotOpcode, tc.proto, tc.opcode)
		}
	}
}

func TestKindString(t *testing.T) {
	if KindMotorState.String() != "MOTOR_STATE" {
		t.Errorf("KindMotorState.String() = %q", KindMotorState.String())
	}
	if Kind(99).String() != "MOTOR_UNKNOWN" {
		t.Errorf("unknown Kind.String() = %q, want MOTOR_UNKNOWN", Kind(99).String())
	}
}
