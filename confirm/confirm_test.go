package confirm

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan Event, 1024)}
}

func (r *recorder) handle(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.ch <- ev
}

func (r *recorder) count(typ EventType, id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ && ev.Record.MessageID == id {
			n++
		}
	}
	return n
}

func TestTracker_Confirm(t *testing.T) {
	rec := newRecorder()
	tr := New(WithHandler(rec.handle))
	defer tr.Close()

	if !tr.Arm("m1", "A", "B", time.Minute) {
		t.Fatal("Arm returned false")
	}
	if !tr.IsPending("m1") || tr.Len() != 1 {
		t.Fatal("m1 should be pending")
	}

	if !tr.Confirm("m1") {
		t.Fatal("Confirm returned false")
	}

	ev := <-rec.ch
	if ev.Type != EventConfirmed {
		t.Errorf("event type = %s", ev.Type)
	}
	if ev.Record.From != "A" || ev.Record.To != "B" {
		t.Errorf("record = %+v", ev.Record)
	}
	if tr.Len() != 0 {
		t.Errorf("Len = %d after confirm", tr.Len())
	}

	// Second confirm is a no-op.
	if tr.Confirm("m1") {
		t.Error("second Confirm returned true")
	}
	if tr.Confirm("never-armed") {
		t.Error("Confirm of unknown id returned true")
	}
}

func TestTracker_Timeout(t *testing.T) {
	rec := newRecorder()
	tr := New(WithHandler(rec.handle))
	defer tr.Close()

	tr.Arm("m1", "A", "B", 20*time.Millisecond)

	select {
	case ev := <-rec.ch:
		if ev.Type != EventTimeout || ev.Record.MessageID != "m1" {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout never fired")
	}

	// A late acknowledgment after the timeout is a no-op.
	if tr.Confirm("m1") {
		t.Error("Confirm after timeout returned true")
	}

	time.Sleep(50 * time.Millisecond)
	if n := rec.count(EventTimeout, "m1"); n != 1 {
		t.Errorf("timeout fired %d times", n)
	}
	if n := rec.count(EventConfirmed, "m1"); n != 0 {
		t.Errorf("confirmed fired %d times", n)
	}
}

func TestTracker_ArmTwiceIsNoop(t *testing.T) {
	tr := New()
	defer tr.Close()

	if !tr.Arm("m1", "A", "B", time.Minute) {
		t.Fatal("first Arm failed")
	}
	if tr.Arm("m1", "A", "B", time.Minute) {
		t.Error("second Arm should be a no-op")
	}
	if tr.Arm("", "A", "B", time.Minute) {
		t.Error("Arm with empty id should fail")
	}
}

// Exactly one of confirmed or timeout fires per armed id, even when
// confirmations race the deadline.
func TestTracker_Exclusivity(t *testing.T) {
	rec := newRecorder()
	tr := New(WithHandler(rec.handle))
	defer tr.Close()

	const n = 200
	for i := 0; i < n; i++ {
		tr.Arm(fmt.Sprintf("m%d", i), "A", "B", time.Duration(i%5)*time.Millisecond+time.Millisecond)
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			time.Sleep(time.Duration(i%4) * time.Millisecond)
			tr.Confirm(fmt.Sprintf("m%d", i))
		}(i)
	}
	wg.Wait()

	deadline := time.After(5 * time.Second)
	for received := 0; received < n; received++ {
		select {
		case <-rec.ch:
		case <-deadline:
			t.Fatalf("received %d of %d events", received, n)
		}
	}

	for i := 0; i < n; i++ {
		id := fmt.Sprintf("m%d", i)
		c, to := rec.count(EventConfirmed, id), rec.count(EventTimeout, id)
		if c+to != 1 {
			t.Errorf("%s: confirmed=%d timeout=%d", id, c, to)
		}
	}
}

func TestTracker_CloseCancelsTimers(t *testing.T) {
	var fired atomic.Int32
	tr := New(WithHandler(func(Event) { fired.Add(1) }))

	for i := 0; i < 10; i++ {
		tr.Arm(fmt.Sprintf("m%d", i), "A", "B", 20*time.Millisecond)
	}

	if n := tr.Close(); n != 10 {
		t.Errorf("Close dropped %d records, want 10", n)
	}
	time.Sleep(60 * time.Millisecond)

	if fired.Load() != 0 {
		t.Errorf("%d events fired after Close", fired.Load())
	}
	if tr.Arm("late", "A", "B", time.Millisecond) {
		t.Error("Arm after Close should be a no-op")
	}
	if tr.Close() != 0 {
		t.Error("second Close should drop nothing")
	}
}

func TestTracker_HandlerPanicRecovered(t *testing.T) {
	tr := New(WithHandler(func(Event) { panic("observer bug") }))
	defer tr.Close()

	tr.Arm("m1", "A", "B", time.Minute)
	if !tr.Confirm("m1") {
		t.Fatal("Confirm returned false")
	}
	// Still usable after the panic.
	if !tr.Arm("m2", "A", "B", time.Minute) {
		t.Error("Arm after handler panic failed")
	}
}

func TestTracker_PendingOrdered(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr := New(WithClock(func() time.Time { return base }))
	defer tr.Close()

	tr.Arm("late", "A", "B", 3*time.Hour)
	tr.Arm("soon", "A", "C", time.Hour)

	p := tr.Pending()
	if len(p) != 2 || p[0].MessageID != "soon" || p[1].MessageID != "late" {
		t.Fatalf("Pending = %+v", p)
	}
	if !p[0].Deadline.Equal(base.Add(time.Hour)) {
		t.Errorf("deadline = %v", p[0].Deadline)
	}
}

func TestTracker_DefaultTimeout(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr := New(WithClock(func() time.Time { return base }))
	defer tr.Close()

	tr.Arm("m1", "A", "B", 0)
	if p := tr.Pending(); p[0].Deadline.Sub(p[0].CreatedAt) != DefaultTimeout {
		t.Errorf("window = %v", p[0].Deadline.Sub(p[0].CreatedAt))
	}
}
