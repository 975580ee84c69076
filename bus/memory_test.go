package bus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestValidateSubject(t *testing.T) {
	tests := []struct {
		subject string
		wantErr bool
	}{
		{"agentbus", false},
		{"agentbus.events.message.sent", false},
		{"agentbus.heartbeat.*", false},
		{"agentbus.>", false},
		{"", true},
		{"agentbus..events", true},
		{".agentbus", true},
		{"agentbus.", true},
		{"agent bus", true},
		{"agentbus.>.events", true},
		{"agentbus.ev*", true},
	}

	for _, tt := range tests {
		err := ValidateSubject(tt.subject)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateSubject(%q) = %v, wantErr %v", tt.subject, err, tt.wantErr)
		}
	}
}

func TestValidatePublishSubject(t *testing.T) {
	if err := ValidatePublishSubject("agentbus.agents.coder"); err != nil {
		t.Errorf("literal subject rejected: %v", err)
	}
	for _, s := range []string{"agentbus.*", "agentbus.>"} {
		if err := ValidatePublishSubject(s); err != ErrInvalidSubject {
			t.Errorf("ValidatePublishSubject(%q) = %v, want ErrInvalidSubject", s, err)
		}
	}
}

func TestMatchSubject(t *testing.T) {
	tests := []struct {
		pattern, subject string
		want             bool
	}{
		{"agentbus.heartbeat.a", "agentbus.heartbeat.a", true},
		{"agentbus.heartbeat.*", "agentbus.heartbeat.a", true},
		{"agentbus.heartbeat.*", "agentbus.heartbeat.a.b", false},
		{"agentbus.heartbeat.*", "agentbus.heartbeat", false},
		{"agentbus.>", "agentbus.events.message.sent", true},
		{"agentbus.>", "agentbus", false},
		{"agentbus.*.sent", "agentbus.message.sent", true},
		{"agentbus.*.sent", "agentbus.message.rejected", false},
	}
	for _, tt := range tests {
		if got := MatchSubject(tt.pattern, tt.subject); got != tt.want {
			t.Errorf("MatchSubject(%q, %q) = %v, want %v", tt.pattern, tt.subject, got, tt.want)
		}
	}
}

func TestSubject(t *testing.T) {
	if got := Subject("events", "message.sent"); got != "agentbus.events.message.sent" {
		t.Errorf("Subject() = %q", got)
	}
}

func TestMemoryBus_PublishInvalidSubject(t *testing.T) {
	b := NewMemoryBus(DefaultConfig())
	defer b.Close()

	for _, s := range []string{"", "agentbus.*"} {
		if err := b.Publish(s, []byte("hello")); err != ErrInvalidSubject {
			t.Errorf("Publish(%q) = %v, want ErrInvalidSubject", s, err)
		}
	}
	// No subscribers is fine.
	if err := b.Publish("agentbus.nobody", []byte("hello")); err != nil {
		t.Errorf("Publish error: %v", err)
	}
}

func receive(t *testing.T, sub Subscription) *Message {
	t.Helper()
	select {
	case msg := <-sub.Messages():
		return msg
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
		return nil
	}
}

func TestMemoryBus_Subscribe(t *testing.T) {
	b := NewMemoryBus(DefaultConfig())
	defer b.Close()

	sub, err := b.Subscribe("agentbus.agents.coder")
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer sub.Unsubscribe()

	b.Publish("agentbus.agents.coder", []byte("hello"))

	msg := receive(t, sub)
	if string(msg.Data) != "hello" || msg.Subject != "agentbus.agents.coder" {
		t.Errorf("msg = %q on %q", msg.Data, msg.Subject)
	}
}

func TestMemoryBus_WildcardSubscribe(t *testing.T) {
	b := NewMemoryBus(DefaultConfig())
	defer b.Close()

	one, _ := b.Subscribe("agentbus.heartbeat.*")
	all, _ := b.Subscribe("agentbus.>")
	defer one.Unsubscribe()
	defer all.Unsubscribe()

	b.Publish("agentbus.heartbeat.coder", []byte("hb"))
	b.Publish("agentbus.events.message.sent", []byte("ev"))

	if msg := receive(t, one); msg.Subject != "agentbus.heartbeat.coder" {
		t.Errorf("single-token wildcard got %q", msg.Subject)
	}
	select {
	case msg := <-one.Messages():
		t.Errorf("single-token wildcard matched %q", msg.Subject)
	default:
	}

	got := []string{receive(t, all).Subject, receive(t, all).Subject}
	if got[0] != "agentbus.heartbeat.coder" || got[1] != "agentbus.events.message.sent" {
		t.Errorf("tail wildcard got %v", got)
	}
}

func TestMemoryBus_MultipleSubscribers(t *testing.T) {
	b := NewMemoryBus(DefaultConfig())
	defer b.Close()

	sub1, _ := b.Subscribe("agentbus.events.x")
	sub2, _ := b.Subscribe("agentbus.events.x")
	defer sub1.Unsubscribe()
	defer sub2.Unsubscribe()

	b.Publish("agentbus.events.x", []byte("hello"))

	for i, sub := range []Subscription{sub1, sub2} {
		if msg := receive(t, sub); string(msg.Data) != "hello" {
			t.Errorf("sub%d: data = %q", i+1, msg.Data)
		}
	}
}

func TestMemoryBus_QueueSubscribe(t *testing.T) {
	b := NewMemoryBus(DefaultConfig())
	defer b.Close()

	var subs []Subscription
	for i := 0; i < 3; i++ {
		sub, _ := b.QueueSubscribe("agentbus.heartbeat.*", "monitors")
		subs = append(subs, sub)
	}
	defer func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}()

	for i := 0; i < 10; i++ {
		b.Publish("agentbus.heartbeat.coder", []byte("hb"))
	}

	var received [3]int32
	var wg sync.WaitGroup
	for i, sub := range subs {
		wg.Add(1)
		go func(idx int, s Subscription) {
			defer wg.Done()
			timeout := time.After(100 * time.Millisecond)
			for {
				select {
				case <-s.Messages():
					atomic.AddInt32(&received[idx], 1)
				case <-timeout:
					return
				}
			}
		}(i, sub)
	}
	wg.Wait()

	// Each message goes to exactly one member of the group.
	if total := received[0] + received[1] + received[2]; total != 10 {
		t.Errorf("total received = %d, want 10 (distribution: %v)", total, received)
	}
	for i, n := range received {
		if n < 3 {
			t.Errorf("member %d received %d, want round-robin share (distribution: %v)", i, n, received)
		}
	}
}

func TestMemoryBus_QueueGroupsAreIndependent(t *testing.T) {
	b := NewMemoryBus(DefaultConfig())
	defer b.Close()

	monitors, _ := b.QueueSubscribe("agentbus.heartbeat.*", "monitors")
	auditors, _ := b.QueueSubscribe("agentbus.heartbeat.*", "auditors")
	plain, _ := b.Subscribe("agentbus.heartbeat.coder")

	b.Publish("agentbus.heartbeat.coder", []byte("hb"))
	for _, sub := range []Subscription{monitors, auditors, plain} {
		if msg := receive(t, sub); string(msg.Data) != "hb" {
			t.Errorf("got %q", msg.Data)
		}
	}

	monitors.Unsubscribe()
	if got := b.Stats().Subscriptions; got != 2 {
		t.Errorf("Subscriptions = %d after unsubscribe, want 2", got)
	}
}

func TestMemoryBus_Request(t *testing.T) {
	b := NewMemoryBus(DefaultConfig())
	defer b.Close()

	sub, _ := b.Subscribe("agentbus.agents.coder.ping")
	go func() {
		for msg := range sub.Messages() {
			if msg.Reply != "" {
				b.Publish(msg.Reply, []byte("pong"))
			}
		}
	}()
	defer sub.Unsubscribe()

	reply, err := b.Request("agentbus.agents.coder.ping", []byte("ping"), time.Second)
	if err != nil {
		t.Fatalf("Request error: %v", err)
	}
	if string(reply.Data) != "pong" {
		t.Errorf("reply = %q, want pong", reply.Data)
	}
}

func TestMemoryBus_RequestTimeout(t *testing.T) {
	b := NewMemoryBus(DefaultConfig())
	defer b.Close()

	sub, _ := b.Subscribe("agentbus.agents.mute.ping")
	defer sub.Unsubscribe()

	_, err := b.Request("agentbus.agents.mute.ping", []byte("ping"), 50*time.Millisecond)
	if err != ErrTimeout {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
	// A late reply to an abandoned inbox goes nowhere.
	msg := receive(t, sub)
	if err := b.Publish(msg.Reply, []byte("late")); err != nil {
		t.Errorf("late reply error: %v", err)
	}
}

func TestMemoryBus_RequestNoResponders(t *testing.T) {
	b := NewMemoryBus(DefaultConfig())
	defer b.Close()

	start := time.Now()
	_, err := b.Request("agentbus.agents.ghost.ping", []byte("ping"), time.Second)
	if err != ErrNoResponders {
		t.Errorf("expected ErrNoResponders, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("Request waited for the timeout with no subscribers")
	}
}

func TestMemoryBus_ReplySubjectsAreUnique(t *testing.T) {
	b := NewMemoryBus(DefaultConfig())
	defer b.Close()

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		s := b.newInbox()
		if seen[s] {
			t.Fatalf("duplicate reply subject %q", s)
		}
		if err := ValidatePublishSubject(s); err != nil {
			t.Fatalf("reply subject %q invalid: %v", s, err)
		}
		seen[s] = true
	}
}

func TestMemoryBus_AfterClose(t *testing.T) {
	b := NewMemoryBus(DefaultConfig())
	sub, _ := b.Subscribe("agentbus.events.x")
	b.Close()

	if _, ok := <-sub.Messages(); ok {
		t.Error("expected subscription channel to be closed")
	}
	if err := b.Publish("agentbus.events.x", nil); err != ErrClosed {
		t.Errorf("Publish after Close = %v, want ErrClosed", err)
	}
	if _, err := b.Subscribe("agentbus.events.x"); err != ErrClosed {
		t.Errorf("Subscribe after Close = %v, want ErrClosed", err)
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Errorf("Unsubscribe after Close = %v", err)
	}
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	b := NewMemoryBus(DefaultConfig())
	defer b.Close()

	sub, _ := b.Subscribe("agentbus.events.x")
	if err := sub.Unsubscribe(); err != nil {
		t.Errorf("Unsubscribe error: %v", err)
	}
	if _, ok := <-sub.Messages(); ok {
		t.Error("expected channel to be closed after unsubscribe")
	}
	// Publishing to a subject with no live subscribers must not panic.
	b.Publish("agentbus.events.x", []byte("late"))
}

func TestMemoryBus_BufferFull(t *testing.T) {
	b := NewMemoryBus(Config{BufferSize: 1})
	defer b.Close()

	sub, _ := b.Subscribe("agentbus.events.x")
	b.Publish("agentbus.events.x", []byte("1"))
	b.Publish("agentbus.events.x", []byte("2")) // dropped

	if msg := receive(t, sub); string(msg.Data) != "1" {
		t.Errorf("expected first message, got %q", msg.Data)
	}
	select {
	case <-sub.Messages():
		t.Error("unexpected second message")
	default:
	}
	if st := b.Stats(); st.Published != 2 || st.Dropped != 1 {
		t.Errorf("Stats() = %+v, want 2 published, 1 dropped", st)
	}
}

func BenchmarkMemoryBus_Publish(b *testing.B) {
	mb := NewMemoryBus(DefaultConfig())
	defer mb.Close()

	sub, _ := mb.Subscribe("agentbus.>")
	go func() {
		for range sub.Messages() {
		}
	}()

	data := []byte("benchmark message")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		mb.Publish("agentbus.events.bench", data)
	}
}
