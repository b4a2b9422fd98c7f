package notify

import "testing"

func TestPublishKeepsLatest(t *testing.T) {
	t.Parallel()
	var b Broadcaster[int]
	ch, cancel := b.Subscribe()
	defer cancel()

	b.Publish(1)
	b.Publish(2)
	b.Publish(3)

	if got := <-ch; got != 3 {
		t.Errorf("received %d, want latest 3", got)
	}
	select {
	case v := <-ch:
		t.Errorf("unexpected extra value %d", v)
	default:
	}
}

func TestPublishFansOut(t *testing.T) {
	t.Parallel()
	var b Broadcaster[string]
	a, cancelA := b.Subscribe()
	c, cancelC := b.Subscribe()
	defer cancelA()
	defer cancelC()

	b.Publish("snap")
	if <-a != "snap" || <-c != "snap" {
		t.Error("both subscribers should receive the snapshot")
	}
}

func TestCancelUnsubscribesAndCloses(t *testing.T) {
	t.Parallel()
	var b Broadcaster[int]
	ch, cancel := b.Subscribe()
	if b.Len() != 1 {
		t.Fatalf("Len = %d, want 1", b.Len())
	}

	cancel()
	cancel()
	if b.Len() != 0 {
		t.Errorf("Len = %d after cancel, want 0", b.Len())
	}
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after cancel")
	}
	// publishing with no subscribers must not block or panic
	b.Publish(1)
}
