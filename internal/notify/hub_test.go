package notify

import (
	"testing"
)

func TestHubFansOutPerUser(t *testing.T) {
	hub := NewHub(nil)

	ch1, cancel1 := hub.Subscribe("u1")
	defer cancel1()
	ch2, cancel2 := hub.Subscribe("u1")
	defer cancel2()
	other, cancelOther := hub.Subscribe("u2")
	defer cancelOther()

	hub.Publish(Notification{Recipient: "u1", Kind: KindInvite, SessionID: "s1"})

	for i, ch := range []<-chan Notification{ch1, ch2} {
		select {
		case n := <-ch:
			if n.SessionID != "s1" || n.Kind != KindInvite {
				t.Fatalf("subscriber %d got %+v", i, n)
			}
		default:
			t.Fatalf("subscriber %d received nothing", i)
		}
	}
	select {
	case n := <-other:
		t.Fatalf("u2 received u1's notification: %+v", n)
	default:
	}
}

func TestHubDropsWhenFull(t *testing.T) {
	hub := NewHub(nil)
	ch, cancel := hub.Subscribe("u1")
	defer cancel()

	for i := 0; i < subscriberBuffer+10; i++ {
		hub.Publish(Notification{Recipient: "u1", Kind: KindEnded})
	}
	if got := len(ch); got != subscriberBuffer {
		t.Fatalf("queued = %d, want %d (overflow dropped)", got, subscriberBuffer)
	}
}

func TestHubUnsubscribe(t *testing.T) {
	hub := NewHub(nil)
	_, cancel := hub.Subscribe("u1")
	if hub.SubscriberCount("u1") != 1 || hub.ActiveSubscribers() != 1 {
		t.Fatalf("expected one subscriber")
	}
	cancel()
	if hub.SubscriberCount("u1") != 0 || hub.ActiveSubscribers() != 0 {
		t.Fatalf("subscriber not removed after cancel")
	}

	// Publishing with nobody listening is a no-op.
	hub.Publish(Notification{Recipient: "u1", Kind: KindInvite})
}
