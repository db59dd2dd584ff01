package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSubscribeReceivesPublished(t *testing.T) {
	b := New()
	ch := b.Subscribe()

	b.Publish(Event{Kind: KindMessageDelivered, ContactID: 1, MessageID: "m1"})

	select {
	case got := <-ch:
		require.Equal(t, KindMessageDelivered, got.Kind)
		require.Equal(t, "m1", got.MessageID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	b := New()
	a := b.Subscribe()
	c := b.Subscribe()

	b.Publish(Event{Kind: KindContactTap, ContactID: 9})

	for _, ch := range []<-chan Event{a, c} {
		select {
		case got := <-ch:
			require.Equal(t, KindContactTap, got.Kind)
			require.Equal(t, int64(9), got.ContactID)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestPublishNeverBlocksOnFullSubscriber(t *testing.T) {
	b := New()
	b.Subscribe() // never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < bufferSize+10; i++ {
			b.Publish(Event{Kind: KindSystemStatus})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
}
