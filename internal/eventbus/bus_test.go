package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	b := New(4)
	sub := b.Subscribe(context.Background(), TopicStoreReady)
	defer sub.Close()

	b.Publish(TopicStoreReady, "db opened")

	select {
	case ev := <-sub.Ch:
		assert.Equal(t, TopicStoreReady, ev.Topic)
		assert.Equal(t, "db opened", ev.Data)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	b := New(1)
	sub := b.Subscribe(context.Background(), TopicStoreError)
	defer sub.Close()

	b.Publish(TopicStoreError, "first")
	b.Publish(TopicStoreError, "second") // dropped, buffer is full

	ev := <-sub.Ch
	assert.Equal(t, "first", ev.Data)

	select {
	case <-sub.Ch:
		t.Fatal("expected no further events")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestContextCancelUnsubscribes(t *testing.T) {
	b := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	sub := b.Subscribe(ctx, TopicStoreClose)
	cancel()

	require.Eventually(t, func() bool {
		_, open := <-sub.Ch
		return !open
	}, time.Second, 10*time.Millisecond)
}

func TestTopicsAreIndependent(t *testing.T) {
	b := New(1)
	readySub := b.Subscribe(context.Background(), TopicStoreReady)
	defer readySub.Close()

	b.Publish(TopicStoreRepairing, "repairing")

	select {
	case <-readySub.Ch:
		t.Fatal("ready subscriber should not see repairing events")
	case <-time.After(50 * time.Millisecond):
	}
}
