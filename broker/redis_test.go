package broker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T) *RedisBroker {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	b, err := NewRedis("redis://"+mr.Addr(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func waitFor(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	select {
	case got := <-ch:
		assert.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %q", want)
	}
}

func TestPublishSubscribe(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	received := make(chan string, 1)
	unsub, err := b.Subscribe(ctx, "crud>Product/p1", func(channelName string, payload []byte) {
		received <- string(payload)
	})
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, b.Publish(ctx, "crud>Product/p1", []byte(`{"type":"update"}`)))
	waitFor(t, received, `{"type":"update"}`)
}

func TestEmptyPayload(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	received := make(chan string, 1)
	unsub, err := b.Subscribe(ctx, "crud>Product/p1", func(channelName string, payload []byte) {
		received <- string(payload)
	})
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, b.Publish(ctx, "crud>Product/p1", nil))
	waitFor(t, received, "")
}

func TestMultipleHandlersShareChannel(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	first := make(chan string, 1)
	second := make(chan string, 1)

	unsub1, err := b.Subscribe(ctx, "crud>Product/p1", func(_ string, payload []byte) {
		first <- string(payload)
	})
	require.NoError(t, err)
	unsub2, err := b.Subscribe(ctx, "crud>Product/p1", func(_ string, payload []byte) {
		second <- string(payload)
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "crud>Product/p1", []byte("x")))
	waitFor(t, first, "x")
	waitFor(t, second, "x")

	// Detaching one handler keeps the channel alive for the other.
	unsub1()
	assert.True(t, b.IsSubscribed("crud>Product/p1", false))

	require.NoError(t, b.Publish(ctx, "crud>Product/p1", []byte("y")))
	waitFor(t, second, "y")

	unsub2()
	assert.False(t, b.IsSubscribed("crud>Product/p1", false))
}

func TestIsSubscribed(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	assert.False(t, b.IsSubscribed("crud>Product/p1", false))
	assert.False(t, b.IsSubscribed("crud>Product/p1", true))

	unsub, err := b.Subscribe(ctx, "crud>Product/p1", func(string, []byte) {})
	require.NoError(t, err)
	assert.True(t, b.IsSubscribed("crud>Product/p1", false))

	unsub()
	assert.False(t, b.IsSubscribed("crud>Product/p1", false))
}

func TestChannelsAreIndependent(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	p1 := make(chan string, 1)
	unsub, err := b.Subscribe(ctx, "crud>Product/p1", func(_ string, payload []byte) {
		p1 <- string(payload)
	})
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, b.Publish(ctx, "crud>Product/p2", []byte("other")))
	require.NoError(t, b.Publish(ctx, "crud>Product/p1", []byte("mine")))
	waitFor(t, p1, "mine")
}

func TestSubscribeAfterClose(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.Close())

	_, err := b.Subscribe(context.Background(), "crud>Product/p1", func(string, []byte) {})
	assert.Error(t, err)
}
