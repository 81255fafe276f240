package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetNXAndExpiry(t *testing.T) {
	mock := clock.NewMock()
	m := NewMemory(mock)
	ctx := context.Background()

	ok, err := m.SetNX(ctx, "k", "v1", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.SetNX(ctx, "k", "v2", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "live key must not be overwritten")

	mock.Add(11 * time.Second)
	ok, err = m.SetNX(ctx, "k", "v2", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "expired key is acquirable again")
}

func TestSetNXWithoutTTLNeverExpires(t *testing.T) {
	mock := clock.NewMock()
	m := NewMemory(mock)
	ctx := context.Background()

	ok, err := m.SetNX(ctx, "k", "v", 0)
	require.NoError(t, err)
	require.True(t, ok)

	mock.Add(24 * time.Hour)
	ok, err = m.SetNX(ctx, "k", "v2", 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCompareAndDelete(t *testing.T) {
	mock := clock.NewMock()
	m := NewMemory(mock)
	ctx := context.Background()

	_, err := m.SetNX(ctx, "k", "owner", time.Minute)
	require.NoError(t, err)

	ok, err := m.CompareAndDelete(ctx, "k", "intruder")
	require.NoError(t, err)
	assert.False(t, ok, "mismatched value must not delete")

	ok, err = m.CompareAndDelete(ctx, "k", "owner")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.CompareAndDelete(ctx, "k", "owner")
	require.NoError(t, err)
	assert.False(t, ok, "second delete finds nothing")
}

func TestCompareAndExtend(t *testing.T) {
	mock := clock.NewMock()
	m := NewMemory(mock)
	ctx := context.Background()

	_, err := m.SetNX(ctx, "k", "owner", 10*time.Second)
	require.NoError(t, err)

	mock.Add(8 * time.Second)
	ok, err := m.CompareAndExtend(ctx, "k", "owner", 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// Past the original expiry, but inside the extension.
	mock.Add(5 * time.Second)
	ok, err = m.SetNX(ctx, "k", "v2", 0)
	require.NoError(t, err)
	assert.False(t, ok)

	// Extension from a non-holder fails.
	ok, err = m.CompareAndExtend(ctx, "k", "intruder", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// Extending an expired key fails.
	mock.Add(time.Minute)
	ok, err = m.CompareAndExtend(ctx, "k", "owner", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetOperations(t *testing.T) {
	m := NewMemory(clock.NewMock())
	ctx := context.Background()

	require.NoError(t, m.SAdd(ctx, "s", "a", "b"))
	require.NoError(t, m.SAdd(ctx, "s", "b", "c"))

	members, err := m.SMembers(ctx, "s")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, members)

	require.NoError(t, m.SRem(ctx, "s", "a", "c"))
	members, err = m.SMembers(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, members)

	require.NoError(t, m.SRem(ctx, "missing", "x"))
	members, err = m.SMembers(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestPubSubDeliversToSubscribedChannelsOnly(t *testing.T) {
	m := NewMemory(clock.NewMock())
	ctx := context.Background()

	var mu sync.Mutex
	var got []string
	sub, err := m.Subscribe(ctx, func(channel string, payload []byte) {
		mu.Lock()
		got = append(got, channel+":"+string(payload))
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Close()
	require.NoError(t, sub.Add(ctx, "ch1", "ch2"))

	require.NoError(t, m.Publish(ctx, "ch1", []byte("a")))
	require.NoError(t, m.Publish(ctx, "ch3", []byte("ignored")))
	require.NoError(t, m.Publish(ctx, "ch2", []byte("b")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"ch1:a", "ch2:b"}, got)
}

func TestPubSubPreservesPublishOrder(t *testing.T) {
	m := NewMemory(clock.NewMock())
	ctx := context.Background()

	var mu sync.Mutex
	var got []string
	sub, err := m.Subscribe(ctx, func(_ string, payload []byte) {
		mu.Lock()
		got = append(got, string(payload))
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Close()
	require.NoError(t, sub.Add(ctx, "ch"))

	const n = 50
	for i := 0; i < n; i++ {
		require.NoError(t, m.Publish(ctx, "ch", []byte(fmt.Sprintf("m%d", i))))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == n
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, payload := range got {
		assert.Equal(t, fmt.Sprintf("m%d", i), payload)
	}
}

func TestSubscriptionRemoveStopsDelivery(t *testing.T) {
	m := NewMemory(clock.NewMock())
	ctx := context.Background()

	delivered := make(chan string, 8)
	sub, err := m.Subscribe(ctx, func(_ string, payload []byte) {
		delivered <- string(payload)
	})
	require.NoError(t, err)
	defer sub.Close()
	require.NoError(t, sub.Add(ctx, "ch"))

	require.NoError(t, m.Publish(ctx, "ch", []byte("before")))
	select {
	case got := <-delivered:
		assert.Equal(t, "before", got)
	case <-time.After(time.Second):
		t.Fatal("no delivery before removal")
	}

	require.NoError(t, sub.Remove(ctx, "ch"))
	require.NoError(t, m.Publish(ctx, "ch", []byte("after")))
	select {
	case got := <-delivered:
		t.Fatalf("unexpected delivery after removal: %s", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClosedStoreRejectsOperations(t *testing.T) {
	m := NewMemory(clock.NewMock())
	ctx := context.Background()
	require.NoError(t, m.Close())

	assert.Error(t, m.Ping(ctx))
	_, err := m.SetNX(ctx, "k", "v", 0)
	assert.Error(t, err)
	assert.Error(t, m.Publish(ctx, "ch", nil))
	_, err = m.Subscribe(ctx, func(string, []byte) {})
	assert.Error(t, err)

	// Closing twice is fine.
	assert.NoError(t, m.Close())
}
