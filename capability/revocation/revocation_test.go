package revocation_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reglet-dev/reglet-trust/capability/revocation"
)

func TestLocalBus_DeliversToSubscribers(t *testing.T) {
	t.Parallel()

	bus := revocation.NewLocalBus()
	var got []revocation.Event
	unsub := bus.Subscribe(func(e revocation.Event) { got = append(got, e) })

	require.NoError(t, bus.Publish(context.Background(), revocation.Event{
		Kind: revocation.KindGrant, PluginID: "p1", Capability: "storage:read",
	}))
	require.Len(t, got, 1)
	assert.Equal(t, "p1", got[0].PluginID)
	assert.False(t, got[0].At.IsZero())

	unsub()
	require.NoError(t, bus.Publish(context.Background(), revocation.Event{Kind: revocation.KindKey, KeyID: "k"}))
	assert.Len(t, got, 1)
	assert.NoError(t, bus.Close())
}

func TestLocalBus_ConcurrentSubscribe(t *testing.T) {
	t.Parallel()

	bus := revocation.NewLocalBus()
	var (
		mu    sync.Mutex
		count int
		wg    sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Subscribe(func(revocation.Event) {
				mu.Lock()
				count++
				mu.Unlock()
			})
		}()
	}
	wg.Wait()
	require.NoError(t, bus.Publish(context.Background(), revocation.Event{Kind: revocation.KindKey, KeyID: "k"}))
	assert.Equal(t, 20, count)
}

func TestRedisBus_CrossNode(t *testing.T) {
	addr := os.Getenv("PLUGINTRUST_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PLUGINTRUST_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	channel := "plugintrust:test:" + t.Name()
	a, err := revocation.NewRedisBus(ctx, client, revocation.WithChannel(channel), revocation.WithNodeID("a"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	b, err := revocation.NewRedisBus(ctx, client, revocation.WithChannel(channel), revocation.WithNodeID("b"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	var (
		mu  sync.Mutex
		onA []revocation.Event
		onB []revocation.Event
	)
	a.Subscribe(func(e revocation.Event) { mu.Lock(); onA = append(onA, e); mu.Unlock() })
	b.Subscribe(func(e revocation.Event) { mu.Lock(); onB = append(onB, e); mu.Unlock() })

	require.NoError(t, a.Publish(ctx, revocation.Event{Kind: revocation.KindKey, KeyID: "acme-2024"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(onB) == 1
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, onA, 1, "local publish is delivered once, remote echo is dropped")
	assert.Equal(t, "a", onB[0].Origin)
	assert.Equal(t, "acme-2024", onB[0].KeyID)
}
