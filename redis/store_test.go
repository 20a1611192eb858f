package redis_test

import (
	"context"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/deepnoodle-ai/durable"
	"github.com/deepnoodle-ai/durable/redis"
	"github.com/deepnoodle-ai/durable/storagetest"
)

func setupTestClient(t *testing.T) *goredis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis container test in short mode")
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor: wait.ForLog("Ready to accept connections").
				WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	client := goredis.NewClient(&goredis.Options{Addr: endpoint})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestStore(t *testing.T) {
	client := setupTestClient(t)
	store := redis.New(client)
	require.NoError(t, store.Ping(context.Background()))

	storagetest.Run(t, func(t *testing.T) durable.Storage {
		require.NoError(t, client.FlushDB(context.Background()).Err())
		return store
	})
}

func TestStoreMaxEpisodes(t *testing.T) {
	client := setupTestClient(t)
	ctx := context.Background()
	store := redis.New(client, redis.WithMaxEpisodes(5))

	for i := 0; i < 50; i++ {
		require.NoError(t, store.RecordEpisode(ctx, &durable.Episode{
			Type:    durable.EpisodeStepCompleted,
			Summary: "step completed",
		}))
	}
	n, err := client.XLen(ctx, "durable:episodes").Result()
	require.NoError(t, err)
	require.Equal(t, int64(5), n)
}
