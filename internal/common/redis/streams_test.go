package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) *redis.Client {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestStreams_PublishReadAck(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, CreateConsumerGroup(ctx, client, "s1", "g1"))
	// 重复创建不报错
	require.NoError(t, CreateConsumerGroup(ctx, client, "s1", "g1"))

	id, err := PublishToStream(ctx, client, "s1", map[string]interface{}{
		"n":    42,
		"ok":   true,
		"name": "watch-1",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs, err := ReadFromStream(ctx, client, "s1", "g1", "c1", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	n, _ := msgs[0].Field("n")
	assert.Equal(t, "42", n)
	okField, _ := msgs[0].Field("ok")
	assert.Equal(t, "true", okField)

	require.NoError(t, Ack(ctx, client, "s1", "g1", msgs[0].ID))

	// 已读取的消息不会再次投递
	msgs, err = ReadFromStream(ctx, client, "s1", "g1", "c1", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestPublishJSONToStream(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()

	_, err := PublishJSONToStream(ctx, client, "s2", map[string]string{"reason": "test"})
	require.NoError(t, err)

	entries, err := client.XRange(ctx, "s2", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, `{"reason":"test"}`, entries[0].Values["data"])
	assert.NotEmpty(t, entries[0].Values["timestamp"])
}
