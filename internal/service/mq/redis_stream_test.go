package mq

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisStream_PublishSubscribe(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	producer := NewRedisProducer(rdb, 1000)
	require.NoError(t, producer.Publish(ctx, "subaccount_alerts", "42", []byte(`{"withdrawal_id":1}`)))

	consumer := NewRedisConsumer(rdb, "ops", "test")
	consumer.block = 100 * time.Millisecond

	got := make(chan *Message, 1)
	go func() {
		_ = consumer.Subscribe(ctx, "subaccount_alerts", func(msg *Message) error {
			got <- msg
			return nil
		})
	}()

	select {
	case msg := <-got:
		assert.Equal(t, "42", msg.Key)
		assert.JSONEq(t, `{"withdrawal_id":1}`, string(msg.Payload))
	case <-ctx.Done():
		t.Fatal("message not consumed")
	}
	cancel()
	assert.NoError(t, consumer.Close())
}
