package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	rd "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capturingPublisher 记录发布的任务，可注入失败。
type capturingPublisher struct {
	published []FinalizeJob
	fail      bool
}

func (p *capturingPublisher) Publish(_ context.Context, job FinalizeJob) error {
	if p.fail {
		return errors.New("kafka unavailable")
	}
	p.published = append(p.published, job)
	return nil
}

func setupRelay(t *testing.T) (*Relay, *Outbox, *capturingPublisher, *rd.Client) {
	mr := miniredis.RunT(t)
	client := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	pub := &capturingPublisher{}
	outbox := NewOutbox(client, "test:finalize_events")
	relay := NewRelay(client, pub, "test:finalize_events", "test-group", "relay-1")
	return relay, outbox, pub, client
}

func TestRelay_ForwardsAndAcks(t *testing.T) {
	relay, outbox, pub, client := setupRelay(t)
	ctx := context.Background()

	require.NoError(t, outbox.Append(ctx, validJob("req-1")))
	require.NoError(t, relay.ensureGroup(ctx))

	msgs, err := relay.readGroup(ctx, ">", 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, relay.processOne(ctx, msgs[0]))

	require.Len(t, pub.published, 1)
	assert.Equal(t, "req-1", pub.published[0].RequestID)
	assert.Equal(t, int64(9900), pub.published[0].Amount)

	// 发布成功后消息被 ACK 并删除
	n, err := client.XLen(ctx, "test:finalize_events").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestRelay_KeepsMessageOnPublishFailure(t *testing.T) {
	relay, outbox, pub, client := setupRelay(t)
	ctx := context.Background()

	require.NoError(t, outbox.Append(ctx, validJob("req-1")))
	require.NoError(t, relay.ensureGroup(ctx))

	msgs, err := relay.readGroup(ctx, ">", 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	pub.fail = true
	require.Error(t, relay.processOne(ctx, msgs[0]))

	// 消息保留在 stream，等待下一轮重试
	n, err := client.XLen(ctx, "test:finalize_events").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// 恢复后从 pending 继续处理
	pub.fail = false
	pending, err := relay.readGroup(ctx, "0", 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.NoError(t, relay.processOne(ctx, pending[0]))
	assert.Len(t, pub.published, 1)
}

func TestRelay_DropsMalformedMessage(t *testing.T) {
	relay, _, pub, client := setupRelay(t)
	ctx := context.Background()

	require.NoError(t, client.XAdd(ctx, &rd.XAddArgs{
		Stream: "test:finalize_events",
		Values: map[string]interface{}{"request_id": "req-x"}, // 缺字段
	}).Err())
	require.NoError(t, relay.ensureGroup(ctx))

	msgs, err := relay.readGroup(ctx, ">", 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	// 脏消息 ACK 丢弃，不发布也不报错
	require.NoError(t, relay.processOne(ctx, msgs[0]))
	assert.Empty(t, pub.published)

	n, _ := client.XLen(ctx, "test:finalize_events").Result()
	assert.Equal(t, int64(0), n)
}
