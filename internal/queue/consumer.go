package queue

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// Consumer 从 Kafka 读取兜底通道转发来的终结任务，交给同一个 Finalizer。
// 投递 at-least-once，Finalizer 幂等兜底。
type Consumer struct {
	r   *kafka.Reader
	fin *Finalizer
}

func NewConsumer(brokers []string, topic, groupID string, fin *Finalizer) *Consumer {
	return &Consumer{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1e3,
			MaxBytes: 1e6,
		}),
		fin: fin,
	}
}

func (c *Consumer) Close() error { return c.r.Close() }

func (c *Consumer) Run(ctx context.Context) {
	for {
		m, err := c.r.ReadMessage(ctx)
		if err != nil {
			return // ctx cancel / 连接断开等
		}

		var job FinalizeJob
		if err := json.Unmarshal(m.Value, &job); err != nil {
			log.Warn().Err(err).Msg("consumer unmarshal")
			continue
		}

		if err := c.fin.Finalize(ctx, job); err != nil {
			// 不 commit 也无从回滚：记录后继续，依赖重复投递最终补齐
			log.Error().Err(err).Str("request_id", job.RequestID).Msg("consumer finalize")
			continue
		}
	}
}
