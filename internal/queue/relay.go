package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Relay 将 Redis Stream 兜底事件异步转发到 Kafka。
// 语义：发布 Kafka 成功后才 ACK Stream，失败则保留消息等待重试。
type Relay struct {
	rdb       *rd.Client
	publisher Publisher

	stream   string
	group    string
	consumer string
}

func NewRelay(rdb *rd.Client, publisher Publisher, stream, group, consumer string) *Relay {
	return &Relay{
		rdb:       rdb,
		publisher: publisher,
		stream:    stream,
		group:     group,
		consumer:  consumer,
	}
}

func (r *Relay) Run(ctx context.Context) {
	if err := r.ensureGroup(ctx); err != nil {
		log.Error().Err(err).Str("stream", r.stream).Msg("relay ensure group")
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}

		// 先尝试处理当前消费者历史 pending，避免遗留消息长期堆积。
		msgs, err := r.readGroup(ctx, "0", 0)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			log.Warn().Err(err).Msg("relay read pending")
			time.Sleep(300 * time.Millisecond)
			continue
		}
		if len(msgs) == 0 {
			msgs, err = r.readGroup(ctx, ">", 2*time.Second)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, context.Canceled) {
					return
				}
				log.Warn().Err(err).Msg("relay read new")
				time.Sleep(300 * time.Millisecond)
				continue
			}
		}

		for _, xm := range msgs {
			if err := r.processOne(ctx, xm); err != nil {
				// 发布失败不 ACK，消息会继续保留用于重试。
				log.Warn().Err(err).Str("id", xm.ID).Msg("relay process message")
				time.Sleep(200 * time.Millisecond)
				break
			}
		}
	}
}

func (r *Relay) ensureGroup(ctx context.Context) error {
	err := r.rdb.XGroupCreateMkStream(ctx, r.stream, r.group, "0").Err()
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

func (r *Relay) readGroup(ctx context.Context, streamID string, block time.Duration) ([]rd.XMessage, error) {
	streams, err := r.rdb.XReadGroup(ctx, &rd.XReadGroupArgs{
		Group:    r.group,
		Consumer: r.consumer,
		Streams:  []string{r.stream, streamID},
		Count:    16,
		Block:    block,
		NoAck:    false,
	}).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]rd.XMessage, 0, 16)
	for _, s := range streams {
		out = append(out, s.Messages...)
	}
	return out, nil
}

func (r *Relay) processOne(ctx context.Context, xm rd.XMessage) error {
	job, err := parseFinalizeEvent(xm.Values)
	if err != nil {
		// 脏消息直接 ACK 丢弃，避免阻塞队列。
		if ackErr := r.ackAndDelete(ctx, xm.ID); ackErr != nil {
			return fmt.Errorf("parse failed: %v, ack failed: %w", err, ackErr)
		}
		return nil
	}

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.publisher.Publish(pubCtx, job); err != nil {
		return err
	}
	return r.ackAndDelete(ctx, xm.ID)
}

func (r *Relay) ackAndDelete(ctx context.Context, id string) error {
	pipe := r.rdb.TxPipeline()
	pipe.XAck(ctx, r.stream, r.group, id)
	pipe.XDel(ctx, r.stream, id)
	_, err := pipe.Exec(ctx)
	return err
}

func parseFinalizeEvent(values map[string]interface{}) (FinalizeJob, error) {
	requestID, err := getStreamString(values, "request_id")
	if err != nil {
		return FinalizeJob{}, err
	}
	productStr, err := getStreamString(values, "product_id")
	if err != nil {
		return FinalizeJob{}, err
	}
	userStr, err := getStreamString(values, "user_id")
	if err != nil {
		return FinalizeJob{}, err
	}
	quantityStr, err := getStreamString(values, "quantity")
	if err != nil {
		return FinalizeJob{}, err
	}
	amountStr, err := getStreamString(values, "amount")
	if err != nil {
		return FinalizeJob{}, err
	}
	// payment_ref / outcome 允许为空（支付引用在拒付场景缺省）
	paymentRef, _ := getStreamString(values, "payment_ref")
	outcome, _ := getStreamString(values, "outcome")

	productID64, err := strconv.ParseUint(productStr, 10, 64)
	if err != nil {
		return FinalizeJob{}, fmt.Errorf("invalid product_id %q", productStr)
	}
	userID, err := strconv.ParseInt(userStr, 10, 64)
	if err != nil {
		return FinalizeJob{}, fmt.Errorf("invalid user_id %q", userStr)
	}
	quantity, err := strconv.Atoi(quantityStr)
	if err != nil {
		return FinalizeJob{}, fmt.Errorf("invalid quantity %q", quantityStr)
	}
	amount, err := strconv.ParseInt(amountStr, 10, 64)
	if err != nil {
		return FinalizeJob{}, fmt.Errorf("invalid amount %q", amountStr)
	}

	job := FinalizeJob{
		RequestID:  requestID,
		ProductID:  uint(productID64),
		UserID:     userID,
		Quantity:   quantity,
		Amount:     amount,
		PaymentRef: paymentRef,
		Outcome:    outcome,
	}
	if err := job.Validate(); err != nil {
		return FinalizeJob{}, err
	}
	return job, nil
}

func getStreamString(values map[string]interface{}, key string) (string, error) {
	v, ok := values[key]
	if !ok {
		return "", fmt.Errorf("missing field %s", key)
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	case float64:
		return strconv.FormatInt(int64(x), 10), nil
	default:
		return "", fmt.Errorf("unsupported field type %s: %T", key, v)
	}
}
