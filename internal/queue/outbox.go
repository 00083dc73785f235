package queue

import (
	"context"
	"strconv"

	rd "github.com/redis/go-redis/v9"
)

// Outbox 是进程内队列满时的兜底落盘：任务原子写入 Redis Stream，
// 由 Relay 异步搬运到 Kafka，保证已提交订单的终结任务不丢。
type Outbox struct {
	rdb    *rd.Client
	stream string
}

func NewOutbox(rdb *rd.Client, stream string) *Outbox {
	return &Outbox{rdb: rdb, stream: stream}
}

// Append 把任务追加进 stream，立即返回。
func (o *Outbox) Append(ctx context.Context, job FinalizeJob) error {
	if err := job.Validate(); err != nil {
		return err
	}
	return o.rdb.XAdd(ctx, &rd.XAddArgs{
		Stream: o.stream,
		Values: map[string]interface{}{
			"request_id":  job.RequestID,
			"product_id":  strconv.FormatUint(uint64(job.ProductID), 10),
			"user_id":     strconv.FormatInt(job.UserID, 10),
			"quantity":    strconv.Itoa(job.Quantity),
			"amount":      strconv.FormatInt(job.Amount, 10),
			"payment_ref": job.PaymentRef,
			"outcome":     job.Outcome,
		},
	}).Err()
}
