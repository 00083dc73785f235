package queue

import (
	"context"
	"errors"
	"strings"
	"time"

	"flash_order/internal/metrics"
	"flash_order/internal/model"
	"flash_order/internal/payment"
	rediskey "flash_order/pkg/redis"

	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Finalizer 在请求路径之外完成订单终结：生成回执号、推进请求状态、上报监控。
// 按 request_id 幂等：同一任务重复投递时第二次是空操作。
// 终结失败绝不回滚已提交的订单，只等待下一次投递重试。
type Finalizer struct {
	db       *gorm.DB
	rdb      *rd.Client
	sink     metrics.Sink
	stateTTL time.Duration
}

func NewFinalizer(db *gorm.DB, rdb *rd.Client, sink metrics.Sink, stateTTL time.Duration) *Finalizer {
	return &Finalizer{db: db, rdb: rdb, sink: sink, stateTTL: stateTTL}
}

// Finalize 处理一条终结任务。重复投递安全。
func (f *Finalizer) Finalize(ctx context.Context, job FinalizeJob) error {
	if err := job.Validate(); err != nil {
		return err
	}

	var req model.OrderRequest
	err := f.db.WithContext(ctx).Where("request_id = ?", job.RequestID).First(&req).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		// 跨实例消费时本地可能还没有请求记录，按任务内容补建。
		req = model.OrderRequest{
			RequestID: job.RequestID,
			UserID:    job.UserID,
			ProductID: job.ProductID,
			Quantity:  job.Quantity,
			Amount:    job.Amount,
			Status:    model.OrderRequestPending,
		}
		if createErr := f.db.WithContext(ctx).Create(&req).Error; createErr != nil {
			// 幂等：并发补建导致 UNIQUE 冲突，直接当作已存在
			if !errorsLikeUnique(createErr) {
				return createErr
			}
			if reloadErr := f.db.WithContext(ctx).Where("request_id = ?", job.RequestID).First(&req).Error; reloadErr != nil {
				return reloadErr
			}
		}
	}

	if req.Status == model.OrderRequestSuccess {
		return nil // 已终结，重复投递
	}

	orderNo := model.OrderNoFor(job.RequestID)
	err = f.db.WithContext(ctx).Model(&model.OrderRequest{}).
		Where("request_id = ?", job.RequestID).
		Updates(map[string]any{
			"status":   model.OrderRequestSuccess,
			"order_no": orderNo,
		}).Error
	if err != nil {
		return err
	}

	if stateErr := rediskey.PutRequestState(ctx, f.rdb, rediskey.RequestState{
		RequestID:  job.RequestID,
		Status:     rediskey.RequestPaid,
		OrderNo:    orderNo,
		PaymentRef: job.PaymentRef,
	}, f.stateTTL); stateErr != nil {
		// 状态缓存只影响查询端，失败不阻塞终结
		log.Warn().Err(stateErr).Str("request_id", job.RequestID).Msg("finalize put request state")
	}

	f.sink.Emit(metrics.EventFinalized, map[string]any{
		"request_id":  job.RequestID,
		"order_no":    orderNo,
		"product_id":  job.ProductID,
		"payment_ref": job.PaymentRef,
	})
	return nil
}

// errorsLikeUnique 识别 UNIQUE 约束冲突（SQLite/Postgres 文案差异都覆盖）。
func errorsLikeUnique(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "UNIQUE") || strings.Contains(s, "unique")
}

// Worker 从进程内队列取终结任务执行，失败按支付同款重试策略退避。
// 重试耗尽后任务落 Redis Stream 兜底，由 relay/consumer 链路再投递：
// 进程内队列没有「下一次投递」，丢掉就等于已扣款订单永远不终结。
type Worker struct {
	queue  *Memory
	fin    *Finalizer
	outbox *Outbox
	policy payment.RetryPolicy
}

func NewWorker(queue *Memory, fin *Finalizer, outbox *Outbox, policy payment.RetryPolicy) *Worker {
	return &Worker{queue: queue, fin: fin, outbox: outbox, policy: policy}
}

func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-w.queue.Jobs():
			if !ok {
				return
			}
			err := w.policy.Execute(ctx, func(ctx context.Context) error {
				return w.fin.Finalize(ctx, job)
			})
			if err != nil {
				// 订单已提交，绝不回滚：转投 outbox 等待流式链路重试
				log.Error().Err(err).Str("request_id", job.RequestID).Msg("finalize exhausted retries, parking to outbox")
				if aerr := w.outbox.Append(context.WithoutCancel(ctx), job); aerr != nil {
					log.Error().Err(aerr).Str("request_id", job.RequestID).Msg("park finalize job failed, manual replay required")
				}
			}
		}
	}
}
