package pipeline

import (
	"context"
	"errors"
	"time"

	"flash_order/internal/catalog"
	"flash_order/internal/metrics"
	"flash_order/internal/model"
	"flash_order/internal/payment"
	"flash_order/internal/queue"
	"flash_order/internal/stock"
	"flash_order/internal/throttle"
	rediskey "flash_order/pkg/redis"

	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Outcome 是一次下单请求的终态分类，由 router 映射为 HTTP 状态码。
type Outcome int

const (
	OutcomeSuccess     Outcome = iota // 支付成功，预留已提交，终结任务已投递
	OutcomeThrottled                  // 限流拒绝，未产生任何状态变更
	OutcomeConflict                   // 库存不足
	OutcomeDuplicate                  // 同一用户对该商品已有在途/成功请求
	OutcomeDeclined                   // 支付拒付（终态，不重试）
	OutcomeUnavailable                // 支付通道不可用（熔断打开或重试耗尽）
	OutcomeInvalid                    // 参数/商品校验失败
	OutcomeInternal                   // 内部错误
)

// CheckoutRequest 下单入参。
type CheckoutRequest struct {
	UserID    int64
	ProductID uint
	Quantity  int
	Method    string
	Address   string
}

// Result 下单终态。Throttled/Unavailable 时 RetryAfter 提示客户端等待时长；
// Conflict 时 Available 携带当前剩余库存。
type Result struct {
	Outcome    Outcome
	RequestID  string
	OrderNo    string
	PaymentRef string
	Reason     string
	RetryAfter time.Duration
	Available  int64
}

// Pipeline 串联下单全链路：准入 → 预留 → 扣款 → 提交 → 异步终结。
// 不变式：每个进入 Reserved 的请求，其预留恰好被 Commit 或 Release 决议一次；
// 限流拒绝的请求不产生任何可观测状态变更。
type Pipeline struct {
	db       *gorm.DB
	rdb      *rd.Client
	catalog  *catalog.Loader
	limiter  *throttle.Limiter
	ledger   *stock.Ledger
	payments *payment.Client
	queue    *queue.Memory
	outbox   *queue.Outbox
	sink     metrics.Sink

	userLockTTL time.Duration
	stateTTL    time.Duration
}

func New(db *gorm.DB, rdb *rd.Client, loader *catalog.Loader, limiter *throttle.Limiter,
	ledger *stock.Ledger, payments *payment.Client, q *queue.Memory, outbox *queue.Outbox,
	sink metrics.Sink, userLockTTL, stateTTL time.Duration) *Pipeline {
	return &Pipeline{
		db:          db,
		rdb:         rdb,
		catalog:     loader,
		limiter:     limiter,
		ledger:      ledger,
		payments:    payments,
		queue:       q,
		outbox:      outbox,
		sink:        sink,
		userLockTTL: userLockTTL,
		stateTTL:    stateTTL,
	}
}

// Checkout 执行一次完整下单。
func (p *Pipeline) Checkout(ctx context.Context, req CheckoutRequest) Result {
	if req.UserID <= 0 {
		return Result{Outcome: OutcomeInvalid, Reason: "user_id is required"}
	}
	if req.ProductID == 0 {
		return Result{Outcome: OutcomeInvalid, Reason: "product_id is required"}
	}
	if req.Quantity <= 0 {
		return Result{Outcome: OutcomeInvalid, Reason: "quantity must be > 0"}
	}
	if req.Method == "" {
		req.Method = "balance"
	}

	// 商品与秒杀时段校验（走缓存加载器，抗热点击穿）
	product, err := p.catalog.Get(ctx, req.ProductID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return Result{Outcome: OutcomeInvalid, Reason: "product not found"}
		}
		log.Error().Err(err).Uint("product_id", req.ProductID).Msg("load product failed")
		return Result{Outcome: OutcomeInternal, Reason: "load product failed"}
	}
	if now := time.Now(); !product.InSaleWindow(now) {
		if now.Before(product.StartTime) {
			return Result{Outcome: OutcomeInvalid, Reason: "sale not started"}
		}
		return Result{Outcome: OutcomeInvalid, Reason: "sale ended"}
	}
	amount := product.SalePrice * int64(req.Quantity)

	// 准入：限流拒绝必须发生在任何状态变更之前
	dec, err := p.limiter.Allow(ctx, req.UserID, req.ProductID)
	if err != nil {
		return Result{Outcome: OutcomeInvalid, Reason: err.Error()}
	}
	if !dec.Allowed {
		metrics.Throttled(p.sink, req.UserID, req.ProductID, int(dec.RetryAfter.Seconds()))
		return Result{Outcome: OutcomeThrottled, RetryAfter: dec.RetryAfter}
	}

	requestID := uuid.NewString()

	// 一人一单：抢占用户购买锁
	locked, err := rediskey.AcquireUserLock(ctx, p.rdb, req.ProductID, req.UserID, requestID, p.userLockTTL)
	if err != nil {
		log.Error().Err(err).Str("request_id", requestID).Msg("acquire user lock failed")
		return Result{Outcome: OutcomeInternal, RequestID: requestID, Reason: "acquire user lock failed"}
	}
	if !locked {
		return Result{Outcome: OutcomeDuplicate, RequestID: requestID, Reason: "duplicate purchase"}
	}

	// 预留库存：失败则归还用户锁
	res, err := p.ledger.Reserve(ctx, requestID, req.ProductID, int64(req.Quantity))
	if err != nil {
		p.releaseUserLock(ctx, req, requestID)
		var conflict *stock.ConflictError
		if errors.As(err, &conflict) {
			return Result{Outcome: OutcomeConflict, RequestID: requestID, Available: conflict.Available}
		}
		log.Error().Err(err).Str("request_id", requestID).Msg("reserve stock failed")
		return Result{Outcome: OutcomeInternal, RequestID: requestID, Reason: "reserve stock failed"}
	}

	// 兜底守卫：任何未决议的预留在离开 pipeline 前必须归还。
	// 脱离请求 context 执行：客户端断连取消不了库存回补。
	defer func() {
		if !res.Resolved() {
			dctx := context.WithoutCancel(ctx)
			if rerr := p.ledger.Release(dctx, res); rerr != nil && !errors.Is(rerr, stock.ErrAlreadyResolved) {
				log.Error().Err(rerr).Str("request_id", requestID).Msg("guard release failed")
			}
			p.releaseUserLock(dctx, req, requestID)
		}
	}()

	// 预留成功后才落 pending 订单，限流/冲突路径不写 DB
	if err := p.createPending(ctx, requestID, req, amount); err != nil {
		log.Error().Err(err).Str("request_id", requestID).Msg("create pending order failed")
		return Result{Outcome: OutcomeInternal, RequestID: requestID, Reason: "create order failed"}
	}

	charge := p.payments.Charge(ctx, requestID, req.Method, amount)
	p.recordAttempts(requestID, req.Method, amount, charge.Attempts)

	switch charge.Outcome {
	case payment.OutcomeCharged:
		// 扣款成功但 paid 态写不进 DB：撤销扣款并回滚，避免「钱扣了单没了」
		if perr := p.markPaid(ctx, requestID, charge.ProviderRef); perr != nil {
			log.Error().Err(perr).Str("request_id", requestID).Msg("mark paid failed, voiding charge")
			if verr := p.payments.Void(context.WithoutCancel(ctx), charge.ProviderRef); verr != nil {
				log.Error().Err(verr).Str("request_id", requestID).Str("provider_ref", charge.ProviderRef).
					Msg("void failed, manual reconciliation required")
			}
			p.rollback(ctx, res, req, requestID, model.OrderRolledBack, rediskey.RequestRolledBack, "finalize write failed")
			return Result{Outcome: OutcomeInternal, RequestID: requestID, Reason: "order persistence failed"}
		}
		// 扣减在 Reserve 时已落 Redis，Commit 失败只削弱回补防护，不回滚已成交订单
		if cerr := p.ledger.Commit(ctx, res); cerr != nil && !errors.Is(cerr, stock.ErrAlreadyResolved) {
			log.Warn().Err(cerr).Str("request_id", requestID).Msg("commit reservation degraded")
		}
		p.dispatchFinalize(ctx, queue.FinalizeJob{
			RequestID:  requestID,
			ProductID:  req.ProductID,
			UserID:     req.UserID,
			Quantity:   req.Quantity,
			Amount:     amount,
			PaymentRef: charge.ProviderRef,
			Outcome:    "charged",
		})
		return Result{
			Outcome:    OutcomeSuccess,
			RequestID:  requestID,
			OrderNo:    model.OrderNoFor(requestID),
			PaymentRef: charge.ProviderRef,
		}

	case payment.OutcomeDeclined:
		p.rollback(ctx, res, req, requestID, model.OrderFailed, rediskey.RequestFailed, charge.Reason)
		return Result{Outcome: OutcomeDeclined, RequestID: requestID, Reason: charge.Reason}

	default: // payment.OutcomeUnavailable
		p.rollback(ctx, res, req, requestID, model.OrderRolledBack, rediskey.RequestRolledBack, charge.Reason)
		return Result{
			Outcome:    OutcomeUnavailable,
			RequestID:  requestID,
			Reason:     charge.Reason,
			RetryAfter: charge.RetryAfter,
		}
	}
}

// createPending 同事务写入 Order 与 OrderRequest 的 pending 记录。
func (p *Pipeline) createPending(ctx context.Context, requestID string, req CheckoutRequest, amount int64) error {
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order := model.Order{
			OrderNo:   model.OrderNoFor(requestID),
			UserID:    req.UserID,
			ProductID: req.ProductID,
			Quantity:  req.Quantity,
			Address:   req.Address,
			Amount:    amount,
			Status:    model.OrderPending,
			RequestID: requestID,
		}
		if err := tx.Create(&order).Error; err != nil {
			return err
		}
		orderReq := model.OrderRequest{
			RequestID: requestID,
			UserID:    req.UserID,
			ProductID: req.ProductID,
			Quantity:  req.Quantity,
			Amount:    amount,
			Status:    model.OrderRequestPending,
		}
		return tx.Create(&orderReq).Error
	})
	if err != nil {
		return err
	}

	// Redis 状态仅供轮询加速，写失败不阻断主流程
	if serr := rediskey.PutRequestState(ctx, p.rdb, rediskey.RequestState{
		RequestID: requestID,
		Status:    rediskey.RequestPending,
	}, p.stateTTL); serr != nil {
		log.Warn().Err(serr).Str("request_id", requestID).Msg("put pending state failed")
	}
	return nil
}

// rollback 归还预留与用户锁，并把订单推进到失败终态。
// 脱离请求 context 执行：回滚常常发生在超时/断连之后，取消信号不能波及补偿写。
func (p *Pipeline) rollback(ctx context.Context, res *stock.Reservation, req CheckoutRequest,
	requestID string, status model.OrderStatus, state, reason string) {
	ctx = context.WithoutCancel(ctx)
	if err := p.ledger.Release(ctx, res); err != nil && !errors.Is(err, stock.ErrAlreadyResolved) {
		log.Error().Err(err).Str("request_id", requestID).Msg("release reservation failed")
	}
	p.releaseUserLock(ctx, req, requestID)

	if err := p.db.WithContext(ctx).Model(&model.Order{}).
		Where("request_id = ?", requestID).
		Updates(map[string]interface{}{"status": status}).Error; err != nil {
		log.Error().Err(err).Str("request_id", requestID).Msg("mark order failed state error")
	}
	if err := p.db.WithContext(ctx).Model(&model.OrderRequest{}).
		Where("request_id = ?", requestID).
		Updates(map[string]interface{}{"status": model.OrderRequestFailed, "error_msg": reason}).Error; err != nil {
		log.Error().Err(err).Str("request_id", requestID).Msg("mark request failed state error")
	}

	if err := rediskey.PutRequestState(ctx, p.rdb, rediskey.RequestState{
		RequestID: requestID,
		Status:    state,
		Reason:    reason,
	}, p.stateTTL); err != nil {
		log.Warn().Err(err).Str("request_id", requestID).Msg("put failed state error")
	}
}

// markPaid 把订单推进到 paid 并记录支付引用；终结（回执/成功态）交给异步 worker。
func (p *Pipeline) markPaid(ctx context.Context, requestID, providerRef string) error {
	return p.db.WithContext(ctx).Model(&model.Order{}).
		Where("request_id = ?", requestID).
		Updates(map[string]interface{}{"status": model.OrderPaid, "payment_ref": providerRef}).Error
}

// dispatchFinalize 先走进程内队列；满则落 Redis Stream 兜底，保证任务不丢。
// 此时钱已扣成，投递同样不能被请求取消打断。
func (p *Pipeline) dispatchFinalize(ctx context.Context, job queue.FinalizeJob) {
	ctx = context.WithoutCancel(ctx)
	if err := p.queue.Enqueue(ctx, job); err == nil {
		return
	} else if !errors.Is(err, queue.ErrQueueFull) {
		log.Error().Err(err).Str("request_id", job.RequestID).Msg("enqueue finalize job rejected")
		return
	}
	if err := p.outbox.Append(ctx, job); err != nil {
		// 两条投递通道都失败：订单仍可通过轮询接口从 DB 查到 pending 态
		log.Error().Err(err).Str("request_id", job.RequestID).Msg("outbox append failed, finalize deferred")
	}
}

// recordAttempts 落支付尝试流水，失败只记日志。
func (p *Pipeline) recordAttempts(requestID, method string, amount int64, attempts []payment.Attempt) {
	for _, a := range attempts {
		row := model.PaymentAttempt{
			RequestID:   requestID,
			AttemptNo:   a.No,
			Method:      method,
			Amount:      amount,
			Outcome:     a.Outcome,
			ProviderRef: a.ProviderRef,
			LatencyMS:   a.LatencyMS,
			ErrorMsg:    a.ErrorMsg,
		}
		if err := p.db.Create(&row).Error; err != nil {
			log.Warn().Err(err).Str("request_id", requestID).Int("attempt_no", a.No).Msg("record payment attempt failed")
		}
	}
}

func (p *Pipeline) releaseUserLock(ctx context.Context, req CheckoutRequest, requestID string) {
	if err := rediskey.ReleaseUserLockIfMatch(ctx, p.rdb, req.ProductID, req.UserID, requestID); err != nil {
		log.Warn().Err(err).Str("request_id", requestID).Msg("release user lock failed")
	}
}

// Lookup 查询一次请求的终态：优先 Redis 状态哈希，未命中回退 OrderRequest 表。
func (p *Pipeline) Lookup(ctx context.Context, requestID string) (rediskey.RequestState, bool, error) {
	state, found, err := rediskey.GetRequestState(ctx, p.rdb, requestID)
	if err == nil && found {
		return state, true, nil
	}
	if err != nil {
		log.Warn().Err(err).Str("request_id", requestID).Msg("redis request state lookup failed, falling back to db")
	}

	var req model.OrderRequest
	if derr := p.db.WithContext(ctx).Where("request_id = ?", requestID).First(&req).Error; derr != nil {
		if errors.Is(derr, gorm.ErrRecordNotFound) {
			return rediskey.RequestState{}, false, nil
		}
		return rediskey.RequestState{}, false, derr
	}

	out := rediskey.RequestState{RequestID: requestID, OrderNo: req.OrderNo, Reason: req.ErrorMsg}
	switch req.Status {
	case model.OrderRequestSuccess:
		out.Status = rediskey.RequestPaid
	case model.OrderRequestFailed:
		out.Status = rediskey.RequestFailed
	default:
		out.Status = rediskey.RequestPending
	}
	return out, true, nil
}
