package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"flash_order/internal/breaker"
	"flash_order/internal/catalog"
	"flash_order/internal/metrics"
	"flash_order/internal/model"
	"flash_order/internal/payment"
	"flash_order/internal/queue"
	"flash_order/internal/stock"
	"flash_order/internal/throttle"
	rediskey "flash_order/pkg/redis"

	"github.com/alicebob/miniredis/v2"
	rd "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// fakeGateway 按固定结果响应，并统计真实调用次数。
type fakeGateway struct {
	mu    sync.Mutex
	err   error
	calls int
	voids []string
}

func (g *fakeGateway) Charge(_ context.Context, req payment.ChargeRequest) (payment.ChargeResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return payment.ChargeResponse{}, g.err
	}
	return payment.ChargeResponse{ProviderRef: "txn_" + req.RequestID}, nil
}

func (g *fakeGateway) Void(_ context.Context, providerRef string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.voids = append(g.voids, providerRef)
	return nil
}

func (g *fakeGateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type testEnv struct {
	p      *Pipeline
	db     *gorm.DB
	mr     *miniredis.Miniredis
	rdb    *rd.Client
	ledger *stock.Ledger
	brk    *breaker.Breaker
	q      *queue.Memory
	gw     *fakeGateway
}

type envOpts struct {
	limit     int
	threshold int
	queueSize int
}

func setupPipeline(t *testing.T, gw *fakeGateway, opts envOpts) *testEnv {
	t.Helper()
	if opts.limit == 0 {
		opts.limit = 100
	}
	if opts.threshold == 0 {
		opts.threshold = 5
	}
	if opts.queueSize == 0 {
		opts.queueSize = 16
	}

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.Product{}, &model.Order{}, &model.OrderRequest{}, &model.PaymentAttempt{}))

	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	sink := metrics.NopSink{}
	brk := breaker.New("payment", opts.threshold, time.Minute, 5*time.Second, sink)
	policy := payment.NewRetryPolicy(3, time.Millisecond, 2*time.Millisecond, 100*time.Millisecond)
	client := payment.NewClient(gw, brk, policy, 50*time.Millisecond, sink)

	ledger := stock.NewLedger(rdb, sink)
	limiter := throttle.NewLimiter(rdb, opts.limit, time.Second, 5*time.Second)
	loader := catalog.NewLoader(db, rdb, time.Minute)
	q := queue.NewMemory(opts.queueSize)
	outbox := queue.NewOutbox(rdb, "flash_order:finalize_outbox")

	p := New(db, rdb, loader, limiter, ledger, client, q, outbox, sink, 10*time.Minute, time.Hour)
	return &testEnv{p: p, db: db, mr: mr, rdb: rdb, ledger: ledger, brk: brk, q: q, gw: gw}
}

func (e *testEnv) seedProduct(t *testing.T, stockUnits int64) *model.Product {
	t.Helper()
	p := &model.Product{
		Name:      "飞天茅台",
		Stock:     stockUnits,
		SalePrice: 9900,
		StartTime: time.Now().Add(-time.Hour),
		EndTime:   time.Now().Add(time.Hour),
	}
	require.NoError(t, e.db.Create(p).Error)
	require.NoError(t, e.ledger.Preload(context.Background(), p.ID, stockUnits, time.Hour))
	return p
}

func checkoutReq(userID int64, productID uint) CheckoutRequest {
	return CheckoutRequest{UserID: userID, ProductID: productID, Quantity: 1, Method: "balance"}
}

func TestCheckout_Success(t *testing.T) {
	env := setupPipeline(t, &fakeGateway{}, envOpts{})
	product := env.seedProduct(t, 10)
	ctx := context.Background()

	res := env.p.Checkout(ctx, checkoutReq(1001, product.ID))

	require.Equal(t, OutcomeSuccess, res.Outcome)
	assert.NotEmpty(t, res.RequestID)
	assert.Equal(t, model.OrderNoFor(res.RequestID), res.OrderNo)
	assert.NotEmpty(t, res.PaymentRef)

	// 库存扣减保留，订单推进到 paid
	avail, err := env.ledger.Available(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(9), avail)

	var order model.Order
	require.NoError(t, env.db.Where("request_id = ?", res.RequestID).First(&order).Error)
	assert.Equal(t, model.OrderPaid, order.Status)
	assert.Equal(t, res.PaymentRef, order.PaymentRef)

	// 终结任务恰好投递一次
	assert.Equal(t, 1, env.q.Len())

	// 支付流水落库
	var attempts []model.PaymentAttempt
	require.NoError(t, env.db.Where("request_id = ?", res.RequestID).Find(&attempts).Error)
	require.Len(t, attempts, 1)
	assert.Equal(t, model.PaymentSuccess, attempts[0].Outcome)
}

// 单件库存 + 并发抢购：恰好一人成功，其余库存冲突，绝不超卖。
func TestCheckout_SingleUnitConcurrent(t *testing.T) {
	env := setupPipeline(t, &fakeGateway{}, envOpts{})
	product := env.seedProduct(t, 1)
	ctx := context.Background()

	const buyers = 8
	results := make([]Result, buyers)
	var wg sync.WaitGroup
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = env.p.Checkout(ctx, checkoutReq(int64(2000+i), product.ID))
		}(i)
	}
	wg.Wait()

	var success, conflict int
	for _, r := range results {
		switch r.Outcome {
		case OutcomeSuccess:
			success++
		case OutcomeConflict:
			conflict++
		default:
			t.Fatalf("unexpected outcome: %v (%s)", r.Outcome, r.Reason)
		}
	}
	assert.Equal(t, 1, success)
	assert.Equal(t, buyers-1, conflict)

	avail, err := env.ledger.Available(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), avail)

	// 只有成功者落了订单
	var count int64
	require.NoError(t, env.db.Model(&model.Order{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

// 拒付后：库存归还、用户锁释放、订单进入 failed 终态。
func TestCheckout_DeclinedRollsBackReservation(t *testing.T) {
	gw := &fakeGateway{err: &payment.GatewayError{Code: 402, Reason: "card_declined"}}
	env := setupPipeline(t, gw, envOpts{})
	product := env.seedProduct(t, 5)
	ctx := context.Background()

	res := env.p.Checkout(ctx, checkoutReq(3001, product.ID))

	require.Equal(t, OutcomeDeclined, res.Outcome)
	assert.Contains(t, res.Reason, "card_declined")
	// 拒付不重试
	assert.Equal(t, 1, gw.Calls())

	avail, err := env.ledger.Available(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), avail)
	assert.False(t, env.mr.Exists(rediskey.UserPurchaseLockKey(product.ID, 3001)))

	var order model.Order
	require.NoError(t, env.db.Where("request_id = ?", res.RequestID).First(&order).Error)
	assert.Equal(t, model.OrderFailed, order.Status)

	state, found, err := rediskey.GetRequestState(ctx, env.rdb, res.RequestID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, rediskey.RequestFailed, state.Status)
}

// 通道不可用（重试耗尽）：库存归还，订单 rolled_back，RetryAfter 提示冷却。
func TestCheckout_UnavailableRestoresStock(t *testing.T) {
	gw := &fakeGateway{err: payment.ErrGatewayTimeout}
	env := setupPipeline(t, gw, envOpts{})
	product := env.seedProduct(t, 5)
	ctx := context.Background()

	res := env.p.Checkout(ctx, checkoutReq(3101, product.ID))

	require.Equal(t, OutcomeUnavailable, res.Outcome)
	assert.Equal(t, 3, gw.Calls())
	assert.Equal(t, 5*time.Second, res.RetryAfter)

	avail, err := env.ledger.Available(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), avail)

	var order model.Order
	require.NoError(t, env.db.Where("request_id = ?", res.RequestID).First(&order).Error)
	assert.Equal(t, model.OrderRolledBack, order.Status)
}

// cancelingGateway 在首次调用时取消请求 context 并返回超时，
// 模拟客户端在支付阶段断开连接。
type cancelingGateway struct {
	cancel context.CancelFunc
	once   sync.Once
}

func (g *cancelingGateway) Charge(context.Context, payment.ChargeRequest) (payment.ChargeResponse, error) {
	g.once.Do(g.cancel)
	return payment.ChargeResponse{}, payment.ErrGatewayTimeout
}

func (g *cancelingGateway) Void(context.Context, string) error { return nil }

// 客户端断连（请求 context 被取消）不能阻断回滚：库存与用户锁照常归还。
func TestCheckout_RollbackSurvivesRequestCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gw := &fakeGateway{}
	env := setupPipeline(t, gw, envOpts{})
	product := env.seedProduct(t, 5)

	env.p.payments = payment.NewClient(&cancelingGateway{cancel: cancel}, env.brk,
		payment.NewRetryPolicy(3, time.Millisecond, 2*time.Millisecond, 100*time.Millisecond),
		50*time.Millisecond, metrics.NopSink{})

	res := env.p.Checkout(ctx, checkoutReq(3201, product.ID))
	require.Equal(t, OutcomeUnavailable, res.Outcome)

	avail, err := env.ledger.Available(context.Background(), product.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), avail, "断连后的回滚必须把预留补回")
	assert.False(t, env.mr.Exists(rediskey.UserPurchaseLockKey(product.ID, 3201)))

	var order model.Order
	require.NoError(t, env.db.Where("request_id = ?", res.RequestID).First(&order).Error)
	assert.Equal(t, model.OrderRolledBack, order.Status)
}

// 限流拒绝发生在任何状态变更之前：无新订单、无库存扣减。
func TestCheckout_ThrottledNoMutation(t *testing.T) {
	env := setupPipeline(t, &fakeGateway{}, envOpts{limit: 1})
	product := env.seedProduct(t, 10)
	ctx := context.Background()

	first := env.p.Checkout(ctx, checkoutReq(4001, product.ID))
	require.Equal(t, OutcomeSuccess, first.Outcome)

	second := env.p.Checkout(ctx, checkoutReq(4001, product.ID))
	require.Equal(t, OutcomeThrottled, second.Outcome)
	assert.Greater(t, second.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, second.RetryAfter, 5*time.Second)

	var count int64
	require.NoError(t, env.db.Model(&model.Order{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	avail, err := env.ledger.Available(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(9), avail)
}

// 一人一单：同一用户的第二次抢购被用户锁拒绝，库存只扣一次。
func TestCheckout_DuplicatePurchaseRejected(t *testing.T) {
	env := setupPipeline(t, &fakeGateway{}, envOpts{})
	product := env.seedProduct(t, 10)
	ctx := context.Background()

	first := env.p.Checkout(ctx, checkoutReq(5001, product.ID))
	require.Equal(t, OutcomeSuccess, first.Outcome)

	second := env.p.Checkout(ctx, checkoutReq(5001, product.ID))
	require.Equal(t, OutcomeDuplicate, second.Outcome)

	avail, err := env.ledger.Available(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(9), avail)
}

// 熔断打开后：不再发起网关调用，预留即刻归还。
func TestCheckout_BreakerFastFail(t *testing.T) {
	gw := &fakeGateway{err: payment.ErrGatewayTimeout}
	env := setupPipeline(t, gw, envOpts{threshold: 2})
	product := env.seedProduct(t, 10)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res := env.p.Checkout(ctx, checkoutReq(int64(6001+i), product.ID))
		require.Equal(t, OutcomeUnavailable, res.Outcome)
	}
	require.Equal(t, breaker.StateOpen, env.brk.State())
	callsBefore := gw.Calls()

	res := env.p.Checkout(ctx, checkoutReq(6100, product.ID))
	require.Equal(t, OutcomeUnavailable, res.Outcome)
	assert.Equal(t, "circuit_open", res.Reason)
	assert.Equal(t, callsBefore, gw.Calls())

	avail, err := env.ledger.Available(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), avail)
}

// 进程内队列满时，终结任务落 Redis Stream 兜底，绝不丢失。
func TestCheckout_QueueFullFallsBackToOutbox(t *testing.T) {
	env := setupPipeline(t, &fakeGateway{}, envOpts{queueSize: 1})
	product := env.seedProduct(t, 10)
	ctx := context.Background()

	first := env.p.Checkout(ctx, checkoutReq(7001, product.ID))
	require.Equal(t, OutcomeSuccess, first.Outcome)
	require.Equal(t, 1, env.q.Len())

	second := env.p.Checkout(ctx, checkoutReq(7002, product.ID))
	require.Equal(t, OutcomeSuccess, second.Outcome)

	// 第二单进了 outbox
	assert.Equal(t, 1, env.q.Len())
	n, err := env.rdb.XLen(ctx, "flash_order:finalize_outbox").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestCheckout_Validation(t *testing.T) {
	env := setupPipeline(t, &fakeGateway{}, envOpts{})
	ctx := context.Background()

	cases := []struct {
		name string
		req  CheckoutRequest
	}{
		{"missing user", CheckoutRequest{ProductID: 1, Quantity: 1}},
		{"missing product", CheckoutRequest{UserID: 1, Quantity: 1}},
		{"zero quantity", CheckoutRequest{UserID: 1, ProductID: 1}},
		{"unknown product", CheckoutRequest{UserID: 1, ProductID: 999, Quantity: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := env.p.Checkout(ctx, tc.req)
			assert.Equal(t, OutcomeInvalid, res.Outcome, res.Reason)
		})
	}
}

func TestCheckout_OutsideSaleWindow(t *testing.T) {
	env := setupPipeline(t, &fakeGateway{}, envOpts{})
	ctx := context.Background()

	early := &model.Product{Name: "未开始", SalePrice: 100,
		StartTime: time.Now().Add(time.Hour), EndTime: time.Now().Add(2 * time.Hour)}
	require.NoError(t, env.db.Create(early).Error)
	res := env.p.Checkout(ctx, checkoutReq(8001, early.ID))
	require.Equal(t, OutcomeInvalid, res.Outcome)
	assert.Equal(t, "sale not started", res.Reason)

	late := &model.Product{Name: "已结束", SalePrice: 100,
		StartTime: time.Now().Add(-2 * time.Hour), EndTime: time.Now().Add(-time.Hour)}
	require.NoError(t, env.db.Create(late).Error)
	res = env.p.Checkout(ctx, checkoutReq(8002, late.ID))
	require.Equal(t, OutcomeInvalid, res.Outcome)
	assert.Equal(t, "sale ended", res.Reason)
}

func TestLookup(t *testing.T) {
	env := setupPipeline(t, &fakeGateway{}, envOpts{})
	product := env.seedProduct(t, 10)
	ctx := context.Background()

	res := env.p.Checkout(ctx, checkoutReq(9001, product.ID))
	require.Equal(t, OutcomeSuccess, res.Outcome)

	// Redis 命中
	state, found, err := env.p.Lookup(ctx, res.RequestID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, rediskey.RequestPending, state.Status)

	// Redis 失效后回退 DB
	env.mr.Del(rediskey.RequestStatusKey(res.RequestID))
	state, found, err = env.p.Lookup(ctx, res.RequestID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, rediskey.RequestPending, state.Status)

	_, found, err = env.p.Lookup(ctx, fmt.Sprintf("no-such-%d", time.Now().UnixNano()))
	require.NoError(t, err)
	assert.False(t, found)
}
