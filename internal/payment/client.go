package payment

import (
	"context"
	"time"

	"flash_order/internal/breaker"
	"flash_order/internal/metrics"
	"flash_order/internal/model"

	"github.com/rs/zerolog/log"
)

// Outcome 是一次扣款的终态分类。
type Outcome int

const (
	OutcomeCharged     Outcome = iota // 成功，携带 provider 引用
	OutcomeDeclined                   // 4xx 等价拒付，不重试
	OutcomeUnavailable                // 熔断打开或瞬时失败耗尽重试预算
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCharged:
		return "charged"
	case OutcomeDeclined:
		return "declined"
	case OutcomeUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Attempt 对应一次真实网关调用的记录。
type Attempt struct {
	No          int
	Outcome     model.PaymentOutcome
	ProviderRef string
	LatencyMS   int64
	ErrorMsg    string
}

// ChargeResult 是 Charge 的终态结果；Unavailable 时 RetryAfter 提示冷却时长。
type ChargeResult struct {
	Outcome     Outcome
	ProviderRef string
	Reason      string
	RetryAfter  time.Duration
	Attempts    []Attempt
}

// Client 是支付网关的韧性边界：熔断 → 重试（含抖动退避） → 单次硬超时。
// 每个扣款终态恰好向熔断器上报一次；每次真实网关调用产生一条 Attempt 记录。
type Client struct {
	gw             Gateway
	brk            *breaker.Breaker
	policy         RetryPolicy
	attemptTimeout time.Duration
	sink           metrics.Sink
}

func NewClient(gw Gateway, brk *breaker.Breaker, policy RetryPolicy, attemptTimeout time.Duration, sink metrics.Sink) *Client {
	return &Client{
		gw:             gw,
		brk:            brk,
		policy:         policy,
		attemptTimeout: attemptTimeout,
		sink:           sink,
	}
}

// Charge 执行一次受保护的扣款。
// 熔断打开时不发起任何网络调用，亚毫秒返回 Unavailable（快速失败路径）。
func (c *Client) Charge(ctx context.Context, requestID, method string, amountCents int64) ChargeResult {
	if !c.brk.Allow() {
		c.emitAttempt(requestID, 0, 0, "circuit_open")
		return ChargeResult{
			Outcome:    OutcomeUnavailable,
			Reason:     "circuit_open",
			RetryAfter: c.brk.Cooldown(),
		}
	}

	// 半开探测只允许一次真实调用：失败要立刻回开，不能烧掉整个重试预算
	policy := c.policy
	if c.brk.State() == breaker.StateHalfOpen {
		policy.Attempts = 1
	}

	var attempts []Attempt
	var ref string

	err := policy.Execute(ctx, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
		defer cancel()

		no := len(attempts) + 1
		start := time.Now()
		resp, callErr := c.gw.Charge(attemptCtx, ChargeRequest{
			RequestID:   requestID,
			Method:      method,
			AmountCents: amountCents,
		})
		latency := time.Since(start).Milliseconds()

		a := Attempt{No: no, LatencyMS: latency}
		switch {
		case callErr == nil:
			a.Outcome = model.PaymentSuccess
			a.ProviderRef = resp.ProviderRef
			ref = resp.ProviderRef
		case IsDecline(callErr):
			a.Outcome = model.PaymentPermanentFailure
			a.ErrorMsg = callErr.Error()
		default:
			a.Outcome = model.PaymentTransientFailure
			a.ErrorMsg = callErr.Error()
		}
		attempts = append(attempts, a)
		c.emitAttempt(requestID, no, latency, string(a.Outcome))
		return callErr
	})

	if err == nil {
		// 终态成功：恰好一次熔断上报
		c.brk.OnSuccess()
		return ChargeResult{Outcome: OutcomeCharged, ProviderRef: ref, Attempts: attempts}
	}

	if IsDecline(err) {
		// 拒付说明网关健康可达，不计入失败流水
		c.brk.OnSuccess()
		return ChargeResult{Outcome: OutcomeDeclined, Reason: err.Error(), Attempts: attempts}
	}

	log.Warn().Err(err).Str("request_id", requestID).Int("attempts", len(attempts)).Msg("charge exhausted retry budget")
	c.brk.OnFailure()
	return ChargeResult{
		Outcome:    OutcomeUnavailable,
		Reason:     err.Error(),
		RetryAfter: c.brk.Cooldown(),
		Attempts:   attempts,
	}
}

// Void 撤销一笔已成功的扣款，用于提交后终结失败等补偿场景。
// 与 Charge 走同一套熔断/重试保护。
func (c *Client) Void(ctx context.Context, providerRef string) error {
	if !c.brk.Allow() {
		return &GatewayError{Code: 503, Reason: "circuit_open"}
	}

	policy := c.policy
	if c.brk.State() == breaker.StateHalfOpen {
		policy.Attempts = 1
	}

	err := policy.Execute(ctx, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
		defer cancel()
		return c.gw.Void(attemptCtx, providerRef)
	})
	if err == nil {
		c.brk.OnSuccess()
		return nil
	}
	c.brk.OnFailure()
	return err
}

func (c *Client) emitAttempt(requestID string, no int, latencyMS int64, outcome string) {
	c.sink.Emit(metrics.EventPaymentAttempt, map[string]any{
		"request_id": requestID,
		"attempt_no": no,
		"latency_ms": latencyMS,
		"state":      c.brk.State().String(),
		"outcome":    outcome,
	})
}
