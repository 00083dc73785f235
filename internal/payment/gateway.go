package payment

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// ErrGatewayTimeout 表示网关侧超时，可重试。
var ErrGatewayTimeout = errors.New("payment gateway timeout")

// GatewayError 携带网关返回的 HTTP 等价状态码，用于重试分类。
type GatewayError struct {
	Code   int
	Reason string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("payment gateway error: HTTP %d (%s)", e.Code, e.Reason)
}

// IsTransient 判定错误是否可重试：超时、5xx 等价、连接类错误可重试；
// 4xx 等价（拒付/校验）不可重试。取消的上下文不再重试。
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Code >= 500
	}
	// 超时与连接类错误统一视作瞬时故障
	return true
}

// IsDecline 判定是否为 4xx 等价的永久拒绝（拒付）。
func IsDecline(err error) bool {
	var ge *GatewayError
	return errors.As(err, &ge) && ge.Code >= 400 && ge.Code < 500
}

// ChargeRequest 是一次网关扣款调用的入参。
type ChargeRequest struct {
	RequestID   string
	Method      string
	AmountCents int64
}

// ChargeResponse 仅在成功时返回 provider 引用。
type ChargeResponse struct {
	ProviderRef string
}

// Gateway 是外部支付网关边界：单次同步调用，可能又慢又不稳定。
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (ChargeResponse, error)
	Void(ctx context.Context, providerRef string) error
}

// StubGateway 可配置失败率的网关替身，供压测与测试验证韧性路径。
type StubGateway struct {
	FailureRate float64 // 5xx 概率
	TimeoutRate float64 // 超时概率
	DeclineRate float64 // 拒付概率
	Latency     time.Duration

	mu    sync.Mutex
	calls int
	rnd   *rand.Rand
}

func NewStubGateway() *StubGateway {
	return &StubGateway{rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

var transientCodes = []int{500, 502, 503, 504}

func (g *StubGateway) Charge(ctx context.Context, req ChargeRequest) (ChargeResponse, error) {
	n, f1, f2, f3 := g.roll()

	if g.Latency > 0 {
		select {
		case <-time.After(g.Latency):
		case <-ctx.Done():
			return ChargeResponse{}, ctx.Err()
		}
	}

	if f1 < g.TimeoutRate {
		return ChargeResponse{}, ErrGatewayTimeout
	}
	if f2 < g.FailureRate {
		return ChargeResponse{}, &GatewayError{Code: transientCodes[n%len(transientCodes)], Reason: "service failure"}
	}
	if f3 < g.DeclineRate {
		return ChargeResponse{}, &GatewayError{Code: 402, Reason: "card_declined"}
	}

	ref := fmt.Sprintf("txn_%s_%d_%d", req.RequestID, n, time.Now().Unix())
	return ChargeResponse{ProviderRef: ref}, nil
}

func (g *StubGateway) Void(ctx context.Context, providerRef string) error {
	_, f1, f2, _ := g.roll()
	if f1 < g.TimeoutRate {
		return ErrGatewayTimeout
	}
	if f2 < g.FailureRate {
		return &GatewayError{Code: 503, Reason: "service failure"}
	}
	return nil
}

// Calls 返回累计网关调用次数（测试断言用）。
func (g *StubGateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func (g *StubGateway) roll() (int, float64, float64, float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	return g.calls, g.rnd.Float64(), g.rnd.Float64(), g.rnd.Float64()
}
