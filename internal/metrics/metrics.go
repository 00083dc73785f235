package metrics

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// 事件名约定：外部采集方按 event 字段聚合，core 不解释也不存储。
const (
	EventBreakerTransition = "breaker.transition"
	EventStockConflict     = "stock.conflict"
	EventThrottled         = "checkout.throttled"
	EventFinalized         = "checkout.finalized"
	EventPaymentAttempt    = "payments.attempt"
)

// Sink 接收离散监控事件（扁平 key/value 记录）。
type Sink interface {
	Emit(event string, fields map[string]any)
}

// LogSink 将事件写入 zerolog，由日志管道转交外部采集。
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink() *LogSink {
	return &LogSink{logger: log.With().Str("component", "metrics").Logger()}
}

func (s *LogSink) Emit(event string, fields map[string]any) {
	s.logger.Info().Str("event", event).Fields(fields).Msg("metric")
}

// NopSink 测试用空实现。
type NopSink struct{}

func (NopSink) Emit(string, map[string]any) {}

// BreakerTransition 上报熔断器状态迁移。
func BreakerTransition(s Sink, name, from, to string) {
	s.Emit(EventBreakerTransition, map[string]any{
		"breaker": name,
		"from":    from,
		"to":      to,
	})
}

// StockConflict 上报库存冲突（请求量超过可售量）。
func StockConflict(s Sink, productID uint, requested int64, available int64) {
	s.Emit(EventStockConflict, map[string]any{
		"product_id": productID,
		"requested":  requested,
		"available":  available,
	})
}

// Throttled 上报限流拒绝。
func Throttled(s Sink, userID int64, productID uint, retryAfterSec int) {
	s.Emit(EventThrottled, map[string]any{
		"user_id":     userID,
		"product_id":  productID,
		"retry_after": retryAfterSec,
	})
}
