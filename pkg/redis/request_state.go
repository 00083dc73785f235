package redis

import (
	"context"
	"time"

	rd "github.com/redis/go-redis/v9"
)

const (
	// RequestPending 表示订单已创建，等待支付与异步落单。
	RequestPending = "pending"
	// RequestPaid 表示支付成功、预留已提交。
	RequestPaid = "paid"
	// RequestFailed 表示支付失败（已终态）。
	RequestFailed = "failed"
	// RequestRolledBack 表示预留已回滚、库存已归还。
	RequestRolledBack = "rolled_back"
)

// RequestState 对应 Redis 内的 request 状态结构。
type RequestState struct {
	RequestID  string
	Status     string
	OrderNo    string
	PaymentRef string
	Reason     string
}

// GetRequestState 查询 request_id 当前状态。found=false 表示 key 不存在。
func GetRequestState(ctx context.Context, rdb *rd.Client, requestID string) (RequestState, bool, error) {
	key := RequestStatusKey(requestID)
	m, err := rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return RequestState{}, false, err
	}
	if len(m) == 0 {
		return RequestState{}, false, nil
	}

	out := RequestState{
		RequestID:  requestID,
		Status:     m["status"],
		OrderNo:    m["order_no"],
		PaymentRef: m["payment_ref"],
		Reason:     m["reason"],
	}
	if out.Status == "" {
		out.Status = RequestPending
	}
	return out, true, nil
}

// PutRequestState 更新 request 状态，并刷新 key TTL。
func PutRequestState(ctx context.Context, rdb *rd.Client, s RequestState, ttl time.Duration) error {
	key := RequestStatusKey(s.RequestID)
	pipe := rdb.TxPipeline()
	pipe.HSet(ctx, key,
		"request_id", s.RequestID,
		"status", s.Status,
		"order_no", s.OrderNo,
		"payment_ref", s.PaymentRef,
		"reason", s.Reason,
	)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}
