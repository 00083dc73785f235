package queue

import "fmt"

// FinalizeJob 是订单提交成功后投递的终结任务。
// 投递语义 at-least-once，消费侧按 request_id 幂等。
type FinalizeJob struct {
	RequestID  string `json:"request_id"`
	ProductID  uint   `json:"product_id"`
	UserID     int64  `json:"user_id"`
	Quantity   int    `json:"quantity"`
	Amount     int64  `json:"amount"` // 分
	PaymentRef string `json:"payment_ref"`
	Outcome    string `json:"outcome"`
}

// Validate 做最小字段校验，防止消费者处理脏消息。
func (j FinalizeJob) Validate() error {
	if j.RequestID == "" {
		return fmt.Errorf("request_id is required")
	}
	if j.ProductID == 0 {
		return fmt.Errorf("product_id is required")
	}
	if j.UserID <= 0 {
		return fmt.Errorf("user_id is required")
	}
	if j.Quantity <= 0 {
		return fmt.Errorf("quantity must be > 0")
	}
	if j.Amount <= 0 {
		return fmt.Errorf("amount must be > 0")
	}
	return nil
}
